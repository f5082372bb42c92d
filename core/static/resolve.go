// Package static maps request URIs to files under a document root and
// keeps recently served files open.
package static

import (
	"bytes"
	"errors"
	"path/filepath"
)

// Resolution errors; the handler maps them to 404 and 403
var (
	ErrNotFound  = errors.New("file not found")
	ErrForbidden = errors.New("access forbidden")
)

// IndexFile is served for directory URIs
const IndexFile = "index.html"

// Resolver maps request URIs onto paths below Root
type Resolver struct {
	Root string
}

// NewResolver creates a resolver for root
func NewResolver(root string) *Resolver {
	return &Resolver{Root: filepath.Clean(root)}
}

// Resolve turns a raw URI into a file path. The query string is dropped,
// ".." segments are refused, and a URI ending in "/" or whose last segment
// has no extension names the directory's index.html. The URI is not
// percent-decoded.
func (r *Resolver) Resolve(uri []byte) (string, error) {
	if i := bytes.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	if len(uri) == 0 || uri[0] != '/' {
		return "", ErrForbidden
	}

	for seg := uri[1:]; ; {
		i := bytes.IndexByte(seg, '/')
		part := seg
		if i >= 0 {
			part = seg[:i]
		}
		if string(part) == ".." {
			return "", ErrForbidden
		}
		if i < 0 {
			break
		}
		seg = seg[i+1:]
	}

	buf := make([]byte, 0, len(r.Root)+len(uri)+len(IndexFile)+1)
	buf = append(buf, r.Root...)
	buf = append(buf, uri...)

	last := buf[bytes.LastIndexByte(buf, '/'):]
	if bytes.IndexByte(last, '.') < 0 && buf[len(buf)-1] != '/' {
		buf = append(buf, '/')
	}
	if buf[len(buf)-1] == '/' {
		buf = append(buf, IndexFile...)
	}

	return filepath.Clean(string(buf)), nil
}
