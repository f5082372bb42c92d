package core

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/sehttpd/core/http"
	"github.com/searchktools/sehttpd/core/static"
)

// Error page details
const (
	detailNotFound  = "seHTTPd can't find the file"
	detailForbidden = "seHTTPd can't read the file"
	detailBadReq    = "seHTTPd can't parse the request"
	detailTooLarge  = "seHTTPd can't accept the request"
)

// handleRequest answers a fully parsed request from the document root. Every
// span is consumed before the receive buffer goes back to the ring.
func (e *Engine) handleRequest(conn *Connection) {
	buf := conn.view
	req := &conn.req
	uri := req.URI.Bytes(buf)

	path, err := e.resolver.Resolve(uri)
	if err != nil {
		e.respondError(conn, http.StatusForbidden, string(uri), detailForbidden)
		return
	}

	f, err := e.files.Acquire(path)
	if err != nil {
		code, detail := http.StatusNotFound, detailNotFound
		if errors.Is(err, static.ErrForbidden) {
			code, detail = http.StatusForbidden, detailForbidden
		}
		e.log.WithError(err).WithFields(logrus.Fields{"fd": conn.fd, "path": path}).Debug("file lookup")
		e.respondError(conn, code, string(uri), detail)
		return
	}

	conn.keepAlive = req.KeepAlive(buf)
	modified := modifiedSince(f.ModTime(), req.Header(buf, "If-Modified-Since"))

	hdr := http.ResponseHeader{
		Status:           http.StatusOK,
		KeepAlive:        conn.keepAlive,
		KeepAliveTimeout: e.opts.KeepAliveTimeout,
		Modified:         modified,
		ContentType:      f.ContentType(),
		ContentLength:    f.Size(),
		LastModified:     f.ModTime(),
	}
	if !modified {
		hdr.Status = http.StatusNotModified
	}

	conn.status = hdr.Status
	conn.out = hdr.AppendTo(conn.sendBuffer())
	conn.sent = 0
	e.releaseLease(conn)

	if modified {
		conn.file = f
		conn.fileOff = 0
		conn.fileEnd = f.Size()
		if err := e.fillBody(conn); err != nil {
			e.log.WithError(err).WithField("path", path).Warn("read file body")
			e.files.Invalidate(path)
			e.closeConn(conn)
			return
		}
	} else {
		e.files.Release(f)
	}

	if err := e.armWrite(conn); err != nil {
		e.log.WithError(err).WithField("fd", conn.fd).Warn("arm write")
		e.closeConn(conn)
	}
}

// modifiedSince reports whether mtime, at second precision, is newer than
// the If-Modified-Since value. A missing or malformed value counts as
// modified.
func modifiedSince(mtime time.Time, ims []byte) bool {
	if len(ims) == 0 {
		return true
	}
	t, err := nethttp.ParseTime(string(ims))
	if err != nil {
		return true
	}
	return mtime.Truncate(time.Second).After(t)
}

// fillBody reads the next file chunk into the free capacity of the send
// buffer
func (e *Engine) fillBody(conn *Connection) error {
	start := len(conn.out)
	room := int64(cap(conn.out) - start)
	want := min(room, conn.fileEnd-conn.fileOff)
	if want <= 0 {
		return nil
	}

	n, err := conn.file.ReadAt(conn.out[start:start+int(want)], conn.fileOff)
	conn.out = conn.out[:start+n]
	conn.fileOff += int64(n)
	if int64(n) < want {
		return fmt.Errorf("short read at %d of %s: %w", conn.fileOff, conn.file.Path(), err)
	}
	return nil
}

// respondError sends a complete error page and closes after it is written
func (e *Engine) respondError(conn *Connection, code int, cause, detail string) {
	conn.status = code
	conn.closeAfter = true
	conn.keepAlive = false
	conn.out = http.AppendErrorPage(conn.sendBuffer(), code, cause, detail)
	conn.sent = 0
	e.releaseLease(conn)

	if err := e.armWrite(conn); err != nil {
		e.log.WithError(err).WithField("fd", conn.fd).Warn("arm error response")
		e.closeConn(conn)
	}
}

// parseFailed maps a parser error to its response
func (e *Engine) parseFailed(conn *Connection, err error) {
	code, reason := parseStatus(err)
	e.metrics.ParseError(reason)
	e.log.WithError(err).WithFields(logrus.Fields{"fd": conn.fd, "status": code}).Debug("bad request")

	cause := ""
	if conn.req.URI.End > conn.req.URI.Start && conn.view != nil {
		cause = string(conn.req.URI.Bytes(conn.view))
	}

	detail := detailBadReq
	if code != http.StatusBadRequest {
		detail = detailTooLarge
	}
	e.respondError(conn, code, cause, detail)
}

func parseStatus(err error) (int, string) {
	switch {
	case errors.Is(err, http.ErrURITooLong):
		return http.StatusURITooLong, "uri_too_long"
	case errors.Is(err, http.ErrTooManyHeaders):
		return http.StatusHeaderFieldsTooLarge, "too_many_headers"
	case errors.Is(err, ErrHeadTooLarge):
		return http.StatusHeaderFieldsTooLarge, "head_too_large"
	case errors.Is(err, http.ErrInvalidMethod):
		return http.StatusBadRequest, "invalid_method"
	case errors.Is(err, http.ErrInvalidHeader):
		return http.StatusBadRequest, "invalid_header"
	default:
		return http.StatusBadRequest, "invalid_request"
	}
}
