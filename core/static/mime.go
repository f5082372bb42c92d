package static

import (
	"path/filepath"
)

// DefaultContentType is used for unknown or missing extensions
const DefaultContentType = "text/plain"

var mimeTypes = map[string]string{
	".html":  "text/html",
	".htm":   "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".css":   "text/css",
	".js":    "application/javascript",
	".json":  "application/json",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".zip":   "application/zip",
	".gz":    "application/gzip",
}

// ContentType returns the MIME type for a file name by its extension
func ContentType(name string) string {
	if t, ok := mimeTypes[filepath.Ext(name)]; ok {
		return t
	}
	return DefaultContentType
}
