package http

import (
	"strconv"
	"time"

	"golang.org/x/net/html"
)

// ServerName is sent in every Server header
const ServerName = "seHTTPd"

// LastModifiedLayout is the Last-Modified date layout (always GMT)
const LastModifiedLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// Status codes the server emits
const (
	StatusOK                   = 200
	StatusNotModified          = 304
	StatusBadRequest           = 400
	StatusForbidden            = 403
	StatusNotFound             = 404
	StatusURITooLong           = 414
	StatusHeaderFieldsTooLarge = 431
	StatusInternalServerError  = 500
)

// StatusText returns the reason phrase for code
func StatusText(code int) string {
	switch code {
	case StatusOK:
		return "OK"
	case StatusNotModified:
		return "Not Modified"
	case StatusBadRequest:
		return "Bad Request"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "Not Found"
	case StatusURITooLong:
		return "URI Too Long"
	case StatusHeaderFieldsTooLarge:
		return "Request Header Fields Too Large"
	case StatusInternalServerError:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}

// ResponseHeader describes a static-file response head
type ResponseHeader struct {
	Status int

	KeepAlive        bool
	KeepAliveTimeout time.Duration

	// Modified controls the entity headers; false for 304
	Modified      bool
	ContentType   string
	ContentLength int64
	LastModified  time.Time
}

// AppendTo appends the status line and headers, ending with the blank line
func (h *ResponseHeader) AppendTo(dst []byte) []byte {
	dst = AppendStatusLine(dst, h.Status)

	if h.KeepAlive {
		dst = append(dst, "Connection: keep-alive\r\n"...)
		dst = append(dst, "Keep-Alive: timeout="...)
		dst = strconv.AppendInt(dst, h.KeepAliveTimeout.Milliseconds(), 10)
		dst = append(dst, "\r\n"...)
	}

	if h.Modified {
		dst = append(dst, "Content-type: "...)
		dst = append(dst, h.ContentType...)
		dst = append(dst, "\r\nContent-length: "...)
		dst = strconv.AppendInt(dst, h.ContentLength, 10)
		dst = append(dst, "\r\nLast-Modified: "...)
		dst = h.LastModified.UTC().AppendFormat(dst, LastModifiedLayout)
		dst = append(dst, "\r\n"...)
	}

	dst = append(dst, "Server: "+ServerName+"\r\n\r\n"...)
	return dst
}

// AppendStatusLine appends "HTTP/1.1 <code> <reason>\r\n"
func AppendStatusLine(dst []byte, code int) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(code)...)
	dst = append(dst, "\r\n"...)
	return dst
}

// AppendErrorPage appends a complete error response (head and HTML body).
// Error responses always close the connection.
func AppendErrorPage(dst []byte, code int, cause, detail string) []byte {
	var scratch [512]byte
	body := appendErrorBody(scratch[:0], code, cause, detail)

	dst = AppendStatusLine(dst, code)
	dst = append(dst, "Server: "+ServerName+"\r\n"...)
	dst = append(dst, "Content-type: text/html\r\n"...)
	dst = append(dst, "Connection: close\r\n"...)
	dst = append(dst, "Content-length: "...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, "\r\n\r\n"...)
	return append(dst, body...)
}

func appendErrorBody(dst []byte, code int, cause, detail string) []byte {
	dst = append(dst, "<html><title>Server Error</title><body>\n"...)
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ": "...)
	dst = append(dst, StatusText(code)...)
	dst = append(dst, "\n<p>"...)
	dst = append(dst, detail...)
	dst = append(dst, ": "...)
	dst = append(dst, html.EscapeString(cause)...)
	dst = append(dst, "\n</p><hr><em>web server</em>\n</body></html>"...)
	return dst
}
