package http

import (
	"bytes"
)

// Method identifies a request method
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGET
	MethodPOST
)

// String returns the method token
func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodPOST:
		return "POST"
	default:
		return "UNKNOWN"
	}
}

// Phase tells which parser owns the request
type Phase uint8

const (
	PhaseRequestLine Phase = iota
	PhaseHeaders
	PhaseDone
)

// Span is a half-open byte range [Start, End) into the buffer a request was
// parsed from. It holds offsets only; the bytes belong to that buffer.
type Span struct {
	Start, End int
}

// Len returns the span length
func (s Span) Len() int { return s.End - s.Start }

// Bytes returns the span's bytes within buf
func (s Span) Bytes(buf []byte) []byte { return buf[s.Start:s.End] }

// Header is one parsed header line
type Header struct {
	Key, Value Span
}

// Request is the resumable parse state of one request. Pos and Last index
// the buffer handed to the parsers; Pos is where parsing resumes.
type Request struct {
	Phase Phase
	Pos   int
	Last  int

	Method     Method
	MethodSpan Span
	URI        Span
	Major      int
	Minor      int
	Headers    []Header

	lineState lineState
	hdrState  headerState
	digits    int
	cur       Header
}

// NewRequest returns a request with room for MaxHeaders headers
func NewRequest() *Request {
	r := &Request{}
	r.Init()
	return r
}

// Init preallocates header storage so parsing never allocates
func (r *Request) Init() {
	if cap(r.Headers) < MaxHeaders {
		r.Headers = make([]Header, 0, MaxHeaders)
	}
	r.Reset()
}

// Reset prepares the request for the next message, keeping header capacity
func (r *Request) Reset() {
	headers := r.Headers[:0]
	*r = Request{Headers: headers}
}

// Done reports whether request line and headers are complete
func (r *Request) Done() bool { return r.Phase == PhaseDone }

// Header returns the first value of the named header with surrounding
// whitespace removed, or nil.
func (r *Request) Header(buf []byte, name string) []byte {
	for _, h := range r.Headers {
		if equalFold(h.Key.Bytes(buf), name) {
			return trimOWS(h.Value.Bytes(buf))
		}
	}
	return nil
}

// Values appends every value of the named header to dst in arrival order
func (r *Request) Values(buf []byte, name string, dst [][]byte) [][]byte {
	for _, h := range r.Headers {
		if equalFold(h.Key.Bytes(buf), name) {
			dst = append(dst, trimOWS(h.Value.Bytes(buf)))
		}
	}
	return dst
}

// KeepAlive applies HTTP/1.x connection persistence rules: 1.1 persists
// unless "close" is listed, 1.0 only when "keep-alive" is listed.
func (r *Request) KeepAlive(buf []byte) bool {
	var closeTok, keepAliveTok bool
	for _, h := range r.Headers {
		if !equalFold(h.Key.Bytes(buf), "Connection") {
			continue
		}
		v := h.Value.Bytes(buf)
		for len(v) > 0 {
			var tok []byte
			if i := bytes.IndexByte(v, ','); i >= 0 {
				tok, v = v[:i], v[i+1:]
			} else {
				tok, v = v, nil
			}
			tok = trimOWS(tok)
			switch {
			case equalFold(tok, "close"):
				closeTok = true
			case equalFold(tok, "keep-alive"):
				keepAliveTok = true
			}
		}
	}

	if closeTok {
		return false
	}
	if r.Major == 1 && r.Minor == 0 {
		return keepAliveTok
	}
	return r.Major >= 1
}

func equalFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c1, c2 := b[i], s[i]
		if c1 == c2 {
			continue
		}
		if 'A' <= c1 && c1 <= 'Z' {
			c1 += 'a' - 'A'
		}
		if 'A' <= c2 && c2 <= 'Z' {
			c2 += 'a' - 'A'
		}
		if c1 != c2 {
			return false
		}
	}
	return true
}

func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}
