package http

import (
	"encoding/binary"
	"errors"

	"golang.org/x/net/http/httpguts"
)

// Parser errors. ErrAgain is not a failure: the buffer ran out and parsing
// resumes from Request.Pos on the next read.
var (
	ErrAgain          = errors.New("need more data")
	ErrInvalidMethod  = errors.New("invalid request method")
	ErrInvalidRequest = errors.New("invalid request line")
	ErrURITooLong     = errors.New("request URI too long")
	ErrInvalidHeader  = errors.New("invalid request header")
	ErrTooManyHeaders = errors.New("too many request headers")
)

// Parser limits
const (
	MaxURILength     = 2048
	MaxVersionDigits = 3
	MaxHeaders       = 64
)

const (
	cr = '\r'
	lf = '\n'
)

// Fixed-width method keys: the 3-byte method is compared together with the
// space that ended it.
var (
	methodKeyGET  = binary.LittleEndian.Uint32([]byte("GET "))
	methodKeyPOST = binary.LittleEndian.Uint32([]byte("POST"))
)

type lineState uint8

const (
	lineStart lineState = iota
	lineMethod
	lineSpacesBeforeURI
	lineURI
	lineHTTP
	lineHTTPH
	lineHTTPHT
	lineHTTPHTT
	lineHTTPHTTP
	lineFirstMajorDigit
	lineMajorDigit
	lineFirstMinorDigit
	lineMinorDigit
	lineSpacesAfterDigit
	lineAlmostDone
)

type lineAction uint8

const (
	lineNone lineAction = iota
	lineMethodStart
	lineMethodEnd
	lineURIStart
	lineURIByte
	lineURIEnd
	lineMajorFirst
	lineMajorNext
	lineMinorFirst
	lineMinorNext
	lineDone
	lineErrMethod
	lineErrRequest
)

func isMethodByte(ch byte) bool {
	return (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// lineTransition is the request-line state machine. Every (state, byte)
// pair yields a next state and an action; error actions are terminal.
func lineTransition(s lineState, ch byte) (lineState, lineAction) {
	switch s {
	case lineStart:
		if ch == cr || ch == lf {
			return lineStart, lineNone
		}
		if isMethodByte(ch) {
			return lineMethod, lineMethodStart
		}
		return s, lineErrMethod

	case lineMethod:
		if ch == ' ' {
			return lineSpacesBeforeURI, lineMethodEnd
		}
		if isMethodByte(ch) {
			return lineMethod, lineNone
		}
		return s, lineErrMethod

	case lineSpacesBeforeURI:
		switch ch {
		case '/':
			return lineURI, lineURIStart
		case ' ':
			return s, lineNone
		}

	case lineURI:
		if ch == ' ' {
			return lineHTTP, lineURIEnd
		}
		if ch < 0x20 || ch == 0x7f {
			return s, lineErrRequest
		}
		return lineURI, lineURIByte

	case lineHTTP:
		switch ch {
		case ' ':
			return s, lineNone
		case 'H':
			return lineHTTPH, lineNone
		}

	case lineHTTPH:
		if ch == 'T' {
			return lineHTTPHT, lineNone
		}

	case lineHTTPHT:
		if ch == 'T' {
			return lineHTTPHTT, lineNone
		}

	case lineHTTPHTT:
		if ch == 'P' {
			return lineHTTPHTTP, lineNone
		}

	case lineHTTPHTTP:
		if ch == '/' {
			return lineFirstMajorDigit, lineNone
		}

	case lineFirstMajorDigit:
		if ch >= '1' && ch <= '9' {
			return lineMajorDigit, lineMajorFirst
		}

	case lineMajorDigit:
		if ch == '.' {
			return lineFirstMinorDigit, lineNone
		}
		if isDigit(ch) {
			return lineMajorDigit, lineMajorNext
		}

	case lineFirstMinorDigit:
		if isDigit(ch) {
			return lineMinorDigit, lineMinorFirst
		}

	case lineMinorDigit:
		switch {
		case ch == cr:
			return lineAlmostDone, lineNone
		case ch == lf:
			return lineStart, lineDone
		case ch == ' ':
			return lineSpacesAfterDigit, lineNone
		case isDigit(ch):
			return lineMinorDigit, lineMinorNext
		}

	case lineSpacesAfterDigit:
		switch ch {
		case ' ':
			return s, lineNone
		case cr:
			return lineAlmostDone, lineNone
		case lf:
			return lineStart, lineDone
		}

	case lineAlmostDone:
		if ch == lf {
			return lineStart, lineDone
		}
	}

	return s, lineErrRequest
}

// ParseRequestLine consumes buf[r.Pos:r.Last] until the request line ends.
// It returns nil when the line is complete (r.Pos is then the first header
// byte), ErrAgain when the input ran out, or a parse error.
func ParseRequestLine(r *Request, buf []byte) error {
	s := r.lineState

	for pi := r.Pos; pi < r.Last; pi++ {
		ch := buf[pi]
		next, act := lineTransition(s, ch)

		switch act {
		case lineMethodStart:
			r.MethodSpan.Start = pi

		case lineMethodEnd:
			r.MethodSpan.End = pi
			r.Method = matchMethod(buf, r.MethodSpan)

		case lineURIStart:
			r.URI.Start = pi

		case lineURIByte:
			if pi-r.URI.Start+1 > MaxURILength {
				r.Pos = pi
				return ErrURITooLong
			}

		case lineURIEnd:
			r.URI.End = pi

		case lineMajorFirst:
			r.Major = int(ch - '0')
			r.digits = 1

		case lineMinorFirst:
			r.Minor = int(ch - '0')
			r.digits = 1

		case lineMajorNext, lineMinorNext:
			r.digits++
			if r.digits > MaxVersionDigits {
				r.Pos = pi
				return ErrInvalidRequest
			}
			if act == lineMajorNext {
				r.Major = r.Major*10 + int(ch-'0')
			} else {
				r.Minor = r.Minor*10 + int(ch-'0')
			}

		case lineDone:
			r.Pos = pi + 1
			r.lineState = lineStart
			r.Phase = PhaseHeaders
			return nil

		case lineErrMethod:
			r.Pos = pi
			return ErrInvalidMethod

		case lineErrRequest:
			r.Pos = pi
			return ErrInvalidRequest
		}

		s = next
	}

	r.Pos = r.Last
	r.lineState = s
	return ErrAgain
}

// matchMethod identifies the method token with one 4-byte comparison. The
// byte after a 3-byte token is the space that ended it, so 4 bytes are
// always readable.
func matchMethod(buf []byte, m Span) Method {
	switch m.Len() {
	case 3:
		if binary.LittleEndian.Uint32(buf[m.Start:]) == methodKeyGET {
			return MethodGET
		}
	case 4:
		if binary.LittleEndian.Uint32(buf[m.Start:]) == methodKeyPOST {
			return MethodPOST
		}
	}
	return MethodUnknown
}

type headerState uint8

const (
	hdrStart headerState = iota
	hdrKey
	hdrSpacesBeforeColon
	hdrSpacesAfterColon
	hdrValue
	hdrCR
	hdrCRLF
	hdrCRLFCR
)

type headerAction uint8

const (
	hdrNone headerAction = iota
	hdrKeyStart
	hdrKeyEnd
	hdrValueStart
	hdrValueEnd
	hdrValueEndEmit
	hdrEmptyValue
	hdrEmptyValueEmit
	hdrEmit
	hdrDone
	hdrErr
)

// tokenTable caches RFC 7230 tchar membership for header keys
var tokenTable = func() (t [128]bool) {
	for i := range t {
		t[i] = httpguts.IsTokenRune(rune(i))
	}
	return t
}()

func isTokenByte(ch byte) bool {
	return ch < 0x80 && tokenTable[ch]
}

// headerTransition is the header-block state machine
func headerTransition(s headerState, ch byte) (headerState, headerAction) {
	switch s {
	case hdrStart:
		switch {
		case ch == cr:
			return hdrCRLFCR, hdrNone
		case ch == lf:
			return hdrStart, hdrDone
		case isTokenByte(ch):
			return hdrKey, hdrKeyStart
		}

	case hdrKey:
		switch {
		case ch == ':':
			return hdrSpacesAfterColon, hdrKeyEnd
		case ch == ' ':
			return hdrSpacesBeforeColon, hdrKeyEnd
		case isTokenByte(ch):
			return hdrKey, hdrNone
		}

	case hdrSpacesBeforeColon:
		switch ch {
		case ' ':
			return s, hdrNone
		case ':':
			return hdrSpacesAfterColon, hdrNone
		}

	case hdrSpacesAfterColon:
		switch ch {
		case ' ', '\t':
			return s, hdrNone
		case cr:
			return hdrCR, hdrEmptyValue
		case lf:
			return hdrCRLF, hdrEmptyValueEmit
		}
		return hdrValue, hdrValueStart

	case hdrValue:
		switch ch {
		case cr:
			return hdrCR, hdrValueEnd
		case lf:
			return hdrCRLF, hdrValueEndEmit
		}
		return hdrValue, hdrNone

	case hdrCR:
		if ch == lf {
			return hdrCRLF, hdrEmit
		}

	case hdrCRLF:
		switch {
		case ch == cr:
			return hdrCRLFCR, hdrNone
		case ch == lf:
			return hdrStart, hdrDone
		case isTokenByte(ch):
			return hdrKey, hdrKeyStart
		}

	case hdrCRLFCR:
		if ch == lf {
			return hdrStart, hdrDone
		}
	}

	return s, hdrErr
}

// ParseHeaders consumes header lines from buf[r.Pos:r.Last] up to the blank
// line. Each completed line is appended to r.Headers in arrival order;
// duplicate keys stay separate entries.
func ParseHeaders(r *Request, buf []byte) error {
	s := r.hdrState

	for pi := r.Pos; pi < r.Last; pi++ {
		next, act := headerTransition(s, buf[pi])

		switch act {
		case hdrKeyStart:
			r.cur.Key.Start = pi

		case hdrKeyEnd:
			r.cur.Key.End = pi

		case hdrValueStart:
			r.cur.Value.Start = pi

		case hdrValueEnd:
			r.cur.Value.End = pi

		case hdrEmptyValue:
			r.cur.Value = Span{Start: pi, End: pi}

		case hdrValueEndEmit, hdrEmptyValueEmit, hdrEmit:
			switch act {
			case hdrValueEndEmit:
				r.cur.Value.End = pi
			case hdrEmptyValueEmit:
				r.cur.Value = Span{Start: pi, End: pi}
			}
			if len(r.Headers) >= MaxHeaders {
				r.Pos = pi
				return ErrTooManyHeaders
			}
			r.Headers = append(r.Headers, r.cur)

		case hdrDone:
			r.Pos = pi + 1
			r.hdrState = hdrStart
			r.Phase = PhaseDone
			return nil

		case hdrErr:
			r.Pos = pi
			return ErrInvalidHeader
		}

		s = next
	}

	r.Pos = r.Last
	r.hdrState = s
	return ErrAgain
}

// Parse runs whichever parser owns the request and continues into the
// header block once the request line completes.
func Parse(r *Request, buf []byte) error {
	if r.Phase == PhaseRequestLine {
		if err := ParseRequestLine(r, buf); err != nil {
			return err
		}
	}
	if r.Phase == PhaseHeaders {
		return ParseHeaders(r, buf)
	}
	return nil
}
