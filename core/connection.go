package core

import (
	"time"

	"github.com/searchktools/sehttpd/core/http"
	"github.com/searchktools/sehttpd/core/pools"
	"github.com/searchktools/sehttpd/core/static"
)

// Connection is one slot record. The same record type carries connections
// and the companions of their operations (link timeouts, buffer provides);
// op tells which.
type Connection struct {
	slot pools.Handle
	op   Op
	fd   int

	// Request side: view is what the parser reads, either the leased
	// kernel buffer or the slot's staging buffer
	lease   pools.Lease
	staging []byte
	staged  bool
	view    []byte
	req     http.Request

	// Response side
	out        []byte
	sent       int
	file       *static.File
	fileOff    int64
	fileEnd    int64
	status     int
	keepAlive  bool
	closeAfter bool
	start      time.Time

	// Provide companion
	bid uint16
}

// bind prepares a fresh record for a new owner
func (c *Connection) bind(h pools.Handle, op Op, fd int) {
	c.slot = h
	c.op = op
	c.fd = fd
}

// resetRequest clears per-request state, keeping allocated buffers
func (c *Connection) resetRequest() {
	c.req.Reset()
	c.lease = pools.Lease{}
	c.staged = false
	c.view = nil

	c.out = c.out[:0]
	c.sent = 0
	c.file = nil
	c.fileOff = 0
	c.fileEnd = 0
	c.status = 0
	c.keepAlive = false
	c.closeAfter = false
	c.start = time.Time{}
}

// clear drops everything but reusable buffers when the slot is freed
func (c *Connection) clear() {
	c.resetRequest()
	c.slot = 0
	c.op = OpNone
	c.fd = -1
	c.bid = 0
}

// Slot returns the record's slot handle
func (c *Connection) Slot() pools.Handle { return c.slot }

// Fd returns the socket
func (c *Connection) Fd() int { return c.fd }

// Op returns the outstanding operation
func (c *Connection) Op() Op { return c.op }

// sendBuffer returns the emptied response buffer, allocating it on first use
func (c *Connection) sendBuffer() []byte {
	if cap(c.out) < SendBufferSize {
		c.out = make([]byte, 0, SendBufferSize)
	}
	return c.out[:0]
}

// stagingBuffer returns the emptied staging buffer, allocating it on first use
func (c *Connection) stagingBuffer(size int) []byte {
	if cap(c.staging) < size {
		c.staging = make([]byte, 0, size)
	}
	return c.staging[:0]
}
