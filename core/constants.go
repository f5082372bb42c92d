package core

import (
	"errors"
	"time"
)

// Op tags the operation a slot record is waiting on
type Op uint8

const (
	OpNone Op = iota
	OpAccept
	OpRead
	OpWrite
	OpProvide
	OpTimeout
	OpTick
)

// String returns the op name
func (o Op) String() string {
	switch o {
	case OpAccept:
		return "accept"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpProvide:
		return "provide"
	case OpTimeout:
		return "timeout"
	case OpTick:
		return "tick"
	default:
		return "none"
	}
}

// Engine defaults
const (
	DefaultQueueDepth       = 8192
	DefaultMaxConns         = 4096
	DefaultBuffers          = 2048
	DefaultBufferSize       = 4096
	DefaultIOTimeout        = 1500 * time.Millisecond
	DefaultKeepAliveTimeout = 1000 * time.Millisecond
	DefaultFileCache        = 1000

	// StagingSize bounds a request head split across reads
	StagingSize = 8192
	// SendBufferSize is the per-connection response buffer
	SendBufferSize = 16 << 10
	// BufferGroupID is the group receives select from
	BufferGroupID = 1

	// companionReserve extra slots for provide operations
	companionReserve = 64
	tickInterval     = 100 * time.Millisecond
)

// Engine errors
var (
	ErrHeadTooLarge = errors.New("request head exceeds staging buffer")
	ErrNoListener   = errors.New("engine has no listening socket")
)
