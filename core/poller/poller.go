package poller

// Interest selects the readiness a descriptor is watched for
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Event reports readiness of one descriptor. Hangup and error conditions
// are reported as both readable and writable so pending I/O observes them.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller is the I/O multiplexing interface
type Poller interface {
	// Add starts watching fd
	Add(fd int, in Interest) error
	// Modify replaces the interest set of a watched fd
	Modify(fd int, in Interest) error
	// Remove stops watching fd
	Remove(fd int) error
	// Wait blocks up to timeout milliseconds (-1 = forever). The returned
	// slice is reused by the next call.
	Wait(timeout int) ([]Event, error)
	Close() error
}
