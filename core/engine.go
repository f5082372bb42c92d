package core

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"

	"github.com/searchktools/sehttpd/core/http"
	"github.com/searchktools/sehttpd/core/observability"
	"github.com/searchktools/sehttpd/core/pools"
	"github.com/searchktools/sehttpd/core/ring"
	"github.com/searchktools/sehttpd/core/static"
)

// Options configures an Engine. Zero values take the package defaults.
type Options struct {
	Root             string
	QueueDepth       int
	MaxConns         int
	Buffers          int
	BufferSize       int
	IOTimeout        time.Duration
	KeepAliveTimeout time.Duration
	Backend          string

	// FileCache is shared with the caller when set; otherwise the engine
	// owns a cache of DefaultFileCache entries.
	FileCache *static.FileCache
	Logger    *logrus.Entry
	Metrics   *observability.Metrics

	// Ring replaces the backend chosen by Backend
	Ring ring.Ring
}

func (o *Options) applyDefaults() {
	if o.Root == "" {
		o.Root = "."
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.MaxConns <= 0 {
		o.MaxConns = DefaultMaxConns
	}
	if o.Buffers <= 0 {
		o.Buffers = DefaultBuffers
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.Backend == "" {
		o.Backend = ring.BackendAuto
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// counters are read by the stats endpoint while the loop writes them
type counters struct {
	_         cpu.CacheLinePad
	accepted  atomic.Uint64
	dropped   atomic.Uint64
	closed    atomic.Uint64
	timeouts  atomic.Uint64
	requests  atomic.Uint64
	live      atomic.Int64
	deferred  atomic.Uint64
	staleCQEs atomic.Uint64
	_         cpu.CacheLinePad
}

// Engine is the single-threaded completion loop. Every field below the
// options is owned by the goroutine running Run.
type Engine struct {
	opts    Options
	log     *logrus.Entry
	metrics *observability.Metrics

	ring     ring.Ring
	ownRing  bool
	slots    *pools.SlotPool[Connection]
	group    *pools.BufferGroup
	resolver *static.Resolver
	files    *static.FileCache
	ownFiles bool

	listener net.Listener
	lnFile   *os.File
	listenFd int

	stagingSize int
	live        int
	provides    []uint16
	cqes        []ring.Completion

	closeFd func(fd int) error
	tuneFd  func(fd int)
	newRing func(backend string, entries uint32, log *logrus.Entry) (ring.Ring, error)

	backend  atomic.Value
	stopping atomic.Bool
	stats    counters
}

// NewEngine creates an engine serving files below opts.Root
func NewEngine(opts Options) (*Engine, error) {
	opts.applyDefaults()

	e := &Engine{
		opts:        opts,
		log:         opts.Logger.WithField("component", "engine"),
		metrics:     opts.Metrics,
		resolver:    static.NewResolver(opts.Root),
		listenFd:    -1,
		stagingSize: max(StagingSize, 2*opts.BufferSize),
		cqes:        make([]ring.Completion, 0, opts.QueueDepth),
		closeFd:     unix.Close,
		tuneFd:      setNoDelay,
		newRing:     ring.New,
	}

	group, err := pools.NewBufferGroup(BufferGroupID, opts.Buffers, opts.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("buffer group: %w", err)
	}
	e.group = group
	e.provides = make([]uint16, 0, opts.Buffers)

	// Each connection holds at most one companion at a time; the accept
	// and tick records plus queued provides use the reserve.
	e.slots = pools.NewSlotPool(2*opts.MaxConns+companionReserve+2, func(_ int, c *Connection) {
		c.fd = -1
		c.req.Init()
	})

	e.files = opts.FileCache
	if e.files == nil {
		e.files = static.NewFileCache(DefaultFileCache, opts.Logger)
		e.ownFiles = true
		if err := e.files.Watch(opts.Root); err != nil {
			e.log.WithError(err).WithField("root", opts.Root).Warn("document root not watched; cached files revalidate on lookup")
		}
	}

	e.ring = opts.Ring
	if e.ring == nil {
		r, err := e.newRing(opts.Backend, uint32(opts.QueueDepth), opts.Logger)
		if err != nil {
			e.closeFiles()
			return nil, fmt.Errorf("ring: %w", err)
		}
		e.ring = r
		e.ownRing = true
	}
	e.backend.Store(e.ring.Backend())

	e.registerGauges()
	return e, nil
}

// Listen binds the listening socket
func (e *Engine) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("listen %s: not a TCP listener", addr)
	}

	f, err := tl.File()
	if err != nil {
		ln.Close()
		return err
	}

	e.listener = ln
	e.lnFile = f
	e.listenFd = int(f.Fd())
	return nil
}

// Addr returns the listening address, or nil before Listen
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Backend returns the ring backend in use
func (e *Engine) Backend() string { return e.backend.Load().(string) }

// Stop asks Run to return; the loop notices within one tick
func (e *Engine) Stop() {
	e.stopping.Store(true)
}

// Run provides the receive buffers, arms accept and serves until Stop
func (e *Engine) Run() error {
	if e.listenFd < 0 {
		return ErrNoListener
	}
	if err := e.start(); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"backend":     e.ring.Backend(),
		"root":        e.resolver.Root,
		"max_conns":   e.opts.MaxConns,
		"buffers":     e.group.Count(),
		"buffer_size": e.group.Size(),
	}).Info("event loop started")

	for !e.stopping.Load() {
		if err := e.poll(); err != nil {
			return err
		}
	}

	e.log.Info("event loop stopped")
	return nil
}

// poll runs one loop iteration: submit, wait, drain the whole batch
func (e *Engine) poll() error {
	e.flushProvides()

	if err := e.ring.SubmitAndWait(1); err != nil {
		return fmt.Errorf("ring wait: %w", err)
	}

	e.cqes = e.ring.Reap(e.cqes[:0])
	for _, c := range e.cqes {
		e.dispatch(c)
	}
	return nil
}

func (e *Engine) start() error {
	err := e.provideAll()
	if err != nil && e.ownRing && e.opts.Backend == ring.BackendAuto && e.ring.Backend() == ring.BackendUring {
		e.log.WithError(err).Warn("buffer provide failed, falling back to emulated ring")
		e.ring.Close()

		r, rerr := e.newRing(ring.BackendEmulated, uint32(e.opts.QueueDepth), e.opts.Logger)
		if rerr != nil {
			return fmt.Errorf("ring: %w", rerr)
		}
		e.ring = r
		e.backend.Store(r.Backend())
		err = e.provideAll()
	}
	if err != nil {
		return err
	}

	h, acc, err := e.slots.Checkout()
	if err != nil {
		return fmt.Errorf("accept record: %w", err)
	}
	acc.bind(h, OpAccept, e.listenFd)
	if err := e.armAccept(acc); err != nil {
		return fmt.Errorf("arm accept: %w", err)
	}

	h, tick, err := e.slots.Checkout()
	if err != nil {
		return fmt.Errorf("tick record: %w", err)
	}
	tick.bind(h, OpTick, -1)
	if err := e.armTick(tick); err != nil {
		return fmt.Errorf("arm tick: %w", err)
	}
	return nil
}

// provideAll hands the whole arena to the ring in one operation and waits
// for the result
func (e *Engine) provideAll() error {
	h, rec, err := e.slots.Checkout()
	if err != nil {
		return err
	}
	rec.bind(h, OpProvide, -1)
	defer e.free(rec)

	g := e.group
	if err := e.ring.PrepProvideBuffers(g.Arena(), g.Size(), g.Count(), g.ID(), 0, uint64(h)); err != nil {
		return fmt.Errorf("provide buffers: %w", err)
	}

	for {
		if err := e.ring.SubmitAndWait(1); err != nil {
			return fmt.Errorf("provide buffers: %w", err)
		}
		e.cqes = e.ring.Reap(e.cqes[:0])
		for _, c := range e.cqes {
			if pools.Handle(c.UserData) != h {
				continue
			}
			if c.Res < 0 {
				return fmt.Errorf("provide buffers: %w", c.Errno())
			}
			g.MarkAllProvided()
			return nil
		}
	}
}

func (e *Engine) dispatch(c ring.Completion) {
	rec, ok := e.slots.Get(pools.Handle(c.UserData))
	if !ok {
		e.stats.staleCQEs.Add(1)
		e.log.WithFields(logrus.Fields{"user_data": c.UserData, "res": c.Res}).Debug("completion for released slot")
		return
	}

	switch rec.op {
	case OpAccept:
		e.onAccept(rec, c)
	case OpRead:
		e.onRead(rec, c)
	case OpWrite:
		e.onWrite(rec, c)
	case OpProvide:
		e.onProvide(rec, c)
	case OpTimeout:
		e.onTimeout(rec, c)
	case OpTick:
		e.onTick(rec, c)
	default:
		e.log.WithField("slot", rec.slot.Index()).Warn("completion for idle slot")
	}
}

func (e *Engine) armAccept(acc *Connection) error {
	if err := e.ring.Reserve(1); err != nil {
		return err
	}
	return e.ring.PrepAccept(acc.fd, uint64(acc.slot))
}

func (e *Engine) armTick(tick *Connection) error {
	if err := e.ring.Reserve(1); err != nil {
		return err
	}
	return e.ring.PrepTimeout(tickInterval, uint64(tick.slot))
}

// armRead submits a receive linked to a timeout companion
func (e *Engine) armRead(conn *Connection, timeout time.Duration) error {
	conn.op = OpRead
	return e.armLinked(conn, timeout, func() error {
		return e.ring.PrepRecv(conn.fd, e.group.ID(), e.group.Size(), uint64(conn.slot), ring.FlagLink)
	})
}

// armWrite sends the unsent part of the response buffer
func (e *Engine) armWrite(conn *Connection) error {
	conn.op = OpWrite
	return e.armLinked(conn, e.opts.IOTimeout, func() error {
		return e.ring.PrepSend(conn.fd, conn.out[conn.sent:], uint64(conn.slot), ring.FlagLink)
	})
}

func (e *Engine) armLinked(conn *Connection, timeout time.Duration, prep func() error) error {
	th, tr, err := e.slots.Checkout()
	if err != nil {
		return fmt.Errorf("timeout companion: %w", err)
	}
	tr.bind(th, OpTimeout, conn.fd)

	if err := e.ring.Reserve(2); err != nil {
		e.free(tr)
		return err
	}
	if err := prep(); err != nil {
		e.free(tr)
		return err
	}
	if err := e.ring.PrepLinkTimeout(timeout, uint64(th)); err != nil {
		e.free(tr)
		return err
	}
	return nil
}

func (e *Engine) onAccept(acc *Connection, c ring.Completion) {
	if !e.stopping.Load() {
		if err := e.armAccept(acc); err != nil {
			e.log.WithError(err).Error("re-arm accept")
		}
	}

	if c.Res < 0 {
		if !c.Is(unix.EAGAIN) && !c.Is(unix.ECANCELED) {
			e.log.WithError(c.Errno()).Warn("accept failed")
		}
		return
	}

	fd := int(c.Res)
	if e.live >= e.opts.MaxConns {
		e.drop(fd, pools.ErrExhausted)
		return
	}

	h, conn, err := e.slots.Checkout()
	if err != nil {
		e.drop(fd, err)
		return
	}
	conn.bind(h, OpRead, fd)
	e.live++
	e.stats.accepted.Add(1)
	e.stats.live.Store(int64(e.live))
	e.metrics.Accepted()
	e.tuneFd(fd)

	if err := e.armRead(conn, e.opts.IOTimeout); err != nil {
		e.log.WithError(err).WithField("fd", fd).Warn("arm first read")
		e.closeConn(conn)
	}
}

// drop closes a connection that could not get a slot
func (e *Engine) drop(fd int, cause error) {
	e.closeFd(fd)
	e.stats.dropped.Add(1)
	e.metrics.Dropped()
	e.log.WithError(cause).WithFields(logrus.Fields{"fd": fd, "live": e.live}).Warn("connection dropped")
}

func (e *Engine) onRead(conn *Connection, c ring.Completion) {
	var lease pools.Lease
	if bid, ok := c.BufferID(); ok {
		l, err := e.group.Claim(bid)
		if err != nil {
			e.log.WithError(err).WithField("bid", bid).Error("claim receive buffer")
		} else {
			lease = l
		}
	}

	if c.Res <= 0 {
		if !lease.IsZero() {
			e.giveBack(lease)
		}
		if c.Is(unix.ENOBUFS) {
			e.log.WithField("fd", conn.fd).Warn("receive buffers exhausted")
		}
		e.closeConn(conn)
		return
	}
	if lease.IsZero() {
		e.log.WithField("fd", conn.fd).Error("receive completed without a buffer")
		e.closeConn(conn)
		return
	}

	n := int(c.Res)
	if conn.start.IsZero() {
		conn.start = time.Now()
	}

	if !conn.staged && conn.req.Last == 0 {
		conn.lease = lease
		conn.view = lease.Bytes()
		conn.req.Last = n
	} else {
		if conn.req.Last+n > e.stagingSize {
			e.giveBack(lease)
			e.parseFailed(conn, ErrHeadTooLarge)
			return
		}
		conn.staging = append(conn.staging[:conn.req.Last], lease.Bytes()[:n]...)
		e.giveBack(lease)
		conn.view = conn.staging
		conn.req.Last += n
	}

	err := http.Parse(&conn.req, conn.view)
	switch {
	case err == nil:
		e.handleRequest(conn)
	case errors.Is(err, http.ErrAgain):
		if !conn.staged && !e.stage(conn) {
			return
		}
		if err := e.armRead(conn, e.opts.IOTimeout); err != nil {
			e.log.WithError(err).WithField("fd", conn.fd).Warn("arm read")
			e.closeConn(conn)
		}
	default:
		e.parseFailed(conn, err)
	}
}

// stage moves a partial request out of its kernel buffer so the buffer can
// go back to the ring while the rest arrives
func (e *Engine) stage(conn *Connection) bool {
	if conn.req.Last > e.stagingSize {
		e.parseFailed(conn, ErrHeadTooLarge)
		return false
	}

	conn.staging = append(conn.stagingBuffer(e.stagingSize), conn.view[:conn.req.Last]...)
	conn.staged = true
	conn.view = conn.staging
	e.releaseLease(conn)
	return true
}

func (e *Engine) onWrite(conn *Connection, c ring.Completion) {
	if c.Res <= 0 {
		e.closeConn(conn)
		return
	}

	n := int(c.Res)
	conn.sent += n
	e.metrics.BytesSent(n)

	if conn.sent < len(conn.out) {
		e.metrics.PartialWrite()
		if err := e.armWrite(conn); err != nil {
			e.closeConn(conn)
		}
		return
	}

	e.releaseLease(conn)

	if conn.file != nil && conn.fileOff < conn.fileEnd {
		conn.out = conn.out[:0]
		conn.sent = 0
		if err := e.fillBody(conn); err != nil {
			e.log.WithError(err).WithField("path", conn.file.Path()).Warn("read file body")
			e.files.Invalidate(conn.file.Path())
			e.closeConn(conn)
			return
		}
		if err := e.armWrite(conn); err != nil {
			e.closeConn(conn)
		}
		return
	}

	e.stats.requests.Add(1)
	e.metrics.Response(conn.status, conn.start)

	if conn.closeAfter || !conn.keepAlive || e.stopping.Load() {
		e.closeConn(conn)
		return
	}

	e.releaseFile(conn)
	conn.resetRequest()
	if err := e.armRead(conn, e.opts.KeepAliveTimeout); err != nil {
		e.closeConn(conn)
	}
}

func (e *Engine) onProvide(rec *Connection, c ring.Completion) {
	if c.Res < 0 {
		e.log.WithError(c.Errno()).WithField("bid", rec.bid).Warn("provide buffer failed, requeued")
		if err := e.group.MarkPending(rec.bid); err == nil {
			e.provides = append(e.provides, rec.bid)
		}
	}
	e.free(rec)
}

func (e *Engine) onTimeout(rec *Connection, c ring.Completion) {
	if c.Is(unix.ETIME) {
		e.stats.timeouts.Add(1)
		e.metrics.Timeout()
		e.log.WithField("fd", rec.fd).Debug("i/o timed out")
	}
	e.free(rec)
}

func (e *Engine) onTick(tick *Connection, _ ring.Completion) {
	if e.stopping.Load() {
		e.free(tick)
		return
	}
	if err := e.armTick(tick); err != nil {
		e.log.WithError(err).Error("re-arm tick")
	}
}

// giveBack returns a lease and queues its provide operation
func (e *Engine) giveBack(l pools.Lease) {
	bid, err := e.group.Return(l)
	if err != nil {
		e.log.WithError(err).WithField("bid", l.ID()).Error("return receive buffer")
		return
	}
	e.provides = append(e.provides, bid)
}

func (e *Engine) releaseLease(conn *Connection) {
	if conn.lease.IsZero() {
		return
	}
	e.giveBack(conn.lease)
	conn.lease = pools.Lease{}
	if !conn.staged {
		conn.view = nil
	}
}

func (e *Engine) releaseFile(conn *Connection) {
	if conn.file != nil {
		e.files.Release(conn.file)
		conn.file = nil
	}
}

// flushProvides stages a provide for every returned buffer. Buffers that
// cannot get a companion slot stay queued for the next iteration.
func (e *Engine) flushProvides() {
	for len(e.provides) > 0 {
		bid := e.provides[len(e.provides)-1]

		h, rec, err := e.slots.Checkout()
		if err != nil {
			e.stats.deferred.Add(1)
			e.metrics.ProvideDeferred()
			return
		}
		rec.bind(h, OpProvide, -1)
		rec.bid = bid

		if err := e.ring.Reserve(1); err != nil {
			e.free(rec)
			e.log.WithError(err).Warn("reserve provide")
			return
		}
		if err := e.ring.PrepProvideBuffers(e.group.Slice(bid), e.group.Size(), 1, e.group.ID(), bid, uint64(h)); err != nil {
			e.free(rec)
			e.log.WithError(err).WithField("bid", bid).Warn("prepare provide")
			return
		}
		if err := e.group.MarkProvided(bid); err != nil {
			e.log.WithError(err).WithField("bid", bid).Error("mark provided")
		}
		e.provides = e.provides[:len(e.provides)-1]
	}
}

// closeConn is the single exit path of a connection
func (e *Engine) closeConn(conn *Connection) {
	e.releaseLease(conn)
	e.releaseFile(conn)

	if conn.fd >= 0 {
		if err := e.closeFd(conn.fd); err != nil {
			e.log.WithError(err).WithField("fd", conn.fd).Debug("close")
		}
	}

	e.live--
	e.stats.closed.Add(1)
	e.stats.live.Store(int64(e.live))
	e.metrics.Closed()
	e.free(conn)
}

// free clears a record and returns its slot
func (e *Engine) free(rec *Connection) {
	h := rec.slot
	rec.clear()
	if err := e.slots.Release(h); err != nil {
		e.log.WithError(err).WithField("slot", h.Index()).Error("release slot")
	}
}

// Close releases the ring, the listener, open connections and owned caches.
// It must not run concurrently with Run.
func (e *Engine) Close() error {
	e.stopping.Store(true)

	e.slots.Each(func(_ pools.Handle, c *Connection) {
		if (c.op == OpRead || c.op == OpWrite) && c.fd >= 0 {
			e.closeFd(c.fd)
			c.fd = -1
		}
		if c.file != nil {
			e.files.Release(c.file)
			c.file = nil
		}
	})

	var errs []error
	if e.ownRing {
		errs = append(errs, e.ring.Close())
	}
	if e.lnFile != nil {
		errs = append(errs, e.lnFile.Close())
	}
	if e.listener != nil {
		errs = append(errs, e.listener.Close())
	}
	e.closeFiles()
	return errors.Join(errs...)
}

func (e *Engine) closeFiles() {
	if e.ownFiles {
		e.files.Close()
	}
}

func setNoDelay(fd int) {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}
