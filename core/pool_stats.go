package core

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/sehttpd/core/pools"
	"github.com/searchktools/sehttpd/core/static"
)

// PoolStats is a snapshot of the engine's pools and counters
type PoolStats struct {
	Backend     string
	Slots       pools.SlotStats
	Buffers     pools.BufferStats
	Files       static.CacheStats
	GC          pools.GCStats
	Connections ConnStats
}

// ConnStats counts connection lifecycle events
type ConnStats struct {
	Live            int64
	Accepted        uint64
	Dropped         uint64
	Closed          uint64
	Timeouts        uint64
	Requests        uint64
	ProvideDeferred uint64
	StaleCQEs       uint64
}

// GetPoolStats returns statistics for all pools. Safe to call while Run is
// active.
func (e *Engine) GetPoolStats() PoolStats {
	return PoolStats{
		Backend: e.Backend(),
		Slots:   e.slots.Stats(),
		Buffers: e.group.Stats(),
		Files:   e.files.Stats(),
		GC:      pools.GetGCStats(),
		Connections: ConnStats{
			Live:            e.stats.live.Load(),
			Accepted:        e.stats.accepted.Load(),
			Dropped:         e.stats.dropped.Load(),
			Closed:          e.stats.closed.Load(),
			Timeouts:        e.stats.timeouts.Load(),
			Requests:        e.stats.requests.Load(),
			ProvideDeferred: e.stats.deferred.Load(),
			StaleCQEs:       e.stats.staleCQEs.Load(),
		},
	}
}

// Struct renders the snapshot as a protobuf Struct
func (s PoolStats) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"backend": s.Backend,
		"slots": map[string]any{
			"capacity":  s.Slots.Capacity,
			"in_use":    s.Slots.InUse,
			"checkouts": s.Slots.Checkouts,
			"releases":  s.Slots.Releases,
			"exhausted": s.Slots.Exhausted,
		},
		"buffers": map[string]any{
			"count":       s.Buffers.Count,
			"size":        s.Buffers.Size,
			"in_kernel":   s.Buffers.InKernel,
			"checked_out": s.Buffers.CheckedOut,
			"claims":      s.Buffers.Claims,
			"returns":     s.Buffers.Returns,
		},
		"files": map[string]any{
			"entries":       s.Files.Entries,
			"hits":          s.Files.Hits,
			"misses":        s.Files.Misses,
			"evictions":     s.Files.Evictions,
			"invalidations": s.Files.Invalidations,
		},
		"gc": map[string]any{
			"num_gc":      s.GC.NumGC,
			"pause_total": s.GC.PauseTotal.String(),
			"last_pause":  s.GC.LastPause.String(),
			"heap_alloc":  s.GC.HeapAlloc,
			"sys":         s.GC.Sys,
		},
		"connections": map[string]any{
			"live":             s.Connections.Live,
			"accepted":         s.Connections.Accepted,
			"dropped":          s.Connections.Dropped,
			"closed":           s.Connections.Closed,
			"timeouts":         s.Connections.Timeouts,
			"requests":         s.Connections.Requests,
			"provide_deferred": s.Connections.ProvideDeferred,
			"stale_cqes":       s.Connections.StaleCQEs,
		},
	})
}

// GetPoolStatsJSON returns pool statistics as JSON
func (e *Engine) GetPoolStatsJSON() ([]byte, error) {
	st, err := e.GetPoolStats().Struct()
	if err != nil {
		return nil, err
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
}

// GetPoolStatsText returns pool statistics as human-readable text
func (e *Engine) GetPoolStatsText() string {
	s := e.GetPoolStats()
	return fmt.Sprintf(`Pool Statistics (%s ring)
========================

Slots:
  In use:    %d / %d
  Checkouts: %d
  Exhausted: %d

Receive buffers:
  In kernel:   %d / %d
  Checked out: %d
  Claims:      %d

Connections:
  Live:     %d
  Accepted: %d
  Dropped:  %d
  Timeouts: %d
  Requests: %d

File cache:
  Entries: %d
  Hits:    %d
  Misses:  %d
`,
		s.Backend,
		s.Slots.InUse, s.Slots.Capacity, s.Slots.Checkouts, s.Slots.Exhausted,
		s.Buffers.InKernel, s.Buffers.Count, s.Buffers.CheckedOut, s.Buffers.Claims,
		s.Connections.Live, s.Connections.Accepted, s.Connections.Dropped, s.Connections.Timeouts, s.Connections.Requests,
		s.Files.Entries, s.Files.Hits, s.Files.Misses,
	)
}

// registerGauges exposes pool occupancy on the engine's metrics registry
func (e *Engine) registerGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.GaugeFunc("slots", "in_use", "Slot records currently owned", func() float64 {
		return float64(e.slots.Stats().InUse)
	})
	e.metrics.GaugeFunc("buffers", "in_kernel", "Receive buffers selectable by the ring", func() float64 {
		return float64(e.group.InKernel())
	})
	e.metrics.GaugeFunc("buffers", "checked_out", "Receive buffers bound to connections", func() float64 {
		return float64(e.group.CheckedOut())
	})
	e.metrics.GaugeFunc("conn", "live", "Open connections", func() float64 {
		return float64(e.stats.live.Load())
	})
}
