// Package metrics defines the OpenTelemetry instrument sets for the buffer
// pool and the lock manager, registered against a metric.Meter such as the
// one pkg/telemetry provides.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// counter is a tiny convenience wrapper so call sites can write
// m.Hits.Add(1) instead of threading a context.Context through every
// buffer-pool and lock-manager hot path.
type counter struct {
	inst metric.Int64Counter
}

func (c counter) Add(n int64) {
	if c.inst == nil {
		return
	}
	c.inst.Add(context.Background(), n)
}

type histogram struct {
	inst metric.Int64Histogram
}

func (h histogram) Record(ms int64, attrs ...metric.RecordOption) {
	if h.inst == nil {
		return
	}
	h.inst.Record(context.Background(), ms, attrs...)
}

type upDownCounter struct {
	inst metric.Int64UpDownCounter
}

func (c upDownCounter) Add(n int64) {
	if c.inst == nil {
		return
	}
	c.inst.Add(context.Background(), n)
}

// BufferPool holds the instrument set for buffer.Manager.
type BufferPool struct {
	Hits      counter
	Misses    counter
	Evictions counter
	NewPages  counter
	Pinned    upDownCounter
}

// NewBufferPool registers the buffer pool's counters against meter.
func NewBufferPool(meter metric.Meter) (*BufferPool, error) {
	hits, err := meter.Int64Counter("bustub.buffer_pool.hits_total", metric.WithDescription("Pages served from the buffer pool without a disk read."))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("bustub.buffer_pool.misses_total", metric.WithDescription("Pages that required a disk read to fetch."))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter("bustub.buffer_pool.evictions_total", metric.WithDescription("Frames evicted by the LRU-K replacer."))
	if err != nil {
		return nil, err
	}
	newPages, err := meter.Int64Counter("bustub.buffer_pool.new_pages_total", metric.WithDescription("Pages allocated via NewPage."))
	if err != nil {
		return nil, err
	}
	pinned, err := meter.Int64UpDownCounter("bustub.buffer_pool.pinned_frames", metric.WithDescription("Frames currently pinned by callers."))
	if err != nil {
		return nil, err
	}
	return &BufferPool{
		Hits:      counter{hits},
		Misses:    counter{misses},
		Evictions: counter{evictions},
		NewPages:  counter{newPages},
		Pinned:    upDownCounter{pinned},
	}, nil
}

// NopBufferPool returns an instrument set whose methods are safe no-ops,
// used when a caller does not wire a real meter (tests, or any pool built
// without WithMetrics).
func NopBufferPool() *BufferPool { return &BufferPool{} }

// LockManager holds the instrument set for lockmgr.Manager.
type LockManager struct {
	WaitDuration histogram
	Waits        counter
	Aborts       counter
}

// NewLockManager registers the lock manager's counters/histogram against meter.
func NewLockManager(meter metric.Meter) (*LockManager, error) {
	waitDuration, err := meter.Int64Histogram("bustub.lock_manager.wait_duration_ms", metric.WithDescription("Time a lock request spent waiting before grant or abort."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	waits, err := meter.Int64Counter("bustub.lock_manager.waits_total", metric.WithDescription("Lock requests that had to block before being granted."))
	if err != nil {
		return nil, err
	}
	aborts, err := meter.Int64Counter("bustub.lock_manager.aborts_total", metric.WithDescription("Transactions aborted by the lock manager, all reasons counted together."))
	if err != nil {
		return nil, err
	}
	return &LockManager{
		WaitDuration: histogram{waitDuration},
		Waits:        counter{waits},
		Aborts:       counter{aborts},
	}, nil
}

// NopLockManager returns an instrument set whose methods are safe no-ops.
func NopLockManager() *LockManager { return &LockManager{} }
