// Package queue implements the bounded single-process event ingestion
// buffer: synchronous non-blocking enqueue, batched persistence, and a
// secondary broadcast-staging buffer drained on its own cadence.
package queue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper-darkly/signalwatch/store"
)

// Config tunes batch sizing and cadence. Zero values fall back to the
// spec defaults.
type Config struct {
	MaxQueueSize           int
	BatchSize              int
	BatchInterval          time.Duration
	BroadcastBatchSize     int
	BroadcastBatchInterval time.Duration
}

const (
	defaultMaxQueueSize           = 10000
	defaultBatchSize              = 100
	defaultBatchInterval          = time.Second
	defaultBroadcastBatchSize     = 10
	defaultBroadcastBatchInterval = 100 * time.Millisecond

	pressureThreshold = 0.8
)

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = defaultBatchInterval
	}
	if c.BroadcastBatchSize <= 0 {
		c.BroadcastBatchSize = defaultBroadcastBatchSize
	}
	if c.BroadcastBatchInterval <= 0 {
		c.BroadcastBatchInterval = defaultBroadcastBatchInterval
	}
	return c
}

// EnqueueReason is set on a rejected enqueue.
type EnqueueReason string

const reasonQueueFull EnqueueReason = "queue_full"

// EnqueueResult mirrors the {accepted|rejected, ...} shape from spec §4.5.
type EnqueueResult struct {
	Accepted  bool
	Reason    EnqueueReason
	QueueSize int
}

// Stats is the load telemetry the admission gate reads.
type Stats struct {
	QueueSize     int
	MaxQueueSize  int
	UnderPressure bool
}

// Publisher is the subset of the Broadcast Hub the queue depends on,
// kept narrow so tests can fake it without a real websocket hub.
type Publisher interface {
	PublishEvent(e *store.Event)
}

// Queue is safe for concurrent use.
type Queue struct {
	cfg   Config
	st    store.EventStore
	pub   Publisher

	mu       sync.Mutex
	buf      []*store.Event
	bcastBuf []*store.Event
	closed   bool

	draining   atomic.Bool
	bcastBusy  atomic.Bool
	insertErrs atomic.Int64

	timer      *time.Timer
	bcastTimer *time.Timer
}

// New constructs a Queue. Start must be called once to begin the
// background drain loops.
func New(st store.EventStore, pub Publisher, cfg Config) *Queue {
	return &Queue{cfg: cfg.withDefaults(), st: st, pub: pub}
}

// Enqueue is synchronous and non-blocking; it never returns an error,
// translating capacity exhaustion into a rejected result instead.
func (q *Queue) Enqueue(e *store.Event) EnqueueResult {
	q.mu.Lock()
	if q.closed {
		size := len(q.buf)
		q.mu.Unlock()
		return EnqueueResult{Accepted: false, Reason: reasonQueueFull, QueueSize: size}
	}
	if len(q.buf) >= q.cfg.MaxQueueSize {
		size := len(q.buf)
		q.mu.Unlock()
		return EnqueueResult{Accepted: false, Reason: reasonQueueFull, QueueSize: size}
	}
	q.buf = append(q.buf, e)
	size := len(q.buf)
	q.mu.Unlock()

	return EnqueueResult{Accepted: true, QueueSize: size}
}

// Stats reports current load telemetry.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	size := len(q.buf)
	q.mu.Unlock()
	return Stats{
		QueueSize:     size,
		MaxQueueSize:  q.cfg.MaxQueueSize,
		UnderPressure: float64(size)/float64(q.cfg.MaxQueueSize) >= pressureThreshold,
	}
}

// InsertErrors reports the cumulative count of dropped batches due to
// bulk-insert failure.
func (q *Queue) InsertErrors() int64 { return q.insertErrs.Load() }

// Start arms the initial drain timers. Call once after construction.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.timer = time.AfterFunc(q.cfg.BatchInterval, func() { q.runDrain(ctx) })
	q.bcastTimer = time.AfterFunc(q.cfg.BroadcastBatchInterval, func() { q.runBroadcastDrain() })
	q.mu.Unlock()
}

// Flush drains deterministically: further enqueues are rejected, then the
// queue is drained until empty. Used on shutdown.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.bcastTimer != nil {
		q.bcastTimer.Stop()
	}
	q.mu.Unlock()

	for {
		q.mu.Lock()
		empty := len(q.buf) == 0
		q.mu.Unlock()
		if empty {
			break
		}
		q.drainOnce(ctx)
	}
	for {
		q.mu.Lock()
		empty := len(q.bcastBuf) == 0
		q.mu.Unlock()
		if empty {
			break
		}
		q.broadcastDrainOnce()
	}
}

// runDrain is the timer callback: it drains once, then either reschedules
// immediately (queue non-empty) or re-arms for batchInterval.
func (q *Queue) runDrain(ctx context.Context) {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	q.drainOnce(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.buf) > 0 {
		q.timer = time.AfterFunc(0, func() { q.runDrain(ctx) })
	} else {
		q.timer = time.AfterFunc(q.cfg.BatchInterval, func() { q.runDrain(ctx) })
	}
}

func (q *Queue) drainOnce(ctx context.Context) {
	q.mu.Lock()
	n := len(q.buf)
	if n > q.cfg.BatchSize {
		n = q.cfg.BatchSize
	}
	if n == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.buf[:n]
	q.buf = q.buf[n:]
	q.mu.Unlock()

	_, rowErrs, err := q.st.InsertMany(ctx, batch)
	if err != nil {
		// Whole-batch failure: drop it. Redelivery would risk duplicates
		// under the at-most-once semantics the ingest surface promises.
		q.insertErrs.Add(1)
		log.Printf("queue: batch insert failed, dropping %d events: %v", n, err)
		return
	}

	q.mu.Lock()
	for _, e := range batch {
		if _, failed := rowErrs[e.EventID]; failed {
			continue
		}
		q.bcastBuf = append(q.bcastBuf, e)
	}
	q.mu.Unlock()
}

func (q *Queue) runBroadcastDrain() {
	if !q.bcastBusy.CompareAndSwap(false, true) {
		return
	}
	defer q.bcastBusy.Store(false)

	q.broadcastDrainOnce()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed && len(q.bcastBuf) == 0 {
		return
	}
	if len(q.bcastBuf) > 0 {
		q.bcastTimer = time.AfterFunc(0, q.runBroadcastDrain)
	} else {
		q.bcastTimer = time.AfterFunc(q.cfg.BroadcastBatchInterval, q.runBroadcastDrain)
	}
}

func (q *Queue) broadcastDrainOnce() {
	q.mu.Lock()
	n := len(q.bcastBuf)
	if n > q.cfg.BroadcastBatchSize {
		n = q.cfg.BroadcastBatchSize
	}
	if n == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.bcastBuf[:n]
	q.bcastBuf = q.bcastBuf[n:]
	q.mu.Unlock()

	if q.pub == nil {
		return
	}
	for _, e := range batch {
		q.pub.PublishEvent(e)
	}
}
