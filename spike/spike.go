// Package spike implements the per-service rolling event-rate anomaly
// detector. Recent window counts live in a bounded in-memory cache for
// fast reads; every increment is also persisted so the detector survives
// restarts without losing its recent history.
package spike

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/whisper-darkly/signalwatch/store"
)

// Config tunes the detector. Zero values fall back to the spec defaults.
type Config struct {
	WindowSize      time.Duration
	HistoryWindows  int
	StdDevThreshold float64
	MinDataPoints   int
}

const (
	defaultWindowSize      = 5 * time.Minute
	defaultHistoryWindows  = 12
	defaultStdDevThreshold = 2.0
	defaultMinDataPoints   = 3
	cacheSize              = 2048
)

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.HistoryWindows <= 0 {
		c.HistoryWindows = defaultHistoryWindows
	}
	if c.StdDevThreshold <= 0 {
		c.StdDevThreshold = defaultStdDevThreshold
	}
	if c.MinDataPoints <= 0 {
		c.MinDataPoints = defaultMinDataPoints
	}
	return c
}

// Level classifies how far above normal a spike is.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Result is the outcome of an isSpike evaluation.
type Result struct {
	IsSpike     bool
	HasData     bool
	Reason      string // "insufficient_data" when !HasData
	Mean        float64
	StdDev      float64
	Deviation   float64
	Level       Level
	CurrentCount int64
}

// Detector is safe for concurrent use as far as its StatsStore is: its
// only mutable state is the internally locked LRU cache, and store calls
// are not serialized.
type Detector struct {
	cfg   Config
	store store.StatsStore
	cache *lru.Cache[string, []*store.ServiceStats] // service -> recent rows, newest first
}

// New constructs a Detector backed by the given StatsStore.
func New(st store.StatsStore, cfg Config) *Detector {
	cache, err := lru.New[string, []*store.ServiceStats](cacheSize)
	if err != nil {
		// cacheSize is a positive constant; lru.New only errors on size <= 0.
		panic(err)
	}
	return &Detector{cfg: cfg.withDefaults(), store: st, cache: cache}
}

// WindowKey returns the encoded window key for t, per spec §4.3/§5.
func (d *Detector) WindowKey(t time.Time) string {
	ws := d.cfg.WindowSize.Milliseconds()
	floored := (t.UnixMilli() / ws) * ws
	return fmt.Sprintf("w_%d", floored)
}

// RecordCount upserts the current window's count for service and
// invalidates the cached row set so the next read reflects it.
func (d *Detector) RecordCount(ctx context.Context, service string, n int64) {
	key := d.WindowKey(time.Now())
	if err := d.store.Upsert(ctx, service, key, n, time.Now()); err != nil {
		log.Printf("spike: record count failed for %s: %v", service, err)
		return
	}
	d.cache.Remove(service)
}

// IsSpike evaluates currentCount for service against its retained history.
// It never returns an error to callers: a store failure is logged and
// reported back as insufficient data, per spec §4.3.
func (d *Detector) IsSpike(ctx context.Context, service string, currentCount int64) Result {
	rows, err := d.history(ctx, service)
	if err != nil {
		log.Printf("spike: history lookup failed for %s: %v", service, err)
		return Result{HasData: false, Reason: "insufficient_data", CurrentCount: currentCount}
	}
	return evaluate(rows, currentCount, d.cfg)
}

func (d *Detector) history(ctx context.Context, service string) ([]*store.ServiceStats, error) {
	if rows, ok := d.cache.Get(service); ok {
		return rows, nil
	}
	rows, err := d.store.FindRecent(ctx, service, d.cfg.HistoryWindows)
	if err != nil {
		return nil, err
	}
	d.cache.Add(service, rows)
	return rows, nil
}

func evaluate(rows []*store.ServiceStats, currentCount int64, cfg Config) Result {
	n := len(rows)
	if n < cfg.MinDataPoints {
		return Result{HasData: false, Reason: "insufficient_data", CurrentCount: currentCount}
	}

	var sum float64
	for _, r := range rows {
		sum += float64(r.Count)
	}
	mean := sum / float64(n)

	var sqDiff float64
	for _, r := range rows {
		d := float64(r.Count) - mean
		sqDiff += d * d
	}
	stdDev := math.Sqrt(sqDiff / float64(n))

	res := Result{HasData: true, Mean: mean, StdDev: stdDev, CurrentCount: currentCount, Level: LevelNormal}

	if stdDev == 0 {
		return res
	}

	threshold := mean + stdDev*cfg.StdDevThreshold
	res.Deviation = (float64(currentCount) - mean) / stdDev
	res.IsSpike = float64(currentCount) > threshold

	switch {
	case res.Deviation >= 4:
		res.Level = LevelCritical
	case res.Deviation >= 3:
		res.Level = LevelHigh
	case res.Deviation >= 2:
		res.Level = LevelElevated
	default:
		res.Level = LevelNormal
	}
	return res
}

// CheckSpikes evaluates a batch of per-service counts gathered during one
// aggregation run, returning a map the aggregator can index by service.
func (d *Detector) CheckSpikes(ctx context.Context, counts map[string]int64) map[string]Result {
	out := make(map[string]Result, len(counts))
	services := make([]string, 0, len(counts))
	for svc := range counts {
		services = append(services, svc)
	}
	sort.Strings(services) // deterministic evaluation order, per spec §5 testable property 7
	for _, svc := range services {
		out[svc] = d.IsSpike(ctx, svc, counts[svc])
	}
	return out
}

// Cleanup deletes rows older than 2 * windowSize * historyWindows, per
// spec §4.3, and clears the in-memory cache since it may now be stale.
func (d *Detector) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-2 * time.Duration(d.cfg.HistoryWindows) * d.cfg.WindowSize)
	n, err := d.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("spike: cleanup failed: %v", err)
		return 0, err
	}
	d.cache.Purge()
	return n, nil
}
