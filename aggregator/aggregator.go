// Package aggregator implements the periodic clustering worker that
// materializes incidents from unassigned events, consulting the spike
// detector and severity scorer along the way.
package aggregator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/whisper-darkly/signalwatch/broadcast"
	"github.com/whisper-darkly/signalwatch/severity"
	"github.com/whisper-darkly/signalwatch/spike"
	"github.com/whisper-darkly/signalwatch/store"
)

// Config tunes the worker's cadence and clustering window.
type Config struct {
	Interval         time.Duration
	AggregationWindow time.Duration
	CriticalServices  severity.CriticalServices
}

const (
	defaultInterval          = 30 * time.Second
	defaultAggregationWindow = 5 * time.Minute
	cleanupEveryNRuns        = 10
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.AggregationWindow <= 0 {
		c.AggregationWindow = defaultAggregationWindow
	}
	return c
}

// Worker is the singleton aggregation worker. Concurrent runs are
// forbidden; a run in progress inhibits the next tick.
type Worker struct {
	cfg   Config
	st    store.Store
	spike *spike.Detector
	hub   *broadcast.Hub

	running atomic.Bool
	runs    atomic.Int64
}

// New constructs a Worker.
func New(st store.Store, spikeDetector *spike.Detector, hub *broadcast.Hub, cfg Config) *Worker {
	return &Worker{cfg: cfg.withDefaults(), st: st, spike: spikeDetector, hub: hub}
}

// Run starts the ticker loop; it blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	if err := w.runOnce(ctx); err != nil {
		log.Printf("aggregator: run failed: %v", err)
		return
	}

	n := w.runs.Add(1)
	if n%cleanupEveryNRuns == 0 {
		if _, err := w.spike.Cleanup(ctx); err != nil {
			log.Printf("aggregator: spike cleanup failed: %v", err)
		}
	}
}

type cluster struct {
	service   string
	errorType string
	events    []*store.Event
}

func (w *Worker) runOnce(ctx context.Context) error {
	since := time.Now().Add(-w.cfg.AggregationWindow)
	events, err := w.st.Events().FindRecentUnassigned(ctx, since)
	if err != nil {
		return fmt.Errorf("find unassigned events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	counts := make(map[string]int64)
	for _, e := range events {
		counts[e.Service]++
	}
	for svc, n := range counts {
		w.spike.RecordCount(ctx, svc, n)
	}
	spikeData := w.spike.CheckSpikes(ctx, counts)

	clusters := clusterEvents(events)
	for key, cl := range clusters {
		if err := w.processCluster(ctx, cl, spikeData[cl.service]); err != nil {
			log.Printf("aggregator: cluster %s failed: %v", key, err)
			continue
		}
	}
	return nil
}

func clusterEvents(events []*store.Event) map[string]*cluster {
	clusters := make(map[string]*cluster)
	for _, e := range events {
		et := errorTypeFor(e)
		key := e.Service + "|" + et
		c, ok := clusters[key]
		if !ok {
			c = &cluster{service: e.Service, errorType: et}
			clusters[key] = c
		}
		c.events = append(c.events, e)
	}
	return clusters
}

// errorTypeFor extracts the cluster's error type per spec §4.7: the first
// non-empty of several metadata keys, else a synthetic severity_<n> label.
func errorTypeFor(e *store.Event) string {
	for _, key := range []string{"errorType", "error_type", "type", "category", "errorCode", "error_code"} {
		if v := e.Metadata.GetText(key); v != "" {
			return v
		}
	}
	return fmt.Sprintf("severity_%d", store.ClampSeverity(e.Severity))
}

func (w *Worker) processCluster(ctx context.Context, c *cluster, spikeResult spike.Result) error {
	spikeCtx := severity.SpikeContext{CurrentCount: float64(spikeResult.CurrentCount), Mean: spikeResult.Mean}

	finalScores := make([]int, 0, len(c.events))
	for _, e := range c.events {
		es := severity.ScoreEvent(e.Severity, e.Service, w.cfg.CriticalServices, spikeCtx)
		finalScores = append(finalScores, es.Final)
	}
	incidentScore := severity.ScoreIncident(finalScores)

	eventIDs := make([]uuid.UUID, len(c.events))
	for i, e := range c.events {
		eventIDs[i] = e.EventID
	}

	existing, err := w.st.Incidents().FindExtensionCandidate(ctx, c.service, time.Now().Add(-2*w.cfg.AggregationWindow))
	if err != nil {
		return fmt.Errorf("find extension candidate: %w", err)
	}

	var incidentID uuid.UUID
	summary := buildSummary(c, incidentScore, spikeResult)

	if existing != nil {
		newIDs := dedupeNew(existing.EventIDs, eventIDs)
		patch := store.IncidentExtension{
			NewEventIDs:   newIDs,
			SeverityScore: maxInt(existing.SeverityScore, incidentScore.Level),
			NewServices:   newServiceIfMissing(existing.AffectedServices, c.service),
			Summary:       summary,
		}
		if err := w.st.Incidents().Extend(ctx, existing.IncidentID, patch); err != nil {
			return fmt.Errorf("extend incident: %w", err)
		}
		incidentID = existing.IncidentID
		w.publishUpdated(ctx, incidentID, broadcast.IncidentUpdated)
	} else {
		inc := &store.Incident{
			IncidentID:       uuid.New(),
			EventIDs:         eventIDs,
			Status:           store.StatusActive,
			SeverityScore:    incidentScore.Level,
			AffectedServices: []string{c.service},
			Summary:          summary,
			CreatedAt:        time.Now(),
			UpdatedAt:        time.Now(),
		}
		if err := w.st.Incidents().Create(ctx, inc); err != nil {
			return fmt.Errorf("create incident: %w", err)
		}
		incidentID = inc.IncidentID
		w.publishUpdated(ctx, incidentID, broadcast.IncidentCreated)
	}

	if err := w.st.Events().AssignIncident(ctx, eventIDs, incidentID); err != nil {
		return fmt.Errorf("assign incident back-link: %w", err)
	}
	return nil
}

func (w *Worker) publishUpdated(ctx context.Context, id uuid.UUID, action broadcast.IncidentAction) {
	if w.hub == nil {
		return
	}
	inc, err := w.st.Incidents().Get(ctx, id)
	if err != nil {
		log.Printf("aggregator: reload incident %s for broadcast: %v", id, err)
		return
	}
	w.hub.PublishIncident(inc, action)
}

// buildSummary renders the deterministic textual summary format from
// spec §4.7: "<n> <errorType> events from <service>. Severity:
// <CLASSIFICATION>[. Spike detected: <deviations>σ above normal][. Duration: <minutes> minutes]".
func buildSummary(c *cluster, score severity.IncidentScore, spikeResult spike.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s events from %s. Severity: %s", humanize.Comma(int64(len(c.events))), c.errorType, c.service, strings.ToUpper(string(score.Classification)))

	if spikeResult.IsSpike {
		fmt.Fprintf(&b, ". Spike detected: %.1fσ above normal", spikeResult.Deviation)
	}

	if dur := duration(c.events); dur > 0 {
		fmt.Fprintf(&b, ". Duration: %d minutes", int(dur.Minutes()))
	}
	return b.String()
}

func duration(events []*store.Event) time.Duration {
	if len(events) == 0 {
		return 0
	}
	min, max := events[0].Timestamp, events[0].Timestamp
	for _, e := range events {
		if e.Timestamp.Before(min) {
			min = e.Timestamp
		}
		if e.Timestamp.After(max) {
			max = e.Timestamp
		}
	}
	return max.Sub(min)
}

func dedupeNew(existing, candidate []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	out := make([]uuid.UUID, 0, len(candidate))
	for _, id := range candidate {
		if !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

func newServiceIfMissing(services []string, svc string) []string {
	for _, s := range services {
		if s == svc {
			return nil
		}
	}
	return []string{svc}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
