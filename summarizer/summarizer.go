// Package summarizer implements the periodic batched AI summarization
// worker: it selects incidents lacking a summary, redacts their events,
// calls the AI client through the circuit breaker with retry, and writes
// the result (or a deterministic fallback) back to the store.
package summarizer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/signalwatch/aiclient"
	"github.com/whisper-darkly/signalwatch/breaker"
	"github.com/whisper-darkly/signalwatch/broadcast"
	"github.com/whisper-darkly/signalwatch/redact"
	"github.com/whisper-darkly/signalwatch/store"
)

// Config tunes the worker's cadence and batching.
type Config struct {
	Interval       time.Duration
	LookbackWindow time.Duration
	BatchSize      int
	EventsPerIncident int
	Retry          aiclient.RetryConfig

	// SkipAI, when non-nil and returning true, makes the tick behave as if
	// the AI client were unavailable — the scheduled tick is skipped and no
	// candidate is summarized. The supervisor sets this from queue pressure
	// per spec §5 (queue utilization >= 80% skips AI calls next tick).
	SkipAI func() bool
}

const (
	defaultInterval          = 30 * time.Second
	defaultLookbackWindow    = 24 * time.Hour
	defaultBatchSize         = 5
	defaultEventsPerIncident = 50
	candidateMultiplier      = 3
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.LookbackWindow <= 0 {
		c.LookbackWindow = defaultLookbackWindow
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.EventsPerIncident <= 0 {
		c.EventsPerIncident = defaultEventsPerIncident
	}
	return c
}

// Worker is the singleton summarization worker.
type Worker struct {
	cfg     Config
	st      store.Store
	ai      aiclient.Client
	breaker *breaker.Breaker
	hub     *broadcast.Hub

	running atomic.Bool
}

// New constructs a Worker.
func New(st store.Store, ai aiclient.Client, cb *breaker.Breaker, hub *broadcast.Hub, cfg Config) *Worker {
	return &Worker{cfg: cfg.withDefaults(), st: st, ai: ai, breaker: cb, hub: hub}
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
		log.Printf("summarizer: run failed: %v", err)
	}
}

func (w *Worker) available() bool {
	if w.cfg.SkipAI != nil && w.cfg.SkipAI() {
		return false
	}
	return w.ai != nil && w.ai.Available() && w.breaker.State() != breaker.Open
}

func (w *Worker) runOnce(ctx context.Context) error {
	if !w.available() {
		return nil
	}

	since := time.Now().Add(-w.cfg.LookbackWindow)
	limit := candidateMultiplier * w.cfg.BatchSize
	incidents, err := w.st.Incidents().FindBySummaryNeeded(ctx, since, limit)
	if err != nil {
		return fmt.Errorf("find incidents needing summary: %w", err)
	}
	if len(incidents) == 0 {
		return nil
	}

	for i := 0; i < len(incidents); i += w.cfg.BatchSize {
		end := i + w.cfg.BatchSize
		if end > len(incidents) {
			end = len(incidents)
		}
		w.processBatch(ctx, incidents[i:end])
	}
	return nil
}

// SummarizeOne bypasses the schedule for a single incident (manual
// trigger), but still honors the breaker.
func (w *Worker) SummarizeOne(ctx context.Context, incidentID uuid.UUID) error {
	inc, err := w.st.Incidents().Get(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("get incident: %w", err)
	}
	if inc == nil {
		return fmt.Errorf("incident not found: %s", incidentID)
	}
	w.processBatch(ctx, []*store.Incident{inc})
	return nil
}

func (w *Worker) processBatch(ctx context.Context, incidents []*store.Incident) {
	contexts := make([]aiclient.IncidentContext, 0, len(incidents))
	byID := make(map[string]*store.Incident, len(incidents))

	for _, inc := range incidents {
		events, err := w.st.Events().FindByIncident(ctx, inc.IncidentID, w.cfg.EventsPerIncident)
		if err != nil {
			log.Printf("summarizer: fetch events for %s: %v", inc.IncidentID, err)
			w.applyFallback(ctx, inc, nil)
			continue
		}
		redacted, _ := redact.RedactEvents(events)
		contexts = append(contexts, aiclient.IncidentContext{Incident: inc, Events: redacted})
		byID[inc.IncidentID.String()] = inc
	}
	if len(contexts) == 0 {
		return
	}

	if !w.available() {
		for _, ic := range contexts {
			w.applyFallback(ctx, ic.Incident, ic.Events)
		}
		return
	}

	var raw string
	var err error
	if len(contexts) == 1 {
		raw, err = aiclient.CompleteWithRetry(ctx, w.breaker, w.ai, aiclient.SystemPreamble(), aiclient.BuildSinglePrompt(contexts[0]), w.cfg.Retry)
	} else {
		raw, err = aiclient.CompleteWithRetry(ctx, w.breaker, w.ai, aiclient.SystemPreamble(), aiclient.BuildBatchPrompt(contexts), w.cfg.Retry)
	}
	if err != nil {
		log.Printf("summarizer: completion failed: %v", err)
		for _, ic := range contexts {
			w.applyFallback(ctx, ic.Incident, ic.Events)
		}
		return
	}

	if len(contexts) == 1 {
		single, perr := aiclient.ParseSingleResponse(raw)
		if perr != nil {
			log.Printf("summarizer: parse single response: %v", perr)
			w.applyFallback(ctx, contexts[0].Incident, contexts[0].Events)
			return
		}
		w.applySummary(ctx, contexts[0].Incident, *single)
		return
	}

	batch, perr := aiclient.ParseBatchResponse(raw)
	if perr != nil {
		log.Printf("summarizer: parse batch response: %v", perr)
		for _, ic := range contexts {
			w.applyFallback(ctx, ic.Incident, ic.Events)
		}
		return
	}

	seen := make(map[string]bool, len(batch.Incidents))
	for _, summary := range batch.Incidents {
		inc, ok := byID[summary.IncidentID]
		if !ok {
			continue
		}
		seen[summary.IncidentID] = true
		w.applySummary(ctx, inc, summary)
	}
	// Incidents missing from the response receive the deterministic fallback.
	for _, ic := range contexts {
		if !seen[ic.Incident.IncidentID.String()] {
			w.applyFallback(ctx, ic.Incident, ic.Events)
		}
	}
}

func (w *Worker) applySummary(ctx context.Context, inc *store.Incident, summary aiclient.IncidentSummary) {
	patch := store.IncidentSummaryPatch{
		AIGeneratedSummary: summary.Summary,
		RootCause:          summary.RootCause,
		SuggestedActions:   summary.SuggestedActions,
	}
	if err := w.st.Incidents().ApplySummary(ctx, inc.IncidentID, patch); err != nil {
		log.Printf("summarizer: apply summary for %s: %v", inc.IncidentID, err)
		return
	}
	w.publish(ctx, inc.IncidentID)
}

// applyFallback writes the deterministic fallback summary per spec §4.8:
// "<n> events detected across <services>. AI summary unavailable." It
// still updates the incident so the UI stops showing the placeholder.
func (w *Worker) applyFallback(ctx context.Context, inc *store.Incident, events []*store.Event) {
	services := inc.AffectedServices
	n := len(events)
	if n == 0 {
		n = len(inc.EventIDs)
	}
	patch := store.IncidentSummaryPatch{
		AIGeneratedSummary: fmt.Sprintf("%d events detected across %s. AI summary unavailable.", n, strings.Join(services, ", ")),
		RootCause:          "Unable to determine root cause automatically.",
		SuggestedActions: []string{
			"Review recent deployments to affected services.",
			"Check service health dashboards for anomalies.",
			"Escalate to the on-call engineer if the incident persists.",
		},
	}
	if err := w.st.Incidents().ApplySummary(ctx, inc.IncidentID, patch); err != nil {
		log.Printf("summarizer: apply fallback for %s: %v", inc.IncidentID, err)
		return
	}
	w.publish(ctx, inc.IncidentID)
}

func (w *Worker) publish(ctx context.Context, id uuid.UUID) {
	if w.hub == nil {
		return
	}
	inc, err := w.st.Incidents().Get(ctx, id)
	if err != nil {
		log.Printf("summarizer: reload incident %s for broadcast: %v", id, err)
		return
	}
	w.hub.PublishIncident(inc, broadcast.IncidentSummaryUpdated)
}
