// Package supervisor constructs every core component, wires them to each
// other, and owns their lifecycle (start, periodic maintenance, graceful
// shutdown), mirroring the teacher's manager package's role as the single
// top-level owner main.go hands off to.
package supervisor

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/whisper-darkly/signalwatch/aiclient"
	"github.com/whisper-darkly/signalwatch/aggregator"
	"github.com/whisper-darkly/signalwatch/breaker"
	"github.com/whisper-darkly/signalwatch/broadcast"
	"github.com/whisper-darkly/signalwatch/config"
	"github.com/whisper-darkly/signalwatch/queue"
	"github.com/whisper-darkly/signalwatch/ratelimit"
	"github.com/whisper-darkly/signalwatch/router"
	"github.com/whisper-darkly/signalwatch/severity"
	"github.com/whisper-darkly/signalwatch/spike"
	"github.com/whisper-darkly/signalwatch/store"
	"github.com/whisper-darkly/signalwatch/summarizer"
)

const sessionCleanupInterval = time.Hour
const rateLimitCleanupInterval = 5 * time.Minute

// Supervisor owns the full set of running components for one process.
type Supervisor struct {
	st      store.Store
	cfg     *config.Global
	queue   *queue.Queue
	hub     *broadcast.Hub
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	agg     *aggregator.Worker
	summ    *summarizer.Worker

	jwtSecret []byte
}

// New constructs every component from live config and wires them together.
// It does not start any background loop; call Start for that.
func New(st store.Store, cfg *config.Global, jwtSecret []byte, ai aiclient.Client) *Supervisor {
	data := cfg.Get()

	hub := broadcast.NewHub()

	q := queue.New(st.Events(), hub, queue.Config{
		MaxQueueSize:           data.QueueMaxSize,
		BatchSize:              data.QueueBatchSize,
		BatchInterval:          data.QueueBatchInterval(),
		BroadcastBatchSize:     data.BroadcastBatchSize,
		BroadcastBatchInterval: data.BroadcastBatchInterval(),
	})

	limiter := ratelimit.New(ratelimit.Config{
		Window:      data.RateLimitWindow(),
		MaxRequests: data.RateLimitMaxRequests,
	})

	cb := breaker.New(breaker.Config{
		FailureThreshold: data.BreakerFailureThreshold,
		SuccessThreshold: data.BreakerSuccessThreshold,
		Cooldown:         data.BreakerTimeout(),
	})

	spikeDetector := spike.New(st.Stats(), spike.Config{
		WindowSize:      data.SpikeWindow(),
		HistoryWindows:  data.SpikeHistoryWindows,
		StdDevThreshold: data.SpikeStdDevThreshold,
		MinDataPoints:   data.SpikeMinDataPoints,
	})

	agg := aggregator.New(st, spikeDetector, hub, aggregator.Config{
		Interval:          data.AggregationInterval(),
		AggregationWindow: data.AggregationWindow(),
		CriticalServices:  criticalServiceMultipliers(data.CriticalServices),
	})

	summ := summarizer.New(st, ai, cb, hub, summarizer.Config{
		Interval:  data.SummarizationInterval(),
		BatchSize: data.SummarizationBatchSize,
		Retry: aiclient.RetryConfig{
			MaxRetries: data.SummarizationMaxRetries,
		},
		SkipAI: func() bool { return q.Stats().UnderPressure },
	})

	return &Supervisor{
		st:        st,
		cfg:       cfg,
		queue:     q,
		hub:       hub,
		limiter:   limiter,
		breaker:   cb,
		agg:       agg,
		summ:      summ,
		jwtSecret: jwtSecret,
	}
}

// criticalServiceMultipliers projects config's AlertThreshold-carrying map
// down to the plain multiplier map severity.CriticalServices expects.
func criticalServiceMultipliers(services map[string]config.CriticalService) severity.CriticalServices {
	out := make(severity.CriticalServices, len(services))
	for name, svc := range services {
		out[strings.ToLower(name)] = svc.Multiplier
	}
	return out
}

// Start arms the queue's drain timers and launches every background
// worker loop. It returns immediately; workers run until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	s.queue.Start(ctx)
	go s.agg.Run(ctx)
	go s.summ.Run(ctx)
	go s.maintenanceLoop(ctx)
}

// maintenanceLoop runs the periodic housekeeping tasks that don't belong
// to any single worker: expired-session eviction and rate-limiter bucket
// eviction, per spec §5.
func (s *Supervisor) maintenanceLoop(ctx context.Context) {
	sessionTicker := time.NewTicker(sessionCleanupInterval)
	defer sessionTicker.Stop()
	rateTicker := time.NewTicker(rateLimitCleanupInterval)
	defer rateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionTicker.C:
			if err := s.st.Users().DeleteExpiredSessions(ctx); err != nil {
				log.Printf("supervisor: delete expired sessions: %v", err)
			}
		case <-rateTicker.C:
			s.limiter.Cleanup(time.Now())
		}
	}
}

// Shutdown flushes the event queue and stops the broadcast hub's ping loop.
// Worker goroutines exit on their own once ctx (passed to Start) is
// cancelled; callers should cancel that context before calling Shutdown.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.queue.Flush(ctx)
	s.hub.Stop()
}

// Handler returns the router dependencies wired to every component this
// supervisor owns; router.New turns them into the HTTP handler.
func (s *Supervisor) Handler() router.Deps {
	return router.Deps{
		Store:      s.st,
		Queue:      s.queue,
		Hub:        s.hub,
		Limiter:    s.limiter,
		Breaker:    s.breaker,
		Summarizer: s.summ,
		Config:     s.cfg,
		JWTSecret:  s.jwtSecret,
	}
}
