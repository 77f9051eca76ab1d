// Package config manages signalwatch's global, persisted configuration: an
// embedded YAML default merged with an optional DB-persisted override row,
// exposed through a thread-safe wrapper the rest of the backend reads from.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whisper-darkly/signalwatch/store"
)

//go:embed config.default.yaml
var defaultYAML []byte

// CriticalService carries the severity multiplier and spike alert threshold
// for one service name, keyed case-insensitively by severity.CriticalServices.
type CriticalService struct {
	Multiplier     float64 `yaml:"multiplier" json:"multiplier"`
	AlertThreshold float64 `yaml:"alertThreshold" json:"alertThreshold"`
}

// Data holds the serialisable global configuration, matching spec.md §6's
// enumerated Configuration block.
type Data struct {
	MongoURI string `yaml:"mongoUri" json:"mongoUri"`

	AIProvider string `yaml:"aiProvider" json:"aiProvider"`
	AIAPIKey   string `yaml:"aiApiKey" json:"aiApiKey"`

	AggregationIntervalMs int `yaml:"aggregationIntervalMs" json:"aggregationIntervalMs"`
	AggregationWindowMs   int `yaml:"aggregationWindowMs" json:"aggregationWindowMs"`

	SummarizationIntervalMs int `yaml:"summarizationIntervalMs" json:"summarizationIntervalMs"`
	SummarizationBatchSize  int `yaml:"summarizationBatchSize" json:"summarizationBatchSize"`
	SummarizationMaxRetries int `yaml:"summarizationMaxRetries" json:"summarizationMaxRetries"`

	SpikeWindowMs        int     `yaml:"spikeWindowMs" json:"spikeWindowMs"`
	SpikeHistoryWindows  int     `yaml:"spikeHistoryWindows" json:"spikeHistoryWindows"`
	SpikeStdDevThreshold float64 `yaml:"spikeStdDevThreshold" json:"spikeStdDevThreshold"`
	SpikeMinDataPoints   int     `yaml:"spikeMinDataPoints" json:"spikeMinDataPoints"`

	QueueMaxSize           int `yaml:"queueMaxSize" json:"queueMaxSize"`
	QueueBatchSize         int `yaml:"queueBatchSize" json:"queueBatchSize"`
	QueueBatchIntervalMs   int `yaml:"queueBatchIntervalMs" json:"queueBatchIntervalMs"`
	BroadcastBatchSize     int `yaml:"broadcastBatchSize" json:"broadcastBatchSize"`
	BroadcastBatchIntervalMs int `yaml:"broadcastBatchIntervalMs" json:"broadcastBatchIntervalMs"`

	RateLimitWindowMs    int `yaml:"rateLimitWindowMs" json:"rateLimitWindowMs"`
	RateLimitMaxRequests int `yaml:"rateLimitMaxRequests" json:"rateLimitMaxRequests"`

	BreakerFailureThreshold int `yaml:"breakerFailureThreshold" json:"breakerFailureThreshold"`
	BreakerSuccessThreshold int `yaml:"breakerSuccessThreshold" json:"breakerSuccessThreshold"`
	BreakerTimeoutMs        int `yaml:"breakerTimeoutMs" json:"breakerTimeoutMs"`

	CriticalServices map[string]CriticalService `yaml:"criticalServices" json:"criticalServices"`
}

// Duration helpers convert the millisecond fields into time.Duration for
// callers wiring worker configs.
func (d Data) AggregationInterval() time.Duration   { return ms(d.AggregationIntervalMs) }
func (d Data) AggregationWindow() time.Duration     { return ms(d.AggregationWindowMs) }
func (d Data) SummarizationInterval() time.Duration { return ms(d.SummarizationIntervalMs) }
func (d Data) SpikeWindow() time.Duration           { return ms(d.SpikeWindowMs) }
func (d Data) QueueBatchInterval() time.Duration    { return ms(d.QueueBatchIntervalMs) }
func (d Data) BroadcastBatchInterval() time.Duration {
	return ms(d.BroadcastBatchIntervalMs)
}
func (d Data) RateLimitWindow() time.Duration { return ms(d.RateLimitWindowMs) }
func (d Data) BreakerTimeout() time.Duration  { return ms(d.BreakerTimeoutMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Global is a thread-safe wrapper around Data, backed by the embedded
// default merged with a DB-persisted override row.
type Global struct {
	mu    sync.RWMutex
	data  Data
	store store.ConfigStore
}

// Load builds Global from the embedded default, then applies any override
// row persisted in store (if one exists). A nil store is valid for tests
// and standalone tools; it behaves as defaults-only with Set a no-op persist.
func Load(ctx context.Context, cs store.ConfigStore) (*Global, error) {
	d, err := defaultData()
	if err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}

	g := &Global{data: d, store: cs}
	if cs == nil {
		return g, nil
	}

	override, err := cs.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config override: %w", err)
	}
	if len(override) == 0 {
		return g, nil
	}
	if err := mergeOverride(&g.data, override); err != nil {
		return nil, fmt.Errorf("apply config override: %w", err)
	}
	return g, nil
}

func defaultData() (Data, error) {
	var d Data
	if err := yaml.Unmarshal(defaultYAML, &d); err != nil {
		return Data{}, err
	}
	return d, nil
}

// mergeOverride re-marshals the stored override map through YAML so its
// keys land on the same struct fields as the embedded default, then decodes
// it on top of the existing Data (fields absent from the override are left
// untouched).
func mergeOverride(d *Data, override map[string]any) error {
	raw, err := yaml.Marshal(override)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, d)
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists the override row.
func (g *Global) Set(ctx context.Context, d Data) error {
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()

	if g.store == nil {
		return nil
	}
	raw, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal config for persistence: %w", err)
	}
	var asMap map[string]any
	if err := yaml.Unmarshal(raw, &asMap); err != nil {
		return fmt.Errorf("decode config to map: %w", err)
	}
	return g.store.SetConfig(ctx, asMap)
}
