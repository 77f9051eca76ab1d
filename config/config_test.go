package config

import (
	"context"
	"testing"
)

type fakeConfigStore struct {
	saved map[string]any
}

func (f *fakeConfigStore) GetConfig(ctx context.Context) (map[string]any, error) {
	return f.saved, nil
}

func (f *fakeConfigStore) SetConfig(ctx context.Context, data map[string]any) error {
	f.saved = data
	return nil
}

func TestLoadAppliesEmbeddedDefaults(t *testing.T) {
	g, err := Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	d := g.Get()
	if d.AggregationIntervalMs != 30000 {
		t.Errorf("AggregationIntervalMs = %d, want 30000", d.AggregationIntervalMs)
	}
	if d.QueueMaxSize != 10000 {
		t.Errorf("QueueMaxSize = %d, want 10000", d.QueueMaxSize)
	}
	if d.CriticalServices["payment-service"].Multiplier != 2.0 {
		t.Errorf("payment-service multiplier = %v, want 2.0", d.CriticalServices["payment-service"].Multiplier)
	}
}

func TestLoadMergesOverrideOnTopOfDefaults(t *testing.T) {
	cs := &fakeConfigStore{saved: map[string]any{
		"queueMaxSize": 500,
	}}
	g, err := Load(context.Background(), cs)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	d := g.Get()
	if d.QueueMaxSize != 500 {
		t.Errorf("QueueMaxSize = %d, want 500 (overridden)", d.QueueMaxSize)
	}
	if d.AggregationIntervalMs != 30000 {
		t.Errorf("AggregationIntervalMs = %d, want 30000 (default preserved)", d.AggregationIntervalMs)
	}
}

func TestSetPersistsOverride(t *testing.T) {
	cs := &fakeConfigStore{}
	g, err := Load(context.Background(), cs)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	d := g.Get()
	d.QueueMaxSize = 42
	if err := g.Set(context.Background(), d); err != nil {
		t.Fatalf("Set err = %v", err)
	}
	if g.Get().QueueMaxSize != 42 {
		t.Fatalf("Get after Set = %d, want 42", g.Get().QueueMaxSize)
	}
	if cs.saved["queueMaxSize"] != 42 {
		t.Errorf("persisted value = %v, want 42", cs.saved["queueMaxSize"])
	}
}

func TestDurationHelpersConvertMillis(t *testing.T) {
	g, _ := Load(context.Background(), nil)
	d := g.Get()
	if d.AggregationInterval().Milliseconds() != int64(d.AggregationIntervalMs) {
		t.Errorf("AggregationInterval mismatch")
	}
}
