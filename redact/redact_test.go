package redact

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/whisper-darkly/signalwatch/jsonvalue"
	"github.com/whisper-darkly/signalwatch/store"
)

func TestRedactEmail(t *testing.T) {
	out, counts := Redact("contact alice@example.com for details")
	if out != "contact [REDACTED_EMAIL] for details" {
		t.Errorf("out = %q", out)
	}
	if counts["email"] != 1 {
		t.Errorf("email count = %d", counts["email"])
	}
}

func TestRedactMultiplePatterns(t *testing.T) {
	text := "user=John Smith reported from 10.0.0.5, token Bearer abc123xyz"
	out, counts := Redact(text)
	if counts["ipv4"] != 1 {
		t.Errorf("ipv4 count = %d", counts["ipv4"])
	}
	if counts["bearer_token"] != 1 {
		t.Errorf("bearer_token count = %d", counts["bearer_token"])
	}
	if counts["assignee_name"] != 1 {
		t.Errorf("assignee_name count = %d, out = %q", counts["assignee_name"], out)
	}
}

func TestRedactNoMatches(t *testing.T) {
	out, counts := Redact("service degraded, retrying")
	if out != "service degraded, retrying" {
		t.Errorf("out changed unexpectedly: %q", out)
	}
	if counts.Total() != 0 {
		t.Errorf("expected no matches, got %v", counts)
	}
}

func TestRedactTree(t *testing.T) {
	v := jsonvalue.Map(map[string]jsonvalue.Value{
		"errorType": jsonvalue.Text("Timeout"),
		"reporter":  jsonvalue.Text("bob@example.com"),
		"nested": jsonvalue.List([]jsonvalue.Value{
			jsonvalue.Text("see 192.168.1.1"),
			jsonvalue.Number(42),
		}),
	})
	out, counts := RedactTree(v)
	m, _ := out.AsMap()
	if got, _ := m["errorType"].AsText(); got != "Timeout" {
		t.Errorf("errorType = %q, want unchanged", got)
	}
	if got, _ := m["reporter"].AsText(); got != "[REDACTED_EMAIL]" {
		t.Errorf("reporter = %q", got)
	}
	if counts["email"] != 1 || counts["ipv4"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRedactEventsPreservesCoreFields(t *testing.T) {
	id := uuid.New()
	ts := time.Now()
	ev := &store.Event{
		EventID:   id,
		Service:   "payment-service",
		Severity:  4,
		Timestamp: ts,
		Metadata: jsonvalue.Map(map[string]jsonvalue.Value{
			"message": jsonvalue.Text("failed for user jane@example.com"),
		}),
		RawPayload: "ssn 123-45-6789 leaked",
	}
	out, counts := RedactEvents([]*store.Event{ev})
	if len(out) != 1 {
		t.Fatalf("len = %d", len(out))
	}
	got := out[0]
	if got.EventID != id || got.Service != "payment-service" || got.Severity != 4 || !got.Timestamp.Equal(ts) {
		t.Errorf("core fields mutated: %+v", got)
	}
	if got.RawPayload != "ssn [REDACTED_SSN] leaked" {
		t.Errorf("rawPayload = %q", got.RawPayload)
	}
	if counts["email"] != 1 || counts["ssn"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	// original must be untouched
	if ev.RawPayload != "ssn 123-45-6789 leaked" {
		t.Errorf("original event mutated")
	}
}
