package aiclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/whisper-darkly/signalwatch/store"
)

const systemPreamble = `You are an experienced Site Reliability Engineer analyzing production incidents. ` +
	`For each incident you are given, produce a concise, technically precise summary, a likely ` +
	`root cause, an assessment of impact, and concrete suggested actions. Base your analysis only ` +
	`on the event data provided.`

// IncidentContext bundles one incident with its (already redacted) events
// for prompt construction.
type IncidentContext struct {
	Incident *store.Incident
	Events   []*store.Event
}

// BuildBatchPrompt renders the user message for a batch of incidents, per
// spec §4.8's "system preamble ... followed by a user message listing each
// incident's id, services, time range, event count, max severity, and a
// JSON rendering of redacted events".
func BuildBatchPrompt(incidents []IncidentContext) string {
	var b strings.Builder
	b.WriteString("Analyze the following incidents and respond with a single JSON object of the form ")
	b.WriteString(`{"incidents":[{"incidentId","summary","rootCause","impact","suggestedActions":[]}]}.`)
	b.WriteString("\n\n")

	for _, ic := range incidents {
		start, end := timeRange(ic.Events)
		maxSeverity := 0
		for _, e := range ic.Events {
			if e.Severity > maxSeverity {
				maxSeverity = e.Severity
			}
		}
		fmt.Fprintf(&b, "Incident %s\nServices: %s\nTime range: %s to %s\nEvent count: %d\nMax severity: %d\nEvents:\n",
			ic.Incident.IncidentID, strings.Join(ic.Incident.AffectedServices, ", "),
			start.Format(time.RFC3339), end.Format(time.RFC3339), len(ic.Events), maxSeverity)

		payload, _ := json.Marshal(eventsForPrompt(ic.Events))
		b.Write(payload)
		b.WriteString("\n\n")
	}
	return b.String()
}

// BuildSinglePrompt renders the single-incident variant, whose response
// shape is the flat {summary, rootCause, impact, suggestedActions} object.
func BuildSinglePrompt(ic IncidentContext) string {
	start, end := timeRange(ic.Events)
	maxSeverity := 0
	for _, e := range ic.Events {
		if e.Severity > maxSeverity {
			maxSeverity = e.Severity
		}
	}
	var b strings.Builder
	b.WriteString("Analyze the following incident and respond with a single JSON object of the form ")
	b.WriteString(`{"summary","rootCause","impact","suggestedActions":[]}.`)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Incident %s\nServices: %s\nTime range: %s to %s\nEvent count: %d\nMax severity: %d\nEvents:\n",
		ic.Incident.IncidentID, strings.Join(ic.Incident.AffectedServices, ", "),
		start.Format(time.RFC3339), end.Format(time.RFC3339), len(ic.Events), maxSeverity)

	payload, _ := json.Marshal(eventsForPrompt(ic.Events))
	b.Write(payload)
	return b.String()
}

// SystemPreamble exposes the fixed SRE-analyst system prompt.
func SystemPreamble() string { return systemPreamble }

func timeRange(events []*store.Event) (time.Time, time.Time) {
	if len(events) == 0 {
		now := time.Now()
		return now, now
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
	return min, max
}

type promptEvent struct {
	EventID   string    `json:"eventId"`
	Service   string    `json:"service"`
	Severity  int       `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  any       `json:"metadata"`
}

func eventsForPrompt(events []*store.Event) []promptEvent {
	out := make([]promptEvent, len(events))
	for i, e := range events {
		out[i] = promptEvent{
			EventID:   e.EventID.String(),
			Service:   e.Service,
			Severity:  e.Severity,
			Timestamp: e.Timestamp,
			Metadata:  e.Metadata.ToAny(),
		}
	}
	return out
}

// BatchResponse is the parsed shape of a multi-incident completion.
type BatchResponse struct {
	Incidents []IncidentSummary `json:"incidents"`
}

// IncidentSummary is one incident's AI-authored analysis.
type IncidentSummary struct {
	IncidentID       string   `json:"incidentId"`
	Summary          string   `json:"summary"`
	RootCause        string   `json:"rootCause"`
	Impact           string   `json:"impact"`
	SuggestedActions []string `json:"suggestedActions"`
}

// ParseBatchResponse unmarshals a batch completion.
func ParseBatchResponse(raw string) (*BatchResponse, error) {
	var out BatchResponse
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse batch response: %w", err)
	}
	return &out, nil
}

// ParseSingleResponse unmarshals the flat single-incident completion.
func ParseSingleResponse(raw string) (*IncidentSummary, error) {
	var out IncidentSummary
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse single response: %w", err)
	}
	return &out, nil
}
