// Package redact implements pattern-based PII masking over event metadata.
// It is pure and deterministic: the same input always produces the same
// output and replacement counts, and redaction never fails — unrecognized
// structures pass through verbatim.
package redact

import (
	"regexp"
	"sort"

	"github.com/whisper-darkly/signalwatch/jsonvalue"
	"github.com/whisper-darkly/signalwatch/store"
)

// pattern is one named, ordered substitution rule.
type pattern struct {
	name        string
	re          *regexp.Regexp
	placeholder string
}

// Counts tallies replacements per pattern name, keyed identically to the
// pattern list so callers can report per-field-type audit totals.
type Counts map[string]int

func (c Counts) add(name string, n int) {
	if n > 0 {
		c[name] += n
	}
}

// Total sums every pattern's count.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// patterns is the required, ordered set from spec §4.1, in the order the
// spec lists them: email, IPv4, IPv6, phone, SSN, credit-card, AWS access
// keys, bearer tokens, JWT, key-value name heuristics. JWTs and bearer
// tokens are still matched before the looser key=value heuristic so it
// can't swallow part of them.
var patterns = []pattern{
	{"email", regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{"ipv4", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), "[REDACTED_IP]"},
	{"ipv6", regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{0,4}\b`), "[REDACTED_IPV6]"},
	{"phone", regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`), "[REDACTED_PHONE]"},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{"credit_card", regexp.MustCompile(`\b\d{4}[ -]\d{4}[ -]\d{4}[ -]\d{4}\b`), "[REDACTED_CC]"},
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), "[REDACTED_AWS_KEY]"},
	{"bearer_token", regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-]+`), "Bearer [REDACTED_TOKEN]"},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`), "[REDACTED_JWT]"},
	{"assignee_name", regexp.MustCompile(`(?i)\b(name|user|username|author|owner|assigned)=([A-Z][a-z]+(?:\s[A-Z][a-z]+)*)`), "$1=[REDACTED_NAME]"},
}

// fieldsRedactedKey is the Counts key for the number of distinct string
// scalars that had at least one substitution, per spec scenario S5
// ("fieldsRedacted: 2"). It is not a pattern name.
const fieldsRedactedKey = "fieldsRedacted"

// Redact scans text and substitutes every pattern in declared order,
// returning the transformed text and per-pattern replacement counts.
func Redact(text string) (string, Counts) {
	counts := make(Counts, len(patterns))
	out := text
	for _, p := range patterns {
		matches := p.re.FindAllStringIndex(out, -1)
		if len(matches) == 0 {
			continue
		}
		out = p.re.ReplaceAllString(out, p.placeholder)
		counts.add(p.name, len(matches))
	}
	return out, counts
}

// RedactTree walks a jsonvalue.Value tree, applying Redact to every string
// scalar and returning a structurally identical tree plus aggregated counts.
// Non-string scalars (numbers, bools, null) pass through unchanged.
func RedactTree(v jsonvalue.Value) (jsonvalue.Value, Counts) {
	total := make(Counts)
	out := redactValue(v, total)
	return out, total
}

func redactValue(v jsonvalue.Value, total Counts) jsonvalue.Value {
	switch v.Kind() {
	case jsonvalue.KindText:
		s, _ := v.AsText()
		redacted, counts := Redact(s)
		mergeCounts(total, counts)
		if counts.Total() > 0 {
			total.add(fieldsRedactedKey, 1)
		}
		return jsonvalue.Text(redacted)
	case jsonvalue.KindList:
		list, _ := v.AsList()
		out := make([]jsonvalue.Value, len(list))
		for i, e := range list {
			out[i] = redactValue(e, total)
		}
		return jsonvalue.List(out)
	case jsonvalue.KindMap:
		m, _ := v.AsMap()
		out := make(map[string]jsonvalue.Value, len(m))
		for k, e := range m {
			out[k] = redactValue(e, total)
		}
		return jsonvalue.Map(out)
	default:
		return v
	}
}

func mergeCounts(dst, src Counts) {
	for k, n := range src {
		dst[k] += n
	}
}

// PatternNames returns the pattern names sorted alphabetically (not in
// declared order), giving callers a stable ordering to report.
func PatternNames() []string {
	names := make([]string, len(patterns))
	for i, p := range patterns {
		names[i] = p.name
	}
	sort.Strings(names) // reported set, not replay order — callers don't depend on order here
	return names
}

// RedactEvents copies each event, keeping every core field (EventID,
// Service, Severity, Timestamp, IncidentID) intact and redacting only
// Metadata and RawPayload. It never mutates its input, since the caller
// is typically about to hand the originals to other readers concurrently.
func RedactEvents(events []*store.Event) ([]*store.Event, Counts) {
	total := make(Counts)
	out := make([]*store.Event, len(events))
	for i, e := range events {
		if e == nil {
			continue
		}
		cp := *e
		var metaCounts Counts
		cp.Metadata, metaCounts = RedactTree(e.Metadata)
		mergeCounts(total, metaCounts)
		if e.RawPayload != "" {
			redacted, counts := Redact(e.RawPayload)
			cp.RawPayload = redacted
			mergeCounts(total, counts)
			if counts.Total() > 0 {
				total.add(fieldsRedactedKey, 1)
			}
		}
		out[i] = &cp
	}
	return out, total
}
