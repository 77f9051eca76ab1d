package jsonvalue

import (
	"encoding/json"
	"testing"
)

func TestFromAnyRoundTrip(t *testing.T) {
	raw := map[string]any{
		"name":  "alice",
		"count": float64(3),
		"tags":  []any{"a", "b"},
		"ok":    true,
		"nil":   nil,
	}
	v := FromAny(raw)
	m, ok := v.AsMap()
	if !ok {
		t.Fatalf("expected map")
	}
	if got, _ := m["name"].AsText(); got != "alice" {
		t.Errorf("name = %q", got)
	}
	if got, _ := m["count"].AsNumber(); got != 3 {
		t.Errorf("count = %v", got)
	}
	list, ok := m["tags"].AsList()
	if !ok || len(list) != 2 {
		t.Fatalf("tags list = %#v", list)
	}
}

func TestGetText(t *testing.T) {
	v := Map(map[string]Value{"errorType": Text("Timeout")})
	if got := v.GetText("errorType"); got != "Timeout" {
		t.Errorf("GetText = %q", got)
	}
	if got := v.GetText("missing"); got != "" {
		t.Errorf("GetText(missing) = %q, want empty", got)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	v := Map(map[string]Value{
		"service": Text("payment-service"),
		"attempt": Number(2),
	})
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var v2 Value
	if err := json.Unmarshal(b, &v2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := v2.GetText("service"); got != "payment-service" {
		t.Errorf("service = %q", got)
	}
}
