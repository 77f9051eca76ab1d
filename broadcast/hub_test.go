package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper-darkly/signalwatch/store"
)

func drainOne(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case b := <-s.Send():
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestAttachSendsConnectionFrame(t *testing.T) {
	h := NewHub()
	defer h.Stop()
	s := h.Attach()
	f := drainOne(t, s)
	if f.Type != FrameConnection {
		t.Errorf("type = %v, want connection", f.Type)
	}
}

func TestPublishEventDeliveredToSubscribedChannel(t *testing.T) {
	h := NewHub()
	defer h.Stop()
	s := h.Attach()
	drainOne(t, s) // connection
	h.Subscribe(s, []string{"payment-service"})
	drainOne(t, s) // subscribed ack

	h.PublishEvent(&store.Event{Service: "payment-service"})
	f := drainOne(t, s)
	if f.Type != FrameEvent {
		t.Errorf("type = %v, want event", f.Type)
	}
}

func TestPublishEventSkipsUnsubscribedChannel(t *testing.T) {
	h := NewHub()
	defer h.Stop()
	s := h.Attach()
	drainOne(t, s) // connection
	h.Subscribe(s, []string{"other-service"})
	drainOne(t, s) // subscribed ack

	h.PublishEvent(&store.Event{Service: "payment-service"})
	select {
	case <-s.Send():
		t.Fatal("should not have received event for unsubscribed channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPauseSuppressesEventsNotIncidents(t *testing.T) {
	h := NewHub()
	defer h.Stop()
	s := h.Attach()
	drainOne(t, s) // connection
	h.Pause(s, time.Now())

	h.PublishEvent(&store.Event{Service: "svc"})
	select {
	case <-s.Send():
		t.Fatal("event should be suppressed while paused")
	case <-time.After(50 * time.Millisecond):
	}

	h.PublishIncident(&store.Incident{}, IncidentCreated)
	f := drainOne(t, s)
	if f.Type != FrameIncident {
		t.Errorf("incident should still deliver while paused, got %v", f.Type)
	}
}

func TestResumeClearsPause(t *testing.T) {
	h := NewHub()
	defer h.Stop()
	s := h.Attach()
	drainOne(t, s) // connection
	h.Pause(s, time.Now())
	h.Resume(s)

	h.PublishEvent(&store.Event{Service: "svc"})
	f := drainOne(t, s)
	if f.Type != FrameEvent {
		t.Errorf("event should deliver again after resume, got %v", f.Type)
	}
}

func TestEmptySubscribeResetsToAll(t *testing.T) {
	h := NewHub()
	defer h.Stop()
	s := h.Attach()
	drainOne(t, s)
	h.Subscribe(s, []string{"svc-a"})
	drainOne(t, s) // subscribed ack
	h.Subscribe(s, nil)
	drainOne(t, s) // subscribed ack

	h.PublishEvent(&store.Event{Service: "anything"})
	f := drainOne(t, s)
	if f.Type != FrameEvent {
		t.Errorf("empty subscribe should reset to all channels")
	}
}

func TestSlowSessionDroppedOnOverflow(t *testing.T) {
	h := NewHub()
	defer h.Stop()
	_ = h.Attach()
	// Don't drain; fill the buffer past capacity.
	for i := 0; i < sessionBufferSize+5; i++ {
		h.PublishIncident(&store.Incident{}, IncidentUpdated)
	}
	if h.SessionCount() != 0 {
		t.Errorf("session should have been dropped after overflow, count = %d", h.SessionCount())
	}
}

func TestPublishIncidentIgnoresChannelSubscription(t *testing.T) {
	h := NewHub()
	defer h.Stop()
	s := h.Attach()
	drainOne(t, s)
	h.Subscribe(s, []string{"unrelated-service"})
	drainOne(t, s) // subscribed ack

	h.PublishIncident(&store.Incident{}, IncidentResolved)
	f := drainOne(t, s)
	if f.Type != FrameIncident || f.Action != IncidentResolved {
		t.Errorf("frame = %+v", f)
	}
}
