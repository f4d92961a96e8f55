package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"vouch/cmd/internal/metrics"
	v1 "vouch/shared/contracts/chat/v1"
)

func newTestHub(t *testing.T) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), m), m
}

func decodeFrame(t *testing.T, f frame) v1.Envelope {
	t.Helper()
	var env v1.Envelope
	if err := json.Unmarshal(f.data, &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if env.Type != f.typ {
		t.Fatalf("frame type %q does not match envelope %q", f.typ, env.Type)
	}
	return env
}

func TestHub_BroadcastOrderPerClient(t *testing.T) {
	hub, _ := newTestHub(t)

	a := NewClient("a", 64)
	b := NewClient("b", 64)
	hub.Add(a)
	hub.Add(b)

	for i := 0; i < 10; i++ {
		hub.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeChatMessage, ID: string(rune('0' + i))})
	}

	for _, c := range []*Client{a, b} {
		for i := 0; i < 10; i++ {
			env := decodeFrame(t, <-c.Send)
			if env.ID != string(rune('0'+i)) {
				t.Fatalf("client %s: expected id %d, got %q", c.ID, i, env.ID)
			}
		}
		if len(c.Send) != 0 {
			t.Fatalf("client %s: expected exactly-once delivery, %d extra", c.ID, len(c.Send))
		}
	}
}

func TestHub_BroadcastEncodesOnce(t *testing.T) {
	hub, _ := newTestHub(t)

	a := NewClient("a", 4)
	b := NewClient("b", 4)
	hub.Add(a)
	hub.Add(b)

	hub.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeFileMessage, ID: "f1", Payload: json.RawMessage(`{"name":"a.bin"}`)})

	fa, fb := <-a.Send, <-b.Send
	if len(fa.data) == 0 || &fa.data[0] != &fb.data[0] {
		t.Fatalf("expected recipients to share one encoded frame")
	}
	if env := decodeFrame(t, fa); env.ID != "f1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestHub_RemoveStopsDelivery(t *testing.T) {
	hub, _ := newTestHub(t)

	a := NewClient("a", 64)
	hub.Add(a)
	hub.Remove("a")
	hub.Broadcast(v1.Envelope{Type: v1.TypeUserJoined})

	if len(a.Send) != 0 {
		t.Fatalf("removed client received a broadcast")
	}
	if hub.Len() != 0 {
		t.Fatalf("expected empty hub, len=%d", hub.Len())
	}
}

func TestHub_SlowConsumerIsDisconnected(t *testing.T) {
	hub, m := newTestHub(t)

	slow := NewClient("slow", wsMinSendQueueSize)
	fast := NewClient("fast", 256)
	hub.Add(slow)
	hub.Add(fast)

	for i := 0; i <= wsMinSendQueueSize; i++ {
		hub.Broadcast(v1.Envelope{Type: v1.TypeChatMessage})
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatalf("slow consumer was not closed")
	}
	if got := slow.CloseReason(); got != closeReasonSlowConsumer {
		t.Fatalf("expected close reason %q, got %q", closeReasonSlowConsumer, got)
	}
	if hub.Len() != 1 {
		t.Fatalf("expected only the fast client to remain, len=%d", hub.Len())
	}
	if len(fast.Send) != wsMinSendQueueSize+1 {
		t.Fatalf("fast client missed broadcasts: %d", len(fast.Send))
	}
	expected := `
# HELP vouch_hub_slow_consumers_total Clients disconnected because their send queue was full.
# TYPE vouch_hub_slow_consumers_total counter
vouch_hub_slow_consumers_total 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "vouch_hub_slow_consumers_total"); err != nil {
		t.Fatalf("slow consumer metric: %v", err)
	}
}

func TestHub_SkipsClosedClients(t *testing.T) {
	hub, _ := newTestHub(t)

	c := NewClient("c", 64)
	hub.Add(c)
	c.Close()

	hub.Broadcast(v1.Envelope{Type: v1.TypeChatMessage})
	if len(c.Send) != 0 {
		t.Fatalf("closed client received a broadcast")
	}
	if hub.Len() != 0 {
		t.Fatalf("closed client not pruned")
	}
	if c.CloseReason() != "" {
		t.Fatalf("plain Close must not record a reason")
	}
}
