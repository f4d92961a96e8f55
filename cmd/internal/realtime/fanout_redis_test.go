package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"vouch/cmd/internal/chat"
	v1 "vouch/shared/contracts/chat/v1"
)

type fanoutInstance struct {
	hub  *Hub
	fan  *RedisFanout
	chat *chat.Service
}

// newFanoutInstance simulates one server process sharing Redis and the message store.
func newFanoutInstance(t *testing.T, mr *miniredis.Miniredis, store chat.Store) *fanoutInstance {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := NewHub(log, nil)
	fan, err := NewRedisFanout(log, rdb, "", hub)
	if err != nil {
		t.Fatalf("NewRedisFanout: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fan.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = fan.Close() })

	svc, err := chat.NewService(log, store, fan, nil, chat.Config{})
	if err != nil {
		t.Fatalf("chat.NewService: %v", err)
	}
	return &fanoutInstance{hub: hub, fan: fan, chat: svc}
}

func recvFrame(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case f := <-c.Send:
		return decodeFrame(t, f)
	case <-time.After(5 * time.Second):
		t.Fatalf("client %s: no frame delivered", c.ID)
		return v1.Envelope{}
	}
}

func expectNoFrame(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case f := <-c.Send:
		t.Fatalf("client %s: unexpected frame %s", c.ID, f.typ)
	case <-time.After(wait):
	}
}

func TestRedisFanout_DeliversAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	store := chat.NewMemoryStore()
	a := newFanoutInstance(t, mr, store)
	b := newFanoutInstance(t, mr, store)

	alice := NewClient("alice-conn", 64)
	bob := NewClient("bob-conn", 64)
	a.hub.Add(alice)
	b.hub.Add(bob)

	ctx := context.Background()
	if _, err := a.chat.PostText(ctx, "alice", "hi"); err != nil {
		t.Fatalf("PostText alice: %v", err)
	}
	if _, err := b.chat.PostText(ctx, "bob", "yo"); err != nil {
		t.Fatalf("PostText bob: %v", err)
	}

	var seenAlice, seenBob []string
	for i := 0; i < 2; i++ {
		ea, eb := recvFrame(t, alice), recvFrame(t, bob)
		if ea.Type != v1.TypeChatMessage || eb.Type != v1.TypeChatMessage {
			t.Fatalf("unexpected types: %q %q", ea.Type, eb.Type)
		}
		var ma, mb v1.ChatMessage
		if err := ea.Decode(&ma); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if err := eb.Decode(&mb); err != nil {
			t.Fatalf("decode: %v", err)
		}
		seenAlice = append(seenAlice, ma.Text)
		seenBob = append(seenBob, mb.Text)
	}

	if seenAlice[0] != seenBob[0] || seenAlice[1] != seenBob[1] {
		t.Fatalf("instances observed different orders: %v vs %v", seenAlice, seenBob)
	}
	expectNoFrame(t, alice, 50*time.Millisecond)
	expectNoFrame(t, bob, 50*time.Millisecond)
}

func TestRedisFanout_AttachSeesHistoryThenLiveOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	store := chat.NewMemoryStore()
	a := newFanoutInstance(t, mr, store)
	b := newFanoutInstance(t, mr, store)

	ctx := context.Background()
	first, err := a.chat.PostText(ctx, "alice", "before")
	if err != nil {
		t.Fatalf("PostText: %v", err)
	}

	bob := NewClient("bob-conn", 64)
	var history []chat.Message
	err = b.chat.Attach(ctx, 0, func(msgs []chat.Message) error {
		history = msgs
		b.hub.Add(bob)
		return nil
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(history) != 1 || history[0].ID != first.ID {
		t.Fatalf("unexpected history: %+v", history)
	}

	second, err := a.chat.PostText(ctx, "alice", "after")
	if err != nil {
		t.Fatalf("PostText: %v", err)
	}

	var live v1.ChatMessage
	if err := recvFrame(t, bob).Decode(&live); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if live.ID != second.ID {
		t.Fatalf("expected only the later message live, got %q", live.Text)
	}
	expectNoFrame(t, bob, 50*time.Millisecond)
}

func TestRedisFanout_PublishFailureDeliversLocally(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newFanoutInstance(t, mr, chat.NewMemoryStore())

	c := NewClient("c", 8)
	a.hub.Add(c)
	mr.Close()

	a.fan.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeUserJoined, ID: "j1"})

	if env := recvFrame(t, c); env.ID != "j1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestRedisFanout_DropsMalformedMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newFanoutInstance(t, mr, chat.NewMemoryStore())

	c := NewClient("c", 8)
	a.hub.Add(c)

	mr.Publish(DefaultFanoutChannel, "no-separator")
	mr.Publish(DefaultFanoutChannel, fanoutBarrierType+"\nsomeone-elses-token")
	a.fan.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeUserLeft, ID: "l1"})

	if env := recvFrame(t, c); env.ID != "l1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	expectNoFrame(t, c, 50*time.Millisecond)
}
