package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	v1 "vouch/shared/contracts/chat/v1"
)

const (
	// DefaultFanoutChannel is the pub/sub channel shared by every instance.
	DefaultFanoutChannel = "vouch:room"

	fanoutPublishTimeout = 5 * time.Second
	fanoutBarrierTimeout = 5 * time.Second
	fanoutChannelSize    = 1024

	// Barrier markers never reach clients. Protocol types never start with '~'.
	fanoutBarrierType = "~barrier"
)

// RedisFanout relays room broadcasts through one Redis pub/sub channel.
//
// Every instance publishes its broadcasts to the channel and delivers what it
// receives to its own Hub. Redis orders publishes on a channel, so connections
// on all instances observe the same sequence. Wire format per message is the
// envelope type, a newline, then the encoded envelope.
type RedisFanout struct {
	log     *slog.Logger
	rdb     redis.UniversalClient
	channel string
	hub     *Hub

	// deliverMu serializes hub delivery with Sequence.
	deliverMu sync.Mutex

	barrierMu sync.Mutex
	barriers  map[string]chan struct{}

	ps        *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisFanout wires a fanout for hub. An empty channel selects DefaultFanoutChannel.
func NewRedisFanout(log *slog.Logger, rdb redis.UniversalClient, channel string, hub *Hub) (*RedisFanout, error) {
	if rdb == nil || hub == nil {
		return nil, errors.New("realtime: fanout needs a redis client and a hub")
	}
	if log == nil {
		log = slog.Default()
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	return &RedisFanout{
		log:      log,
		rdb:      rdb,
		channel:  channel,
		hub:      hub,
		barriers: make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start subscribes and begins relaying. It returns once Redis has confirmed
// the subscription, so broadcasts made afterwards are never missed.
func (f *RedisFanout) Start(ctx context.Context) error {
	ps := f.rdb.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("fanout: subscribe %s: %w", f.channel, err)
	}
	f.ps = ps

	go f.relay(ps.Channel(redis.WithChannelSize(fanoutChannelSize)))

	f.log.Info("fanout.subscribed", "channel", f.channel)
	return nil
}

// Close unsubscribes and waits for the relay to stop. It is idempotent.
func (f *RedisFanout) Close() error {
	if f.ps == nil {
		return nil
	}
	var err error
	f.closeOnce.Do(func() {
		err = f.ps.Close()
		<-f.done
	})
	return err
}

// Broadcast publishes env to every instance. If Redis is unreachable the
// envelope is still delivered to local clients.
func (f *RedisFanout) Broadcast(env v1.Envelope) {
	fr, err := encodeFrame(env)
	if err != nil {
		f.log.Error("fanout.encode.fail", "type", env.Type, "err", err)
		return
	}

	if err := f.publish(fr.typ, fr.data); err != nil {
		f.log.Warn("fanout.publish.fail", "type", fr.typ, "err", err)
		f.deliverMu.Lock()
		f.hub.deliver(fr)
		f.deliverMu.Unlock()
	}
}

// Sequence waits until everything published before the call has been
// relayed, then runs fn with delivery paused.
func (f *RedisFanout) Sequence(ctx context.Context, fn func() error) error {
	if f.ps != nil {
		if err := f.barrier(ctx); err != nil {
			f.log.Warn("fanout.barrier.fail", "err", err)
		}
	}

	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()
	return fn()
}

func (f *RedisFanout) publish(typ string, data []byte) error {
	msg := make([]byte, 0, len(typ)+1+len(data))
	msg = append(msg, typ...)
	msg = append(msg, '\n')
	msg = append(msg, data...)

	ctx, cancel := context.WithTimeout(context.Background(), fanoutPublishTimeout)
	defer cancel()
	return f.rdb.Publish(ctx, f.channel, msg).Err()
}

func (f *RedisFanout) relay(ch <-chan *redis.Message) {
	defer close(f.done)

	for msg := range ch {
		typ, body, ok := strings.Cut(msg.Payload, "\n")
		if !ok || typ == "" {
			f.log.Warn("fanout.message.malformed", "channel", msg.Channel)
			continue
		}
		if typ == fanoutBarrierType {
			f.releaseBarrier(body)
			continue
		}

		f.deliverMu.Lock()
		f.hub.deliver(frame{typ: typ, data: []byte(body)})
		f.deliverMu.Unlock()
	}
}

// barrier publishes a marker and waits for it to come back through the relay.
func (f *RedisFanout) barrier(ctx context.Context) error {
	token := uuid.NewString()
	wait := make(chan struct{})

	f.barrierMu.Lock()
	f.barriers[token] = wait
	f.barrierMu.Unlock()
	defer func() {
		f.barrierMu.Lock()
		delete(f.barriers, token)
		f.barrierMu.Unlock()
	}()

	if err := f.publish(fanoutBarrierType, []byte(token)); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, fanoutBarrierTimeout)
	defer cancel()
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseBarrier ignores tokens published by other instances.
func (f *RedisFanout) releaseBarrier(token string) {
	f.barrierMu.Lock()
	wait, ok := f.barriers[token]
	delete(f.barriers, token)
	f.barrierMu.Unlock()

	if ok {
		close(wait)
	}
}
