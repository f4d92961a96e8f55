// Package chat implements the message lifecycle of the single global room:
// posting, owner-only edits and deletes, transient file notices, history
// windows and time-based retention.
//
// Every state change is committed and broadcast while holding one publish
// lock, so the order clients observe equals commit order.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"vouch/cmd/identity/ids"
	"vouch/cmd/internal/metrics"
	v1 "vouch/shared/contracts/chat/v1"
)

const (
	// MaxBodyRunes bounds a text message after trimming.
	MaxBodyRunes = 4000

	DefaultRetentionAge      = 24 * time.Hour
	DefaultRetentionInterval = time.Hour

	// DefaultMaxFileBytes bounds a file notice (declared size).
	DefaultMaxFileBytes int64 = 200 << 20

	// Envelope framing plus file name and mime type.
	frameOverheadBytes = 16 << 10
)

var (
	ErrEmptyBody    = errors.New("chat: empty message")
	ErrBodyTooLong  = errors.New("chat: message too long")
	ErrInvalidFile  = errors.New("chat: invalid file notice")
	ErrFileTooLarge = errors.New("chat: file too large")
)

// Broadcaster fans an envelope out to every authenticated connection.
type Broadcaster interface {
	Broadcast(env v1.Envelope)
}

// Sequencer is implemented by broadcasters that deliver asynchronously.
// Sequence runs fn once every broadcast already handed over has been
// delivered, and holds further deliveries until fn returns.
type Sequencer interface {
	Sequence(ctx context.Context, fn func() error) error
}

// Config tunes the lifecycle manager. Zero values select defaults.
type Config struct {
	HistoryLimit      int
	RetentionAge      time.Duration
	RetentionInterval time.Duration
	MaxFileBytes      int64

	// Now overrides the clock (tests).
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	c.HistoryLimit = clampLimit(c.HistoryLimit)
	if c.RetentionAge <= 0 {
		c.RetentionAge = DefaultRetentionAge
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Service is the message lifecycle manager.
type Service struct {
	log     *slog.Logger
	store   Store
	hub     Broadcaster
	metrics *metrics.Metrics
	cfg     Config

	publishMu sync.Mutex
}

// NewService wires a Service. metrics may be nil.
func NewService(log *slog.Logger, store Store, hub Broadcaster, m *metrics.Metrics, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if hub == nil {
		return nil, errors.New("chat: nil broadcaster")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:     log,
		store:   store,
		hub:     hub,
		metrics: m,
		cfg:     cfg.withDefaults(),
	}, nil
}

// Ping checks the message store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// HistoryLimit returns the configured login history window.
func (s *Service) HistoryLimit() int { return s.cfg.HistoryLimit }

// MaxFileBytes returns the file notice size bound.
func (s *Service) MaxFileBytes() int64 { return s.cfg.MaxFileBytes }

// MaxFrameBytes is the largest inbound frame a connection must accept to
// carry a maximal file notice inside an envelope.
func (s *Service) MaxFrameBytes() int64 { return encodedBound(s.cfg.MaxFileBytes) + frameOverheadBytes }

// PostText persists a new message from author and broadcasts it.
func (s *Service) PostText(ctx context.Context, author, body string) (Message, error) {
	body, err := normalizeBody(body)
	if err != nil {
		return Message{}, err
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	msg, err := s.store.Append(ctx, AppendInput{Author: author, Body: body, Now: s.cfg.Now()})
	if err != nil {
		return Message{}, fmt.Errorf("chat: append: %w", err)
	}

	s.publishLocked(v1.TypeChatMessage, ToWire(msg), msg.CreatedAt)
	s.metrics.MessageOp("post")
	return msg, nil
}

// EditMessage replaces the text of requester's own, undeleted message.
// Foreign, missing or deleted targets are silent no-ops (ok=false).
func (s *Service) EditMessage(ctx context.Context, requester, id, newBody string) (bool, error) {
	newBody, err := normalizeBody(newBody)
	if err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	now := s.cfg.Now()
	msg, ok, err := s.store.Edit(ctx, EditInput{ID: id, Requester: requester, Body: newBody, Now: now})
	if err != nil {
		return false, fmt.Errorf("chat: edit: %w", err)
	}
	if !ok {
		s.log.Debug("chat.edit.noop", "id", id, "user", requester)
		return false, nil
	}

	s.publishLocked(v1.TypeMessageEdited, v1.MessageEditedPayload{
		ID:      msg.ID,
		NewText: msg.Body,
		Edited:  true,
	}, now)
	s.metrics.MessageOp("edit")
	return true, nil
}

// DeleteMessage tombstones requester's own, undeleted message.
// Foreign, missing or already-deleted targets are silent no-ops (ok=false).
func (s *Service) DeleteMessage(ctx context.Context, requester, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	now := s.cfg.Now()
	msg, ok, err := s.store.Delete(ctx, DeleteInput{ID: id, Requester: requester, Now: now})
	if err != nil {
		return false, fmt.Errorf("chat: delete: %w", err)
	}
	if !ok {
		s.log.Debug("chat.delete.noop", "id", id, "user", requester)
		return false, nil
	}

	s.publishLocked(v1.TypeMessageDeleted, v1.MessageDeletedPayload{
		ID:      msg.ID,
		Deleted: true,
		Text:    Tombstone,
	}, now)
	s.metrics.MessageOp("delete")
	return true, nil
}

// PostFileNotice broadcasts a file notice from author. It is never persisted.
func (s *Service) PostFileNotice(ctx context.Context, author string, f v1.FileMessagePayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" || f.Size < 0 {
		return ErrInvalidFile
	}
	if f.Size > s.cfg.MaxFileBytes || int64(len(f.Data)) > encodedBound(s.cfg.MaxFileBytes) {
		return ErrFileTooLarge
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	now := s.cfg.Now()
	s.publishLocked(v1.TypeFileMessage, v1.FileMessageBroadcast{
		FileMessagePayload: f,
		User:               author,
		Timestamp:          now,
	}, now)
	s.metrics.MessageOp("file")
	return nil
}

// FetchHistory returns the newest limit messages, oldest first.
func (s *Service) FetchHistory(ctx context.Context, limit int) ([]Message, error) {
	msgs, err := s.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	return msgs, nil
}

// PruneOlderThan deletes messages created strictly before now-age.
func (s *Service) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		age = s.cfg.RetentionAge
	}
	cutoff := s.cfg.Now().Add(-age)
	n, err := s.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("chat: prune: %w", err)
	}
	s.metrics.Pruned(n)
	if n > 0 {
		s.log.Info("chat.prune.ok", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// RunRetention prunes once immediately and then every RetentionInterval until ctx is done.
func (s *Service) RunRetention(ctx context.Context) {
	t := time.NewTicker(s.cfg.RetentionInterval)
	defer t.Stop()

	for {
		if _, err := s.PruneOlderThan(ctx, s.cfg.RetentionAge); err != nil && ctx.Err() == nil {
			s.log.Warn("chat.prune.fail", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Attach runs fn with the latest history window while no broadcast can
// interleave. Callers enqueue the history and register the connection with
// the hub inside fn, so the connection sees history followed by every later
// event exactly once. A failed opportunistic prune is logged and ignored.
func (s *Service) Attach(ctx context.Context, limit int, fn func([]Message) error) error {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if _, err := s.PruneOlderThan(ctx, s.cfg.RetentionAge); err != nil {
		s.log.Warn("chat.prune.fail", "err", err)
	}

	load := func() error {
		msgs, err := s.FetchHistory(ctx, limit)
		if err != nil {
			return err
		}
		return fn(msgs)
	}
	if seq, ok := s.hub.(Sequencer); ok {
		return seq.Sequence(ctx, load)
	}
	return load()
}

// Announce broadcasts a non-persisted notice in commit order.
func (s *Service) Announce(env v1.Envelope) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.hub.Broadcast(env)
}

// ToWire converts a stored message to its protocol form.
func ToWire(m Message) v1.ChatMessage {
	return v1.ChatMessage{
		ID:        m.ID,
		User:      m.Author,
		Text:      m.Body,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
		Timestamp: m.CreatedAt,
	}
}

// ToWireAll converts a history window.
func ToWireAll(msgs []Message) []v1.ChatMessage {
	out := make([]v1.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ToWire(m))
	}
	return out
}

// NewEnvelope builds an outbound envelope with a fresh ULID.
func NewEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	id, err := ids.NewULID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.New(typ, id, ts, payload)
}

func (s *Service) publishLocked(typ string, payload any, ts time.Time) {
	env, err := NewEnvelope(typ, payload, ts)
	if err != nil {
		s.log.Error("chat.envelope.fail", "type", typ, "err", err)
		return
	}
	s.hub.Broadcast(env)
}

func normalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return "", ErrBodyTooLong
	}
	return body, nil
}

// encodedBound is the largest data URL accepted for a file of max bytes:
// base64 expansion plus room for a "data:<mime>;base64," prefix.
func encodedBound(limit int64) int64 {
	return (limit+2)/3*4 + 256
}
