package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"vouch/cmd/internal/auth/session"
	"vouch/cmd/internal/chat"
	"vouch/cmd/internal/metrics"
	v1 "vouch/shared/contracts/chat/v1"
)

var (
	errBackpressure = errors.New("backpressure")
	errBadJSON      = errors.New("bad json")
)

// WSGateway is the WebSocket entrypoint for Vouch.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and routes validated envelopes to the session state machine and the chat
// service. Authenticated connections are registered with the Hub.
type WSGateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	hub      *Hub
	chat     *chat.Service
	sessions *session.Service
	metrics  *metrics.Metrics
	validate *validator.Validate

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	// anonReadLimit applies until login; readLimit afterwards.
	anonReadLimit int64
	readLimit     int64
}

// NewWSGateway wires a gateway. m may be nil.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, hub *Hub, chatSvc *chat.Service, sessions *session.Service, m *metrics.Metrics) (*WSGateway, error) {
	if hub == nil || chatSvc == nil || sessions == nil {
		return nil, errors.New("realtime: hub, chat and sessions are required")
	}
	if log == nil {
		log = slog.Default()
	}

	cfg = cfg.normalized()
	readLimit := chatSvc.MaxFrameBytes()
	if readLimit <= 0 {
		readLimit = wsDefaultReadLimit
	}

	return &WSGateway{
		log:      log,
		cfg:      cfg,
		hub:      hub,
		chat:     chatSvc,
		sessions: sessions,
		metrics:  m,
		validate: validator.New(),

		// websocket.Accept enforces its own origin policy; derive its patterns
		// from the allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		anonReadLimit:  min(readLimit, wsDefaultReadLimit),
		readLimit:      readLimit,
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Server read/write timeouts would otherwise carry over into the hijacked conn.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.anonReadLimit)

	connID := uuid.NewString()
	c := &wsConn{
		g:      g,
		conn:   conn,
		client: NewClient(connID, g.cfg.SendQueue),
		sess:   g.sessions.NewSession(connID),
		rl:     NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow),
	}

	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()
	g.log.Info("ws.open", "conn_id", connID, "remote", r.RemoteAddr)

	c.run(r.Context())

	g.log.Info("ws.close", "conn_id", connID)
}

// wsConn is the per-connection state owned by HandleWS.
type wsConn struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client
	sess   *session.Session
	rl     *RateLimiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *wsConn) run(parent context.Context) {
	c.ctx, c.cancel = context.WithCancel(parent)
	defer c.cancel()

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	heartbeatDone := make(chan struct{})
	go c.heartbeatLoop(heartbeatDone)

	c.readLoop()

	c.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	c.leave()
}

// shutdown is idempotent. It does NOT close client.Send.
// Hub removal happens before client.Close so broadcasters never target a dead client.
func (c *wsConn) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.g.hub.Remove(c.client.ID)
		c.client.Close()
		_ = c.conn.Close(code, reason)
		c.cancel()
	})
}

// leave releases presence and tells the room, after the socket is gone.
func (c *wsConn) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), wsReleaseTimeout)
	defer cancel()

	username, was := c.sess.Disconnect(ctx)
	if !was {
		return
	}
	c.announce(v1.TypeUserLeft, v1.PresencePayload{User: username})
}

func (c *wsConn) writeLoop(done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.client.Done():
			if reason := c.client.CloseReason(); reason != "" {
				c.g.log.Info("ws.kick", "conn_id", c.client.ID, "reason", reason)
				c.shutdown(websocket.StatusPolicyViolation, reason)
			}
			return
		case f := <-c.client.Send:
			if err := writeFrame(c.ctx, c.conn, f, c.g.cfg.WriteTimeout); err != nil {
				c.g.log.Info("ws.write.fail", "conn_id", c.client.ID, "close_status", websocket.CloseStatus(err), "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *wsConn) heartbeatLoop(done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(c.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(c.ctx, c.g.cfg.HeartbeatTimeout)
			err := c.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				c.g.log.Info("ws.ping.fail", "conn_id", c.client.ID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					c.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0

			held, err := c.sess.RefreshPresence(c.ctx)
			if err != nil {
				c.g.log.Warn("ws.presence.refresh.fail", "conn_id", c.client.ID, "err", err)
				continue
			}
			if !held {
				c.g.log.Warn("ws.presence.lost", "conn_id", c.client.ID, "username", c.sess.Username())
				c.shutdown(websocket.StatusPolicyViolation, closeReasonPresenceLost)
				return
			}
		}
	}
}

func (c *wsConn) readLoop() {
	for {
		env, err := c.read()
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				c.shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				c.shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				c.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				c.sendError("bad_json", "invalid JSON")
				continue
			case readErrTooBig:
				c.g.log.Info("ws.read.too_big", "conn_id", c.client.ID, "authenticated", c.sess.Username() != "", "err", err)
				c.shutdown(websocket.StatusMessageTooBig, "message too big")
				return
			default:
				c.g.log.Info("ws.read.fail", "conn_id", c.client.ID, "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		now := time.Now().UTC()
		if ok, retry := c.rl.Reserve(now); !ok {
			c.sendError("rate_limited", fmt.Sprintf("too many events, retry in %s", retry.Round(time.Second)))
			c.shutdown(websocket.StatusPolicyViolation, closeReasonRateLimited)
			return
		}

		if err := env.Validate(); err != nil {
			c.sendError("bad_envelope", err.Error())
			continue
		}

		c.g.metrics.Event(env.Type)
		c.dispatch(env)
	}
}

func (c *wsConn) read() (v1.Envelope, error) {
	ctx := c.ctx
	if d := c.g.cfg.ReadIdleTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return readEnvelope(ctx, c.conn)
}

func (c *wsConn) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeRegister:
		c.onRegister(env)
	case v1.TypeRegisterConfirm:
		c.onRegisterConfirm(env)
	case v1.TypeLogin:
		c.onLogin(env)
	case v1.TypeRecover:
		c.onRecover(env)
	case v1.TypeChatMessage:
		c.onChatMessage(env)
	case v1.TypeEditMessage:
		c.onEditMessage(env)
	case v1.TypeDeleteMessage:
		c.onDeleteMessage(env)
	case v1.TypeFileMessage:
		c.onFileMessage(env)
	case v1.TypeSetTheme:
		c.onSetTheme(env)
	default:
		c.sendError("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- auth handlers ----

func (c *wsConn) onRegister(env v1.Envelope) {
	var p v1.RegisterPayload
	if err := c.decode(env, &p); err != nil {
		c.replyMessage(v1.TypeRegisterError, "Invalid request")
		return
	}

	enr, err := c.sess.BeginRegistration(c.ctx, p.Username)
	if err != nil {
		c.authFailed(v1.TypeRegisterError, "register", err, "")
		return
	}
	c.reply(v1.TypeRegisterStep2, v1.RegisterStep2Payload{QRCode: enr.URI, RecoveryKey: enr.RecoveryToken})
}

func (c *wsConn) onRegisterConfirm(env v1.Envelope) {
	var p v1.RegisterConfirmPayload
	if err := c.decode(env, &p); err != nil {
		c.replyMessage(v1.TypeRegisterError, "Invalid code")
		return
	}

	username, err := c.sess.ConfirmRegistration(c.ctx, p.Token)
	if err != nil {
		msg := ""
		if session.CodeOf(err) == session.CodeInvalidCode {
			msg = "Invalid code"
		}
		c.authFailed(v1.TypeRegisterError, "register_confirm", err, msg)
		return
	}
	c.reply(v1.TypeRegisterSuccess, v1.RegisterSuccessPayload{Username: username})
}

func (c *wsConn) onLogin(env v1.Envelope) {
	var p v1.LoginPayload
	if err := c.decode(env, &p); err != nil {
		c.replyMessage(v1.TypeLoginError, session.LoginFailureMessage)
		return
	}

	res, err := c.sess.Login(c.ctx, p.Username, p.Token, c.join)
	if err != nil {
		c.authFailed(v1.TypeLoginError, "login", err, "")
		return
	}
	c.announce(v1.TypeUserJoined, v1.PresencePayload{User: res.Username})
}

// join delivers login_success and history and registers the client with the
// hub while the chat service holds off broadcasts.
func (c *wsConn) join(ctx context.Context, res session.LoginResult) error {
	c.client.Username = res.Username

	return c.g.chat.Attach(ctx, 0, func(msgs []chat.Message) error {
		if !c.reply(v1.TypeLoginSuccess, v1.LoginSuccessPayload{Username: res.Username, Theme: string(res.Theme)}) {
			return fmt.Errorf("%w: login_success", errBackpressure)
		}
		if !c.reply(v1.TypeChatHistory, v1.ChatHistoryPayload{Messages: chat.ToWireAll(msgs)}) {
			return fmt.Errorf("%w: chat_history", errBackpressure)
		}
		c.g.hub.Add(c.client)
		// join runs on the read goroutine, so the next frame sees the raised limit.
		c.conn.SetReadLimit(c.g.readLimit)
		return nil
	})
}

func (c *wsConn) onRecover(env v1.Envelope) {
	var p v1.RecoverPayload
	if err := c.decode(env, &p); err != nil {
		c.replyMessage(v1.TypeRecoveryError, session.Message(session.ErrRecoveryFailed))
		return
	}

	enr, err := c.sess.Recover(c.ctx, p.Username, p.RecoveryToken)
	if err != nil {
		c.authFailed(v1.TypeRecoveryError, "recover", err, "")
		return
	}
	c.reply(v1.TypeRecoverySuccess, v1.RecoverySuccessPayload{QRCode: enr.URI, RecoveryKey: enr.RecoveryToken})
}

func (c *wsConn) onSetTheme(env v1.Envelope) {
	var p v1.SetThemePayload
	if err := c.decode(env, &p); err != nil {
		return
	}

	theme, changed, err := c.sess.SetTheme(c.ctx, p.Theme)
	if err != nil {
		c.g.log.Error("ws.theme.fail", "conn_id", c.client.ID, "err", err)
		c.sendError("server_error", session.ServerFailureMessage)
		return
	}
	if changed {
		c.reply(v1.TypeThemeChanged, v1.ThemeChangedPayload{Theme: string(theme)})
	}
}

// authFailed answers with typ; msg overrides the default client text.
func (c *wsConn) authFailed(typ, op string, err error, msg string) {
	if session.CodeOf(err) == "" {
		c.g.log.Error("ws."+op+".fail", "conn_id", c.client.ID, "err", err)
	}
	if msg == "" {
		msg = session.Message(err)
	}
	c.replyMessage(typ, msg)
}

// ---- message handlers (silent unless authenticated) ----

func (c *wsConn) onChatMessage(env v1.Envelope) {
	username := c.sess.Username()
	if username == "" {
		return
	}

	var p v1.ChatMessageSendPayload
	if err := c.decode(env, &p); err != nil {
		c.sendError("bad_payload", "invalid payload")
		return
	}

	if _, err := c.g.chat.PostText(c.ctx, username, p.Text); err != nil {
		c.chatFailed("chat_message", err)
	}
}

func (c *wsConn) onEditMessage(env v1.Envelope) {
	username := c.sess.Username()
	if username == "" {
		return
	}

	var p v1.EditMessagePayload
	if err := c.decode(env, &p); err != nil {
		return
	}

	if _, err := c.g.chat.EditMessage(c.ctx, username, p.ID, p.NewText); err != nil && !isChatInputErr(err) {
		c.chatFailed("edit_message", err)
	}
}

func (c *wsConn) onDeleteMessage(env v1.Envelope) {
	username := c.sess.Username()
	if username == "" {
		return
	}

	var p v1.DeleteMessagePayload
	if err := c.decode(env, &p); err != nil {
		return
	}

	if _, err := c.g.chat.DeleteMessage(c.ctx, username, p.ID); err != nil && !isChatInputErr(err) {
		c.chatFailed("delete_message", err)
	}
}

func (c *wsConn) onFileMessage(env v1.Envelope) {
	username := c.sess.Username()
	if username == "" {
		return
	}

	var p v1.FileMessagePayload
	if err := c.decode(env, &p); err != nil {
		c.sendError("invalid_file", "invalid file")
		return
	}

	if err := c.g.chat.PostFileNotice(c.ctx, username, p); err != nil {
		c.chatFailed("file_message", err)
	}
}

func (c *wsConn) chatFailed(op string, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyBody):
		c.sendError("invalid_message", "message is empty")
	case errors.Is(err, chat.ErrBodyTooLong):
		c.sendError("invalid_message", fmt.Sprintf("message too long: max=%d chars", chat.MaxBodyRunes))
	case errors.Is(err, chat.ErrInvalidFile):
		c.sendError("invalid_file", "invalid file")
	case errors.Is(err, chat.ErrFileTooLarge):
		c.sendError("invalid_file", "file too large")
	case errors.Is(err, context.Canceled):
	default:
		c.g.log.Error("ws."+op+".fail", "conn_id", c.client.ID, "err", err)
		c.sendError("server_error", session.ServerFailureMessage)
	}
}

func isChatInputErr(err error) bool {
	return errors.Is(err, chat.ErrEmptyBody) || errors.Is(err, chat.ErrBodyTooLong) || errors.Is(err, chat.ErrInvalidInput)
}

// ---- send helpers ----

func (c *wsConn) decode(env v1.Envelope, dst any) error {
	if err := env.Decode(dst); err != nil {
		return err
	}
	return c.g.validate.Struct(dst)
}

func (c *wsConn) reply(typ string, payload any) bool {
	env, err := chat.NewEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		c.g.log.Error("ws.envelope.fail", "type", typ, "err", err)
		return false
	}
	f, err := encodeFrame(env)
	if err != nil {
		c.g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return false
	}
	return c.client.enqueue(f)
}

func (c *wsConn) replyMessage(typ, msg string) {
	_ = c.reply(typ, v1.ErrorMessagePayload{Message: msg})
}

func (c *wsConn) sendError(code, msg string) {
	_ = c.reply(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

func (c *wsConn) announce(typ string, payload any) {
	env, err := chat.NewEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		c.g.log.Error("ws.envelope.fail", "type", typ, "err", err)
		return
	}
	c.g.chat.Announce(env)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, f.data)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
	readErrTooBig
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if errors.Is(err, websocket.ErrMessageTooBig) {
		return readErrTooBig
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated
// hosts of the allowlist (websocket.Accept matches patterns against hosts).
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}

	slices.Sort(out)
	return out
}
