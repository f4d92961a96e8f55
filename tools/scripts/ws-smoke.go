// Package main provides a CI-friendly WebSocket smoke test for Vouch.
//
// It validates:
//   - handshake + subprotocol selection
//   - register -> register_confirm with a derived TOTP code
//   - login -> login_success + chat_history + user_joined
//   - chat_message fanout to another client
//   - edit_message / delete_message broadcasts
//   - a foreign edit is ignored
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"vouch/cmd/security/otp"
	v1 "vouch/shared/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name     string
	username string
	conn     *websocket.Conn
	totp     string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		prefix  = flag.String("user-prefix", "smoke", "Username prefix; a time suffix keeps runs unique")
		text    = flag.String("text", "hello vouch 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	auth := otp.New(otp.Config{Skew: otp.DefaultSkew})
	suffix := time.Now().UTC().Format("150405")

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustRegister(root, auth, a, userName(*prefix, "a", suffix), *timeout)
	mustRegister(root, auth, b, userName(*prefix, "b", suffix), *timeout)
	if *verbose {
		fmt.Printf("registered: A=%s B=%s\n", a.username, b.username)
	}

	mustLogin(root, auth, a, *timeout)
	mustLogin(root, auth, b, *timeout)
	mustPresence(root, a, v1.TypeUserJoined, b.username, *timeout)

	mustWrite(root, a, v1.TypeChatMessage, v1.ChatMessageSendPayload{Text: *text}, *timeout)
	posted := mustChatMessage(root, a, a.username, *text, *timeout)
	seen := mustChatMessage(root, b, a.username, *text, *timeout)
	if seen.ID != posted.ID {
		fatalf("fanout id mismatch: A=%s B=%s", posted.ID, seen.ID)
	}

	// B cannot edit A's message; A's own edit must be the next broadcast.
	mustWrite(root, b, v1.TypeEditMessage, v1.EditMessagePayload{ID: posted.ID, NewText: "hijack"}, *timeout)
	edited := *text + " (edited)"
	mustWrite(root, a, v1.TypeEditMessage, v1.EditMessagePayload{ID: posted.ID, NewText: edited}, *timeout)
	for _, c := range []*smokeClient{a, b} {
		var p v1.MessageEditedPayload
		decode(c, c.mustReadUntilType(root, v1.TypeMessageEdited, *timeout), &p)
		if p.ID != posted.ID || p.NewText != edited || !p.Edited {
			fatalf("message_edited mismatch (%s): %+v", c.name, p)
		}
	}

	mustWrite(root, a, v1.TypeDeleteMessage, v1.DeleteMessagePayload{ID: posted.ID}, *timeout)
	for _, c := range []*smokeClient{a, b} {
		var p v1.MessageDeletedPayload
		decode(c, c.mustReadUntilType(root, v1.TypeMessageDeleted, *timeout), &p)
		if p.ID != posted.ID || !p.Deleted || strings.TrimSpace(p.Text) == "" {
			fatalf("message_deleted mismatch (%s): %+v", c.name, p)
		}
	}

	closeWS(b.conn)
	mustPresence(root, a, v1.TypeUserLeft, b.username, *timeout)

	fmt.Printf("OK: A=%s B=%s message_id=%s\n", a.username, b.username, posted.ID)
}

func userName(prefix, who, suffix string) string {
	name := fmt.Sprintf("%s-%s-%s", strings.TrimSpace(prefix), who, suffix)
	if len(name) > 32 {
		name = name[len(name)-32:]
	}
	return name
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if env.V != v1.Version || strings.TrimSpace(env.Type) == "" {
				c.fail(fmt.Errorf("bad envelope: v=%q type=%q", env.V, env.Type))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustRegister(parent context.Context, auth *otp.Authenticator, c *smokeClient, username string, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeRegister, v1.RegisterPayload{Username: username}, stepTimeout)

	var step2 v1.RegisterStep2Payload
	decode(c, c.mustReadUntilType(parent, v1.TypeRegisterStep2, stepTimeout), &step2)
	if strings.TrimSpace(step2.RecoveryKey) == "" {
		fatalf("register_step2 missing recovery key (%s)", c.name)
	}

	secret, err := otp.SecretFromURI(step2.QRCode)
	if err != nil {
		fatalf("register_step2 provisioning uri (%s): %v", c.name, err)
	}
	c.totp = secret

	mustWrite(parent, c, v1.TypeRegisterConfirm, v1.RegisterConfirmPayload{Token: mustCode(auth, secret)}, stepTimeout)

	var ok v1.RegisterSuccessPayload
	decode(c, c.mustReadUntilType(parent, v1.TypeRegisterSuccess, stepTimeout), &ok)
	if ok.Username != username {
		fatalf("register_success username mismatch (%s): got=%q want=%q", c.name, ok.Username, username)
	}
	c.username = username
}

func mustLogin(parent context.Context, auth *otp.Authenticator, c *smokeClient, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeLogin, v1.LoginPayload{Username: c.username, Token: mustCode(auth, c.totp)}, stepTimeout)

	var ok v1.LoginSuccessPayload
	decode(c, c.mustReadUntilType(parent, v1.TypeLoginSuccess, stepTimeout), &ok)
	if ok.Username != c.username {
		fatalf("login_success username mismatch (%s): got=%q", c.name, ok.Username)
	}

	var hist v1.ChatHistoryPayload
	decode(c, c.mustReadUntilType(parent, v1.TypeChatHistory, stepTimeout), &hist)

	mustPresence(parent, c, v1.TypeUserJoined, c.username, stepTimeout)
}

func mustPresence(parent context.Context, c *smokeClient, typ, user string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		var p v1.PresencePayload
		decode(c, c.mustReadUntilType(ctx, typ, stepTimeout), &p)
		if p.User == user {
			return
		}
	}
}

func mustChatMessage(parent context.Context, c *smokeClient, user, text string, stepTimeout time.Duration) v1.ChatMessage {
	var m v1.ChatMessage
	decode(c, c.mustReadUntilType(parent, v1.TypeChatMessage, stepTimeout), &m)

	if strings.TrimSpace(m.ID) == "" {
		fatalf("chat_message missing id (%s)", c.name)
	}
	if m.User != user || m.Text != strings.TrimSpace(text) {
		fatalf("chat_message mismatch (%s): %+v", c.name, m)
	}
	if m.Timestamp.IsZero() {
		fatalf("chat_message timestamp missing/zero (%s)", c.name)
	}
	return m
}

// mustReadUntilType skips unrelated broadcasts (presence, other chatter) and
// fails fast on error envelopes.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			switch env.Type {
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			case v1.TypeRegisterError, v1.TypeLoginError, v1.TypeRecoveryError:
				var ep v1.ErrorMessagePayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("%s (%s): %s", env.Type, c.name, ep.Message)
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env, err := v1.New(typ, "", time.Now().UTC(), payload)
	if err != nil {
		fatalf("build %s envelope: %v", typ, err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s failed (%s): %v", typ, c.name, err)
	}
}

func mustCode(auth *otp.Authenticator, secret string) string {
	code, err := auth.Code(secret, time.Now())
	if err != nil {
		fatalf("derive totp code: %v", err)
	}
	return code
}

func decode(c *smokeClient, env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("decode %s payload (%s): %v", env.Type, c.name, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
