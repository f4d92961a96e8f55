package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.Info("session.login.ok", "conn_id", "c1", "username", "alice bob", "status_class", "2xx")

	got := strings.TrimSpace(buf.String())
	for _, want := range []string{" INF ", "session.login.ok", "conn=c1", `username="alice bob"`, "class=2xx"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("unexpected colour escapes in %q", got)
	}
}

func TestPrettyHandler_GroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, false).WithGroup("ws").WithAttrs([]slog.Attr{slog.String("component", "hub")})
	slog.New(h).Warn("hub.client.slow", "queue", 32, "err", errors.New("full queue"))

	got := buf.String()
	for _, want := range []string{" WRN ", "ws.component=hub", "ws.queue=32", `ws.err="full queue"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record should be filtered: %q", buf.String())
	}
}

func TestPrettyHandler_ColorizesStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(newPrettyHandler(&buf, nil, true)).Error("http.request", "status", 503, "duration_ms", 1200)

	got := buf.String()
	if !strings.Contains(got, ansiRed+"503"+ansiReset) {
		t.Fatalf("expected red 5xx status in %q", got)
	}
	if !strings.Contains(got, "duration="+ansiRed+"1200ms"+ansiReset) {
		t.Fatalf("expected slow duration highlight in %q", got)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":        `""`,
		"plain":   "plain",
		"a b":     `"a b"`,
		`k=v`:     `"k=v"`,
		"tab\tin": `"tab\tin"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}
