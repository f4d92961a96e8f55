package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndExpose(t *testing.T) {
	m := New()

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Event("login")
	m.Auth("login", "ok")
	m.MessageOp("post")
	m.SlowConsumer()
	m.Pruned(3)
	m.Pruned(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsIn.WithLabelValues("login")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authOutcomes.WithLabelValues("login", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pruned))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "vouch_ws_connections 1"))
	assert.True(t, strings.Contains(string(body), `vouch_message_ops_total{op="post"} 1`))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ConnOpened()
	m.Event("x")
	m.Auth("login", "ok")
	m.Pruned(1)
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}
