package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Enqueued()
		m.Attempt()
		m.Deferred()
		m.Result("delivered")
		m.AckLatency(time.Millisecond)
		m.Received()
		m.Duplicate()
		m.DecryptFailed()
		m.MalformedFrame()
		m.Transition("connected")
		m.QueueSize("pending", 3)
		m.Cleaned(2)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Enqueued()
	m.Enqueued()
	m.Result("delivered")
	m.Result("failed-permanent")
	m.Result("delivered")
	m.QueueSize("pending", 7)
	m.Cleaned(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.enqueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.results.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("failed-permanent")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queued.WithLabelValues("pending")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cleaned))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.Received()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "peerpost_messages_received_total 1"))
}
