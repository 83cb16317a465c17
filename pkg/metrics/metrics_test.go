package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, "test")
	require.NoError(t, err)

	m.FrameReceived()
	m.FrameReceived()
	m.DecodeFailed()
	m.MessageDelivered()
	m.ConnectionOpened()
	m.ConnectionClosed(nil)
	m.ConnectionClosed(errors.New("reset by peer"))
	m.BatchFlushed(3)
	m.ConsumerFailed()
	m.SetPending(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesFlushed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumerErrors))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.PendingMessages))
}

func TestNew_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, "dup")
	require.NoError(t, err)

	_, err = New(reg, "dup")
	assert.Error(t, err)
}

func TestNilMetrics_IsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameReceived()
		m.DecodeFailed()
		m.MessageDelivered()
		m.ConnectionOpened()
		m.ConnectionClosed(nil)
		m.BatchFlushed(1)
		m.ConsumerFailed()
		m.SetPending(0)
	})
}
