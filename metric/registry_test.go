package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.PrometheusRegistry())
	require.NotNil(t, r.Core())

	// Core collectors are registered and gatherable.
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "custom_total",
		Help: "test counter",
	})
	require.NoError(t, r.Register("reader", "custom", c))
	assert.Error(t, r.Register("reader", "custom", c))

	assert.True(t, r.Unregister("reader", "custom"))
	assert.False(t, r.Unregister("reader", "custom"))
}

func TestCoreRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordRead("tel_position", "telemetry")
	m.RecordRead("tel_position", "telemetry")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesRead.WithLabelValues("tel_position", "telemetry")))

	m.RecordWrite("evt_state", "event")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesWritten.WithLabelValues("evt_state", "event")))

	m.RecordQueueDepth("tel_position", 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("tel_position")))

	m.RecordEviction("tel_position")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueEvictions.WithLabelValues("tel_position")))

	m.RecordCommandIssued("start")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsInFlight))
	m.RecordCommandDone()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CommandsInFlight))

	m.RecordAck("start", "complete")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcksReceived.WithLabelValues("start", "complete")))

	m.RecordBrokerStatus(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerConnected))
	m.RecordBrokerStatus(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BrokerConnected))

	m.RecordBrokerRTT(5 * time.Millisecond)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.BrokerRTT))

	m.RecordReadLoopError()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadLoopErrors))
}
