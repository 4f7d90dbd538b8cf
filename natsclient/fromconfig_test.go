package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/controlbus/config"
	"github.com/c360/controlbus/errors"
	"github.com/c360/controlbus/metric"
)

func TestFromConfig(t *testing.T) {
	cfg := config.BrokerConfig{
		URLs:           []string{"nats://a:4222", "nats://b:4222"},
		Name:           "bus-1",
		Username:       "user",
		Password:       "secret",
		MaxReconnects:  7,
		ReconnectWait:  3 * time.Second,
		ConnectTimeout: time.Second,
		TLS:            config.TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", CAFile: "ca.pem"},
	}

	c, err := FromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, "nats://a:4222,nats://b:4222", c.URL())
	assert.Equal(t, "bus-1", c.clientName)
	assert.Equal(t, "user", c.username)
	assert.Equal(t, "secret", c.password)
	assert.Equal(t, 7, c.maxReconnects)
	assert.Equal(t, 3*time.Second, c.reconnectWait)
	assert.Equal(t, time.Second, c.timeout)
	assert.True(t, c.tlsEnabled)
	assert.Equal(t, "ca.pem", c.tlsCAFile)
}

func TestFromConfigOptionsOverride(t *testing.T) {
	cfg := config.BrokerConfig{URLs: []string{"nats://a:4222"}, Name: "from-config"}

	c, err := FromConfig(cfg, WithName("explicit"), WithRetryConfig(errors.RetryConfig{
		MaxRetries:    1,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1.0,
	}))
	require.NoError(t, err)

	assert.Equal(t, "explicit", c.clientName)
	assert.Equal(t, 1, c.retry.MaxRetries)
}

func TestFromConfigRequiresURL(t *testing.T) {
	_, err := FromConfig(config.BrokerConfig{})
	assert.Error(t, err)
}

func TestConnectWithRetryStopsOnOpenCircuit(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)
	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	// ErrCircuitOpen is not transient, so no retry attempt is made.
	err = c.ConnectWithRetry(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestClientMetricsTrackStatus(t *testing.T) {
	reg := metric.NewRegistry()
	c, err := NewClient("nats://127.0.0.1:4222",
		WithCircuitBreakerThreshold(1),
		WithMetrics(reg.Metrics))
	require.NoError(t, err)

	c.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Metrics.BrokerConnected))
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.Metrics.BrokerCircuitBreaker))

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.Metrics.BrokerConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Metrics.BrokerCircuitBreaker))

	c.handleReconnect(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Metrics.BrokerConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Metrics.BrokerReconnects))
}

func TestFromConfigConnects(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}
	ns, _ := RunTestServer(t)

	reg := metric.NewRegistry()
	client, err := FromConfig(config.BrokerConfig{
		URLs:           []string{ns.ClientURL()},
		Name:           "from-config-test",
		ConnectTimeout: 5 * time.Second,
	}, WithMetrics(reg.Metrics))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.ConnectWithRetry(ctx))
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	require.True(t, client.IsHealthy())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Metrics.BrokerConnected))

	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.GreaterOrEqual(t, testutil.ToFloat64(reg.Metrics.BrokerRTT), 0.0)
}
