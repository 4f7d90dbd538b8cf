package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, test.status.String())
	}
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestCircuitBreakerOpens(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222",
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(time.Minute),
	)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.recordFailure()
	}
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Greater(t, c.Backoff(), time.Second)

	// While open, Connect refuses immediately.
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestOperationsRequireConnection(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Publish(ctx, "a.b", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.EnsureStream(ctx, jetstream.StreamConfig{Name: "S"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}
	_, client := RunTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.True(t, client.IsHealthy())

	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "TEST_STREAM",
		Subjects: []string{"test.subject"},
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	// Idempotent for an identical config.
	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "TEST_STREAM",
		Subjects: []string{"test.subject"},
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	last, err := client.StreamLastSeq(ctx, "TEST_STREAM")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	seq, err := client.Publish(ctx, "test.subject", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	seq, err = client.Publish(ctx, "test.subject", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	last, err = client.StreamLastSeq(ctx, "TEST_STREAM")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestOrderedConsume(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}
	_, client := RunTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "ORDERED",
		Subjects: []string{"ordered.data"},
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	for _, payload := range []string{"a", "b", "c"} {
		_, err := client.Publish(ctx, "ordered.data", []byte(payload))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	stop, err := client.OrderedConsume(ctx, "ORDERED", jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:   1,
	}, func(msg jetstream.Msg) {
		mu.Lock()
		got = append(got, string(msg.Data()))
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ordered delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
