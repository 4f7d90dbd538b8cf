package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// RunTestServer starts an embedded NATS server with JetStream enabled on
// a random port. The server and a connected Client are torn down via
// t.Cleanup. Intended for package tests that need a real broker without
// external infrastructure.
func RunTestServer(t *testing.T) (*natsserver.Server, *Client) {
	t.Helper()

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("nats: new server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats: not ready for connections")
	}
	t.Cleanup(ns.Shutdown)

	client, err := NewClient(ns.ClientURL(),
		WithName(fmt.Sprintf("test-%s", t.Name())),
		WithDrainTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("nats: new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.ConnectWithRetry(ctx); err != nil {
		t.Fatalf("nats: connect: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
	})

	return ns, client
}
