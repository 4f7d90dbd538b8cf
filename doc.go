// Package controlbus is message-based middleware for distributed
// control systems. Components exchange flat records over named topics
// of three kinds: commands, events and telemetry, carried by NATS
// JetStream.
//
// A component instance opens one Transport. Read handles are fed by a
// single ordered read loop; late joiners receive historical samples
// before going live. Write handles stamp identity, origin, send time
// and sequence number on every record. Commands are acknowledged
// through a shared per-component acknowledgement topic, with sequence
// numbers partitioned so concurrent issuers never collide.
//
// Packages:
//
//   - catalog: topic metadata, wire records, codec and schemas
//   - topic: read/write handles, command sender/receiver, ack engine
//   - transport: JetStream binding, read loop and historical replay
//   - natsclient: broker connection with reconnect and circuit breaker
//   - config: runtime configuration with YAML and environment overrides
//   - metric: Prometheus instrumentation
//   - health: subsystem health monitoring
//   - errors: error classification shared by all packages
//
// A minimal telemetry reader:
//
//	cat, _ := catalog.New("cbus", "site")
//	_ = cat.Register(robot)
//	client, _ := natsclient.FromConfig(cfg.Broker)
//	_ = client.ConnectWithRetry(ctx)
//	bus, _ := transport.New(cfg, cat, client, "Viewer")
//	reader, _ := bus.OpenReader("Robot", "tel_pose", topic.WithMaxHistory(1))
//	if err := bus.Start(ctx); err != nil {
//		return err
//	}
//	for {
//		msg, err := reader.Next(ctx, false)
//		...
//	}
package controlbus
