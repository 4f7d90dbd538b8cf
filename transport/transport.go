// Package transport binds topic handles to NATS JetStream. One
// Transport carries one component instance: every read handle is fed by
// a single ordered read loop, writers publish through the shared broker
// connection, and late joiners receive historical samples before going
// live.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/controlbus/catalog"
	"github.com/c360/controlbus/config"
	"github.com/c360/controlbus/errors"
	"github.com/c360/controlbus/metric"
	"github.com/c360/controlbus/natsclient"
	"github.com/c360/controlbus/topic"
)

const (
	// maxSequentialReadErrors bounds broker metadata failures tolerated
	// in a row before the read loop declares the transport failed.
	maxSequentialReadErrors = 2

	// decodeErrorLogLimit caps per-topic decode failure logging. Past
	// the limit, failures are counted but no longer logged.
	decodeErrorLogLimit = 10

	// readLoopBuffer is the capacity of the channel shared by all
	// consumers feeding the read loop.
	readLoopBuffer = 256

	// behindWarnInterval throttles the falling-behind warning.
	behindWarnInterval = 10 * time.Second

	// volatileMaxAge bounds how long command and ack messages survive
	// on the broker. They are never replayed, only relayed.
	volatileMaxAge = time.Minute
)

// readBinding ties one read handle to its stream and tracks its replay
// progress. Fields past ready are owned by the read loop goroutine.
type readBinding struct {
	handle  *topic.ReadTopic
	info    *catalog.TopicInfo
	stream  string
	subject string

	wantHistory bool
	consumer    jetstream.OrderedConsumerConfig
	historyEnd  uint64
	replay      *replayBuffer
	replayStart time.Time
	ready       chan struct{}

	decodeFails int
}

type inbound struct {
	binding *readBinding
	msg     jetstream.Msg
}

// Transport owns the broker connection of one component instance. All
// handles must be opened before Start; Close releases everything.
type Transport struct {
	cfg      config.Config
	catalog  *catalog.Catalog
	client   *natsclient.Client
	identity string
	origin   int64
	instance string
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu         sync.Mutex
	started    bool
	closed     bool
	bindings   []*readBinding
	streams    map[string]jetstream.StreamConfig
	ackRouters map[string]*topic.AckRouter
	ackWriters map[string]*topic.WriteTopic
	receivers  []*topic.CommandReceiver
	stops      []func()
	failErr    error

	loopCh     chan *inbound
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// Option configures a Transport.
type Option func(*Transport) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) error {
		if logger != nil {
			t.logger = logger
		}
		return nil
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Transport) error {
		t.metrics = m
		return nil
	}
}

// WithOrigin overrides the origin stamped on outgoing messages. The
// default is the process id.
func WithOrigin(origin int64) Option {
	return func(t *Transport) error {
		if origin <= 0 {
			return fmt.Errorf("origin %d must be positive", origin)
		}
		t.origin = origin
		return nil
	}
}

// New builds a Transport for one identity. The client must already be
// connected; the Transport takes ownership and closes it on Close.
func New(
	cfg config.Config,
	cat *catalog.Catalog,
	client *natsclient.Client,
	identity string,
	opts ...Option,
) (*Transport, error) {
	if cat == nil || client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("catalog and client must not be nil"),
			"Transport", "New", "validate arguments")
	}
	if identity == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("identity must not be empty"),
			"Transport", "New", "validate identity")
	}

	t := &Transport{
		cfg:        cfg,
		catalog:    cat,
		client:     client,
		identity:   identity,
		origin:     int64(os.Getpid()),
		instance:   uuid.NewString(),
		logger:     slog.Default(),
		streams:    make(map[string]jetstream.StreamConfig),
		ackRouters: make(map[string]*topic.AckRouter),
		ackWriters: make(map[string]*topic.WriteTopic),
		loopCh:     make(chan *inbound, readLoopBuffer),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, errors.WrapInvalid(err, "Transport", "New", "apply option")
		}
	}
	t.logger = t.logger.With("identity", identity, "instance", t.instance)
	return t, nil
}

// Identity returns the identity stamped on outgoing messages.
func (t *Transport) Identity() string { return t.identity }

// Origin returns the origin stamped on outgoing messages.
func (t *Transport) Origin() int64 { return t.origin }

// Instance returns the unique id of this transport instance.
func (t *Transport) Instance() string { return t.instance }

// Failed reports the error that stopped the read loop, if any.
func (t *Transport) Failed() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failErr
}

func (t *Transport) assertOpen() error {
	if t.closed {
		return errors.WrapInvalid(errors.ErrClosed, "Transport", "Open", "check state")
	}
	if t.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Transport", "Open", "check state")
	}
	return nil
}

// registerStream records the stream backing a topic so Start can create
// it. Safe to call repeatedly for the same topic.
func (t *Transport) registerStream(ti *catalog.TopicInfo) (stream, subject string) {
	subject = t.catalog.WireName(ti)
	stream = t.catalog.StreamName(ti)
	if _, ok := t.streams[stream]; ok {
		return stream, subject
	}

	sc := jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
		Storage:  jetstream.FileStorage,
		MaxMsgs:  t.cfg.Stream.MaxMsgs,
		MaxAge:   t.cfg.Stream.MaxAge,
		Replicas: t.cfg.Stream.Replicas,
	}
	if t.cfg.Stream.Storage == config.StorageMemory {
		sc.Storage = jetstream.MemoryStorage
	}
	if ti.Kind.Volatile() {
		// Commands and acks are relayed, never replayed.
		sc.Storage = jetstream.MemoryStorage
		sc.MaxAge = volatileMaxAge
	}
	t.streams[stream] = sc
	return stream, subject
}

func (t *Transport) bindReader(handle *topic.ReadTopic) {
	stream, subject := t.registerStream(handle.Info())
	b := &readBinding{
		handle:      handle,
		info:        handle.Info(),
		stream:      stream,
		subject:     subject,
		wantHistory: handle.MaxHistory() > 0,
		ready:       make(chan struct{}),
	}
	t.bindings = append(t.bindings, b)
}

// OpenReader creates a read handle for one topic of a registered
// component. Handles must be opened before Start.
func (t *Transport) OpenReader(component, key string, opts ...topic.ReadOption) (*topic.ReadTopic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.assertOpen(); err != nil {
		return nil, err
	}

	ti, err := t.topicInfo(component, key)
	if err != nil {
		return nil, err
	}
	opts = append([]topic.ReadOption{
		topic.WithQueueLen(t.readerQueueLen()),
		topic.WithReadLogger(t.logger),
		topic.WithReadMetrics(t.metrics),
	}, opts...)
	handle, err := topic.NewReadTopic(ti, opts...)
	if err != nil {
		return nil, err
	}
	t.bindReader(handle)
	return handle, nil
}

// OpenWriter creates a write handle for one topic of a registered
// component. The handle publishes through this Transport once started.
func (t *Transport) OpenWriter(component, key string, opts ...topic.WriteOption) (*topic.WriteTopic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.assertOpen(); err != nil {
		return nil, err
	}

	ti, err := t.topicInfo(component, key)
	if err != nil {
		return nil, err
	}
	_, subject := t.registerStream(ti)
	opts = append([]topic.WriteOption{
		topic.WithWriteLogger(t.logger),
		topic.WithWriteMetrics(t.metrics),
	}, t.validatorOption(ti, opts)...)
	return topic.NewWriteTopic(ti, subject, t.catalog.Codec(), t, t.identity, t.origin, opts...)
}

// validatorOption prepends a schema validator when validation is on.
func (t *Transport) validatorOption(ti *catalog.TopicInfo, opts []topic.WriteOption) []topic.WriteOption {
	if !t.cfg.Schema.Validate {
		return opts
	}
	v, err := catalog.NewValidator(ti)
	if err != nil {
		t.logger.Warn("schema validator unavailable", "topic", ti.Key(), "error", err)
		return opts
	}
	return append([]topic.WriteOption{topic.WithValidator(v)}, opts...)
}

// OpenCommandSender creates a sender for one command of a remote
// component. All senders for a component share one ack reader.
func (t *Transport) OpenCommandSender(component, command string, opts ...topic.WriteOption) (*topic.CommandSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.assertOpen(); err != nil {
		return nil, err
	}

	ci, err := t.catalog.Component(component)
	if err != nil {
		return nil, err
	}
	cmdInfo, err := ci.Command(command)
	if err != nil {
		return nil, err
	}
	ordinal, err := ci.CommandOrdinal(command)
	if err != nil {
		return nil, err
	}

	router, err := t.ackRouter(ci)
	if err != nil {
		return nil, err
	}

	_, subject := t.registerStream(cmdInfo)
	opts = append([]topic.WriteOption{
		topic.WithCommandRange(ordinal, ci.NumCommands()),
		topic.WithWriteLogger(t.logger),
		topic.WithWriteMetrics(t.metrics),
	}, opts...)
	writer, err := topic.NewWriteTopic(cmdInfo, subject, t.catalog.Codec(), t, t.identity, t.origin, opts...)
	if err != nil {
		return nil, err
	}
	return topic.NewCommandSender(
		command, writer, router, t.cfg.Command.DefaultTimeout, t.logger, t.metrics), nil
}

// OpenCommandReceiver attaches handler to one command of this
// component. Receivers of an indexed component pass topic.WithIndex to
// serve one instance; receivers bound to the same index share one ack
// writer stamped with that index.
func (t *Transport) OpenCommandReceiver(component, command string, handler topic.CommandHandler, opts ...topic.ReadOption) (*topic.CommandReceiver, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.assertOpen(); err != nil {
		return nil, err
	}

	ci, err := t.catalog.Component(component)
	if err != nil {
		return nil, err
	}
	cmdInfo, err := ci.Command(command)
	if err != nil {
		return nil, err
	}
	ordinal, err := ci.CommandOrdinal(command)
	if err != nil {
		return nil, err
	}

	opts = append([]topic.ReadOption{
		topic.WithQueueLen(t.readerQueueLen()),
		topic.WithReadLogger(t.logger),
		topic.WithReadMetrics(t.metrics),
	}, opts...)
	reader, err := topic.NewReadTopic(cmdInfo, opts...)
	if err != nil {
		return nil, err
	}

	ackWriter, err := t.ackWriter(ci, reader.Index())
	if err != nil {
		return nil, err
	}

	auth := topic.NewAuthorizer(t.cfg.Auth, t.identity)
	receiver, err := topic.NewCommandReceiver(
		command, ordinal, reader, ackWriter, handler, auth, t.logger, t.metrics)
	if err != nil {
		return nil, err
	}
	t.bindReader(reader)
	t.receivers = append(t.receivers, receiver)
	return receiver, nil
}

// ackRouter returns the shared ack router of a component, creating its
// ack reader on first use. Caller holds t.mu.
func (t *Transport) ackRouter(ci *catalog.ComponentInfo) (*topic.AckRouter, error) {
	if router, ok := t.ackRouters[ci.Name]; ok {
		return router, nil
	}
	ackInfo, err := ci.AckTopic()
	if err != nil {
		return nil, err
	}
	reader, err := topic.NewReadTopic(ackInfo,
		topic.WithQueueLen(t.readerQueueLen()),
		topic.WithReadLogger(t.logger),
		topic.WithReadMetrics(t.metrics))
	if err != nil {
		return nil, err
	}
	router, err := topic.NewAckRouter(reader, t.identity, t.origin, t.logger, t.metrics)
	if err != nil {
		return nil, err
	}
	t.bindReader(reader)
	t.ackRouters[ci.Name] = router
	return router, nil
}

// ackWriter returns the shared ack writer for one index of a
// component, creating it on first use. The index is stamped on every
// ack so senders can tell which instance answered. Caller holds t.mu.
func (t *Transport) ackWriter(ci *catalog.ComponentInfo, index int) (*topic.WriteTopic, error) {
	key := fmt.Sprintf("%s/%d", ci.Name, index)
	if w, ok := t.ackWriters[key]; ok {
		return w, nil
	}
	ackInfo, err := ci.AckTopic()
	if err != nil {
		return nil, err
	}
	_, subject := t.registerStream(ackInfo)
	w, err := topic.NewWriteTopic(ackInfo, subject, t.catalog.Codec(), t, t.identity, t.origin,
		topic.WithWriteIndex(index),
		topic.WithWriteLogger(t.logger),
		topic.WithWriteMetrics(t.metrics))
	if err != nil {
		return nil, err
	}
	t.ackWriters[key] = w
	return w, nil
}

func (t *Transport) topicInfo(component, key string) (*catalog.TopicInfo, error) {
	ci, err := t.catalog.Component(component)
	if err != nil {
		return nil, err
	}
	return ci.Topic(key)
}

func (t *Transport) readerQueueLen() int {
	if t.cfg.Reader.QueueLen >= config.MinQueueLen {
		return t.cfg.Reader.QueueLen
	}
	return config.DefaultQueueLen
}

// Publish sends encoded topic data to the broker. It implements the
// write side's publisher and refuses to run outside Start..Close.
func (t *Transport) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return 0, errors.WrapInvalid(errors.ErrClosed, "Transport", "Publish", "check state")
	case !t.started:
		t.mu.Unlock()
		return 0, errors.WrapInvalid(errors.ErrNotStarted, "Transport", "Publish", "check state")
	}
	t.mu.Unlock()

	return t.client.Publish(ctx, subject, data)
}

// Close stops the read loop, releases the consumers, aborts in-flight
// commands and closes the broker connection. Safe to call more than
// once.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	stops := t.stops
	t.stops = nil
	t.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if started {
		t.loopCancel()
		select {
		case <-t.loopDone:
		case <-ctx.Done():
		}
	}

	for _, r := range t.receivers {
		r.Close()
	}
	for _, router := range t.ackRouters {
		router.Close()
	}
	for _, b := range t.bindings {
		b.handle.Close()
	}

	if err := t.client.Close(ctx); err != nil {
		return errors.WrapTransient(err, "Transport", "Close", "close broker connection")
	}
	t.logger.Info("transport closed")
	return nil
}

