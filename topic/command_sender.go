package topic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/controlbus/catalog"
	"github.com/c360/controlbus/errors"
	"github.com/c360/controlbus/metric"
)

// AckRouter owns a component's ack-topic reader and routes each ack to
// the in-flight command it acknowledges. Acks issued for other
// identities or origins on the shared topic are ignored, so two issuers
// of the same command never see each other's acks.
type AckRouter struct {
	identity string
	origin   int64
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu     sync.Mutex
	tasks  map[int64]*CommandTask
	names  map[int64]string // command name per in-flight seq, for metrics
	closed bool
}

// NewAckRouter installs the router as the serial callback of reader.
func NewAckRouter(
	reader *ReadTopic,
	identity string,
	origin int64,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (*AckRouter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &AckRouter{
		identity: identity,
		origin:   origin,
		logger:   logger.With("component", reader.Info().Component),
		metrics:  metrics,
		tasks:    make(map[int64]*CommandTask),
		names:    make(map[int64]string),
	}
	if err := reader.SetCallback(r.route, CallbackSerial); err != nil {
		return nil, errors.WrapInvalid(err, "AckRouter", "NewAckRouter", "install ack callback")
	}
	return r, nil
}

// route is the ack-topic callback. Runs on the read loop.
func (r *AckRouter) route(msg *catalog.Message) {
	ack := ackFromMessage(msg)
	if ack.Identity != r.identity || ack.Origin != r.origin {
		return
	}

	r.mu.Lock()
	task, ok := r.tasks[ack.SeqNum]
	name := r.names[ack.SeqNum]
	if ok && ack.Code.Terminal() {
		delete(r.tasks, ack.SeqNum)
		delete(r.names, ack.SeqNum)
	}
	r.mu.Unlock()

	if !ok {
		// Terminal already recorded, or a command this process never
		// issued in its current incarnation.
		r.logger.Debug("dropping ack with no in-flight command", "seq_num", ack.SeqNum, "code", ack.Code.String())
		return
	}

	task.deliver(ack)

	if r.metrics != nil {
		r.metrics.RecordAck(name, ack.Code.String())
		if ack.Code.Terminal() {
			r.metrics.RecordCommandDone()
		}
	}
}

// register adds an in-flight command before its record is published, so
// no ack can outrun the registration.
func (r *AckRouter) register(task *CommandTask, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.WrapInvalid(errors.ErrClosed, "AckRouter", "register", "router closed")
	}
	if _, exists := r.tasks[task.seqNum]; exists {
		return errors.WrapInvalid(errors.ErrSequenceInUse, "AckRouter", "register",
			fmt.Sprintf("sequence number %d already in flight", task.seqNum))
	}
	r.tasks[task.seqNum] = task
	r.names[task.seqNum] = name
	return nil
}

// remove drops an in-flight command whose publish failed.
func (r *AckRouter) remove(seqNum int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, seqNum)
	delete(r.names, seqNum)
}

// InFlight returns the number of commands awaiting a terminal ack.
func (r *AckRouter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Close aborts every in-flight command with a cancellation, not a
// result.
func (r *AckRouter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	tasks := make([]*CommandTask, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.tasks = make(map[int64]*CommandTask)
	r.names = make(map[int64]string)
	r.mu.Unlock()

	for _, task := range tasks {
		task.abort()
	}
	if r.metrics != nil {
		for range tasks {
			r.metrics.RecordCommandDone()
		}
	}
}

// CommandSender issues one command topic of a remote component.
type CommandSender struct {
	name           string
	writer         *WriteTopic
	router         *AckRouter
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *metric.Metrics
}

// NewCommandSender builds a sender for the named command. The writer
// must be confined to the command's sequence range (WithCommandRange).
func NewCommandSender(
	name string,
	writer *WriteTopic,
	router *AckRouter,
	defaultTimeout time.Duration,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *CommandSender {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &CommandSender{
		name:           name,
		writer:         writer,
		router:         router,
		defaultTimeout: defaultTimeout,
		logger:         logger.With("command", name),
		metrics:        metrics,
	}
}

// Name returns the command name.
func (s *CommandSender) Name() string { return s.name }

// Start publishes the command and returns a task tracking its
// acknowledgements. The caller drives the task with Wait or NextAck.
func (s *CommandSender) Start(ctx context.Context, fields map[string]any) (*CommandTask, error) {
	seqNum := s.writer.NextSeq()
	task := newCommandTask(seqNum)

	if err := s.router.register(task, s.name); err != nil {
		return nil, err
	}
	if _, err := s.writer.PutSeq(ctx, seqNum, fields); err != nil {
		s.router.remove(seqNum)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordCommandIssued(s.name)
	}
	s.logger.Debug("command issued", "seq_num", seqNum)
	return task, nil
}

// Run issues the command and waits for its terminal acknowledgement.
// A non-positive timeout selects the sender's default.
func (s *CommandSender) Run(ctx context.Context, fields map[string]any, timeout time.Duration) (Ack, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	task, err := s.Start(ctx, fields)
	if err != nil {
		return Ack{}, err
	}
	ack, err := task.Wait(ctx, timeout)
	if err != nil {
		// The router entry is gone for terminal acks; drop it for
		// timeouts and cancellations too, late acks are then ignored.
		s.router.remove(task.seqNum)
	}
	return ack, err
}
