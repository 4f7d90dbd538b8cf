package topic

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/controlbus/catalog"
	"github.com/c360/controlbus/config"
	"github.com/c360/controlbus/errors"
	"github.com/c360/controlbus/metric"
)

// Failure lets a command handler choose the terminal acknowledgement
// explicitly instead of the default failed/complete mapping.
type Failure struct {
	Code      AckCode
	ErrorCode int
	Result    string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (error=%d): %s", f.Code, f.ErrorCode, f.Result)
}

// NewFailure returns a Failure with the failed code and given result.
func NewFailure(errorCode int, result string) *Failure {
	return &Failure{Code: AckFailed, ErrorCode: errorCode, Result: result}
}

// Authorizer decides which issuers may command this component. An
// issuer identity is either a peer component ("Name" or "Name:index")
// or a user ("user@host").
type Authorizer struct {
	enabled     bool
	ownIdentity string

	mu                sync.RWMutex
	users             map[string]struct{}
	blockedComponents map[string]struct{}
}

// NewAuthorizer builds an authorizer from config. With authorization
// disabled every issuer is accepted.
func NewAuthorizer(cfg config.AuthConfig, ownIdentity string) *Authorizer {
	a := &Authorizer{
		enabled:     cfg.Enabled,
		ownIdentity: ownIdentity,
	}
	a.SetAuthorizedUsers(cfg.AuthorizedIDs)
	a.SetNonAuthorizedComponents(cfg.NonAuthorized)
	return a
}

// SetAuthorizedUsers replaces the set of allowed user identities.
func (a *Authorizer) SetAuthorizedUsers(users []string) {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	a.mu.Lock()
	a.users = set
	a.mu.Unlock()
}

// SetNonAuthorizedComponents replaces the set of blocked peer component
// names. Names are compared without index suffix.
func (a *Authorizer) SetNonAuthorizedComponents(names []string) {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[componentName(n)] = struct{}{}
	}
	a.mu.Lock()
	a.blockedComponents = set
	a.mu.Unlock()
}

// Authorize returns nil if identity may command this component.
func (a *Authorizer) Authorize(identity string) error {
	if !a.enabled || identity == a.ownIdentity {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if strings.Contains(identity, "@") {
		if _, ok := a.users[identity]; ok {
			return nil
		}
		return errors.WrapInvalid(
			fmt.Errorf("user %s is not authorized", identity),
			"Authorizer", "Authorize", "check user")
	}

	if _, blocked := a.blockedComponents[componentName(identity)]; blocked {
		return errors.WrapInvalid(
			fmt.Errorf("component %s is not authorized", identity),
			"Authorizer", "Authorize", "check component")
	}
	return nil
}

// componentName strips the index suffix from a component identity.
func componentName(identity string) string {
	if i := strings.IndexByte(identity, ':'); i >= 0 {
		return identity[:i]
	}
	return identity
}

// Command is one received command, handed to the handler.
type Command struct {
	// Msg is the decoded command record.
	Msg *catalog.Message

	receiver *CommandReceiver
	base     Ack
}

// Fields returns the topic-specific fields of the command.
func (c *Command) Fields() map[string]any { return c.Msg.Fields }

// SeqNum returns the command's sequence number.
func (c *Command) SeqNum() int64 { return c.base.SeqNum }

// Issuer returns the identity that issued the command.
func (c *Command) Issuer() string { return c.base.Identity }

// AckInProgress reports progress to the issuer. A positive remaining
// estimate extends the issuer's deadline by that amount.
func (c *Command) AckInProgress(ctx context.Context, remaining time.Duration, result string) error {
	ack := c.base
	ack.Code = AckInProgress
	ack.Remaining = remaining
	ack.Result = result
	return c.receiver.writeAck(ctx, ack)
}

// CommandHandler executes one received command. Returning nil completes
// the command; returning a *Failure acknowledges with that code; any
// other error fails the command with its text.
type CommandHandler func(ctx context.Context, cmd *Command) error

// ackWriteTimeout bounds the publish of a single acknowledgement so a
// terminal ack still goes out while the receiver shuts down.
const ackWriteTimeout = 5 * time.Second

// CommandReceiver executes one command topic of this component. Each
// received record is acknowledged as received before the handler runs,
// then with a terminal code reflecting the handler's outcome.
type CommandReceiver struct {
	name      string
	cmdType   int
	reader    *ReadTopic
	ackWriter *WriteTopic
	handler   CommandHandler
	auth      *Authorizer
	logger    *slog.Logger
	metrics   *metric.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCommandReceiver wires handler to the command topic behind reader.
// The ack writer is shared by all receivers of the component. Handlers
// run concurrently, one goroutine per received command.
func NewCommandReceiver(
	name string,
	cmdType int,
	reader *ReadTopic,
	ackWriter *WriteTopic,
	handler CommandHandler,
	auth *Authorizer,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (*CommandReceiver, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("handler must not be nil"),
			"CommandReceiver", "NewCommandReceiver", "validate handler")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &CommandReceiver{
		name:      name,
		cmdType:   cmdType,
		reader:    reader,
		ackWriter: ackWriter,
		handler:   handler,
		auth:      auth,
		logger:    logger.With("command", name),
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := reader.SetCallback(r.onCommand, CallbackConcurrent); err != nil {
		cancel()
		return nil, errors.WrapInvalid(err, "CommandReceiver", "NewCommandReceiver", "install command callback")
	}
	return r, nil
}

// Name returns the command name.
func (r *CommandReceiver) Name() string { return r.name }

// onCommand runs on its own goroutine per received command.
func (r *CommandReceiver) onCommand(msg *catalog.Message) {
	base := Ack{
		SeqNum:   msg.SeqNum,
		Identity: msg.Identity,
		Origin:   msg.Origin,
		CmdType:  r.cmdType,
	}

	if r.auth != nil {
		if err := r.auth.Authorize(msg.Identity); err != nil {
			r.logger.Warn("rejecting unauthorized command", "issuer", msg.Identity, "seq_num", msg.SeqNum)
			ack := base
			ack.Code = AckNoPermission
			ack.Result = err.Error()
			r.terminalAck(ack)
			return
		}
	}

	received := base
	received.Code = AckReceived
	if err := r.writeAck(r.ctx, received); err != nil {
		r.logger.Error("failed to write received ack", "seq_num", msg.SeqNum, "error", err)
		return
	}

	cmd := &Command{Msg: msg, receiver: r, base: base}
	err := r.runHandler(cmd)
	r.terminalAck(r.outcomeAck(base, err))
}

// runHandler executes the handler, converting a panic into an error so
// a misbehaving handler never takes the receiver down.
func (r *CommandReceiver) runHandler(cmd *Command) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handler(r.ctx, cmd)
}

// outcomeAck maps the handler result onto the terminal acknowledgement.
func (r *CommandReceiver) outcomeAck(base Ack, err error) Ack {
	ack := base
	switch {
	case err == nil:
		ack.Code = AckComplete
	case stderrors.Is(err, context.Canceled):
		ack.Code = AckAborted
		ack.Result = "command aborted"
	case stderrors.Is(err, context.DeadlineExceeded):
		ack.Code = AckTimedOut
		ack.Result = "command timed out"
	default:
		var failure *Failure
		if stderrors.As(err, &failure) && failure.Code.Terminal() {
			ack.Code = failure.Code
			ack.ErrorCode = failure.ErrorCode
			ack.Result = failure.Result
		} else {
			ack.Code = AckFailed
			ack.Result = err.Error()
		}
	}
	return ack
}

// terminalAck writes a terminal acknowledgement with its own deadline so
// it still goes out while the receiver is shutting down.
func (r *CommandReceiver) terminalAck(ack Ack) {
	ctx, cancel := context.WithTimeout(context.Background(), ackWriteTimeout)
	defer cancel()
	if err := r.writeAck(ctx, ack); err != nil {
		r.logger.Error("failed to write terminal ack",
			"seq_num", ack.SeqNum, "code", ack.Code.String(), "error", err)
	}
}

func (r *CommandReceiver) writeAck(ctx context.Context, ack Ack) error {
	_, err := r.ackWriter.PutSeq(ctx, ack.SeqNum, ack.fields())
	return err
}

// Close cancels running handlers and drains them. Handlers canceled
// here acknowledge as aborted.
func (r *CommandReceiver) Close() {
	r.cancel()
	r.reader.Close()
}
