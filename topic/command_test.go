package topic

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/controlbus/catalog"
	"github.com/c360/controlbus/config"
	"github.com/c360/controlbus/errors"
)

// commandRig wires a sender and a receiver for one command through the
// loopback publisher, the way the transport wires them over the broker.
type commandRig struct {
	lb       *loopbackPublisher
	sender   *CommandSender
	router   *AckRouter
	receiver *CommandReceiver
}

func newCommandRig(t *testing.T, handler CommandHandler, auth *Authorizer) *commandRig {
	t.Helper()
	lb := newLoopback()
	codec := catalog.NewJSONCodec()

	cmdInfo, err := catalog.NewTopicInfo("Rotator", "start", catalog.KindCommand, false, []catalog.FieldInfo{
		{Name: "settings", Type: catalog.FieldString},
	})
	require.NoError(t, err)
	ackInfo := catalog.AckTopicInfo("Rotator", false)

	cmdSubject := "lsst.site1.Rotator.cmd_start"
	ackSubject := "lsst.site1.Rotator.ackcmd"

	// Receiver side.
	cmdReader, err := NewReadTopic(cmdInfo)
	require.NoError(t, err)
	lb.bind(cmdSubject, cmdReader)
	ackWriter, err := NewWriteTopic(ackInfo, ackSubject, codec, lb, "Rotator", 1)
	require.NoError(t, err)
	receiver, err := NewCommandReceiver("start", 0, cmdReader, ackWriter, handler, auth, nil, nil)
	require.NoError(t, err)
	t.Cleanup(receiver.Close)

	// Issuer side.
	ackReader, err := NewReadTopic(ackInfo)
	require.NoError(t, err)
	lb.bind(ackSubject, ackReader)
	router, err := NewAckRouter(ackReader, "user@host", 7, nil, nil)
	require.NoError(t, err)
	t.Cleanup(router.Close)

	cmdWriter, err := NewWriteTopic(cmdInfo, cmdSubject, codec, lb, "user@host", 7,
		WithCommandRange(0, 2))
	require.NoError(t, err)
	sender := NewCommandSender("start", cmdWriter, router, time.Second, nil, nil)

	return &commandRig{lb: lb, sender: sender, router: router, receiver: receiver}
}

func TestCommandCompleteLifecycle(t *testing.T) {
	var mu sync.Mutex
	var gotSettings string
	rig := newCommandRig(t, func(_ context.Context, cmd *Command) error {
		s, _ := cmd.Msg.String("settings")
		mu.Lock()
		gotSettings = s
		mu.Unlock()
		return nil
	}, nil)

	ctx := context.Background()
	task, err := rig.sender.Start(ctx, map[string]any{"settings": "fast"})
	require.NoError(t, err)

	ack, err := task.NextAck(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, AckReceived, ack.Code, "received ack precedes the handler outcome")

	ack, err = task.NextAck(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, AckComplete, ack.Code)

	mu.Lock()
	assert.Equal(t, "fast", gotSettings)
	mu.Unlock()

	assert.Equal(t, 0, rig.router.InFlight(), "terminal ack retires the in-flight record")
}

func TestCommandFailureAck(t *testing.T) {
	rig := newCommandRig(t, func(context.Context, *Command) error {
		return &Failure{Code: AckFailed, ErrorCode: 12, Result: "bad settings"}
	}, nil)

	ack, err := rig.sender.Run(context.Background(), map[string]any{"settings": "x"}, time.Second)
	require.Error(t, err)
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, AckFailed, ack.Code)
	assert.Equal(t, 12, ackErr.Ack.ErrorCode)
	assert.Equal(t, "bad settings", ackErr.Ack.Result)
}

func TestCommandHandlerErrorBecomesFailed(t *testing.T) {
	rig := newCommandRig(t, func(context.Context, *Command) error {
		return fmt.Errorf("motor jammed")
	}, nil)

	ack, err := rig.sender.Run(context.Background(), nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, AckFailed, ack.Code)
	assert.Contains(t, ack.Result, "motor jammed")
}

func TestCommandHandlerPanicBecomesFailed(t *testing.T) {
	rig := newCommandRig(t, func(context.Context, *Command) error {
		panic("boom")
	}, nil)

	ack, err := rig.sender.Run(context.Background(), nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, AckFailed, ack.Code)
	assert.Contains(t, ack.Result, "boom")

	// The receiver survives and handles the next command.
	ack, err = rig.sender.Run(context.Background(), nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, AckFailed, ack.Code)
}

func TestCommandInProgressExtendsDeadline(t *testing.T) {
	rig := newCommandRig(t, func(ctx context.Context, cmd *Command) error {
		if err := cmd.AckInProgress(ctx, 400*time.Millisecond, "working"); err != nil {
			return err
		}
		time.Sleep(200 * time.Millisecond)
		return nil
	}, nil)

	// The base timeout alone would expire before the handler finishes.
	ack, err := rig.sender.Run(context.Background(), nil, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, AckComplete, ack.Code)
}

func TestCommandAuthorizationRejects(t *testing.T) {
	ran := false
	auth := NewAuthorizer(config.AuthConfig{
		Enabled:       true,
		AuthorizedIDs: []string{"other@host"},
	}, "Rotator")
	rig := newCommandRig(t, func(context.Context, *Command) error {
		ran = true
		return nil
	}, auth)

	ack, err := rig.sender.Run(context.Background(), nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, AckNoPermission, ack.Code)
	assert.False(t, ran, "handler must not run for an unauthorized issuer")
}

func TestAckRouterFiltersForeignAcks(t *testing.T) {
	ackInfo := catalog.AckTopicInfo("Rotator", false)
	reader, err := NewReadTopic(ackInfo)
	require.NoError(t, err)
	router, err := NewAckRouter(reader, "user@host", 7, nil, nil)
	require.NoError(t, err)
	defer router.Close()

	task := newCommandTask(100)
	require.NoError(t, router.register(task, "start"))

	// Same sequence number, different issuer: must not reach the task.
	foreign := Ack{SeqNum: 100, Code: AckComplete, Identity: "stranger@host", Origin: 7}
	router.route(&catalog.Message{SeqNum: 100, Fields: foreign.fields()})
	assert.Equal(t, 1, router.InFlight())

	// Same identity, different origin: still foreign.
	foreign.Identity = "user@host"
	foreign.Origin = 8
	router.route(&catalog.Message{SeqNum: 100, Fields: foreign.fields()})
	assert.Equal(t, 1, router.InFlight())

	// The issuer's own ack retires the record.
	own := Ack{SeqNum: 100, Code: AckComplete, Identity: "user@host", Origin: 7}
	router.route(&catalog.Message{SeqNum: 100, Fields: own.fields()})
	assert.Equal(t, 0, router.InFlight())

	ack, err := task.NextAck(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, AckComplete, ack.Code)
}

func TestAckRouterDuplicateSequence(t *testing.T) {
	ackInfo := catalog.AckTopicInfo("Rotator", false)
	reader, err := NewReadTopic(ackInfo)
	require.NoError(t, err)
	router, err := NewAckRouter(reader, "user@host", 7, nil, nil)
	require.NoError(t, err)
	defer router.Close()

	require.NoError(t, router.register(newCommandTask(5), "start"))
	err = router.register(newCommandTask(5), "start")
	assert.ErrorIs(t, err, errors.ErrSequenceInUse)
}

func TestAckRouterCloseAbortsInFlight(t *testing.T) {
	ackInfo := catalog.AckTopicInfo("Rotator", false)
	reader, err := NewReadTopic(ackInfo)
	require.NoError(t, err)
	router, err := NewAckRouter(reader, "user@host", 7, nil, nil)
	require.NoError(t, err)

	task := newCommandTask(5)
	require.NoError(t, router.register(task, "start"))
	router.Close()

	_, err = task.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, errors.ErrClosed, "close is a cancellation, not a result")

	err = router.register(newCommandTask(6), "start")
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestAuthorizer(t *testing.T) {
	auth := NewAuthorizer(config.AuthConfig{
		Enabled:       true,
		AuthorizedIDs: []string{"operator@summit"},
		NonAuthorized: []string{"Watcher"},
	}, "Rotator")

	tests := []struct {
		identity string
		allowed  bool
	}{
		{"Rotator", true},          // own identity
		{"operator@summit", true},  // listed user
		{"intruder@laptop", false}, // unlisted user
		{"Scheduler", true},        // unlisted peer component
		{"Watcher", false},         // blocked component
		{"Watcher:2", false},       // blocked regardless of index
	}
	for _, test := range tests {
		err := auth.Authorize(test.identity)
		if test.allowed {
			assert.NoError(t, err, "identity %s", test.identity)
		} else {
			assert.Error(t, err, "identity %s", test.identity)
		}
	}

	// Runtime updates replace the lists.
	auth.SetAuthorizedUsers([]string{"intruder@laptop"})
	assert.NoError(t, auth.Authorize("intruder@laptop"))
	assert.Error(t, auth.Authorize("operator@summit"))

	disabled := NewAuthorizer(config.AuthConfig{}, "Rotator")
	assert.NoError(t, disabled.Authorize("anyone@anywhere"))
}
