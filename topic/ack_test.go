package topic

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/controlbus/catalog"
)

func TestAckFieldsTruncatesResult(t *testing.T) {
	ack := Ack{
		SeqNum: 1,
		Code:   AckFailed,
		Result: strings.Repeat("x", catalog.MaxResultLen+50),
	}
	fields := ack.fields()
	result := fields[catalog.AckFieldResult].(string)
	assert.Len(t, result, catalog.MaxResultLen)
}

func TestAckRoundTripThroughMessage(t *testing.T) {
	ack := Ack{
		SeqNum:    42,
		Code:      AckInProgress,
		ErrorCode: 7,
		Result:    "halfway",
		Identity:  "user@host",
		Origin:    99,
		CmdType:   2,
		Remaining: 1500 * time.Millisecond,
	}
	msg := &catalog.Message{SeqNum: 42, Fields: ack.fields()}
	got := ackFromMessage(msg)
	assert.Equal(t, ack, got)
}

func TestWaitComplete(t *testing.T) {
	task := newCommandTask(7)
	go func() {
		task.deliver(Ack{SeqNum: 7, Code: AckReceived})
		task.deliver(Ack{SeqNum: 7, Code: AckComplete})
	}()

	ack, err := task.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, AckComplete, ack.Code)
}

func TestWaitSurvivesUndrainedAckBurst(t *testing.T) {
	task := newCommandTask(42)

	// More progress reports than the buffer holds, then the terminal
	// ack. The oldest reports are evicted, not the completion.
	for i := 0; i < ackBuffer+4; i++ {
		task.deliver(Ack{SeqNum: 42, Code: AckInProgress})
	}
	task.deliver(Ack{SeqNum: 42, Code: AckComplete})

	ack, err := task.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, AckComplete, ack.Code)
}

func TestWaitFailureReturnsAckError(t *testing.T) {
	task := newCommandTask(7)
	task.deliver(Ack{SeqNum: 7, Code: AckReceived})
	task.deliver(Ack{SeqNum: 7, Code: AckFailed, ErrorCode: 3, Result: "broken"})

	ack, err := task.Wait(context.Background(), time.Second)
	require.Error(t, err)
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, AckFailed, ack.Code)
	assert.Equal(t, 3, ackErr.Ack.ErrorCode)
	assert.Contains(t, ackErr.Error(), "broken")
}

func TestWaitTimeoutCarriesLastAck(t *testing.T) {
	task := newCommandTask(7)

	_, err := task.Wait(context.Background(), 30*time.Millisecond)
	var timeoutErr *AckTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, AckNoAck, timeoutErr.LastAck.Code, "no ack at all yields a synthetic no-ack")

	task = newCommandTask(8)
	task.deliver(Ack{SeqNum: 8, Code: AckReceived})
	_, err = task.Wait(context.Background(), 30*time.Millisecond)
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, AckReceived, timeoutErr.LastAck.Code)
}

func TestWaitInProgressExtendsDeadline(t *testing.T) {
	task := newCommandTask(7)

	// 100ms base timeout; the in-progress ack at 50ms adds 400ms, so a
	// completion at 300ms still lands inside the extended deadline.
	go func() {
		time.Sleep(50 * time.Millisecond)
		task.deliver(Ack{SeqNum: 7, Code: AckInProgress, Remaining: 400 * time.Millisecond})
		time.Sleep(250 * time.Millisecond)
		task.deliver(Ack{SeqNum: 7, Code: AckComplete})
	}()

	ack, err := task.Wait(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, AckComplete, ack.Code)
}

func TestWaitContextCancel(t *testing.T) {
	task := newCommandTask(7)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := task.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitAbort(t *testing.T) {
	task := newCommandTask(7)
	go func() {
		time.Sleep(20 * time.Millisecond)
		task.abort()
	}()
	_, err := task.Wait(context.Background(), time.Second)
	require.Error(t, err)
	var timeoutErr *AckTimeoutError
	assert.False(t, stderrors.As(err, &timeoutErr), "abort is a cancellation, not a timeout")
}

func TestNextAckStepwise(t *testing.T) {
	task := newCommandTask(7)
	task.deliver(Ack{SeqNum: 7, Code: AckReceived})
	task.deliver(Ack{SeqNum: 7, Code: AckInProgress, Remaining: time.Second})
	task.deliver(Ack{SeqNum: 7, Code: AckComplete})

	ctx := context.Background()
	ack, err := task.NextAck(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, AckReceived, ack.Code)

	ack, err = task.NextAck(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, AckInProgress, ack.Code)

	ack, err = task.NextAck(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, AckComplete, ack.Code)

	_, err = task.NextAck(ctx, 20*time.Millisecond)
	assert.Error(t, err, "no further acks after the terminal one")
}
