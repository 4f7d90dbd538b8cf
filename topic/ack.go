package topic

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/controlbus/catalog"
	"github.com/c360/controlbus/errors"
)

// Ack is one command acknowledgement.
type Ack struct {
	// SeqNum is the sequence number of the acknowledged command.
	SeqNum int64
	Code   AckCode
	// ErrorCode is a command-defined error number; 0 unless the command failed.
	ErrorCode int
	// Result is an explanatory message, at most catalog.MaxResultLen chars.
	Result string
	// Identity and Origin echo the issuer of the command.
	Identity string
	Origin   int64
	// CmdType is the ordinal of the command in the component's sorted
	// command list.
	CmdType int
	// Remaining estimates how long the command still needs. Relevant
	// for in-progress acks, where it extends the issuer's deadline.
	Remaining time.Duration
}

// ackFromMessage builds an Ack from a decoded ack-topic record.
func ackFromMessage(msg *catalog.Message) Ack {
	code, _ := msg.Int(catalog.AckFieldCode)
	errCode, _ := msg.Int(catalog.AckFieldError)
	result, _ := msg.String(catalog.AckFieldResult)
	identity, _ := msg.String(catalog.AckFieldIdentity)
	origin, _ := msg.Int(catalog.AckFieldOrigin)
	cmdType, _ := msg.Int(catalog.AckFieldCmdType)
	remaining, _ := msg.Float(catalog.AckFieldRemaining)
	return Ack{
		SeqNum:    msg.SeqNum,
		Code:      AckCode(code),
		ErrorCode: int(errCode),
		Result:    result,
		Identity:  identity,
		Origin:    origin,
		CmdType:   int(cmdType),
		Remaining: time.Duration(remaining * float64(time.Second)),
	}
}

// fields returns the wire representation of the ack, truncating the
// result text to the protocol maximum.
func (a Ack) fields() map[string]any {
	result := a.Result
	if len(result) > catalog.MaxResultLen {
		result = result[:catalog.MaxResultLen]
	}
	return map[string]any{
		catalog.AckFieldCode:      int64(a.Code),
		catalog.AckFieldError:     int64(a.ErrorCode),
		catalog.AckFieldResult:    result,
		catalog.AckFieldIdentity:  a.Identity,
		catalog.AckFieldOrigin:    a.Origin,
		catalog.AckFieldCmdType:   int64(a.CmdType),
		catalog.AckFieldRemaining: a.Remaining.Seconds(),
	}
}

// AckError reports a terminal acknowledgement other than complete.
type AckError struct {
	Ack Ack
}

func (e *AckError) Error() string {
	return fmt.Sprintf("command %d terminated with %s (error=%d): %s",
		e.Ack.SeqNum, e.Ack.Code, e.Ack.ErrorCode, e.Ack.Result)
}

// AckTimeoutError reports that the wait for a terminal acknowledgement
// timed out. LastAck holds the last acknowledgement seen, or a synthetic
// no-ack if none arrived at all.
type AckTimeoutError struct {
	LastAck Ack
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for command %d; last ack %s",
		e.LastAck.SeqNum, e.LastAck.Code)
}

// ackBuffer bounds how many acks a task can hold before the issuer
// drains them. A well-behaved receiver sends a handful per command.
const ackBuffer = 16

// CommandTask tracks one issued command until its terminal
// acknowledgement.
type CommandTask struct {
	seqNum int64
	acks   chan Ack

	done    chan struct{} // closed when abort() runs
	lastAck Ack
}

func newCommandTask(seqNum int64) *CommandTask {
	return &CommandTask{
		seqNum:  seqNum,
		acks:    make(chan Ack, ackBuffer),
		done:    make(chan struct{}),
		lastAck: Ack{SeqNum: seqNum, Code: AckNoAck},
	}
}

// SeqNum returns the sequence number of the issued command.
func (t *CommandTask) SeqNum() int64 { return t.seqNum }

// deliver hands an ack to the task. When the issuer is not draining and
// the buffer fills, the oldest buffered ack is evicted so the most
// recent acks, the terminal one included, always survive.
func (t *CommandTask) deliver(ack Ack) {
	for {
		select {
		case t.acks <- ack:
			return
		default:
		}
		select {
		case <-t.acks:
		default:
		}
	}
}

// abort wakes any waiter with a cancellation.
func (t *CommandTask) abort() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

// NextAck returns the next acknowledgement within timeout. An
// in-progress ack carrying remaining time does NOT extend this single
// wait; stepwise issuers manage their own deadlines.
func (t *CommandTask) NextAck(ctx context.Context, timeout time.Duration) (Ack, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-t.acks:
		t.lastAck = ack
		return ack, nil
	case <-timer.C:
		return t.lastAck, errors.WrapTransient(&AckTimeoutError{LastAck: t.lastAck},
			"CommandTask", "NextAck", "wait for acknowledgement")
	case <-t.done:
		return t.lastAck, errors.WrapTransient(errors.ErrClosed,
			"CommandTask", "NextAck", "command aborted")
	case <-ctx.Done():
		return t.lastAck, errors.WrapTransient(ctx.Err(),
			"CommandTask", "NextAck", "wait for acknowledgement")
	}
}

// Wait blocks until the terminal acknowledgement. Each in-progress ack
// with remaining time extends the deadline by that amount, on top of
// whatever time was left. A non-complete terminal ack is returned
// together with an AckError; expiry returns an AckTimeoutError carrying
// the last ack seen.
func (t *CommandTask) Wait(ctx context.Context, timeout time.Duration) (Ack, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return t.lastAck, &AckTimeoutError{LastAck: t.lastAck}
		}
		timer := time.NewTimer(remaining)

		select {
		case ack := <-t.acks:
			timer.Stop()
			t.lastAck = ack
			if ack.Code == AckInProgress && ack.Remaining > 0 {
				deadline = deadline.Add(ack.Remaining)
			}
			if !ack.Code.Terminal() {
				continue
			}
			if ack.Code == AckComplete {
				return ack, nil
			}
			return ack, &AckError{Ack: ack}
		case <-timer.C:
			return t.lastAck, &AckTimeoutError{LastAck: t.lastAck}
		case <-t.done:
			timer.Stop()
			return t.lastAck, errors.WrapTransient(errors.ErrClosed,
				"CommandTask", "Wait", "command aborted")
		case <-ctx.Done():
			timer.Stop()
			return t.lastAck, errors.WrapTransient(ctx.Err(),
				"CommandTask", "Wait", "wait for acknowledgement")
		}
	}
}
