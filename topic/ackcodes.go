// Package topic implements the per-topic read and write handles of the
// bus: bounded read queues with latest-value access, stamped writes with
// sequence allocation, and the command/acknowledgement engine built on
// top of them.
package topic

// AckCode is a command acknowledgement code. Values are part of the wire
// protocol and shared with non-Go participants.
type AckCode int

// Acknowledgement codes. Positive codes report progress, negative codes
// report refusal or failure.
const (
	AckReceived     AckCode = 300
	AckInProgress   AckCode = 301
	AckStalled      AckCode = 302
	AckComplete     AckCode = 303
	AckNoPermission AckCode = -300
	AckNoAck        AckCode = -301
	AckFailed       AckCode = -302
	AckAborted      AckCode = -303
	AckTimedOut     AckCode = -304
)

// String returns the string representation of AckCode
func (c AckCode) String() string {
	switch c {
	case AckReceived:
		return "received"
	case AckInProgress:
		return "in_progress"
	case AckStalled:
		return "stalled"
	case AckComplete:
		return "complete"
	case AckNoPermission:
		return "no_permission"
	case AckNoAck:
		return "no_ack"
	case AckFailed:
		return "failed"
	case AckAborted:
		return "aborted"
	case AckTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether this code ends a command. Once a terminal
// acknowledgement is recorded no further acks follow for that sequence
// number.
func (c AckCode) Terminal() bool {
	switch c {
	case AckComplete, AckFailed, AckAborted, AckTimedOut,
		AckStalled, AckNoAck, AckNoPermission:
		return true
	default:
		return false
	}
}

// Bad reports whether this code is a terminal failure.
func (c AckCode) Bad() bool {
	return c.Terminal() && c != AckComplete
}
