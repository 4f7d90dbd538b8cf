package catalog

import (
	"fmt"
	"math"
	"time"
)

// Message is one flat wire record: the stamped system header followed by
// topic-specific fields. Messages handed out by the read side are shared
// snapshots; readers must not mutate them.
type Message struct {
	// Identity of the publisher: component name, or user@host for a user.
	Identity string
	// Origin is the process id of the publisher.
	Origin int64
	// SentAt is stamped by the write side just before publishing.
	SentAt time.Time
	// ReceivedAt is stamped by the read loop on arrival.
	ReceivedAt time.Time
	// SeqNum correlates a command with its acknowledgements. For other
	// topics it is a per-writer counter.
	SeqNum int64
	// Index of the publishing component instance; 0 for non-indexed.
	Index int

	// Fields holds the topic-specific values keyed by field name.
	Fields map[string]any
}

// Clone returns a copy with its own Fields map. Field values are shared;
// they are treated as immutable once queued.
func (m *Message) Clone() *Message {
	out := *m
	out.Fields = make(map[string]any, len(m.Fields))
	for k, v := range m.Fields {
		out.Fields[k] = v
	}
	return &out
}

// String returns a field accessor coercing to string, with ok=false when
// the field is absent or of another type.
func (m *Message) String(name string) (string, bool) {
	v, ok := m.Fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns a field accessor coercing JSON numbers to int64.
func (m *Message) Int(name string) (int64, bool) {
	v, ok := m.Fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Float returns a field accessor coercing JSON numbers to float64.
func (m *Message) Float(name string) (float64, bool) {
	v, ok := m.Fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Bool returns a field accessor for boolean fields.
func (m *Message) Bool(name string) (bool, bool) {
	v, ok := m.Fields[name]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Describe returns a short one-line summary for log messages.
func (m *Message) Describe() string {
	return fmt.Sprintf("message(identity=%s, origin=%d, seq=%d, index=%d, %d fields)",
		m.Identity, m.Origin, m.SeqNum, m.Index, len(m.Fields))
}

// Timestamps cross the wire as float64 UTC unix seconds, matching the flat
// numeric record layout. Sub-microsecond precision is not preserved.

func timeToUnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func unixSecondsToTime(s float64) time.Time {
	if s == 0 || math.IsNaN(s) {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
