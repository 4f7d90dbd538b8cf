package topic

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// logCapture records every log entry so tests can assert on emitted
// levels without parsing output.
type logCapture struct {
	mu      sync.Mutex
	entries []slog.Record
}

func (h *logCapture) Enabled(context.Context, slog.Level) bool { return true }

func (h *logCapture) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, r)
	return nil
}

func (h *logCapture) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *logCapture) WithGroup(string) slog.Handler      { return h }

func (h *logCapture) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.entries {
		if r.Level == level {
			n++
		}
	}
	return n
}

func TestCapacityCheckerDefaultQueue(t *testing.T) {
	capture := &logCapture{}
	c := newCapacityChecker("tel_position", 100, slog.New(capture))

	// Warn levels for Q=100 are 10, 50 and 90; 100 is the error level.
	assert.Equal(t, []int{10, 50, 90}, c.warnLevels)

	c.check(5)
	assert.Equal(t, 0, capture.count(slog.LevelWarn))

	c.check(10)
	assert.Equal(t, 1, capture.count(slog.LevelWarn))

	// Hovering at the level does not repeat the warning.
	c.check(12)
	c.check(10)
	assert.Equal(t, 1, capture.count(slog.LevelWarn))

	c.check(50)
	assert.Equal(t, 2, capture.count(slog.LevelWarn))

	c.check(90)
	assert.Equal(t, 3, capture.count(slog.LevelWarn))

	c.check(100)
	assert.Equal(t, 1, capture.count(slog.LevelError))
	c.check(100)
	assert.Equal(t, 1, capture.count(slog.LevelError))

	// Dropping to half the triggering level re-arms it and reports
	// the recovery.
	c.check(50)
	assert.Equal(t, 1, capture.count(slog.LevelInfo))
	c.check(90)
	assert.Equal(t, 4, capture.count(slog.LevelWarn))
}

func TestCapacityCheckerMinimumQueue(t *testing.T) {
	capture := &logCapture{}
	c := newCapacityChecker("cmd_start", 10, slog.New(capture))

	// Warn levels for Q=10 are 5 and 9; no midpoint below Q=20.
	assert.Equal(t, []int{5, 9}, c.warnLevels)

	c.check(4)
	assert.Equal(t, 0, capture.count(slog.LevelWarn))
	c.check(5)
	assert.Equal(t, 1, capture.count(slog.LevelWarn))
	c.check(9)
	assert.Equal(t, 2, capture.count(slog.LevelWarn))
	c.check(10)
	assert.Equal(t, 1, capture.count(slog.LevelError))

	// Re-arm after draining.
	c.check(2)
	assert.Equal(t, 1, capture.count(slog.LevelInfo))
	c.check(5)
	assert.Equal(t, 3, capture.count(slog.LevelWarn))
}
