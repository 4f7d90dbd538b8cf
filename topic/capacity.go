package topic

import (
	"log/slog"
	"sort"
)

// capacityChecker watches read queue occupancy and logs as the queue
// fills. Each threshold fires once and re-arms after occupancy drops to
// half the threshold that fired, so a queue hovering near a boundary
// does not spam the log.
type capacityChecker struct {
	topic    string
	queueLen int
	logger   *slog.Logger

	// warnLevels ascending; the queue length itself is the error level.
	warnLevels []int
	// active is the highest level currently triggered, 0 when armed.
	active int
}

func newCapacityChecker(topic string, queueLen int, logger *slog.Logger) *capacityChecker {
	levels := map[int]struct{}{}

	first := queueLen / 10
	if first < 5 {
		first = 5
	}
	if first > 10 {
		first = 10
	}
	levels[first] = struct{}{}
	if queueLen >= 20 {
		levels[queueLen/2] = struct{}{}
	}
	levels[queueLen * 9 / 10] = struct{}{}

	warnLevels := make([]int, 0, len(levels))
	for level := range levels {
		if level > 0 && level < queueLen {
			warnLevels = append(warnLevels, level)
		}
	}
	sort.Ints(warnLevels)

	return &capacityChecker{
		topic:      topic,
		queueLen:   queueLen,
		logger:     logger,
		warnLevels: warnLevels,
	}
}

// check is called with the queue occupancy after every push. The caller
// holds the queue lock so check never blocks.
func (c *capacityChecker) check(n int) {
	// Re-arm once occupancy falls to half the triggered level.
	if c.active > 0 && n <= c.active/2 {
		was := c.active
		c.active = 0
		for _, level := range c.warnLevels {
			if n >= level {
				c.active = level
			}
		}
		c.logger.Info("read queue drained below trigger level",
			"topic", c.topic, "queued", n, "level", was)
	}

	if n >= c.queueLen {
		if c.active < c.queueLen {
			c.active = c.queueLen
			c.logger.Error("read queue full; oldest data is being discarded",
				"topic", c.topic, "queue_len", c.queueLen)
		}
		return
	}

	triggered := 0
	for _, level := range c.warnLevels {
		if n >= level && level > c.active {
			triggered = level
		}
	}
	if triggered > 0 {
		c.active = triggered
		c.logger.Warn("reader falling behind",
			"topic", c.topic, "queued", n, "queue_len", c.queueLen)
	}
}
