package topic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/controlbus/catalog"
	"github.com/c360/controlbus/config"
	"github.com/c360/controlbus/errors"
	"github.com/c360/controlbus/metric"
)

// CallbackPolicy controls how a read callback is invoked.
type CallbackPolicy int

const (
	// CallbackSerial invokes the callback inline on the read loop, one
	// message at a time, preserving arrival order.
	CallbackSerial CallbackPolicy = iota
	// CallbackConcurrent invokes the callback on its own goroutine per
	// message. Invocations are tracked and drained on Close.
	CallbackConcurrent
)

// ReadTopic is a read handle for one topic. A handle is either polled
// (Get/Aget for the latest value, Next/GetOldest/Flush for the queue) or
// driven by a single callback; the two modes are mutually exclusive.
type ReadTopic struct {
	info       *catalog.TopicInfo
	index      int
	queueLen   int
	maxHistory int
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu       sync.Mutex
	queue    []*catalog.Message
	latest   *catalog.Message
	closed   bool
	live     bool
	lastSent map[int]float64 // unix seconds of last accepted sample per index
	waiters  []chan struct{}
	callback func(*catalog.Message)
	policy   CallbackPolicy
	capacity *capacityChecker

	pending sync.WaitGroup // concurrent callback invocations in flight
}

// ReadOption is a functional option for configuring a ReadTopic.
type ReadOption func(*ReadTopic) error

// WithQueueLen sets the bounded queue capacity. Minimum config.MinQueueLen.
func WithQueueLen(n int) ReadOption {
	return func(r *ReadTopic) error {
		if n < config.MinQueueLen {
			return fmt.Errorf("queue length %d is below the minimum %d", n, config.MinQueueLen)
		}
		r.queueLen = n
		return nil
	}
}

// WithMaxHistory sets how many historical samples the handle wants
// replayed at startup. Zero means none.
func WithMaxHistory(n int) ReadOption {
	return func(r *ReadTopic) error {
		if n < 0 {
			return fmt.Errorf("max history %d must not be negative", n)
		}
		r.maxHistory = n
		return nil
	}
}

// WithIndex binds the handle to one index of an indexed component.
// Zero reads all indices.
func WithIndex(index int) ReadOption {
	return func(r *ReadTopic) error {
		if index < 0 {
			return fmt.Errorf("index %d must not be negative", index)
		}
		r.index = index
		return nil
	}
}

// WithReadLogger sets the logger for the handle.
func WithReadLogger(logger *slog.Logger) ReadOption {
	return func(r *ReadTopic) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}

// WithReadMetrics sets the metrics sink for the handle.
func WithReadMetrics(m *metric.Metrics) ReadOption {
	return func(r *ReadTopic) error {
		r.metrics = m
		return nil
	}
}

// NewReadTopic creates a read handle for a topic.
func NewReadTopic(info *catalog.TopicInfo, opts ...ReadOption) (*ReadTopic, error) {
	r := &ReadTopic{
		info:     info,
		queueLen: config.DefaultQueueLen,
		logger:   slog.Default(),
		lastSent: make(map[int]float64),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, errors.WrapInvalid(err, "ReadTopic", "NewReadTopic", "apply option")
		}
	}
	if r.maxHistory > r.queueLen {
		return nil, errors.WrapInvalid(
			fmt.Errorf("max history %d exceeds queue length %d", r.maxHistory, r.queueLen),
			"ReadTopic", "NewReadTopic", "validate history")
	}
	if r.maxHistory > 0 && info.Kind.Volatile() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%s topics do not keep history", info.Kind),
			"ReadTopic", "NewReadTopic", "validate history")
	}
	r.logger = r.logger.With("topic", info.Key(), "component", info.Component)
	r.capacity = newCapacityChecker(info.Key(), r.queueLen, r.logger)
	return r, nil
}

// Info returns the topic metadata of this handle.
func (r *ReadTopic) Info() *catalog.TopicInfo { return r.info }

// Index returns the bound index; 0 reads all indices.
func (r *ReadTopic) Index() int { return r.index }

// MaxHistory returns how many historical samples the handle wants.
func (r *ReadTopic) MaxHistory() int { return r.maxHistory }

// QueueLen returns the bounded queue capacity.
func (r *ReadTopic) QueueLen() int { return r.queueLen }

// HasData reports whether the handle has seen at least one sample.
func (r *ReadTopic) HasData() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest != nil
}

// Nqueued returns the current queue occupancy.
func (r *ReadTopic) Nqueued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Get returns the most recent sample without waiting, or nil if the
// handle has seen no data. The queue is not touched.
func (r *ReadTopic) Get() *catalog.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// Aget returns the most recent sample, waiting for the first one if the
// handle has seen no data yet. The queue is not touched.
func (r *ReadTopic) Aget(ctx context.Context) (*catalog.Message, error) {
	for {
		r.mu.Lock()
		if r.callback != nil {
			r.mu.Unlock()
			return nil, errors.WrapInvalid(errors.ErrCallbackSet, "ReadTopic", "Aget", "queue read with callback set")
		}
		if r.latest != nil {
			msg := r.latest
			r.mu.Unlock()
			return msg, nil
		}
		if r.closed {
			r.mu.Unlock()
			return nil, errors.WrapInvalid(errors.ErrClosed, "ReadTopic", "Aget", "handle closed")
		}
		ch := make(chan struct{})
		r.waiters = append(r.waiters, ch)
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "ReadTopic", "Aget", "wait for data")
		}
	}
}

// Next pops the oldest queued sample, waiting for one if the queue is
// empty. With flush true the queue is cleared first, so Next returns the
// next sample to arrive.
func (r *ReadTopic) Next(ctx context.Context, flush bool) (*catalog.Message, error) {
	if flush {
		if err := r.Flush(); err != nil {
			return nil, err
		}
	}
	for {
		r.mu.Lock()
		if r.callback != nil {
			r.mu.Unlock()
			return nil, errors.WrapInvalid(errors.ErrCallbackSet, "ReadTopic", "Next", "queue read with callback set")
		}
		if len(r.queue) > 0 {
			msg := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return msg, nil
		}
		if r.closed {
			r.mu.Unlock()
			return nil, errors.WrapInvalid(errors.ErrClosed, "ReadTopic", "Next", "handle closed")
		}
		ch := make(chan struct{})
		r.waiters = append(r.waiters, ch)
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "ReadTopic", "Next", "wait for data")
		}
	}
}

// GetOldest pops the oldest queued sample without waiting. It returns
// nil when the queue is empty.
func (r *ReadTopic) GetOldest() (*catalog.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callback != nil {
		return nil, errors.WrapInvalid(errors.ErrCallbackSet, "ReadTopic", "GetOldest", "queue read with callback set")
	}
	if len(r.queue) == 0 {
		return nil, nil
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}

// Flush discards all queued samples. The latest value is kept.
func (r *ReadTopic) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callback != nil {
		return errors.WrapInvalid(errors.ErrCallbackSet, "ReadTopic", "Flush", "queue read with callback set")
	}
	r.queue = r.queue[:0]
	return nil
}

// SetCallback installs a callback, replacing queue reads. Passing nil
// removes the callback and re-enables queue reads. Installing over an
// existing callback is an error; remove it first.
func (r *ReadTopic) SetCallback(fn func(*catalog.Message), policy CallbackPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		r.callback = nil
		return nil
	}
	if r.callback != nil {
		return errors.WrapInvalid(errors.ErrCallbackSet, "ReadTopic", "SetCallback", "callback already set")
	}
	if r.closed {
		return errors.WrapInvalid(errors.ErrClosed, "ReadTopic", "SetCallback", "handle closed")
	}
	r.callback = fn
	r.policy = policy
	// Pending samples go to the callback, not the queue.
	r.queue = r.queue[:0]
	return nil
}

// HasCallback reports whether a callback is installed.
func (r *ReadTopic) HasCallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callback != nil
}

// SetLive marks the handle as past historical replay. From now on
// samples older than the last accepted one for their index are dropped.
func (r *ReadTopic) SetLive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = true
}

// Deliver hands one decoded sample to the handle. Called by the
// transport read loop, in arrival order.
func (r *ReadTopic) Deliver(msg *catalog.Message) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	sent := float64(msg.SentAt.UnixNano()) / 1e9
	if r.live {
		if last, ok := r.lastSent[msg.Index]; ok && sent < last {
			r.mu.Unlock()
			r.logger.Warn("dropping sample older than the last seen for its index",
				"index", msg.Index, "seq_num", msg.SeqNum)
			return
		}
	}
	r.lastSent[msg.Index] = sent

	r.latest = msg

	if r.callback != nil {
		callback := r.callback
		policy := r.policy
		if policy == CallbackConcurrent {
			// Registered under the lock so Close cannot observe a
			// zero pending count before the goroutine starts.
			r.pending.Add(1)
		}
		r.notifyLocked()
		r.mu.Unlock()

		if policy == CallbackConcurrent {
			go func() {
				defer r.pending.Done()
				callback(msg)
			}()
		} else {
			callback(msg)
		}
	} else {
		if len(r.queue) >= r.queueLen {
			// Ring behavior: the oldest sample makes room, the
			// publisher is never throttled.
			r.queue = r.queue[1:]
			if r.metrics != nil {
				r.metrics.RecordEviction(r.info.Key())
			}
		}
		r.queue = append(r.queue, msg)
		r.capacity.check(len(r.queue))
		if r.metrics != nil {
			r.metrics.RecordQueueDepth(r.info.Key(), len(r.queue))
		}
		r.notifyLocked()
		r.mu.Unlock()
	}

	if r.metrics != nil {
		r.metrics.RecordRead(r.info.Key(), r.info.Kind.String())
	}
}

// notifyLocked wakes all waiters. Caller holds r.mu.
func (r *ReadTopic) notifyLocked() {
	for _, ch := range r.waiters {
		close(ch)
	}
	r.waiters = nil
}

// Close marks the handle closed, wakes blocked readers and waits for
// concurrent callback invocations to drain.
func (r *ReadTopic) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.notifyLocked()
	r.mu.Unlock()

	r.pending.Wait()
}
