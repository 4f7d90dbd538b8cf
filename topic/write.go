package topic

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/c360/controlbus/catalog"
	"github.com/c360/controlbus/errors"
	"github.com/c360/controlbus/metric"
)

// MaxSeqNum is the top of the shared sequence number keyspace. Command
// topics of one component split it into equal disjoint ranges so a
// sequence number identifies its command topic.
const MaxSeqNum = (1 << 31) - 1

// Publisher publishes an encoded record to a broker subject and returns
// the assigned stream sequence. Implemented by the transport write side.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) (uint64, error)
}

// seqGenerator allocates sequence numbers from a half-open range,
// wrapping inside the range. Not safe for concurrent use; the owning
// WriteTopic serializes access.
type seqGenerator struct {
	lo, hi int64
	next   int64
}

// newCommandSeqGenerator returns a generator for the command topic with
// the given ordinal among numCommands command topics. The initial value
// is random within the range so restarted issuers rarely collide with
// their previous incarnation.
func newCommandSeqGenerator(ordinal, numCommands int) *seqGenerator {
	incr := int64(MaxSeqNum / numCommands)
	lo := int64(ordinal)*incr + 1
	hi := lo + incr - 1
	return &seqGenerator{
		lo:   lo,
		hi:   hi,
		next: lo + rand.Int63n(incr),
	}
}

// newSeqGenerator returns a generator over the full keyspace starting at
// 1, for event and telemetry topics.
func newSeqGenerator() *seqGenerator {
	return &seqGenerator{lo: 1, hi: MaxSeqNum, next: 1}
}

func (g *seqGenerator) Next() int64 {
	v := g.next
	g.next++
	if g.next > g.hi {
		g.next = g.lo
	}
	return v
}

// WriteTopic is a write handle for one topic. Fields staged with Set
// persist between Puts, so writers publish full records while updating
// only what changed.
type WriteTopic struct {
	info      *catalog.TopicInfo
	subject   string
	codec     catalog.Codec
	validator *catalog.Validator
	identity  string
	origin    int64
	index     int
	pub       Publisher
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu     sync.Mutex
	seq    *seqGenerator
	staged map[string]any
}

// WriteOption is a functional option for configuring a WriteTopic.
type WriteOption func(*WriteTopic) error

// WithWriteIndex sets the index stamped on every record.
func WithWriteIndex(index int) WriteOption {
	return func(w *WriteTopic) error {
		if index < 0 {
			return fmt.Errorf("index %d must not be negative", index)
		}
		w.index = index
		return nil
	}
}

// WithValidator enables JSON-schema validation of outgoing records.
func WithValidator(v *catalog.Validator) WriteOption {
	return func(w *WriteTopic) error {
		w.validator = v
		return nil
	}
}

// WithCommandRange confines sequence allocation to the range of the
// command topic with the given ordinal among numCommands commands.
func WithCommandRange(ordinal, numCommands int) WriteOption {
	return func(w *WriteTopic) error {
		if numCommands < 1 || ordinal < 0 || ordinal >= numCommands {
			return fmt.Errorf("ordinal %d out of range for %d commands", ordinal, numCommands)
		}
		w.seq = newCommandSeqGenerator(ordinal, numCommands)
		return nil
	}
}

// WithWriteLogger sets the logger for the handle.
func WithWriteLogger(logger *slog.Logger) WriteOption {
	return func(w *WriteTopic) error {
		if logger != nil {
			w.logger = logger
		}
		return nil
	}
}

// WithWriteMetrics sets the metrics sink for the handle.
func WithWriteMetrics(m *metric.Metrics) WriteOption {
	return func(w *WriteTopic) error {
		w.metrics = m
		return nil
	}
}

// NewWriteTopic creates a write handle publishing to subject on behalf
// of identity/origin.
func NewWriteTopic(
	info *catalog.TopicInfo,
	subject string,
	codec catalog.Codec,
	pub Publisher,
	identity string,
	origin int64,
	opts ...WriteOption,
) (*WriteTopic, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("publisher must not be nil"),
			"WriteTopic", "NewWriteTopic", "validate publisher")
	}
	w := &WriteTopic{
		info:     info,
		subject:  subject,
		codec:    codec,
		identity: identity,
		origin:   origin,
		pub:      pub,
		logger:   slog.Default(),
		seq:      newSeqGenerator(),
		staged:   make(map[string]any),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, errors.WrapInvalid(err, "WriteTopic", "NewWriteTopic", "apply option")
		}
	}
	w.logger = w.logger.With("topic", info.Key(), "component", info.Component)
	return w, nil
}

// Info returns the topic metadata of this handle.
func (w *WriteTopic) Info() *catalog.TopicInfo { return w.info }

// Subject returns the broker subject this handle publishes to.
func (w *WriteTopic) Subject() string { return w.subject }

// NextSeq allocates the next sequence number from the handle's range.
// Command senders allocate before publishing so the in-flight record
// exists when the first ack arrives.
func (w *WriteTopic) NextSeq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq.Next()
}

// Set stages field values and reports whether any differed from the
// staged record. Floats compare NaN-equal so a NaN placeholder does not
// read as a perpetual change.
func (w *WriteTopic) Set(fields map[string]any) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setLocked(fields)
}

func (w *WriteTopic) setLocked(fields map[string]any) (bool, error) {
	changed := false
	for name, value := range fields {
		if !w.info.HasField(name) {
			return false, errors.WrapInvalid(
				fmt.Errorf("field %q is not declared on topic %s", name, w.info.Key()),
				"WriteTopic", "Set", "validate field")
		}
		old, had := w.staged[name]
		if !had || valueChanged(old, value) {
			changed = true
		}
		w.staged[name] = value
	}
	return changed, nil
}

// valueChanged reports whether next differs from prev, treating two NaN
// floats as equal.
func valueChanged(prev, next any) bool {
	pf, prevFloat := asFloat(prev)
	nf, nextFloat := asFloat(next)
	if prevFloat && nextFloat {
		if math.IsNaN(pf) && math.IsNaN(nf) {
			return false
		}
		return pf != nf
	}
	return prev != next
}

func asFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	}
	return 0, false
}

// Put stages any given fields, stamps the system fields and publishes
// the record. The stamped message is returned.
func (w *WriteTopic) Put(ctx context.Context, fields map[string]any) (*catalog.Message, error) {
	w.mu.Lock()
	if fields != nil {
		if _, err := w.setLocked(fields); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	}
	msg := &catalog.Message{
		Identity: w.identity,
		Origin:   w.origin,
		SentAt:   time.Now(),
		SeqNum:   w.seq.Next(),
		Index:    w.index,
		Fields:   make(map[string]any, len(w.staged)),
	}
	for name, value := range w.staged {
		msg.Fields[name] = value
	}
	w.mu.Unlock()

	return msg, w.publish(ctx, msg)
}

// PutSeq is Put with a caller-chosen sequence number. Acknowledgement
// writers use it to echo the sequence number of the command being
// acknowledged.
func (w *WriteTopic) PutSeq(ctx context.Context, seqNum int64, fields map[string]any) (*catalog.Message, error) {
	msg := &catalog.Message{
		Identity: w.identity,
		Origin:   w.origin,
		SentAt:   time.Now(),
		SeqNum:   seqNum,
		Index:    w.index,
		Fields:   make(map[string]any, len(fields)),
	}
	for name, value := range fields {
		if !w.info.HasField(name) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("field %q is not declared on topic %s", name, w.info.Key()),
				"WriteTopic", "PutSeq", "validate field")
		}
		msg.Fields[name] = value
	}
	return msg, w.publish(ctx, msg)
}

func (w *WriteTopic) publish(ctx context.Context, msg *catalog.Message) error {
	data, err := w.codec.Encode(msg)
	if err != nil {
		return errors.WrapInvalid(err, "WriteTopic", "Put", "encode record")
	}
	if w.validator != nil {
		if err := w.validator.Validate(data); err != nil {
			return err
		}
	}
	if _, err := w.pub.Publish(ctx, w.subject, data); err != nil {
		return errors.WrapTransient(err, "WriteTopic", "Put",
			fmt.Sprintf("publish to %s", w.subject))
	}
	if w.metrics != nil {
		w.metrics.RecordWrite(w.info.Key(), w.info.Kind.String())
	}
	return nil
}
