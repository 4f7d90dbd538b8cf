package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/controlbus/config"
	"github.com/c360/controlbus/errors"
)

// Start creates the streams behind every opened handle, resolves the
// replay window of each read handle and launches the read loop. It
// returns once every handle that wants history has gone live. Handles
// opened after Start are rejected.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrClosed, "Transport", "Start", "check state")
	}
	if t.started {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Transport", "Start", "check state")
	}
	t.started = true
	t.loopCtx, t.loopCancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	go t.readLoop()

	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range t.streams {
		sc := sc
		g.Go(func() error {
			_, err := t.client.EnsureStream(gctx, sc)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return errors.WrapTransient(err, "Transport", "Start", "create streams")
	}

	for _, b := range t.bindings {
		if err := t.resolveReplay(ctx, b); err != nil {
			return err
		}
	}

	for _, b := range t.bindings {
		b := b
		stop, err := t.client.OrderedConsume(ctx, b.stream, b.consumer, func(m jetstream.Msg) {
			select {
			case t.loopCh <- &inbound{binding: b, msg: m}:
			case <-t.loopCtx.Done():
			}
		})
		if err != nil {
			t.loopCancel()
			return errors.WrapTransient(err, "Transport", "Start",
				fmt.Sprintf("consume stream %s", b.stream))
		}
		t.mu.Lock()
		t.stops = append(t.stops, stop)
		t.mu.Unlock()
	}

	for _, b := range t.bindings {
		select {
		case <-b.ready:
		case <-t.loopDone:
			err := t.Failed()
			if err == nil {
				err = fmt.Errorf("read loop stopped during replay")
			}
			return errors.WrapTransient(err, "Transport", "Start", "replay history")
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Transport", "Start", "wait for history")
		}
	}

	t.logger.Info("transport started", "readers", len(t.bindings), "streams", len(t.streams))
	return nil
}

// resolveReplay records the history watermark of one binding and picks
// its consumer start position. Handles without history go live at once.
func (t *Transport) resolveReplay(ctx context.Context, b *readBinding) error {
	if !b.wantHistory {
		b.consumer = jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverNewPolicy}
		b.handle.SetLive()
		close(b.ready)
		return nil
	}

	first, last, err := t.client.StreamBounds(ctx, b.stream)
	if err != nil {
		return errors.WrapTransient(err, "Transport", "Start",
			fmt.Sprintf("resolve history for %s", b.stream))
	}
	if last == 0 || first > last {
		// Empty or fully aged-out stream.
		b.consumer = jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverNewPolicy}
		b.handle.SetLive()
		close(b.ready)
		return nil
	}

	// An indexed topic is read far enough back to find every index;
	// a plain one only needs the requested depth.
	depth := uint64(b.handle.MaxHistory())
	if b.info.Indexed {
		depth = config.MaxHistoryRead
	}
	start := uint64(1)
	if last > depth {
		start = last - depth + 1
	}
	if start < first {
		start = first
	}

	b.historyEnd = last
	b.replay = newReplayBuffer(b.info, b.handle.Index(), b.handle.MaxHistory())
	b.replayStart = time.Now()
	b.consumer = jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:   start,
	}
	return nil
}

// readLoop drains the shared channel fed by every ordered consumer.
// All handle deliveries happen here, preserving broker order per topic.
func (t *Transport) readLoop() {
	defer close(t.loopDone)

	seqErrs := 0
	var lastBehindWarn time.Time

	for {
		select {
		case <-t.loopCtx.Done():
			return
		case in := <-t.loopCh:
			if n := len(t.loopCh); n >= cap(t.loopCh)*3/4 &&
				time.Since(lastBehindWarn) > behindWarnInterval {
				t.logger.Warn("read loop falling behind", "queued", n, "capacity", cap(t.loopCh))
				lastBehindWarn = time.Now()
			}

			meta, err := in.msg.Metadata()
			if err != nil {
				seqErrs++
				if t.metrics != nil {
					t.metrics.RecordReadLoopError()
				}
				t.logger.Warn("broker read error", "stream", in.binding.stream,
					"sequential", seqErrs, "error", err)
				if seqErrs > maxSequentialReadErrors {
					t.fail(errors.WrapFatal(err, "Transport", "readLoop",
						"too many sequential read errors"))
					return
				}
				continue
			}
			seqErrs = 0

			t.dispatch(in.binding, meta.Sequence.Stream, in.msg.Data())
		}
	}
}

// dispatch decodes one payload and routes it through replay or live
// delivery. Runs on the read loop goroutine.
func (t *Transport) dispatch(b *readBinding, streamSeq uint64, data []byte) {
	msg, err := t.catalog.Codec().Decode(data)
	if err != nil {
		b.decodeFails++
		if t.metrics != nil {
			t.metrics.RecordDecodeError(b.info.Key())
		}
		if b.decodeFails < decodeErrorLogLimit {
			t.logger.Warn("dropping undecodable message",
				"topic", b.info.Key(), "error", err)
		} else if b.decodeFails == decodeErrorLogLimit {
			t.logger.Warn("dropping undecodable message; suppressing further decode logs",
				"topic", b.info.Key(), "error", err)
		}
		// An undecodable watermark message must still end the replay.
		if b.replay != nil && streamSeq >= b.historyEnd {
			t.finishReplay(b)
		}
		return
	}
	b.decodeFails = 0
	msg.ReceivedAt = time.Now()

	if b.replay != nil {
		if streamSeq <= b.historyEnd {
			b.replay.add(msg)
		}
		if streamSeq >= b.historyEnd {
			t.finishReplay(b)
		}
		if streamSeq <= b.historyEnd {
			return
		}
	}

	if idx := b.handle.Index(); idx != 0 && msg.Index != idx {
		return
	}
	b.handle.Deliver(msg)
}

// finishReplay flushes buffered history into the handle and flips it
// live. The ready channel releases Start.
func (t *Transport) finishReplay(b *readBinding) {
	history := b.replay.drain()
	for _, msg := range history {
		b.handle.Deliver(msg)
	}
	b.handle.SetLive()
	b.replay = nil
	if t.metrics != nil {
		t.metrics.RecordReplayDuration(b.info.Key(), time.Since(b.replayStart))
	}
	t.logger.Debug("history replayed",
		"topic", b.info.Key(), "samples", len(history), "watermark", b.historyEnd)
	close(b.ready)
}

// fail records the terminal read loop error and stops the transport's
// inbound side. Writers keep failing through the broker client.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.failErr == nil {
		t.failErr = err
	}
	t.mu.Unlock()
	t.logger.Error("read loop failed", "error", err)
	t.loopCancel()
}
