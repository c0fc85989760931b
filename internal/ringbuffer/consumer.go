// SPDX-License-Identifier: MIT
package ringbuffer

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	applog "github.com/nicolas-f/sonomkr-core/internal/log"
)

var (
	ErrAlreadyStarted = errors.New("ringbuffer: consumer already started")
	ErrInvalidBatch   = errors.New("ringbuffer: batch size must be in (0, capacity]")
)

// Result is the outcome of one Process call: either a number of consumed
// elements, or a request to retry without committing anything.
type Result struct {
	consumed int
	retry    bool
}

// Consumed reports that n elements were processed and can be released.
func Consumed(n int) Result {
	return Result{consumed: max(n, 0)}
}

// Retry reports that no progress could be made yet. The consumer waits for at
// least one more element than was available before calling Process again.
func Retry() Result {
	return Result{retry: true}
}

// Count returns the number of consumed elements. It is zero for Retry.
func (r Result) Count() int { return r.consumed }

// IsRetry reports whether the result asks for a retry.
func (r Result) IsRetry() bool { return r.retry }

// View is the data handed to a Processor for one cycle.
type View[T any] struct {
	Span
	Requested int // Batch size the consumer asked for.

	buf *RingBuffer[T]
}

// ContiguousLen returns how many of the first min(Requested, Available)
// unread elements lie before the physical end of the storage.
func (v View[T]) ContiguousLen() int {
	return v.buf.ContiguousLen(v.Position, min(v.Requested, v.Available))
}

// Copy copies up to min(len(dst), Available) unread elements into dst,
// wrapping as needed, and returns the count. It fails with ErrOverwritten when
// the writer lapped the reader after the span was handed out; a Processor
// returns that error as is and the consumer skips to the writer's position.
func (v View[T]) Copy(dst []T) (int, error) {
	return v.buf.CopyAt(v.Position, dst[:min(len(dst), v.Available)])
}

// Processor is the per-consumer processing hook.
// A non-nil error is a genuine failure and the consumer stops itself, except
// for ErrOverwritten, which only discards the cycle.
type Processor[T any] interface {
	Process(v View[T]) (Result, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc[T any] func(v View[T]) (Result, error)

// Process calls f(v).
func (f ProcessorFunc[T]) Process(v View[T]) (Result, error) {
	return f(v)
}

// Consumer registers a reader on a RingBuffer and runs a
// wait -> process -> commit loop on a dedicated goroutine locked to its OS thread.
//
// Lifecycle is single-activation: NewConsumer -> Start -> Pause/Close.
// The consumer must be closed before the buffer it reads from is closed.
type Consumer[T any] struct {
	name  string
	buf   *RingBuffer[T]
	id    ReaderID
	batch int
	proc  Processor[T]

	started  atomic.Bool
	running  atomic.Bool
	closed   atomic.Bool
	released atomic.Bool // Reader slot returned to the buffer.
	done     chan struct{}
	err      error // Written by the loop before done is closed.

	cycles  atomic.Uint64
	retries atomic.Uint64
	lapped  atomic.Uint64
	onRetry func()
}

// NewConsumer registers a reader on buf. The consumer requests batch elements
// per cycle.
func NewConsumer[T any](name string, buf *RingBuffer[T], batch int, proc Processor[T]) (*Consumer[T], error) {
	if buf == nil || proc == nil {
		return nil, fmt.Errorf("consumer %s: buffer and processor are required", name)
	}
	if batch <= 0 || batch > buf.Capacity() {
		return nil, fmt.Errorf("consumer %s: %w (got %d, capacity %d)", name, ErrInvalidBatch, batch, buf.Capacity())
	}

	id, err := buf.RegisterReader()
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", name, err)
	}

	return &Consumer[T]{
		name:  name,
		buf:   buf,
		id:    id,
		batch: batch,
		proc:  proc,
		done:  make(chan struct{}),
	}, nil
}

// OnRetry sets a callback invoked on every Retry. It must be set before Start.
func (c *Consumer[T]) OnRetry(fn func()) {
	c.onRetry = fn
}

// Start spawns the processing goroutine. Calling Start twice returns
// ErrAlreadyStarted, even after Pause.
func (c *Consumer[T]) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.running.Store(true)
	go c.run()
	return nil
}

// Pause asks the loop to stop and wakes it if it is blocked waiting for data.
// It does not wait for the goroutine to exit; use Close or Done for that.
func (c *Consumer[T]) Pause() {
	if c.released.Load() {
		return
	}
	c.running.Store(false)
	_ = c.buf.StopReader(c.id)
}

// Close stops the loop, waits for it to exit and releases the reader slot.
// It returns the processing error that stopped the consumer, if any.
// Later calls only return that error: the slot may belong to another reader.
func (c *Consumer[T]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return c.Err()
	}
	c.Pause()
	if c.started.Load() {
		<-c.done
	}
	err := c.buf.UnregisterReader(c.id)
	c.released.Store(true)
	if err != nil && !errors.Is(err, ErrUnknownReader) {
		return err
	}
	return c.Err()
}

// Done is closed when the processing goroutine has exited.
func (c *Consumer[T]) Done() <-chan struct{} {
	return c.done
}

// Err returns the processing error that stopped the consumer. It is nil while
// the consumer is running.
func (c *Consumer[T]) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Name returns the consumer name.
func (c *Consumer[T]) Name() string { return c.name }

// Reader returns the consumer's reader id.
func (c *Consumer[T]) Reader() ReaderID { return c.id }

// Cycles returns the number of committed processing cycles.
func (c *Consumer[T]) Cycles() uint64 { return c.cycles.Load() }

// Retries returns the number of Retry results.
func (c *Consumer[T]) Retries() uint64 { return c.retries.Load() }

// Lapped returns the number of cycles discarded because the writer overwrote
// the span while it was being processed.
func (c *Consumer[T]) Lapped() uint64 { return c.lapped.Load() }

// Overruns returns the number of elements this consumer lost to the writer.
func (c *Consumer[T]) Overruns() uint64 { return c.buf.Overruns(c.id) }

func (c *Consumer[T]) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	applog.Debugf("Consumer %s: started (reader %d, batch %d)", c.name, c.id, c.batch)
	want := c.batch
	for c.running.Load() {
		span, ok := c.buf.WaitToBeginRead(c.id, want)
		if !ok {
			break
		}

		res, err := c.proc.Process(View[T]{Span: span, Requested: c.batch, buf: c.buf})
		if errors.Is(err, ErrOverwritten) {
			// The cursor already sits where the writer moved it.
			c.lapped.Add(1)
			applog.Debugf("Consumer %s: lapped by the writer, skipping", c.name)
			want = c.batch
			if err := c.buf.EndRead(c.id, 0); err != nil {
				c.err = err
				return
			}
			continue
		}
		if err != nil {
			applog.Errorf("Consumer %s: processing failed, stopping: %v", c.name, err)
			c.err = err
			return
		}
		if res.retry {
			c.retries.Add(1)
			if c.onRetry != nil {
				c.onRetry()
			}
			want = min(span.Available+1, c.buf.Capacity())
			continue
		}

		want = c.batch
		if err := c.buf.EndRead(c.id, min(res.consumed, span.Available)); err != nil {
			c.err = err
			return
		}
		c.cycles.Add(1)
	}
	applog.Debugf("Consumer %s: stopped", c.name)
}
