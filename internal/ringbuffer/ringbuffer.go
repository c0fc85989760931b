// SPDX-License-Identifier: MIT
/*
Package ringbuffer implements a fixed-capacity circular buffer shared by one
writer and any number of independently paced readers.

Every reader owns a logical read cursor. The writer never waits for readers:
when a write would overwrite data a reader has not consumed yet, that reader is
moved forward (overwrite-oldest) and the number of lost elements is reported to
it on its next successful WaitToBeginRead, and accumulated in a per-reader
overrun counter.

Readers never alias the storage. CopyAt copies under the cursor lock and
refuses positions the writer has reclaimed or reserved, so a reader that is
lapped while it holds a span gets ErrOverwritten instead of newer data.

Thread Safety:
  - Exactly one goroutine may call BeginWrite, EndWrite and Write.
  - Each ReaderID must only be used from one goroutine at a time.
  - Cursors are guarded by a mutex paired with a sync.Cond. The writer fills
    its reserved region without the lock; readers copy everything else with it.
*/
package ringbuffer

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// DefaultMaxReaders is the number of reader slots allocated when WithMaxReaders
// is not given.
const DefaultMaxReaders = 16

var (
	ErrInvalidCapacity  = errors.New("ringbuffer: capacity must be positive")
	ErrCapacityExceeded = errors.New("ringbuffer: maximum number of readers reached")
	ErrUnknownReader    = errors.New("ringbuffer: unknown or inactive reader")
	ErrWriteTooLarge    = errors.New("ringbuffer: write larger than capacity")
	ErrWriteNotReserved = errors.New("ringbuffer: committed more than reserved")
	ErrClosed           = errors.New("ringbuffer: buffer is closed")
	ErrOverwritten      = errors.New("ringbuffer: data overwritten by the writer")
)

// ReaderID identifies a registered reader. IDs are reused only after the
// previous holder has been unregistered.
type ReaderID int

// Span describes the unread data handed to a reader by WaitToBeginRead.
type Span struct {
	Position  uint64 // Logical position of the first unread element.
	Available int    // Unread elements at wake-up time, always >= the requested count.
	Overrun   uint64 // Elements lost to the writer since the previous successful wait.
}

// Region is a write reservation. Second is non-empty only when the reservation
// wraps past the physical end of the storage.
type Region[T any] struct {
	First  []T
	Second []T
}

// Len returns the number of reserved slots.
func (r Region[T]) Len() int {
	return len(r.First) + len(r.Second)
}

type readerSlot struct {
	cursor   uint64 // Next unread logical position.
	reading  uint64 // Position handed out by the last successful wait.
	pending  uint64 // Overrun not yet reported to the reader.
	active   bool
	stopped  bool
	overruns atomic.Uint64

	_ cpu.CacheLinePad
}

type options struct {
	maxReaders int
	onOverrun  func(ReaderID, uint64)
}

// Option configures a RingBuffer at construction time.
type Option func(*options)

// WithMaxReaders sets the number of reader slots.
func WithMaxReaders(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxReaders = n
		}
	}
}

// WithOverrunHook registers fn to be called from the writer goroutine each time
// a reader loses data. fn must not block and must not call back into the buffer.
// Elements a reader copied before they were overwritten but committed later
// are reported to fn, not to the reader.
func WithOverrunHook(fn func(reader ReaderID, lost uint64)) Option {
	return func(o *options) {
		o.onOverrun = fn
	}
}

// RingBuffer is a single-writer, multi-reader circular buffer of T.
type RingBuffer[T any] struct {
	storage  []T
	capacity uint64

	mu        sync.Mutex
	cond      *sync.Cond
	write     uint64 // Next logical write position.
	reserved  int    // Slots reserved by the pending BeginWrite.
	closed    bool
	readers   []readerSlot
	onOverrun func(ReaderID, uint64)
}

// New allocates a RingBuffer holding capacity elements.
func New[T any](capacity int, opts ...Option) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	o := options{maxReaders: DefaultMaxReaders}
	for _, opt := range opts {
		opt(&o)
	}

	rb := &RingBuffer[T]{
		storage:   make([]T, capacity),
		capacity:  uint64(capacity),
		readers:   make([]readerSlot, o.maxReaders),
		onOverrun: o.onOverrun,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb, nil
}

// Capacity returns the number of elements the buffer holds.
func (rb *RingBuffer[T]) Capacity() int {
	return int(rb.capacity)
}

// RegisterReader allocates a reader whose cursor starts at the current write
// position, so it only ever observes data written after registration.
func (rb *RingBuffer[T]) RegisterReader() (ReaderID, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return -1, ErrClosed
	}
	for i := range rb.readers {
		r := &rb.readers[i]
		if r.active {
			continue
		}
		r.cursor = rb.write
		r.reading = rb.write
		r.pending = 0
		r.stopped = false
		r.active = true
		r.overruns.Store(0)
		return ReaderID(i), nil
	}
	return -1, ErrCapacityExceeded
}

// UnregisterReader releases the reader slot. A goroutine blocked in
// WaitToBeginRead for this reader is woken and returns false.
func (rb *RingBuffer[T]) UnregisterReader(id ReaderID) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	r, err := rb.slot(id)
	if err != nil {
		return err
	}
	r.active = false
	r.stopped = true
	rb.cond.Broadcast()
	return nil
}

// StopReader signals the reader to stop. Pending and future WaitToBeginRead
// calls for id return false until the reader is unregistered.
func (rb *RingBuffer[T]) StopReader(id ReaderID) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	r, err := rb.slot(id)
	if err != nil {
		return err
	}
	r.stopped = true
	rb.cond.Broadcast()
	return nil
}

// Close stops every reader and refuses new registrations.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.closed = true
	for i := range rb.readers {
		rb.readers[i].stopped = true
	}
	rb.cond.Broadcast()
}

// BeginWrite reserves n slots for the writer. Readers whose unread data lies in
// the reserved slots are moved forward and charged with an overrun.
func (rb *RingBuffer[T]) BeginWrite(n int) (Region[T], error) {
	if n < 0 || uint64(n) > rb.capacity {
		return Region[T]{}, ErrWriteTooLarge
	}

	rb.mu.Lock()
	end := rb.write + uint64(n)
	for i := range rb.readers {
		r := &rb.readers[i]
		if !r.active || end-r.cursor <= rb.capacity {
			continue
		}
		lost := end - rb.capacity - r.cursor
		r.cursor += lost
		r.pending += lost
		r.overruns.Add(lost)
		if rb.onOverrun != nil {
			rb.onOverrun(ReaderID(i), lost)
		}
	}
	rb.reserved = n
	offset := rb.write % rb.capacity
	rb.mu.Unlock()

	first := min(uint64(n), rb.capacity-offset)
	return Region[T]{
		First:  rb.storage[offset : offset+first],
		Second: rb.storage[:uint64(n)-first],
	}, nil
}

// EndWrite publishes n of the reserved slots to readers and wakes any reader
// waiting for data.
func (rb *RingBuffer[T]) EndWrite(n int) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n < 0 || n > rb.reserved {
		return ErrWriteNotReserved
	}
	rb.write += uint64(n)
	rb.reserved = 0
	rb.cond.Broadcast()
	return nil
}

// Write copies src into the buffer in chunks of at most Capacity elements.
func (rb *RingBuffer[T]) Write(src []T) (int, error) {
	written := 0
	for len(src) > 0 {
		n := min(len(src), int(rb.capacity))
		region, err := rb.BeginWrite(n)
		if err != nil {
			return written, err
		}
		k := copy(region.First, src[:n])
		copy(region.Second, src[k:n])
		if err := rb.EndWrite(n); err != nil {
			return written, err
		}
		written += n
		src = src[n:]
	}
	return written, nil
}

// WaitToBeginRead blocks until at least n elements are unread for the reader,
// or until the reader is stopped or the buffer closed, in which case it returns
// false. n is clamped to [1, Capacity].
func (rb *RingBuffer[T]) WaitToBeginRead(id ReaderID, n int) (Span, bool) {
	want := uint64(max(n, 1))
	if want > rb.capacity {
		want = rb.capacity
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	r, err := rb.slot(id)
	if err != nil {
		return Span{}, false
	}
	for !r.stopped && rb.write-r.cursor < want {
		rb.cond.Wait()
	}
	if r.stopped {
		return Span{}, false
	}

	span := Span{
		Position:  r.cursor,
		Available: int(rb.write - r.cursor),
		Overrun:   r.pending,
	}
	r.pending = 0
	r.reading = r.cursor
	return span, true
}

// EndRead commits n elements read from the span returned by the last
// WaitToBeginRead. If the writer overtook the reader in the meantime the
// cursor never moves backwards: it ends at the later of the writer's position
// and the committed one. Committed elements the writer had charged as lost
// are taken back from the reader's overrun, since they were copied in time.
func (rb *RingBuffer[T]) EndRead(id ReaderID, n int) error {
	if n < 0 {
		n = 0
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	r, err := rb.slot(id)
	if err != nil {
		return err
	}
	target := min(r.reading+uint64(n), rb.write)
	if r.cursor > r.reading && target > r.reading {
		refund := min(target, r.cursor) - r.reading
		r.pending -= min(refund, r.pending)
		r.overruns.Add(^(refund - 1))
	}
	if target > r.cursor {
		r.cursor = target
	}
	return nil
}

// ContiguousLen returns how many of the n elements starting at logical
// position pos lie before the physical end of the storage.
func (rb *RingBuffer[T]) ContiguousLen(pos uint64, n int) int {
	offset := pos % rb.capacity
	return int(min(offset+uint64(max(n, 0)), rb.capacity) - offset)
}

// CopyAt copies up to len(dst) committed elements starting at logical position
// pos into dst, wrapping around the end of the storage, and returns the count.
// It returns ErrOverwritten when pos has been reclaimed by the writer, either
// overwritten or reserved by a pending BeginWrite.
func (rb *RingBuffer[T]) CopyAt(pos uint64, dst []T) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if limit := rb.write + uint64(rb.reserved); limit > rb.capacity && pos < limit-rb.capacity {
		return 0, ErrOverwritten
	}
	if pos >= rb.write {
		return 0, nil
	}
	dst = dst[:min(uint64(len(dst)), rb.write-pos)]

	offset := pos % rb.capacity
	k := copy(dst, rb.storage[offset:])
	k += copy(dst[k:], rb.storage[:len(dst)-k])
	return k, nil
}

// WriteCursor returns the logical position of the next element to be written.
func (rb *RingBuffer[T]) WriteCursor() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.write
}

// Overruns returns the total number of elements the reader has lost.
func (rb *RingBuffer[T]) Overruns(id ReaderID) uint64 {
	if id < 0 || int(id) >= len(rb.readers) {
		return 0
	}
	return rb.readers[id].overruns.Load()
}

// Backlog returns the number of elements the reader has not consumed yet.
func (rb *RingBuffer[T]) Backlog(id ReaderID) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	r, err := rb.slot(id)
	if err != nil {
		return 0
	}
	return int(rb.write - r.cursor)
}

// Readers returns the number of registered readers.
func (rb *RingBuffer[T]) Readers() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := 0
	for i := range rb.readers {
		if rb.readers[i].active {
			n++
		}
	}
	return n
}

// slot must be called with rb.mu held.
func (rb *RingBuffer[T]) slot(id ReaderID) (*readerSlot, error) {
	if id < 0 || int(id) >= len(rb.readers) || !rb.readers[id].active {
		return nil, ErrUnknownReader
	}
	return &rb.readers[id], nil
}
