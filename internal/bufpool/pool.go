// Package bufpool implements the bounded pool of fixed-size buffers
// shared between the archive-side mover and the frame-side read/write
// callbacks. It tracks, under one mutex, which buffers are free,
// which hold unconsumed "ready" payload keyed by transfer offset, and
// (implicitly, by absence from both lists) which are currently on loan
// to the frame or held by the mover.
package bufpool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrStaleHandle is the error a frame completion latches when it
// presents a buffer whose handle no longer matches the pool's record of
// it (Pool.Validate reports false) — the source's confirmed
// use-after-free bug (spec.md §9) made concrete as a refused operation
// instead of a crash.
var ErrStaleHandle = errors.New("bufpool: stale buffer handle")

// ErrAtCapacity is returned by TryGetFree when the pool is at its
// configured cap and has no free buffer to hand out; callers that can
// block should use GetOrAlloc instead.
var ErrAtCapacity = errors.New("bufpool: at capacity")

// Buffer is one fixed-size region plus the metadata needed to place it
// correctly in a transfer. Capacity is len(Data); only Data[:ValidLength]
// (starting at BufferOffset) is meaningful once the buffer is ready.
type Buffer struct {
	Data           []byte
	BufferOffset   int
	TransferOffset int64
	ValidLength    int

	handle uuid.UUID // zero once released; minted fresh on each checkout
}

// Handle identifies this checkout; it is invalidated on release. A
// caller holding a stale copy (the archive redelivering a pointer after
// the pool already reused it) is refused by Pool.Validate.
func (b *Buffer) Handle() uuid.UUID { return b.handle }

// Pool is a mutex+condvar protected aggregate of buffers. The zero
// value is not usable; construct with New.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	all   []*Buffer
	free  []*Buffer
	ready []*Buffer

	capacity     int
	bufferSize   int
	optConn      int
	chkCounter   int
	refreshEvery int
}

// New creates a pool that allocates buffers of bufferSize bytes, never
// growing all beyond capacity.
func New(bufferSize, capacity int) *Pool {
	p := &Pool{
		capacity:     capacity,
		bufferSize:   bufferSize,
		optConn:      capacity,
		refreshEvery: 100,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Stats reports the quiescent-point invariant tuple (spec.md §8
// invariant 3): len(free)+len(ready)+inFlight+held(mover) == len(all).
// inFlight and held are not tracked by the pool itself (buffers on loan
// are, definitionally, absent from both lists) — callers that need the
// full tuple add the count they are separately tracking.
func (p *Pool) Stats() (free, ready, all int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), len(p.ready), len(p.all)
}

// RefreshOptimal records a freshly-queried frame optimal-concurrency
// value. GetOrAlloc calls it about once per hundred invocations, with
// the value returned by its refreshOptimal argument. The recorded value
// does not bound allocation: GetOrAlloc and TryGetFree grow the pool up
// to the capacity given to New, whatever optimal concurrency was last
// recorded.
func (p *Pool) RefreshOptimal(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.optConn = n
	}
}

// tickRefreshCounter reports whether the caller's rate-limited
// counter (driven once per GetOrAlloc call) has reached the refresh
// interval, and advances it.
func (p *Pool) tickRefreshCounter() bool {
	p.chkCounter++
	if p.chkCounter >= p.refreshEvery {
		p.chkCounter = 0
		return true
	}
	return false
}

// allocBuffer is overridable by tests to simulate allocation failure.
var allocBuffer = func(size int) []byte { return make([]byte, size) }

// GetOrAlloc returns a free buffer, popping the free list if non-empty,
// else allocating a new one if the pool has not yet reached capacity,
// else blocking on the pool's condvar until one of those becomes true
// or ctx is cancelled. refreshOptimal, if non-nil, is called
// (unlocked) about once per hundred invocations and its result passed
// to RefreshOptimal; the allocation cap stays the capacity given to New.
func (p *Pool) GetOrAlloc(ctx context.Context, refreshOptimal func() (int, error)) (*Buffer, error) {
	p.mu.Lock()
	needRefresh := p.tickRefreshCounter()
	p.mu.Unlock()

	if needRefresh && refreshOptimal != nil {
		if n, err := refreshOptimal(); err == nil {
			p.RefreshOptimal(n)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if len(p.free) > 0 {
			b := p.free[len(p.free)-1]
			p.free = p.free[:len(p.free)-1]
			b.handle = uuid.New()
			return b, nil
		}
		if len(p.all) < p.capacity {
			b := &Buffer{Data: allocBuffer(p.bufferSize), handle: uuid.New()}
			p.all = append(p.all, b)
			return b, nil
		}
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.waitLocked(ctx)
	}
}

// TryGetFree returns a free buffer without blocking: the free list if
// non-empty, else a freshly allocated one if under capacity, else
// ErrAtCapacity. Used by callers that cannot afford to block on the
// pool's condvar — notably a mover callout topping up reads from its
// own goroutine, the only goroutine that can also drain the ready list
// back down to free buffers.
func (p *Pool) TryGetFree() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) > 0 {
		b := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		b.handle = uuid.New()
		return b, nil
	}
	if len(p.all) < p.capacity {
		b := &Buffer{Data: allocBuffer(p.bufferSize), handle: uuid.New()}
		p.all = append(p.all, b)
		return b, nil
	}
	return nil, ErrAtCapacity
}

// waitLocked blocks on the condvar, honoring ctx cancellation by waking
// periodically to recheck. Must be called with p.mu held; returns with
// it held.
func (p *Pool) waitLocked(ctx context.Context) {
	if ctx == nil {
		p.cond.Wait()
		return
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	p.cond.Wait()
	close(done)
}

// ReleaseFree returns an emptied buffer to the free list and wakes any
// waiter. It invalidates the buffer's handle.
func (p *Pool) ReleaseFree(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.handle = uuid.Nil
	b.ValidLength = 0
	b.TransferOffset = 0
	b.BufferOffset = 0
	p.free = append(p.free, b)
	p.cond.Broadcast()
}

// ReleaseReady tags b with the given transfer offset/length and moves
// it to the ready list, keyed for later lookup by FindReadyByOffset. It
// invalidates the buffer's handle: a ready buffer is addressed by
// offset, not by the checkout handle that produced it.
func (p *Pool) ReleaseReady(b *Buffer, transferOffset int64, validLength int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.handle = uuid.Nil
	b.TransferOffset = transferOffset
	b.ValidLength = validLength
	b.BufferOffset = 0
	p.ready = append(p.ready, b)
	p.cond.Broadcast()
}

// FindReadyByOffset does a linear search of the ready list for a buffer
// whose TransferOffset matches offset exactly, removing it from the
// list if found. The ready list is not required to be sorted (spec.md
// §4.1); lookups are always by exact offset.
func (p *Pool) FindReadyByOffset(offset int64) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.ready {
		if b.TransferOffset == offset {
			p.ready = append(p.ready[:i], p.ready[i+1:]...)
			return b, true
		}
	}
	return nil, false
}

// ReinsertReady puts a partially-consumed ready buffer back, e.g. after
// the mover callout has copied only a prefix of it. Offset/length
// reflect the buffer's remaining unconsumed span.
func (p *Pool) ReinsertReady(b *Buffer, transferOffset int64, bufferOffset, validLength int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.TransferOffset = transferOffset
	b.BufferOffset = bufferOffset
	b.ValidLength = validLength
	p.ready = append(p.ready, b)
}

// Validate reports whether handle still matches b's current checkout —
// false means the buffer has since been released and possibly reused,
// and the caller presenting handle must not touch b.Data.
func (p *Pool) Validate(b *Buffer, handle uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return handle != uuid.Nil && b.handle == handle
}
