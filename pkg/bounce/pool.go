// Package bounce implements the data path's bounce-buffer pool: a place to
// stage ciphertext/compressed bytes when the caller's own buffer can't be
// used directly (see spec §4.1).
package bounce

import (
	"fmt"
	"sync"

	"github.com/cuemby/bfscore/pkg/types"
)

// Buffer is one bounce page handed out by a Pool. Bytes is the slice the
// caller should read/write; it may be shorter than the backing allocation.
type Buffer struct {
	Bytes []byte

	backing []byte
	direct  bool
}

// Pool hands out byte slices sized up to maxBytes (encoded_extent_max).
// Acquire first tries a direct grab from a small fixed set of pre-warmed
// buffers; when that set is momentarily empty it falls back to a
// mutex-protected reserve pool that blocks until a buffer is available
// rather than failing, guaranteeing forward progress for any request
// within maxBytes. Each Buffer remembers which pool it came from so
// Release routes it back to the correct free list.
type Pool struct {
	maxBytes int

	directCh chan []byte

	mu           sync.Mutex
	cond         *sync.Cond
	reserveFree  [][]byte
	reserveCap   int
	reserveTotal int
}

// New creates a Pool with directCount pre-warmed direct buffers and a
// reserve pool capped at reserveCap additional buffers, all sized
// maxBytes.
func New(maxBytes, directCount, reserveCap int) *Pool {
	p := &Pool{
		maxBytes:   maxBytes,
		directCh:   make(chan []byte, directCount),
		reserveCap: reserveCap,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < directCount; i++ {
		p.directCh <- make([]byte, maxBytes)
	}
	return p
}

// MaxBytes returns the declared pool-backed maximum (encoded_extent_max).
func (p *Pool) MaxBytes() int {
	return p.maxBytes
}

// Acquire returns a Buffer whose Bytes field has length n, blocking until
// one is available. Requests within MaxBytes are guaranteed to eventually
// succeed; a request above MaxBytes is rejected immediately so the caller
// can retry with a smaller chunk, per spec §4.1.
func (p *Pool) Acquire(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("bounce: acquire requires n > 0, got %d", n)
	}
	if n > p.maxBytes {
		return nil, fmt.Errorf("bounce: requested %d bytes exceeds pool max %d, retry smaller: %w", n, p.maxBytes, types.ErrOutOfSpace)
	}

	select {
	case buf := <-p.directCh:
		return &Buffer{Bytes: buf[:n], backing: buf, direct: true}, nil
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.reserveFree) == 0 && p.reserveTotal >= p.reserveCap {
		select {
		case buf := <-p.directCh:
			return &Buffer{Bytes: buf[:n], backing: buf, direct: true}, nil
		default:
		}
		p.cond.Wait()
	}

	if len(p.reserveFree) > 0 {
		buf := p.reserveFree[len(p.reserveFree)-1]
		p.reserveFree = p.reserveFree[:len(p.reserveFree)-1]
		return &Buffer{Bytes: buf[:n], backing: buf}, nil
	}

	buf := make([]byte, p.maxBytes)
	p.reserveTotal++
	return &Buffer{Bytes: buf[:n], backing: buf}, nil
}

// TryAcquire behaves like Acquire but never blocks: if neither the direct
// set nor the reserve pool has a buffer immediately available, it returns
// ErrWouldBlock. Used by callers that set AllocNoWait and must not stall
// the data path waiting for bounce capacity.
func (p *Pool) TryAcquire(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("bounce: acquire requires n > 0, got %d", n)
	}
	if n > p.maxBytes {
		return nil, fmt.Errorf("bounce: requested %d bytes exceeds pool max %d, retry smaller: %w", n, p.maxBytes, types.ErrOutOfSpace)
	}

	select {
	case buf := <-p.directCh:
		return &Buffer{Bytes: buf[:n], backing: buf, direct: true}, nil
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.reserveFree) > 0 {
		buf := p.reserveFree[len(p.reserveFree)-1]
		p.reserveFree = p.reserveFree[:len(p.reserveFree)-1]
		return &Buffer{Bytes: buf[:n], backing: buf}, nil
	}
	if p.reserveTotal < p.reserveCap {
		buf := make([]byte, p.maxBytes)
		p.reserveTotal++
		return &Buffer{Bytes: buf[:n], backing: buf}, nil
	}

	return nil, fmt.Errorf("bounce: pool exhausted (%d reserve buffers in use): %w", p.reserveTotal, types.ErrWouldBlock)
}

// Release returns a Buffer to whichever pool it was acquired from.
func (p *Pool) Release(b *Buffer) {
	if b == nil || b.backing == nil {
		return
	}

	if b.direct {
		select {
		case p.directCh <- b.backing:
		default:
			// Direct set is already full (shouldn't happen under normal
			// use); drop it rather than block the releasing caller.
		}
		p.mu.Lock()
		p.cond.Signal()
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.reserveFree = append(p.reserveFree, b.backing)
	p.cond.Signal()
	p.mu.Unlock()
}
