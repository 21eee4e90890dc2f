// Package bufpool reuses fixed-capacity byte buffers across transfers
// and scans to keep per-request allocations flat.
package bufpool

import "sync"

// Pool hands out buffers backed by a shared capacity. Requested
// lengths above the pool capacity are allocated directly and never
// retained.
type Pool struct {
	pool    sync.Pool
	capSize int
}

// New creates a pool whose buffers hold up to capSize bytes.
func New(capSize int) *Pool {
	if capSize <= 0 {
		panic("bufpool: capacity must be positive")
	}
	return &Pool{
		capSize: capSize,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, capSize)
				return &b
			},
		},
	}
}

// Get returns a buffer of length n.
func (p *Pool) Get(n int) []byte {
	if n > p.capSize {
		return make([]byte, n)
	}
	buf := *p.pool.Get().(*[]byte)
	return buf[:n]
}

// Put returns a buffer obtained from Get. Oversized one-off buffers
// are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.capSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// Cap returns the pooled buffer capacity.
func (p *Pool) Cap() int {
	return p.capSize
}
