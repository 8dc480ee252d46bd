package media

import "sync"

// PoolStats is a point-in-time view of a FramePool.
type PoolStats struct {
	Capacity int
	InUse    int
	Misses   int64
}

// FramePool is a fixed set of pre-allocated frames shared between a producer
// goroutine and a consumer goroutine. Acquire never allocates a new slot: when
// every frame is claimed it returns nil and the caller drops or retries.
type FramePool struct {
	mu     sync.Mutex
	frames []*Frame
	misses int64
}

// NewFramePool pre-allocates n frames of defaultSize bytes each. A pool with
// n <= 0 is valid but empty; every Acquire on it returns nil.
func NewFramePool(n, defaultSize int) *FramePool {
	p := &FramePool{}
	if n <= 0 {
		return p
	}
	if defaultSize < 0 {
		defaultSize = 0
	}
	p.frames = make([]*Frame, n)
	for i := range p.frames {
		p.frames[i] = &Frame{ID: i, Buf: make([]byte, defaultSize)}
	}
	return p
}

// Acquire claims a free frame, copies data into it and returns it. The
// smallest free frame whose capacity fits data is preferred; when none fits,
// any free frame is grown. Returns nil when the pool is exhausted.
func (p *FramePool) Acquire(data []byte) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(data)
	var best, fallback *Frame
	for _, f := range p.frames {
		if f.consumable {
			continue
		}
		if cap(f.Buf) >= n {
			if best == nil || cap(f.Buf) < cap(best.Buf) {
				best = f
			}
		} else if fallback == nil {
			fallback = f
		}
	}

	f := best
	if f == nil {
		f = fallback
	}
	if f == nil {
		p.misses++
		return nil
	}

	if cap(f.Buf) < n {
		f.Buf = make([]byte, n)
	}
	f.Buf = f.Buf[:cap(f.Buf)]
	copy(f.Buf, data)
	f.Len = n
	f.PTS = 0
	f.Width = 0
	f.Height = 0
	f.Flags = 0
	f.consumable = true
	return f
}

// Release returns a frame to the pool. Releasing a nil frame or a frame that
// is already free is a no-op.
func (p *FramePool) Release(f *Frame) {
	if f == nil {
		return
	}
	p.mu.Lock()
	f.consumable = false
	p.mu.Unlock()
}

// Stats returns the pool capacity, the number of claimed frames and the
// number of Acquire calls that found no free frame.
func (p *FramePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{Capacity: len(p.frames), Misses: p.misses}
	for _, f := range p.frames {
		if f.consumable {
			s.InUse++
		}
	}
	return s
}
