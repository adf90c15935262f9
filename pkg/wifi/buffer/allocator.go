package buffer

import "sync/atomic"

var Default = NewAllocator()

// Allocator hands out buffers and counts every reference taken and dropped.
type Allocator struct {
	allocated  atomic.Int64
	freed      atomic.Int64
	acquired   atomic.Int64
	released   atomic.Int64
	underflows atomic.Int64
	bytesLive  atomic.Int64
}

type Snapshot struct {
	Allocated  int64
	Freed      int64
	Acquired   int64
	Released   int64
	Underflows int64
	BytesLive  int64
}

func NewAllocator() *Allocator {
	return &Allocator{}
}

func (a *Allocator) New(role Role, size int) *Buffer {
	bk := &backing{
		alloc: a,
		role:  role,
		data:  make([]byte, size),
	}
	bk.refs.Store(1)
	a.allocated.Add(1)
	a.acquired.Add(1)
	a.bytesLive.Add(int64(size))
	b := &Buffer{}
	b.b.Store(bk)
	return b
}

func (a *Allocator) NewFrom(role Role, data []byte) *Buffer {
	b := a.New(role, len(data))
	copy(b.Bytes(), data)
	return b
}

// Outstanding is the number of references acquired and not yet released.
func (a *Allocator) Outstanding() int64 {
	return a.acquired.Load() - a.released.Load()
}

// Live is the number of buffers not yet freed.
func (a *Allocator) Live() int64 {
	return a.allocated.Load() - a.freed.Load()
}

func (a *Allocator) GetMetrics() *Snapshot {
	return &Snapshot{
		Allocated:  a.allocated.Load(),
		Freed:      a.freed.Load(),
		Acquired:   a.acquired.Load(),
		Released:   a.released.Load(),
		Underflows: a.underflows.Load(),
		BytesLive:  a.bytesLive.Load(),
	}
}
