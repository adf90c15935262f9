package buffer

import (
	"errors"
	"sync/atomic"
)

var ErrReleased = errors.New("buffer released")
var ErrShort = errors.New("buffer too short")

type Role uint8

const (
	RoleTxControl = Role(0)
	RoleTxBulk    = Role(1)
	RoleRx        = Role(2)
	RoleNone      = Role(0xff)
)

func (r Role) String() string {
	switch r {
	case RoleTxControl:
		return "TxControl"
	case RoleTxBulk:
		return "TxBulk"
	case RoleRx:
		return "Rx"
	}
	return "unknown"
}

type backing struct {
	alloc *Allocator
	role  Role
	data  []byte
	refs  atomic.Int32
}

/**
 * Buffer is one owned reference to a shared byte region.
 *
 * Each handle may be released exactly once. Clone is the only way to take
 * another reference, and hands back a new handle which must be released
 * separately. A released handle reads as empty.
 */
type Buffer struct {
	b       atomic.Pointer[backing]
	off     int
	end     int
	limited bool
}

func (b *Buffer) Clone() *Buffer {
	bk := b.b.Load()
	if bk == nil {
		return nil
	}
	bk.refs.Add(1)
	bk.alloc.acquired.Add(1)
	nb := &Buffer{off: b.off, end: b.end, limited: b.limited}
	nb.b.Store(bk)
	return nb
}

// Release drops this handle's reference. Returns false if the handle was
// already released.
func (b *Buffer) Release() bool {
	bk := b.b.Swap(nil)
	if bk == nil {
		return false
	}
	bk.alloc.released.Add(1)
	n := bk.refs.Add(-1)
	if n == 0 {
		bk.alloc.freed.Add(1)
		bk.alloc.bytesLive.Add(-int64(cap(bk.data)))
		bk.data = nil
	} else if n < 0 {
		bk.alloc.underflows.Add(1)
	}
	return true
}

func (b *Buffer) Released() bool {
	return b.b.Load() == nil
}

// Bytes returns the live view of the buffer, starting after any trimmed
// prefix. Nil once released.
func (b *Buffer) Bytes() []byte {
	bk := b.b.Load()
	if bk == nil {
		return nil
	}
	if b.limited {
		return bk.data[b.off:b.end]
	}
	return bk.data[b.off:]
}

func (b *Buffer) Len() int {
	return len(b.Bytes())
}

func (b *Buffer) Role() Role {
	bk := b.b.Load()
	if bk == nil {
		return RoleNone
	}
	return bk.role
}

// Refs returns the number of live handles sharing this buffer.
func (b *Buffer) Refs() int {
	bk := b.b.Load()
	if bk == nil {
		return 0
	}
	return int(bk.refs.Load())
}

// Trim drops n leading bytes from this handle's view. Other handles are not
// affected.
func (b *Buffer) Trim(n int) error {
	bk := b.b.Load()
	if bk == nil {
		return ErrReleased
	}
	if n < 0 || n > b.Len() {
		return ErrShort
	}
	b.off += n
	return nil
}

// Truncate limits this handle's view to its first n bytes.
func (b *Buffer) Truncate(n int) error {
	bk := b.b.Load()
	if bk == nil {
		return ErrReleased
	}
	if n < 0 || n > b.Len() {
		return ErrShort
	}
	b.end = b.off + n
	b.limited = true
	return nil
}
