package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferCloneRelease(t *testing.T) {
	a := NewAllocator()
	b := a.NewFrom(RoleTxBulk, []byte{1, 2, 3, 4})
	assert.Equal(t, RoleTxBulk, b.Role())
	assert.Equal(t, 1, b.Refs())

	c := b.Clone()
	require.NotNil(t, c)
	assert.Equal(t, 2, b.Refs())
	assert.Equal(t, b.Bytes(), c.Bytes())

	assert.True(t, b.Release())
	assert.Nil(t, b.Bytes())
	assert.Equal(t, []byte{1, 2, 3, 4}, c.Bytes())
	assert.Equal(t, int64(1), a.Live())

	assert.True(t, c.Release())
	assert.Equal(t, int64(0), a.Live())
	assert.Equal(t, int64(0), a.Outstanding())
}

func TestBufferDoubleRelease(t *testing.T) {
	a := NewAllocator()
	b := a.New(RoleRx, 10)
	c := b.Clone()

	assert.True(t, b.Release())
	assert.False(t, b.Release())

	// The second release of b must not take c's reference with it
	assert.Equal(t, 1, c.Refs())
	assert.Equal(t, 10, c.Len())
	assert.True(t, c.Release())

	met := a.GetMetrics()
	assert.Equal(t, met.Acquired, met.Released)
	assert.Equal(t, int64(0), met.Underflows)
	assert.Nil(t, b.Clone())
}

func TestBufferTrim(t *testing.T) {
	a := NewAllocator()
	b := a.NewFrom(RoleRx, []byte{1, 2, 3, 4, 5})
	c := b.Clone()

	assert.NoError(t, c.Trim(2))
	assert.Equal(t, []byte{3, 4, 5}, c.Bytes())
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, b.Bytes())

	d := c.Clone()
	assert.Equal(t, []byte{3, 4, 5}, d.Bytes())

	assert.ErrorIs(t, c.Trim(4), ErrShort)

	b.Release()
	c.Release()
	d.Release()
	assert.ErrorIs(t, d.Trim(1), ErrReleased)
	assert.Equal(t, int64(0), a.Outstanding())
}

func TestBufferConcurrentRefs(t *testing.T) {
	a := NewAllocator()
	b := a.New(RoleRx, 64)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		c := b.Clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := c.Clone()
			d.Release()
			c.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, b.Refs())
	b.Release()

	met := a.GetMetrics()
	assert.Equal(t, met.Acquired, met.Released)
	assert.Equal(t, int64(1), met.Freed)
	assert.Equal(t, int64(0), met.BytesLive)
}

func TestBufferTruncate(t *testing.T) {
	a := NewAllocator()
	b := a.NewFrom(RoleRx, []byte{1, 2, 3, 4, 5, 6})

	assert.NoError(t, b.Trim(1))
	assert.NoError(t, b.Truncate(3))
	assert.Equal(t, []byte{2, 3, 4}, b.Bytes())

	c := b.Clone()
	assert.NoError(t, c.Trim(1))
	assert.Equal(t, []byte{3, 4}, c.Bytes())
	assert.Equal(t, []byte{2, 3, 4}, b.Bytes())

	assert.ErrorIs(t, c.Truncate(3), ErrShort)
	b.Release()
	c.Release()
	assert.Equal(t, int64(0), a.Outstanding())
}
