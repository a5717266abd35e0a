package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorExhaustion(t *testing.T) {
	alloc := NewPortAllocator(20000, 4)

	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		port, err := alloc.Allocate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 20000)
		assert.Less(t, port, 20004)
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}

	_, err := alloc.Allocate()
	assert.ErrorIs(t, err, ErrNoPortsAvailable)
	assert.Equal(t, 4, alloc.InUse())
}

func TestPortAllocatorRelease(t *testing.T) {
	alloc := NewPortAllocator(30000, 1)

	port, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 30000, port)

	alloc.Release(port)
	assert.Equal(t, 0, alloc.InUse())

	again, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, again)

	// Double release and foreign release are no-ops.
	alloc.Release(port)
	alloc.Release(port)
	alloc.Release(12345)
	assert.Equal(t, 0, alloc.InUse())
}
