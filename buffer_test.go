package hypergate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axvmm/hypergate/test"
)

func TestSharedBufferRoundsToPages(t *testing.T) {
	l := test.NewLogger()
	alloc := NewArenaAllocator(l, 0x4000_0000, 16*PageSize)

	b, err := allocSharedBuffer(l, alloc, 100, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(PageSize), b.Size)
	assert.Equal(t, uint32(1), b.OwnerVMID)
	assert.Equal(t, uint32(2), b.PeerVMID)

	b2, err := allocSharedBuffer(l, alloc, PageSize+1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*PageSize), b2.Size)

	b.release(l, alloc)
	b2.release(l, alloc)
	assert.Equal(t, 0, alloc.Used())
}

func TestSharedBufferZeroed(t *testing.T) {
	l := test.NewLogger()
	alloc := NewArenaAllocator(l, 0x4000_0000, 4*PageSize)

	b, err := allocSharedBuffer(l, alloc, PageSize, 1, 2)
	require.NoError(t, err)

	mem, err := alloc.Bytes(b.Base, b.Size)
	require.NoError(t, err)
	for i := range mem {
		mem[i] = 0xff
	}
	b.release(l, alloc)

	// Reallocating the same pages must hand them back clean.
	b2, err := allocSharedBuffer(l, alloc, PageSize, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, b.Base, b2.Base)

	mem, err = alloc.Bytes(b2.Base, b2.Size)
	require.NoError(t, err)
	for _, x := range mem {
		if x != 0 {
			t.Fatalf("buffer not zeroed")
		}
	}
}

func TestSharedBufferAllocFailure(t *testing.T) {
	l := test.NewLogger()
	alloc := NewArenaAllocator(l, 0x4000_0000, PageSize)

	_, err := allocSharedBuffer(l, alloc, 2*PageSize, 1, 2)
	require.Error(t, err)
	assert.Equal(t, 0, alloc.Used())
}
