package hypergate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axvmm/hypergate/test"
)

func newTestManager(t *testing.T, pages int) (*ConnectionManager, *ArenaAllocator) {
	l := test.NewLogger()
	alloc := NewArenaAllocator(l, 0x4000_0000, uint64(pages)*PageSize)
	return NewConnectionManager(l, alloc), alloc
}

func assertMirrored(t *testing.T, cm *ConnectionManager, a, b uint32) {
	t.Helper()

	fwd, bwd, ok := cm.Lookup(a, b)
	mfwd, mbwd, mok := cm.Lookup(b, a)
	require.Equal(t, ok, mok, "lookup(%d,%d) and lookup(%d,%d) must both exist or both be absent", a, b, b, a)
	if !ok {
		return
	}

	assert.Equal(t, fwd, mbwd)
	assert.Equal(t, bwd, mfwd)
	assert.Equal(t, a, fwd.OwnerVMID)
	assert.Equal(t, b, fwd.PeerVMID)
	assert.Equal(t, b, bwd.OwnerVMID)
	assert.Equal(t, a, bwd.PeerVMID)
}

func TestConnectionManagerSymmetry(t *testing.T) {
	cm, _ := newTestManager(t, 64)

	_, _, err := cm.Establish(1, 2, 4096)
	require.NoError(t, err)
	assertMirrored(t, cm, 1, 2)

	_, _, err = cm.Establish(1, 3, 4096)
	require.NoError(t, err)
	assertMirrored(t, cm, 1, 2)
	assertMirrored(t, cm, 1, 3)

	cm.Remove(2, 1)
	assertMirrored(t, cm, 1, 2)
	assertMirrored(t, cm, 1, 3)

	cm.Remove(1, 3)
	assertMirrored(t, cm, 1, 3)

	_, _, ok := cm.Lookup(1, 3)
	assert.False(t, ok)
	_, _, ok = cm.Lookup(3, 1)
	assert.False(t, ok)
}

func TestConnectionManagerRemoveIsIdempotent(t *testing.T) {
	cm, alloc := newTestManager(t, 64)

	cm.Remove(7, 9)
	assert.Equal(t, 0, cm.Len())
	assert.Equal(t, 0, alloc.Used())

	_, _, err := cm.Establish(7, 9, 4096)
	require.NoError(t, err)
	cm.Remove(7, 9)
	cm.Remove(7, 9)
	cm.Remove(9, 7)
	assert.Equal(t, 0, cm.Len())
	assert.Equal(t, 0, alloc.Used())
}

// Scenario: establish twice, remove once keeps the buffers alive; the second
// remove releases them.
func TestConnectionManagerRefcount(t *testing.T) {
	cm, alloc := newTestManager(t, 64)

	fwd1, bwd1, err := cm.Establish(1, 2, 4096)
	require.NoError(t, err)
	_, _, err = cm.Establish(1, 2, 4096)
	require.NoError(t, err)

	cm.Remove(1, 2)
	fwd, bwd, ok := cm.Lookup(1, 2)
	require.True(t, ok)
	assert.Equal(t, fwd1, fwd)
	assert.Equal(t, bwd1, bwd)
	assert.NotZero(t, fwd.Base)
	assert.NotZero(t, bwd.Base)

	cm.Remove(1, 2)
	_, _, ok = cm.Lookup(1, 2)
	assert.False(t, ok)
	assert.Equal(t, 0, alloc.Used())
}

func TestConnectionManagerNoReallocOnReuse(t *testing.T) {
	cm, alloc := newTestManager(t, 64)

	fwd1, bwd1, err := cm.Establish(1, 2, 4096)
	require.NoError(t, err)
	used := alloc.Used()

	// The peer establishing from its own perspective sees the same pages,
	// with forward and backward swapped.
	fwd2, bwd2, err := cm.Establish(2, 1, 4096)
	require.NoError(t, err)
	assert.Equal(t, bwd1.Base, fwd2.Base)
	assert.Equal(t, fwd1.Base, bwd2.Base)
	assert.Equal(t, used, alloc.Used())

	// Same perspective reuse returns identical descriptors.
	fwd3, bwd3, err := cm.Establish(1, 2, 4096)
	require.NoError(t, err)
	assert.Equal(t, fwd1, fwd3)
	assert.Equal(t, bwd1, bwd3)
	assert.Equal(t, used, alloc.Used())
}

func TestConnectionManagerAllocationFailure(t *testing.T) {
	// One page: the second buffer of the pair cannot be allocated.
	cm, alloc := newTestManager(t, 1)

	_, _, err := cm.Establish(1, 2, 4096)
	require.Error(t, err)

	// No partial entry, no leaked pages.
	assert.Equal(t, 0, cm.Len())
	assert.Equal(t, 0, alloc.Used())
	_, _, ok := cm.Lookup(1, 2)
	assert.False(t, ok)
}

func TestConnectionManagerRefcountEqualAcrossMirrors(t *testing.T) {
	cm, _ := newTestManager(t, 64)

	// Bump from both perspectives; either side's removes must account for
	// all of them.
	_, _, err := cm.Establish(1, 2, 4096)
	require.NoError(t, err)
	_, _, err = cm.Establish(2, 1, 4096)
	require.NoError(t, err)
	_, _, err = cm.Establish(1, 2, 4096)
	require.NoError(t, err)

	cm.Remove(2, 1)
	cm.Remove(2, 1)
	_, _, ok := cm.Lookup(1, 2)
	require.True(t, ok)

	cm.Remove(1, 2)
	_, _, ok = cm.Lookup(1, 2)
	assert.False(t, ok)
	_, _, ok = cm.Lookup(2, 1)
	assert.False(t, ok)
}

func TestConnectionManagerConcurrent(t *testing.T) {
	cm, alloc := newTestManager(t, 256)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a := uint32(n%4 + 1)
			b := uint32((n+1)%4 + 1)
			if a == b {
				b++
			}
			for j := 0; j < 100; j++ {
				_, _, err := cm.Establish(a, b, 4096)
				assert.NoError(t, err)
				cm.Remove(a, b)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, cm.Len())
	assert.Equal(t, 0, alloc.Used())
}
