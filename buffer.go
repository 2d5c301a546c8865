package hypergate

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/axvmm/hypergate/hvcall"
)

// SharedBuffer is one direction of an inter-VM byte stream: a page-aligned,
// zero-initialized host region tagged with the two VMs sharing it. Immutable
// after allocation; the connection table is the only owner and the only
// caller of release.
type SharedBuffer struct {
	OwnerVMID uint32
	PeerVMID  uint32
	Base      HostAddr
	Size      uint64
}

func allocSharedBuffer(l *logrus.Logger, alloc PageAllocator, size uint64, owner, peer uint32) (SharedBuffer, error) {
	pages := PagesFor(size)
	base, err := alloc.Allocate(pages)
	if err != nil {
		return SharedBuffer{}, fmt.Errorf("allocating %d pages for VM[%d]->VM[%d] buffer: %w", pages, owner, peer, hvcall.ErrNoMemory)
	}

	b := SharedBuffer{
		OwnerVMID: owner,
		PeerVMID:  peer,
		Base:      base,
		Size:      uint64(pages) * PageSize,
	}

	// Freed pages come back dirty, never leak a previous tenant's bytes.
	if arena, ok := alloc.(MemoryArena); ok {
		if mem, err := arena.Bytes(b.Base, b.Size); err == nil {
			clear(mem)
		}
	}

	if l.Level >= logrus.DebugLevel {
		l.WithField("buffer", m{"base": b.Base, "size": b.Size, "ownerVMID": owner, "peerVMID": peer}).
			Debug("Allocated shared buffer")
	}
	return b, nil
}

// release returns the exact page range backing the buffer. Called exactly
// once per successful allocation, from inside the connection table's
// critical section while the owning entry is erased.
func (b *SharedBuffer) release(l *logrus.Logger, alloc PageAllocator) {
	if l.Level >= logrus.DebugLevel {
		l.WithField("buffer", m{"base": b.Base, "size": b.Size, "ownerVMID": b.OwnerVMID, "peerVMID": b.PeerVMID}).
			Debug("Releasing shared buffer")
	}
	alloc.Free(b.Base, PagesFor(b.Size))
}

func (b *SharedBuffer) String() string {
	return fmt.Sprintf("VM[%d]->VM[%d] base=%#x size=%d", b.OwnerVMID, b.PeerVMID, uint64(b.Base), b.Size)
}
