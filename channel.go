package hypergate

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/axvmm/hypergate/hvcall"
)

// Channel is a published IVC region: host pages owned by the registry for
// the channel's lifetime, plus the publisher's guest window for teardown.
type Channel struct {
	PublisherID uint32
	Key         uint64
	BaseHPA     HostAddr
	Size        uint64
	BaseGPA     GuestAddr
}

func newChannel(l *logrus.Logger, alloc PageAllocator, publisher uint32, key, size uint64, gpa GuestAddr) (*Channel, error) {
	pages := PagesFor(size)
	base, err := alloc.Allocate(pages)
	if err != nil {
		return nil, fmt.Errorf("allocating %d pages for VM[%d] channel %#x: %w", pages, publisher, key, hvcall.ErrNoMemory)
	}

	ch := &Channel{
		PublisherID: publisher,
		Key:         key,
		BaseHPA:     base,
		Size:        uint64(pages) * PageSize,
		BaseGPA:     gpa,
	}

	if arena, ok := alloc.(MemoryArena); ok {
		if mem, err := arena.Bytes(ch.BaseHPA, ch.Size); err == nil {
			clear(mem)
		}
	}

	if l.Level >= logrus.DebugLevel {
		l.WithField("channel", m{"publisherVMID": publisher, "key": key, "base": base, "size": ch.Size}).
			Debug("Allocated IVC channel")
	}
	return ch, nil
}

func (ch *Channel) release(l *logrus.Logger, alloc PageAllocator) {
	if l.Level >= logrus.DebugLevel {
		l.WithField("channel", m{"publisherVMID": ch.PublisherID, "key": ch.Key, "base": ch.BaseHPA, "size": ch.Size}).
			Debug("Releasing IVC channel")
	}
	alloc.Free(ch.BaseHPA, PagesFor(ch.Size))
}
