package hypergate

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/axvmm/hypergate/hvcall"
)

// chanKey identifies a channel by its publisher and key.
type chanKey struct {
	vmID uint32
	key  uint64
}

type chanState struct {
	ch *Channel

	// subscriber VM id -> the guest window it mapped the channel at, needed
	// to hand the window back on unsubscribe.
	subscribers map[uint32]GuestAddr

	// set once the publisher unpublishes; the host pages then live only as
	// long as the remaining subscribers.
	unpublished bool
}

// MemRegistry is the in-memory ChannelRegistry. The publisher owns the
// channel's lifetime; its host pages are returned to the arena when the
// publisher has unpublished and the last subscriber is gone.
type MemRegistry struct {
	syncMutex
	channels map[chanKey]*chanState
	alloc    PageAllocator

	l *logrus.Logger
}

func NewMemRegistry(l *logrus.Logger, alloc PageAllocator) *MemRegistry {
	return &MemRegistry{
		syncMutex: newSyncMutex("channel-registry"),
		channels:  make(map[chanKey]*chanState),
		alloc:     alloc,
		l:         l,
	}
}

func (r *MemRegistry) RegisterChannel(vmID uint32, key uint64, ch *Channel) error {
	r.Lock()
	defer r.Unlock()

	k := chanKey{vmID, key}
	if st, ok := r.channels[k]; ok {
		if st.unpublished {
			// The old channel is draining; its pages belong to the remaining
			// subscribers until the last one detaches.
			return fmt.Errorf("VM[%d] channel %#x still has %d subscribers: %w", vmID, key, len(st.subscribers), hvcall.ErrInvalidInput)
		}
		return fmt.Errorf("VM[%d] already published channel %#x: %w", vmID, key, hvcall.ErrInvalidInput)
	}
	r.channels[k] = &chanState{
		ch:          ch,
		subscribers: make(map[uint32]GuestAddr),
	}

	r.l.WithField("channel", m{"publisherVMID": vmID, "key": key, "size": ch.Size}).
		Info("Registered IVC channel")
	return nil
}

func (r *MemRegistry) Unpublish(vmID uint32, key uint64) (GuestAddr, uint64, error) {
	r.Lock()
	defer r.Unlock()

	k := chanKey{vmID, key}
	st, ok := r.channels[k]
	if !ok || st.unpublished {
		return 0, 0, fmt.Errorf("VM[%d] channel %#x: %w", vmID, key, hvcall.ErrNotFound)
	}

	st.unpublished = true
	gpa, size := st.ch.BaseGPA, st.ch.Size
	if len(st.subscribers) == 0 {
		st.ch.release(r.l, r.alloc)
		delete(r.channels, k)
	}

	r.l.WithField("channel", m{"publisherVMID": vmID, "key": key, "liveSubscribers": len(st.subscribers)}).
		Info("Unpublished IVC channel")
	return gpa, size, nil
}

func (r *MemRegistry) ChannelSize(publisherID uint32, key uint64) (uint64, error) {
	r.Lock()
	defer r.Unlock()

	st, ok := r.channels[chanKey{publisherID, key}]
	if !ok || st.unpublished {
		return 0, fmt.Errorf("VM[%d] channel %#x: %w", publisherID, key, hvcall.ErrNotFound)
	}
	return st.ch.Size, nil
}

func (r *MemRegistry) Subscribe(publisherID uint32, key uint64, subscriberID uint32, gpa GuestAddr) (HostAddr, uint64, error) {
	r.Lock()
	defer r.Unlock()

	st, ok := r.channels[chanKey{publisherID, key}]
	if !ok || st.unpublished {
		return 0, 0, fmt.Errorf("VM[%d] channel %#x: %w", publisherID, key, hvcall.ErrNotFound)
	}
	if _, ok := st.subscribers[subscriberID]; ok {
		return 0, 0, fmt.Errorf("VM[%d] already subscribed to VM[%d] channel %#x: %w", subscriberID, publisherID, key, hvcall.ErrInvalidInput)
	}

	st.subscribers[subscriberID] = gpa

	r.l.WithField("channel", m{"publisherVMID": publisherID, "key": key, "subscriberVMID": subscriberID, "subscribers": len(st.subscribers)}).
		Info("Subscribed to IVC channel")
	return st.ch.BaseHPA, st.ch.Size, nil
}

func (r *MemRegistry) Unsubscribe(publisherID uint32, key uint64, subscriberID uint32) (GuestAddr, uint64, error) {
	r.Lock()
	defer r.Unlock()

	k := chanKey{publisherID, key}
	st, ok := r.channels[k]
	if !ok {
		return 0, 0, fmt.Errorf("VM[%d] channel %#x: %w", publisherID, key, hvcall.ErrNotFound)
	}
	gpa, ok := st.subscribers[subscriberID]
	if !ok {
		return 0, 0, fmt.Errorf("VM[%d] not subscribed to VM[%d] channel %#x: %w", subscriberID, publisherID, key, hvcall.ErrNotFound)
	}

	delete(st.subscribers, subscriberID)
	if st.unpublished && len(st.subscribers) == 0 {
		st.ch.release(r.l, r.alloc)
		delete(r.channels, k)
	}

	r.l.WithField("channel", m{"publisherVMID": publisherID, "key": key, "subscriberVMID": subscriberID, "subscribers": len(st.subscribers)}).
		Info("Unsubscribed from IVC channel")
	return gpa, st.ch.Size, nil
}
