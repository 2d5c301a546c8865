package hypergate

import (
	"github.com/google/btree"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// connKey orders connection entries by (owner, peer). The table is
// intentionally symmetric: (a,b) and (b,a) are distinct entries so either
// endpoint can query or tear down using its own id first, without knowing a
// canonical ordering.
type connKey struct {
	a, b uint32
}

func (k connKey) less(o connKey) bool {
	if k.a != o.a {
		return k.a < o.a
	}
	return k.b < o.b
}

// connEntry is one perspective of a connection: forward is the a->b buffer,
// backward the b->a buffer. The mirror entry under (b,a) holds the same two
// buffers swapped and always carries the same refCount.
type connEntry struct {
	key      connKey
	forward  SharedBuffer
	backward SharedBuffer
	refCount uint32
}

// ConnectionManager is the process-wide connection table: an ordered map
// from VM-id pairs to buffer pairs, every mutation under one mutex so both
// mirror entries move as a single atomic unit.
type ConnectionManager struct {
	syncMutex
	conns *btree.BTreeG[*connEntry]
	alloc PageAllocator

	metricsPairs  metrics.Gauge
	metricsAllocs metrics.Counter

	l *logrus.Logger
}

func NewConnectionManager(l *logrus.Logger, alloc PageAllocator) *ConnectionManager {
	return &ConnectionManager{
		syncMutex: newSyncMutex("connection-manager"),
		conns: btree.NewG(4, func(x, y *connEntry) bool {
			return x.key.less(y.key)
		}),
		alloc:         alloc,
		metricsPairs:  metrics.GetOrRegisterGauge("connections.pairs", nil),
		metricsAllocs: metrics.GetOrRegisterCounter("connections.buffer_allocs", nil),
		l:             l,
	}
}

// Establish returns the a->b and b->a buffers for the pair, allocating them
// on first use and bumping the shared refcount on reuse. Reuse never
// reallocates: both callers see the same underlying host pages.
func (cm *ConnectionManager) Establish(a, b uint32, size uint64) (SharedBuffer, SharedBuffer, error) {
	cm.Lock()
	defer cm.Unlock()

	if entry, ok := cm.conns.Get(&connEntry{key: connKey{a, b}}); ok {
		mirror, ok := cm.conns.Get(&connEntry{key: connKey{b, a}})
		if !ok {
			// Should be structurally impossible, every mutation touches both
			// mirrors under this lock. Repair and keep the counts equal.
			cm.l.WithField("connection", m{"vmA": a, "vmB": b}).
				Error("Connection table mirror entry missing, repairing")
			mirror = &connEntry{
				key:      connKey{b, a},
				forward:  entry.backward,
				backward: entry.forward,
				refCount: entry.refCount,
			}
			cm.conns.ReplaceOrInsert(mirror)
		}
		entry.refCount++
		mirror.refCount = entry.refCount

		if cm.l.Level >= logrus.DebugLevel {
			cm.l.WithField("connection", m{"vmA": a, "vmB": b, "refCount": entry.refCount}).
				Debug("Reusing existing connection buffers")
		}
		return entry.forward, entry.backward, nil
	}

	fwd, err := allocSharedBuffer(cm.l, cm.alloc, size, a, b)
	if err != nil {
		return SharedBuffer{}, SharedBuffer{}, err
	}
	bwd, err := allocSharedBuffer(cm.l, cm.alloc, size, b, a)
	if err != nil {
		// No partial entry: give the first buffer straight back.
		fwd.release(cm.l, cm.alloc)
		return SharedBuffer{}, SharedBuffer{}, err
	}
	cm.metricsAllocs.Inc(2)

	cm.conns.ReplaceOrInsert(&connEntry{key: connKey{a, b}, forward: fwd, backward: bwd, refCount: 1})
	cm.conns.ReplaceOrInsert(&connEntry{key: connKey{b, a}, forward: bwd, backward: fwd, refCount: 1})

	cm.l.WithField("connection", m{"vmA": a, "vmB": b, "size": fwd.Size}).
		Info("Established connection buffers")
	return fwd, bwd, nil
}

// Remove drops one reference from the pair. Absent pairs are a silent no-op
// so teardown is idempotent. When the count returns to zero both buffers are
// released and both mirror entries erased, all in this critical section.
func (cm *ConnectionManager) Remove(a, b uint32) {
	cm.Lock()
	defer cm.Unlock()

	entry, ok := cm.conns.Get(&connEntry{key: connKey{a, b}})
	if !ok {
		return
	}

	if entry.refCount > 0 {
		entry.refCount--
	}
	if mirror, ok := cm.conns.Get(&connEntry{key: connKey{b, a}}); ok {
		mirror.refCount = entry.refCount
	}

	if cm.l.Level >= logrus.DebugLevel {
		cm.l.WithField("connection", m{"vmA": a, "vmB": b, "refCount": entry.refCount}).
			Debug("Dropped connection reference")
	}

	if entry.refCount == 0 {
		entry.forward.release(cm.l, cm.alloc)
		entry.backward.release(cm.l, cm.alloc)
		cm.conns.Delete(&connEntry{key: connKey{a, b}})
		cm.conns.Delete(&connEntry{key: connKey{b, a}})

		cm.l.WithField("connection", m{"vmA": a, "vmB": b}).
			Info("Released connection buffers")
	}
}

// Lookup returns the a->b and b->a buffers without touching refcounts.
func (cm *ConnectionManager) Lookup(a, b uint32) (SharedBuffer, SharedBuffer, bool) {
	cm.Lock()
	defer cm.Unlock()

	entry, ok := cm.conns.Get(&connEntry{key: connKey{a, b}})
	if !ok {
		return SharedBuffer{}, SharedBuffer{}, false
	}
	return entry.forward, entry.backward, true
}

// Len reports the number of directional entries (two per connected pair).
func (cm *ConnectionManager) Len() int {
	cm.Lock()
	defer cm.Unlock()
	return cm.conns.Len()
}

// EmitStats reports table size to the stats collection system
func (cm *ConnectionManager) EmitStats() {
	cm.Lock()
	entries := cm.conns.Len()
	cm.Unlock()

	cm.metricsPairs.Update(int64(entries / 2))
}
