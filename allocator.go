package hypergate

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/axvmm/hypergate/hvcall"
)

var ErrArenaExhausted = errors.New("arena has no free span of the requested size")

// ArenaAllocator carves a fixed host arena into 4 KiB pages and tracks them
// in a bitmap, first-fit for contiguous spans. It deliberately does no
// dynamic bookkeeping beyond the bitmap so allocation never recurses into
// the Go allocator on the hot path.
//
// The arena is backed by real process memory so buffer zeroing and guest
// access work in tests and the sim binary; base is where the arena pretends
// to live in the host physical map.
type ArenaAllocator struct {
	syncMutex
	base   HostAddr
	pages  int
	used   int
	bitmap []uint64
	mem    []byte

	metricsUsed metrics.Gauge

	l *logrus.Logger
}

func NewArenaAllocator(l *logrus.Logger, base HostAddr, size uint64) *ArenaAllocator {
	pages := PagesFor(size)
	a := &ArenaAllocator{
		syncMutex:   newSyncMutex("arena-allocator"),
		base:        base,
		pages:       pages,
		bitmap:      make([]uint64, (pages+63)/64),
		mem:         make([]byte, pages*PageSize),
		metricsUsed: metrics.GetOrRegisterGauge("arena.pages_used", nil),
		l:           l,
	}
	l.WithField("arena", m{"base": base, "pages": pages}).Info("Host arena initialized")
	return a
}

func (a *ArenaAllocator) bit(i int) bool {
	return a.bitmap[i/64]&(1<<(i%64)) != 0
}

func (a *ArenaAllocator) setBit(i int, v bool) {
	if v {
		a.bitmap[i/64] |= 1 << (i % 64)
	} else {
		a.bitmap[i/64] &^= 1 << (i % 64)
	}
}

// Allocate finds the first free span of n contiguous pages.
func (a *ArenaAllocator) Allocate(n int) (HostAddr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("page count %d: %w", n, hvcall.ErrInvalidInput)
	}

	a.Lock()
	defer a.Unlock()

	run := 0
	for i := 0; i < a.pages; i++ {
		if a.bit(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				a.setBit(j, true)
			}
			a.used += n
			a.metricsUsed.Update(int64(a.used))
			return a.base + HostAddr(start*PageSize), nil
		}
	}

	a.l.WithField("arena", m{"requestedPages": n, "usedPages": a.used, "totalPages": a.pages}).
		Warn("Arena allocation failed")
	return 0, fmt.Errorf("%d pages: %w", n, ErrArenaExhausted)
}

// Free returns a span to the arena. Freeing pages that are not allocated is
// a bookkeeping bug; it is logged loudly but not fatal to the hypervisor.
func (a *ArenaAllocator) Free(base HostAddr, n int) {
	a.Lock()
	defer a.Unlock()

	start, ok := a.pageIndex(base)
	if !ok || start+n > a.pages {
		a.l.WithField("arena", m{"base": base, "pages": n}).Error("Free outside arena bounds")
		return
	}

	for i := start; i < start+n; i++ {
		if !a.bit(i) {
			a.l.WithField("arena", m{"base": base, "page": i}).Error("Double free of arena page")
			continue
		}
		a.setBit(i, false)
		a.used--
	}
	a.metricsUsed.Update(int64(a.used))
}

// Bytes implements MemoryArena, exposing the process memory backing a span.
func (a *ArenaAllocator) Bytes(base HostAddr, size uint64) ([]byte, error) {
	start, ok := a.pageIndex(base)
	if !ok {
		return nil, fmt.Errorf("address %#x outside arena: %w", uint64(base), hvcall.ErrInvalidInput)
	}
	off := start * PageSize
	if uint64(off)+size > uint64(len(a.mem)) {
		return nil, fmt.Errorf("span %#x+%d outside arena: %w", uint64(base), size, hvcall.ErrInvalidInput)
	}
	return a.mem[off : uint64(off)+size], nil
}

// Used reports the allocated page count.
func (a *ArenaAllocator) Used() int {
	a.Lock()
	defer a.Unlock()
	return a.used
}

func (a *ArenaAllocator) pageIndex(addr HostAddr) (int, bool) {
	if addr < a.base || (uint64(addr)-uint64(a.base))%PageSize != 0 {
		return 0, false
	}
	i := int((uint64(addr) - uint64(a.base)) / PageSize)
	if i >= a.pages {
		return 0, false
	}
	return i, true
}
