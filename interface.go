package hypergate

// GuestAddr is an address in a VM's simulated physical address space.
type GuestAddr uint64

// HostAddr is an address in the hypervisor's own address space.
type HostAddr uint64

const PageSize = 4096

// PagesFor returns the page count covering size bytes.
func PagesFor(size uint64) int {
	return int((size + PageSize - 1) / PageSize)
}

// RoundUpPage rounds size up to the page granularity.
func RoundUpPage(size uint64) uint64 {
	return uint64(PagesFor(size)) * PageSize
}

type MappingFlags uint8

const (
	MapRead MappingFlags = 1 << iota
	MapWrite
	MapExecute
)

// CPUMask selects the vCPUs an interrupt is delivered to.
type CPUMask uint64

// OneShotCPUMask targets exactly one vCPU.
func OneShotCPUMask(vcpu uint32) CPUMask {
	return CPUMask(1) << vcpu
}

// VCpu is the trap context a hypercall arrives on. The dispatcher only ever
// needs its identity for logging; execution stays on the trapping vCPU.
type VCpu interface {
	ID() uint32
}

// VM is the guest a hypercall executes on behalf of, plus the target of
// cross-VM operations. The dispatcher borrows it for the duration of one
// call and never retains it.
type VM interface {
	ID() uint32

	// Guest memory access. Addresses are guest-physical; a fault reading or
	// writing translates into a mapping failure for the whole call.
	ReadGuestUint64(addr GuestAddr) (uint64, error)
	WriteGuestUint64(addr GuestAddr, v uint64) error

	// ReserveIVCWindow carves a window of at least size bytes out of the
	// guest-physical address space and returns its base and actual
	// (page-rounded) size. The window is bookkeeping only until MapRegion
	// backs it.
	ReserveIVCWindow(size uint64) (GuestAddr, uint64, error)
	MapRegion(gpa GuestAddr, hpa HostAddr, size uint64, flags MappingFlags) error
	UnmapRegion(gpa GuestAddr, size uint64) error

	// Console device bookkeeping, batched: parallel slices of buffer owner
	// id, peer id and host base address.
	UpdateConsoleConnections(owners, peers []uint32, addrs []HostAddr) error
	RemoveConsoleConnections(owners, peers []uint32) error

	InjectInterrupt(mask CPUMask, vector uint32) error
}

// VMDirectory resolves a VM id to a live VM.
type VMDirectory interface {
	FindVM(id uint32) (VM, bool)
}

// PageAllocator hands out page-granular host memory.
type PageAllocator interface {
	Allocate(pages int) (HostAddr, error)
	Free(base HostAddr, pages int)
}

// MemoryArena is optionally implemented by a PageAllocator whose pages are
// real process memory. When available it is used to zero fresh buffers and
// lets tests and the sim binary read what guests wrote.
type MemoryArena interface {
	Bytes(base HostAddr, size uint64) ([]byte, error)
}

// ChannelRegistry is the publish/subscribe side of IVC. The registry keeps
// its own per-channel subscriber bookkeeping; this package only drives the
// contract below.
type ChannelRegistry interface {
	RegisterChannel(vmID uint32, key uint64, ch *Channel) error

	// Unpublish removes the publisher's channel and returns the publisher's
	// guest window so the caller can unmap it.
	Unpublish(vmID uint32, key uint64) (GuestAddr, uint64, error)

	ChannelSize(publisherID uint32, key uint64) (uint64, error)

	// Subscribe records the subscriber and its window, returning the host
	// base to map.
	Subscribe(publisherID uint32, key uint64, subscriberID uint32, gpa GuestAddr) (HostAddr, uint64, error)

	// Unsubscribe drops the subscriber's registration and returns the
	// subscriber's window so the caller can unmap it.
	Unsubscribe(publisherID uint32, key uint64, subscriberID uint32) (GuestAddr, uint64, error)
}
