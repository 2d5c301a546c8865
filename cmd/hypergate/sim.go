package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/axvmm/hypergate"
	"github.com/axvmm/hypergate/config"
	"github.com/axvmm/hypergate/hvcall"
)

// The sim guests keep their scratch variables at fixed guest addresses, the
// way a real guest would place them in a driver page.
const (
	simBasePtr = hypergate.GuestAddr(0x1000)
	simSizePtr = hypergate.GuestAddr(0x1008)
)

type simVCpu struct {
	id uint32
}

func (v *simVCpu) ID() uint32 { return v.id }

type simMapping struct {
	hpa   hypergate.HostAddr
	size  uint64
	flags hypergate.MappingFlags
}

// simVM is a scripted guest: a word-granular guest memory map, a bump
// cursor for IVC windows and a log-only console device. Just enough VM to
// drive every hypercall end to end in one process.
type simVM struct {
	id         uint32
	arena      hypergate.MemoryArena
	mem        map[hypergate.GuestAddr]uint64
	nextWindow hypergate.GuestAddr
	mappings   map[hypergate.GuestAddr]simMapping

	l *logrus.Logger
}

func newSimVM(l *logrus.Logger, id uint32, arena hypergate.MemoryArena) *simVM {
	return &simVM{
		id:         id,
		arena:      arena,
		mem:        make(map[hypergate.GuestAddr]uint64),
		nextWindow: 0x8000_0000,
		mappings:   make(map[hypergate.GuestAddr]simMapping),
		l:          l,
	}
}

func (v *simVM) ID() uint32 { return v.id }

func (v *simVM) ReadGuestUint64(addr hypergate.GuestAddr) (uint64, error) {
	val, ok := v.mem[addr]
	if !ok {
		return 0, fmt.Errorf("VM[%d] guest fault reading %#x", v.id, uint64(addr))
	}
	return val, nil
}

func (v *simVM) WriteGuestUint64(addr hypergate.GuestAddr, val uint64) error {
	v.mem[addr] = val
	return nil
}

func (v *simVM) ReserveIVCWindow(size uint64) (hypergate.GuestAddr, uint64, error) {
	actual := hypergate.RoundUpPage(size)
	gpa := v.nextWindow
	v.nextWindow += hypergate.GuestAddr(actual)
	return gpa, actual, nil
}

func (v *simVM) MapRegion(gpa hypergate.GuestAddr, hpa hypergate.HostAddr, size uint64, flags hypergate.MappingFlags) error {
	v.mappings[gpa] = simMapping{hpa: hpa, size: size, flags: flags}
	v.l.WithField("vmID", v.id).Debugf("Mapped %#x -> %#x (%d bytes)", uint64(gpa), uint64(hpa), size)
	return nil
}

func (v *simVM) UnmapRegion(gpa hypergate.GuestAddr, size uint64) error {
	if _, ok := v.mappings[gpa]; !ok {
		return fmt.Errorf("VM[%d] has no mapping at %#x", v.id, uint64(gpa))
	}
	delete(v.mappings, gpa)
	return nil
}

func (v *simVM) UpdateConsoleConnections(owners, peers []uint32, addrs []hypergate.HostAddr) error {
	v.l.WithField("vmID", v.id).Infof("Console device updated with %d buffers", len(addrs))
	return nil
}

func (v *simVM) RemoveConsoleConnections(owners, peers []uint32) error {
	v.l.WithField("vmID", v.id).Infof("Console device dropped %d buffers", len(owners))
	return nil
}

func (v *simVM) InjectInterrupt(mask hypergate.CPUMask, vector uint32) error {
	v.l.WithField("vmID", v.id).Infof("Interrupt %d delivered to vCPU mask %#x", vector, uint64(mask))
	return nil
}

// window returns the bytes behind a guest window, through the mapping the
// hypervisor installed for it.
func (v *simVM) window(gpa hypergate.GuestAddr) ([]byte, error) {
	mp, ok := v.mappings[gpa]
	if !ok {
		return nil, fmt.Errorf("VM[%d] has no mapping at %#x", v.id, uint64(gpa))
	}
	return v.arena.Bytes(mp.hpa, mp.size)
}

// runDemo drives one of everything: publish, subscribe, a message through
// shared memory, console connections and an IPI, then full teardown.
func runDemo(l *logrus.Logger, c *config.C, gate *hypergate.Gate, directory *hypergate.Directory) error {
	arena, ok := gate.Allocator().(hypergate.MemoryArena)
	if !ok {
		return fmt.Errorf("demo requires an arena-backed allocator")
	}

	vmCount := c.GetInt("demo.vm_count", 3)
	if vmCount < 2 {
		return fmt.Errorf("demo.vm_count must be at least 2, got %d", vmCount)
	}
	key := c.GetUint64("demo.channel_key", 0x10)
	chanSize := c.GetUint64("demo.channel_size", 8192)

	vms := make([]*simVM, 0, vmCount)
	for i := 1; i <= vmCount; i++ {
		vm := newSimVM(l, uint32(i), arena)
		if err := directory.Register(vm); err != nil {
			return err
		}
		vms = append(vms, vm)
	}
	pub, sub := vms[0], vms[1]
	vcpu := &simVCpu{id: 0}

	// Publisher brings up a channel and drops a message in it.
	pub.mem[simSizePtr] = chanSize
	res := gate.Dispatch(vcpu, pub, uint64(hvcall.PublishChannel), [hvcall.NumArgs]uint64{key, uint64(simBasePtr), uint64(simSizePtr)})
	if res != hvcall.OK {
		return fmt.Errorf("publish failed: %s", res.Name())
	}
	pubWindow := hypergate.GuestAddr(pub.mem[simBasePtr])
	buf, err := pub.window(pubWindow)
	if err != nil {
		return err
	}
	copy(buf, "hello from the publisher")

	// Subscriber attaches and reads it back through its own window.
	res = gate.Dispatch(vcpu, sub, uint64(hvcall.SubscribeChannel), [hvcall.NumArgs]uint64{uint64(pub.ID()), key, uint64(simBasePtr), uint64(simSizePtr)})
	if res != hvcall.OK {
		return fmt.Errorf("subscribe failed: %s", res.Name())
	}
	subWindow := hypergate.GuestAddr(sub.mem[simBasePtr])
	got, err := sub.window(subWindow)
	if err != nil {
		return err
	}
	l.Infof("Subscriber read: %q", string(got[:24]))

	// Console links from the publisher to every other guest, capped by the
	// argument vector.
	peerCount := uint64(vmCount - 1)
	if peerCount > 4 {
		peerCount = 4
	}
	args := [hvcall.NumArgs]uint64{0, peerCount}
	for i := uint64(0); i < peerCount; i++ {
		args[2+i] = uint64(vms[i+1].ID())
	}
	if res = gate.Dispatch(vcpu, pub, uint64(hvcall.EstablishConsoleConnection), args); res != hvcall.OK {
		return fmt.Errorf("console establish failed: %s", res.Name())
	}
	gate.Connections().EmitStats()

	// Ring the subscriber's vCPU 0.
	vector := uint64(c.GetUint32("demo.ipi_vector", 32))
	if res = gate.Dispatch(vcpu, pub, uint64(hvcall.SendIPI), [hvcall.NumArgs]uint64{0, uint64(sub.ID()), 0, vector}); res != hvcall.OK {
		return fmt.Errorf("IPI failed: %s", res.Name())
	}

	// Tear everything down in reverse.
	if res = gate.Dispatch(vcpu, pub, uint64(hvcall.UnEstablishConsoleConnection), args); res != hvcall.OK {
		return fmt.Errorf("console teardown failed: %s", res.Name())
	}
	if res = gate.Dispatch(vcpu, sub, uint64(hvcall.UnsubscribeChannel), [hvcall.NumArgs]uint64{uint64(pub.ID()), key}); res != hvcall.OK {
		return fmt.Errorf("unsubscribe failed: %s", res.Name())
	}
	if res = gate.Dispatch(vcpu, pub, uint64(hvcall.UnpublishChannel), [hvcall.NumArgs]uint64{key}); res != hvcall.OK {
		return fmt.Errorf("unpublish failed: %s", res.Name())
	}

	l.Info("Demo scenario complete")
	return nil
}
