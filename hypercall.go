package hypergate

import (
	"fmt"
	"sync/atomic"

	"github.com/axvmm/hypergate/hvcall"
)

// Console buffers are one page in each direction; enough for a byte stream
// and small enough to hand to every VM pair.
const consoleBufferSize = 4096

// maxConsolePeers is bounded by the argument vector: two header words leave
// four slots for inline peer ids.
const maxConsolePeers = hvcall.NumArgs - 2

// HyperCall is one decoded trap, single use. Construction validates the
// opcode and argument shape without side effects; Execute runs the protocol
// to a terminal result on the trapping vCPU.
type HyperCall struct {
	g    *Gate
	vcpu VCpu
	vm   VM

	code hvcall.Code
	args [hvcall.NumArgs]uint64

	executed atomic.Bool
}

// NewHyperCall decodes a trap into a HyperCall. The VM reference is borrowed
// for the duration of the call only. An unknown code, or a console peer
// count that would index past the argument vector, rejects here before any
// side effect.
func (g *Gate) NewHyperCall(vcpu VCpu, vm VM, code uint64, args [hvcall.NumArgs]uint64) (*HyperCall, error) {
	c := hvcall.Code(code)
	if uint64(uint32(code)) != code || !c.Valid() {
		g.l.WithField("code", code).Warn("Invalid hypercall code")
		return nil, fmt.Errorf("hypercall code %#x: %w", code, hvcall.ErrInvalidInput)
	}

	switch c {
	case hvcall.EstablishConsoleConnection, hvcall.UnEstablishConsoleConnection:
		if args[1] > maxConsolePeers {
			g.l.WithField("peerCount", args[1]).Warn("Console peer count exceeds argument vector")
			return nil, fmt.Errorf("console peer count %d exceeds %d: %w", args[1], maxConsolePeers, hvcall.ErrInvalidInput)
		}
	}

	return &HyperCall{
		g:    g,
		vcpu: vcpu,
		vm:   vm,
		code: c,
		args: args,
	}, nil
}

// Execute runs the call to completion and returns the result code written
// back to the guest. Single shot: a second call fails without touching any
// state.
func (hc *HyperCall) Execute() hvcall.Result {
	if !hc.executed.CompareAndSwap(false, true) {
		hc.g.l.WithField("code", hc.code.Name()).Error("Hypercall executed twice")
		return hvcall.ResInvalidInput
	}

	var err error
	switch hc.code {
	case hvcall.PublishChannel:
		err = hc.publishChannel()
	case hvcall.UnpublishChannel:
		err = hc.unpublishChannel()
	case hvcall.SubscribeChannel:
		err = hc.subscribeChannel()
	case hvcall.UnsubscribeChannel:
		err = hc.unsubscribeChannel()
	case hvcall.EstablishConsoleConnection:
		err = hc.establishConsole()
	case hvcall.UnEstablishConsoleConnection:
		err = hc.unestablishConsole()
	case hvcall.SendIPI:
		err = hc.sendIPI()
	default:
		// Recognized but not serviced (Probe and future codes).
		hc.g.l.WithField("code", hc.code.Name()).Warn("Unsupported hypercall")
		err = hvcall.ErrUnsupported
	}

	res := hvcall.ResultFor(err)
	hc.g.metrics.Observe(hc.code, res)
	if err != nil {
		hc.g.l.WithError(err).WithField("hypercall", m{"vmID": hc.vm.ID(), "code": hc.code.Name(), "result": res.Name()}).
			Warn("Hypercall failed")
	}
	return res
}

// publishChannel: args[0]=key, args[1]=guest pointer for the negotiated
// base, args[2]=guest pointer holding the requested size on entry and the
// actual size on return.
func (hc *HyperCall) publishChannel() error {
	key := hc.args[0]
	basePtr := GuestAddr(hc.args[1])
	sizePtr := GuestAddr(hc.args[2])

	hc.g.l.WithField("hypercall", m{"vmID": hc.vm.ID(), "code": hc.code.Name(), "key": key}).
		Info("Publishing IVC channel")

	want, err := hc.vm.ReadGuestUint64(sizePtr)
	if err != nil {
		return fmt.Errorf("reading requested channel size: %w", err)
	}

	gpa, _, err := hc.vm.ReserveIVCWindow(want)
	if err != nil {
		return fmt.Errorf("reserving guest window: %w", err)
	}

	ch, err := newChannel(hc.g.l, hc.g.alloc, hc.vm.ID(), key, want, gpa)
	if err != nil {
		return err
	}
	actual := ch.Size

	if err = hc.vm.MapRegion(gpa, ch.BaseHPA, actual, MapRead|MapWrite); err != nil {
		return fmt.Errorf("mapping channel into guest: %w", err)
	}

	if err = hc.vm.WriteGuestUint64(basePtr, uint64(gpa)); err != nil {
		return fmt.Errorf("writing channel base back to guest: %w", err)
	}
	if err = hc.vm.WriteGuestUint64(sizePtr, actual); err != nil {
		return fmt.Errorf("writing channel size back to guest: %w", err)
	}

	return hc.g.registry.RegisterChannel(hc.vm.ID(), key, ch)
}

// unpublishChannel: args[0]=key.
func (hc *HyperCall) unpublishChannel() error {
	key := hc.args[0]

	hc.g.l.WithField("hypercall", m{"vmID": hc.vm.ID(), "code": hc.code.Name(), "key": key}).
		Info("Unpublishing IVC channel")

	gpa, size, err := hc.g.registry.Unpublish(hc.vm.ID(), key)
	if err != nil {
		return fmt.Errorf("unpublishing channel %#x: %w", key, err)
	}

	return hc.vm.UnmapRegion(gpa, size)
}

// subscribeChannel: args[0]=publisher VM id, args[1]=key, args[2]=base
// pointer, args[3]=size pointer.
func (hc *HyperCall) subscribeChannel() error {
	publisher := uint32(hc.args[0])
	key := hc.args[1]
	basePtr := GuestAddr(hc.args[2])
	sizePtr := GuestAddr(hc.args[3])

	hc.g.l.WithField("hypercall", m{"vmID": hc.vm.ID(), "code": hc.code.Name(), "publisherVMID": publisher, "key": key}).
		Info("Subscribing to IVC channel")

	size, err := hc.g.registry.ChannelSize(publisher, key)
	if err != nil {
		return fmt.Errorf("querying channel size: %w", err)
	}

	gpa, _, err := hc.vm.ReserveIVCWindow(size)
	if err != nil {
		return fmt.Errorf("reserving guest window: %w", err)
	}

	hpa, actual, err := hc.g.registry.Subscribe(publisher, key, hc.vm.ID(), gpa)
	if err != nil {
		return fmt.Errorf("registering subscription: %w", err)
	}

	if err = hc.vm.MapRegion(gpa, hpa, actual, MapRead|MapWrite); err != nil {
		return fmt.Errorf("mapping channel into subscriber: %w", err)
	}

	if err = hc.vm.WriteGuestUint64(basePtr, uint64(gpa)); err != nil {
		return fmt.Errorf("writing channel base back to guest: %w", err)
	}
	return hc.vm.WriteGuestUint64(sizePtr, actual)
}

// unsubscribeChannel: args[0]=publisher VM id, args[1]=key.
func (hc *HyperCall) unsubscribeChannel() error {
	publisher := uint32(hc.args[0])
	key := hc.args[1]

	hc.g.l.WithField("hypercall", m{"vmID": hc.vm.ID(), "code": hc.code.Name(), "publisherVMID": publisher, "key": key}).
		Info("Unsubscribing from IVC channel")

	gpa, size, err := hc.g.registry.Unsubscribe(publisher, key, hc.vm.ID())
	if err != nil {
		return fmt.Errorf("removing subscription: %w", err)
	}

	return hc.vm.UnmapRegion(gpa, size)
}

// peerIDs decodes the inline peer list: args[1] is the count, validated at
// construction, with the ids packed into the remaining slots.
func (hc *HyperCall) peerIDs() []uint32 {
	n := int(hc.args[1])
	ids := make([]uint32, 0, n)
	for _, a := range hc.args[2 : 2+n] {
		ids = append(ids, uint32(a))
	}
	return ids
}

// establishConsole wires a pair of one-page directional buffers between this
// VM and each listed peer, then reports the whole batch to the console
// device in one update. The buffers are valid whether or not the device
// accepts the update, so a device failure is logged and swallowed.
func (hc *HyperCall) establishConsole() error {
	ids := hc.peerIDs()

	hc.g.l.WithField("hypercall", m{"vmID": hc.vm.ID(), "code": hc.code.Name(), "peerVMIDs": ids}).
		Info("Establishing console connections")

	var (
		owners []uint32
		peers  []uint32
		addrs  []HostAddr
	)

	for _, peer := range ids {
		sendBuf, recvBuf, err := hc.g.conns.Establish(hc.vm.ID(), peer, consoleBufferSize)
		if err != nil {
			return fmt.Errorf("console buffers for VM[%d]<->VM[%d]: %w", hc.vm.ID(), peer, err)
		}

		// Send buffer (this VM -> peer), then receive buffer (peer -> this VM).
		owners = append(owners, sendBuf.OwnerVMID, recvBuf.OwnerVMID)
		peers = append(peers, sendBuf.PeerVMID, recvBuf.PeerVMID)
		addrs = append(addrs, sendBuf.Base, recvBuf.Base)
	}

	if err := hc.vm.UpdateConsoleConnections(owners, peers, addrs); err != nil {
		hc.g.l.WithError(err).WithField("vmID", hc.vm.ID()).
			Warn("Console device update failed, buffers remain valid")
	}
	return nil
}

// unestablishConsole drops one reference per listed peer. Pairs that were
// never established are skipped for reporting but still get the idempotent
// Remove, and the device hears about the batch once at the end.
func (hc *HyperCall) unestablishConsole() error {
	ids := hc.peerIDs()

	hc.g.l.WithField("hypercall", m{"vmID": hc.vm.ID(), "code": hc.code.Name(), "peerVMIDs": ids}).
		Info("Removing console connections")

	var (
		owners []uint32
		peers  []uint32
	)

	for _, peer := range ids {
		if sendBuf, recvBuf, ok := hc.g.conns.Lookup(hc.vm.ID(), peer); ok {
			owners = append(owners, sendBuf.OwnerVMID, recvBuf.OwnerVMID)
			peers = append(peers, sendBuf.PeerVMID, recvBuf.PeerVMID)
		}
		hc.g.conns.Remove(hc.vm.ID(), peer)
	}

	if err := hc.vm.RemoveConsoleConnections(owners, peers); err != nil {
		hc.g.l.WithError(err).WithField("vmID", hc.vm.ID()).
			Warn("Console device removal failed")
	}
	return nil
}

// sendIPI: args[1]=target VM id, args[2]=target vCPU id, args[3]=vector.
// Interrupt delivery is best effort: a missing target or a refused injection
// is logged and the call still succeeds.
func (hc *HyperCall) sendIPI() error {
	targetVM := uint32(hc.args[1])
	targetVCpu := uint32(hc.args[2])
	vector := uint32(hc.args[3])

	hc.g.l.WithField("hypercall", m{"vmID": hc.vm.ID(), "code": hc.code.Name(), "targetVMID": targetVM, "targetVCpu": targetVCpu, "vector": vector}).
		Info("Sending IPI")

	target, ok := hc.g.directory.FindVM(targetVM)
	if !ok {
		hc.g.l.WithField("targetVMID", targetVM).Warn("IPI target VM not found")
		return nil
	}

	if err := target.InjectInterrupt(OneShotCPUMask(targetVCpu), vector); err != nil {
		hc.g.l.WithError(err).WithField("targetVMID", targetVM).Warn("Failed to inject interrupt")
	}
	return nil
}
