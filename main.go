package hypergate

import (
	"github.com/sirupsen/logrus"

	"github.com/axvmm/hypergate/config"
	"github.com/axvmm/hypergate/hvcall"
	"github.com/axvmm/hypergate/util"
)

type m = map[string]any

// Gate owns the inter-VM communication services: the connection table, the
// channel registry, the VM directory and the host page arena. One Gate
// serves the whole hypervisor; vmexit handlers turn traps into HyperCalls
// through it.
type Gate struct {
	l         *logrus.Logger
	alloc     PageAllocator
	conns     *ConnectionManager
	registry  ChannelRegistry
	directory VMDirectory
	metrics   *HyperCallMetrics
}

func NewGate(l *logrus.Logger, alloc PageAllocator, registry ChannelRegistry, directory VMDirectory) *Gate {
	return &Gate{
		l:         l,
		alloc:     alloc,
		conns:     NewConnectionManager(l, alloc),
		registry:  registry,
		directory: directory,
		metrics:   newHyperCallMetrics(),
	}
}

// Connections exposes the connection table, mainly for stats emission and
// introspection tooling.
func (g *Gate) Connections() *ConnectionManager {
	return g.conns
}

// Allocator exposes the host page allocator backing buffers and channels.
func (g *Gate) Allocator() PageAllocator {
	return g.alloc
}

// Dispatch is the convenience path for trap handlers: decode, execute,
// return the guest-visible result in one step.
func (g *Gate) Dispatch(vcpu VCpu, vm VM, code uint64, args [hvcall.NumArgs]uint64) hvcall.Result {
	hc, err := g.NewHyperCall(vcpu, vm, code, args)
	if err != nil {
		return hvcall.ResultFor(err)
	}
	return hc.Execute()
}

// Main assembles a Gate from config: logging, the host arena, the in-memory
// registry and directory, and the stats sinks. The directory starts empty;
// the embedder registers VMs as it builds them.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Gate, *Directory, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}
	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	arenaMB := c.GetInt("memory.arena_mb", 64)
	if arenaMB <= 0 {
		return nil, nil, util.NewContextualError("memory.arena_mb must be positive", m{"arena_mb": arenaMB}, nil)
	}
	arenaBase := HostAddr(c.GetUint64("memory.arena_base", 0x4000_0000))
	alloc := NewArenaAllocator(l, arenaBase, uint64(arenaMB)<<20)

	registry := NewMemRegistry(l, alloc)
	directory := NewDirectory(l)

	if err := startStats(l, c, buildVersion, configTest); err != nil {
		return nil, nil, util.NewContextualError("Failed to start stats emission", nil, err)
	}

	return NewGate(l, alloc, registry, directory), directory, nil
}
