package hypergate

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/axvmm/hypergate/hvcall"
)

// Directory is the live-VM registry the hypervisor keeps while guests run.
type Directory struct {
	sync.RWMutex
	vms map[uint32]VM

	l *logrus.Logger
}

func NewDirectory(l *logrus.Logger) *Directory {
	return &Directory{
		vms: make(map[uint32]VM),
		l:   l,
	}
}

func (d *Directory) Register(vm VM) error {
	d.Lock()
	defer d.Unlock()

	if _, ok := d.vms[vm.ID()]; ok {
		return fmt.Errorf("VM[%d] already registered: %w", vm.ID(), hvcall.ErrInvalidInput)
	}
	d.vms[vm.ID()] = vm

	d.l.WithField("vmID", vm.ID()).Info("VM registered")
	return nil
}

func (d *Directory) Unregister(id uint32) {
	d.Lock()
	delete(d.vms, id)
	d.Unlock()

	d.l.WithField("vmID", id).Info("VM unregistered")
}

func (d *Directory) FindVM(id uint32) (VM, bool) {
	d.RLock()
	vm, ok := d.vms[id]
	d.RUnlock()
	return vm, ok
}
