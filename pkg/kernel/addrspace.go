package kernel

import (
	"sync"

	"github.com/stephan-gh/M3-sub004/pkg/aspace"
)

// addrSpaceRegistry holds one aspace.AddressSpace per activity that has
// one. TileMux owns the switch-to call; the kernel owns creation and
// destruction alongside the rest of the activity's lifecycle.
type addrSpaceRegistry struct {
	mu sync.Mutex
	m  map[uint16]*aspace.AddressSpace
}

func newAddrSpaceRegistry() *addrSpaceRegistry {
	return &addrSpaceRegistry{m: make(map[uint16]*aspace.AddressSpace)}
}

// SetAddressSpace installs as as the address space for the activity
// identified by id.
func (k *Kernel) SetAddressSpace(id uint16, as *aspace.AddressSpace) {
	k.addrSpaces.mu.Lock()
	defer k.addrSpaces.mu.Unlock()
	k.addrSpaces.m[id] = as
}

// AddressSpace looks up the address space for activity id.
func (k *Kernel) AddressSpace(id uint16) (*aspace.AddressSpace, bool) {
	k.addrSpaces.mu.Lock()
	defer k.addrSpaces.mu.Unlock()
	as, ok := k.addrSpaces.m[id]
	return as, ok
}

// DropAddressSpace removes and destroys the address space for id, if any.
func (k *Kernel) DropAddressSpace(id uint16) {
	k.addrSpaces.mu.Lock()
	as, ok := k.addrSpaces.m[id]
	if ok {
		delete(k.addrSpaces.m, id)
	}
	k.addrSpaces.mu.Unlock()
	if ok {
		as.Destroy()
	}
}
