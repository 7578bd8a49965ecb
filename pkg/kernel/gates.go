package kernel

import (
	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
)

// NewMGatePayload builds the payload for a fresh, non-derived MGate
// capability.
func NewMGatePayload(tile tcu.TileID, addr, size uint64, perms tcu.Perm) *MGatePayload {
	return &MGatePayload{Tile: tile, Addr: addr, Size: size, Perms: perms}
}

// DeriveMGatePayload narrows parent into a sub-region. Derived
// permissions must be a subset of the parent's.
func DeriveMGatePayload(parent *MGatePayload, offset, size uint64, perms tcu.Perm) (*MGatePayload, error) {
	if perms&^parent.Perms != 0 {
		return nil, errs.New(errs.NoPerm)
	}
	if offset+size > parent.Size {
		return nil, errs.New(errs.InvArgs)
	}
	return &MGatePayload{Tile: parent.Tile, Addr: parent.Addr + offset, Size: size, Perms: perms, Derived: true}, nil
}

// NewRGatePayload builds the payload for a fresh, unbound RGate
// capability.
func NewRGatePayload(bufOrder, msgOrder uint8) *RGatePayload {
	return &RGatePayload{BufOrder: bufOrder, MsgOrder: msgOrder}
}

// NewSGatePayload builds an SGate targeting rg with the given label and
// initial credits. A send-gate's credits may never exceed its target
// rgate's message-slot count.
func NewSGatePayload(rg *RGatePayload, label uint64, credits uint16) (*SGatePayload, error) {
	maxSlots := uint16(1) << uint(rg.BufOrder-rg.MsgOrder)
	if credits > maxSlots {
		return nil, errs.New(errs.InvArgs)
	}
	sg := &SGatePayload{Target: rg, Label: label, credits: credits}
	rg.addSGate(sg)
	return sg, nil
}
