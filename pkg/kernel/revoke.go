package kernel

import (
	"github.com/sirupsen/logrus"

	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// sessCloseTag marks a fire-and-forget session-close notification on the
// wire, distinguishing it from a normal ExchangeSess request on the same
// service send-queue. The close is asynchronous; the cap is detached
// immediately.
const sessCloseTag uint64 = ^uint64(0)

// Teardown returns the kind-specific cleanup function cap.Table.Revoke
// runs on each capability before detaching it, bound to owner (the
// activity whose table is being walked) so Map-cap teardown can reach its
// address space.
func (k *Kernel) Teardown(owner *Activity) cap.Teardown {
	return func(c *cap.Cap) error {
		switch c.Kind {
		case cap.KindSGate:
			k.teardownSGate(c.Payload.(*SGatePayload))
		case cap.KindRGate:
			k.teardownRGate(c.Payload.(*RGatePayload))
		case cap.KindMGate:
			k.teardownMGate(c.Payload.(*MGatePayload))
		case cap.KindSess:
			k.teardownSess(c.Payload.(*SessPayload))
		case cap.KindServ:
			k.teardownServ(c.Payload.(*ServPayload))
		case cap.KindActivity:
			k.teardownActivity(c.Payload.(*ActivityPayload))
		case cap.KindTile:
			k.teardownTile(c.Payload.(*TilePayload))
		case cap.KindKMem:
			k.teardownKMem(c.Payload.(*KMemPayload))
		case cap.KindMap:
			k.teardownMap(owner, c.Payload.(*MapPayload))
		case cap.KindSem, cap.KindEP:
			// no external state to release beyond the cap itself.
		}
		return nil
	}
}

func (k *Kernel) teardownSGate(sg *SGatePayload) {
	sg.mu.Lock()
	tile, ep, hasEP := sg.epTile, sg.ep, sg.hasEP
	sg.mu.Unlock()
	if hasEP {
		if dev, ok := k.bus.Device(tile); ok {
			_ = dev.Invalidate(ep)
		}
	}
}

func (k *Kernel) teardownRGate(rg *RGatePayload) {
	tile, ep, bound := rg.EP()
	if bound {
		if dev, ok := k.bus.Device(tile); ok {
			_ = dev.Invalidate(ep)
		}
		rg.unbind()
	}
	for _, sg := range rg.sgateList() {
		sg.markGone()
		k.teardownSGate(sg)
	}
}

func (k *Kernel) teardownMGate(mg *MGatePayload) {
	for _, ref := range mg.activeEPs() {
		if dev, ok := k.bus.Device(ref.Tile); ok {
			_ = dev.Invalidate(ref.EP)
		}
	}
}

func (k *Kernel) teardownSess(sp *SessPayload) {
	if sp.Service == nil {
		return
	}
	w := wire.NewWriter()
	w.PushU64(sessCloseTag)
	w.PushU64(sp.Ident)
	_, _ = sp.Service.Queue.Send(sp.Service.SendEP, sp.Ident, w.Bytes())
	k.CloseSession(sp.Service, sp.CreatorID)
}

func (k *Kernel) teardownServ(sv *ServPayload) {
	if sv.Service == nil {
		return
	}
	k.UnregisterService(sv.Service.Name)
}

func (k *Kernel) teardownActivity(ap *ActivityPayload) {
	act := ap.Activity
	if act == nil || act.Exited {
		return
	}
	act.State = StateSuspended
	td := k.Teardown(act)
	for _, r := range act.ObjCaps.Roots() {
		if err := act.ObjCaps.Revoke(r.Selector, true, td); err != nil {
			k.log.WithError(err).WithField("activity", act.ID).Warn("activity obj-cap teardown had errors")
		}
	}
	for _, r := range act.MapCaps.Roots() {
		if err := act.MapCaps.Revoke(r.Selector, true, td); err != nil {
			k.log.WithError(err).WithField("activity", act.ID).Warn("activity map-cap teardown had errors")
		}
	}
	k.DestroyActivity(act, -1)
}

func (k *Kernel) teardownTile(tp *TilePayload) {
	if tp.Tile == nil {
		return
	}
	if err := tp.Tile.epTree.Remove(tp.QuotaID); err != nil {
		logrus.WithError(err).WithField("tile", tp.Tile.ID).Debug("tile ep-quota teardown")
	}
}

func (k *Kernel) teardownKMem(kp *KMemPayload) {
	if err := k.kmemTree.Remove(kp.QuotaID); err != nil {
		k.log.WithError(err).Debug("kmem teardown")
	}
}

func (k *Kernel) teardownMap(owner *Activity, mp *MapPayload) {
	as, ok := k.AddressSpace(owner.ID)
	if !ok {
		return
	}
	if err := as.UnmapPages(mp.Virt, mp.Count); err != nil {
		k.log.WithError(err).WithField("activity", owner.ID).Debug("map teardown unmap failed")
	}
}
