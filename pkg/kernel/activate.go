package kernel

import (
	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
)

// Activate binds gate capability g onto endpoint ep of tile. For an
// RGate, bufAddr gives the virtual buffer address the EP should be
// configured against (the only field Activate needs that isn't already on
// the gate itself). On success the gate records its own (tile, ep) so a
// later Deactivate or Revoke can find it.
func (k *Kernel) Activate(g *cap.Cap, tile *Tile, ep tcu.EPId, bufAddr uint64) error {
	dev, ok := k.bus.Device(tile.ID)
	if !ok {
		return errs.New(errs.InvalidEP)
	}

	switch g.Kind {
	case cap.KindSGate:
		sg, _ := g.Payload.(*SGatePayload)
		if sg == nil {
			return errs.New(errs.InvArgs)
		}
		tgtTile, tgtEP, bound := sg.Target.EP()
		if !bound {
			return errs.New(errs.InvArgs)
		}
		if err := dev.ConfigureSend(ep, tgtTile, tgtEP, sg.Label, sg.Credits(), sg.Target.MsgOrder); err != nil {
			return errs.Wrap(err, errs.InvalidEP, "kernel: activate sgate")
		}
		sg.setEP(tile.ID, ep)
		return nil

	case cap.KindRGate:
		rg, _ := g.Payload.(*RGatePayload)
		if rg == nil {
			return errs.New(errs.InvArgs)
		}
		if _, _, bound := rg.EP(); bound {
			return errs.New(errs.Exists)
		}
		if err := dev.ConfigureRecv(ep, bufAddr, rg.BufOrder, rg.MsgOrder, ep); err != nil {
			return errs.Wrap(err, errs.InvalidEP, "kernel: activate rgate")
		}
		rg.bind(tile.ID, ep)
		return nil

	case cap.KindMGate:
		mg, _ := g.Payload.(*MGatePayload)
		if mg == nil {
			return errs.New(errs.InvArgs)
		}
		if err := dev.ConfigureMem(ep, mg.Tile, mg.Addr, mg.Size, mg.Perms); err != nil {
			return errs.Wrap(err, errs.InvalidEP, "kernel: activate mgate")
		}
		mg.trackEP(tile.ID, ep)
		return nil

	default:
		return errs.New(errs.InvArgs)
	}
}

// Deactivate tears down whatever is installed on ep of tile and, if g is
// the gate that was bound there, clears its recorded EP. An
// activate/deactivate round trip on an idle EP leaves the gate untouched.
func (k *Kernel) Deactivate(g *cap.Cap, tile *Tile, ep tcu.EPId) error {
	dev, ok := k.bus.Device(tile.ID)
	if !ok {
		return errs.New(errs.InvalidEP)
	}
	if err := dev.Invalidate(ep); err != nil {
		return err
	}
	switch g.Kind {
	case cap.KindSGate:
		if sg, ok := g.Payload.(*SGatePayload); ok {
			sg.mu.Lock()
			if sg.hasEP && sg.epTile == tile.ID && sg.ep == ep {
				sg.hasEP = false
			}
			sg.mu.Unlock()
		}
	case cap.KindRGate:
		if rg, ok := g.Payload.(*RGatePayload); ok {
			if t, e, bound := rg.EP(); bound && t == tile.ID && e == ep {
				rg.unbind()
			}
		}
	case cap.KindMGate:
		if mg, ok := g.Payload.(*MGatePayload); ok {
			mg.mu.Lock()
			delete(mg.eps, epRef{tile.ID, ep})
			mg.mu.Unlock()
		}
	}
	return nil
}
