package syscall

import (
	"context"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// hAllocEP implements AllocEP (dstSel, tileSel). It reserves the
// caller's next EP slot on tileSel's tile, charged against that Tile cap's own
// EP-quota node.
func hAllocEP(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	tileSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	tc, status := getCap(caller, cap.Selector(tileSel), cap.KindTile)
	if status != errs.Success {
		return status
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}

	tp := tc.Payload.(*kernel.TilePayload)
	if err := tp.Tile.EPQuotaTree().Charge(tp.QuotaID, 1); err != nil {
		return errs.NoSpace
	}
	if status := chargeKMem(k, caller, cap.KindEP); status != errs.Success {
		_ = tp.Tile.EPQuotaTree().Refund(tp.QuotaID, 1)
		return status
	}

	ep := caller.EPsStart
	caller.EPsStart++
	ec := &kernel.EPPayload{Tile: tp.Tile.ID, EP: ep}
	if _, err := caller.ObjCaps.InsertAsChild(cap.Selector(dstSel), cap.KindEP, ec, cap.Selector(tileSel)); err != nil {
		refundKMem(k, caller, cap.KindEP)
		_ = tp.Tile.EPQuotaTree().Refund(tp.QuotaID, 1)
		return errs.InvArgs
	}
	w.PushU32(uint32(ep))
	return errs.Success
}

// hSetPMP implements SetPMP (tileSel, mgateSel, pinned). It pushes
// mgateSel's region into tileSel's tile's PMP slots, evicting an LRU non-pinned
// region if all slots are full.
func hSetPMP(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	tileSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	mgateSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	pinned, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	tc, status := getCap(caller, cap.Selector(tileSel), cap.KindTile)
	if status != errs.Success {
		return status
	}
	mc, status := getCap(caller, cap.Selector(mgateSel), cap.KindMGate)
	if status != errs.Success {
		return status
	}

	mg := mc.Payload.(*kernel.MGatePayload)
	region := kernel.PMPRegion{Sel: cap.Selector(mgateSel), Base: mg.Addr, Size: mg.Size, Perms: mg.Perms, Pinned: pinned != 0}
	evicted, hadEviction, perr := tc.Payload.(*kernel.TilePayload).Tile.PushPMP(region)
	if perr != nil {
		return errs.NoSpace
	}
	if hadEviction {
		k.Log().WithField("evicted_sel", evicted).Debug("pmp region evicted")
	}
	return errs.Success
}

// hActivate implements Activate (gateSel, ep, bufAddr). It binds
// gateSel onto endpoint ep of the caller's own tile.
func hActivate(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	gateSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	ep, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	bufAddr, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}

	gc, ok := caller.ObjCaps.Get(cap.Selector(gateSel))
	if !ok {
		return errs.InvArgs
	}
	tile, ok := k.Tile(caller.TileID)
	if !ok {
		return errs.InvalidEP
	}
	if err := k.Activate(gc, tile, tcu.EPId(ep), bufAddr); err != nil {
		return errs.KindOf(err)
	}
	return errs.Success
}

// hMGateRegion implements MGateRegion (mgateSel), a read-only query of
// an MGate's backing region.
func hMGateRegion(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	mgateSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	mc, status := getCap(caller, cap.Selector(mgateSel), cap.KindMGate)
	if status != errs.Success {
		return status
	}
	mg := mc.Payload.(*kernel.MGatePayload)
	w.PushU64(uint64(mg.Tile))
	w.PushU64(mg.Addr)
	w.PushU64(mg.Size)
	w.PushU32(uint32(mg.Perms))
	return errs.Success
}

// hRGateBuffer implements RGateBuffer (rgateSel), a read-only query of
// an RGate's buffer geometry and activation state.
func hRGateBuffer(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	rgateSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	rc, status := getCap(caller, cap.Selector(rgateSel), cap.KindRGate)
	if status != errs.Success {
		return status
	}
	rg := rc.Payload.(*kernel.RGatePayload)
	tile, ep, bound := rg.EP()
	w.PushU32(uint32(rg.BufOrder))
	w.PushU32(uint32(rg.MsgOrder))
	if bound {
		w.PushU32(1)
		w.PushU64(uint64(tile))
		w.PushU32(uint32(ep))
	} else {
		w.PushU32(0)
	}
	return errs.Success
}
