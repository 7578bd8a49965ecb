package syscall

import (
	"context"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// hCreateMGate implements CreateMGate: dstSel, tileSel, addr, size,
// perms. The MGate addresses tileSel's tile directly; it is not
// derived from anything, so it carries no parent link.
func hCreateMGate(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	tileSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	addr, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	size, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	perms, err := r.PopU32()
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
	if status := chargeKMem(k, caller, cap.KindMGate); status != errs.Success {
		return status
	}

	tile := tc.Payload.(*kernel.TilePayload).Tile
	mg := kernel.NewMGatePayload(tile.ID, addr, size, tcu.Perm(perms))
	if _, err := caller.ObjCaps.Insert(cap.Selector(dstSel), cap.KindMGate, mg); err != nil {
		refundKMem(k, caller, cap.KindMGate)
		return errs.InvArgs
	}
	return errs.Success
}

// hCreateRGate implements CreateRGate: dstSel, bufOrder, msgOrder.
func hCreateRGate(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	bufOrder, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	msgOrder, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	if msgOrder > bufOrder {
		return errs.InvArgs
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}
	if status := chargeKMem(k, caller, cap.KindRGate); status != errs.Success {
		return status
	}

	rg := kernel.NewRGatePayload(uint8(bufOrder), uint8(msgOrder))
	if _, err := caller.ObjCaps.Insert(cap.Selector(dstSel), cap.KindRGate, rg); err != nil {
		refundKMem(k, caller, cap.KindRGate)
		return errs.InvArgs
	}
	return errs.Success
}

// hCreateSGate implements CreateSGate: dstSel, rgateSel, label, credits.
// credits may not exceed rgateSel's message-slot count.
func hCreateSGate(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	rgateSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	label, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	credits, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	rc, status := getCap(caller, cap.Selector(rgateSel), cap.KindRGate)
	if status != errs.Success {
		return status
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}
	if status := chargeKMem(k, caller, cap.KindSGate); status != errs.Success {
		return status
	}

	rg := rc.Payload.(*kernel.RGatePayload)
	sg, err := kernel.NewSGatePayload(rg, label, uint16(credits))
	if err != nil {
		refundKMem(k, caller, cap.KindSGate)
		return errs.KindOf(err)
	}
	if _, err := caller.ObjCaps.InsertAsChild(cap.Selector(dstSel), cap.KindSGate, sg, cap.Selector(rgateSel)); err != nil {
		refundKMem(k, caller, cap.KindSGate)
		return errs.InvArgs
	}
	return errs.Success
}

// hDeriveTile implements DeriveTile (dstSel, srcTileSel, epCount). It
// splits epCount endpoints off srcTileSel's own EP-quota node into a new
// Tile cap at dstSel, linked as srcTileSel's child.
func hDeriveTile(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	srcSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	epCount, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	sc, status := getCap(caller, cap.Selector(srcSel), cap.KindTile)
	if status != errs.Success {
		return status
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}

	src := sc.Payload.(*kernel.TilePayload)
	childID, derr := src.Tile.EPQuotaTree().Derive(src.QuotaID, int(epCount))
	if derr != nil {
		return errs.NoSpace
	}
	if status := chargeKMem(k, caller, cap.KindTile); status != errs.Success {
		_ = src.Tile.EPQuotaTree().Remove(childID)
		return status
	}

	child := &kernel.TilePayload{Tile: src.Tile, QuotaID: childID}
	if _, err := caller.ObjCaps.InsertAsChild(cap.Selector(dstSel), cap.KindTile, child, cap.Selector(srcSel)); err != nil {
		refundKMem(k, caller, cap.KindTile)
		_ = src.Tile.EPQuotaTree().Remove(childID)
		return errs.InvArgs
	}
	return errs.Success
}

// hDeriveMem implements DeriveMem: dstSel, srcMGateSel, offset, size,
// perms. The derived region and permissions must both fit within the
// parent's.
func hDeriveMem(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	srcSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	offset, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	size, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	perms, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	sc, status := getCap(caller, cap.Selector(srcSel), cap.KindMGate)
	if status != errs.Success {
		return status
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}

	parent := sc.Payload.(*kernel.MGatePayload)
	child, derr := kernel.DeriveMGatePayload(parent, offset, size, tcu.Perm(perms))
	if derr != nil {
		return errs.KindOf(derr)
	}
	if status := chargeKMem(k, caller, cap.KindMGate); status != errs.Success {
		return status
	}
	if _, err := caller.ObjCaps.InsertAsChild(cap.Selector(dstSel), cap.KindMGate, child, cap.Selector(srcSel)); err != nil {
		refundKMem(k, caller, cap.KindMGate)
		return errs.InvArgs
	}
	return errs.Success
}

// hDeriveKMem implements DeriveKMem: dstSel, srcKMemSel, amount.
func hDeriveKMem(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	srcSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	amount, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}

	sc, status := getCap(caller, cap.Selector(srcSel), cap.KindKMem)
	if status != errs.Success {
		return status
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}

	src := sc.Payload.(*kernel.KMemPayload)
	childID, derr := k.KMemTree().Derive(src.QuotaID, amount)
	if derr != nil {
		return errs.NoSpace
	}
	if status := chargeKMem(k, caller, cap.KindKMem); status != errs.Success {
		_ = k.KMemTree().Remove(childID)
		return status
	}
	child := &kernel.KMemPayload{QuotaID: childID}
	if _, err := caller.ObjCaps.InsertAsChild(cap.Selector(dstSel), cap.KindKMem, child, cap.Selector(srcSel)); err != nil {
		refundKMem(k, caller, cap.KindKMem)
		_ = k.KMemTree().Remove(childID)
		return errs.InvArgs
	}
	return errs.Success
}

// hDeriveSrv implements DeriveSrv (dstSel, srcServSel, sessionQuota).
// It hands out a reference to the same Service, optionally narrowing how
// many sessions the caller may itself open against it.
func hDeriveSrv(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	srcSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	sessionQuota, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	sc, status := getCap(caller, cap.Selector(srcSel), cap.KindServ)
	if status != errs.Success {
		return status
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}
	if status := chargeKMem(k, caller, cap.KindServ); status != errs.Success {
		return status
	}

	src := sc.Payload.(*kernel.ServPayload)
	if sessionQuota > 0 {
		src.Service.SetSessionQuota(caller.ID, int(sessionQuota))
	}
	child := &kernel.ServPayload{Service: src.Service}
	if _, err := caller.ObjCaps.InsertAsChild(cap.Selector(dstSel), cap.KindServ, child, cap.Selector(srcSel)); err != nil {
		refundKMem(k, caller, cap.KindServ)
		return errs.InvArgs
	}
	return errs.Success
}

// hExchange implements Exchange: peerAct, srcStart, srcCount, dstStart,
// dstCount, obtain. When obtain is set the peer's range is copied into
// the caller's table; otherwise the caller's range is copied into the
// peer's.
func hExchange(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	peerID, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	srcStart, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	srcCount, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	dstStart, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	dstCount, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	obtain, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	peer, ok := k.Activity(uint16(peerID))
	if !ok {
		return errs.InvArgs
	}

	srcTable, dstTable := caller.ObjCaps, peer.ObjCaps
	srcRange := cap.SelectorRange{Start: cap.Selector(srcStart), Count: srcCount}
	dstRange := cap.SelectorRange{Start: cap.Selector(dstStart), Count: dstCount}
	if obtain != 0 {
		srcTable, dstTable = peer.ObjCaps, caller.ObjCaps
	}
	if err := cap.Exchange(srcTable, dstTable, srcRange, dstRange, true); err != nil {
		return errs.InvArgs
	}
	return errs.Success
}

// hRevoke implements Revoke (start, count, includeSelf). It revokes
// every live selector in [start, start+count) from the caller's own
// object-capability table.
func hRevoke(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	start, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	count, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	includeSelf, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	td := k.Teardown(caller)
	for i := uint32(0); i < count; i++ {
		sel := cap.Selector(start) + cap.Selector(i)
		if _, ok := caller.ObjCaps.Get(sel); !ok {
			continue
		}
		if err := caller.ObjCaps.Revoke(sel, includeSelf != 0, td); err != nil {
			return errs.Unspecified
		}
	}
	return errs.Success
}
