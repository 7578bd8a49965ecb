package syscall

import (
	"context"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// hKMemQuota implements KMemQuota (kmemSel). It replies with the named
// KMem node's (total, left) pair.
func hKMemQuota(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	kmemSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	kc, status := getCap(caller, cap.Selector(kmemSel), cap.KindKMem)
	if status != errs.Success {
		return status
	}
	total, left, qerr := k.KMemTree().Snapshot(kc.Payload.(*kernel.KMemPayload).QuotaID)
	if qerr != nil {
		return errs.InvArgs
	}
	w.PushU64(total)
	w.PushU64(left)
	return errs.Success
}

// hTileQuota implements TileQuota (tileSel). It replies with the
// (total, left) EP count of the named Tile cap's own quota node.
func hTileQuota(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	tileSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	tc, status := getCap(caller, cap.Selector(tileSel), cap.KindTile)
	if status != errs.Success {
		return status
	}
	tp := tc.Payload.(*kernel.TilePayload)
	total, left, qerr := tp.Tile.EPQuotaTree().Snapshot(tp.QuotaID)
	if qerr != nil {
		return errs.InvArgs
	}
	w.PushU32(uint32(total))
	w.PushU32(uint32(left))
	return errs.Success
}

// hTileSetQuota implements TileSetQuota (tileSel, newTotal). It
// overwrites the named Tile cap's own quota node total.
func hTileSetQuota(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	tileSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	newTotal, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	tc, status := getCap(caller, cap.Selector(tileSel), cap.KindTile)
	if status != errs.Success {
		return status
	}
	tp := tc.Payload.(*kernel.TilePayload)
	if err := tp.Tile.EPQuotaTree().SetTotal(tp.QuotaID, int(newTotal)); err != nil {
		return errs.InvArgs
	}
	return errs.Success
}
