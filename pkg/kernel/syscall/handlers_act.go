package syscall

import (
	"context"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// hCreateAct implements CreateAct (dstSel, tileSel, kmemSel, epsStart,
// kmemBytes, ptFrames, dataSink). It creates a fresh activity on the tile
// named by tileSel, charged against the caller's own KMem/PT quota
// nodes. kmemSel only authorizes the call (the caller must hold some KMem
// cap); the quota is always carved from the creating activity's own node.
func hCreateAct(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	tileSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	kmemSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	epsStart, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	kmemBytes, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	ptFrames, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	dataSink, err := r.PopBytes()
	if err != nil {
		return errs.InvArgs
	}

	tc, status := getCap(caller, cap.Selector(tileSel), cap.KindTile)
	if status != errs.Success {
		return status
	}
	if _, status := getCap(caller, cap.Selector(kmemSel), cap.KindKMem); status != errs.Success {
		return status
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}

	tile := tc.Payload.(*kernel.TilePayload).Tile
	child, cerr := k.CreateActivity(caller, tile.ID, tcu.EPId(epsStart), kmemBytes, int(ptFrames), dataSink)
	if cerr != nil {
		return errs.KindOf(cerr)
	}
	if status := chargeKMem(k, caller, cap.KindActivity); status != errs.Success {
		k.DestroyActivity(child, -1)
		return status
	}
	if _, ierr := caller.ObjCaps.Insert(cap.Selector(dstSel), cap.KindActivity, &kernel.ActivityPayload{Activity: child}); ierr != nil {
		refundKMem(k, caller, cap.KindActivity)
		k.DestroyActivity(child, -1)
		return errs.InvArgs
	}
	return errs.Success
}

// hActCtrl implements ActCtrl (actSel, ctrl; 0 = start, 1 = stop). It
// toggles the target activity's run state.
func hActCtrl(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	actSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	ctrl, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	ac, status := getCap(caller, cap.Selector(actSel), cap.KindActivity)
	if status != errs.Success {
		return status
	}
	target := ac.Payload.(*kernel.ActivityPayload).Activity
	if target.Exited {
		return errs.InvArgs
	}
	switch ctrl {
	case 0:
		target.State = kernel.StateRunning
	case 1:
		target.State = kernel.StateSuspended
	default:
		return errs.InvArgs
	}
	return errs.Success
}

// hActWait implements ActWait (count followed by count activity ids).
// It blocks until the first of them exits, then replies with that
// activity's id and exit code.
func hActWait(ctx context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	count, err := r.PopU32()
	if err != nil || count == 0 {
		return errs.InvArgs
	}

	targets := make([]*kernel.Activity, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.PopU32()
		if err != nil {
			return errs.InvArgs
		}
		a, ok := k.Activity(uint16(id))
		if !ok {
			// A child that was already destroyed is no longer registered,
			// but the caller's capability to it still carries its exit code.
			for _, c := range caller.ObjCaps.Roots() {
				if ap, isAct := c.Payload.(*kernel.ActivityPayload); isAct && ap.Activity.ID == uint16(id) {
					a, ok = ap.Activity, true
					break
				}
			}
		}
		if !ok {
			return errs.InvArgs
		}
		targets = append(targets, a)
	}

	for _, a := range targets {
		if a.Exited {
			w.PushU32(uint32(a.ID))
			w.PushU64(uint64(a.ExitCode))
			return errs.Success
		}
	}

	type result struct {
		id   uint16
		code int
	}
	done := make(chan result, len(targets))
	for _, a := range targets {
		go func(a *kernel.Activity) { done <- result{a.ID, a.Wait()} }(a)
	}

	select {
	case <-ctx.Done():
		return errs.Abort
	case res := <-done:
		w.PushU32(uint32(res.id))
		w.PushU64(uint64(res.code))
		return errs.Success
	}
}
