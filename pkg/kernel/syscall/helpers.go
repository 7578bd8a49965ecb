package syscall

import (
	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
)

// getCap fetches sel from caller's object-capability table, checked
// against the expected kind.
func getCap(caller *kernel.Activity, sel cap.Selector, kind cap.Kind) (*cap.Cap, errs.Kind) {
	c, ok := caller.ObjCaps.Get(sel)
	if !ok || c.Kind != kind {
		return nil, errs.InvArgs
	}
	return c, errs.Success
}

// chargeKMem debits the flat per-kind cost of creating a new capability
// of kind against caller's own KMem node.
func chargeKMem(k *kernel.Kernel, caller *kernel.Activity, kind cap.Kind) errs.Kind {
	cost, ok := kernel.KMemCost[kind]
	if !ok || cost == 0 {
		return errs.Success
	}
	if err := k.KMemTree().Charge(caller.KMemID, cost); err != nil {
		return errs.NoSpace
	}
	return errs.Success
}

func refundKMem(k *kernel.Kernel, caller *kernel.Activity, kind cap.Kind) {
	if cost, ok := kernel.KMemCost[kind]; ok && cost > 0 {
		_ = k.KMemTree().Refund(caller.KMemID, cost)
	}
}

// chargeKMemBytes debits an explicit byte amount, used by CreateMap's
// per-page charge.
func chargeKMemBytes(k *kernel.Kernel, caller *kernel.Activity, amount uint64) errs.Kind {
	if amount == 0 {
		return errs.Success
	}
	if err := k.KMemTree().Charge(caller.KMemID, amount); err != nil {
		return errs.NoSpace
	}
	return errs.Success
}

func refundKMemBytes(k *kernel.Kernel, caller *kernel.Activity, amount uint64) {
	if amount > 0 {
		_ = k.KMemTree().Refund(caller.KMemID, amount)
	}
}

// requireFreeSel reports InvArgs unless sel is not already in use, as
// every Create* handler must check before installing its new root cap.
func requireFreeSel(t *cap.Table, sel cap.Selector) errs.Kind {
	if !t.RangeUnused(sel, 1) {
		return errs.InvArgs
	}
	return errs.Success
}
