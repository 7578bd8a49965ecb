package syscall

import (
	"context"

	"github.com/stephan-gh/M3-sub004/pkg/aspace"
	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/sendqueue"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/session"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// sessOpenTag marks a CreateSess request on a service's send-queue,
// distinguishing it from a normal ExchangeSess obtain/delegate request on
// the same queue.
const sessOpenTag uint64 = 0x4f50454e

// hCreateSrv implements CreateSrv (dstSel, sendEP, nameBytes). It
// registers a new service owned by the caller.
func hCreateSrv(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	sendEP, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	nameBytes, err := r.PopBytes()
	if err != nil {
		return errs.InvArgs
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}

	srv, serr := k.RegisterService(string(nameBytes), caller, tcu.EPId(sendEP))
	if serr != nil {
		return errs.Exists
	}
	if status := chargeKMem(k, caller, cap.KindServ); status != errs.Success {
		k.UnregisterService(srv.Name)
		return status
	}
	if _, ierr := caller.ObjCaps.Insert(cap.Selector(dstSel), cap.KindServ, &kernel.ServPayload{Service: srv}); ierr != nil {
		refundKMem(k, caller, cap.KindServ)
		k.UnregisterService(srv.Name)
		return errs.InvArgs
	}
	return errs.Success
}

// encodeOpen builds the CreateSess wire request: tag, args.
func encodeOpen(args []byte) ([]byte, error) {
	w := wire.NewWriter().PushU64(sessOpenTag)
	if _, err := w.PushBytes(args); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// decodeOpenReply parses the server's CreateSess reply: status, ident.
func decodeOpenReply(payload []byte) (errs.Kind, uint64, error) {
	r := wire.NewReader(payload)
	status, err := r.PopU64()
	if err != nil {
		return errs.Unspecified, 0, err
	}
	ident, err := r.PopU64()
	if err != nil {
		return errs.Unspecified, 0, err
	}
	return errs.Kind(status), ident, nil
}

// hCreateSess implements CreateSess (dstSel, serviceNameBytes,
// argsBytes). It opens a session against a registered service via a
// direct Open exchange on its send-queue. The server picks the session ident; the kernel
// stores it opaquely.
func hCreateSess(ctx context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	nameBytes, err := r.PopBytes()
	if err != nil {
		return errs.InvArgs
	}
	argBytes, err := r.PopBytes()
	if err != nil {
		return errs.InvArgs
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}

	srv, ok := k.Service(string(nameBytes))
	if !ok {
		return errs.NoSuchFile
	}
	sess, oerr := k.OpenSession(srv, caller.ID)
	if oerr != nil {
		return errs.KindOf(oerr)
	}

	payload, eerr := encodeOpen(argBytes)
	if eerr != nil {
		k.CloseSession(srv, caller.ID)
		return errs.InvArgs
	}
	ev, serr := srv.Queue.Send(srv.SendEP, uint64(caller.ID), payload)
	if serr != nil {
		k.CloseSession(srv, caller.ID)
		return errs.RecvGone
	}
	msg, rerr := sendqueue.Receive(ctx, k.SendQueue(), ev)
	if rerr != nil {
		k.CloseSession(srv, caller.ID)
		return errs.RecvGone
	}
	status, ident, derr := decodeOpenReply(msg.Payload)
	if derr != nil {
		k.CloseSession(srv, caller.ID)
		return errs.RecvGone
	}
	if status != errs.Success {
		k.CloseSession(srv, caller.ID)
		return status
	}

	if cs := chargeKMem(k, caller, cap.KindSess); cs != errs.Success {
		k.CloseSession(srv, caller.ID)
		return cs
	}
	sp := &kernel.SessPayload{Service: srv, Ident: ident, CreatorID: sess.CreatorID}
	if _, ierr := caller.ObjCaps.Insert(cap.Selector(dstSel), cap.KindSess, sp); ierr != nil {
		refundKMem(k, caller, cap.KindSess)
		k.CloseSession(srv, caller.ID)
		return errs.InvArgs
	}
	return errs.Success
}

// hExchangeSess implements ExchangeSess (sessSel, dir, rangeStart,
// rangeCount, argsBytes). It runs the three-party obtain/delegate
// protocol over an already-open session.
func hExchangeSess(ctx context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	sessSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	dir, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	rangeStart, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	rangeCount, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	args, err := r.PopBytes()
	if err != nil {
		return errs.InvArgs
	}

	sc, status := getCap(caller, cap.Selector(sessSel), cap.KindSess)
	if status != errs.Success {
		return status
	}
	sp := sc.Payload.(*kernel.SessPayload)
	owner, ok := k.Activity(sp.Service.OwnerID)
	if !ok {
		return errs.RecvGone
	}

	sess := &session.Session{
		ServerTable: owner.ObjCaps,
		ServerQueue: sp.Service.Queue,
		ServerEP:    sp.Service.SendEP,
		Ident:       sp.Ident,
		CreatorID:   sp.CreatorID,
	}
	direction := session.Obtain
	if dir != 0 {
		direction = session.Delegate
	}
	callerRange := cap.SelectorRange{Start: cap.Selector(rangeStart), Count: rangeCount}

	outArgs, xerr := k.SessionBroker().ExchangeSess(ctx, caller.ObjCaps, sess, callerRange, direction, args)
	if xerr != nil {
		return errs.KindOf(xerr)
	}
	if _, werr := w.PushBytes(outArgs); werr != nil {
		return errs.InvArgs
	}
	return errs.Success
}

// hGetSess implements GetSess (dstSel, srcSel). It aliases an existing
// Sess cap at a second selector within the same table (used by a resource
// manager fetching a client's session).
func hGetSess(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	srcSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	sc, status := getCap(caller, cap.Selector(srcSel), cap.KindSess)
	if status != errs.Success {
		return status
	}
	if _, err := caller.ObjCaps.Obtain(cap.Selector(dstSel), sc, true); err != nil {
		return errs.InvArgs
	}
	return errs.Success
}

// hCreateSem implements CreateSem: dstSel, initial.
func hCreateSem(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	initial, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	if status := requireFreeSel(caller.ObjCaps, cap.Selector(dstSel)); status != errs.Success {
		return status
	}
	if status := chargeKMem(k, caller, cap.KindSem); status != errs.Success {
		return status
	}
	sp := &kernel.SemPayload{Sem: kernel.NewSemaphore(int(initial))}
	if _, err := caller.ObjCaps.Insert(cap.Selector(dstSel), cap.KindSem, sp); err != nil {
		refundKMem(k, caller, cap.KindSem)
		return errs.InvArgs
	}
	return errs.Success
}

// hSemCtrl implements SemCtrl: semSel, op (0 = up, 1 = down). Down blocks
// the calling fiber until a unit is available or ctx is cancelled.
func hSemCtrl(ctx context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	semSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	op, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	sc, status := getCap(caller, cap.Selector(semSel), cap.KindSem)
	if status != errs.Success {
		return status
	}
	sem := sc.Payload.(*kernel.SemPayload).Sem
	switch op {
	case 0:
		sem.Up()
		return errs.Success
	case 1:
		ch := sem.Down()
		select {
		case <-ctx.Done():
			// A unit later granted to this abandoned wait is handed back.
			go func() {
				<-ch
				sem.Up()
			}()
			return errs.Abort
		case <-ch:
			return errs.Success
		}
	default:
		return errs.InvArgs
	}
}

// hCreateMap implements CreateMap (dstSel, mgateSel, virt, count,
// perms). It maps count pages of mgateSel's backing memory at virt in
// the caller's own address space, charged against KMem per page.
func hCreateMap(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	dstSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	mgateSel, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	virt, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	count, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	perms, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}

	mc, status := getCap(caller, cap.Selector(mgateSel), cap.KindMGate)
	if status != errs.Success {
		return status
	}
	mg := mc.Payload.(*kernel.MGatePayload)
	if tcu.Perm(perms)&^mg.Perms != 0 {
		return errs.NoPerm
	}
	if !caller.MapCaps.RangeUnused(cap.Selector(dstSel), 1) {
		return errs.InvArgs
	}

	cost := kernel.PageKMemCost * uint64(count)
	if status := chargeKMemBytes(k, caller, cost); status != errs.Success {
		return status
	}

	mp := &kernel.MapPayload{Virt: virt, Count: int(count), Perms: aspace.Flag(perms)}
	if _, ierr := caller.MapCaps.Insert(cap.Selector(dstSel), cap.KindMap, mp); ierr != nil {
		refundKMemBytes(k, caller, cost)
		return errs.InvArgs
	}

	if as, ok := k.AddressSpace(caller.ID); ok {
		if merr := as.MapPages(virt, mg.Addr, int(count), aspace.Flag(perms)); merr != nil {
			_ = caller.MapCaps.Revoke(cap.Selector(dstSel), true, nil)
			refundKMemBytes(k, caller, cost)
			return errs.InvArgs
		}
	}
	return errs.Success
}

// hResetStats implements ResetStats, a diagnostics no-op in this kernel.
func hResetStats(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	return errs.Success
}

// hNoop implements Noop, used by cmd/m3ctl to probe liveness.
func hNoop(_ context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind {
	return errs.Success
}
