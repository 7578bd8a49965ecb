// Package tilemux implements the per-tile multiplexer: it ties the
// cooperative scheduler (pkg/tilemux/sched), the page-fault path
// (pkg/tilemux/vma), the kernel control plane (pkg/tilemux/sidecall) and
// the TCU abstraction (pkg/tcu) into one event loop per tile. This
// package deliberately does not import pkg/kernel: the kernel and a
// tile's multiplexer are separate trusted components that only interact
// over the sidecall wire protocol, and that boundary is preserved even
// though both run in the same Go process here.
package tilemux

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stephan-gh/M3-sub004/pkg/aspace"
	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/fiber"
	"github.com/stephan-gh/M3-sub004/pkg/quota"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/tilemux/sched"
	"github.com/stephan-gh/M3-sub004/pkg/tilemux/sidecall"
	"github.com/stephan-gh/M3-sub004/pkg/tilemux/vma"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// IdleActivityID mirrors kernel.IdleActivityID; the two packages each
// define it rather than one importing the other, since TileMux has no
// dependency on the kernel package.
const IdleActivityID uint16 = 0xFFFF

// DefaultTimeSliceNanos is the time slice a freshly-initialized activity
// receives absent an explicit SetQuota.
const DefaultTimeSliceNanos int64 = 1_000_000 // 1ms

// TimerPeriod is how often the simulated timer IRQ fires to drive
// time-slice accounting and timeout expiry.
const TimerPeriod = 100 * time.Microsecond

type residentInfo struct {
	id           uint16
	epsStart     tcu.EPId
	as           *aspace.AddressSpace
	alloc        *aspace.Allocator
	ptQuotaID    quota.ID
	timeQuotaID  quota.ID
	pendingMsgs  int
	pfSendEP     tcu.EPId
	pfReplyEP    tcu.EPId
	havePagerEPs bool
}

// Multiplexer is one tile's TileMux instance.
type Multiplexer struct {
	mu   sync.Mutex
	tile tcu.TileID
	dev  *tcu.Device
	log  *logrus.Entry

	sidecallEP tcu.EPId
	sched      *sched.Scheduler
	faults     *vma.Manager
	disp       *sidecall.Dispatcher
	broker     *fiber.Broker

	ptTree   *quota.Tree[int]
	ptRoot   quota.ID
	timeTree *quota.Tree[int64]
	timeRoot quota.ID

	residents map[uint16]*residentInfo

	// waitResults routes a blocked activity's eventual unblock reason back
	// to whichever goroutine called Wait for it.
	waitResults map[uint16]chan sched.UnblockResult
}

// Config bootstraps a Multiplexer.
type Config struct {
	Tile       tcu.TileID
	PTFrames   int   // total page-table frame budget for this tile
	TimeBudget int64 // total nanosecond time-slice budget for this tile
	MaxASID    int
	SidecallEP tcu.EPId
}

// New creates a Multiplexer over dev, with its own per-tile PT and time
// quota trees and the reserved idle activity always Ready.
func New(cfg Config, dev *tcu.Device) *Multiplexer {
	ptTree := quota.NewTree[int](cfg.PTFrames)
	timeTree := quota.NewTree[int64](cfg.TimeBudget)
	s := sched.NewScheduler(IdleActivityID, timeTree, cfg.MaxASID)

	m := &Multiplexer{
		tile:        cfg.Tile,
		dev:         dev,
		log:         logrus.WithFields(logrus.Fields{"subsystem": "tilemux", "tile": cfg.Tile}),
		sidecallEP:  cfg.SidecallEP,
		sched:       s,
		broker:      fiber.NewBroker(),
		ptTree:      ptTree,
		ptRoot:      ptTree.Root(),
		timeTree:    timeTree,
		timeRoot:    timeTree.Root(),
		residents:   make(map[uint16]*residentInfo),
		waitResults: make(map[uint16]chan sched.UnblockResult),
	}
	m.faults = vma.NewManager(m)
	m.disp = sidecall.NewDispatcher(m)
	return m
}

// Scheduler exposes the underlying scheduler for callers (tests, the CLI)
// that need to inspect scheduling state directly.
func (m *Multiplexer) Scheduler() *sched.Scheduler { return m.sched }

// --- sidecall.Ops implementation ---

// ActInit registers a fresh activity on this tile: epsStart names its
// first reserved EP, ptFrames bounds its page-table frame budget. The
// reference hardware's raw root_pt physical address has no analogue in
// this simulation, so the sidecall instead carries the page-table frame
// budget the kernel derived for the activity, and Init allocates the
// root frame itself.
func (m *Multiplexer) ActInit(id uint16, epsStart tcu.EPId, ptFrames int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.residents[id]; exists {
		return errs.New(errs.Exists)
	}

	ptQuotaID, err := m.ptTree.Derive(m.ptRoot, ptFrames)
	if err != nil {
		return errs.Wrap(err, errs.NoSpace, "tilemux: derive pt quota")
	}
	timeQuotaID, err := m.timeTree.Derive(m.timeRoot, DefaultTimeSliceNanos)
	if err != nil {
		_ = m.ptTree.Remove(ptQuotaID)
		return errs.Wrap(err, errs.NoSpace, "tilemux: derive time quota")
	}

	alloc := aspace.NewAllocator(m.ptTree, ptQuotaID)
	as := aspace.New(id, alloc)
	if err := as.Init(); err != nil {
		_ = m.timeTree.Remove(timeQuotaID)
		_ = m.ptTree.Remove(ptQuotaID)
		return errs.Wrap(err, errs.NoSpace, "tilemux: init address space")
	}

	if err := m.sched.AddActivity(id, timeQuotaID); err != nil {
		as.Destroy()
		_ = m.timeTree.Remove(timeQuotaID)
		_ = m.ptTree.Remove(ptQuotaID)
		return errs.Wrap(err, errs.InvArgs, "tilemux: add activity to scheduler")
	}

	m.residents[id] = &residentInfo{
		id: id, epsStart: epsStart, as: as, alloc: alloc,
		ptQuotaID: ptQuotaID, timeQuotaID: timeQuotaID,
	}
	m.log.WithField("activity", id).Info("activity initialized")
	return nil
}

// SetPagerEPs records the activity's page-fault send-EP and reply-EP,
// both of which the kernel configures via Activate before the activity
// can fault. Not itself a sidecall opcode, but required wiring between
// kernel activation and this package's HandlePageFault.
func (m *Multiplexer) SetPagerEPs(id uint16, sendEP, replyEP tcu.EPId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.residents[id]
	if !ok {
		return errs.New(errs.InvArgs)
	}
	r.pfSendEP, r.pfReplyEP = sendEP, replyEP
	r.havePagerEPs = true
	return nil
}

// ActCtrl starts or stops a resident activity.
func (m *Multiplexer) ActCtrl(id uint16, ctrl sidecall.CtrlOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.residents[id]; !ok {
		return errs.New(errs.InvArgs)
	}
	switch ctrl {
	case sidecall.CtrlStart:
		return m.sched.Resume(id)
	case sidecall.CtrlStop:
		return m.sched.Suspend(id)
	default:
		return errs.New(errs.InvArgs)
	}
}

// Map installs count page mappings in id's address space.
func (m *Multiplexer) Map(id uint16, virt, glob uint64, pages int, perms aspace.Flag) error {
	m.mu.Lock()
	r, ok := m.residents[id]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.InvArgs)
	}
	if err := r.as.MapPages(virt, glob, pages, perms); err != nil {
		return errs.Wrap(err, errs.InvArgs, "tilemux: map")
	}
	m.drainInvalidations(r)
	return nil
}

// Translate resolves a virtual address in id's address space.
func (m *Multiplexer) Translate(id uint16, virt uint64, perms aspace.Flag) (uint64, error) {
	m.mu.Lock()
	r, ok := m.residents[id]
	m.mu.Unlock()
	if !ok {
		return 0, errs.New(errs.InvArgs)
	}
	phys, _, err := r.as.Translate(virt, perms)
	if err != nil {
		return 0, err
	}
	return phys, nil
}

func (m *Multiplexer) drainInvalidations(r *residentInfo) {
	inv := r.as.DrainInvalidations()
	if len(inv) > 0 {
		m.log.WithFields(logrus.Fields{"activity": r.id, "count": len(inv)}).Debug("TLB shootdown")
	}
}

// RemMsgs decrements id's pending-message count by the number of bits set
// in mask, after the kernel revoked that many unread messages from a
// receive-EP, so sleeping arithmetic stays correct.
func (m *Multiplexer) RemMsgs(id uint16, mask uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.residents[id]
	if !ok {
		return errs.New(errs.InvArgs)
	}
	n := bits.OnesCount64(mask)
	r.pendingMsgs -= n
	if r.pendingMsgs < 0 {
		r.pendingMsgs = 0
	}
	return nil
}

// EPInval wakes id if it is blocked waiting on ep, which the kernel just
// invalidated; the waiter's Wait returns UnblockForced.
func (m *Multiplexer) EPInval(id uint16, ep tcu.EPId) error {
	m.mu.Lock()
	res, ok := m.sched.Resident(id)
	shouldWake := ok && res.State == sched.StateBlocked && res.Wait.Kind == sched.WaitEP && res.Wait.EP == ep
	m.mu.Unlock()
	if !shouldWake {
		return nil
	}
	m.completeWait(id, sched.UnblockForced)
	return nil
}

// Quota reports id's current time and page-table quota snapshots.
func (m *Multiplexer) Quota(id uint16) (timeTotal, timeLeft int64, ptTotal, ptLeft int, err error) {
	m.mu.Lock()
	r, ok := m.residents[id]
	m.mu.Unlock()
	if !ok {
		return 0, 0, 0, 0, errs.New(errs.InvArgs)
	}
	timeTotal, timeLeft, err = m.timeTree.Snapshot(r.timeQuotaID)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	ptTotal, ptLeft, err = m.ptTree.Snapshot(r.ptQuotaID)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return
}

// SetQuota overwrites id's time-quota total.
func (m *Multiplexer) SetQuota(id uint16, timeTotal int64) error {
	m.mu.Lock()
	r, ok := m.residents[id]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.InvArgs)
	}
	return m.timeTree.SetTotal(r.timeQuotaID, timeTotal)
}

// DeriveQuota splits amount off id's own time-quota node into a fresh,
// unattached child node id, e.g. for delegating part of a budget onward
// to an activity spawned elsewhere.
func (m *Multiplexer) DeriveQuota(id uint16, amount int64) (quota.ID, error) {
	m.mu.Lock()
	r, ok := m.residents[id]
	m.mu.Unlock()
	if !ok {
		return 0, errs.New(errs.InvArgs)
	}
	return m.timeTree.Derive(r.timeQuotaID, amount)
}

// --- tmcalls ---

// Yield implements the Yield tmcall.
func (m *Multiplexer) Yield(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sched.Yield(id)
}

// Wait implements the wait tmcall: it blocks until a message arrives on
// waitEP (if waitEPSet), irq fires (if irqSet), or timeout elapses.
// Exactly one of the registered conditions is reported as having fired.
func (m *Multiplexer) Wait(ctx context.Context, id uint16, waitEP tcu.EPId, waitEPSet bool, irq tcu.IRQKind, irqSet bool, timeout time.Duration) (sched.UnblockResult, error) {
	reason := sched.WaitReason{Kind: sched.WaitNone}
	if waitEPSet {
		reason = sched.WaitReason{Kind: sched.WaitEP, EP: waitEP}
	} else if irqSet {
		reason = sched.WaitReason{Kind: sched.WaitIRQ, IRQ: irq}
	}

	m.mu.Lock()
	if err := m.sched.Block(id, reason, timeout); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	ch := make(chan sched.UnblockResult, 1)
	m.waitResults[id] = ch
	m.mu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Multiplexer) completeWait(id uint16, result sched.UnblockResult) {
	m.mu.Lock()
	m.sched.Unblock(id, result)
	ch, ok := m.waitResults[id]
	if ok {
		delete(m.waitResults, id)
	}
	m.mu.Unlock()
	if ok {
		ch <- result
	}
}

// DeliverMessage is called by the event loop (or a test) when a message
// arrives on ep for a resident blocked waiting on it, unblocking it with
// UnblockMessage.
func (m *Multiplexer) DeliverMessage(id uint16, ep tcu.EPId) {
	m.mu.Lock()
	res, ok := m.sched.Resident(id)
	matches := ok && res.State == sched.StateBlocked && res.Wait.Kind == sched.WaitEP && res.Wait.EP == ep
	if ok {
		r := m.residents[id]
		if r != nil {
			r.pendingMsgs++
		}
	}
	m.mu.Unlock()
	if matches {
		m.completeWait(id, sched.UnblockMessage)
	}
}

// DeliverIRQ is called by the event loop when irq fires for a resident
// blocked waiting on it.
func (m *Multiplexer) DeliverIRQ(id uint16, irq tcu.IRQKind) {
	m.mu.Lock()
	res, ok := m.sched.Resident(id)
	matches := ok && res.State == sched.StateBlocked && res.Wait.Kind == sched.WaitIRQ && res.Wait.IRQ == irq
	m.mu.Unlock()
	if matches {
		m.completeWait(id, sched.UnblockIRQ)
	}
}

// --- page faults ---

// HandlePageFault forwards a fault on virt (with the given access mode)
// by the given activity to its pager, blocking the activity's user state
// until the pager resolves it. If the activity has no pager registered,
// it returns vma.ErrNoPager and the caller must kill the activity with
// Unspecified rather than retry.
func (m *Multiplexer) HandlePageFault(ctx context.Context, id uint16, virt uint64, perm aspace.Flag) error {
	m.mu.Lock()
	r, ok := m.residents[id]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.InvArgs)
	}
	if !r.havePagerEPs {
		return vma.ErrNoPager
	}

	result := m.faults.Submit(ctx, vma.Fault{ActivityID: id, Virt: virt, Perm: perm})
	select {
	case res := <-result:
		if res.Err != nil {
			return res.Err
		}
		pageAligned := virt &^ uint64(aspace.PageSize-1)
		return m.Map(id, pageAligned, pageAligned, 1, res.Perm)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFault implements vma.Pager: it sends a page-fault request to the
// resident's configured pager send-EP, waits on its reply-EP for the
// pager's answer, and parses the granted permission flags out of the
// reply.
func (m *Multiplexer) SendFault(ctx context.Context, f vma.Fault) (aspace.Flag, error) {
	m.mu.Lock()
	r, ok := m.residents[f.ActivityID]
	m.mu.Unlock()
	if !ok || !r.havePagerEPs {
		return 0, vma.ErrNoPager
	}

	ev := m.broker.NewEvent()
	w := wire.NewWriter().PushU64(f.Virt).PushU32(uint32(f.Perm))
	if err := m.dev.Send(r.pfSendEP, w.Bytes(), uint64(ev), r.pfReplyEP); err != nil {
		m.broker.Cancel(ev)
		return 0, errs.Wrap(err, errs.RecvGone, "tilemux: send page fault")
	}

	v, err := m.broker.Wait(ctx, ev)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, errs.New(errs.RecvGone)
	}
	msg := v.(wire.Message)
	rr := wire.NewReader(msg.Payload)
	perms, perr := rr.PopU32()
	if perr != nil {
		return 0, errs.New(errs.RecvGone)
	}
	return aspace.Flag(perms), nil
}

// DispatchPagerReply feeds an inbound message on the pager reply-EP into
// the fiber broker, completing whichever SendFault is waiting on its
// label (the event id).
func (m *Multiplexer) DispatchPagerReply(msg wire.Message) {
	m.broker.Notify(fiber.Event(msg.Header.Label), msg)
}

// --- event loop ---

// DispatchSidecall decodes and runs one inbound sidecall message,
// returning the encoded reply ready for tcu.Device.Reply.
func (m *Multiplexer) DispatchSidecall(ctx context.Context, msg wire.Message) []byte {
	return m.disp.Dispatch(ctx, msg)
}

// Tick drives time-slice accounting and timeout expiry for the currently
// running activity. Called once per TimerPeriod by Run, or directly by
// tests.
func (m *Multiplexer) Tick(now time.Time) {
	m.mu.Lock()
	cur := m.sched.Current()
	exhausted := cur != m.sched.IdleID() && m.sched.ChargeSlice(cur, int64(TimerPeriod))
	if exhausted {
		m.sched.Yield(cur)
	}
	expired := m.sched.ExpireTimeouts(now)
	m.mu.Unlock()
	for _, id := range expired {
		m.completeWait(id, sched.UnblockTimeout)
	}
}

// Schedule picks the next activity to run, reporting whether an
// address-space switch (and possibly a full TLB flush on ASID
// wraparound) is required.
func (m *Multiplexer) Schedule() (id uint16, asid int, flushAll bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, switched := m.sched.Next()
	if !switched {
		asid, flushAll = m.sched.AllocASID(next)
		return next, asid, flushAll
	}
	asid, flushAll = m.sched.AllocASID(next)
	if r, ok := m.residents[next]; ok {
		r.as.SwitchTo()
	}
	return next, asid, flushAll
}

// Run drives the multiplexer's event loop: it demultiplexes TCU IRQs,
// dispatches inbound sidecall messages, and ticks the scheduler, until
// ctx is cancelled.
func (m *Multiplexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(TimerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(time.Now())
		case kind, ok := <-m.dev.IRQs():
			if !ok {
				return fmt.Errorf("tilemux: device IRQ channel closed")
			}
			m.dev.ClearIRQ(kind)
			m.handleIRQ(ctx, kind)
		default:
			if !m.pollSidecall(ctx) {
				time.Sleep(time.Microsecond)
			}
		}
	}
}

func (m *Multiplexer) handleIRQ(ctx context.Context, kind tcu.IRQKind) {
	switch kind {
	case tcu.IRQTimer:
		m.Tick(time.Now())
	default:
		m.mu.Lock()
		cur := m.sched.Current()
		m.mu.Unlock()
		m.DeliverIRQ(cur, kind)
	}
}

func (m *Multiplexer) pollSidecall(ctx context.Context) bool {
	off, msg, ok, err := m.dev.FetchMsg(m.sidecallEP)
	if err != nil || !ok {
		return false
	}
	reply := m.DispatchSidecall(ctx, msg)
	_ = m.dev.Reply(m.sidecallEP, reply, off)
	return true
}
