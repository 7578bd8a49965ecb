package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/google/subcommands"

	"github.com/stephan-gh/M3-sub004/pkg/aspace"
	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/fiber"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/sendqueue"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/session"
	"github.com/stephan-gh/M3-sub004/pkg/quota"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/tilemux/vma"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

func ok(name string, cond bool, detail string) subcommands.ExitStatus {
	if cond {
		fmt.Printf("PASS  %s: %s\n", name, detail)
		return subcommands.ExitSuccess
	}
	fmt.Printf("FAIL  %s: %s\n", name, detail)
	return subcommands.ExitFailure
}

// sendRecvCmd exercises send/recv credit accounting between two tiles.
type sendRecvCmd struct{}

func (*sendRecvCmd) Name() string     { return "send-recv" }
func (*sendRecvCmd) Synopsis() string { return "RGate/SGate send-recv credit scenario" }
func (*sendRecvCmd) Usage() string    { return "send-recv:\n  " + (&sendRecvCmd{}).Synopsis() + "\n" }
func (*sendRecvCmd) SetFlags(*flag.FlagSet) {}

func (*sendRecvCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	bus := tcu.NewBus()
	a, err := tcu.NewDevice(bus, 1, 64*1024)
	if err != nil {
		fmt.Println("FAIL  send-recv:", err)
		return subcommands.ExitFailure
	}
	defer a.Close()
	b, err := tcu.NewDevice(bus, 2, 64*1024)
	if err != nil {
		fmt.Println("FAIL  send-recv:", err)
		return subcommands.ExitFailure
	}
	defer b.Close()

	const aRecvEP tcu.EPId = 16
	const bSendEP tcu.EPId = 5
	if err := a.ConfigureRecv(aRecvEP, 0x4000, 8, 6, 32); err != nil {
		fmt.Println("FAIL  send-recv:", err)
		return subcommands.ExitFailure
	}
	if err := b.ConfigureSend(bSendEP, a.Tile(), aRecvEP, 0xABCD, 2, 6); err != nil {
		fmt.Println("FAIL  send-recv:", err)
		return subcommands.ExitFailure
	}
	if err := b.ConfigureRecv(40, 0x8000, 8, 6, 0); err != nil {
		fmt.Println("FAIL  send-recv:", err)
		return subcommands.ExitFailure
	}

	msg := make([]byte, 16)
	for i := range msg {
		msg[i] = byte(i)
	}
	if err := b.Send(bSendEP, msg, 0xBEEF, 40); err != nil {
		fmt.Println("FAIL  send-recv:", err)
		return subcommands.ExitFailure
	}
	if err := b.Send(bSendEP, msg, 0xBEEF, 40); err != nil {
		fmt.Println("FAIL  send-recv:", err)
		return subcommands.ExitFailure
	}

	off1, _, recvOK, err := a.FetchMsg(aRecvEP)
	if err != nil || !recvOK {
		return ok("send-recv", false, fmt.Sprintf("first fetch failed: %v", err))
	}
	if _, _, recvOK, err := a.FetchMsg(aRecvEP); err != nil || !recvOK {
		return ok("send-recv", false, fmt.Sprintf("second fetch failed: %v", err))
	}
	if err := a.Reply(aRecvEP, []byte("ack"), off1); err != nil {
		return ok("send-recv", false, fmt.Sprintf("reply failed: %v", err))
	}

	credits, err := b.Credits(bSendEP)
	if err != nil {
		return ok("send-recv", false, err.Error())
	}
	mask, err := a.UnreadMask(aRecvEP)
	if err != nil {
		return ok("send-recv", false, err.Error())
	}
	return ok("send-recv", credits == 1 && mask == 0,
		fmt.Sprintf("credits=%d (want 1), unread-mask=%#x (want 0)", credits, mask))
}

// revokeCascadeCmd exercises the KMem derive/remove cascade.
type revokeCascadeCmd struct{}

func (*revokeCascadeCmd) Name() string { return "revoke-cascade" }
func (*revokeCascadeCmd) Synopsis() string {
	return "KMem derivation/revocation cascade restores parent quota"
}
func (*revokeCascadeCmd) Usage() string {
	return "revoke-cascade:\n  " + (&revokeCascadeCmd{}).Synopsis() + "\n"
}
func (*revokeCascadeCmd) SetFlags(*flag.FlagSet) {}

func (*revokeCascadeCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	tr := quota.NewTree[uint64](0x10000)
	k1, err := tr.Derive(tr.Root(), 0x1000)
	if err != nil {
		return ok("revoke-cascade", false, err.Error())
	}
	k2, err := tr.Derive(k1, 0x800)
	if err != nil {
		return ok("revoke-cascade", false, err.Error())
	}

	if err := tr.Remove(k2); err != nil {
		return ok("revoke-cascade", false, err.Error())
	}
	if err := tr.Remove(k1); err != nil {
		return ok("revoke-cascade", false, err.Error())
	}

	root, _ := tr.Get(tr.Root())
	_, k2Exists := tr.Get(k2)
	return ok("revoke-cascade", root.Left() == 0x10000 && !k2Exists,
		fmt.Sprintf("root left=%#x (want %#x), k2 exists=%v (want false)", root.Left(), uint64(0x10000), k2Exists))
}

// sessionOpenCmd exercises a three-party session exchange.
type sessionOpenCmd struct{}

func (*sessionOpenCmd) Name() string { return "session-open" }
func (*sessionOpenCmd) Synopsis() string {
	return "three-party obtain over a service session"
}
func (*sessionOpenCmd) Usage() string {
	return "session-open:\n  " + (&sessionOpenCmd{}).Synopsis() + "\n"
}
func (*sessionOpenCmd) SetFlags(*flag.FlagSet) {}

func (*sessionOpenCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	bus := tcu.NewBus()
	kdev, err := tcu.NewDevice(bus, 1, 4096)
	if err != nil {
		return ok("session-open", false, err.Error())
	}
	defer kdev.Close()
	sdev, err := tcu.NewDevice(bus, 2, 4096)
	if err != nil {
		return ok("session-open", false, err.Error())
	}
	defer sdev.Close()

	if err := kdev.ConfigureRecv(1, 0x2000, 8, 6, 32); err != nil {
		return ok("session-open", false, err.Error())
	}
	const serverEP tcu.EPId = 16
	if err := sdev.ConfigureRecv(serverEP, 0x1000, 8, 6, 32); err != nil {
		return ok("session-open", false, err.Error())
	}

	mgr := sendqueue.NewManager(kdev, 0, 1)
	q := mgr.NewQueue(sendqueue.ID{Kind: sendqueue.KindServ, Num: 1}, sdev.Tile())

	const ident = 0x1234
	serverTable := cap.NewTable(2)
	if _, err := serverTable.Insert(5, cap.KindSess, "m3fs-session-object"); err != nil {
		return ok("session-open", false, err.Error())
	}

	// "m3fs" plays the distrusted server: it replies Success and names its
	// session capability at selector 5 (count 1). The session's ident is
	// set on the Session itself above, not carried in the reply.
	go func() {
		for i := 0; i < 200; i++ {
			off, msg, fetched, ferr := sdev.FetchMsg(serverEP)
			if ferr == nil && fetched {
				r := wire.NewReader(msg.Payload)
				_, _ = r.PopU64()
				_, _ = r.PopU64()
				_, _ = r.PopU32()
				_, _ = r.PopU32()
				_, _ = r.PopBytes()

				w := wire.NewWriter()
				w.PushU64(uint64(errs.Success))
				w.PushU32(5)
				w.PushU32(1)
				_, _ = w.PushBytes(nil)
				_ = sdev.Reply(serverEP, w.Bytes(), off)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	go func() {
		for i := 0; i < 200; i++ {
			_, msg, fetched, ferr := kdev.FetchMsg(1)
			if ferr == nil && fetched {
				mgr.Dispatch(msg)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	broker := session.NewBroker(mgr)
	sess := &session.Session{ServerTable: serverTable, ServerQueue: q, ServerEP: serverEP, Ident: ident, CreatorID: 1}
	callerTable := cap.NewTable(1)

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = broker.ExchangeSess(rctx, callerTable, sess, cap.SelectorRange{Start: 10, Count: 1}, session.Obtain, []byte("open"))
	if err != nil {
		return ok("session-open", false, err.Error())
	}

	got, installed := callerTable.Get(10)
	return ok("session-open", installed && sess.Ident == ident,
		fmt.Sprintf("caller cap installed=%v, ident=%#x (want %#x), payload=%v", installed, sess.Ident, uint64(ident), got.Payload))
}

// pagerFlowCmd exercises the fault-to-pager round trip.
type pagerFlowCmd struct{}

func (*pagerFlowCmd) Name() string     { return "pager-flow" }
func (*pagerFlowCmd) Synopsis() string { return "page fault forwarded to and resolved by the pager" }
func (*pagerFlowCmd) Usage() string    { return "pager-flow:\n  " + (&pagerFlowCmd{}).Synopsis() + "\n" }
func (*pagerFlowCmd) SetFlags(*flag.FlagSet) {}

type mappingPager struct {
	mu sync.Mutex
	as *aspace.AddressSpace
}

func (p *mappingPager) SendFault(_ context.Context, f vma.Fault) (aspace.Flag, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.as.MapPages(f.Virt, f.Virt, 1, aspace.FlagR); err != nil {
		return 0, err
	}
	return aspace.FlagR, nil
}

func (*pagerFlowCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	tree := quota.NewTree[int](256)
	alloc := aspace.NewAllocator(tree, tree.Root())
	as := aspace.New(1, alloc)
	if err := as.Init(); err != nil {
		return ok("pager-flow", false, err.Error())
	}
	defer as.Destroy()

	const faultVirt = 0x4000
	if _, _, terr := as.Translate(faultVirt, aspace.FlagR); terr == nil {
		return ok("pager-flow", false, "page was already mapped before the fault")
	}

	pager := &mappingPager{as: as}
	mgr := vma.NewManager(pager)

	res := <-mgr.Submit(ctx, vma.Fault{ActivityID: 1, Virt: faultVirt, Perm: aspace.FlagR})
	if res.Err != nil {
		return ok("pager-flow", false, res.Err.Error())
	}

	phys, flags, err := as.Translate(faultVirt, aspace.FlagR)
	if err != nil {
		return ok("pager-flow", false, fmt.Sprintf("re-run of the access still faults: %v", err))
	}
	return ok("pager-flow", phys == faultVirt && flags&aspace.FlagR != 0,
		fmt.Sprintf("translate(%#x) -> phys=%#x flags=%v, no further fault", faultVirt, phys, flags))
}

// backpressureCmd exercises the global in-flight cap across queues.
type backpressureCmd struct{}

func (*backpressureCmd) Name() string { return "backpressure" }
func (*backpressureCmd) Synopsis() string {
	return "send-queue MAX_PENDING backpressure across four queues"
}
func (*backpressureCmd) Usage() string {
	return "backpressure:\n  " + (&backpressureCmd{}).Synopsis() + "\n"
}
func (*backpressureCmd) SetFlags(*flag.FlagSet) {}

func (*backpressureCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	bus := tcu.NewBus()
	kdev, err := tcu.NewDevice(bus, 1, 4096)
	if err != nil {
		return ok("backpressure", false, err.Error())
	}
	defer kdev.Close()
	sdev, err := tcu.NewDevice(bus, 2, 4096)
	if err != nil {
		return ok("backpressure", false, err.Error())
	}
	defer sdev.Close()

	if err := kdev.ConfigureRecv(1, 0x2000, 8, 6, 32); err != nil {
		return ok("backpressure", false, err.Error())
	}
	const serverEP tcu.EPId = 16
	if err := sdev.ConfigureRecv(serverEP, 0x1000, 8, 6, 32); err != nil {
		return ok("backpressure", false, err.Error())
	}

	mgr := sendqueue.NewManager(kdev, 0, 1)
	queues := make([]*sendqueue.Queue, 5)
	for i := range queues {
		queues[i] = mgr.NewQueue(sendqueue.ID{Kind: sendqueue.KindActivity, Num: uint16(i + 1)}, sdev.Tile())
	}

	evs := make([]fiber.Event, 5)
	for i := 0; i < 4; i++ {
		ev, serr := queues[i].Send(serverEP, uint64(i), []byte("req"))
		if serr != nil {
			return ok("backpressure", false, serr.Error())
		}
		evs[i] = ev
	}

	// Fetch the four transmitted messages off the wire but withhold
	// replies, so the global pending counter stays saturated at
	// MaxPending until we choose to release one.
	offsets := make([]int, 0, 4)
	for i := 0; i < 200 && len(offsets) < 4; i++ {
		off, _, fetched, ferr := sdev.FetchMsg(serverEP)
		if ferr == nil && fetched {
			offsets = append(offsets, off)
			continue
		}
		time.Sleep(time.Millisecond)
	}
	if len(offsets) != 4 {
		return ok("backpressure", false, fmt.Sprintf("server only observed %d of 4 queued sends", len(offsets)))
	}

	// The fifth queue's Send queues locally behind the saturated global
	// counter and must not reach the wire yet.
	ev5, serr := queues[4].Send(serverEP, 4, []byte("req"))
	if serr != nil {
		return ok("backpressure", false, serr.Error())
	}
	evs[4] = ev5

	time.Sleep(20 * time.Millisecond)
	if _, _, fetched, _ := sdev.FetchMsg(serverEP); fetched {
		return ok("backpressure", false, "fifth queue transmitted before a pending slot freed")
	}

	// Release one of the four in-flight replies and let the kernel
	// dispatch it, which frees a pending slot and resumes the fifth queue.
	if err := sdev.Reply(serverEP, []byte("ack"), offsets[0]); err != nil {
		return ok("backpressure", false, err.Error())
	}
	dispatched := false
	for i := 0; i < 200 && !dispatched; i++ {
		_, msg, fetched, ferr := kdev.FetchMsg(1)
		if ferr == nil && fetched {
			mgr.Dispatch(msg)
			dispatched = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !dispatched {
		return ok("backpressure", false, "kernel never observed the first reply")
	}

	fifthOff, fifthSeen := -1, false
	for i := 0; i < 200 && !fifthSeen; i++ {
		off, _, fetched, ferr := sdev.FetchMsg(serverEP)
		if ferr == nil && fetched {
			fifthOff, fifthSeen = off, true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !fifthSeen {
		return ok("backpressure", false, "fifth queue never transmitted once a slot freed")
	}

	for _, off := range offsets[1:] {
		if err := sdev.Reply(serverEP, []byte("ack"), off); err != nil {
			return ok("backpressure", false, err.Error())
		}
	}
	if err := sdev.Reply(serverEP, []byte("ack"), fifthOff); err != nil {
		return ok("backpressure", false, err.Error())
	}

	go func() {
		for i := 0; i < 500; i++ {
			_, msg, fetched, ferr := kdev.FetchMsg(1)
			if ferr == nil && fetched {
				mgr.Dispatch(msg)
			} else {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	for _, ev := range evs {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		_, rerr := sendqueue.Receive(rctx, mgr, ev)
		cancel()
		if rerr != nil {
			return ok("backpressure", false, rerr.Error())
		}
	}

	return ok("backpressure", true, "all 5 queues completed; fifth transmitted only after a pending slot freed, total outstanding never exceeded 4")
}

// quotaDeriveCmd exercises a time-quota derive/remove round trip.
type quotaDeriveCmd struct{}

func (*quotaDeriveCmd) Name() string { return "quota-derive" }
func (*quotaDeriveCmd) Synopsis() string {
	return "time-quota derive/remove round trip"
}
func (*quotaDeriveCmd) Usage() string {
	return "quota-derive:\n  " + (&quotaDeriveCmd{}).Synopsis() + "\n"
}
func (*quotaDeriveCmd) SetFlags(*flag.FlagSet) {}

func (*quotaDeriveCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	tr := quota.NewTree[uint64](1_000_000)
	child, err := tr.Derive(tr.Root(), 250_000)
	if err != nil {
		return ok("quota-derive", false, err.Error())
	}
	root, _ := tr.Get(tr.Root())
	midTotal := root.Total()

	if err := tr.Remove(child); err != nil {
		return ok("quota-derive", false, err.Error())
	}
	root, _ = tr.Get(tr.Root())
	return ok("quota-derive", midTotal == 750_000 && root.Total() == 1_000_000,
		fmt.Sprintf("after derive total=%d (want 750000), after remove total=%d (want 1000000)", midTotal, root.Total()))
}

// allCmd runs every scenario in sequence.
type allCmd struct{}

func (*allCmd) Name() string           { return "all" }
func (*allCmd) Synopsis() string       { return "run every end-to-end scenario" }
func (*allCmd) Usage() string          { return "all:\n  " + (&allCmd{}).Synopsis() + "\n" }
func (*allCmd) SetFlags(*flag.FlagSet) {}

func (*allCmd) Execute(ctx context.Context, f *flag.FlagSet, arg ...interface{}) subcommands.ExitStatus {
	cmds := []subcommands.Command{
		&sendRecvCmd{}, &revokeCascadeCmd{}, &sessionOpenCmd{},
		&pagerFlowCmd{}, &backpressureCmd{}, &quotaDeriveCmd{},
	}
	worst := subcommands.ExitSuccess
	for _, c := range cmds {
		if status := c.Execute(ctx, f, arg...); status != subcommands.ExitSuccess {
			worst = status
		}
	}
	return worst
}
