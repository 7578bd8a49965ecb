// Package sched implements the per-tile cooperative scheduler:
// round-robin over activities in the Ready state, with a reserved idle
// activity as lowest priority, time-slice accounting backed by pkg/quota,
// lazy FPU-ownership tracking, and ASID allocation with a full-flush
// fallback on wraparound. Pending wait timeouts live in a container/heap
// deadline queue.
package sched

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stephan-gh/M3-sub004/pkg/quota"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
)

// State is an activity's scheduling state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// WaitKind distinguishes what a Blocked resident is waiting on: an EP, an
// IRQ, or nothing in particular.
type WaitKind int

const (
	WaitNone WaitKind = iota
	WaitEP
	WaitIRQ
)

// WaitReason names the condition a Blocked resident unblocks on.
type WaitReason struct {
	Kind WaitKind
	EP   tcu.EPId
	IRQ  tcu.IRQKind
}

// UnblockResult is delivered to a caller whose Wait returns, telling it
// which of the conditions it registered actually fired, or that it timed
// out. The first condition to fire wins; the others are rescinded.
type UnblockResult int

const (
	UnblockMessage UnblockResult = iota
	UnblockIRQ
	UnblockTimeout
	UnblockForced // e.g. EPInval sidecall
)

// Resident is one activity known to this tile's scheduler.
type Resident struct {
	ID       uint16
	State    State
	Wait     WaitReason
	ASID     int
	asidGen  int // generation the cached ASID was allocated in; stale if != scheduler's current generation
	quotaID  quota.ID
	sliceNs  int64
	timeLeft int64
}

type timeoutItem struct {
	deadline time.Time
	id       uint16
	index    int
}

type timeoutHeap []*timeoutItem

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timeoutHeap) Push(x interface{}) {
	it := x.(*timeoutItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler is one tile's cooperative scheduler: exactly one resident
// runs at a time, the rest are Ready/Blocked/Suspended.
type Scheduler struct {
	log    *logrus.Entry
	idleID uint16

	residents map[uint16]*Resident
	ready     []uint16
	current   uint16

	fpuOwner  uint16
	hasOwner  bool
	asidGen   int
	nextASID  int
	maxASID   int

	timeouts   timeoutHeap
	timeoutIdx map[uint16]*timeoutItem

	timeTree *quota.Tree[int64]
}

// NewScheduler creates a scheduler for one tile. idleID is the reserved
// always-Ready activity switched to when Ready is otherwise empty.
// timeTree backs per-activity time-slice quota nodes; maxASID bounds the
// hardware ASID space before wraparound forces a full flush.
func NewScheduler(idleID uint16, timeTree *quota.Tree[int64], maxASID int) *Scheduler {
	s := &Scheduler{
		log:        logrus.WithField("subsystem", "tilemux.sched"),
		idleID:     idleID,
		residents:  make(map[uint16]*Resident),
		maxASID:    maxASID,
		asidGen:    1, // zero-valued residents have gen 0, i.e. no cached ASID
		timeoutIdx: make(map[uint16]*timeoutItem),
		timeTree:   timeTree,
	}
	s.residents[idleID] = &Resident{ID: idleID, State: StateReady}
	return s
}

// AddActivity registers a fresh resident in the Ready state, attached to
// quotaID for time-slice accounting.
func (s *Scheduler) AddActivity(id uint16, quotaID quota.ID) error {
	if _, exists := s.residents[id]; exists {
		return fmt.Errorf("sched: activity %d already resident", id)
	}
	total, _, err := s.timeTree.Snapshot(quotaID)
	if err != nil {
		return err
	}
	if err := s.timeTree.Attach(quotaID); err != nil {
		return err
	}
	s.residents[id] = &Resident{ID: id, State: StateReady, quotaID: quotaID, sliceNs: total, timeLeft: total}
	s.ready = append(s.ready, id)
	s.log.WithField("activity", id).Debug("activity added to ready queue")
	return nil
}

// RemoveActivity drops id from the scheduler entirely, detaching it from
// its time-quota node and cancelling any pending timeout.
func (s *Scheduler) RemoveActivity(id uint16) {
	r, ok := s.residents[id]
	if !ok {
		return
	}
	_ = s.timeTree.Detach(r.quotaID)
	s.cancelTimeout(id)
	s.removeFromReady(id)
	delete(s.residents, id)
	if s.current == id {
		s.current = 0
	}
	if s.hasOwner && s.fpuOwner == id {
		s.hasOwner = false
	}
}

func (s *Scheduler) removeFromReady(id uint16) {
	for i, r := range s.ready {
		if r == id {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// Resident returns the bookkeeping for id, if known.
func (s *Scheduler) Resident(id uint16) (*Resident, bool) {
	r, ok := s.residents[id]
	return r, ok
}

// Suspend moves id out of Ready/Running into Suspended, removing it from
// the ready queue if present.
func (s *Scheduler) Suspend(id uint16) error {
	r, ok := s.residents[id]
	if !ok {
		return fmt.Errorf("sched: no such activity %d", id)
	}
	r.State = StateSuspended
	s.removeFromReady(id)
	return nil
}

// Resume moves a Suspended id back to Ready.
func (s *Scheduler) Resume(id uint16) error {
	r, ok := s.residents[id]
	if !ok {
		return fmt.Errorf("sched: no such activity %d", id)
	}
	if r.State == StateReady || r.State == StateRunning {
		return nil
	}
	r.State = StateReady
	r.timeLeft = r.sliceNs
	s.ready = append(s.ready, id)
	return nil
}

// Yield moves the current resident to the tail of Ready, refreshing its
// time slice.
func (s *Scheduler) Yield(id uint16) {
	r, ok := s.residents[id]
	if !ok || r.State != StateRunning {
		return
	}
	r.State = StateReady
	r.timeLeft = r.sliceNs
	s.ready = append(s.ready, id)
}

// ChargeSlice deducts ns from id's remaining time slice, reporting
// whether the slice is now exhausted. It does not requeue the activity;
// Tick calls Yield when the slice runs out.
func (s *Scheduler) ChargeSlice(id uint16, ns int64) (exhausted bool) {
	r, ok := s.residents[id]
	if !ok {
		return false
	}
	r.timeLeft -= ns
	if r.timeLeft <= 0 {
		r.timeLeft = 0
		return true
	}
	return false
}

// Block transitions id from Running to Blocked on reason, optionally
// scheduling a Timeout via the deadline heap.
func (s *Scheduler) Block(id uint16, reason WaitReason, timeout time.Duration) error {
	r, ok := s.residents[id]
	if !ok {
		return fmt.Errorf("sched: no such activity %d", id)
	}
	r.State = StateBlocked
	r.Wait = reason
	if timeout > 0 {
		s.scheduleTimeout(id, timeout)
	}
	return nil
}

func (s *Scheduler) scheduleTimeout(id uint16, d time.Duration) {
	s.cancelTimeout(id)
	it := &timeoutItem{deadline: time.Now().Add(d), id: id}
	heap.Push(&s.timeouts, it)
	s.timeoutIdx[id] = it
}

func (s *Scheduler) cancelTimeout(id uint16) {
	it, ok := s.timeoutIdx[id]
	if !ok {
		return
	}
	if it.index >= 0 && it.index < len(s.timeouts) {
		heap.Remove(&s.timeouts, it.index)
	}
	delete(s.timeoutIdx, id)
}

// Unblock transitions a Blocked id back to Ready with the given result.
// It is a no-op if id is not currently Blocked.
func (s *Scheduler) Unblock(id uint16, result UnblockResult) bool {
	r, ok := s.residents[id]
	if !ok || r.State != StateBlocked {
		return false
	}
	s.cancelTimeout(id)
	r.State = StateReady
	r.Wait = WaitReason{}
	r.timeLeft = r.sliceNs
	s.ready = append(s.ready, id)
	s.log.WithFields(logrus.Fields{"activity": id, "result": result}).Debug("unblocked")
	return true
}

// ExpireTimeouts pops every timeout whose deadline has passed, unblocks
// the corresponding resident with UnblockTimeout, and returns their ids.
func (s *Scheduler) ExpireTimeouts(now time.Time) []uint16 {
	var expired []uint16
	for len(s.timeouts) > 0 && !s.timeouts[0].deadline.After(now) {
		it := heap.Pop(&s.timeouts).(*timeoutItem)
		delete(s.timeoutIdx, it.id)
		if s.Unblock(it.id, UnblockTimeout) {
			expired = append(expired, it.id)
		}
	}
	return expired
}

// NextDeadline returns the earliest pending timeout deadline, if any.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	if len(s.timeouts) == 0 {
		return time.Time{}, false
	}
	return s.timeouts[0].deadline, true
}

// Next picks the activity to run: the head of Ready, or the idle activity
// if Ready is empty. It marks the chosen resident Running and reports
// whether this differs from the previously running activity, since an
// address-space switch is only needed then.
func (s *Scheduler) Next() (id uint16, switched bool) {
	var next uint16
	if len(s.ready) > 0 {
		next = s.ready[0]
		s.ready = s.ready[1:]
	} else {
		next = s.idleID
	}
	prev := s.current
	if r, ok := s.residents[next]; ok {
		r.State = StateRunning
	}
	s.current = next
	return next, next != prev
}

// Current reports the activity presently marked Running.
func (s *Scheduler) Current() uint16 { return s.current }

// AllocASID returns the ASID to install for id, allocating a fresh one if
// id has none cached for the current generation. If the counter wraps,
// every cached ASID becomes stale and the caller must issue a full TLB
// flush for this switch.
func (s *Scheduler) AllocASID(id uint16) (asid int, flushAll bool) {
	r, ok := s.residents[id]
	if !ok {
		return 0, false
	}
	if r.asidGen == s.asidGen {
		return r.ASID, false
	}
	if s.nextASID >= s.maxASID {
		s.nextASID = 0
		s.asidGen++
		flushAll = true
		s.log.Warn("ASID space exhausted, forcing full TLB flush")
	}
	r.ASID = s.nextASID
	r.asidGen = s.asidGen
	s.nextASID++
	return r.ASID, flushAll
}

// TrapFPU records that id just took an FPU trap, returning the previous
// owner (if any) so the caller can decide whether to save its FPU state
// before installing id's. FPU state is saved lazily, only when ownership
// actually changes hands.
func (s *Scheduler) TrapFPU(id uint16) (prevOwner uint16, hadOwner bool) {
	prevOwner, hadOwner = s.fpuOwner, s.hasOwner
	s.fpuOwner = id
	s.hasOwner = true
	return prevOwner, hadOwner && prevOwner != id
}

// ClearFPUOwner drops FPU ownership tracking, e.g. on activity destroy.
func (s *Scheduler) ClearFPUOwner(id uint16) {
	if s.hasOwner && s.fpuOwner == id {
		s.hasOwner = false
	}
}

// ReadyLen reports how many activities are currently Ready.
func (s *Scheduler) ReadyLen() int { return len(s.ready) }

// IdleID returns the reserved idle activity id.
func (s *Scheduler) IdleID() uint16 { return s.idleID }
