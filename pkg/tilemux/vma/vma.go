// Package vma implements the tile's page-fault path: a faulting
// activity's access is forwarded to its pager (a user service) and the
// activity is blocked until the pager replies, while a small, bounded
// number of concurrent translation requests from other activities queue
// behind the one in-flight fault per tile.
package vma

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/stephan-gh/M3-sub004/pkg/aspace"
	"github.com/stephan-gh/M3-sub004/pkg/errs"
)

// MaxPending bounds the queue of translation requests buffered behind the
// single in-flight fault per tile.
const MaxPending = 8

// Fault describes one faulting access.
type Fault struct {
	ActivityID uint16
	Virt       uint64
	Perm       aspace.Flag
}

// Pager sends a page-fault message to the activity's registered pager and
// waits for its reply, translated into the mapping flags the pager
// installed (or an error if the pager could not resolve it). The
// multiplexer implements this using the activity's page-fault send-EP and
// the fiber.Broker wait/notify primitive.
type Pager interface {
	SendFault(ctx context.Context, f Fault) (aspace.Flag, error)
}

// Result is delivered to a fault's caller once resolved.
type Result struct {
	Perm aspace.Flag
	Err  error
}

type pendingFault struct {
	fault  Fault
	result chan Result
}

// Manager serialises page faults through a single pager round-trip per
// tile at a time, queuing the rest.
type Manager struct {
	pager    Pager
	log      *logrus.Entry
	inFlight bool
	pending  []pendingFault
	mu       chan struct{} // binary semaphore-style mutex compatible with goroutine submission from the event loop
}

// NewManager creates a fault manager that forwards faults via pager.
func NewManager(pager Pager) *Manager {
	m := &Manager{pager: pager, log: logrus.WithField("subsystem", "tilemux.vma"), mu: make(chan struct{}, 1)}
	m.mu <- struct{}{}
	return m
}

func (m *Manager) lock()   { <-m.mu }
func (m *Manager) unlock() { m.mu <- struct{}{} }

// Submit queues f for resolution, returning a channel that receives
// exactly one Result once the pager replies (or the queue overflows). If
// no fault is currently in flight, f is sent to the pager immediately on
// a new goroutine.
func (m *Manager) Submit(ctx context.Context, f Fault) <-chan Result {
	out := make(chan Result, 1)
	m.lock()
	if !m.inFlight {
		m.inFlight = true
		m.unlock()
		m.dispatch(ctx, pendingFault{fault: f, result: out})
		return out
	}
	if len(m.pending) >= MaxPending {
		m.unlock()
		out <- Result{Err: errs.New(errs.NoSpace)}
		return out
	}
	m.pending = append(m.pending, pendingFault{fault: f, result: out})
	m.log.WithField("activity", f.ActivityID).Debug("queuing page fault behind in-flight request")
	m.unlock()
	return out
}

func (m *Manager) dispatch(ctx context.Context, pf pendingFault) {
	go func() {
		perm, err := m.pager.SendFault(ctx, pf.fault)
		pf.result <- Result{Perm: perm, Err: err}
		m.drainNext(ctx)
	}()
}

func (m *Manager) drainNext(ctx context.Context) {
	m.lock()
	if len(m.pending) == 0 {
		m.inFlight = false
		m.unlock()
		return
	}
	next := m.pending[0]
	m.pending = m.pending[1:]
	m.unlock()
	m.dispatch(ctx, next)
}

// ErrNoPager is returned by Pager implementations when the faulting
// activity has no pager registered: the caller must kill it with
// Unspecified rather than retry.
var ErrNoPager = errs.New(errs.Unspecified)
