// Package sendqueue implements the kernel's per-destination send FIFOs:
// the kernel sends to many servers, each reply takes indeterminate time,
// and no single slow server may block the others or exceed a global
// in-flight cap. All queues on one kernel instance share a Manager that
// owns the global counter and the reply routing table.
package sendqueue

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/fiber"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// uuidWord reduces a fresh random UUID down to a uint64, used both for
// qid allocation and reply-label generation. A queue-pointer-as-label
// trick is not available in Go, so labels are random instead.
func uuidWord() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// MaxPending is the global cap on outstanding kernel-to-server messages
// across every queue.
const MaxPending = 4

// Kind distinguishes what a queue's destination represents.
type Kind int

const (
	KindTileMux Kind = iota
	KindActivity
	KindServ
)

// ID names a send-queue's owner for logging and lookup.
type ID struct {
	Kind Kind
	Num  uint16
}

func (id ID) String() string {
	switch id.Kind {
	case KindTileMux:
		return "TileMux(" + itoa(id.Num) + ")"
	case KindActivity:
		return "Activity(" + itoa(id.Num) + ")"
	default:
		return "Serv(" + itoa(id.Num) + ")"
	}
}

func itoa(n uint16) string {
	if n == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

type queuedMsg struct {
	rep     tcu.EPId
	label   uint64
	payload []byte
	qid     uint64
	ev      fiber.Event
}

// Queue is one destination's outstanding-message FIFO. A Queue sends to
// exactly one tile over the kernel's single dedicated send-EP, which is
// reconfigured per call.
type Queue struct {
	mgr  *Manager
	id   ID
	tile tcu.TileID

	mu          sync.Mutex
	backlog     []queuedMsg
	curEvent    *fiber.Event
	aborted     bool
	delayed     bool
	replyLabel  uint64
	log         *logrus.Entry
}

// Manager is the kernel-wide send-queue state: the global in-flight
// counter, the FIFO of queues delayed by backpressure, and the
// replyLabel-to-Queue routing table. Each send installs its queue's reply
// label in the outgoing header, so replies route back without a linear
// scan.
type Manager struct {
	dev     *tcu.Device
	ep      tcu.EPId
	replyEP tcu.EPId

	// txMu serialises configure+send pairs on the single shared ep, since
	// the kernel reconfigures it per destination rather than owning one EP
	// per queue. The EP must stay single-writer even though the fibers
	// here are real goroutines.
	txMu sync.Mutex

	mu           sync.Mutex
	pendingMsgs  int
	delayQueue   []*Queue
	byReplyLabel map[uint64]*Queue

	broker *fiber.Broker
	log    *logrus.Entry
}

// NewManager creates a send-queue manager that sends kernel-to-server
// messages over dev's endpoint ep (reconfigured per destination on every
// send) and expects replies on replyEP, which the caller must already
// have configured as a receive-EP.
func NewManager(dev *tcu.Device, ep, replyEP tcu.EPId) *Manager {
	return &Manager{
		dev:          dev,
		ep:           ep,
		replyEP:      replyEP,
		byReplyLabel: make(map[uint64]*Queue),
		broker:       fiber.NewBroker(),
		log:          logrus.WithField("subsystem", "sendqueue"),
	}
}

// NewQueue creates a queue targeting tile, registering it under a fresh
// reply label so Manager.Dispatch can route replies to it.
func (m *Manager) NewQueue(id ID, tile tcu.TileID) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &Queue{
		mgr:        m,
		id:         id,
		tile:       tile,
		replyLabel: uuidWord(),
		log:        m.log.WithField("queue", id.String()),
	}
	for {
		if _, exists := m.byReplyLabel[q.replyLabel]; !exists {
			break
		}
		q.replyLabel++
	}
	m.byReplyLabel[q.replyLabel] = q
	return q
}

// tryReserve claims one of the MaxPending global in-flight slots. The
// claim happens under the manager lock so concurrent senders cannot
// overshoot the cap; a failed transmit must release via decPending.
func (m *Manager) tryReserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingMsgs >= MaxPending {
		return false
	}
	m.pendingMsgs++
	return true
}

func (m *Manager) decPending() {
	m.mu.Lock()
	m.pendingMsgs--
	m.mu.Unlock()
}

func (m *Manager) delay(q *Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !q.delayed {
		q.delayed = true
		m.delayQueue = append(m.delayQueue, q)
		m.log.WithField("queue", q.id.String()).Debug("delaying send-queue")
	}
}

func (m *Manager) undelay(q *Queue) {
	m.mu.Lock()
	for i, d := range m.delayQueue {
		if d == q {
			m.delayQueue = append(m.delayQueue[:i], m.delayQueue[i+1:]...)
			break
		}
	}
	q.delayed = false
	m.mu.Unlock()
}

// resume pops one delayed queue and re-attempts its oldest backlog entry.
func (m *Manager) resume() {
	m.mu.Lock()
	if len(m.delayQueue) == 0 {
		m.mu.Unlock()
		return
	}
	q := m.delayQueue[0]
	m.delayQueue = m.delayQueue[1:]
	q.delayed = false
	m.mu.Unlock()

	m.log.WithField("queue", q.id.String()).Debug("resuming send-queue")
	q.sendPending()
}

// allocQID mints a fresh 63-bit qid; bit 63 stays clear so a qid can
// never collide with the tagged values other subsystems put on the wire.
func allocQID() uint64 {
	return uuidWord() &^ (1 << 63)
}

// Send enqueues msg for delivery to rep/label on q's destination tile,
// returning an Event the caller can Wait on for the reply. Per-queue FIFO
// and the global MaxPending cap are both enforced: if q already has a
// message in flight, or the global counter is saturated, msg is queued
// locally instead of transmitted immediately.
func (q *Queue) Send(rep tcu.EPId, label uint64, payload []byte) (fiber.Event, error) {
	q.mu.Lock()
	if q.aborted {
		q.mu.Unlock()
		return 0, errs.New(errs.RecvGone)
	}
	qid := allocQID()
	ev := q.mgr.broker.NewEvent()
	msg := queuedMsg{rep: rep, label: label, payload: payload, qid: qid, ev: ev}

	canSendNow := q.curEvent == nil && q.mgr.tryReserve()
	if canSendNow {
		q.mu.Unlock()
		if err := q.transmit(msg, ev); err != nil {
			return 0, err
		}
	} else {
		q.backlog = append(q.backlog, msg)
		q.log.Debug("queuing msg locally")
		if q.curEvent == nil {
			q.mu.Unlock()
			q.mgr.delay(q)
		} else {
			q.mu.Unlock()
		}
	}
	return ev, nil
}

// transmit actually hands msg to the TCU, recording ev as the queue's
// single in-flight wait slot. The caller must already hold a reserved
// global slot; transmit releases it on failure.
func (q *Queue) transmit(msg queuedMsg, ev fiber.Event) error {
	q.mu.Lock()
	q.curEvent = &ev
	replyLabel := q.replyLabel
	q.mu.Unlock()

	q.mgr.txMu.Lock()
	cfgErr := q.mgr.dev.ConfigureSend(q.mgr.ep, q.tile, msg.rep, msg.label, 1, 9)
	var sendErr error
	if cfgErr == nil {
		sendErr = q.mgr.dev.Send(q.mgr.ep, msg.payload, replyLabel, q.mgr.replyEP)
	}
	q.mgr.txMu.Unlock()
	if cfgErr != nil {
		return q.failTransmit(cfgErr)
	}
	if sendErr != nil {
		return q.failTransmit(sendErr)
	}
	return nil
}

func (q *Queue) failTransmit(err error) error {
	q.mu.Lock()
	q.curEvent = nil
	q.mu.Unlock()
	q.mgr.decPending()
	q.mgr.resume()
	return errs.Wrap(err, errs.RecvGone, "sendqueue: transmit failed")
}

// sendPending drains the backlog while the queue may still send.
func (q *Queue) sendPending() {
	for {
		q.mu.Lock()
		if q.aborted || len(q.backlog) == 0 || q.curEvent != nil {
			q.mu.Unlock()
			return
		}
		if !q.mgr.tryReserve() {
			// The freed slot was claimed by someone else in the meantime;
			// go back on the delay list so the next reply retries us.
			q.mu.Unlock()
			q.mgr.delay(q)
			return
		}
		next := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()

		if err := q.transmit(next, next.ev); err != nil {
			q.mgr.broker.Notify(next.ev, nil)
			return
		}
	}
}

// Receive blocks the calling kernel fiber on ev until the reply arrives
// or ctx is cancelled, returning the reply message.
func Receive(ctx context.Context, mgr *Manager, ev fiber.Event) (wire.Message, error) {
	v, err := mgr.broker.Wait(ctx, ev)
	if err != nil {
		return wire.Message{}, err
	}
	if v == nil {
		return wire.Message{}, errs.New(errs.RecvGone)
	}
	return v.(wire.Message), nil
}

// Dispatch routes an inbound reply to the queue that sent the original
// request, identified by msg.Header.Label (the queue's reply label
// installed at Send time). Unknown labels cannot correspond to any live
// queue and are dropped with a warning.
func (m *Manager) Dispatch(msg wire.Message) {
	m.mu.Lock()
	q, ok := m.byReplyLabel[msg.Header.Label]
	m.mu.Unlock()
	if !ok {
		m.log.WithField("label", msg.Header.Label).Warn("reply for unknown send-queue, dropping")
		return
	}
	q.ReceivedReply(msg)
}

// ReceivedReply completes q's in-flight wait with msg and, if there is
// more backlog, keeps sending; otherwise it lets another delayed queue
// take the freed global slot.
func (q *Queue) ReceivedReply(msg wire.Message) {
	q.log.Debug("received reply")

	q.mu.Lock()
	ev := q.curEvent
	q.curEvent = nil
	q.mu.Unlock()

	if ev != nil {
		q.mgr.broker.Notify(*ev, msg)
		q.mgr.decPending()
	}

	q.mu.Lock()
	hasBacklog := len(q.backlog) > 0
	q.mu.Unlock()

	if hasBacklog {
		q.sendPending()
	} else {
		q.mgr.resume()
	}
}

// Abort wakes any waiter with a nil result (observed by Receive as
// RecvGone), drops backlog, and refuses all future sends. Revoking a
// gate whose owner is blocked in Receive lands here.
func (q *Queue) Abort() {
	q.log.Debug("aborting")
	q.mgr.undelay(q)

	q.mu.Lock()
	ev := q.curEvent
	q.curEvent = nil
	dropped := q.backlog
	q.backlog = nil
	q.aborted = true
	q.mu.Unlock()

	for _, m := range dropped {
		q.mgr.broker.Notify(m.ev, nil)
	}
	if ev != nil {
		q.mgr.broker.Notify(*ev, nil)
		q.mgr.decPending()
		q.mgr.resume()
	}

	q.mgr.mu.Lock()
	delete(q.mgr.byReplyLabel, q.replyLabel)
	q.mgr.mu.Unlock()
}

// ID returns the queue's owner identity.
func (q *Queue) ID() ID { return q.id }
