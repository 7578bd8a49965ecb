// Package session implements the three-party obtain/delegate broker that
// backs ExchangeSess: build a service request, send it via the owning
// server's send-queue, block for the reply, then run a capability
// exchange between server and caller along the requested direction.
package session

import (
	"context"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/sendqueue"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// Direction selects which side of the exchange the caller plays.
type Direction int

const (
	// Obtain: the caller receives capabilities the server names in its
	// reply, installed at the caller-specified destination range.
	Obtain Direction = iota
	// Delegate: the caller hands its own capabilities to the server.
	Delegate
)

func (d Direction) String() string {
	if d == Obtain {
		return "obtain"
	}
	return "delegate"
}

// Session is the kernel's view of one open session, as needed to route an
// ExchangeSess request to the owning server. Ident was chosen by the
// server at open time; the kernel never interprets it, it is opaque wire
// data round-tripped back.
type Session struct {
	ServerTable *cap.Table
	ServerQueue *sendqueue.Queue
	ServerEP    tcu.EPId
	Ident       uint64
	CreatorID   uint16
}

// Broker drives ExchangeSess operations against a shared send-queue
// manager (so Receive can block on the manager's event broker).
type Broker struct {
	sq *sendqueue.Manager
}

// NewBroker creates a broker that completes exchanges via sq.
func NewBroker(sq *sendqueue.Manager) *Broker {
	return &Broker{sq: sq}
}

// request is the wire payload sent to the server: the session ident, the
// cap range under exchange, and the caller's opaque args.
type request struct {
	dir     Direction
	ident   uint64
	caps    cap.SelectorRange
	args    []byte
}

func encodeRequest(r request) ([]byte, error) {
	w := wire.NewWriter()
	w.PushU64(uint64(r.dir))
	w.PushU64(r.ident)
	w.PushU32(uint32(r.caps.Start))
	w.PushU32(r.caps.Count)
	if _, err := w.PushBytes(r.args); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// reply is the server's response: status, the server-side cap range, and
// out args for the caller.
type reply struct {
	status errs.Kind
	caps   cap.SelectorRange
	args   []byte
}

func decodeReply(payload []byte) (reply, error) {
	r := wire.NewReader(payload)
	status, err := r.PopU64()
	if err != nil {
		return reply{}, err
	}
	start, err := r.PopU32()
	if err != nil {
		return reply{}, err
	}
	count, err := r.PopU32()
	if err != nil {
		return reply{}, err
	}
	args, err := r.PopBytes()
	if err != nil {
		return reply{}, err
	}
	return reply{
		status: errs.Kind(status),
		caps:   cap.SelectorRange{Start: cap.Selector(start), Count: count},
		args:   args,
	}, nil
}

// ExchangeSess runs one obtain/delegate transaction end to end.
// callerTable is the requesting activity's
// capability table; callerRange is the selector range it names in the
// request (the range it wants filled, for Obtain; the range it is
// sharing, for Delegate).
func (b *Broker) ExchangeSess(ctx context.Context, callerTable *cap.Table, sess *Session, callerRange cap.SelectorRange, dir Direction, args []byte) ([]byte, error) {
	if dir == Obtain && !callerTable.RangeUnused(callerRange.Start, callerRange.Count) {
		return nil, errs.New(errs.InvArgs)
	}

	payload, err := encodeRequest(request{dir: dir, ident: sess.Ident, caps: callerRange, args: args})
	if err != nil {
		return nil, errs.Wrap(err, errs.InvArgs, "session: encode request")
	}

	// servers are distrusted: the kernel never dereferences Ident and
	// turns any send, receive or decode failure into RecvGone; the status
	// carried in a well-formed reply is returned as-is.
	ev, err := sess.ServerQueue.Send(sess.ServerEP, uint64(sess.CreatorID), payload)
	if err != nil {
		return nil, errs.Wrap(err, errs.RecvGone, "session: server unreachable")
	}

	msg, err := sendqueue.Receive(ctx, b.sq, ev)
	if err != nil {
		return nil, errs.Wrap(err, errs.RecvGone, "session: no reply from server")
	}

	rep, err := decodeReply(msg.Payload)
	if err != nil {
		return nil, errs.Wrap(err, errs.RecvGone, "session: malformed server reply")
	}
	if rep.status != errs.Success {
		return nil, errs.New(rep.status)
	}

	srcTable, dstTable := sess.ServerTable, callerTable
	srcRange, dstRange := rep.caps, callerRange
	if dir == Delegate {
		srcTable, dstTable = callerTable, sess.ServerTable
		srcRange, dstRange = callerRange, rep.caps
	}
	if err := cap.Exchange(srcTable, dstTable, srcRange, dstRange, true); err != nil {
		return nil, errs.Wrap(err, errs.InvArgs, "session: cap exchange")
	}

	return rep.args, nil
}
