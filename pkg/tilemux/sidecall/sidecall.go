// Package sidecall implements the kernel-to-TileMux control plane: a
// dedicated receive-EP accepting ActInit/ActCtrl/Map/Translate/RemMsgs/
// EPInval/Quota/SetQuota/DeriveQuota messages, each dispatched
// synchronously on the multiplexer's own reply path so sidecalls never
// contend with normal user messages. Requests and replies use pkg/wire's
// push/pop word codec, the same wire style as the kernel's syscall
// dispatcher.
package sidecall

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stephan-gh/M3-sub004/pkg/aspace"
	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/quota"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// Opcode is the sidecall discriminant, a separate namespace from the
// kernel's own wire.Opcode: sidecalls travel a distinct channel with
// their own reply routing, so the two label spaces never mix.
type Opcode uint64

const (
	OpActInit Opcode = iota
	OpActCtrl
	OpMap
	OpTranslate
	OpRemMsgs
	OpEPInval
	OpQuota
	OpSetQuota
	OpDeriveQuota
)

var opcodeNames = map[Opcode]string{
	OpActInit:     "ActInit",
	OpActCtrl:     "ActCtrl",
	OpMap:         "Map",
	OpTranslate:   "Translate",
	OpRemMsgs:     "RemMsgs",
	OpEPInval:     "EPInval",
	OpQuota:       "Quota",
	OpSetQuota:    "SetQuota",
	OpDeriveQuota: "DeriveQuota",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(%d)", uint64(o))
}

// CtrlOp is ActCtrl's run-state toggle.
type CtrlOp int

const (
	CtrlStart CtrlOp = iota
	CtrlStop
)

// Ops is the set of operations a multiplexer exposes to the sidecall
// dispatcher, kept as an interface here (rather than importing
// pkg/tilemux directly) since pkg/tilemux is the one that constructs a
// Dispatcher over itself.
type Ops interface {
	ActInit(id uint16, epsStart tcu.EPId, ptFrames int) error
	ActCtrl(id uint16, ctrl CtrlOp) error
	Map(id uint16, virt, glob uint64, pages int, perms aspace.Flag) error
	Translate(id uint16, virt uint64, perms aspace.Flag) (uint64, error)
	RemMsgs(id uint16, mask uint64) error
	EPInval(id uint16, ep tcu.EPId) error
	Quota(id uint16) (timeTotal, timeLeft int64, ptTotal, ptLeft int, err error)
	SetQuota(id uint16, timeTotal int64) error
	DeriveQuota(id uint16, timeAmount int64) (quota.ID, error)
}

// Handler runs one sidecall opcode against ops.
type Handler func(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind

// Dispatcher routes inbound sidecall messages to their opcode's Handler.
type Dispatcher struct {
	ops      Ops
	handlers map[Opcode]Handler
	log      *logrus.Entry
}

// NewDispatcher builds a Dispatcher wired to ops.
func NewDispatcher(ops Ops) *Dispatcher {
	d := &Dispatcher{ops: ops, log: logrus.WithField("subsystem", "tilemux.sidecall")}
	d.handlers = map[Opcode]Handler{
		OpActInit:     hActInit,
		OpActCtrl:     hActCtrl,
		OpMap:         hMap,
		OpTranslate:   hTranslate,
		OpRemMsgs:     hRemMsgs,
		OpEPInval:     hEPInval,
		OpQuota:       hQuota,
		OpSetQuota:    hSetQuota,
		OpDeriveQuota: hDeriveQuota,
	}
	return d
}

// Dispatch decodes one sidecall message and returns the encoded reply
// (status word plus any handler-written fields).
func (d *Dispatcher) Dispatch(_ context.Context, msg wire.Message) []byte {
	r := wire.NewReader(msg.Payload)
	opWord, err := r.PopU64()
	if err != nil {
		return encodeStatus(errs.InvArgs, nil)
	}
	op := Opcode(opWord)
	h, ok := d.handlers[op]
	if !ok {
		d.log.WithField("opcode", op).Warn("unknown sidecall opcode")
		return encodeStatus(errs.InvArgs, nil)
	}
	w := wire.NewWriter()
	status := h(d.ops, r, w)
	if status != errs.Success {
		d.log.WithFields(logrus.Fields{"opcode": op, "status": status}).Debug("sidecall failed")
		return encodeStatus(status, nil)
	}
	return encodeStatus(status, w)
}

func encodeStatus(status errs.Kind, payload *wire.Writer) []byte {
	out := wire.NewWriter().PushU64(uint64(status)).Bytes()
	if payload != nil {
		out = append(out, payload.Bytes()...)
	}
	return out
}

// Encode renders a sidecall request with op as the leading opcode word
// followed by whatever the caller pushed onto body, used by the kernel
// side that issues sidecalls.
func Encode(op Opcode, body *wire.Writer) []byte {
	out := wire.NewWriter().PushU64(uint64(op)).Bytes()
	if body != nil {
		out = append(out, body.Bytes()...)
	}
	return out
}

func hActInit(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind {
	id, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	epsStart, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	ptFrames, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	if err := ops.ActInit(uint16(id), tcu.EPId(epsStart), int(ptFrames)); err != nil {
		return errs.KindOf(err)
	}
	return errs.Success
}

func hActCtrl(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind {
	id, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	ctrl, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	if ctrl > 1 {
		return errs.InvArgs
	}
	if err := ops.ActCtrl(uint16(id), CtrlOp(ctrl)); err != nil {
		return errs.KindOf(err)
	}
	return errs.Success
}

func hMap(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind {
	id, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	virt, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	glob, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	pages, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	perms, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	if err := ops.Map(uint16(id), virt, glob, int(pages), aspace.Flag(perms)); err != nil {
		return errs.KindOf(err)
	}
	return errs.Success
}

func hTranslate(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind {
	id, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	virt, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	perms, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	phys, terr := ops.Translate(uint16(id), virt, aspace.Flag(perms))
	if terr != nil {
		return errs.KindOf(terr)
	}
	w.PushU64(phys)
	return errs.Success
}

func hRemMsgs(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind {
	id, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	mask, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	if err := ops.RemMsgs(uint16(id), mask); err != nil {
		return errs.KindOf(err)
	}
	return errs.Success
}

func hEPInval(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind {
	id, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	ep, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	if err := ops.EPInval(uint16(id), tcu.EPId(ep)); err != nil {
		return errs.KindOf(err)
	}
	return errs.Success
}

func hQuota(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind {
	id, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	timeTotal, timeLeft, ptTotal, ptLeft, qerr := ops.Quota(uint16(id))
	if qerr != nil {
		return errs.KindOf(qerr)
	}
	w.PushU64(uint64(timeTotal))
	w.PushU64(uint64(timeLeft))
	w.PushU32(uint32(ptTotal))
	w.PushU32(uint32(ptLeft))
	return errs.Success
}

func hSetQuota(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind {
	id, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	total, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	if err := ops.SetQuota(uint16(id), int64(total)); err != nil {
		return errs.KindOf(err)
	}
	return errs.Success
}

func hDeriveQuota(ops Ops, r *wire.Reader, w *wire.Writer) errs.Kind {
	id, err := r.PopU32()
	if err != nil {
		return errs.InvArgs
	}
	amount, err := r.PopU64()
	if err != nil {
		return errs.InvArgs
	}
	childID, derr := ops.DeriveQuota(uint16(id), int64(amount))
	if derr != nil {
		return errs.KindOf(derr)
	}
	w.PushU64(uint64(childID))
	return errs.Success
}
