// Package syscall implements the kernel-EP syscall dispatcher: parse an
// opcode and request struct off an inbound kernel-EP message,
// authenticate the sender by its message label (the sender's activity
// id), dispatch to a kind-specific handler, and reply with a status code
// plus any handler-specific payload.
package syscall

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// Handler runs one opcode's logic: it reads its request fields from r,
// writes any reply fields to w, and returns the status to report. Every
// error produces a single reply, and no partial state changes survive a
// failing handler.
type Handler func(ctx context.Context, k *kernel.Kernel, caller *kernel.Activity, r *wire.Reader, w *wire.Writer) errs.Kind

// Dispatcher routes inbound kernel-EP messages to their opcode's Handler.
type Dispatcher struct {
	k        *kernel.Kernel
	handlers map[wire.Opcode]Handler
	log      *logrus.Entry
}

// NewDispatcher builds a Dispatcher with the complete opcode table wired
// to this package's handlers.
func NewDispatcher(k *kernel.Kernel) *Dispatcher {
	d := &Dispatcher{k: k, log: logrus.WithField("subsystem", "syscall")}
	d.handlers = map[wire.Opcode]Handler{
		wire.OpCreateMGate:  hCreateMGate,
		wire.OpCreateRGate:  hCreateRGate,
		wire.OpCreateSGate:  hCreateSGate,
		wire.OpCreateSrv:    hCreateSrv,
		wire.OpCreateSess:   hCreateSess,
		wire.OpCreateAct:    hCreateAct,
		wire.OpCreateSem:    hCreateSem,
		wire.OpCreateMap:    hCreateMap,
		wire.OpDeriveTile:   hDeriveTile,
		wire.OpDeriveMem:    hDeriveMem,
		wire.OpDeriveKMem:   hDeriveKMem,
		wire.OpDeriveSrv:    hDeriveSrv,
		wire.OpExchange:     hExchange,
		wire.OpExchangeSess: hExchangeSess,
		wire.OpRevoke:       hRevoke,
		wire.OpAllocEP:      hAllocEP,
		wire.OpSetPMP:       hSetPMP,
		wire.OpActivate:     hActivate,
		wire.OpMGateRegion:  hMGateRegion,
		wire.OpRGateBuffer:  hRGateBuffer,
		wire.OpKMemQuota:    hKMemQuota,
		wire.OpTileQuota:    hTileQuota,
		wire.OpTileSetQuota: hTileSetQuota,
		wire.OpGetSess:      hGetSess,
		wire.OpSemCtrl:      hSemCtrl,
		wire.OpActCtrl:      hActCtrl,
		wire.OpActWait:      hActWait,
		wire.OpResetStats:   hResetStats,
		wire.OpNoop:         hNoop,
	}
	return d
}

// Dispatch decodes one kernel-EP message, authenticates and dispatches it,
// and returns the encoded reply payload (status word followed by any
// handler-written fields) ready to hand to tcu.Device.Reply.
func (d *Dispatcher) Dispatch(ctx context.Context, msg wire.Message) []byte {
	senderID := uint16(msg.Header.Label)
	caller, ok := d.k.Activity(senderID)
	if !ok {
		d.log.WithField("sender", senderID).Warn("syscall from unknown activity, dropping")
		return encodeStatus(errs.InvArgs, nil)
	}

	r := wire.NewReader(msg.Payload)
	op, err := r.PopOpcode()
	if err != nil {
		return encodeStatus(errs.InvArgs, nil)
	}

	h, ok := d.handlers[op]
	if !ok {
		d.log.WithField("opcode", op).Warn("unknown opcode")
		return encodeStatus(errs.InvArgs, nil)
	}

	w := wire.NewWriter()
	status := h(ctx, d.k, caller, r, w)
	if status != errs.Success {
		d.log.WithFields(logrus.Fields{"opcode": op, "activity": senderID, "status": status}).Debug("syscall failed")
		return encodeStatus(status, nil)
	}
	return encodeStatus(status, w)
}

// encodeStatus renders the reply's leading status word followed by
// whatever fields the handler wrote to payload. Concatenating the two
// Writers' byte encodings is equivalent to one Writer holding both words
// in order, since every word is a fixed 8-byte little-endian unit.
func encodeStatus(status errs.Kind, payload *wire.Writer) []byte {
	out := wire.NewWriter().PushU64(uint64(status)).Bytes()
	if payload != nil {
		out = append(out, payload.Bytes()...)
	}
	return out
}
