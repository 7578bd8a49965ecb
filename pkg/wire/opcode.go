package wire

import "fmt"

// Opcode is the syscall discriminant that leads every request word
// stream. The dispatcher pops it first and hands the rest of the stream
// to the matching handler.
type Opcode uint64

const (
	OpCreateMGate Opcode = iota
	OpCreateRGate
	OpCreateSGate
	OpCreateSrv
	OpCreateSess
	OpCreateAct
	OpCreateSem
	OpCreateMap
	OpDeriveTile
	OpDeriveMem
	OpDeriveKMem
	OpDeriveSrv
	OpExchange
	OpExchangeSess
	OpRevoke
	OpAllocEP
	OpSetPMP
	OpActivate
	OpMGateRegion
	OpRGateBuffer
	OpKMemQuota
	OpTileQuota
	OpTileSetQuota
	OpGetSess
	OpSemCtrl
	OpActCtrl
	OpActWait
	OpResetStats
	OpNoop
)

var opcodeNames = map[Opcode]string{
	OpCreateMGate:  "CreateMGate",
	OpCreateRGate:  "CreateRGate",
	OpCreateSGate:  "CreateSGate",
	OpCreateSrv:    "CreateSrv",
	OpCreateSess:   "CreateSess",
	OpCreateAct:    "CreateAct",
	OpCreateSem:    "CreateSem",
	OpCreateMap:    "CreateMap",
	OpDeriveTile:   "DeriveTile",
	OpDeriveMem:    "DeriveMem",
	OpDeriveKMem:   "DeriveKMem",
	OpDeriveSrv:    "DeriveSrv",
	OpExchange:     "Exchange",
	OpExchangeSess: "ExchangeSess",
	OpRevoke:       "Revoke",
	OpAllocEP:      "AllocEP",
	OpSetPMP:       "SetPMP",
	OpActivate:     "Activate",
	OpMGateRegion:  "MGateRegion",
	OpRGateBuffer:  "RGateBuffer",
	OpKMemQuota:    "KMemQuota",
	OpTileQuota:    "TileQuota",
	OpTileSetQuota: "TileSetQuota",
	OpGetSess:      "GetSess",
	OpSemCtrl:      "SemCtrl",
	OpActCtrl:      "ActCtrl",
	OpActWait:      "ActWait",
	OpResetStats:   "ResetStats",
	OpNoop:         "Noop",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(%d)", uint64(o))
}

// PushOpcode writes op as the leading word of a request.
func (w *Writer) PushOpcode(op Opcode) *Writer {
	return w.PushU64(uint64(op))
}

// PopOpcode reads the leading opcode word off a request stream.
func (r *Reader) PopOpcode() (Opcode, error) {
	v, err := r.PopU64()
	return Opcode(v), err
}
