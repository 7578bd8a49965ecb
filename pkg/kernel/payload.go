package kernel

import (
	"sync"

	"github.com/stephan-gh/M3-sub004/pkg/aspace"
	"github.com/stephan-gh/M3-sub004/pkg/quota"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
)

// The following types are the concrete cap.Cap payloads for each
// cap.Kind. They live here, not in pkg/kernel/cap, because kind-specific
// teardown needs to reach the TCU device, address space and send-queue
// machinery that only this package wires together.

// ActivityPayload is the KindActivity payload.
type ActivityPayload struct {
	Activity *Activity
}

// TilePayload is the KindTile payload: a reference to a Tile plus the
// quota node tracking this capability's own remaining EP count.
type TilePayload struct {
	Tile    *Tile
	QuotaID quota.ID
}

// KMemPayload is the KindKMem payload.
type KMemPayload struct {
	QuotaID quota.ID
}

// MGatePayload is the KindMGate payload: a window into one tile's
// physical memory.
type MGatePayload struct {
	Tile    tcu.TileID
	Addr    uint64
	Size    uint64
	Perms   tcu.Perm
	Derived bool

	mu  sync.Mutex
	eps map[epRef]struct{} // EPs this gate is currently activated on
}

func (m *MGatePayload) trackEP(tile tcu.TileID, ep tcu.EPId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eps == nil {
		m.eps = make(map[epRef]struct{})
	}
	m.eps[epRef{tile, ep}] = struct{}{}
}

func (m *MGatePayload) activeEPs() []epRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]epRef, 0, len(m.eps))
	for r := range m.eps {
		out = append(out, r)
	}
	return out
}

type epRef struct {
	Tile tcu.TileID
	EP   tcu.EPId
}

// RGatePayload is the KindRGate payload: buffer/message orders plus the
// unbound-or-bound activation state.
type RGatePayload struct {
	BufOrder uint8
	MsgOrder uint8

	mu        sync.Mutex
	boundTile tcu.TileID
	boundEP   tcu.EPId
	bound     bool
	sgates    map[*SGatePayload]struct{}
}

func (r *RGatePayload) bind(tile tcu.TileID, ep tcu.EPId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boundTile, r.boundEP, r.bound = tile, ep, true
}

func (r *RGatePayload) EP() (tcu.TileID, tcu.EPId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boundTile, r.boundEP, r.bound
}

func (r *RGatePayload) unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = false
}

func (r *RGatePayload) addSGate(s *SGatePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sgates == nil {
		r.sgates = make(map[*SGatePayload]struct{})
	}
	r.sgates[s] = struct{}{}
}

func (r *RGatePayload) sgateList() []*SGatePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SGatePayload, 0, len(r.sgates))
	for s := range r.sgates {
		out = append(out, s)
	}
	return out
}

// SGatePayload is the KindSGate payload: the target RGate, the label
// stamped on every message, and the remaining credits.
type SGatePayload struct {
	Target *RGatePayload
	Label  uint64

	mu      sync.Mutex
	credits uint16
	gone    bool // the target RGate was revoked out from under us
	epTile  tcu.TileID
	ep      tcu.EPId
	hasEP   bool
}

func (s *SGatePayload) Credits() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits
}

func (s *SGatePayload) setEP(tile tcu.TileID, ep tcu.EPId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epTile, s.ep, s.hasEP = tile, ep, true
}

func (s *SGatePayload) clearEP() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasEP = false
}

// markGone is called by the RGate's teardown when it is revoked while
// this SGate still points at it, so the holder learns the gate is gone.
func (s *SGatePayload) markGone() {
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
}

// ServPayload is the KindServ payload.
type ServPayload struct {
	Service *Service
}

// SessPayload is the KindSess payload. Ident was chosen by the server at
// open time and is opaque to the kernel; it is only ever echoed back.
type SessPayload struct {
	Service   *Service
	Ident     uint64
	CreatorID uint16
}

// SemPayload is the KindSem payload.
type SemPayload struct {
	Sem *Semaphore
}

// MapPayload is the KindMap payload: a run of virtual pages with
// permissions. Map caps live in the per-activity mapping table, not the
// object table.
type MapPayload struct {
	Virt  uint64
	Count int
	Perms aspace.Flag
}

// EPPayload is the KindEP payload: a reserved endpoint slot on a tile.
type EPPayload struct {
	Tile tcu.TileID
	EP   tcu.EPId
}
