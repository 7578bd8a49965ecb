// Package kernel ties the capability table (pkg/kernel/cap), send-queue
// (pkg/kernel/sendqueue), session broker (pkg/kernel/session), address
// space manager (pkg/aspace) and TCU abstraction (pkg/tcu) into the
// kernel's object model: Activity, Service, Tile, KMem. It is the
// kernel's process-wide state, exposed as a single module-level singleton
// with an explicit Init/Shutdown lifecycle; the accessor panics if used
// before Init.
package kernel

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/sendqueue"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/session"
	"github.com/stephan-gh/M3-sub004/pkg/quota"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
)

// ActState is an activity's run state.
type ActState int

const (
	StateRunning ActState = iota
	StateReady
	StateBlocked
	StateSuspended
)

func (s ActState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateBlocked:
		return "blocked"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("ActState(%d)", int(s))
	}
}

// RootActivityID is reserved for the first activity created at boot, which
// has no parent and owns the root KMem/PT quota nodes.
const RootActivityID uint16 = 0

// IdleActivityID is reserved for TileMux's always-ready idle activity;
// the kernel never schedules it, it only reserves the id so no real
// activity collides with it.
const IdleActivityID uint16 = 0xFFFF

// Activity is the kernel's view of one running entity on a tile.
type Activity struct {
	ID       uint16
	TileID   tcu.TileID
	State    ActState
	KMemID   quota.ID
	PTQuota  quota.ID
	EPsStart tcu.EPId

	ObjCaps *cap.Table // object-capability table root
	MapCaps *cap.Table // mapping-capability table root

	nextSel cap.Selector

	DataSink []byte // bytes passed in on spawn

	PagerSess *session.Session
	RMGateSel cap.Selector // resource-manager send-gate selector, 0 if none

	WaitEvents map[uint64]struct{} // wait-event set, keyed by a caller-assigned id
	RecvCounts map[tcu.EPId]int    // received-message count per served rgate

	ExitCode   int
	Exited     bool
	exitWaiter chan int
}

// NextSelector returns a fresh selector for this activity's own caps, used
// by handlers that must allocate a selector rather than accept a
// caller-given one (e.g. a server's reply cap range).
func (a *Activity) NextSelector() cap.Selector {
	a.nextSel++
	return a.nextSel
}

// Service is the kernel's view of one registered service.
type Service struct {
	Name    string
	OwnerID uint16
	SendEP  tcu.EPId
	Queue   *sendqueue.Queue

	mu             sync.Mutex
	sessionCount   map[uint16]int // per-creator open session count
	sessionQuota   map[uint16]int // per-creator session quota, 0 = unlimited
}

func newService(name string, ownerID uint16, sendEP tcu.EPId, q *sendqueue.Queue) *Service {
	return &Service{
		Name: name, OwnerID: ownerID, SendEP: sendEP, Queue: q,
		sessionCount: make(map[uint16]int),
		sessionQuota: make(map[uint16]int),
	}
}

// SetSessionQuota bounds how many sessions a given creator may open against
// this service; 0 means unlimited.
func (s *Service) SetSessionQuota(creator uint16, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionQuota[creator] = n
}

func (s *Service) reserveSession(creator uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.sessionQuota[creator]; q > 0 && s.sessionCount[creator] >= q {
		return errs.New(errs.NoSpace)
	}
	s.sessionCount[creator]++
	return nil
}

func (s *Service) releaseSession(creator uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionCount[creator] > 0 {
		s.sessionCount[creator]--
	}
}

// PMPRegion is one memory-region capability pushed into a tile's hardware
// protection slots.
type PMPRegion struct {
	Sel    cap.Selector
	Base   uint64
	Size   uint64
	Perms  tcu.Perm
	Pinned bool
}

// TileDesc is the static descriptor of a tile's hardware: ISA, type,
// attributes, memory size, and whether the tile supports virtual memory.
type TileDesc struct {
	ISA        string
	Type       string
	Attrs      []string
	MemorySize uint64
	HasVM      bool
}

// NumPMPSlots bounds how many PMP regions a tile can hold concurrently;
// a full tile evicts its oldest non-pinned region.
const NumPMPSlots = 4

// Tile is the kernel's view of one compute tile.
type Tile struct {
	ID   tcu.TileID
	Desc TileDesc

	mu      sync.Mutex
	epTree  *quota.Tree[int]
	epRoot  quota.ID
	pmp     []PMPRegion
}

func newTile(id tcu.TileID, desc TileDesc, epCount int) *Tile {
	t := &Tile{ID: id, Desc: desc, epTree: quota.NewTree[int](epCount)}
	t.epRoot = t.epTree.Root()
	return t
}

// EPQuotaTree exposes the tile's EP-count quota tree so DeriveTile can
// split off a child node.
func (t *Tile) EPQuotaTree() *quota.Tree[int] { return t.epTree }

// EPRoot is the tile's root EP-quota node id.
func (t *Tile) EPRoot() quota.ID { return t.epRoot }

// PushPMP installs region into a free (or, if full, LRU-evicted non-pinned)
// PMP slot, returning the evicted selector if one was displaced.
func (t *Tile) PushPMP(region PMPRegion) (evicted cap.Selector, hadEviction bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pmp) < NumPMPSlots {
		t.pmp = append(t.pmp, region)
		return 0, false, nil
	}
	for i, r := range t.pmp {
		if !r.Pinned {
			evicted = r.Sel
			// Slots are kept in insertion order, so the first non-pinned
			// one is the oldest; the new region goes to the back.
			t.pmp = append(t.pmp[:i], t.pmp[i+1:]...)
			t.pmp = append(t.pmp, region)
			return evicted, true, nil
		}
	}
	return 0, false, errs.New(errs.NoSpace)
}

// RemovePMP drops the region with the given selector, if present.
func (t *Tile) RemovePMP(sel cap.Selector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.pmp {
		if r.Sel == sel {
			t.pmp = append(t.pmp[:i], t.pmp[i+1:]...)
			return
		}
	}
}

// KMemCost is the flat byte cost charged against an activity's KMem quota
// for creating one capability of the given kind. Map caps are charged
// separately, per page, by the caller.
var KMemCost = map[cap.Kind]uint64{
	cap.KindActivity: 512,
	cap.KindTile:     64,
	cap.KindKMem:     64,
	cap.KindMGate:    96,
	cap.KindRGate:    128,
	cap.KindSGate:    96,
	cap.KindServ:     256,
	cap.KindSess:     96,
	cap.KindSem:      64,
	cap.KindMap:      0, // charged per-page by the caller
	cap.KindEP:       32,
}

// PageKMemCost is the per-page charge for Map capabilities.
const PageKMemCost uint64 = 16

// Semaphore is a simple counting semaphore backing Sem capabilities.
type Semaphore struct {
	mu      sync.Mutex
	count   int
	waiters []chan struct{}
}

func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial}
}

func (s *Semaphore) Up() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(w)
		return
	}
	s.count++
	s.mu.Unlock()
}

func (s *Semaphore) Down() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	return ch
}

// Config bootstraps a Kernel instance. It plays the role of the platform
// descriptor a booting tile would read from its fixed virtual address.
type Config struct {
	RootKMemBytes uint64
	RootPTFrames  int
	KernelTile    tcu.TileID
	KernelEP      tcu.EPId // dedicated send-EP for the send-queue
	KernelReplyEP tcu.EPId // dedicated receive-EP for server replies
}

// Kernel is the process-wide singleton state, with an explicit
// Init(config)/Shutdown lifecycle.
type Kernel struct {
	cfg Config
	log *logrus.Entry

	bus    *tcu.Bus
	kdev   *tcu.Device
	sq     *sendqueue.Manager
	sess   *session.Broker

	kmemTree *quota.Tree[uint64]
	ptTree   *quota.Tree[int]

	mu         sync.Mutex
	activities map[uint16]*Activity
	services   map[string]*Service
	tiles      map[tcu.TileID]*Tile
	nextActID  uint16

	addrSpaces *addrSpaceRegistry
}

var (
	instMu sync.Mutex
	inst   *Kernel
)

// Init creates the kernel singleton, the root activity (id RootActivityID)
// and its root KMem/PT quota nodes, and wires up the send-queue on dev. It
// panics if called twice without an intervening Shutdown.
func Init(cfg Config, bus *tcu.Bus, dev *tcu.Device) *Kernel {
	instMu.Lock()
	defer instMu.Unlock()
	if inst != nil {
		panic("kernel: Init called twice without Shutdown")
	}

	k := &Kernel{
		cfg:        cfg,
		log:        logrus.WithField("subsystem", "kernel"),
		bus:        bus,
		kdev:       dev,
		sq:         sendqueue.NewManager(dev, cfg.KernelEP, cfg.KernelReplyEP),
		kmemTree:   quota.NewTree[uint64](cfg.RootKMemBytes),
		ptTree:     quota.NewTree[int](cfg.RootPTFrames),
		activities: make(map[uint16]*Activity),
		services:   make(map[string]*Service),
		tiles:      make(map[tcu.TileID]*Tile),
		nextActID:  RootActivityID + 1,
		addrSpaces: newAddrSpaceRegistry(),
	}
	k.sess = session.NewBroker(k.sq)

	root := &Activity{
		ID:         RootActivityID,
		TileID:     cfg.KernelTile,
		State:      StateRunning,
		KMemID:     k.kmemTree.Root(),
		PTQuota:    k.ptTree.Root(),
		ObjCaps:    cap.NewTable(RootActivityID),
		MapCaps:    cap.NewTable(RootActivityID),
		WaitEvents: make(map[uint64]struct{}),
		RecvCounts: make(map[tcu.EPId]int),
		exitWaiter: make(chan int, 1),
	}
	k.activities[RootActivityID] = root

	inst = k
	return k
}

// Get returns the kernel singleton, panicking if Init has not been
// called.
func Get() *Kernel {
	instMu.Lock()
	defer instMu.Unlock()
	if inst == nil {
		panic("kernel: Get called before Init")
	}
	return inst
}

// Shutdown tears down the singleton so a fresh Init may run (used between
// test cases and CLI scenarios).
func Shutdown() {
	instMu.Lock()
	defer instMu.Unlock()
	inst = nil
}

func (k *Kernel) Log() *logrus.Entry { return k.log }
func (k *Kernel) Bus() *tcu.Bus      { return k.bus }
func (k *Kernel) Device() *tcu.Device { return k.kdev }
func (k *Kernel) SendQueue() *sendqueue.Manager { return k.sq }
func (k *Kernel) SessionBroker() *session.Broker { return k.sess }
func (k *Kernel) KMemTree() *quota.Tree[uint64]  { return k.kmemTree }
func (k *Kernel) PTTree() *quota.Tree[int]       { return k.ptTree }

// Activity looks up an activity by id.
func (k *Kernel) Activity(id uint16) (*Activity, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, ok := k.activities[id]
	return a, ok
}

// AddTile registers a tile with epCount available endpoint slots, creating
// its root EP-quota node.
func (k *Kernel) AddTile(id tcu.TileID, desc TileDesc, epCount int) *Tile {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := newTile(id, desc, epCount)
	k.tiles[id] = t
	return t
}

// Tile looks up a registered tile.
func (k *Kernel) Tile(id tcu.TileID) (*Tile, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tiles[id]
	return t, ok
}

// CreateActivity allocates a fresh Activity on tile, charging kmemBytes
// and ptFrames against parent's quota nodes.
func (k *Kernel) CreateActivity(parent *Activity, tile tcu.TileID, epsStart tcu.EPId, kmemBytes uint64, ptFrames int, dataSink []byte) (*Activity, error) {
	kmemID, err := k.kmemTree.Derive(parent.KMemID, kmemBytes)
	if err != nil {
		return nil, errs.Wrap(err, errs.NoSpace, "kernel: derive activity kmem")
	}
	ptID, err := k.ptTree.Derive(parent.PTQuota, ptFrames)
	if err != nil {
		_ = k.kmemTree.Remove(kmemID)
		return nil, errs.Wrap(err, errs.NoSpace, "kernel: derive activity pt quota")
	}

	k.mu.Lock()
	id := k.nextActID
	k.nextActID++
	k.mu.Unlock()

	a := &Activity{
		ID:         id,
		TileID:     tile,
		State:      StateReady,
		KMemID:     kmemID,
		PTQuota:    ptID,
		EPsStart:   epsStart,
		ObjCaps:    cap.NewTable(id),
		MapCaps:    cap.NewTable(id),
		DataSink:   dataSink,
		WaitEvents: make(map[uint64]struct{}),
		RecvCounts: make(map[tcu.EPId]int),
		exitWaiter: make(chan int, 1),
	}

	k.mu.Lock()
	k.activities[id] = a
	k.mu.Unlock()
	_ = k.ptTree.Attach(ptID)

	k.log.WithFields(logrus.Fields{"activity": id, "tile": tile, "parent": parent.ID}).Info("activity created")
	return a, nil
}

// DestroyActivity drops a's address space, removes its page-table and
// KMem quota nodes, unregisters it, and marks it exited with the given
// code. It does not revoke a's capabilities; teardownActivity does that
// before calling it.
func (k *Kernel) DestroyActivity(a *Activity, exitCode int) {
	k.DropAddressSpace(a.ID)
	_ = k.ptTree.Detach(a.PTQuota)
	_ = k.ptTree.Remove(a.PTQuota)
	_ = k.kmemTree.Remove(a.KMemID)

	k.mu.Lock()
	delete(k.activities, a.ID)
	k.mu.Unlock()

	a.State = StateSuspended
	if !a.Exited {
		a.Exited = true
		a.ExitCode = exitCode
		select {
		case a.exitWaiter <- exitCode:
		default:
		}
	}
	k.log.WithFields(logrus.Fields{"activity": a.ID, "exit_code": exitCode}).Info("activity destroyed")
}

// Wait blocks until a has exited, returning its exit code. If a has
// already exited, it returns immediately.
func (a *Activity) Wait() int {
	if a.Exited {
		return a.ExitCode
	}
	return <-a.exitWaiter
}

// RegisterService creates a Service named name, owned by owner, with a
// fresh send-queue targeting the owner's tile on sendEP.
func (k *Kernel) RegisterService(name string, owner *Activity, sendEP tcu.EPId) (*Service, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.services[name]; exists {
		return nil, errs.New(errs.Exists)
	}
	q := k.sq.NewQueue(sendqueue.ID{Kind: sendqueue.KindServ, Num: owner.ID}, owner.TileID)
	s := newService(name, owner.ID, sendEP, q)
	k.services[name] = s
	return s, nil
}

// Service looks up a registered service by name.
func (k *Kernel) Service(name string) (*Service, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.services[name]
	return s, ok
}

// UnregisterService removes a service, aborting its send-queue. Session
// revocation itself happens via the owning activity's capability-table
// Revoke, not here.
func (k *Kernel) UnregisterService(name string) {
	k.mu.Lock()
	s, ok := k.services[name]
	if ok {
		delete(k.services, name)
	}
	k.mu.Unlock()
	if ok {
		s.Queue.Abort()
	}
}

// OpenSession reserves a session slot for creator against srv and returns
// a Session value; the caller still must run the ExchangeSess protocol via
// the SessionBroker to actually bind an ident from the server.
func (k *Kernel) OpenSession(srv *Service, creator uint16) (*session.Session, error) {
	if err := srv.reserveSession(creator); err != nil {
		return nil, err
	}
	serverActivity, ok := k.Activity(srv.OwnerID)
	if !ok {
		srv.releaseSession(creator)
		return nil, errs.New(errs.RecvGone)
	}
	return &session.Session{
		ServerTable: serverActivity.ObjCaps,
		ServerQueue: srv.Queue,
		ServerEP:    srv.SendEP,
		CreatorID:   creator,
	}, nil
}

// CloseSession releases the creator's session slot against srv.
func (k *Kernel) CloseSession(srv *Service, creator uint16) {
	srv.releaseSession(creator)
}
