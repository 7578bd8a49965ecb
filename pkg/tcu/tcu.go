// Package tcu models the Tile Communication Unit: typed wrappers over
// per-endpoint MMIO registers, backed here by a simulated hardware device
// so the kernel and TileMux layers above can be exercised without real
// silicon. Each tile's "physical" memory gets a concrete, syscall-backed
// home via an anonymous mmap rather than a bare Go slice.
package tcu

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// TileID identifies a tile on the fabric.
type TileID uint16

// EPId indexes a physical endpoint slot on a tile.
type EPId uint16

// NumEPs is the number of endpoint slots per tile on the reference
// platform.
const NumEPs = 64

// PageSize is discovered from the host rather than hardcoded so the
// simulated memory layout matches the platform the tests run on.
var PageSize = unix.Getpagesize()

// Fail is the TCU-level failure kind returned by device operations.
type Fail int

const (
	FailNone Fail = iota
	FailNoCredits
	FailNoRingSpace
	FailInvalidEP
	FailUnreachable
	FailAbort
	FailTimeout
	FailPagefault
)

func (f Fail) Error() string {
	switch f {
	case FailNone:
		return "none"
	case FailNoCredits:
		return "NoCredits"
	case FailNoRingSpace:
		return "NoRingSpace"
	case FailInvalidEP:
		return "InvalidEP"
	case FailUnreachable:
		return "Unreachable"
	case FailAbort:
		return "Abort"
	case FailTimeout:
		return "Timeout"
	case FailPagefault:
		return "Pagefault"
	default:
		return fmt.Sprintf("Fail(%d)", int(f))
	}
}

// Perm is a bitmask of memory-gate permissions.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

// IRQKind distinguishes the IRQ sources TileMux demultiplexes.
type IRQKind int

const (
	IRQTimer IRQKind = iota
	IRQTCU
	IRQExternal
)

type epKind int

const (
	epInvalid epKind = iota
	epSend
	epReceive
	epMemory
)

type sendState struct {
	targetTile TileID
	targetEP   EPId
	label      uint64
	credits    uint16
	msgOrder   uint8
}

// slotRecord remembers enough about a received message to route a later
// Reply back to its sender: the reply-routing information is recorded at
// receive time so the replier never has to look anything up.
type slotRecord struct {
	header  wire.Header
	payload []byte
}

type recvState struct {
	bufAddr     uint64
	bufOrder    uint8
	msgOrder    uint8
	replyEPBase EPId
	activated   bool
	occupancy   []bool
	unread      []bool
	slots       []slotRecord
}

func (r *recvState) numSlots() int {
	return 1 << uint(r.bufOrder-r.msgOrder)
}

type memState struct {
	targetTile TileID
	base       uint64
	size       uint64
	perms      Perm
}

type epState struct {
	kind epKind
	send *sendState
	recv *recvState
	mem  *memState
}

// Bus routes messages and memory accesses between tiles' Devices. It
// stands in for the physical TCU fabric.
type Bus struct {
	mu      sync.Mutex
	devices map[TileID]*Device
}

func NewBus() *Bus {
	return &Bus{devices: make(map[TileID]*Device)}
}

func (b *Bus) attach(id TileID, d *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[id] = d
}

func (b *Bus) device(id TileID) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	return d, ok
}

// Device returns the Device attached to the bus under tile id, for
// callers outside this package that need to reach an arbitrary tile's
// TCU (e.g. the kernel's Activate handler programming a gate onto a
// remote tile's endpoint).
func (b *Bus) Device(id TileID) (*Device, bool) {
	return b.device(id)
}

// Device is one tile's TCU: its endpoint register file, its activity-id
// register, and the simulated physical memory backing memory gates
// targeting it.
type Device struct {
	mu         sync.Mutex
	bus        *Bus
	tile       TileID
	eps        []epState
	activityID uint16
	mem        []byte
	irqCh      chan IRQKind
}

// NewDevice allocates a Device with NumEPs endpoints and memSize bytes of
// anonymous, mmap-backed physical memory, and attaches it to bus.
func NewDevice(bus *Bus, tile TileID, memSize int) (*Device, error) {
	mem, err := unix.Mmap(-1, 0, memSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("tcu: mmap tile %d memory: %w", tile, err)
	}
	d := &Device{
		bus:   bus,
		tile:  tile,
		eps:   make([]epState, NumEPs),
		mem:   mem,
		irqCh: make(chan IRQKind, 16),
	}
	bus.attach(tile, d)
	return d, nil
}

// Close releases the simulated physical memory.
func (d *Device) Close() error {
	if d.mem == nil {
		return nil
	}
	err := unix.Munmap(d.mem)
	d.mem = nil
	return err
}

func (d *Device) checkEP(ep EPId) error {
	if int(ep) >= len(d.eps) {
		return fmt.Errorf("tcu: ep %d out of range", ep)
	}
	return nil
}

// ConfigureSend installs a send-EP configuration.
func (d *Device) ConfigureSend(ep EPId, targetTile TileID, targetEP EPId, label uint64, credits uint16, msgOrder uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkEP(ep); err != nil {
		return err
	}
	d.eps[ep] = epState{kind: epSend, send: &sendState{
		targetTile: targetTile, targetEP: targetEP, label: label, credits: credits, msgOrder: msgOrder,
	}}
	return nil
}

// ConfigureRecv installs a receive-EP configuration. Reconfiguring an
// occupied EP replaces the previous occupant wholesale; a slot holds at
// most one configuration at a time.
func (d *Device) ConfigureRecv(ep EPId, bufAddr uint64, bufOrder, msgOrder uint8, replyEPBase EPId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkEP(ep); err != nil {
		return err
	}
	n := 1 << uint(bufOrder-msgOrder)
	d.eps[ep] = epState{kind: epReceive, recv: &recvState{
		bufAddr: bufAddr, bufOrder: bufOrder, msgOrder: msgOrder, replyEPBase: replyEPBase,
		activated: true,
		occupancy: make([]bool, n),
		unread:    make([]bool, n),
		slots:     make([]slotRecord, n),
	}}
	return nil
}

// ConfigureMem installs a memory-gate EP configuration.
func (d *Device) ConfigureMem(ep EPId, targetTile TileID, base, size uint64, perms Perm) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkEP(ep); err != nil {
		return err
	}
	d.eps[ep] = epState{kind: epMemory, mem: &memState{targetTile: targetTile, base: base, size: size, perms: perms}}
	return nil
}

// Invalidate clears any configuration on ep. On a receive-EP this drops
// unread messages and their unread-mask bits with it.
func (d *Device) Invalidate(ep EPId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkEP(ep); err != nil {
		return err
	}
	d.eps[ep] = epState{}
	return nil
}

// Credits returns the current credit count of a send-EP.
func (d *Device) Credits(ep EPId) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkEP(ep); err != nil {
		return 0, err
	}
	st := d.eps[ep]
	if st.kind != epSend {
		return 0, FailInvalidEP
	}
	return st.send.credits, nil
}

// Send transmits buf over send-EP ep. It is non-blocking: without
// credits, it fails immediately without touching any register.
func (d *Device) Send(ep EPId, buf []byte, replyLabel uint64, replyEP EPId) error {
	d.mu.Lock()
	if err := d.checkEP(ep); err != nil {
		d.mu.Unlock()
		return FailInvalidEP
	}
	st := d.eps[ep]
	if st.kind != epSend {
		d.mu.Unlock()
		return FailInvalidEP
	}
	if st.send.credits == 0 {
		d.mu.Unlock()
		return FailNoCredits
	}
	if len(buf) > wire.MaxMessageLen-wire.HeaderLen {
		d.mu.Unlock()
		return fmt.Errorf("tcu: message of %d bytes exceeds platform max payload of %d", len(buf), wire.MaxMessageLen-wire.HeaderLen)
	}
	if len(buf) > (1 << st.send.msgOrder) {
		d.mu.Unlock()
		return fmt.Errorf("tcu: message of %d bytes exceeds ep msg order 2^%d", len(buf), st.send.msgOrder)
	}
	st.send.credits--
	d.eps[ep] = st
	header := wire.Header{
		SenderTile: uint16(d.tile),
		SenderEP:   uint16(ep),
		Label:      st.send.label,
		ReplyLabel: replyLabel,
		ReplyEP:    uint16(replyEP),
		Length:     uint16(len(buf)),
	}
	target, targetEP := st.send.targetTile, st.send.targetEP
	d.mu.Unlock()

	dst, ok := d.bus.device(target)
	if !ok {
		return FailUnreachable
	}
	return dst.deliver(targetEP, header, buf)
}

func (d *Device) deliver(ep EPId, header wire.Header, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkEP(ep); err != nil {
		return FailInvalidEP
	}
	st := d.eps[ep]
	if st.kind != epReceive || !st.recv.activated {
		return FailInvalidEP
	}
	for i, occ := range st.recv.occupancy {
		if !occ {
			st.recv.occupancy[i] = true
			st.recv.unread[i] = true
			buf := make([]byte, len(payload))
			copy(buf, payload)
			st.recv.slots[i] = slotRecord{header: header, payload: buf}
			return nil
		}
	}
	return FailNoRingSpace
}

// FetchMsg returns the offset of the next unread message on receive-EP
// rep, or ok=false if none is pending. It clears the slot's unread bit
// but leaves it occupied until Reply or AckMsg frees it.
func (d *Device) FetchMsg(rep EPId) (offset int, msg wire.Message, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err = d.checkEP(rep); err != nil {
		return 0, wire.Message{}, false, err
	}
	st := d.eps[rep]
	if st.kind != epReceive {
		return 0, wire.Message{}, false, FailInvalidEP
	}
	for i, occ := range st.recv.occupancy {
		if occ && st.recv.unread[i] {
			st.recv.unread[i] = false
			rec := st.recv.slots[i]
			return i, wire.Message{Header: rec.header, Payload: rec.payload}, true, nil
		}
	}
	return 0, wire.Message{}, false, nil
}

// AckMsg frees the occupancy of slot off on receive-EP rep without
// sending a reply, used when a message is deliberately dropped.
func (d *Device) AckMsg(rep EPId, off int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkEP(rep); err != nil {
		return err
	}
	st := d.eps[rep]
	if st.kind != epReceive {
		return FailInvalidEP
	}
	if off < 0 || off >= len(st.recv.occupancy) {
		return fmt.Errorf("tcu: ack offset %d out of range", off)
	}
	st.recv.occupancy[off] = false
	st.recv.unread[off] = false
	st.recv.slots[off] = slotRecord{}
	return nil
}

// UnreadMask reports which slots of a receive-EP still have their unread
// bit set, packed into a bitmask.
func (d *Device) UnreadMask(rep EPId) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkEP(rep); err != nil {
		return 0, err
	}
	st := d.eps[rep]
	if st.kind != epReceive {
		return 0, FailInvalidEP
	}
	var mask uint64
	for i, unread := range st.recv.unread {
		if unread {
			mask |= 1 << uint(i)
		}
	}
	return mask, nil
}

// Reply sends buf as a reply to the message at msgOffset on receive-EP
// rep, routing it back to the original sender using the reply-label and
// reply-EP recorded with that message, crediting the sender's send-EP by
// one, and freeing the slot's occupancy.
func (d *Device) Reply(rep EPId, buf []byte, msgOffset int) error {
	d.mu.Lock()
	if err := d.checkEP(rep); err != nil {
		d.mu.Unlock()
		return err
	}
	st := d.eps[rep]
	if st.kind != epReceive {
		d.mu.Unlock()
		return FailInvalidEP
	}
	if msgOffset < 0 || msgOffset >= len(st.recv.occupancy) || !st.recv.occupancy[msgOffset] {
		d.mu.Unlock()
		return fmt.Errorf("tcu: reply offset %d not occupied", msgOffset)
	}
	orig := st.recv.slots[msgOffset].header
	st.recv.occupancy[msgOffset] = false
	st.recv.unread[msgOffset] = false
	st.recv.slots[msgOffset] = slotRecord{}
	d.mu.Unlock()

	replyHeader := wire.Header{
		SenderTile: uint16(d.tile),
		SenderEP:   uint16(rep),
		Label:      orig.ReplyLabel,
		Length:     uint16(len(buf)),
	}

	senderDev, ok := d.bus.device(TileID(orig.SenderTile))
	if !ok {
		return FailUnreachable
	}
	if err := senderDev.deliver(EPId(orig.ReplyEP), replyHeader, buf); err != nil {
		return err
	}
	return senderDev.credit(EPId(orig.SenderEP), 1)
}

func (d *Device) credit(ep EPId, n uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkEP(ep); err != nil {
		return err
	}
	st := d.eps[ep]
	if st.kind != epSend {
		return nil
	}
	st.send.credits += n
	d.eps[ep] = st
	return nil
}

// ReadMem copies len(local) bytes from the remote memory-gate EP's target
// tile, starting at remoteOff within the gate's region, into local.
func (d *Device) ReadMem(ep EPId, local []byte, remoteOff uint64) error {
	d.mu.Lock()
	if err := d.checkEP(ep); err != nil {
		d.mu.Unlock()
		return err
	}
	st := d.eps[ep]
	if st.kind != epMemory {
		d.mu.Unlock()
		return FailInvalidEP
	}
	if st.mem.perms&PermR == 0 {
		d.mu.Unlock()
		return fmt.Errorf("tcu: ep %d lacks read permission", ep)
	}
	m := *st.mem
	d.mu.Unlock()

	if remoteOff+uint64(len(local)) > m.size {
		return fmt.Errorf("tcu: read [%d,%d) exceeds gate size %d", remoteOff, remoteOff+uint64(len(local)), m.size)
	}
	dst, ok := d.bus.device(m.targetTile)
	if !ok {
		return FailUnreachable
	}
	return dst.readPhys(m.base+remoteOff, local)
}

// WriteMem copies local into the remote memory-gate EP's target tile at
// remoteOff within the gate's region.
func (d *Device) WriteMem(ep EPId, local []byte, remoteOff uint64) error {
	d.mu.Lock()
	if err := d.checkEP(ep); err != nil {
		d.mu.Unlock()
		return err
	}
	st := d.eps[ep]
	if st.kind != epMemory {
		d.mu.Unlock()
		return FailInvalidEP
	}
	if st.mem.perms&PermW == 0 {
		d.mu.Unlock()
		return fmt.Errorf("tcu: ep %d lacks write permission", ep)
	}
	m := *st.mem
	d.mu.Unlock()

	if remoteOff+uint64(len(local)) > m.size {
		return fmt.Errorf("tcu: write [%d,%d) exceeds gate size %d", remoteOff, remoteOff+uint64(len(local)), m.size)
	}
	dst, ok := d.bus.device(m.targetTile)
	if !ok {
		return FailUnreachable
	}
	return dst.writePhys(m.base+remoteOff, local)
}

func (d *Device) readPhys(addr uint64, out []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr+uint64(len(out)) > uint64(len(d.mem)) {
		return fmt.Errorf("tcu: phys read [%d,%d) exceeds memory of %d", addr, addr+uint64(len(out)), len(d.mem))
	}
	copy(out, d.mem[addr:addr+uint64(len(out))])
	return nil
}

func (d *Device) writePhys(addr uint64, in []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr+uint64(len(in)) > uint64(len(d.mem)) {
		return fmt.Errorf("tcu: phys write [%d,%d) exceeds memory of %d", addr, addr+uint64(len(in)), len(d.mem))
	}
	copy(d.mem[addr:addr+uint64(len(in))], in)
	return nil
}

// SwapActivity atomically installs a new current-activity id and returns
// the previous one. The swap is atomic with respect to in-flight
// commands.
func (d *Device) SwapActivity(id uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.activityID
	d.activityID = id
	return prev
}

// CurrentActivity returns the tile-local current-activity id.
func (d *Device) CurrentActivity() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activityID
}

// RaiseIRQ enqueues an IRQ of the given kind for TileMux to demultiplex.
func (d *Device) RaiseIRQ(kind IRQKind) {
	select {
	case d.irqCh <- kind:
	default:
		// IRQ channel backpressure: the TCU coalesces IRQs of the same kind
		// in hardware; dropping here is equivalent since TileMux re-checks
		// the condition that caused the IRQ rather than trusting the count.
	}
}

// IRQs exposes the IRQ channel for TileMux's event loop to select on.
func (d *Device) IRQs() <-chan IRQKind {
	return d.irqCh
}

// ClearIRQ acknowledges an IRQ kind, allowing a new one of the same kind
// to be raised without backpressure.
func (d *Device) ClearIRQ(kind IRQKind) {
	// the simulated channel already dequeues on receive; nothing further
	// to acknowledge at the register level.
	_ = kind
}

// Tile returns the tile id this device represents.
func (d *Device) Tile() TileID { return d.tile }
