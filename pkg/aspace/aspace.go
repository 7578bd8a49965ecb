// Package aspace implements the per-activity address-space manager: a
// multi-level page table with an arena-style allocator for page-table
// frames, supporting map/unmap/translate with large-page coalescing and
// TLB-shootdown notification.
package aspace

import (
	"fmt"

	"github.com/stephan-gh/M3-sub004/pkg/quota"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
)

// Flag is a bitmask of mapping permissions plus the large-page hint.
type Flag uint8

const (
	FlagR Flag = 1 << iota
	FlagW
	FlagX
	FlagU
	FlagLarge
)

func (f Flag) permissions() Flag { return f &^ FlagLarge }

// PTEBits is the hardware constant governing how many virtual-address
// bits each page-table level consumes. 9 bits per level with a 4K page
// matches a standard 4-level 48-bit walk.
const PTEBits = 9

// Levels is the number of page-table levels walked from root to leaf.
const Levels = 4

const pageShift = 12 // log2(tcu.PageSize) for a 4K page

// PageSize is the leaf mapping granularity.
const PageSize = 1 << pageShift

// LargePageSize is the size a FlagLarge leaf covers when alignment
// permits coalescing one level up.
const LargePageSize = PageSize << PTEBits

func levelShift(level int) uint {
	// level 0 is the leaf level.
	return uint(pageShift) + uint(level)*PTEBits
}

func levelIndex(virt uint64, level int) uint64 {
	return (virt >> levelShift(level)) & ((1 << PTEBits) - 1)
}

type pte struct {
	present bool
	inner   bool
	frame   uint64 // physical frame (leaf: mapped frame; inner: child PT frame)
	flags   Flag
}

type pageTable struct {
	entries  [1 << PTEBits]pte
	frame    uint64
	children map[uint64]*pageTable
}

// Allocator owns page-table frames for one activity, charged against a
// page-table quota node. Freeing is deferred until the activity's
// AddressSpace is destroyed.
type Allocator struct {
	quotaTree *quota.Tree[int]
	quotaID   quota.ID
	nextFrame uint64
	freed     []uint64
}

// NewAllocator creates an allocator charging frame counts against id in
// tree.
func NewAllocator(tree *quota.Tree[int], id quota.ID) *Allocator {
	return &Allocator{quotaTree: tree, quotaID: id, nextFrame: 1}
}

func (a *Allocator) allocFrame() (uint64, error) {
	if err := a.quotaTree.Charge(a.quotaID, 1); err != nil {
		return 0, fmt.Errorf("aspace: page-table quota exhausted: %w", err)
	}
	if n := len(a.freed); n > 0 {
		f := a.freed[n-1]
		a.freed = a.freed[:n-1]
		return f, nil
	}
	f := a.nextFrame
	a.nextFrame++
	return f, nil
}

func (a *Allocator) freeFrame(frame uint64) {
	a.freed = append(a.freed, frame)
	_ = a.quotaTree.Refund(a.quotaID, 1)
}

// Invalidation is a single TLB-shootdown request for one virtual page.
type Invalidation struct {
	Virt uint64
}

// AddressSpace is one activity's page table plus its frame allocator.
type AddressSpace struct {
	activityID uint16
	alloc      *Allocator
	root       *pageTable
	invalid    []Invalidation
}

// New creates an address space for activityID using alloc for page-table
// frames. The root frame is allocated by Init rather than passed in.
func New(activityID uint16, alloc *Allocator) *AddressSpace {
	return &AddressSpace{activityID: activityID, alloc: alloc}
}

// Init allocates the root page-table frame.
func (as *AddressSpace) Init() error {
	frame, err := as.alloc.allocFrame()
	if err != nil {
		return err
	}
	as.root = &pageTable{frame: frame}
	return nil
}

// walkCreate descends from the root to leafLevel, allocating inner PT
// frames as needed, and returns the entry at leafLevel for virt. A large
// mapping stops the walk one level early (leafLevel=1) so a single entry
// covers LargePageSize instead of descending to individual 4K leaves.
func (as *AddressSpace) walkCreate(virt uint64, leafLevel int) (*pte, error) {
	table := as.root
	for level := Levels - 1; level > leafLevel; level-- {
		idx := levelIndex(virt, level)
		e := &table.entries[idx]
		if !e.present {
			frame, err := as.alloc.allocFrame()
			if err != nil {
				return nil, err
			}
			e.present = true
			e.inner = true
			e.frame = frame
			e.flags = 0
		}
		if !e.inner {
			return nil, fmt.Errorf("aspace: virt %#x: level %d entry is a leaf, not inner", virt, level)
		}
		table = tableForFrame(table, idx)
	}
	idx := levelIndex(virt, leafLevel)
	return &table.entries[idx], nil
}

// tableForFrame lazily creates (or returns) the in-memory representation
// of the child table referenced by the entry at idx. Go's simulation
// keeps child tables as real objects rather than raw frames, pointed to
// by storing their identity alongside the frame number.
func tableForFrame(parent *pageTable, idx uint64) *pageTable {
	if parent.children == nil {
		parent.children = make(map[uint64]*pageTable)
	}
	child, ok := parent.children[idx]
	if !ok {
		child = &pageTable{frame: parent.entries[idx].frame}
		parent.children[idx] = child
	}
	return child
}

// MapPages installs count leaf mappings starting at virt mapping to the
// physical/global range starting at glob, each with the given flags.
// Every page whose entry was absent, or whose frame or permissions
// change, is queued for a TLB invalidation.
func (as *AddressSpace) MapPages(virt, glob uint64, count int, flags Flag) error {
	size := uint64(PageSize)
	leafLevel := 0
	if flags&FlagLarge != 0 {
		if virt%LargePageSize != 0 || glob%LargePageSize != 0 {
			return fmt.Errorf("aspace: large mapping at virt %#x / glob %#x is not %#x-aligned", virt, glob, LargePageSize)
		}
		size = LargePageSize
		leafLevel = 1
	}
	for i := 0; i < count; i++ {
		v := virt + uint64(i)*size
		g := glob + uint64(i)*size
		e, err := as.walkCreate(v, leafLevel)
		if err != nil {
			return err
		}
		changed := !e.present || e.frame != g || e.flags.permissions() != flags.permissions()
		*e = pte{present: true, inner: false, frame: g, flags: flags}
		if changed {
			as.invalid = append(as.invalid, Invalidation{Virt: v})
		}
	}
	return nil
}

// UnmapPages removes count leaf mappings starting at virt, invalidating
// each.
func (as *AddressSpace) UnmapPages(virt uint64, count int) error {
	for i := 0; i < count; i++ {
		v := virt + uint64(i)*PageSize
		e, err := as.walkCreate(v, 0)
		if err != nil {
			return err
		}
		if e.present {
			*e = pte{}
			as.invalid = append(as.invalid, Invalidation{Virt: v})
		}
	}
	return nil
}

// Translate returns the physical frame and effective flags mapped at
// virt, failing with tcu.FailPagefault if required flags are not
// satisfied by the installed PTE or no PTE is installed.
func (as *AddressSpace) Translate(virt uint64, required Flag) (phys uint64, effective Flag, err error) {
	if as.root == nil {
		return 0, 0, tcu.FailPagefault
	}
	table := as.root
	for level := Levels - 1; level >= 0; level-- {
		idx := levelIndex(virt, level)
		e := table.entries[idx]
		if !e.present {
			return 0, 0, tcu.FailPagefault
		}
		if !e.inner {
			if e.flags.permissions()&required.permissions() != required.permissions() {
				return 0, 0, tcu.FailPagefault
			}
			pageSize := uint64(PageSize) << (uint(level) * PTEBits)
			pageOff := virt & (pageSize - 1)
			return e.frame + pageOff, e.flags, nil
		}
		table = tableForFrame(table, idx)
	}
	return 0, 0, tcu.FailPagefault
}

// DrainInvalidations returns and clears the pending TLB-shootdown list.
func (as *AddressSpace) DrainInvalidations() []Invalidation {
	out := as.invalid
	as.invalid = nil
	return out
}

// Destroy frees all page-table frames back to the allocator in
// post-order.
func (as *AddressSpace) Destroy() {
	var walk func(t *pageTable, level int)
	walk = func(t *pageTable, level int) {
		if level > 0 {
			for idx, child := range t.children {
				walk(child, level-1)
				as.alloc.freeFrame(t.entries[idx].frame)
			}
		}
	}
	if as.root != nil {
		walk(as.root, Levels-1)
		as.alloc.freeFrame(as.root.frame)
		as.root = nil
	}
}

// SwitchTo models installing this address space's root pointer and ASID
// into hardware. The simulation has no MMU to program; this is a no-op
// hook TileMux calls so the real sequencing point exists in the code.
func (as *AddressSpace) SwitchTo() {}
