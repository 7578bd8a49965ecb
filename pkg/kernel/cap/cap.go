// Package cap implements the per-activity capability table: a
// selector-indexed, parent/child derivation tree supporting insert,
// derive, cross-activity exchange, and depth-first revocation with
// kind-specific teardown. The table is a google/btree ordered by
// selector so range-unused checks and range revocation don't need a
// full scan.
package cap

import (
	"fmt"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Selector identifies a capability within one activity's table.
type Selector uint32

// Kind tags a capability's payload.
type Kind int

const (
	KindActivity Kind = iota
	KindTile
	KindKMem
	KindMGate
	KindRGate
	KindSGate
	KindServ
	KindSess
	KindSem
	KindMap
	KindEP
)

func (k Kind) String() string {
	switch k {
	case KindActivity:
		return "Activity"
	case KindTile:
		return "Tile"
	case KindKMem:
		return "KMem"
	case KindMGate:
		return "MGate"
	case KindRGate:
		return "RGate"
	case KindSGate:
		return "SGate"
	case KindServ:
		return "Serv"
	case KindSess:
		return "Sess"
	case KindSem:
		return "Sem"
	case KindMap:
		return "Map"
	case KindEP:
		return "EP"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Cap is one node in the revocation tree: a selector, its kind-tagged
// payload, and parent/child links. The links are a parent pointer plus a
// child slice rather than an intrusive first-child/sibling list, since Go
// has no raw pointer arithmetic to make the intrusive form worthwhile.
type Cap struct {
	Selector Selector
	Kind     Kind
	Payload  interface{}

	table    *Table
	parent   *Cap
	children []*Cap
}

// Parent returns the capability this one was derived from, or nil for a
// root capability.
func (c *Cap) Parent() *Cap { return c.parent }

// Children returns this capability's direct descendants.
func (c *Cap) Children() []*Cap { return c.children }

func less(a, b *Cap) bool { return a.Selector < b.Selector }

// Table is one activity's capability table. An activity keeps two: one
// for object capabilities and one for mappings.
type Table struct {
	ActivityID uint16
	tree       *btree.BTreeG[*Cap]
	log        *logrus.Entry
}

// NewTable creates an empty table owned by activityID.
func NewTable(activityID uint16) *Table {
	return &Table{
		ActivityID: activityID,
		tree:       btree.NewG(32, less),
		log:        logrus.WithField("activity", activityID),
	}
}

// Insert creates a root capability (no parent) at sel.
func (t *Table) Insert(sel Selector, kind Kind, payload interface{}) (*Cap, error) {
	if _, ok := t.tree.Get(&Cap{Selector: sel}); ok {
		return nil, errors.Errorf("cap: selector %d already in use", sel)
	}
	c := &Cap{Selector: sel, Kind: kind, Payload: payload, table: t}
	t.tree.ReplaceOrInsert(c)
	return c, nil
}

// InsertAsChild creates a capability at sel as a child of parentSel,
// linking it into the revocation tree. Derivation goes through here.
func (t *Table) InsertAsChild(sel Selector, kind Kind, payload interface{}, parentSel Selector) (*Cap, error) {
	parent, ok := t.tree.Get(&Cap{Selector: parentSel})
	if !ok {
		return nil, errors.Errorf("cap: no such parent selector %d", parentSel)
	}
	if _, ok := t.tree.Get(&Cap{Selector: sel}); ok {
		return nil, errors.Errorf("cap: selector %d already in use", sel)
	}
	c := &Cap{Selector: sel, Kind: kind, Payload: payload, table: t, parent: parent}
	parent.children = append(parent.children, c)
	t.tree.ReplaceOrInsert(c)
	return c, nil
}

// Get looks up the capability at sel.
func (t *Table) Get(sel Selector) (*Cap, bool) {
	return t.tree.Get(&Cap{Selector: sel})
}

// RangeUnused reports whether every selector in [start, start+count) is
// free, as required before Obtain/Exchange installs a destination range.
func (t *Table) RangeUnused(start Selector, count uint32) bool {
	free := true
	t.tree.AscendRange(&Cap{Selector: start}, &Cap{Selector: start + Selector(count)}, func(*Cap) bool {
		free = false
		return false
	})
	return free
}

// Obtain installs src's payload at dstSel in t, sharing the underlying
// object. If makeChild is true, the new capability is linked as src's
// child so that revoking src cascades to it.
func (t *Table) Obtain(dstSel Selector, src *Cap, makeChild bool) (*Cap, error) {
	if _, ok := t.tree.Get(&Cap{Selector: dstSel}); ok {
		return nil, errors.Errorf("cap: selector %d already in use", dstSel)
	}
	c := &Cap{Selector: dstSel, Kind: src.Kind, Payload: src.Payload, table: t}
	if makeChild {
		c.parent = src
		src.children = append(src.children, c)
	}
	t.tree.ReplaceOrInsert(c)
	return c, nil
}

// SelectorRange is a contiguous run of selectors, as used by Exchange and
// Revoke.
type SelectorRange struct {
	Start Selector
	Count uint32
}

// Exchange shares every selector of srcRange in srcTable into dstRange of
// dstTable, preserving the parent edge so revocation still cascades
// across activities. Exchanges within one activity are rejected.
func Exchange(srcTable, dstTable *Table, srcRange, dstRange SelectorRange, makeChild bool) error {
	if srcTable.ActivityID == dstTable.ActivityID {
		return errors.New("cap: exchange within a single activity is not allowed")
	}
	if srcRange.Count != dstRange.Count {
		return errors.New("cap: exchange ranges must have equal count")
	}
	if !dstTable.RangeUnused(dstRange.Start, dstRange.Count) {
		return errors.New("cap: destination range is not free")
	}
	for i := uint32(0); i < srcRange.Count; i++ {
		src, ok := srcTable.Get(srcRange.Start + Selector(i))
		if !ok {
			continue
		}
		if _, err := dstTable.Obtain(dstRange.Start+Selector(i), src, makeChild); err != nil {
			return errors.Wrapf(err, "cap: exchange selector %d", dstRange.Start+Selector(i))
		}
	}
	return nil
}

// Teardown performs kind-specific cleanup for a capability about to be
// detached during revocation; it runs before the detachment itself.
// Implementations live in pkg/kernel, which is the
// only place that knows how to reach the TCU device, address space and
// send-queue a capability's kind requires; this package only orchestrates
// the traversal order.
type Teardown func(c *Cap) error

// Revoke removes the subtree rooted at sel. If includeSelf is false, sel
// itself is kept but its children are all revoked (e.g. "revoke children
// of this Tile cap" without destroying the Tile cap). Traversal is
// depth-first, children before parent. Teardown errors are accumulated
// and logged; revocation never aborts half-way.
func (t *Table) Revoke(sel Selector, includeSelf bool, teardown Teardown) error {
	root, ok := t.tree.Get(&Cap{Selector: sel})
	if !ok {
		return errors.Errorf("cap: no such selector %d", sel)
	}

	var merr *multierror.Error
	var walk func(c *Cap)
	walk = func(c *Cap) {
		for _, child := range append([]*Cap(nil), c.children...) {
			walk(child)
		}
		if c == root && !includeSelf {
			c.children = nil
			return
		}
		if teardown != nil {
			if err := teardown(c); err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "cap: teardown of selector %d (%s)", c.Selector, c.Kind))
			}
		}
		// A descendant obtained by another activity lives in that
		// activity's table, so detach through the cap's own table.
		c.table.detach(c)
	}
	walk(root)

	if merr != nil {
		t.log.WithError(merr).Warn("revocation completed with teardown errors")
		return merr.ErrorOrNil()
	}
	return nil
}

func (t *Table) detach(c *Cap) {
	t.tree.Delete(c)
	if c.parent != nil {
		siblings := c.parent.children
		for i, s := range siblings {
			if s == c {
				c.parent.children = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
}

// Len returns the number of live capabilities in the table.
func (t *Table) Len() int { return t.tree.Len() }

// Roots returns every capability in the table with no parent. Used when
// an owning activity is destroyed and its whole table must be revoked
// cap-by-cap.
func (t *Table) Roots() []*Cap {
	var out []*Cap
	t.tree.Ascend(func(c *Cap) bool {
		if c.parent == nil {
			out = append(out, c)
		}
		return true
	})
	return out
}
