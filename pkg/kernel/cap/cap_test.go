package cap

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndGet(t *testing.T) {
	tbl := NewTable(1)
	c, err := tbl.Insert(10, KindKMem, "payload")
	require.NoError(t, err)
	assert.Equal(t, Selector(10), c.Selector)

	got, ok := tbl.Get(10)
	require.True(t, ok)
	assert.Equal(t, "payload", got.Payload)
}

func TestInsertDuplicateSelectorFails(t *testing.T) {
	tbl := NewTable(1)
	_, err := tbl.Insert(10, KindKMem, nil)
	require.NoError(t, err)
	_, err = tbl.Insert(10, KindKMem, nil)
	assert.Error(t, err)
}

func TestDeriveAndRevokeRestoresParent(t *testing.T) {
	// R derives K1, K1 derives K2; revoke(K1) removes K1 and K2 but
	// leaves nothing else behind.
	tbl := NewTable(1)
	root, err := tbl.Insert(0, KindKMem, "root")
	require.NoError(t, err)

	k1, err := tbl.InsertAsChild(1, KindKMem, "k1", root.Selector)
	require.NoError(t, err)
	_, err = tbl.InsertAsChild(2, KindKMem, "k2", k1.Selector)
	require.NoError(t, err)

	require.NoError(t, tbl.Revoke(k1.Selector, true, nil))

	_, ok := tbl.Get(1)
	assert.False(t, ok)
	_, ok = tbl.Get(2)
	assert.False(t, ok)
	_, ok = tbl.Get(0)
	assert.True(t, ok)
}

func TestRevokeRunsTeardownDepthFirstAndAccumulatesErrors(t *testing.T) {
	tbl := NewTable(1)
	root, _ := tbl.Insert(0, KindServ, "root")
	child, _ := tbl.InsertAsChild(1, KindSess, "child", root.Selector)
	_, _ = tbl.InsertAsChild(2, KindSess, "grandchild", child.Selector)

	var order []Selector
	err := tbl.Revoke(root.Selector, true, func(c *Cap) error {
		order = append(order, c.Selector)
		if c.Selector == 1 {
			return errors.New("boom")
		}
		return nil
	})

	assert.Error(t, err)
	assert.Equal(t, []Selector{2, 1, 0}, order, "children torn down before parent")
	assert.Equal(t, 0, tbl.Len(), "revocation completes despite a teardown error")
}

func TestRevokeWithoutIncludeSelfKeepsRoot(t *testing.T) {
	tbl := NewTable(1)
	root, _ := tbl.Insert(0, KindTile, "root")
	_, _ = tbl.InsertAsChild(1, KindTile, "child", root.Selector)

	require.NoError(t, tbl.Revoke(root.Selector, false, nil))

	_, ok := tbl.Get(0)
	assert.True(t, ok)
	_, ok = tbl.Get(1)
	assert.False(t, ok)
}

func TestRangeUnused(t *testing.T) {
	tbl := NewTable(1)
	_, _ = tbl.Insert(5, KindSem, nil)

	assert.True(t, tbl.RangeUnused(0, 5))
	assert.False(t, tbl.RangeUnused(0, 6))
	assert.True(t, tbl.RangeUnused(6, 4))
}

func TestExchangeMovesCapabilityPreservingParentEdge(t *testing.T) {
	src := NewTable(1)
	dst := NewTable(2)

	root, _ := src.Insert(0, KindMGate, "mem")

	err := Exchange(src, dst, SelectorRange{Start: 0, Count: 1}, SelectorRange{Start: 10, Count: 1}, true)
	require.NoError(t, err)

	got, ok := dst.Get(10)
	require.True(t, ok)
	assert.Equal(t, "mem", got.Payload)
	assert.Same(t, root, got.Parent())
}

func TestExchangeRejectsSameActivity(t *testing.T) {
	tbl := NewTable(1)
	_, _ = tbl.Insert(0, KindMGate, "mem")
	err := Exchange(tbl, tbl, SelectorRange{Start: 0, Count: 1}, SelectorRange{Start: 1, Count: 1}, true)
	assert.Error(t, err)
}

func TestExchangeRejectsOccupiedDestination(t *testing.T) {
	src := NewTable(1)
	dst := NewTable(2)
	_, _ = src.Insert(0, KindMGate, "mem")
	_, _ = dst.Insert(10, KindMGate, "other")

	err := Exchange(src, dst, SelectorRange{Start: 0, Count: 1}, SelectorRange{Start: 10, Count: 1}, true)
	assert.Error(t, err)
}

func TestExchangeRejectsMismatchedCount(t *testing.T) {
	src := NewTable(1)
	dst := NewTable(2)
	_, _ = src.Insert(0, KindMGate, "mem")
	_, _ = src.Insert(1, KindMGate, "mem2")

	err := Exchange(src, dst, SelectorRange{Start: 0, Count: 2}, SelectorRange{Start: 10, Count: 1}, true)
	assert.Error(t, err)
}

func TestRevokeUnknownSelectorFails(t *testing.T) {
	tbl := NewTable(1)
	err := tbl.Revoke(99, true, nil)
	assert.Error(t, err)
}
