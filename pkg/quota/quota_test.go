package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAndRemoveRestoresParent(t *testing.T) {
	// parent total=1_000_000, derive 250_000, parent total and left both
	// become 750_000; remove restores both to 1_000_000.
	tr := NewTree[uint64](1_000_000)
	child, err := tr.Derive(tr.Root(), 250_000)
	require.NoError(t, err)

	root, _ := tr.Get(tr.Root())
	assert.EqualValues(t, 750_000, root.Total())
	assert.EqualValues(t, 750_000, root.Left())

	require.NoError(t, tr.Remove(child))
	root, _ = tr.Get(tr.Root())
	assert.EqualValues(t, 1_000_000, root.Total())
	assert.EqualValues(t, 1_000_000, root.Left())
}

func TestRevocationCascadeRestoresGrandparent(t *testing.T) {
	// R derives K1 (0x1000), K1 derives K2 (0x800); removing K1 after K2
	// leaves R at its original total with K2 gone.
	tr := NewTree[uint64](0x10000)
	k1, err := tr.Derive(tr.Root(), 0x1000)
	require.NoError(t, err)
	k2, err := tr.Derive(k1, 0x800)
	require.NoError(t, err)

	// revocation cascade: depth-first, children before parent.
	require.NoError(t, tr.Remove(k2))
	require.NoError(t, tr.Remove(k1))

	root, _ := tr.Get(tr.Root())
	assert.EqualValues(t, 0x10000, root.Total())
	assert.EqualValues(t, 0x10000, root.Left())
	_, ok := tr.Get(k2)
	assert.False(t, ok)
}

func TestDeriveInsufficientLeft(t *testing.T) {
	tr := NewTree[uint64](100)
	_, err := tr.Derive(tr.Root(), 200)
	assert.Error(t, err)
}

func TestCannotRemoveNodeWithUsers(t *testing.T) {
	tr := NewTree[uint64](100)
	child, err := tr.Derive(tr.Root(), 10)
	require.NoError(t, err)
	require.NoError(t, tr.Attach(child))

	err = tr.Remove(child)
	assert.Error(t, err)

	require.NoError(t, tr.Detach(child))
	assert.NoError(t, tr.Remove(child))
}

func TestChargeAndRefund(t *testing.T) {
	tr := NewTree[uint64](1024)
	require.NoError(t, tr.Charge(tr.Root(), 100))
	root, _ := tr.Get(tr.Root())
	assert.EqualValues(t, 924, root.Left())

	require.NoError(t, tr.Refund(tr.Root(), 100))
	root, _ = tr.Get(tr.Root())
	assert.EqualValues(t, 1024, root.Left())

	err := tr.Charge(tr.Root(), 2000)
	assert.Error(t, err)
}

func TestCannotRemoveRoot(t *testing.T) {
	tr := NewTree[uint64](1)
	err := tr.Remove(tr.Root())
	assert.Error(t, err)
}

func TestSnapshotAndSetTotal(t *testing.T) {
	tr := NewTree[int](1_000_000)
	child, err := tr.Derive(tr.Root(), 250_000)
	require.NoError(t, err)

	total, left, err := tr.Snapshot(child)
	require.NoError(t, err)
	assert.Equal(t, 250_000, total)
	assert.Equal(t, 250_000, left)

	require.NoError(t, tr.SetTotal(child, 300_000))
	total, _, _ = tr.Snapshot(child)
	assert.Equal(t, 300_000, total)
}
