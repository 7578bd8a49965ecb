package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
)

func setupKernel(t *testing.T) *Kernel {
	t.Helper()
	Shutdown()
	bus := tcu.NewBus()
	dev, err := tcu.NewDevice(bus, 1, 4096)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dev.Close()
		Shutdown()
	})
	require.NoError(t, dev.ConfigureRecv(0, 0x1000, 8, 6, 16))
	return Init(Config{RootKMemBytes: 1 << 20, RootPTFrames: 256, KernelTile: 1, KernelEP: 1, KernelReplyEP: 0}, bus, dev)
}

func TestInitTwiceWithoutShutdownPanics(t *testing.T) {
	setupKernel(t)
	assert.Panics(t, func() {
		Init(Config{}, tcu.NewBus(), nil)
	})
}

func TestGetBeforeInitPanics(t *testing.T) {
	Shutdown()
	assert.Panics(t, func() { Get() })
}

func TestCreateActivityChargesParentKMemAndPT(t *testing.T) {
	k := setupKernel(t)
	root, ok := k.Activity(RootActivityID)
	require.True(t, ok)

	rootTotal, rootLeft, err := k.kmemTree.Snapshot(root.KMemID)
	require.NoError(t, err)
	assert.Equal(t, rootTotal, rootLeft)

	child, err := k.CreateActivity(root, 2, 0, 0x1000, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, StateReady, child.State)

	_, left, err := k.kmemTree.Snapshot(root.KMemID)
	require.NoError(t, err)
	assert.Equal(t, rootLeft-0x1000, left)

	k.DestroyActivity(child, 0)
	_, leftAfter, err := k.kmemTree.Snapshot(root.KMemID)
	require.NoError(t, err)
	assert.Equal(t, rootLeft, leftAfter)
}

func TestDestroyActivityWakesWaiter(t *testing.T) {
	k := setupKernel(t)
	root, _ := k.Activity(RootActivityID)
	child, err := k.CreateActivity(root, 2, 0, 0x100, 1, nil)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() { done <- child.Wait() }()

	k.DestroyActivity(child, 7)
	assert.Equal(t, 7, <-done)
}

func TestRegisterAndUnregisterService(t *testing.T) {
	k := setupKernel(t)
	root, _ := k.Activity(RootActivityID)

	srv, err := k.RegisterService("m3fs", root, 5)
	require.NoError(t, err)

	_, exists := k.Service("m3fs")
	assert.True(t, exists)

	_, err = k.RegisterService("m3fs", root, 5)
	assert.Error(t, err)

	sess, err := k.OpenSession(srv, root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, sess.CreatorID)

	k.UnregisterService("m3fs")
	_, exists = k.Service("m3fs")
	assert.False(t, exists)
}

func TestServiceSessionQuotaEnforced(t *testing.T) {
	k := setupKernel(t)
	root, _ := k.Activity(RootActivityID)
	srv, err := k.RegisterService("limited", root, 5)
	require.NoError(t, err)
	srv.SetSessionQuota(root.ID, 1)

	_, err = k.OpenSession(srv, root.ID)
	require.NoError(t, err)
	_, err = k.OpenSession(srv, root.ID)
	assert.Error(t, err)
}

func TestTeardownKMemRestoresParentOnRevoke(t *testing.T) {
	k := setupKernel(t)
	root, _ := k.Activity(RootActivityID)

	_, rootLeft, err := k.kmemTree.Snapshot(root.KMemID)
	require.NoError(t, err)

	childID, err := k.kmemTree.Derive(root.KMemID, 0x800)
	require.NoError(t, err)
	c, err := root.ObjCaps.Insert(50, cap.KindKMem, &KMemPayload{QuotaID: childID})
	require.NoError(t, err)

	require.NoError(t, root.ObjCaps.Revoke(c.Selector, true, k.Teardown(root)))

	_, leftAfter, err := k.kmemTree.Snapshot(root.KMemID)
	require.NoError(t, err)
	assert.Equal(t, rootLeft, leftAfter)
}

func TestActivateAndDeactivateMGateRoundTrips(t *testing.T) {
	k := setupKernel(t)
	tile := k.AddTile(1, TileDesc{ISA: "x86_64"}, 64)

	mg := &MGatePayload{Tile: 1, Addr: 0x4000, Size: 0x1000, Perms: tcu.PermR | tcu.PermW}
	gate := &cap.Cap{Kind: cap.KindMGate, Payload: mg}
	require.NoError(t, k.Activate(gate, tile, 10, 0))
	require.NoError(t, k.Deactivate(gate, tile, 10))
}
