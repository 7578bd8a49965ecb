package syscall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

func setupDisp(t *testing.T) (*Dispatcher, *kernel.Kernel, *kernel.Activity) {
	t.Helper()
	kernel.Shutdown()
	bus := tcu.NewBus()
	dev, err := tcu.NewDevice(bus, 1, 4096)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dev.Close()
		kernel.Shutdown()
	})
	require.NoError(t, dev.ConfigureRecv(0, 0x1000, 8, 6, 16))

	k := kernel.Init(kernel.Config{RootKMemBytes: 1 << 20, RootPTFrames: 256, KernelTile: 1, KernelEP: 1, KernelReplyEP: 0}, bus, dev)
	root, _ := k.Activity(kernel.RootActivityID)
	return NewDispatcher(k), k, root
}

// dispatch builds a request message for op/args (already-encoded body
// words) labelled as coming from caller, and decodes the reply's leading
// status word plus a Reader over whatever the handler wrote after it.
func dispatch(d *Dispatcher, caller uint16, op wire.Opcode, args *wire.Writer) (errs.Kind, *wire.Reader) {
	body := wire.NewWriter().PushOpcode(op)
	payload := append(body.Bytes(), args.Bytes()...)
	msg := wire.Message{Header: wire.Header{Label: uint64(caller)}, Payload: payload}
	reply := d.Dispatch(context.Background(), msg)
	r := wire.NewReader(reply)
	status, _ := r.PopU64()
	return errs.Kind(status), r
}

func TestNoopAndResetStats(t *testing.T) {
	d, _, root := setupDisp(t)
	status, _ := dispatch(d, root.ID, wire.OpNoop, wire.NewWriter())
	assert.Equal(t, errs.Success, status)
	status, _ = dispatch(d, root.ID, wire.OpResetStats, wire.NewWriter())
	assert.Equal(t, errs.Success, status)
}

func TestDispatchUnknownActivityIsRejected(t *testing.T) {
	d, _, _ := setupDisp(t)
	status, _ := dispatch(d, 0xDEAD, wire.OpNoop, wire.NewWriter())
	assert.Equal(t, errs.InvArgs, status)
}

func TestCreateSemAndSemCtrlRoundTrips(t *testing.T) {
	d, _, root := setupDisp(t)

	args := wire.NewWriter().PushU32(100).PushU32(0) // dstSel=100, initial=0
	status, _ := dispatch(d, root.ID, wire.OpCreateSem, args)
	require.Equal(t, errs.Success, status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	downArgs := wire.NewWriter().PushU32(100).PushU32(1) // op=down
	body := wire.NewWriter().PushOpcode(wire.OpSemCtrl)
	payload := append(body.Bytes(), downArgs.Bytes()...)
	msg := wire.Message{Header: wire.Header{Label: uint64(root.ID)}, Payload: payload}
	reply := d.Dispatch(ctx, msg)
	r := wire.NewReader(reply)
	blockedStatus, _ := r.PopU64()
	assert.Equal(t, uint64(errs.Abort), blockedStatus)

	upArgs := wire.NewWriter().PushU32(100).PushU32(0)
	status, _ = dispatch(d, root.ID, wire.OpSemCtrl, upArgs)
	require.Equal(t, errs.Success, status)

	status, _ = dispatch(d, root.ID, wire.OpSemCtrl, wire.NewWriter().PushU32(100).PushU32(1))
	assert.Equal(t, errs.Success, status)
}

func TestDeriveKMemAndRevokeRestoresParentQuota(t *testing.T) {
	d, k, root := setupDisp(t)
	_, err := root.ObjCaps.Insert(1, cap.KindKMem, &kernel.KMemPayload{QuotaID: root.KMemID})
	require.NoError(t, err)

	_, rootLeft, err := k.KMemTree().Snapshot(root.KMemID)
	require.NoError(t, err)

	args := wire.NewWriter().PushU32(2).PushU32(1).PushU64(0x400) // dst=2 src=1 amount=0x400
	status, _ := dispatch(d, root.ID, wire.OpDeriveKMem, args)
	require.Equal(t, errs.Success, status)

	_, leftAfterDerive, err := k.KMemTree().Snapshot(root.KMemID)
	require.NoError(t, err)
	assert.Less(t, leftAfterDerive, rootLeft)

	revokeArgs := wire.NewWriter().PushU32(2).PushU32(1).PushU32(1) // start=2 count=1 includeSelf=1
	status, _ = dispatch(d, root.ID, wire.OpRevoke, revokeArgs)
	require.Equal(t, errs.Success, status)

	_, leftAfterRevoke, err := k.KMemTree().Snapshot(root.KMemID)
	require.NoError(t, err)
	assert.Equal(t, rootLeft, leftAfterRevoke)
}

func TestCreateMGateActivateAndRegionQuery(t *testing.T) {
	d, k, root := setupDisp(t)
	tile := k.AddTile(1, kernel.TileDesc{ISA: "x86_64"}, 64)
	_, err := root.ObjCaps.Insert(5, cap.KindTile, &kernel.TilePayload{Tile: tile, QuotaID: tile.EPRoot()})
	require.NoError(t, err)

	createArgs := wire.NewWriter().PushU32(10).PushU32(5).PushU64(0x4000).PushU64(0x1000).PushU32(uint32(tcu.PermR | tcu.PermW))
	status, _ := dispatch(d, root.ID, wire.OpCreateMGate, createArgs)
	require.Equal(t, errs.Success, status)

	regionArgs := wire.NewWriter().PushU32(10)
	status, r := dispatch(d, root.ID, wire.OpMGateRegion, regionArgs)
	require.Equal(t, errs.Success, status)
	tileID, _ := r.PopU64()
	addr, _ := r.PopU64()
	size, _ := r.PopU64()
	assert.Equal(t, uint64(1), tileID)
	assert.Equal(t, uint64(0x4000), addr)
	assert.Equal(t, uint64(0x1000), size)

	root.TileID = 1
	activateArgs := wire.NewWriter().PushU32(10).PushU32(20).PushU64(0)
	status, _ = dispatch(d, root.ID, wire.OpActivate, activateArgs)
	assert.Equal(t, errs.Success, status)
}

func TestCreateActAndActWaitReturnsExitCode(t *testing.T) {
	d, k, root := setupDisp(t)
	tile := k.AddTile(3, kernel.TileDesc{ISA: "x86_64"}, 64)
	_, err := root.ObjCaps.Insert(5, cap.KindTile, &kernel.TilePayload{Tile: tile, QuotaID: tile.EPRoot()})
	require.NoError(t, err)
	_, err = root.ObjCaps.Insert(1, cap.KindKMem, &kernel.KMemPayload{QuotaID: root.KMemID})
	require.NoError(t, err)

	createArgs := wire.NewWriter().PushU32(30).PushU32(5).PushU32(1).PushU32(0).PushU64(0x800).PushU32(4)
	_, perr := createArgs.PushBytes(nil)
	require.NoError(t, perr)
	status, _ := dispatch(d, root.ID, wire.OpCreateAct, createArgs)
	require.Equal(t, errs.Success, status)

	childCap, ok := root.ObjCaps.Get(30)
	require.True(t, ok)
	child := childCap.Payload.(*kernel.ActivityPayload).Activity

	go func() { k.DestroyActivity(child, 42) }()

	waitArgs := wire.NewWriter().PushU32(1).PushU32(uint32(child.ID))
	status, r := dispatch(d, root.ID, wire.OpActWait, waitArgs)
	require.Equal(t, errs.Success, status)
	gotID, _ := r.PopU32()
	gotCode, _ := r.PopU64()
	assert.Equal(t, uint32(child.ID), gotID)
	assert.Equal(t, uint64(42), gotCode)
}
