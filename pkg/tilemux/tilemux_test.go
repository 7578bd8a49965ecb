package tilemux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephan-gh/M3-sub004/pkg/aspace"
	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/tilemux/sched"
	"github.com/stephan-gh/M3-sub004/pkg/tilemux/sidecall"
	"github.com/stephan-gh/M3-sub004/pkg/tilemux/vma"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

func newTestMux(t *testing.T) (*Multiplexer, *tcu.Device) {
	t.Helper()
	bus := tcu.NewBus()
	dev, err := tcu.NewDevice(bus, 1, 1<<20)
	require.NoError(t, err)
	m := New(Config{
		Tile:       1,
		PTFrames:   64,
		TimeBudget: 1_000_000_000,
		MaxASID:    4,
		SidecallEP: 0,
	}, dev)
	return m, dev
}

func TestActInitRegistersResident(t *testing.T) {
	m, _ := newTestMux(t)
	require.NoError(t, m.ActInit(1, 8, 4))

	timeTotal, timeLeft, ptTotal, ptLeft, err := m.Quota(1)
	require.NoError(t, err)
	assert.EqualValues(t, DefaultTimeSliceNanos, timeTotal)
	assert.EqualValues(t, DefaultTimeSliceNanos, timeLeft)
	assert.EqualValues(t, 4, ptTotal)
	assert.EqualValues(t, 3, ptLeft)
}

func TestActInitRejectsDuplicate(t *testing.T) {
	m, _ := newTestMux(t)
	require.NoError(t, m.ActInit(1, 8, 4))
	err := m.ActInit(1, 8, 4)
	require.Error(t, err)
	assert.Equal(t, errs.Exists, errs.KindOf(err))
}

func TestActCtrlStopSuspendsResident(t *testing.T) {
	m, _ := newTestMux(t)
	require.NoError(t, m.ActInit(1, 8, 4))
	require.NoError(t, m.ActCtrl(1, sidecall.CtrlStop))

	r, ok := m.Scheduler().Resident(1)
	require.True(t, ok)
	assert.Equal(t, sched.StateSuspended, r.State)

	require.NoError(t, m.ActCtrl(1, sidecall.CtrlStart))
	r, _ = m.Scheduler().Resident(1)
	assert.Equal(t, sched.StateReady, r.State)
}

func TestSetQuotaAndDeriveQuota(t *testing.T) {
	m, _ := newTestMux(t)
	require.NoError(t, m.ActInit(1, 8, 4))
	require.NoError(t, m.SetQuota(1, 2_000_000))

	timeTotal, _, _, _, err := m.Quota(1)
	require.NoError(t, err)
	assert.EqualValues(t, 2_000_000, timeTotal)

	childID, err := m.DeriveQuota(1, 500_000)
	require.NoError(t, err)
	assert.NotZero(t, childID)
}

func TestMapAndTranslateRoundtrip(t *testing.T) {
	m, _ := newTestMux(t)
	require.NoError(t, m.ActInit(1, 8, 4))

	virt := uint64(0x4000)
	require.NoError(t, m.Map(1, virt, 0x100000, 1, aspace.FlagR|aspace.FlagW))

	phys, err := m.Translate(1, virt, aspace.FlagR)
	require.NoError(t, err)
	assert.EqualValues(t, 0x100000, phys)
}

func TestRemMsgsClampsAtZero(t *testing.T) {
	m, _ := newTestMux(t)
	require.NoError(t, m.ActInit(1, 8, 4))
	require.NoError(t, m.RemMsgs(1, 0b11))
	// No pending messages were ever recorded; this must not go negative.
	r := m.residents[1]
	assert.Equal(t, 0, r.pendingMsgs)
}

func TestEPInvalWakesBlockedActivity(t *testing.T) {
	m, _ := newTestMux(t)
	require.NoError(t, m.ActInit(1, 8, 4))
	m.Schedule()

	done := make(chan error, 1)
	go func() {
		_, err := m.Wait(context.Background(), 1, tcu.EPId(5), true, 0, false, time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, m.EPInval(1, tcu.EPId(5)))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not unblock on EPInval")
	}
}

func TestHandlePageFaultWithoutPagerFails(t *testing.T) {
	m, _ := newTestMux(t)
	require.NoError(t, m.ActInit(1, 8, 4))

	err := m.HandlePageFault(context.Background(), 1, 0x4000, aspace.FlagR)
	assert.Same(t, vma.ErrNoPager, err)
}

func TestTickExpiresTimeoutAndUnblocks(t *testing.T) {
	m, _ := newTestMux(t)
	require.NoError(t, m.ActInit(1, 8, 4))
	m.Schedule()

	done := make(chan sched.UnblockResult, 1)
	go func() {
		res, _ := m.Wait(context.Background(), 1, 0, false, 0, false, 5*time.Millisecond)
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	m.Tick(time.Now())

	select {
	case res := <-done:
		assert.Equal(t, sched.UnblockTimeout, res)
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
}

func TestDispatchSidecallRoutesActInitMissingArgsFailsCleanly(t *testing.T) {
	m, _ := newTestMux(t)
	body := sidecall.Encode(sidecall.OpActInit, nil)
	reply := m.DispatchSidecall(context.Background(), wire.Message{Payload: body})

	r := wire.NewReader(reply)
	status, err := r.PopU64()
	require.NoError(t, err)
	assert.Equal(t, errs.InvArgs, errs.Kind(status))
}
