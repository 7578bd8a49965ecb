package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephan-gh/M3-sub004/pkg/quota"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
)

const idleID uint16 = 0xFFFF

func newTestScheduler(t *testing.T) (*Scheduler, *quota.Tree[int64]) {
	t.Helper()
	tree := quota.NewTree[int64](1_000_000)
	return NewScheduler(idleID, tree, 4), tree
}

func TestNextRunsIdleWhenReadyEmpty(t *testing.T) {
	s, _ := newTestScheduler(t)
	id, switched := s.Next()
	assert.Equal(t, idleID, id)
	assert.True(t, switched)
}

func TestRoundRobinOverReady(t *testing.T) {
	s, tree := newTestScheduler(t)
	q1, err := tree.Derive(tree.Root(), 1000)
	require.NoError(t, err)
	q2, err := tree.Derive(tree.Root(), 1000)
	require.NoError(t, err)
	require.NoError(t, s.AddActivity(1, q1))
	require.NoError(t, s.AddActivity(2, q2))

	id, _ := s.Next()
	assert.EqualValues(t, 1, id)
	s.Yield(1)
	id, _ = s.Next()
	assert.EqualValues(t, 2, id)
	s.Yield(2)
	id, _ = s.Next()
	assert.EqualValues(t, 1, id)
}

func TestChargeSliceExhaustion(t *testing.T) {
	s, tree := newTestScheduler(t)
	q1, err := tree.Derive(tree.Root(), 100)
	require.NoError(t, err)
	require.NoError(t, s.AddActivity(1, q1))
	s.Next()
	assert.False(t, s.ChargeSlice(1, 50))
	assert.True(t, s.ChargeSlice(1, 60))
}

func TestBlockAndUnblockByEP(t *testing.T) {
	s, tree := newTestScheduler(t)
	q1, err := tree.Derive(tree.Root(), 1000)
	require.NoError(t, err)
	require.NoError(t, s.AddActivity(1, q1))
	s.Next()

	require.NoError(t, s.Block(1, WaitReason{Kind: WaitEP, EP: tcu.EPId(5)}, 0))
	r, ok := s.Resident(1)
	require.True(t, ok)
	assert.Equal(t, StateBlocked, r.State)

	assert.True(t, s.Unblock(1, UnblockMessage))
	r, _ = s.Resident(1)
	assert.Equal(t, StateReady, r.State)
}

func TestTimeoutExpiry(t *testing.T) {
	s, tree := newTestScheduler(t)
	q1, err := tree.Derive(tree.Root(), 1000)
	require.NoError(t, err)
	require.NoError(t, s.AddActivity(1, q1))
	s.Next()

	require.NoError(t, s.Block(1, WaitReason{Kind: WaitNone}, 1*time.Millisecond))
	time.Sleep(2 * time.Millisecond)

	expired := s.ExpireTimeouts(time.Now())
	assert.Equal(t, []uint16{1}, expired)
	r, _ := s.Resident(1)
	assert.Equal(t, StateReady, r.State)
}

func TestUnblockRescindsTimeout(t *testing.T) {
	s, tree := newTestScheduler(t)
	q1, err := tree.Derive(tree.Root(), 1000)
	require.NoError(t, err)
	require.NoError(t, s.AddActivity(1, q1))
	s.Next()

	require.NoError(t, s.Block(1, WaitReason{Kind: WaitEP, EP: 1}, 10*time.Second))
	assert.True(t, s.Unblock(1, UnblockMessage))

	_, hasDeadline := s.NextDeadline()
	assert.False(t, hasDeadline)
}

func TestSuspendResume(t *testing.T) {
	s, tree := newTestScheduler(t)
	q1, err := tree.Derive(tree.Root(), 1000)
	require.NoError(t, err)
	require.NoError(t, s.AddActivity(1, q1))

	require.NoError(t, s.Suspend(1))
	r, _ := s.Resident(1)
	assert.Equal(t, StateSuspended, r.State)
	assert.Equal(t, 0, s.ReadyLen())

	require.NoError(t, s.Resume(1))
	r, _ = s.Resident(1)
	assert.Equal(t, StateReady, r.State)
}

func TestRemoveActivityRestoresQuotaAndDropsTimeout(t *testing.T) {
	s, tree := newTestScheduler(t)
	q1, err := tree.Derive(tree.Root(), 1000)
	require.NoError(t, err)
	require.NoError(t, s.AddActivity(1, q1))
	s.Next()
	require.NoError(t, s.Block(1, WaitReason{Kind: WaitNone}, time.Hour))

	s.RemoveActivity(1)
	_, ok := s.Resident(1)
	assert.False(t, ok)
	_, hasDeadline := s.NextDeadline()
	assert.False(t, hasDeadline)

	// Removing detaches the quota node so it can be removed now.
	require.NoError(t, tree.Remove(q1))
}

func TestASIDAllocationAndWraparound(t *testing.T) {
	s, tree := newTestScheduler(t)
	for i := uint16(1); i <= 5; i++ {
		q, err := tree.Derive(tree.Root(), 10)
		require.NoError(t, err)
		require.NoError(t, s.AddActivity(i, q))
	}

	var sawFlush bool
	for i := uint16(1); i <= 5; i++ {
		_, flush := s.AllocASID(i)
		if flush {
			sawFlush = true
		}
	}
	assert.True(t, sawFlush, "expected ASID space (max 4) to wrap across 5 activities")
}

func TestTrapFPUTracksOwnerChange(t *testing.T) {
	s, tree := newTestScheduler(t)
	q1, err := tree.Derive(tree.Root(), 1000)
	require.NoError(t, err)
	q2, err := tree.Derive(tree.Root(), 1000)
	require.NoError(t, err)
	require.NoError(t, s.AddActivity(1, q1))
	require.NoError(t, s.AddActivity(2, q2))

	_, hadOwner := s.TrapFPU(1)
	assert.False(t, hadOwner)

	prev, changed := s.TrapFPU(1)
	assert.EqualValues(t, 1, prev)
	assert.False(t, changed)

	prev, changed = s.TrapFPU(2)
	assert.EqualValues(t, 1, prev)
	assert.True(t, changed)
}
