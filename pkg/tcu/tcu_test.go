package tcu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (bus *Bus, a, b *Device) {
	t.Helper()
	bus = NewBus()
	a, err := NewDevice(bus, 1, 64*1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err = NewDevice(bus, 2, 64*1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return bus, a, b
}

// TestSendRecvScenario: A activates a receive-EP (buf_order=8,
// msg_order=6) on EP 16; B sends over a send-EP with credits=2,
// label=0xABCD, twice; A replies once. B's credits must end at 1 and A's
// unread-mask at 0.
func TestSendRecvScenario(t *testing.T) {
	_, a, b := newPair(t)

	const aRecvEP EPId = 16
	const bSendEP EPId = 5
	require.NoError(t, a.ConfigureRecv(aRecvEP, 0x4000, 8, 6, 32))
	require.NoError(t, b.ConfigureSend(bSendEP, a.Tile(), aRecvEP, 0xABCD, 2, 6))
	require.NoError(t, b.ConfigureRecv(40, 0x8000, 8, 6, 0))

	msg := make([]byte, 16)
	for i := range msg {
		msg[i] = byte(i)
	}

	require.NoError(t, b.Send(bSendEP, msg, 0xBEEF, 40))
	require.NoError(t, b.Send(bSendEP, msg, 0xBEEF, 40))

	credits, err := b.Credits(bSendEP)
	require.NoError(t, err)
	assert.EqualValues(t, 0, credits)

	off1, got1, ok, err := a.FetchMsg(aRecvEP)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg, got1.Payload)
	assert.EqualValues(t, 0xABCD, got1.Header.Label)

	off2, _, ok, err := a.FetchMsg(aRecvEP)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, off1, off2)

	require.NoError(t, a.Reply(aRecvEP, []byte("ack"), off1))

	credits, err = b.Credits(bSendEP)
	require.NoError(t, err)
	assert.EqualValues(t, 1, credits, "credits replenished by exactly one reply")

	mask, err := a.UnreadMask(aRecvEP)
	require.NoError(t, err)
	assert.EqualValues(t, 0, mask, "both messages fetched, unread mask clear")
}

func TestSendWithoutCreditsFails(t *testing.T) {
	_, a, b := newPair(t)
	require.NoError(t, a.ConfigureRecv(16, 0x4000, 8, 6, 32))
	require.NoError(t, b.ConfigureSend(5, a.Tile(), 16, 0, 0, 6))

	err := b.Send(5, []byte("hi"), 0, 40)
	assert.ErrorIs(t, err, FailNoCredits)

	credits, _ := b.Credits(5)
	assert.EqualValues(t, 0, credits)
}

func TestSendToUnreachableTile(t *testing.T) {
	bus := NewBus()
	a, err := NewDevice(bus, 1, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, a.ConfigureSend(5, 99, 16, 0, 1, 6))
	err = a.Send(5, []byte("hi"), 0, 0)
	assert.ErrorIs(t, err, FailUnreachable)
}

func TestConfigureReinvalidatesPreviousOccupant(t *testing.T) {
	_, a, _ := newPair(t)
	require.NoError(t, a.ConfigureRecv(16, 0x1000, 6, 6, 32))
	require.NoError(t, a.ConfigureSend(16, 2, 0, 0, 1, 6))

	// the EP is now a send-EP; fetching from it as a receive-EP fails.
	_, _, _, err := a.FetchMsg(16)
	assert.ErrorIs(t, err, FailInvalidEP)
}

func TestMemReadWrite(t *testing.T) {
	_, a, b := newPair(t)
	require.NoError(t, a.ConfigureMem(10, b.Tile(), 0x1000, 256, PermR|PermW))

	payload := []byte("hello, memory gate")
	require.NoError(t, a.WriteMem(10, payload, 0))

	out := make([]byte, len(payload))
	require.NoError(t, a.ReadMem(10, out, 0))
	assert.Equal(t, payload, out)
}

func TestMemReadRespectsPermissions(t *testing.T) {
	_, a, b := newPair(t)
	require.NoError(t, a.ConfigureMem(10, b.Tile(), 0x1000, 256, PermR))

	err := a.WriteMem(10, []byte("x"), 0)
	assert.Error(t, err)
}

func TestRingSpaceExhaustion(t *testing.T) {
	_, a, b := newPair(t)
	require.NoError(t, a.ConfigureRecv(16, 0x4000, 6, 6, 32))
	require.NoError(t, b.ConfigureSend(5, a.Tile(), 16, 0, 10, 6))

	// buf_order==msg_order means exactly one slot.
	require.NoError(t, b.Send(5, []byte("one"), 0, 0))
	err := b.Send(5, []byte("two"), 0, 0)
	assert.ErrorIs(t, err, FailNoRingSpace)
}

func TestSwapActivityReturnsPrevious(t *testing.T) {
	_, a, _ := newPair(t)
	prev := a.SwapActivity(7)
	assert.EqualValues(t, 0, prev)
	prev = a.SwapActivity(9)
	assert.EqualValues(t, 7, prev)
	assert.EqualValues(t, 9, a.CurrentActivity())
}
