package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephan-gh/M3-sub004/pkg/errs"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/cap"
	"github.com/stephan-gh/M3-sub004/pkg/kernel/sendqueue"
	"github.com/stephan-gh/M3-sub004/pkg/tcu"
	"github.com/stephan-gh/M3-sub004/pkg/wire"
)

// runServer decodes one ExchangeSess request arriving on recvEP and
// replies with status/caps/args, simulating the distrusted server side
// without depending on this package's internals.
func runServer(t *testing.T, dev *tcu.Device, recvEP tcu.EPId, status errs.Kind, replyStart cap.Selector, replyCount uint32, replyArgs []byte) {
	t.Helper()
	go func() {
		for i := 0; i < 200; i++ {
			off, msg, ok, err := dev.FetchMsg(recvEP)
			if err == nil && ok {
				r := wire.NewReader(msg.Payload)
				_, _ = r.PopU64() // direction
				_, _ = r.PopU64() // ident
				_, _ = r.PopU32() // caller's caps.Start
				_, _ = r.PopU32() // caller's caps.Count
				_, _ = r.PopBytes()

				w := wire.NewWriter()
				w.PushU64(uint64(status))
				w.PushU32(uint32(replyStart))
				w.PushU32(replyCount)
				_, _ = w.PushBytes(replyArgs)
				_ = dev.Reply(recvEP, w.Bytes(), off)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func setup(t *testing.T) (kdev, sdev *tcu.Device, sq *sendqueue.Manager, q *sendqueue.Queue) {
	t.Helper()
	bus := tcu.NewBus()
	kdev, err := tcu.NewDevice(bus, 1, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kdev.Close() })
	sdev, err = tcu.NewDevice(bus, 2, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sdev.Close() })

	require.NoError(t, kdev.ConfigureRecv(1, 0x2000, 8, 6, 32))
	require.NoError(t, sdev.ConfigureRecv(16, 0x1000, 8, 6, 32))

	sq = sendqueue.NewManager(kdev, 0, 1)
	q = sq.NewQueue(sendqueue.ID{Kind: sendqueue.KindServ, Num: 9}, sdev.Tile())

	go func() {
		for i := 0; i < 200; i++ {
			off, msg, ok, err := kdev.FetchMsg(1)
			if err == nil && ok {
				sq.Dispatch(msg)
				_ = off
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	return kdev, sdev, sq, q
}

func TestObtainInstallsServerCapsAtCallerRange(t *testing.T) {
	_, sdev, sq, q := setup(t)

	serverTable := cap.NewTable(2)
	_, err := serverTable.Insert(5, cap.KindSess, "server-object")
	require.NoError(t, err)

	runServer(t, sdev, 16, errs.Success, 5, 1, []byte("ok"))

	callerTable := cap.NewTable(1)
	broker := NewBroker(sq)
	sess := &Session{ServerTable: serverTable, ServerQueue: q, ServerEP: 16, Ident: 0x1234, CreatorID: 1}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outArgs, err := broker.ExchangeSess(ctx, callerTable, sess, cap.SelectorRange{Start: 10, Count: 1}, Obtain, []byte("req"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), outArgs)

	got, ok := callerTable.Get(10)
	require.True(t, ok)
	assert.Equal(t, "server-object", got.Payload)
}

func TestDelegateSharesCallerCapsWithServer(t *testing.T) {
	_, sdev, sq, q := setup(t)

	callerTable := cap.NewTable(1)
	_, err := callerTable.Insert(3, cap.KindMGate, "client-buffer")
	require.NoError(t, err)

	serverTable := cap.NewTable(2)
	runServer(t, sdev, 16, errs.Success, 20, 1, nil)

	broker := NewBroker(sq)
	sess := &Session{ServerTable: serverTable, ServerQueue: q, ServerEP: 16, Ident: 0x1234, CreatorID: 1}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = broker.ExchangeSess(ctx, callerTable, sess, cap.SelectorRange{Start: 3, Count: 1}, Delegate, nil)
	require.NoError(t, err)

	got, ok := serverTable.Get(20)
	require.True(t, ok)
	assert.Equal(t, "client-buffer", got.Payload)
}

func TestServerErrorStatusIsPropagated(t *testing.T) {
	_, sdev, sq, q := setup(t)
	runServer(t, sdev, 16, errs.NoPerm, 0, 0, nil)

	callerTable := cap.NewTable(1)
	serverTable := cap.NewTable(2)
	broker := NewBroker(sq)
	sess := &Session{ServerTable: serverTable, ServerQueue: q, ServerEP: 16, Ident: 1, CreatorID: 1}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := broker.ExchangeSess(ctx, callerTable, sess, cap.SelectorRange{Start: 0, Count: 1}, Obtain, nil)
	require.Error(t, err)
	assert.Equal(t, errs.NoPerm, errs.KindOf(err))
}

func TestObtainRejectsOccupiedCallerRange(t *testing.T) {
	_, _, sq, q := setup(t)

	callerTable := cap.NewTable(1)
	_, err := callerTable.Insert(10, cap.KindSem, "already-there")
	require.NoError(t, err)

	serverTable := cap.NewTable(2)
	broker := NewBroker(sq)
	sess := &Session{ServerTable: serverTable, ServerQueue: q, ServerEP: 16, Ident: 1, CreatorID: 1}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = broker.ExchangeSess(ctx, callerTable, sess, cap.SelectorRange{Start: 10, Count: 1}, Obtain, nil)
	assert.Error(t, err)
}
