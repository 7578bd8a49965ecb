package fiber

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyWakesWaiter(t *testing.T) {
	b := NewBroker()
	ev := b.NewEvent()

	done := make(chan any, 1)
	go func() {
		v, err := b.Wait(context.Background(), ev)
		require.NoError(t, err)
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	b.Notify(ev, "reply-payload")

	select {
	case v := <-done:
		assert.Equal(t, "reply-payload", v)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestNotifyWithNilSignalsAbort(t *testing.T) {
	b := NewBroker()
	ev := b.NewEvent()

	done := make(chan any, 1)
	go func() {
		v, _ := b.Wait(context.Background(), ev)
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	b.Notify(ev, nil)

	v := <-done
	assert.Nil(t, v)
}

func TestWaitOnUnknownEventFails(t *testing.T) {
	b := NewBroker()
	_, err := b.Wait(context.Background(), Event(999))
	assert.Error(t, err)
}

func TestCancelReleasesSlot(t *testing.T) {
	b := NewBroker()
	ev := b.NewEvent()
	assert.Equal(t, 1, b.Pending())
	b.Cancel(ev)
	assert.Equal(t, 0, b.Pending())
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	b := NewBroker()
	ev := b.NewEvent()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Wait(ctx, ev)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, b.Pending())
}

func TestDoubleNotifyIsNoop(t *testing.T) {
	b := NewBroker()
	ev := b.NewEvent()
	b.Notify(ev, 1)
	assert.NotPanics(t, func() { b.Notify(ev, 2) })
}
