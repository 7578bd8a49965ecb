package vma

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephan-gh/M3-sub004/pkg/aspace"
	"github.com/stephan-gh/M3-sub004/pkg/errs"
)

// blockingPager resolves every fault after a short delay, letting tests
// observe that a second Submit queues behind the first rather than
// racing it; only one fault may be in flight per tile.
type blockingPager struct {
	mu      sync.Mutex
	order   []uint16
	delay   time.Duration
	failAll bool
}

func (p *blockingPager) SendFault(ctx context.Context, f Fault) (aspace.Flag, error) {
	p.mu.Lock()
	p.order = append(p.order, f.ActivityID)
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.failAll {
		return 0, errs.New(errs.Unspecified)
	}
	return aspace.FlagR, nil
}

func TestSubmitResolvesFault(t *testing.T) {
	pager := &blockingPager{}
	m := NewManager(pager)
	res := <-m.Submit(context.Background(), Fault{ActivityID: 1, Virt: 0x4000, Perm: aspace.FlagR})
	require.NoError(t, res.Err)
	assert.Equal(t, aspace.FlagR, res.Perm)
}

func TestSubmitSerializesBehindInFlight(t *testing.T) {
	pager := &blockingPager{delay: 20 * time.Millisecond}
	m := NewManager(pager)

	ch1 := m.Submit(context.Background(), Fault{ActivityID: 1})
	ch2 := m.Submit(context.Background(), Fault{ActivityID: 2})

	<-ch1
	<-ch2

	pager.mu.Lock()
	defer pager.mu.Unlock()
	require.Len(t, pager.order, 2)
	assert.Equal(t, uint16(1), pager.order[0])
	assert.Equal(t, uint16(2), pager.order[1])
}

func TestSubmitOverflowReturnsNoSpace(t *testing.T) {
	pager := &blockingPager{delay: 50 * time.Millisecond}
	m := NewManager(pager)

	_ = m.Submit(context.Background(), Fault{ActivityID: 0})
	var last <-chan Result
	for i := 1; i <= MaxPending+1; i++ {
		last = m.Submit(context.Background(), Fault{ActivityID: uint16(i)})
	}
	res := <-last
	assert.True(t, errs.Is(res.Err, errs.NoSpace))
}

func TestSubmitPropagatesPagerError(t *testing.T) {
	pager := &blockingPager{failAll: true}
	m := NewManager(pager)
	res := <-m.Submit(context.Background(), Fault{ActivityID: 1})
	assert.Error(t, res.Err)
}
