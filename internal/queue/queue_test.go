package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coldforge/ticketforge/internal/logging"
	"github.com/stretchr/testify/require"
)

type stubDispatcher struct {
	mu    sync.Mutex
	calls []string
	claim func(projectID, stage string) (bool, error)
}

func (d *stubDispatcher) Dispatch(ctx context.Context, projectID, stage string) (bool, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Key(projectID, stage))
	d.mu.Unlock()
	if d.claim != nil {
		return d.claim(projectID, stage)
	}
	return true, nil
}

func (d *stubDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSubmitDispatchesTicket(t *testing.T) {
	d := &stubDispatcher{}
	m := NewManager(d, logging.Nop(), nil)
	m.Start(context.Background())
	defer m.Stop()

	m.Submit("proj-1", "planning", "T-1")
	waitFor(t, time.Second, func() bool { return d.callCount() >= 1 })
}

func TestSubmitIsIdempotentPerTicket(t *testing.T) {
	var n int32
	d := &stubDispatcher{claim: func(string, string) (bool, error) {
		atomic.AddInt32(&n, 1)
		time.Sleep(20 * time.Millisecond)
		return true, nil
	}}
	m := NewManager(d, logging.Nop(), nil)
	m.Start(context.Background())
	defer m.Stop()

	// T-0 keeps the consumer busy while T-1 is submitted twice: the second
	// Submit for T-1 while it is still queued must be a no-op, so each
	// ticket is dispatched exactly once.
	m.Submit("proj-1", "planning", "T-0")
	m.Submit("proj-1", "planning", "T-1")
	m.Submit("proj-1", "planning", "T-1")

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, int(atomic.LoadInt32(&n)))
}

func TestOneConsumerPerStageSerializesDispatch(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	d := &stubDispatcher{claim: func(string, string) (bool, error) {
		c := atomic.AddInt32(&concurrent, 1)
		for {
			m := atomic.LoadInt32(&maxConcurrent)
			if c <= m || atomic.CompareAndSwapInt32(&maxConcurrent, m, c) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return true, nil
	}}
	m := NewManager(d, logging.Nop(), nil)
	m.Start(context.Background())
	defer m.Stop()

	for i := 0; i < 5; i++ {
		m.Submit("proj-1", "planning", Key("t", string(rune('a'+i))))
	}
	waitFor(t, time.Second, func() bool { return d.callCount() >= 5 })
	require.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}

func TestDifferentStagesGetIndependentQueues(t *testing.T) {
	d := &stubDispatcher{}
	m := NewManager(d, logging.Nop(), nil)
	m.Start(context.Background())
	defer m.Stop()

	m.Submit("proj-1", "planning", "T-1")
	m.Submit("proj-1", "implementation", "T-2")
	waitFor(t, time.Second, func() bool { return d.callCount() >= 2 })

	active := m.ActiveQueues()
	require.Len(t, active, 2)
}

func TestStopDrainsRunningConsumers(t *testing.T) {
	d := &stubDispatcher{}
	m := NewManager(d, logging.Nop(), nil)
	m.Start(context.Background())

	m.Submit("proj-1", "planning", "T-1")
	waitFor(t, time.Second, func() bool { return d.callCount() >= 1 })

	require.NoError(t, m.Stop())
}
