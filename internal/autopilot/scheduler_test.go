package autopilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records dispatched messages and can be told to fail.
type fakeSender struct {
	mu    sync.Mutex
	sent  []map[string]any
	fail  error
	calls int

	notify chan int
}

func newFakeSender() *fakeSender {
	return &fakeSender{notify: make(chan int, 16)}
}

func (f *fakeSender) SendJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	msg := v.(map[string]any)
	f.sent = append(f.sent, msg)
	f.notify <- msg["task_id"].(int)
	return nil
}

func (f *fakeSender) tasks() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m["task_id"].(int))
	}
	return out
}

func waitTask(t *testing.T, f *fakeSender) int {
	t.Helper()
	select {
	case id := <-f.notify:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no task dispatched")
		return 0
	}
}

func TestQueueTask_RejectsDuplicates(t *testing.T) {
	s := NewScheduler(nil)
	require.NoError(t, s.QueueTask(1))
	assert.ErrorIs(t, s.QueueTask(1), ErrDuplicateTask)
	assert.Equal(t, 1, s.QueueLen())

	// Once popped, the ID may be queued again.
	id, ok := s.NextTask()
	require.True(t, ok)
	assert.Equal(t, 1, id)
	assert.NoError(t, s.QueueTask(1))
}

func TestNextTask_FIFO(t *testing.T) {
	s := NewScheduler(nil)
	for _, id := range []int{3, 1, 2} {
		require.NoError(t, s.QueueTask(id))
	}
	for _, want := range []int{3, 1, 2} {
		got, ok := s.NextTask()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := s.NextTask()
	assert.False(t, ok)
}

func TestRun_DispatchesInOrder(t *testing.T) {
	s := NewScheduler(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	worker := newFakeSender()
	s.Connect("tok-a", "alpha", worker)

	require.NoError(t, s.QueueTask(10))
	assert.Equal(t, 10, waitTask(t, worker))

	// The worker is busy; the next task waits for the acknowledgement.
	require.NoError(t, s.QueueTask(11))
	select {
	case <-worker.notify:
		t.Fatal("task dispatched to a busy worker")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.TaskDone("tok-a", 10))
	assert.Equal(t, 11, waitTask(t, worker))
}

func TestRun_TwoWorkersThreeTasks(t *testing.T) {
	s := NewScheduler(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	a, b := newFakeSender(), newFakeSender()
	s.Connect("tok-a", "alpha", a)
	s.Connect("tok-b", "beta", b)

	require.NoError(t, s.QueueTask(1))
	require.NoError(t, s.QueueTask(2))
	require.NoError(t, s.QueueTask(3))

	// Both workers pick up a task; the third waits for whoever frees first.
	first := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-a.notify:
			first["tok-a"] = id
		case id := <-b.notify:
			first["tok-b"] = id
		case <-time.After(2 * time.Second):
			t.Fatal("initial dispatch incomplete")
		}
	}
	require.Len(t, first, 2)
	assert.Equal(t, 1, s.QueueLen(), "exactly one task remains queued")

	// Free one worker; it receives task 3.
	require.NoError(t, s.TaskDone("tok-b", first["tok-b"]))
	assert.Equal(t, 3, waitTask(t, b))
}

func TestDisconnect_RequeuesAtHead(t *testing.T) {
	s := NewScheduler(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	worker := newFakeSender()
	s.Connect("tok-a", "alpha", worker)
	require.NoError(t, s.QueueTask(1))
	require.Equal(t, 1, waitTask(t, worker))

	require.NoError(t, s.QueueTask(2))
	s.Disconnect("tok-a")

	// The abandoned task dispatches before the one queued after it.
	replacement := newFakeSender()
	s.Connect("tok-b", "beta", replacement)
	assert.Equal(t, 1, waitTask(t, replacement))
	require.NoError(t, s.TaskDone("tok-b", 1))
	assert.Equal(t, 2, waitTask(t, replacement))
}

func TestRun_FailedSendDropsWorkerAndRequeues(t *testing.T) {
	s := NewScheduler(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	broken := newFakeSender()
	broken.fail = errors.New("write: broken pipe")
	s.Connect("tok-a", "alpha", broken)
	require.NoError(t, s.QueueTask(1))

	// The task must not be lost, and the broken worker must not be retried.
	assert.Eventually(t, func() bool { return s.FreeInstance() == nil && s.QueueLen() == 1 },
		2*time.Second, 5*time.Millisecond)
	broken.mu.Lock()
	attempts := broken.calls
	broken.mu.Unlock()
	assert.Equal(t, 1, attempts)

	// The read loop's own teardown is a no-op after the drop.
	s.Disconnect("tok-a")
	assert.Equal(t, 1, s.QueueLen())

	healthy := newFakeSender()
	s.Connect("tok-b", "beta", healthy)
	assert.Equal(t, 1, waitTask(t, healthy))
}

func TestTaskDone_Validation(t *testing.T) {
	s := NewScheduler(nil)
	worker := newFakeSender()
	inst := s.Connect("tok-a", "alpha", worker)

	assert.Error(t, s.TaskDone("tok-x", 1), "unknown token")
	assert.Error(t, s.TaskDone("tok-a", 1), "idle worker")

	require.NoError(t, inst.setTask(7))
	assert.Error(t, s.TaskDone("tok-a", 8), "wrong task id")
	assert.NoError(t, s.TaskDone("tok-a", 7))
	assert.False(t, inst.Busy())
}

func TestWaitForInstance_ContextCancel(t *testing.T) {
	s := NewScheduler(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.WaitForInstance(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForInstance_WakesOnConnect(t *testing.T) {
	s := NewScheduler(nil)
	done := make(chan *Instance, 1)
	go func() {
		inst, err := s.WaitForInstance(context.Background())
		if err == nil {
			done <- inst
		}
	}()

	time.Sleep(10 * time.Millisecond)
	s.Connect("tok-a", "alpha", newFakeSender())

	select {
	case inst := <-done:
		assert.Equal(t, "Autopilot alpha (Token ID: tok-a)", inst.String())
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForInstance did not wake")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := NewScheduler(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}
