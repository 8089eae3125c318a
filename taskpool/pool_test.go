package taskpool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/stretchr/testify/require"

	"github.com/unixpickle/primeempire/taskproto"
)

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.now = f.now.Add(d)
}

func newTestPool(t *testing.T, clock *fakeClock) *Pool {
	p := New(Config{TaskTimeout: time.Second * 30, Now: clock.Now}, logging.NoLog{})
	t.Cleanup(p.Terminate)
	return p
}

func addTask(t *testing.T, p *Pool, id string, numbers ...int) *taskproto.Task {
	task, err := taskproto.NewTask(id, numbers, 0, len(numbers))
	require.NoError(t, err)
	added, err := p.AddTask(task)
	require.NoError(t, err)
	require.True(t, added)
	return task
}

func claim(t *testing.T, p *Pool, worker, expected string) {
	task, ok := p.NextTask(worker)
	require.True(t, ok, "worker %s got nothing", worker)
	require.Equal(t, expected, task.ID())
}

func requireNothing(t *testing.T, p *Pool, worker string) {
	task, ok := p.NextTask(worker)
	require.False(t, ok, "worker %s unexpectedly got %v", worker, task)
}

func TestAllNegativeNeedsTwoReports(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 2, 3, 5)

	claim(t, p, "A", "t1")
	claim(t, p, "B", "t1")

	require.True(t, p.ProcessResult("t1", "A", false))
	require.False(t, p.HasCompletedTasks())
	require.False(t, p.Done())

	require.True(t, p.ProcessResult("t1", "B", false))
	require.True(t, p.HasCompletedTasks())
	require.False(t, p.HasPositiveResult())
	require.True(t, p.Done())
	requireNothing(t, p, "C")
}

func TestPositiveShortCircuits(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 4, 6)

	claim(t, p, "A", "t1")
	require.True(t, p.ProcessResult("t1", "A", true))
	require.True(t, p.HasCompletedTasks())
	require.True(t, p.HasPositiveResult())
	requireNothing(t, p, "B")
}

func TestPositiveWithPendingSecondHolder(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 4, 6)

	claim(t, p, "A", "t1")
	claim(t, p, "B", "t1")
	require.True(t, p.ProcessResult("t1", "B", true))
	require.True(t, p.HasPositiveResult())

	// The remaining holder's answer no longer matters.
	require.False(t, p.ProcessResult("t1", "A", false))
	require.True(t, p.HasPositiveResult())
	s, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, s.Holders)
	require.Equal(t, 0, s.ActiveHolders)
}

func TestVerificationPassFirst(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 2)
	addTask(t, p, "t2", 3)

	claim(t, p, "A", "t1")
	claim(t, p, "B", "t1")
	claim(t, p, "C", "t2")
	claim(t, p, "D", "t2")
	requireNothing(t, p, "E")
}

func TestNoDoubleClaim(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 2)

	claim(t, p, "A", "t1")
	requireNothing(t, p, "A")

	require.True(t, p.ProcessResult("t1", "A", false))
	requireNothing(t, p, "A")
	claim(t, p, "B", "t1")
}

func TestAtMostRequiredHolders(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 2)

	claim(t, p, "A", "t1")
	claim(t, p, "B", "t1")
	requireNothing(t, p, "C")
}

func TestIgnoredResults(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 2, 3, 5)

	require.False(t, p.ProcessResult("t1", "A", true))
	require.False(t, p.ProcessResult("missing", "A", false))
	require.False(t, p.HasCompletedTasks())
	require.False(t, p.HasPositiveResult())

	claim(t, p, "A", "t1")
	require.False(t, p.ProcessResult("t1", "B", true))
	require.True(t, p.ProcessResult("t1", "A", false))
	require.False(t, p.ProcessResult("t1", "A", false))
	require.False(t, p.HasCompletedTasks())
}

func TestAddTaskDuplicate(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 2)

	dup, err := taskproto.NewTask("t1", []int{9, 9}, 0, 2)
	require.NoError(t, err)
	added, err := p.AddTask(dup)
	require.NoError(t, err)
	require.False(t, added)

	_, err = p.AddTask(nil)
	require.ErrorIs(t, err, taskproto.ErrInvalidArgument)

	s, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, s.Total)
}

func TestTimeoutResetAndStaleResults(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock)
	addTask(t, p, "t1", 2, 3, 5)

	claim(t, p, "A", "t1")
	claim(t, p, "B", "t1")

	clock.Advance(time.Second * 10)
	require.Equal(t, 0, p.CheckTimeouts())

	clock.Advance(time.Second * 21)
	require.Equal(t, 2, p.CheckTimeouts())

	s, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, s.Available)
	require.Equal(t, 1, s.Resets)
	require.Equal(t, 2, s.Timeouts)

	claim(t, p, "C", "t1")
	claim(t, p, "D", "t1")

	require.False(t, p.ProcessResult("t1", "A", true))
	require.False(t, p.HasPositiveResult())

	require.True(t, p.ProcessResult("t1", "C", false))
	require.False(t, p.ProcessResult("t1", "B", false))
	require.False(t, p.HasCompletedTasks())
	require.True(t, p.ProcessResult("t1", "D", false))

	require.True(t, p.HasCompletedTasks())
	require.False(t, p.HasPositiveResult())
}

func TestSingleHolderTimeoutKeepsTaskClaimable(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock)
	addTask(t, p, "t1", 2)

	claim(t, p, "A", "t1")
	clock.Advance(time.Minute)
	require.Equal(t, 1, p.CheckTimeouts())

	s, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, s.Resets)
	require.Equal(t, 1, s.Pending)

	claim(t, p, "B", "t1")
	claim(t, p, "C", "t1")
	require.True(t, p.ProcessResult("t1", "B", false))
	require.True(t, p.ProcessResult("t1", "C", false))
	require.True(t, p.Done())
}

func TestTimeoutAfterOneNegativeResets(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock)
	addTask(t, p, "t1", 2)

	claim(t, p, "A", "t1")
	claim(t, p, "B", "t1")
	require.True(t, p.ProcessResult("t1", "A", false))

	clock.Advance(time.Minute)
	require.Equal(t, 1, p.CheckTimeouts())

	s, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, s.Resets)
	require.Equal(t, 1, s.Available)

	// After a reset the task starts over, so A may verify it again.
	claim(t, p, "A", "t1")
}

func TestReleaseWorker(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 2)
	addTask(t, p, "t2", 3)

	claim(t, p, "A", "t1")
	claim(t, p, "B", "t1")
	claim(t, p, "A", "t2")

	s, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, s.Holders)
	require.Equal(t, 2, s.ActiveHolders)

	ids := p.ReleaseWorker("A")
	require.ElementsMatch(t, []string{"t1", "t2"}, ids)
	require.False(t, p.ProcessResult("t1", "A", false))
	require.Empty(t, p.ReleaseWorker("A"))

	claim(t, p, "C", "t1")
	require.True(t, p.ProcessResult("t1", "B", false))
	require.True(t, p.ProcessResult("t1", "C", false))
	require.True(t, p.HasCompletedTasks())
}

func TestConcurrentClaims(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	const numTasks = 10
	for i := 0; i < numTasks; i++ {
		addTask(t, p, fmt.Sprintf("t%d", i), i+2)
	}

	const numWorkers = 40
	var lock sync.Mutex
	holders := map[string][]string{}
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		worker := fmt.Sprintf("w%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok := p.NextTask(worker)
				if !ok {
					return
				}
				lock.Lock()
				holders[task.ID()] = append(holders[task.ID()], worker)
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, holders, numTasks)
	for id, workers := range holders {
		require.Len(t, workers, RequiredWorkers, "task %s", id)
		require.NotEqual(t, workers[0], workers[1], "task %s", id)
	}
}

func TestBackgroundSweep(t *testing.T) {
	clock := newFakeClock()
	p := New(Config{
		TaskTimeout:   time.Second,
		SweepInterval: time.Millisecond * 5,
		Now:           clock.Now,
	}, logging.NoLog{})
	defer p.Terminate()
	addTask(t, p, "t1", 2)

	claim(t, p, "A", "t1")
	claim(t, p, "B", "t1")
	clock.Advance(time.Second * 2)

	require.Eventually(t, func() bool {
		s, err := p.Stats()
		return err == nil && s.Available == 1
	}, time.Second*5, time.Millisecond*5)
	claim(t, p, "C", "t1")
}

func TestWaitCompleted(t *testing.T) {
	p := newTestPool(t, newFakeClock())
	addTask(t, p, "t1", 4)

	done := make(chan bool, 1)
	go func() {
		done <- p.WaitCompleted(0, nil)
	}()

	claim(t, p, "A", "t1")
	require.True(t, p.ProcessResult("t1", "A", true))

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second * 5):
		t.Fatal("WaitCompleted did not return")
	}

	cancel := make(chan struct{})
	close(cancel)
	require.False(t, p.WaitCompleted(1, cancel))
}

func TestTerminate(t *testing.T) {
	p := New(DefaultConfig(), logging.NoLog{})
	addTask(t, p, "t1", 2)
	p.Terminate()
	p.Terminate()

	require.True(t, p.Terminated())
	_, err := p.AddTask(&taskproto.Task{})
	require.ErrorIs(t, err, ErrPoolTerminated)
	_, ok := p.NextTask("A")
	require.False(t, ok)
	require.False(t, p.ProcessResult("t1", "A", false))
	_, err = p.Stats()
	require.ErrorIs(t, err, ErrPoolTerminated)
	require.False(t, p.WaitCompleted(0, nil))
}
