// Package taskpool tracks the lifecycle of every task in a
// workload and enforces redundant verification: a negative
// verdict needs RequiredWorkers independent reports, while a
// single positive report settles a task.
package taskpool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"go.uber.org/zap"

	"github.com/unixpickle/primeempire/taskproto"
)

// RequiredWorkers is the number of independent negative
// reports needed to settle a task, and the most workers that
// may hold a task at once.
const RequiredWorkers = 2

const (
	DefaultTaskTimeout   = time.Second * 30
	DefaultSweepInterval = time.Second * 5
)

var ErrPoolTerminated = errors.New("task pool is terminated")

// Config controls a Pool.
type Config struct {
	// TaskTimeout is how long a holder may keep a task
	// without reporting before it is dropped.
	TaskTimeout time.Duration

	// SweepInterval is the period of the background timeout
	// sweep.
	// A value of 0 disables the background sweep; callers
	// may still run CheckTimeouts themselves.
	SweepInterval time.Duration

	// Now returns the current time.
	// It defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the standard timeouts.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:   DefaultTaskTimeout,
		SweepInterval: DefaultSweepInterval,
	}
}

// Stats is a snapshot of a Pool.
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`

	// Holders counts holder slots across unsettled tasks.
	// ActiveHolders counts the distinct workers filling
	// them, which may be fewer than the connected workers.
	Holders       int `json:"holders"`
	ActiveHolders int `json:"activeHolders"`

	Positive bool `json:"positive"`
	Resets   int  `json:"resets"`
	Timeouts int  `json:"timeouts"`
}

// Done reports whether every task has been settled.
func (s Stats) Done() bool {
	return s.Total > 0 && s.Completed == s.Total
}

type addTaskReq struct {
	Task *taskproto.Task
	Res  chan<- bool
}

type nextTaskReq struct {
	WorkerID string
	Res      chan<- *taskproto.Task
}

type resultReq struct {
	TaskID   string
	WorkerID string
	Positive bool
	Res      chan<- bool
}

type releaseReq struct {
	WorkerID string
	Res      chan<- []string
}

// A Pool matches workers to tasks and aggregates results.
//
// All state is owned by a single Goroutine, so every
// operation is atomic with respect to every other one.
// When you are done with a Pool, call Terminate.
type Pool struct {
	cfg Config
	log logging.Logger

	shutdownLock sync.Mutex
	shutdown     chan struct{}
	stopped      chan struct{}

	completions completionNotifier

	addTask  chan addTaskReq
	nextTask chan nextTaskReq
	results  chan resultReq
	sweep    chan chan<- int
	release  chan releaseReq
	getStats chan chan<- Stats
}

// New creates a running Pool.
func New(cfg Config, log logging.Logger) *Pool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	p := &Pool{
		cfg:      cfg,
		log:      log,
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
		addTask:  make(chan addTaskReq),
		nextTask: make(chan nextTaskReq),
		results:  make(chan resultReq),
		sweep:    make(chan chan<- int),
		release:  make(chan releaseReq),
		getStats: make(chan chan<- Stats),
	}
	go p.runLoop()
	return p
}

// Terminate stops the pool.
// Afterwards, every operation fails or reports nothing.
func (p *Pool) Terminate() {
	p.shutdownLock.Lock()
	select {
	case <-p.shutdown:
	default:
		close(p.shutdown)
	}
	p.shutdownLock.Unlock()
	<-p.stopped
}

// Terminated returns true if Terminate has been called.
func (p *Pool) Terminated() bool {
	select {
	case <-p.shutdown:
		return true
	default:
		return false
	}
}

// AddTask inserts a task into the available set.
// It returns false without changing anything if a task with
// the same ID was already added.
func (p *Pool) AddTask(t *taskproto.Task) (bool, error) {
	if t == nil {
		return false, fmt.Errorf("%w: nil task", taskproto.ErrInvalidArgument)
	}
	res := make(chan bool, 1)
	select {
	case <-p.shutdown:
		return false, ErrPoolTerminated
	case p.addTask <- addTaskReq{Task: t, Res: res}:
		return <-res, nil
	}
}

// NextTask picks a task for a worker.
//
// A claimed task that still needs another verifier is
// preferred over a task nobody has claimed yet.
// A worker never receives a task it holds or has already
// answered for.
// The result is false if nothing is available.
func (p *Pool) NextTask(workerID string) (*taskproto.Task, bool) {
	res := make(chan *taskproto.Task, 1)
	select {
	case <-p.shutdown:
		return nil, false
	case p.nextTask <- nextTaskReq{WorkerID: workerID, Res: res}:
		t := <-res
		return t, t != nil
	}
}

// ProcessResult records a worker's verdict for a task.
//
// It is a no-op, returning false, if the task is unknown,
// already settled, or the worker is not a current holder
// (for instance because a timeout dropped it).
func (p *Pool) ProcessResult(taskID, workerID string, positive bool) bool {
	res := make(chan bool, 1)
	select {
	case <-p.shutdown:
		return false
	case p.results <- resultReq{TaskID: taskID, WorkerID: workerID, Positive: positive,
		Res: res}:
		return <-res
	}
}

// CheckTimeouts drops every holder that has kept a task for
// longer than the task timeout, returning tasks with no
// remaining holders to the available set.
// It returns the number of holders dropped.
func (p *Pool) CheckTimeouts() int {
	res := make(chan int, 1)
	select {
	case <-p.shutdown:
		return 0
	case p.sweep <- res:
		return <-res
	}
}

// ReleaseWorker drops every holder slot of a worker, as if
// all of its assignments had timed out.
// It returns the IDs of the tasks the worker held.
func (p *Pool) ReleaseWorker(workerID string) []string {
	res := make(chan []string, 1)
	select {
	case <-p.shutdown:
		return nil
	case p.release <- releaseReq{WorkerID: workerID, Res: res}:
		return <-res
	}
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() (Stats, error) {
	res := make(chan Stats, 1)
	select {
	case <-p.shutdown:
		return Stats{}, ErrPoolTerminated
	case p.getStats <- res:
		return <-res, nil
	}
}

// HasCompletedTasks returns true once any task is settled.
func (p *Pool) HasCompletedTasks() bool {
	s, _ := p.Stats()
	return s.Completed > 0
}

// HasPositiveResult returns true if any settled task was
// positive.
func (p *Pool) HasPositiveResult() bool {
	s, _ := p.Stats()
	return s.Positive
}

// Done returns true if every task has been settled.
func (p *Pool) Done() bool {
	s, _ := p.Stats()
	return s.Done()
}

// WaitCompleted waits until more than n tasks have been
// settled.
// It returns false if the pool is terminated or cancel is
// closed first.
func (p *Pool) WaitCompleted(n int, cancel <-chan struct{}) bool {
	return p.completions.Wait(n, cancel)
}

func (p *Pool) runLoop() {
	state := newPoolState()

	defer func() {
		p.completions.Close()
		close(p.stopped)
	}()

	var tick <-chan time.Time
	if p.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-p.shutdown:
			return
		default:
		}

		select {
		case <-p.shutdown:
			return
		case req := <-p.addTask:
			added := state.addTask(req.Task)
			if added {
				p.log.Debug("task added",
					zap.String("task", req.Task.ID()),
					zap.Int("size", req.Task.Len()),
				)
			}
			req.Res <- added
		case req := <-p.nextTask:
			t := state.nextTask(req.WorkerID, p.cfg.Now())
			if t != nil {
				p.log.Debug("task assigned",
					zap.String("task", t.ID()),
					zap.String("worker", req.WorkerID),
				)
			}
			req.Res <- t
		case req := <-p.results:
			accepted, done := state.processResult(req.TaskID, req.WorkerID, req.Positive)
			if !accepted {
				p.log.Debug("result ignored",
					zap.String("task", req.TaskID),
					zap.String("worker", req.WorkerID),
				)
			} else if done {
				p.log.Info("task completed",
					zap.String("task", req.TaskID),
					zap.Bool("positive", req.Positive),
				)
			}
			req.Res <- accepted
			if done {
				p.completions.Completed()
			}
		case res := <-p.sweep:
			res <- p.runSweep(state)
		case <-tick:
			p.runSweep(state)
		case req := <-p.release:
			ids := state.releaseWorker(req.WorkerID)
			if len(ids) > 0 {
				p.log.Info("released worker",
					zap.String("worker", req.WorkerID),
					zap.Strings("tasks", ids),
				)
			}
			req.Res <- ids
		case res := <-p.getStats:
			res <- state.stats()
		}
	}
}

func (p *Pool) runSweep(state *poolState) int {
	expired := state.checkTimeouts(p.cfg.Now(), p.cfg.TaskTimeout)
	for _, e := range expired {
		p.log.Warn("task timed out",
			zap.String("task", e.TaskID),
			zap.String("worker", e.WorkerID),
			zap.Bool("reset", e.Reset),
		)
	}
	return len(expired)
}
