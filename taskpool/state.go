package taskpool

import (
	"time"

	"github.com/unixpickle/primeempire/taskproto"
)

// An assignment is the coordination record for one task
// that has been handed to at least one worker.
type assignment struct {
	task *taskproto.Task

	// holders maps each worker currently entrusted with the
	// task to the time it received the task.
	holders map[string]time.Time

	// results maps each worker that reported to its
	// verdict.
	results map[string]bool

	completions int
	failures    int
	completed   bool
	positive    bool
}

func newAssignment(t *taskproto.Task) *assignment {
	return &assignment{
		task:    t,
		holders: map[string]time.Time{},
		results: map[string]bool{},
	}
}

// engaged counts the workers that hold the task or have
// already answered for it.
func (a *assignment) engaged() int {
	return len(a.holders) + len(a.results)
}

// involves reports whether the worker holds the task or
// already answered for it.
func (a *assignment) involves(workerID string) bool {
	if _, ok := a.holders[workerID]; ok {
		return true
	}
	_, ok := a.results[workerID]
	return ok
}

func (a *assignment) acceptsWorker(workerID string) bool {
	return !a.completed && a.engaged() < RequiredWorkers && !a.involves(workerID)
}

// exhausted reports whether every slot of the current
// round has either answered or been dropped without
// reaching a verdict.
func (a *assignment) exhausted() bool {
	return !a.completed && len(a.holders) == 0 &&
		a.completions+a.failures >= RequiredWorkers
}

// poolState is the data owned by a Pool's run loop.
// Its methods are not safe for concurrent use.
type poolState struct {
	tasks       map[string]*taskproto.Task
	order       []string
	available   map[string]bool
	assignments map[string]*assignment
	workerTasks map[string]map[string]bool

	completed int
	positive  bool
	resets    int
	timeouts  int
}

func newPoolState() *poolState {
	return &poolState{
		tasks:       map[string]*taskproto.Task{},
		available:   map[string]bool{},
		assignments: map[string]*assignment{},
		workerTasks: map[string]map[string]bool{},
	}
}

func (p *poolState) addTask(t *taskproto.Task) bool {
	if _, ok := p.tasks[t.ID()]; ok {
		return false
	}
	p.tasks[t.ID()] = t
	p.order = append(p.order, t.ID())
	p.available[t.ID()] = true
	return true
}

// nextTask matches a worker to a task, preferring a second
// verifier for a claimed task over opening a new one.
func (p *poolState) nextTask(workerID string, now time.Time) *taskproto.Task {
	for _, id := range p.order {
		a := p.assignments[id]
		if a != nil && a.acceptsWorker(workerID) {
			p.hold(a, workerID, now)
			return a.task
		}
	}
	for _, id := range p.order {
		if !p.available[id] {
			continue
		}
		a := newAssignment(p.tasks[id])
		p.assignments[id] = a
		delete(p.available, id)
		p.hold(a, workerID, now)
		return a.task
	}
	return nil
}

func (p *poolState) hold(a *assignment, workerID string, now time.Time) {
	a.holders[workerID] = now
	held := p.workerTasks[workerID]
	if held == nil {
		held = map[string]bool{}
		p.workerTasks[workerID] = held
	}
	held[a.task.ID()] = true
}

func (p *poolState) unhold(a *assignment, workerID string) {
	delete(a.holders, workerID)
	if held := p.workerTasks[workerID]; held != nil {
		delete(held, a.task.ID())
		if len(held) == 0 {
			delete(p.workerTasks, workerID)
		}
	}
}

// processResult records a verdict.
// It returns false and changes nothing if the task is
// unknown or the worker is not a current holder.
// The second return value is true if the task became
// completed.
func (p *poolState) processResult(taskID, workerID string, positive bool) (accepted, done bool) {
	a := p.assignments[taskID]
	if a == nil {
		return false, false
	}
	if _, ok := a.holders[workerID]; !ok || a.completed {
		return false, false
	}
	p.unhold(a, workerID)
	a.results[workerID] = positive
	a.completions++

	if positive {
		p.complete(a, true)
		return true, true
	}
	if a.completions >= RequiredWorkers {
		p.complete(a, false)
		return true, true
	}
	return true, false
}

func (p *poolState) complete(a *assignment, positive bool) {
	a.completed = true
	a.positive = positive
	for workerID := range a.holders {
		p.unhold(a, workerID)
	}
	p.completed++
	if positive {
		p.positive = true
	}
}

// dropHolder removes a silent or disconnected holder and
// resets the assignment if no verdict can come from the
// current round.
// It returns true if the task went back to the available
// set.
func (p *poolState) dropHolder(a *assignment, workerID string) bool {
	p.unhold(a, workerID)
	a.failures++
	if !a.exhausted() {
		return false
	}
	delete(p.assignments, a.task.ID())
	p.available[a.task.ID()] = true
	p.resets++
	return true
}

// expiredHolder names a holder whose time ran out.
type expiredHolder struct {
	TaskID   string
	WorkerID string
	Reset    bool
}

func (p *poolState) checkTimeouts(now time.Time, timeout time.Duration) []expiredHolder {
	var res []expiredHolder
	for _, id := range p.order {
		a := p.assignments[id]
		if a == nil || a.completed {
			continue
		}
		var expired []string
		for workerID, start := range a.holders {
			if now.Sub(start) > timeout {
				expired = append(expired, workerID)
			}
		}
		for _, workerID := range expired {
			if _, ok := a.holders[workerID]; !ok {
				continue
			}
			p.timeouts++
			reset := p.dropHolder(a, workerID)
			res = append(res, expiredHolder{TaskID: id, WorkerID: workerID, Reset: reset})
			if reset {
				break
			}
		}
	}
	return res
}

// releaseWorker drops every holder slot of a worker.
// It returns the IDs of the tasks it held.
func (p *poolState) releaseWorker(workerID string) []string {
	held := p.workerTasks[workerID]
	var ids []string
	for id := range held {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if a := p.assignments[id]; a != nil {
			p.dropHolder(a, workerID)
		}
	}
	delete(p.workerTasks, workerID)
	return ids
}

func (p *poolState) stats() Stats {
	s := Stats{
		Total:         len(p.tasks),
		Available:     len(p.available),
		Completed:     p.completed,
		Positive:      p.positive,
		Resets:        p.resets,
		Timeouts:      p.timeouts,
		ActiveHolders: len(p.workerTasks),
	}
	for _, a := range p.assignments {
		if !a.completed {
			s.Pending++
			s.Holders += len(a.holders)
		}
	}
	return s
}
