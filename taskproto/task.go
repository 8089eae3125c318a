package taskproto

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func init() {
	gob.Register(&Task{})
	gob.Register(TaskResult{})
}

// A Task is one unit of partitioned work: a contiguous
// sub-range of the input array together with an ID.
//
// Tasks are immutable once created.
// Two Tasks are the same logical task if their IDs match,
// regardless of payload, so that re-dispatching a task
// to a second worker is recognized as the same work.
type Task struct {
	id      string
	start   int
	end     int
	numbers []int
}

// NewTask creates a Task for numbers[start:end].
//
// The sub-range is copied, so later changes to numbers do
// not affect the Task.
// It fails with ErrInvalidArgument if the ID is empty or
// the range is out of bounds or empty.
func NewTask(id string, numbers []int, start, end int) (*Task, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty task ID", ErrInvalidArgument)
	}
	if start < 0 || end > len(numbers) || start >= end {
		return nil, fmt.Errorf("%w: invalid range [%d, %d) for %d numbers",
			ErrInvalidArgument, start, end, len(numbers))
	}
	chunk := make([]int, end-start)
	copy(chunk, numbers[start:end])
	return &Task{id: id, start: start, end: end, numbers: chunk}, nil
}

// ID returns the task's identifier.
func (t *Task) ID() string {
	return t.id
}

// Start returns the index of the first number of the task
// in the original input.
func (t *Task) Start() int {
	return t.start
}

// End returns the index one past the last number of the
// task in the original input.
func (t *Task) End() int {
	return t.end
}

// Len returns the number of elements in the payload.
func (t *Task) Len() int {
	return len(t.numbers)
}

// Payload returns a copy of the task's numbers.
func (t *Task) Payload() []int {
	res := make([]int, len(t.numbers))
	copy(res, t.numbers)
	return res
}

// Equal reports whether t and other identify the same
// logical task.
func (t *Task) Equal(other *Task) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.id == other.id
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{id=%s, range=[%d, %d), numbers=%v}", t.id, t.start, t.end,
		t.numbers)
}

type wireTask struct {
	ID      string
	Start   int
	End     int
	Numbers []int
}

// GobEncode encodes the task for the wire.
func (t *Task) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	w := wireTask{ID: t.id, Start: t.start, End: t.end, Numbers: t.numbers}
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode decodes a task encoded by GobEncode.
func (t *Task) GobDecode(data []byte) error {
	var w wireTask
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	if w.ID == "" || len(w.Numbers) == 0 || w.End-w.Start != len(w.Numbers) {
		return fmt.Errorf("%w: malformed task on the wire", ErrInvalidArgument)
	}
	t.id = w.ID
	t.start = w.Start
	t.end = w.End
	t.numbers = w.Numbers
	return nil
}

// A TaskResult is a worker's verdict for one task.
type TaskResult struct {
	TaskID string

	// Positive is true if the worker found at least one
	// element violating the predicate.
	Positive bool
}

func (t TaskResult) String() string {
	return fmt.Sprintf("TaskResult{taskID=%s, positive=%v}", t.TaskID, t.Positive)
}
