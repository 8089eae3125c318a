package taskproto

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrConnectionClosed = errors.New("connection closed")
)

// MessageType identifies the kind of a Message.
type MessageType uint8

const (
	// TaskRequest is sent by a worker asking for work.
	// Its content is the worker's name.
	TaskRequest MessageType = iota + 1

	// TaskMessage carries a *Task to a worker.
	TaskMessage

	// Result carries a TaskResult back to the master.
	Result

	// NoTasks tells a worker that nothing is available.
	NoTasks

	// Heartbeat is sent periodically by workers.
	// Its content is the worker's name.
	Heartbeat

	// Error carries an error description to a worker.
	Error
)

var messageTypeNames = map[MessageType]string{
	TaskRequest: "TASK_REQUEST",
	TaskMessage: "TASK",
	Result:      "RESULT",
	NoTasks:     "NO_TASKS",
	Heartbeat:   "HEARTBEAT",
	Error:       "ERROR",
}

func (m MessageType) String() string {
	if name, ok := messageTypeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(m))
}

// Valid reports whether m is one of the known types.
func (m MessageType) Valid() bool {
	_, ok := messageTypeNames[m]
	return ok
}

// A Message is an envelope exchanged between master and
// workers.
// It is a value type and never changes after creation.
type Message struct {
	msgType   MessageType
	content   interface{}
	timestamp time.Time
}

// NewMessage creates a message stamped with the current
// time.
//
// The content must match the type: a string for
// TaskRequest, Heartbeat, NoTasks and Error, a non-nil
// *Task for TaskMessage, and a TaskResult for Result.
// Anything else fails with ErrInvalidArgument.
func NewMessage(t MessageType, content interface{}) (Message, error) {
	return NewMessageAt(t, content, time.Now())
}

// NewMessageAt is like NewMessage, but stamps the message
// with ts instead of the current time.
func NewMessageAt(t MessageType, content interface{}, ts time.Time) (Message, error) {
	if err := checkContent(t, content); err != nil {
		return Message{}, err
	}
	return Message{msgType: t, content: content, timestamp: ts}, nil
}

func checkContent(t MessageType, content interface{}) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown message type %d", ErrInvalidArgument, uint8(t))
	}
	if content == nil {
		return fmt.Errorf("%w: nil content for %s", ErrInvalidArgument, t)
	}
	switch t {
	case TaskRequest, Heartbeat:
		if s, ok := content.(string); !ok || s == "" {
			return fmt.Errorf("%w: %s needs a worker name", ErrInvalidArgument, t)
		}
	case NoTasks, Error:
		if _, ok := content.(string); !ok {
			return fmt.Errorf("%w: %s content must be a string, got %T", ErrInvalidArgument,
				t, content)
		}
	case TaskMessage:
		if task, ok := content.(*Task); !ok || task == nil {
			return fmt.Errorf("%w: %s content must be a task, got %T", ErrInvalidArgument,
				t, content)
		}
	case Result:
		if res, ok := content.(TaskResult); !ok || res.TaskID == "" {
			return fmt.Errorf("%w: %s content must be a task result", ErrInvalidArgument, t)
		}
	}
	return nil
}

// NewTaskRequest creates a TaskRequest from the named worker.
func NewTaskRequest(worker string) (Message, error) {
	return NewMessage(TaskRequest, worker)
}

// NewHeartbeat creates a Heartbeat from the named worker.
func NewHeartbeat(worker string) (Message, error) {
	return NewMessage(Heartbeat, worker)
}

// NewTaskMessage wraps a task for delivery to a worker.
func NewTaskMessage(t *Task) (Message, error) {
	return NewMessage(TaskMessage, t)
}

// NewResultMessage wraps a task result.
func NewResultMessage(r TaskResult) (Message, error) {
	return NewMessage(Result, r)
}

// NewNoTasks creates a NoTasks message.
func NewNoTasks() Message {
	m, _ := NewMessage(NoTasks, "No tasks available")
	return m
}

// NewError creates an Error message with a description.
func NewError(desc string) Message {
	m, _ := NewMessage(Error, desc)
	return m
}

func (m Message) Type() MessageType {
	return m.msgType
}

func (m Message) Content() interface{} {
	return m.content
}

func (m Message) Timestamp() time.Time {
	return m.timestamp
}

// Task returns the content of a TaskMessage.
func (m Message) Task() (*Task, bool) {
	t, ok := m.content.(*Task)
	return t, ok && m.msgType == TaskMessage
}

// Result returns the content of a Result message.
func (m Message) Result() (TaskResult, bool) {
	r, ok := m.content.(TaskResult)
	return r, ok && m.msgType == Result
}

// Text returns the content of a string-carrying message.
func (m Message) Text() string {
	s, _ := m.content.(string)
	return s
}

// IsExpired reports whether more than timeout has passed
// since the message was created.
func (m Message) IsExpired(timeout time.Duration) bool {
	return time.Since(m.timestamp) > timeout
}

// Equal compares type, content and timestamp.
func (m Message) Equal(other Message) bool {
	if m.msgType != other.msgType || !m.timestamp.Equal(other.timestamp) {
		return false
	}
	if t1, ok := m.content.(*Task); ok {
		t2, ok := other.content.(*Task)
		return ok && t1.Equal(t2)
	}
	return reflect.DeepEqual(m.content, other.content)
}

func (m Message) String() string {
	return fmt.Sprintf("Message{type=%s, content=%v, timestamp=%d}", m.msgType, m.content,
		m.timestamp.UnixMilli())
}

// wireMessage is the gob form of a Message.
type wireMessage struct {
	Type      MessageType
	Content   interface{}
	Timestamp time.Time
}

func (m Message) wire() wireMessage {
	return wireMessage{Type: m.msgType, Content: m.content, Timestamp: m.timestamp}
}

func (w wireMessage) message() (Message, error) {
	if err := checkContent(w.Type, w.Content); err != nil {
		return Message{}, err
	}
	return Message{msgType: w.Type, content: w.Content, timestamp: w.Timestamp}, nil
}
