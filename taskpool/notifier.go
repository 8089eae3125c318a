package taskpool

import "sync"

// A completionNotifier counts settled tasks and lets
// callers block until the count passes one they have
// already observed.
type completionNotifier struct {
	lock      sync.Mutex
	completed int
	closed    bool
	closeChan chan struct{}

	// advanced is closed and replaced on every completion.
	advanced chan struct{}
}

// Wait blocks until more than n tasks have completed.
// It returns false if cancel is closed or the notifier is
// closed before that happens.
func (c *completionNotifier) Wait(n int, cancel <-chan struct{}) bool {
	c.lock.Lock()
	if c.completed > n {
		c.lock.Unlock()
		return true
	}
	if c.closed {
		c.lock.Unlock()
		return false
	}
	if c.advanced == nil {
		c.advanced = make(chan struct{})
	}
	if c.closeChan == nil {
		c.closeChan = make(chan struct{})
	}
	advanced, closeChan := c.advanced, c.closeChan
	c.lock.Unlock()

	select {
	case <-advanced:
		return true
	case <-cancel:
		return false
	case <-closeChan:
		// A final completion may land just before Close.
		select {
		case <-advanced:
			return true
		default:
			return false
		}
	}
}

// Completed records one more settled task.
func (c *completionNotifier) Completed() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.completed++
	if c.advanced != nil {
		close(c.advanced)
		c.advanced = nil
	}
}

// Close releases every waiter.
func (c *completionNotifier) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.closeChan == nil {
		c.closeChan = make(chan struct{})
	}
	close(c.closeChan)
}
