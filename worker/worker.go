// Package worker implements the worker side of the system:
// it repeatedly asks the master for a task, computes the
// verdict locally, and reports it back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unixpickle/primeempire/taskproto"
)

var (
	ErrConnection = errors.New("cannot connect to master")
	ErrStopped    = errors.New("worker stopped")
)

// A ComputeFunc decides a task's payload.
// It must be pure and always terminate.
type ComputeFunc func(numbers []int) bool

// Config controls a Worker.
type Config struct {
	// Name identifies the worker in its messages.
	// A random name is used if it is empty.
	Name string

	MasterAddr string
	Password   string

	// ReconnectAttempts bounds each connect cycle.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	HeartbeatInterval time.Duration

	// IdleDelay is how long to wait after NO_TASKS before
	// asking again.
	IdleDelay time.Duration

	// StopGrace bounds how long Stop waits for the
	// worker's Goroutines.
	StopGrace time.Duration
}

// A Worker runs the request/compute/report loop and a
// heartbeat loop against a master.
type Worker struct {
	cfg     Config
	compute ComputeFunc
	log     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
	err       error

	connLock sync.Mutex
	conn     taskproto.Conn

	completed atomic.Int64
}

// New creates a Worker.
// Call Start to connect it.
func New(cfg Config, compute ComputeFunc, log logging.Logger) *Worker {
	if cfg.Name == "" {
		cfg.Name = "worker-" + uuid.NewString()[:8]
	}
	if cfg.ReconnectAttempts < 1 {
		cfg.ReconnectAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:     cfg,
		compute: compute,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Name returns the worker's name.
func (w *Worker) Name() string {
	return w.cfg.Name
}

// Completed returns the number of results the worker has
// reported.
func (w *Worker) Completed() int {
	return int(w.completed.Load())
}

// Start connects to the master, retrying up to
// ReconnectAttempts times, and launches the worker's
// Goroutines.
//
// It fails with ErrConnection if every attempt fails.
// Cancelling ctx stops the worker, like Stop.
func (w *Worker) Start(ctx context.Context) error {
	err := ErrStopped
	w.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, func() {
			w.cancel()
			w.closeConn()
		})
		conn, cErr := w.connect()
		if cErr != nil {
			stop()
			w.cancel()
			w.err = cErr
			close(w.done)
			err = cErr
			return
		}
		w.setConn(conn)
		w.started.Store(true)
		err = nil

		g, gctx := errgroup.WithContext(w.ctx)
		g.Go(func() error {
			return w.runLoop(gctx)
		})
		g.Go(func() error {
			w.heartbeatLoop(gctx)
			return nil
		})
		go func() {
			defer stop()
			w.err = g.Wait()
			w.closeConn()
			close(w.done)
		}()
	})
	return err
}

// Wait blocks until the worker stops, returning the error
// that stopped it, if any.
func (w *Worker) Wait() error {
	<-w.done
	return w.err
}

// Done returns a channel that is closed once the worker
// has stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stop interrupts the worker and waits up to StopGrace for
// its Goroutines to exit.
func (w *Worker) Stop() error {
	w.cancel()
	w.closeConn()
	if !w.started.Load() {
		return nil
	}
	var timeout <-chan time.Time
	if w.cfg.StopGrace > 0 {
		timer := time.NewTimer(w.cfg.StopGrace)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-w.done:
		return nil
	case <-timeout:
		return fmt.Errorf("worker %s did not stop within %v", w.cfg.Name, w.cfg.StopGrace)
	}
}

func (w *Worker) runLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := w.step(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("lost connection to master",
			zap.String("worker", w.cfg.Name),
			zap.Error(err),
		)
		if err := w.reconnect(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("giving up on master",
				zap.String("worker", w.cfg.Name),
				zap.Error(err),
			)
			return err
		}
	}
}

// step performs one request/response exchange.
// Only transport failures are returned.
func (w *Worker) step(ctx context.Context) error {
	conn := w.currentConn()
	if conn == nil {
		return taskproto.ErrConnectionClosed
	}
	req, err := taskproto.NewTaskRequest(w.cfg.Name)
	if err != nil {
		return err
	}
	if err := conn.Send(req); err != nil {
		return err
	}
	reply, err := conn.Receive()
	if err != nil {
		return err
	}

	switch reply.Type() {
	case taskproto.TaskMessage:
		task, _ := reply.Task()
		positive := w.compute(task.Payload())
		res, err := taskproto.NewResultMessage(taskproto.TaskResult{
			TaskID:   task.ID(),
			Positive: positive,
		})
		if err != nil {
			return err
		}
		if err := conn.Send(res); err != nil {
			return err
		}
		w.completed.Add(1)
		w.log.Debug("reported result",
			zap.String("worker", w.cfg.Name),
			zap.String("task", task.ID()),
			zap.Bool("positive", positive),
		)
	case taskproto.NoTasks:
		sleepContext(ctx, w.cfg.IdleDelay)
	case taskproto.Error:
		w.log.Warn("error from master",
			zap.String("worker", w.cfg.Name),
			zap.String("error", reply.Text()),
		)
	default:
		w.log.Info("unexpected message from master",
			zap.String("worker", w.cfg.Name),
			zap.Stringer("type", reply.Type()),
		)
	}
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	if w.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := w.currentConn()
			if conn == nil {
				continue
			}
			hb, err := taskproto.NewHeartbeat(w.cfg.Name)
			if err != nil {
				continue
			}
			if err := conn.Send(hb); err != nil {
				w.log.Debug("failed to send heartbeat",
					zap.String("worker", w.cfg.Name),
					zap.Error(err),
				)
			}
		}
	}
}

func (w *Worker) reconnect() error {
	w.closeConn()
	conn, err := w.connect()
	if err != nil {
		return err
	}
	if !w.setConn(conn) {
		return nil
	}
	w.log.Info("reconnected to master", zap.String("worker", w.cfg.Name))
	return nil
}

// connect runs one bounded connect cycle.
func (w *Worker) connect() (taskproto.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.ReconnectAttempts; attempt++ {
		if w.ctx.Err() != nil {
			return nil, ErrStopped
		}
		w.log.Info("connecting to master",
			zap.String("worker", w.cfg.Name),
			zap.String("addr", w.cfg.MasterAddr),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", w.cfg.ReconnectAttempts),
		)
		conn, err := w.dial()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if errors.Is(err, taskproto.ErrBadAuth) {
			break
		}
		if attempt < w.cfg.ReconnectAttempts {
			w.log.Warn("connection attempt failed",
				zap.String("worker", w.cfg.Name),
				zap.Duration("retryIn", w.cfg.ReconnectDelay),
				zap.Error(err),
			)
			if !sleepContext(w.ctx, w.cfg.ReconnectDelay) {
				return nil, ErrStopped
			}
		}
	}
	return nil, fmt.Errorf("%w: %s: %s", ErrConnection, w.cfg.MasterAddr, lastErr)
}

func (w *Worker) dial() (taskproto.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(w.ctx, "tcp", w.cfg.MasterAddr)
	if err != nil {
		return nil, err
	}
	// Closing the socket is the only way to abort the
	// handshake if the worker is stopped meanwhile.
	stop := context.AfterFunc(w.ctx, func() {
		raw.Close()
	})
	defer stop()
	return taskproto.NewWorkerConnAuth(raw, w.cfg.Password)
}

func (w *Worker) currentConn() taskproto.Conn {
	w.connLock.Lock()
	defer w.connLock.Unlock()
	return w.conn
}

// setConn installs a new connection unless the worker is
// stopping, in which case the connection is closed.
func (w *Worker) setConn(c taskproto.Conn) bool {
	w.connLock.Lock()
	defer w.connLock.Unlock()
	if w.ctx.Err() != nil {
		c.Close()
		return false
	}
	w.conn = c
	return true
}

func (w *Worker) closeConn() {
	w.connLock.Lock()
	defer w.connLock.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// sleepContext sleeps for d, returning false if ctx is
// cancelled first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
