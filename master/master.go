// Package master implements the master side of the system.
//
// A Master accepts worker connections and runs one message
// loop per connection, handing out tasks from a
// taskpool.Pool and feeding reported results back into it.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/unixpickle/primeempire/taskpool"
	"github.com/unixpickle/primeempire/taskproto"
)

var (
	ErrNoInput = errors.New("no input to distribute")
	ErrClosed  = errors.New("master is closed")
)

// Config controls a Master.
type Config struct {
	// Password is the shared worker password.
	// An empty password disables the handshake.
	Password string

	// MaxWorkers limits concurrent worker connections.
	// Connections above the limit receive an ERROR message
	// and are closed.
	MaxWorkers int

	ChunkSize int

	// WorkerTimeout is how long a connection may go without
	// sending a message before the master drops it.
	// HealthInterval is how often connections are checked.
	WorkerTimeout  time.Duration
	HealthInterval time.Duration

	// ShutdownGrace bounds how long Serve waits for message
	// loops to exit once the master is closing.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the standard master settings.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     64,
		ChunkSize:      DefaultChunkSize,
		WorkerTimeout:  time.Second * 30,
		HealthInterval: time.Second * 5,
		ShutdownGrace:  time.Second * 5,
	}
}

// WorkerStatus describes one connected worker.
type WorkerStatus struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Addr     string    `json:"addr"`
	Joined   time.Time `json:"joined"`
	LastSeen time.Time `json:"lastSeen"`
	Results  int       `json:"results"`
}

// Status is a snapshot of a Master.
type Status struct {
	Pool     taskpool.Stats `json:"pool"`
	Workers  []WorkerStatus `json:"workers"`
	Settled  bool           `json:"settled"`
	Positive bool           `json:"positive"`
}

// A Master serves tasks from a Pool to workers.
type Master struct {
	cfg  Config
	pool *taskpool.Pool
	log  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	slots    *semaphore.Weighted
	handlers sync.WaitGroup

	lock    sync.Mutex
	closed  bool
	serving chan struct{}
	workers map[string]*workerConn
}

// New creates a Master around a pool.
// The caller keeps ownership of the pool.
func New(cfg Config, pool *taskpool.Pool, log logging.Logger) *Master {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultChunkSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Master{
		cfg:     cfg,
		pool:    pool,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		slots:   semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		workers: map[string]*workerConn{},
	}
}

// Pool returns the Master's task pool.
func (m *Master) Pool() *taskpool.Pool {
	return m.pool
}

// Distribute partitions numbers into tasks and adds them to
// the pool.
// It returns the number of tasks added.
func (m *Master) Distribute(numbers []int) (int, error) {
	tasks, err := Partition(numbers, m.cfg.ChunkSize)
	if err != nil {
		return 0, err
	}
	var added int
	for _, t := range tasks {
		ok, err := m.pool.AddTask(t)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	m.log.Info("distributed input",
		zap.Int("numbers", len(numbers)),
		zap.Int("tasks", added),
		zap.Int("chunkSize", m.cfg.ChunkSize),
	)
	return added, nil
}

// Serve accepts workers from l until ctx is cancelled or
// Shutdown is called.
// It closes l, and it drops every worker before returning.
func (m *Master) Serve(ctx context.Context, l net.Listener) error {
	m.lock.Lock()
	if m.closed || m.serving != nil {
		m.lock.Unlock()
		l.Close()
		return ErrClosed
	}
	serving := make(chan struct{})
	m.serving = serving
	m.lock.Unlock()
	defer close(serving)

	stop := context.AfterFunc(ctx, m.cancel)
	defer stop()

	m.log.Info("listening for workers", zap.Stringer("addr", l.Addr()))

	g, gctx := errgroup.WithContext(m.ctx)
	closeListener := context.AfterFunc(gctx, func() {
		l.Close()
	})
	defer closeListener()
	g.Go(func() error {
		return m.acceptLoop(gctx, l)
	})
	g.Go(func() error {
		m.healthLoop(gctx)
		return nil
	})
	err := g.Wait()
	l.Close()

	m.dropWorkers()
	m.waitHandlers()

	if m.ctx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown stops accepting workers, closes every worker
// connection, and waits for Serve to return.
func (m *Master) Shutdown() {
	m.cancel()
	m.lock.Lock()
	m.closed = true
	serving := m.serving
	m.lock.Unlock()
	if serving != nil {
		<-serving
	} else {
		m.dropWorkers()
	}
}

// Result reports the workload's outcome so far.
// The workload is settled once every task is complete or
// any task was positive.
func (m *Master) Result() (positive, settled bool) {
	s, err := m.pool.Stats()
	if err != nil {
		return false, false
	}
	return s.Positive, s.Positive || s.Done()
}

// Wait blocks until the workload is settled and returns
// whether any task was positive.
//
// It fails with ErrNoInput if no task was ever added, or
// with ctx.Err() if ctx is done first.
func (m *Master) Wait(ctx context.Context) (bool, error) {
	cancel := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(cancel)
	})
	defer stop()

	for {
		s, err := m.pool.Stats()
		if err != nil {
			return false, err
		}
		if s.Positive {
			return true, nil
		} else if s.Done() {
			return false, nil
		} else if s.Total == 0 {
			return false, ErrNoInput
		}
		if !m.pool.WaitCompleted(s.Completed, cancel) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, taskpool.ErrPoolTerminated
		}
	}
}

// Status returns a snapshot of the pool and the connected
// workers.
func (m *Master) Status() (Status, error) {
	stats, err := m.pool.Stats()
	if err != nil {
		return Status{}, err
	}
	m.lock.Lock()
	workers := make([]WorkerStatus, 0, len(m.workers))
	for _, wc := range m.workers {
		workers = append(workers, wc.status())
	}
	m.lock.Unlock()
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Joined.Before(workers[j].Joined)
	})
	return Status{
		Pool:     stats,
		Workers:  workers,
		Settled:  stats.Positive || stats.Done(),
		Positive: stats.Positive,
	}, nil
}

func (m *Master) acceptLoop(ctx context.Context, l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept workers: %w", err)
		}
		m.handlers.Add(1)
		if !m.slots.TryAcquire(1) {
			go func() {
				defer m.handlers.Done()
				m.refuse(c)
			}()
			continue
		}
		go func() {
			defer m.handlers.Done()
			defer m.slots.Release(1)
			m.handleConn(c)
		}()
	}
}

func (m *Master) refuse(c net.Conn) {
	m.log.Warn("refusing worker",
		zap.Stringer("addr", c.RemoteAddr()),
		zap.Int("maxWorkers", m.cfg.MaxWorkers),
	)
	conn, err := taskproto.NewMasterConnAuth(c, m.cfg.Password)
	if err != nil {
		return
	}
	defer conn.Close()
	msg := taskproto.NewError(fmt.Sprintf("too many workers (limit %d)", m.cfg.MaxWorkers))
	conn.Send(msg)
}

func (m *Master) handleConn(c net.Conn) {
	conn, err := taskproto.NewMasterConnAuth(c, m.cfg.Password)
	if err != nil {
		m.log.Warn("worker failed to authenticate",
			zap.Stringer("addr", c.RemoteAddr()),
			zap.Error(err),
		)
		return
	}
	wc, ok := m.register(conn)
	if !ok {
		conn.Close()
		return
	}
	defer m.unregister(wc)

	for {
		msg, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, taskproto.ErrConnectionClosed) {
				m.log.Warn("worker connection failed",
					zap.String("worker", wc.id),
					zap.Error(err),
				)
			}
			return
		}
		wc.touch()
		if err := m.dispatch(wc, msg); err != nil {
			m.log.Warn("failed to reply to worker",
				zap.String("worker", wc.id),
				zap.Error(err),
			)
			return
		}
	}
}

func (m *Master) dispatch(wc *workerConn, msg taskproto.Message) error {
	switch msg.Type() {
	case taskproto.TaskRequest:
		wc.setName(msg.Text())
		if t, ok := m.pool.NextTask(wc.id); ok {
			reply, err := taskproto.NewTaskMessage(t)
			if err != nil {
				return err
			}
			return wc.conn.Send(reply)
		}
		return wc.conn.Send(taskproto.NewNoTasks())
	case taskproto.Result:
		res, _ := msg.Result()
		if m.pool.ProcessResult(res.TaskID, wc.id, res.Positive) {
			wc.addResult()
		}
		return nil
	case taskproto.Heartbeat:
		return nil
	default:
		desc := fmt.Sprintf("unexpected message type: %s", msg.Type())
		return wc.conn.Send(taskproto.NewError(desc))
	}
}

func (m *Master) healthLoop(ctx context.Context) {
	if m.cfg.HealthInterval <= 0 || m.cfg.WorkerTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.dropStaleWorkers()
		}
	}
}

func (m *Master) dropStaleWorkers() {
	m.lock.Lock()
	var stale []*workerConn
	for _, wc := range m.workers {
		if time.Since(wc.seen()) > m.cfg.WorkerTimeout {
			stale = append(stale, wc)
		}
	}
	m.lock.Unlock()

	for _, wc := range stale {
		m.log.Warn("dropping silent worker",
			zap.String("worker", wc.id),
			zap.String("name", wc.getName()),
			zap.Duration("timeout", m.cfg.WorkerTimeout),
		)
		wc.conn.Close()
	}
}

func (m *Master) register(conn taskproto.Conn) (*workerConn, bool) {
	id := uuid.NewString()
	now := time.Now()
	wc := &workerConn{
		id:       id,
		conn:     conn,
		joined:   now,
		lastSeen: now,
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil, false
	}
	m.workers[id] = wc
	m.log.Info("worker joined",
		zap.String("worker", id),
		zap.Stringer("addr", conn.RemoteAddr()),
		zap.Int("connected", len(m.workers)),
	)
	return wc, true
}

func (m *Master) unregister(wc *workerConn) {
	wc.conn.Close()
	m.lock.Lock()
	delete(m.workers, wc.id)
	remaining := len(m.workers)
	m.lock.Unlock()

	released := m.pool.ReleaseWorker(wc.id)
	m.log.Info("worker left",
		zap.String("worker", wc.id),
		zap.String("name", wc.getName()),
		zap.Int("released", len(released)),
		zap.Int("connected", remaining),
	)
}

func (m *Master) dropWorkers() {
	m.lock.Lock()
	m.closed = true
	conns := make([]taskproto.Conn, 0, len(m.workers))
	for _, wc := range m.workers {
		conns = append(conns, wc.conn)
	}
	m.lock.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (m *Master) waitHandlers() {
	done := make(chan struct{})
	go func() {
		m.handlers.Wait()
		close(done)
	}()
	if m.cfg.ShutdownGrace <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(m.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.log.Warn("message loops still running after shutdown grace",
			zap.Duration("grace", m.cfg.ShutdownGrace),
		)
	}
}

type workerConn struct {
	id     string
	conn   taskproto.Conn
	joined time.Time

	lock    sync.Mutex
	name    string
	results int

	// lastSeen is when the master last received a message,
	// by its own clock. Worker timestamps may be skewed.
	lastSeen time.Time
}

func (w *workerConn) touch() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.lastSeen = time.Now()
}

func (w *workerConn) seen() time.Time {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.lastSeen
}

func (w *workerConn) setName(name string) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.name = name
}

func (w *workerConn) getName() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.name
}

func (w *workerConn) addResult() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.results++
}

func (w *workerConn) status() WorkerStatus {
	w.lock.Lock()
	defer w.lock.Unlock()
	var addr string
	if a := w.conn.RemoteAddr(); a != nil {
		addr = a.String()
	}
	return WorkerStatus{
		ID:       w.id,
		Name:     w.name,
		Addr:     addr,
		Joined:   w.joined,
		LastSeen: w.lastSeen,
		Results:  w.results,
	}
}
