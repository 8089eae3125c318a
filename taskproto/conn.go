package taskproto

import (
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/unixpickle/gobplexer"
)

const (
	pingInterval = time.Second * 10
	pingMaxDelay = time.Second * 30
)

func init() {
	gob.Register(wireMessage{})
}

// A Conn carries Messages between the master and a single
// worker.
//
// All methods on a Conn are safe to call concurrently.
// In particular, a heartbeat may be sent while another
// Goroutine is blocked in Receive.
type Conn interface {
	// Send sends a message to the other end.
	Send(m Message) error

	// Receive blocks until the next message arrives.
	// It returns ErrConnectionClosed once the connection
	// has been closed by either end.
	Receive() (Message, error)

	// Close closes the connection, unblocking any pending
	// Receive.
	Close() error

	// RemoteAddr returns the address of the other end.
	RemoteAddr() net.Addr
}

// NewMasterConn creates the master side of a Conn.
// The other end must call NewWorkerConn.
// If the handshake fails, c is closed.
func NewMasterConn(c net.Conn) (Conn, error) {
	root := gobplexer.MultiplexConnector(gobplexer.NewConnectionConn(c))
	kc, err := gobplexer.KeepaliveConnector(root, pingInterval, pingMaxDelay)
	if err != nil {
		root.Close()
		c.Close()
		return nil, fmt.Errorf("keepalive handshake: %s", err)
	}
	return newPlexConn(kc, c), nil
}

// NewWorkerConn creates the worker side of a Conn.
// If the handshake fails, c is closed.
func NewWorkerConn(c net.Conn) (Conn, error) {
	rawCon := gobplexer.NewConnectionConn(c)
	root := gobplexer.MultiplexListener(rawCon)
	kc, err := gobplexer.KeepaliveListener(root, pingInterval, pingMaxDelay)
	if err != nil {
		rawCon.Close()
		c.Close()
		return nil, fmt.Errorf("keepalive handshake: %s", err)
	}
	return newPlexConn(kc, c), nil
}

// A plexConn sends Messages over a keepalive gobplexer
// connection.
type plexConn struct {
	conn gobplexer.Connection
	raw  net.Conn

	readLock  sync.Mutex
	writeLock sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newPlexConn(c gobplexer.Connection, raw net.Conn) *plexConn {
	return &plexConn{conn: c, raw: raw, closed: make(chan struct{})}
}

func (p *plexConn) Send(m Message) error {
	if !m.msgType.Valid() {
		return fmt.Errorf("%w: cannot send zero message", ErrInvalidArgument)
	}
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	if p.isClosed() {
		return ErrConnectionClosed
	}
	if err := p.conn.Send(m.wire()); err != nil {
		return p.transportError("send", err)
	}
	return nil
}

func (p *plexConn) Receive() (Message, error) {
	p.readLock.Lock()
	defer p.readLock.Unlock()
	obj, err := p.conn.Receive()
	if err != nil {
		return Message{}, p.transportError("receive", err)
	}
	w, ok := obj.(wireMessage)
	if !ok {
		return Message{}, fmt.Errorf("%w: unexpected object type %T", ErrInvalidArgument, obj)
	}
	return w.message()
}

func (p *plexConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
		p.raw.Close()
	})
	return err
}

func (p *plexConn) RemoteAddr() net.Addr {
	return p.raw.RemoteAddr()
}

func (p *plexConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *plexConn) transportError(op string, err error) error {
	if err == io.EOF || p.isClosed() {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%s: %s", op, err)
}
