package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"firestige.xyz/grnet/internal/core"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateListening
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const acceptRetryDelay = 100 * time.Millisecond

// connManager owns the data socket and, in server mode, the listener.
// Exactly one data socket is current at any time.
type connManager struct {
	cfg    Config
	logger *slog.Logger
	stats  *core.Counters

	mu        sync.Mutex
	state     State
	conn      *net.TCPConn
	listener  *net.TCPListener
	connected bool // a peer has been installed at least once

	acceptReq chan struct{}
	ready     chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newConnManager(cfg Config, logger *slog.Logger, stats *core.Counters) *connManager {
	return &connManager{
		cfg:       cfg,
		logger:    logger,
		stats:     stats,
		state:     StateDisconnected,
		acceptReq: make(chan struct{}, 1),
		ready:     make(chan struct{}, 1),
	}
}

func (m *connManager) server() bool {
	return m.cfg.Mode == ModeServer
}

// dial connects synchronously. Failure leaves the manager Disconnected.
func (m *connManager) dial(ctx context.Context) error {
	m.setState(StateConnecting)
	addr, netw, err := m.cfg.resolve()
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("%w: %s: %v", core.ErrResolve, m.cfg.address(), err)
	}

	d := net.Dialer{KeepAlive: m.cfg.KeepAlive}
	c, err := d.DialContext(ctx, netw, addr.String())
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("%w: %s: %v", core.ErrConnect, addr, err)
	}
	m.install(c.(*net.TCPConn))
	m.logger.Info("connected", "remote", addr.String())
	return nil
}

// listen binds the listener and starts the accept goroutine.
func (m *connManager) listen(ctx context.Context) error {
	addr, netw, err := m.cfg.resolve()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrResolve, m.cfg.address(), err)
	}
	l, err := net.ListenTCP(netw, addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrBind, addr, err)
	}

	m.mu.Lock()
	m.listener = l
	m.state = StateListening
	m.mu.Unlock()

	m.logger.Info("listening", "addr", l.Addr().String())

	m.wg.Add(1)
	go m.acceptLoop(ctx, l)
	m.requestAccept()
	return nil
}

// acceptLoop issues one Accept per request so that at most one peer is
// ever being accepted.
func (m *connManager) acceptLoop(ctx context.Context, l *net.TCPListener) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.acceptReq:
		}

		c, err := l.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			m.requestAccept()
			continue
		}
		m.logger.Info("client connected", "remote", c.RemoteAddr().String())
		m.install(c)
	}
}

// install makes c the current socket and closes whatever it replaces.
func (m *connManager) install(c *net.TCPConn) {
	if err := c.SetKeepAlive(true); err != nil {
		m.logger.Debug("set keepalive failed", "error", err)
	}
	if err := c.SetKeepAlivePeriod(m.cfg.KeepAlive); err != nil {
		m.logger.Debug("set keepalive period failed", "error", err)
	}

	m.mu.Lock()
	if m.state == StateClosing {
		m.mu.Unlock()
		_ = c.Close()
		return
	}
	old := m.conn
	m.conn = c
	m.state = StateConnected
	if m.connected {
		m.stats.Reconnects.Add(1)
	}
	m.connected = true
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// drop retires c after a failure. Notifications about a socket that is no
// longer current are ignored.
func (m *connManager) drop(c *net.TCPConn, cause error) {
	m.mu.Lock()
	if c == nil || m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.state != StateClosing {
		if m.server() {
			m.state = StateListening
		} else {
			m.state = StateDisconnected
		}
	}
	closing := m.state == StateClosing
	m.mu.Unlock()

	_ = c.Close()
	if closing {
		return
	}
	m.logger.Info("peer disconnected", "remote", c.RemoteAddr().String(), "reason", cause)
	if m.server() {
		m.requestAccept()
	}
}

func (m *connManager) requestAccept() {
	select {
	case m.acceptReq <- struct{}{}:
	default:
	}
}

// current returns the data socket, nil when there is none.
func (m *connManager) current() (*net.TCPConn, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn, m.state
}

func (m *connManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *connManager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Addr returns the listener address in server mode or the local socket
// address in client mode.
func (m *connManager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr()
	}
	if m.conn != nil {
		return m.conn.LocalAddr()
	}
	return nil
}

// waitReady blocks until a new socket is installed or ctx is done.
func (m *connManager) waitReady(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.ready:
		return true
	}
}

// close moves to Closing, unblocks Accept and waits for the accept
// goroutine before releasing the data socket.
func (m *connManager) close() error {
	var result *multierror.Error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.state = StateClosing
		l := m.listener
		m.mu.Unlock()

		if l != nil {
			if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("close listener: %w", cerr))
			}
		}
		m.wg.Wait()

		m.mu.Lock()
		c := m.conn
		m.conn = nil
		m.state = StateDisconnected
		m.mu.Unlock()

		if c != nil {
			if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("close connection: %w", cerr))
			}
		}
	})
	return result.ErrorOrNil()
}

// isTimeout reports a deadline expiry, the only read or write error that
// leaves the socket usable.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
