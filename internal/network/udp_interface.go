package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/banshee-data/ftsensor/internal/monitoring"
)

// Conn is a connected datagram endpoint. Read returns one datagram per call.
// Close must unblock a pending Read, which then returns net.ErrClosed.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Dialer establishes a Conn to a device.
// This abstraction enables unit testing without real network connections.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Conn, error)
}

// UDPDialer dials real UDP associations.
type UDPDialer struct {
	// LocalAddr optionally fixes the local bind address (host:port).
	LocalAddr string
	// RcvBuf sets the socket receive buffer size when positive.
	RcvBuf int
}

// NewUDPDialer creates a UDPDialer with the given receive buffer size.
func NewUDPDialer(rcvBuf int) *UDPDialer {
	return &UDPDialer{RcvBuf: rcvBuf}
}

// Dial resolves host:port and connects a UDP socket to it.
func (d *UDPDialer) Dial(ctx context.Context, host string, port int) (Conn, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	var nd net.Dialer
	if d.LocalAddr != "" {
		laddr, err := net.ResolveUDPAddr("udp", d.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve local address: %w", err)
		}
		nd.LocalAddr = laddr
	}
	c, err := nd.DialContext(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	udp, ok := c.(*net.UDPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}
	if d.RcvBuf > 0 {
		if err := udp.SetReadBuffer(d.RcvBuf); err != nil {
			// Not fatal: the kernel may cap the buffer size.
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", d.RcvBuf, err)
		}
	}
	return udp, nil
}

// MockConn implements Conn for testing. Datagrams pushed with Deliver are
// returned by Read in order; writes are recorded.
type MockConn struct {
	mu       sync.Mutex
	writes   [][]byte
	closed   bool
	closeCh  chan struct{}
	incoming chan mockRead

	// WriteError is returned by Write if set.
	WriteError error
	// OnWrite is called with each written payload if set.
	OnWrite func([]byte)
}

type mockRead struct {
	data []byte
	err  error
}

// NewMockConn creates a MockConn with room for buffered datagrams.
func NewMockConn(buffered int) *MockConn {
	return &MockConn{
		closeCh:  make(chan struct{}),
		incoming: make(chan mockRead, buffered),
	}
}

// Deliver queues a datagram for Read. It blocks while the queue is full.
func (m *MockConn) Deliver(data []byte) {
	m.incoming <- mockRead{data: append([]byte(nil), data...)}
}

// DeliverError queues a read error.
func (m *MockConn) DeliverError(err error) {
	m.incoming <- mockRead{err: err}
}

// Read returns the next queued datagram or blocks until Close.
func (m *MockConn) Read(b []byte) (int, error) {
	select {
	case <-m.closeCh:
		return 0, net.ErrClosed
	default:
	}
	select {
	case r := <-m.incoming:
		if r.err != nil {
			return 0, r.err
		}
		return copy(b, r.data), nil
	case <-m.closeCh:
		return 0, net.ErrClosed
	}
}

// Write records the payload.
func (m *MockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, net.ErrClosed
	}
	if m.WriteError != nil {
		err := m.WriteError
		m.mu.Unlock()
		return 0, err
	}
	m.writes = append(m.writes, append([]byte(nil), b...))
	onWrite := m.OnWrite
	m.mu.Unlock()
	if onWrite != nil {
		onWrite(b)
	}
	return len(b), nil
}

// Writes returns copies of all payloads written so far.
func (m *MockConn) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// Close unblocks pending reads. Closing twice returns net.ErrClosed.
func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return net.ErrClosed
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

// Closed reports whether Close was called.
func (m *MockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LocalAddr returns a fixed loopback address.
func (m *MockConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 50000}
}

// RemoteAddr returns a fixed loopback address.
func (m *MockConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 49152}
}

// MockDialer implements Dialer for testing.
type MockDialer struct {
	mu sync.Mutex
	// Conns are handed out in order, one per Dial call.
	Conns []*MockConn
	// Error is returned by Dial if set.
	Error error
	// DialCalls records all Dial calls.
	DialCalls []MockDialCall
}

// MockDialCall records a call to Dial.
type MockDialCall struct {
	Host string
	Port int
}

// ErrNoMockConn is returned when a MockDialer runs out of connections.
var ErrNoMockConn = errors.New("mock dialer has no connections left")

// NewMockDialer creates a MockDialer handing out the given connections.
func NewMockDialer(conns ...*MockConn) *MockDialer {
	return &MockDialer{Conns: conns}
}

// Dial returns the next configured connection.
func (d *MockDialer) Dial(ctx context.Context, host string, port int) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, MockDialCall{Host: host, Port: port})
	if d.Error != nil {
		return nil, d.Error
	}
	if len(d.Conns) == 0 {
		return nil, ErrNoMockConn
	}
	c := d.Conns[0]
	d.Conns = d.Conns[1:]
	return c, nil
}

// Calls returns a copy of the recorded Dial calls.
func (d *MockDialer) Calls() []MockDialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]MockDialCall, len(d.DialCalls))
	copy(out, d.DialCalls)
	return out
}
