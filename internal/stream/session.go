// Package stream runs an RDT streaming session: it connects to a device,
// issues start/stop commands and decodes datagrams on a background goroutine.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ftsensor/internal/monitoring"
	"github.com/banshee-data/ftsensor/internal/network"
	"github.com/banshee-data/ftsensor/internal/rdt"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// maxConsecutiveReadErrors is the number of back-to-back transient read
// failures after which the transport is treated as gone.
const maxConsecutiveReadErrors = 100

// Handler receives each decoded datagram on the receive goroutine.
type Handler func(rdt.Response)

// Forwarder mirrors raw datagrams elsewhere without blocking.
type Forwarder interface {
	ForwardAsync(packet []byte)
}

// Option configures a Session.
type Option func(*Session)

// WithForwarder mirrors every received datagram to f.
func WithForwarder(f Forwarder) Option {
	return func(s *Session) { s.forwarder = f }
}

// WithStats uses ps instead of a private PacketStats.
func WithStats(ps *PacketStats) Option {
	return func(s *Session) {
		if ps != nil {
			s.stats = ps
		}
	}
}

// WithStatsInterval logs packet statistics at interval d while streaming.
// Zero disables periodic logging.
func WithStatsInterval(d time.Duration) Option {
	return func(s *Session) { s.statsInterval = d }
}

// WithOnStart calls fn each time a run's transport is established, before
// the start command is sent. No datagram of that run is handled before fn
// returns.
func WithOnStart(fn func()) Option {
	return func(s *Session) { s.onStart = fn }
}

// WithReadBufferSize sets the receive buffer length. Datagrams longer than
// n are truncated by the transport.
func WithReadBufferSize(n int) Option {
	return func(s *Session) {
		if n >= rdt.ResponseSize {
			s.bufSize = n
		}
	}
}

// Session owns one device connection at a time. Start and Stop may be called
// from any goroutine; exactly one receive goroutine exists per streaming run.
type Session struct {
	dialer        network.Dialer
	handler       Handler
	forwarder     Forwarder
	stats         *PacketStats
	statsInterval time.Duration
	bufSize       int
	onStart       func()

	state atomic.Int32
	// inHandler is set while the receive goroutine is inside handler.
	inHandler atomic.Bool

	// mu serializes Start and Stop.
	mu   sync.Mutex
	conn network.Conn
	done chan struct{}
	addr string

	errMu sync.Mutex
	err   error
}

// New creates an idle session. handler must not be nil.
func New(dialer network.Dialer, handler Handler, opts ...Option) *Session {
	s := &Session{
		dialer:  dialer,
		handler: handler,
		stats:   NewPacketStats(),
		bufSize: 1500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start connects to host:port, sends START_HIGH_SPEED_REALTIME_STREAM and
// launches the receive goroutine. It fails with a *ConnectionError if the
// transport cannot be established, ErrAlreadyStreaming if not idle, or
// ErrStillStopping if the previous run's handler has not returned yet.
func (s *Session) Start(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reapLocked(); err != nil {
		return err
	}
	if !s.state.CompareAndSwap(int32(Idle), int32(Connecting)) {
		return ErrAlreadyStreaming
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := s.dialer.Dial(ctx, host, port)
	if err != nil {
		s.state.Store(int32(Idle))
		return &ConnectionError{Addr: addr, Err: err}
	}
	if s.onStart != nil {
		s.onStart()
	}
	if _, err := conn.Write(rdt.Encode(rdt.StartHighSpeedRealtimeStream, 0)); err != nil {
		conn.Close()
		s.state.Store(int32(Idle))
		return &ConnectionError{Addr: addr, Err: fmt.Errorf("send %s: %w", rdt.StartHighSpeedRealtimeStream, err)}
	}

	s.setErr(nil)
	s.conn = conn
	s.addr = addr
	s.done = make(chan struct{})
	s.state.Store(int32(Streaming))
	go s.receiveLoop(conn, s.done)

	monitoring.Logf("RDT stream started from %s", addr)
	return nil
}

// Stop sends STOP_STREAM best-effort, closes the transport and waits for the
// receive goroutine to exit. No handler call begins after Stop returns.
// Stopping an idle session is a no-op.
//
// Stop may be called from the handler itself. It then returns without
// waiting; the receive goroutine exits once the handler returns.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(Streaming), int32(Stopping)) {
		_ = s.reapLocked()
		return
	}

	// The device may be gone; the local intent is to stop regardless.
	_, _ = s.conn.Write(rdt.Encode(rdt.StopStream, 0))
	s.conn.Close()
	s.conn = nil

	// The loop checks the state after raising inHandler, so either it sees
	// Stopping and skips the handler or we see the handler running here.
	if s.inHandler.Load() {
		s.state.Store(int32(Idle))
		monitoring.Logf("RDT stream from %s stopped while delivering", s.addr)
		return
	}
	<-s.done

	s.done = nil
	s.state.Store(int32(Idle))
	monitoring.Logf("RDT stream from %s stopped", s.addr)
}

// Close is Stop.
func (s *Session) Close() error {
	s.Stop()
	return nil
}

// reapLocked releases a run whose loop already ended, or is about to end,
// on its own.
func (s *Session) reapLocked() error {
	if s.done == nil || State(s.state.Load()) != Idle {
		return nil
	}
	if s.inHandler.Load() {
		return ErrStillStopping
	}
	<-s.done
	s.conn = nil
	s.done = nil
	return nil
}

// IsStreaming reports whether the receive loop is running. Safe from any goroutine.
func (s *Session) IsStreaming() bool {
	return State(s.state.Load()) == Streaming
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the error that ended the last run, or nil after a clean stop.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stats returns the session's packet statistics.
func (s *Session) Stats() *PacketStats {
	return s.stats
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// fail ends the run after a hard transport failure unless Stop got there first.
func (s *Session) fail(conn network.Conn, err error) {
	s.errMu.Lock()
	won := s.state.CompareAndSwap(int32(Streaming), int32(Idle))
	if won {
		s.err = err
	}
	s.errMu.Unlock()
	if won {
		conn.Close()
		monitoring.Logf("RDT stream ended: %v", err)
	}
}

func (s *Session) receiveLoop(conn network.Conn, done chan struct{}) {
	defer close(done)

	if s.statsInterval > 0 {
		statsDone := make(chan struct{})
		defer close(statsDone)
		go s.logStats(statsDone)
	}

	buf := make([]byte, s.bufSize)
	consecutiveErrors := 0
	for {
		n, err := conn.Read(buf)
		if State(s.state.Load()) != Streaming {
			return
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				s.fail(conn, fmt.Errorf("%w: %v", ErrTransportClosed, err))
				return
			}
			s.stats.AddReadError()
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveReadErrors {
				s.fail(conn, fmt.Errorf("%w: %d consecutive read errors, last: %v", ErrTransportClosed, consecutiveErrors, err))
				return
			}
			continue
		}
		consecutiveErrors = 0

		s.stats.AddPacket(n)
		if s.forwarder != nil {
			s.forwarder.ForwardAsync(buf[:n])
		}

		resp, err := rdt.Decode(buf[:n])
		if err != nil {
			s.stats.AddMalformed()
			continue
		}
		s.stats.AddReading()
		s.inHandler.Store(true)
		if State(s.state.Load()) == Streaming {
			s.handler(resp)
		}
		s.inHandler.Store(false)
	}
}

func (s *Session) logStats(done <-chan struct{}) {
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.stats.LogStats()
		}
	}
}
