// Package sensor turns the raw RDT stream into calibrated force/torque
// readings. A Controller owns one streaming session, keeps the latest
// reading as an atomically replaced snapshot, and fans readings out to
// listeners on the session's receive goroutine.
package sensor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ftsensor/internal/network"
	"github.com/banshee-data/ftsensor/internal/rdt"
	"github.com/banshee-data/ftsensor/internal/stream"
	"github.com/banshee-data/ftsensor/internal/timeutil"
)

// DefaultCountsPerUnit is the default divisor for both force and torque.
const DefaultCountsPerUnit = 1000000

// ErrZeroScaleFactor is returned when a scale factor of zero is supplied.
var ErrZeroScaleFactor = errors.New("scale factor must be non-zero")

// Vector3 is an x, y, z triple.
type Vector3 [3]float64

// Sub returns v - o per axis.
func (v Vector3) Sub(o Vector3) Vector3 {
	return Vector3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

// Load is a calibrated force/torque pair.
type Load struct {
	Force  Vector3 `json:"force"`
	Torque Vector3 `json:"torque"`
}

// Bias is subtracted from raw loads to zero out a static load.
type Bias struct {
	Force  Vector3 `json:"force"`
	Torque Vector3 `json:"torque"`
}

// ScaleFactors convert raw counts to physical units.
type ScaleFactors struct {
	CountsPerForce  uint32 `json:"counts_per_force"`
	CountsPerTorque uint32 `json:"counts_per_torque"`
}

// DefaultScaleFactors returns 1,000,000 counts per unit for both.
func DefaultScaleFactors() ScaleFactors {
	return ScaleFactors{CountsPerForce: DefaultCountsPerUnit, CountsPerTorque: DefaultCountsPerUnit}
}

func (sf ScaleFactors) validate() error {
	if sf.CountsPerForce == 0 || sf.CountsPerTorque == 0 {
		return ErrZeroScaleFactor
	}
	return nil
}

// Reading is one calibrated sample with its metadata. Bias is not applied.
type Reading struct {
	Timestamp        time.Time `json:"timestamp"`
	Sequence         uint32    `json:"seq"`
	InternalSequence uint32    `json:"ft_seq"`
	Status           uint32    `json:"status"`
	Force            Vector3   `json:"force"`
	Torque           Vector3   `json:"torque"`
}

// Load returns the force/torque part of r.
func (r Reading) Load() Load {
	return Load{Force: r.Force, Torque: r.Torque}
}

// Listener is called on the receive goroutine for every reading, in
// registration order. It must not block for long.
type Listener func(Reading)

// Option configures a Controller.
type Option func(*Controller)

// WithDialer replaces the UDP dialer.
func WithDialer(d network.Dialer) Option {
	return func(c *Controller) { c.dialer = d }
}

// WithClock sets the clock used to timestamp readings.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithScaleFactors sets the initial scale factors.
func WithScaleFactors(sf ScaleFactors) Option {
	return func(c *Controller) { c.initialScale = sf }
}

// WithBias sets the initial calibration bias.
func WithBias(b Bias) Option {
	return func(c *Controller) { c.bias = b }
}

// WithStats shares ps with every session, so counters survive restarts and
// other components (a forwarder) can add to them.
func WithStats(ps *stream.PacketStats) Option {
	return func(c *Controller) {
		if ps != nil {
			c.stats = ps
		}
	}
}

// WithSessionOptions passes options to every session the controller starts.
func WithSessionOptions(opts ...stream.Option) Option {
	return func(c *Controller) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithListener registers l before streaming starts, so it sees the first reading.
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, l) }
}

// Controller converts raw counts to calibrated loads and publishes them.
//
// The snapshot, the bias and the listener list each have their own guard;
// no lock spans two of them.
type Controller struct {
	host         string
	port         int
	dialer       network.Dialer
	clock        timeutil.Clock
	sessionOpts  []stream.Option
	stats        *stream.PacketStats
	initialScale ScaleFactors

	snapshot atomic.Pointer[Load]
	scale    atomic.Pointer[ScaleFactors]

	biasMu sync.RWMutex
	bias   Bias

	listenersMu sync.Mutex
	listeners   []Listener

	// restartMu serializes Restart and Close; sessionMu guards the pointer.
	restartMu sync.Mutex
	sessionMu sync.RWMutex
	session   *stream.Session
}

// New creates a controller for the device at host:port and starts streaming
// immediately. A connection failure is returned as a *stream.ConnectionError.
func New(ctx context.Context, host string, port int, opts ...Option) (*Controller, error) {
	c := &Controller{
		host:         host,
		port:         port,
		dialer:       network.NewUDPDialer(0),
		clock:        timeutil.RealClock{},
		stats:        stream.NewPacketStats(),
		initialScale: DefaultScaleFactors(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.initialScale.validate(); err != nil {
		return nil, err
	}
	sf := c.initialScale
	c.scale.Store(&sf)
	c.snapshot.Store(&Load{})

	c.session = c.newSession()
	if err := c.session.Start(ctx, host, port); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) newSession() *stream.Session {
	opts := append([]stream.Option{stream.WithStats(c.stats)}, c.sessionOpts...)
	return stream.New(c.dialer, c.onDatagram, opts...)
}

// onDatagram runs on the receive goroutine for each decoded response.
func (c *Controller) onDatagram(resp rdt.Response) {
	sf := c.scale.Load()
	cpf := float64(sf.CountsPerForce)
	cpt := float64(sf.CountsPerTorque)

	r := Reading{
		Timestamp:        c.clock.Now(),
		Sequence:         resp.SequenceIndex,
		InternalSequence: resp.InternalSequenceIndex,
		Status:           resp.Status,
		Force:            Vector3{float64(resp.Fx) / cpf, float64(resp.Fy) / cpf, float64(resp.Fz) / cpf},
		Torque:           Vector3{float64(resp.Tx) / cpt, float64(resp.Ty) / cpt, float64(resp.Tz) / cpt},
	}
	load := r.Load()
	c.snapshot.Store(&load)

	c.listenersMu.Lock()
	listeners := c.listeners[:len(c.listeners):len(c.listeners)]
	c.listenersMu.Unlock()

	for _, l := range listeners {
		l(r)
	}
}

// CurrentRawLoad returns the last published load without bias applied.
// It keeps returning the last value after the stream stops.
func (c *Controller) CurrentRawLoad() Load {
	return *c.snapshot.Load()
}

// CurrentUnbiasedLoad returns the last published load minus the current bias.
func (c *Controller) CurrentUnbiasedLoad() Load {
	raw := c.CurrentRawLoad()
	b := c.Bias()
	return Load{Force: raw.Force.Sub(b.Force), Torque: raw.Torque.Sub(b.Torque)}
}

// SetCalibrationBias replaces the bias.
func (c *Controller) SetCalibrationBias(force, torque Vector3) {
	c.biasMu.Lock()
	c.bias = Bias{Force: force, Torque: torque}
	c.biasMu.Unlock()
}

// Bias returns the current calibration bias.
func (c *Controller) Bias() Bias {
	c.biasMu.RLock()
	defer c.biasMu.RUnlock()
	return c.bias
}

// SetScaleFactors replaces the divisors used from the next datagram on.
func (c *Controller) SetScaleFactors(countsPerForce, countsPerTorque uint32) error {
	sf := ScaleFactors{CountsPerForce: countsPerForce, CountsPerTorque: countsPerTorque}
	if err := sf.validate(); err != nil {
		return err
	}
	c.scale.Store(&sf)
	return nil
}

// ScaleFactors returns the current scale factors.
func (c *Controller) ScaleFactors() ScaleFactors {
	return *c.scale.Load()
}

// AddListener registers a callback receiving the calibrated, not
// bias-adjusted, force and torque of every reading.
func (c *Controller) AddListener(fn func(force, torque Vector3)) {
	c.AddReadingListener(func(r Reading) { fn(r.Force, r.Torque) })
}

// AddReadingListener registers a callback receiving every Reading.
func (c *Controller) AddReadingListener(l Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

// IsConnected reports whether the current session is streaming.
func (c *Controller) IsConnected() bool {
	s := c.currentSession()
	return s != nil && s.IsStreaming()
}

// LastError returns the error that ended the current session's run, if any.
func (c *Controller) LastError() error {
	s := c.currentSession()
	if s == nil {
		return nil
	}
	return s.Err()
}

// Stats returns packet statistics accumulated across all sessions.
func (c *Controller) Stats() *stream.PacketStats {
	return c.stats
}

// Addr returns the device host and port.
func (c *Controller) Addr() (string, int) {
	return c.host, c.port
}

// Restart stops and releases the current session, then starts a new one.
// Readers never observe the session pointer mid-replacement.
func (c *Controller) Restart(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	// Stop outside sessionMu: a listener may query the controller while the
	// receive goroutine drains.
	if old := c.currentSession(); old != nil {
		old.Stop()
	}
	s := c.newSession()
	err := s.Start(ctx, c.host, c.port)

	c.sessionMu.Lock()
	c.session = s
	c.sessionMu.Unlock()
	return err
}

// Close stops streaming. The last snapshot stays readable.
func (c *Controller) Close() error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	if s := c.currentSession(); s != nil {
		s.Stop()
	}
	return nil
}

func (c *Controller) currentSession() *stream.Session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}
