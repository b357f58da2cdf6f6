// Package simulator emulates an RDT force/torque device on a UDP socket.
// It answers a start command by streaming synthetic sinusoidal loads to the
// requesting peer and stops on a stop command.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ftsensor/internal/monitoring"
	"github.com/banshee-data/ftsensor/internal/rdt"
)

// Config describes the simulated device.
type Config struct {
	// Addr is the UDP listen address, e.g. ":49152".
	Addr string
	// Rate is the output rate in samples per second.
	Rate float64
	// CountsPerUnit converts the simulated load to raw counts.
	CountsPerUnit float64
	// Amplitude is the peak load per axis (force x, y, z, torque x, y, z).
	Amplitude [6]float64
	// Offset is a constant load added per axis.
	Offset [6]float64
	// Period is the sinusoid period.
	Period time.Duration
}

// DefaultConfig streams 500 Hz on the standard RDT port.
func DefaultConfig() Config {
	return Config{
		Addr:          ":49152",
		Rate:          500,
		CountsPerUnit: 1000000,
		Amplitude:     [6]float64{10, 5, 20, 0.5, 0.25, 0.1},
		Offset:        [6]float64{0, 0, -2, 0, 0, 0},
		Period:        2 * time.Second,
	}
}

// WithDefaults fills unset or non-positive fields from DefaultConfig.
// Amplitude and Offset are kept as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Rate <= 0 {
		c.Rate = def.Rate
	}
	if c.CountsPerUnit <= 0 {
		c.CountsPerUnit = def.CountsPerUnit
	}
	if c.Period <= 0 {
		c.Period = def.Period
	}
	return c
}

// Device is a simulated sensor. Only one peer streams at a time; a new
// start command redirects the stream to the new peer.
type Device struct {
	cfg  Config
	conn *net.UDPConn

	mu         sync.Mutex
	stopStream context.CancelFunc
	streamDone chan struct{}

	seq  atomic.Uint32
	sent atomic.Int64
}

// New binds the device socket.
func New(cfg Config) (*Device, error) {
	cfg = cfg.WithDefaults()

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve simulator address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	return &Device{cfg: cfg, conn: conn}, nil
}

// Addr returns the bound address.
func (d *Device) Addr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Sent returns the number of datagrams sent.
func (d *Device) Sent() int64 {
	return d.sent.Load()
}

// Streaming reports whether a stream is active.
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopStream != nil
}

// Sample returns the synthetic response for sequence index seq.
func (d *Device) Sample(seq uint32) rdt.Response {
	return Sample(d.cfg, seq)
}

// Sample returns the synthetic response cfg produces at sequence index seq.
func Sample(cfg Config, seq uint32) rdt.Response {
	t := float64(seq) / cfg.Rate
	w := 2 * math.Pi / cfg.Period.Seconds()
	var counts [6]int32
	for i := range counts {
		v := cfg.Offset[i] + cfg.Amplitude[i]*math.Sin(w*t+float64(i)*math.Pi/6)
		counts[i] = int32(math.Round(v * cfg.CountsPerUnit))
	}
	return rdt.Response{
		SequenceIndex:         seq,
		InternalSequenceIndex: seq,
		Fx:                    counts[0],
		Fy:                    counts[1],
		Fz:                    counts[2],
		Tx:                    counts[3],
		Ty:                    counts[4],
		Tz:                    counts[5],
	}
}

// Serve handles commands until ctx is done or the device is closed.
func (d *Device) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()
	defer d.stop()

	buf := make([]byte, 64)
	for {
		n, peer, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Logf("simulator read error: %v", err)
			continue
		}
		req, err := rdt.DecodeRequest(buf[:n])
		if err != nil {
			continue
		}
		switch req.Command {
		case rdt.StartHighSpeedRealtimeStream:
			// realtime streams run until STOP_STREAM whatever the count says
			d.start(ctx, peer, 0)
		case rdt.StartHighSpeedBufferedStream:
			d.start(ctx, peer, req.SampleCount)
		case rdt.StopStream:
			d.stop()
		default:
			// other commands are accepted and ignored
		}
	}
}

// Close stops streaming and closes the socket.
func (d *Device) Close() error {
	d.stop()
	return d.conn.Close()
}

func (d *Device) start(ctx context.Context, peer *net.UDPAddr, count uint32) {
	d.stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	streamCtx, cancel := context.WithCancel(ctx)
	d.stopStream = cancel
	d.streamDone = make(chan struct{})
	go d.stream(streamCtx, peer, count, d.streamDone)
	monitoring.Logf("simulator streaming to %s", peer)
}

func (d *Device) stop() {
	d.mu.Lock()
	cancel, done := d.stopStream, d.streamDone
	d.stopStream, d.streamDone = nil, nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (d *Device) stream(ctx context.Context, peer *net.UDPAddr, count uint32, done chan struct{}) {
	defer close(done)

	interval := time.Duration(float64(time.Second) / d.cfg.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var sent uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp := d.Sample(d.seq.Add(1))
			if _, err := d.conn.WriteToUDP(rdt.EncodeResponse(resp), peer); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			d.sent.Add(1)
			sent++
			if count > 0 && sent >= count {
				d.finished(done)
				return
			}
		}
	}
}

// finished clears the stream state when a counted stream ends on its own.
func (d *Device) finished(done chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streamDone == done {
		d.stopStream()
		d.stopStream, d.streamDone = nil, nil
	}
}
