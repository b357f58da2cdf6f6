package simulator

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ftsensor/internal/monitoring"
	"github.com/banshee-data/ftsensor/internal/network"
	"github.com/banshee-data/ftsensor/internal/rdt"
	"github.com/banshee-data/ftsensor/internal/sensor"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func startDevice(t *testing.T, cfg Config) *Device {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	d, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return d
}

func TestSample_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	a := Sample(cfg, 10)
	b := Sample(cfg, 10)
	assert.Equal(t, a, b)
	assert.Equal(t, uint32(10), a.SequenceIndex)

	// at t=0 only the per-axis phase and offset contribute
	zero := Sample(cfg, 0)
	assert.Equal(t, int32(0), zero.Fx)
	wantFz := int32(math.Round((-2 + 20*math.Sin(math.Pi/3)) * 1e6))
	assert.Equal(t, wantFz, zero.Fz)

	quarter := Sample(Config{Rate: 4, CountsPerUnit: 1, Amplitude: [6]float64{8}, Period: time.Second}, 1)
	assert.Equal(t, int32(8), quarter.Fx)
}

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{Rate: -1, Amplitude: [6]float64{1}}.WithDefaults()
	def := DefaultConfig()
	assert.Equal(t, def.Rate, got.Rate)
	assert.Equal(t, def.Period, got.Period)
	assert.Equal(t, def.CountsPerUnit, got.CountsPerUnit)
	assert.Equal(t, def.Addr, got.Addr)
	assert.Equal(t, [6]float64{1}, got.Amplitude)

	kept := Config{Addr: "127.0.0.1:0", Rate: 100, CountsPerUnit: 10, Period: time.Second}.WithDefaults()
	assert.Equal(t, Config{Addr: "127.0.0.1:0", Rate: 100, CountsPerUnit: 10, Period: time.Second}, kept)
}

func TestDevice_StartStopOverUDP(t *testing.T) {
	d := startDevice(t, Config{Rate: 1000})

	conn, err := net.DialUDP("udp", nil, d.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// short and unknown requests are ignored
	_, err = conn.Write([]byte{0x12})
	require.NoError(t, err)
	_, err = conn.Write(rdt.Encode(rdt.ResetThresholdLatch, 0))
	require.NoError(t, err)

	_, err = conn.Write(rdt.Encode(rdt.StartHighSpeedRealtimeStream, 0))
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var last uint32
	for i := 0; i < 5; i++ {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		resp, err := rdt.Decode(buf[:n])
		require.NoError(t, err)
		assert.Greater(t, resp.SequenceIndex, last)
		last = resp.SequenceIndex
	}
	assert.True(t, d.Streaming())

	_, err = conn.Write(rdt.Encode(rdt.StopStream, 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !d.Streaming() }, 2*time.Second, time.Millisecond)
}

func TestDevice_CountedStream(t *testing.T) {
	d := startDevice(t, Config{Rate: 2000})

	conn, err := net.DialUDP("udp", nil, d.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(rdt.Encode(rdt.StartHighSpeedBufferedStream, 3))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Sent() == 3 && !d.Streaming() }, 2*time.Second, time.Millisecond)
}

func TestDevice_RealtimeStreamIgnoresCount(t *testing.T) {
	d := startDevice(t, Config{Rate: 2000})

	conn, err := net.DialUDP("udp", nil, d.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(rdt.Encode(rdt.StartHighSpeedRealtimeStream, 3))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Sent() > 10 }, 2*time.Second, time.Millisecond)
	assert.True(t, d.Streaming())

	_, err = conn.Write(rdt.Encode(rdt.StopStream, 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !d.Streaming() }, 2*time.Second, time.Millisecond)
}

// TestController_EndToEnd drives the full pipeline over loopback UDP:
// controller, session, codec and the simulated device.
func TestController_EndToEnd(t *testing.T) {
	cfg := Config{Rate: 1000}
	d := startDevice(t, cfg)

	readings := make(chan sensor.Reading, 4096)
	c, err := sensor.New(context.Background(), "127.0.0.1", d.Addr().Port,
		sensor.WithDialer(network.NewUDPDialer(1<<20)),
		sensor.WithListener(func(r sensor.Reading) {
			select {
			case readings <- r:
			default:
			}
		}),
	)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.IsConnected())

	var got sensor.Reading
	for i := 0; i < 20; i++ {
		select {
		case got = <-readings:
		case <-time.After(2 * time.Second):
			t.Fatal("no readings from simulator")
		}
	}

	want := d.Sample(got.Sequence)
	assert.Equal(t, float64(want.Fx)/sensor.DefaultCountsPerUnit, got.Force[0])
	assert.Equal(t, float64(want.Tz)/sensor.DefaultCountsPerUnit, got.Torque[2])

	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	require.Eventually(t, func() bool { return !d.Streaming() }, 2*time.Second, time.Millisecond)
}
