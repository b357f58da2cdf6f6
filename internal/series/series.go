// Package series keeps a bounded window of recent readings for plotting and
// taring.
package series

import (
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ftsensor/internal/sensor"
)

// Buffer is a fixed-capacity ring of readings, safe for concurrent use.
// Add is cheap enough to run as a controller listener.
type Buffer struct {
	mu    sync.RWMutex
	data  []sensor.Reading
	next  int
	count int
}

// NewBuffer creates a buffer holding at most capacity readings.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{data: make([]sensor.Reading, capacity)}
}

// Add appends r, evicting the oldest reading when full.
func (b *Buffer) Add(r sensor.Reading) {
	b.mu.Lock()
	b.data[b.next] = r
	b.next = (b.next + 1) % len(b.data)
	if b.count < len(b.data) {
		b.count++
	}
	b.mu.Unlock()
}

// Len returns the number of buffered readings.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Last returns up to n most recent readings, oldest first. n <= 0 returns all.
func (b *Buffer) Last(n int) []sensor.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]sensor.Reading, n)
	start := (b.next - n + len(b.data)) % len(b.data)
	for i := 0; i < n; i++ {
		out[i] = b.data[(start+i)%len(b.data)]
	}
	return out
}

// Reset discards all readings.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.next = 0
	b.count = 0
	b.mu.Unlock()
}

// AxisStats holds per-axis mean and standard deviation.
type AxisStats struct {
	Mean   sensor.Vector3 `json:"mean"`
	StdDev sensor.Vector3 `json:"stddev"`
}

// Stats summarizes a window of readings.
type Stats struct {
	Count  int       `json:"count"`
	Force  AxisStats `json:"force"`
	Torque AxisStats `json:"torque"`
}

// Stats computes per-axis statistics over the last n readings (all when n <= 0).
func (b *Buffer) Stats(n int) Stats {
	return Compute(b.Last(n))
}

// Compute returns per-axis statistics of readings. StdDev is zero for fewer
// than two readings.
func Compute(readings []sensor.Reading) Stats {
	s := Stats{Count: len(readings)}
	if len(readings) == 0 {
		return s
	}
	axis := make([]float64, len(readings))
	for i := 0; i < 3; i++ {
		for j, r := range readings {
			axis[j] = r.Force[i]
		}
		s.Force.Mean[i], s.Force.StdDev[i] = meanStdDev(axis)

		for j, r := range readings {
			axis[j] = r.Torque[i]
		}
		s.Torque.Mean[i], s.Torque.StdDev[i] = meanStdDev(axis)
	}
	return s
}

func meanStdDev(x []float64) (float64, float64) {
	if len(x) < 2 {
		return stat.Mean(x, nil), 0
	}
	return stat.MeanStdDev(x, nil)
}

// Bias returns the mean load of the window as a calibration bias.
func (s Stats) Bias() sensor.Bias {
	return sensor.Bias{Force: s.Force.Mean, Torque: s.Torque.Mean}
}
