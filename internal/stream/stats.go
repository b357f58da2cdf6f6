package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/ftsensor/internal/monitoring"
)

// PacketStats tracks datagram statistics with thread-safe operations.
// Interval counters are cleared by GetAndReset; totals are cumulative.
type PacketStats struct {
	mu        sync.Mutex
	interval  StatsSnapshot
	total     StatsSnapshot
	lastReset time.Time
}

// StatsSnapshot is a copy of the counters.
type StatsSnapshot struct {
	Packets        int64         `json:"packets"`
	Bytes          int64         `json:"bytes"`
	Readings       int64         `json:"readings"`
	Malformed      int64         `json:"malformed"`
	ReadErrors     int64         `json:"read_errors"`
	ForwardDropped int64         `json:"forward_dropped"`
	Duration       time.Duration `json:"duration_ns,omitempty"`
}

// NewPacketStats creates a new PacketStats instance
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

func (ps *PacketStats) add(f func(s *StatsSnapshot)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	f(&ps.interval)
	f(&ps.total)
}

// AddPacket counts one received datagram of the given size.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.add(func(s *StatsSnapshot) {
		s.Packets++
		s.Bytes += int64(bytes)
	})
}

// AddReading counts one decoded and delivered reading.
func (ps *PacketStats) AddReading() {
	ps.add(func(s *StatsSnapshot) { s.Readings++ })
}

// AddMalformed counts a datagram dropped by the decoder.
func (ps *PacketStats) AddMalformed() {
	ps.add(func(s *StatsSnapshot) { s.Malformed++ })
}

// AddReadError counts a transient read failure.
func (ps *PacketStats) AddReadError() {
	ps.add(func(s *StatsSnapshot) { s.ReadErrors++ })
}

// AddForwardDropped counts a datagram the forwarder could not queue.
func (ps *PacketStats) AddForwardDropped() {
	ps.add(func(s *StatsSnapshot) { s.ForwardDropped++ })
}

// GetAndReset returns the interval counters and clears them.
func (ps *PacketStats) GetAndReset() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	out := ps.interval
	out.Duration = now.Sub(ps.lastReset)
	ps.interval = StatsSnapshot{}
	ps.lastReset = now
	return out
}

// Totals returns the cumulative counters.
func (ps *PacketStats) Totals() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.total
}

// LogStats logs per-second rates for the interval since the last call.
func (ps *PacketStats) LogStats() {
	s := ps.GetAndReset()
	if s.Packets == 0 && s.Malformed == 0 && s.ReadErrors == 0 {
		return
	}
	secs := s.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	logMsg := fmt.Sprintf("RDT stats (/sec): %.1f packets, %.1f KB, %s readings",
		float64(s.Packets)/secs, float64(s.Bytes)/secs/1024, FormatWithCommas(int64(float64(s.Readings)/secs)))
	if s.Malformed > 0 {
		logMsg += fmt.Sprintf(", %d malformed", s.Malformed)
	}
	if s.ReadErrors > 0 {
		logMsg += fmt.Sprintf(", %d read errors", s.ReadErrors)
	}
	if s.ForwardDropped > 0 {
		logMsg += fmt.Sprintf(", %d dropped on forward", s.ForwardDropped)
	}
	monitoring.Logf("%s", logMsg)
}

// FormatWithCommas formats a number with thousands separators
func FormatWithCommas(n int64) string {
	if n < 0 {
		return "-" + FormatWithCommas(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}
