package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/ftsensor/internal/monitoring"
)

// DropCounter records datagrams the forwarder had to discard.
type DropCounter interface {
	AddForwardDropped()
}

// PacketForwarder mirrors raw sensor datagrams to another UDP address so
// vendor tools can watch the same stream. Forwarding never blocks the caller.
type PacketForwarder struct {
	conn        io.WriteCloser
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
	closeOnce   sync.Once
	done        chan struct{}
}

// NewPacketForwarder creates a forwarder sending to addr ("host:port").
func NewPacketForwarder(addr string, stats DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	return newPacketForwarder(conn, addr, stats, logInterval), nil
}

func newPacketForwarder(conn io.WriteCloser, addr string, stats DropCounter, logInterval time.Duration) *PacketForwarder {
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, 1000),
		stats:       stats,
		logInterval: logInterval,
		address:     addr,
		done:        make(chan struct{}),
	}
}

// Start launches the forwarding goroutine. It exits when ctx is done or the
// forwarder is closed.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case packet := <-f.channel:
				if _, err := f.conn.Write(packet); err != nil {
					droppedCount++
					lastError = err
				}
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					monitoring.Logf("Dropped %d forwarded packets due to errors (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	monitoring.Logf("Forwarding packets to %s", f.address)
}

// ForwardAsync queues a copy of packet. When the queue is full the packet is
// dropped and counted.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		if f.stats != nil {
			f.stats.AddForwardDropped()
		}
	}
}

// Address returns the forwarding destination.
func (f *PacketForwarder) Address() string {
	return f.address
}

// Close stops the forwarding goroutine and closes the UDP connection.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.conn.Close()
	})
	return err
}
