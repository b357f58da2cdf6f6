package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPDialer replays a packet capture of device traffic as if it were a live
// connection. Only UDP datagrams sent from the dialed port are returned.
// Writes (stream commands) are accepted and discarded.
type PCAPDialer struct {
	Path string
	// Realtime paces reads using the capture timestamps.
	Realtime bool
}

// Dial opens the capture file. host is ignored; port selects the device's
// source port in the capture (0 accepts every UDP datagram).
func (d *PCAPDialer) Dial(ctx context.Context, host string, port int) (Conn, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", d.Path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP header %s: %w", d.Path, err)
	}
	return &pcapConn{
		file:     f,
		source:   gopacket.NewPacketSource(r, r.LinkType()),
		port:     port,
		realtime: d.Realtime,
		path:     d.Path,
		closed:   make(chan struct{}),
	}, nil
}

type pcapConn struct {
	file     *os.File
	source   *gopacket.PacketSource
	port     int
	realtime bool
	path     string

	closeOnce sync.Once
	closed    chan struct{}

	// pacing state, only touched by the reading goroutine
	started   bool
	firstTS   time.Time
	wallStart time.Time
	count     int
}

func (c *pcapConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Read returns the payload of the next matching UDP datagram, or io.EOF at
// the end of the capture.
func (c *pcapConn) Read(b []byte) (int, error) {
	for {
		if c.isClosed() {
			return 0, net.ErrClosed
		}
		packet, err := c.source.NextPacket()
		if err != nil {
			if c.isClosed() {
				return 0, net.ErrClosed
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, io.EOF
			}
			return 0, err
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if c.port > 0 && int(udp.SrcPort) != c.port {
			continue
		}

		if c.realtime {
			if err := c.pace(packet.Metadata().Timestamp); err != nil {
				return 0, err
			}
		}
		c.count++
		return copy(b, udp.Payload), nil
	}
}

func (c *pcapConn) pace(ts time.Time) error {
	if !c.started {
		c.started = true
		c.firstTS = ts
		c.wallStart = time.Now()
		return nil
	}
	wait := time.Until(c.wallStart.Add(ts.Sub(c.firstTS)))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *pcapConn) Write(b []byte) (int, error) {
	if c.isClosed() {
		return 0, net.ErrClosed
	}
	return len(b), nil
}

func (c *pcapConn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.file.Close()
	})
	return err
}

func (c *pcapConn) LocalAddr() net.Addr  { return pcapAddr(c.path) }
func (c *pcapConn) RemoteAddr() net.Addr { return pcapAddr(c.path) }

type pcapAddr string

func (a pcapAddr) Network() string { return "pcap" }
func (a pcapAddr) String() string  { return string(a) }
