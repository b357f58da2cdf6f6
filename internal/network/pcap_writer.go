package network

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// CaptureWriter writes UDP datagrams as Ethernet/IPv4 frames in pcap format,
// suitable for replay through PCAPDialer.
type CaptureWriter struct {
	w       *pcapgo.Writer
	src     net.IP
	dst     net.IP
	srcPort layers.UDPPort
	dstPort layers.UDPPort
}

// NewCaptureWriter writes the pcap file header to w. Datagrams are recorded
// as sent from 192.168.1.1:srcPort to 192.168.1.100:dstPort.
func NewCaptureWriter(w io.Writer, srcPort, dstPort int) (*CaptureWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &CaptureWriter{
		w:       pw,
		src:     net.IPv4(192, 168, 1, 1).To4(),
		dst:     net.IPv4(192, 168, 1, 100).To4(),
		srcPort: layers.UDPPort(srcPort),
		dstPort: layers.UDPPort(dstPort),
	}, nil
}

// WriteDatagram records payload with capture timestamp ts.
func (c *CaptureWriter) WriteDatagram(ts time.Time, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x16, 0x5c, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x00, 0x16, 0x5c, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    c.src,
		DstIP:    c.dst,
	}
	udp := &layers.UDP{SrcPort: c.srcPort, DstPort: c.dstPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialize datagram: %w", err)
	}
	data := buf.Bytes()
	return c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}
