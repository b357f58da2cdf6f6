// Package rdt implements the wire format of the raw data transfer (RDT)
// protocol spoken by network force/torque transducers over UDP.
//
// Requests are 8 bytes and responses are 36 bytes, both big-endian.
package rdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderMagic is written in the first two bytes of every request.
	HeaderMagic uint16 = 0x1234

	// RequestSize is the encoded size of a Request.
	RequestSize = 8

	// ResponseSize is the encoded size of a Response.
	ResponseSize = 36
)

// ErrMalformedPacket is returned by Decode for datagrams shorter than ResponseSize.
var ErrMalformedPacket = errors.New("malformed rdt packet")

// Command identifies a protocol operation.
type Command uint16

const (
	StopStream                   Command = 0x0000
	StartHighSpeedRealtimeStream Command = 0x0002
	StartHighSpeedBufferedStream Command = 0x0003
	StartMultiUnitStreaming      Command = 0x0004
	ResetThresholdLatch          Command = 0x0041
	SetSoftwareBias              Command = 0x0042
)

func (c Command) String() string {
	switch c {
	case StopStream:
		return "STOP_STREAM"
	case StartHighSpeedRealtimeStream:
		return "START_HIGH_SPEED_REALTIME_STREAM"
	case StartHighSpeedBufferedStream:
		return "START_HIGH_SPEED_BUFFERED_STREAM"
	case StartMultiUnitStreaming:
		return "START_MULTI_UNIT_STREAMING"
	case ResetThresholdLatch:
		return "RESET_THRESHOLD_LATCH"
	case SetSoftwareBias:
		return "SET_SOFTWARE_BIAS"
	default:
		return fmt.Sprintf("Command(0x%04x)", uint16(c))
	}
}

// Request is a command sent to the device.
type Request struct {
	Header      uint16
	Command     Command
	SampleCount uint32
}

// NewRequest builds a request for cmd with a sample count of zero, which
// asks the device for an unbounded stream.
func NewRequest(cmd Command) Request {
	return NewRequestWithCount(cmd, 0)
}

// NewRequestWithCount builds a request for cmd limited to n samples.
func NewRequestWithCount(cmd Command, n uint32) Request {
	return Request{Header: HeaderMagic, Command: cmd, SampleCount: n}
}

// Response is one decoded sample datagram. Load fields are raw counts.
type Response struct {
	SequenceIndex         uint32
	InternalSequenceIndex uint32
	Status                uint32
	Fx, Fy, Fz            int32
	Tx, Ty, Tz            int32
}

// Encode returns the 8-byte wire form of cmd with the given sample count.
func Encode(cmd Command, sampleCount uint32) []byte {
	buf := make([]byte, RequestSize)
	binary.BigEndian.PutUint16(buf[0:2], HeaderMagic)
	binary.BigEndian.PutUint16(buf[2:4], uint16(cmd))
	binary.BigEndian.PutUint32(buf[4:8], sampleCount)
	return buf
}

// EncodeRequest encodes r. The header is always HeaderMagic; r.Header is ignored.
func EncodeRequest(r Request) []byte {
	return Encode(r.Command, r.SampleCount)
}

// DecodeRequest parses a request datagram. It is used by the device side
// (simulator) and rejects short buffers and a wrong header.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < RequestSize {
		return Request{}, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedPacket, len(b), RequestSize)
	}
	r := Request{
		Header:      binary.BigEndian.Uint16(b[0:2]),
		Command:     Command(binary.BigEndian.Uint16(b[2:4])),
		SampleCount: binary.BigEndian.Uint32(b[4:8]),
	}
	if r.Header != HeaderMagic {
		return Request{}, fmt.Errorf("%w: bad header 0x%04x", ErrMalformedPacket, r.Header)
	}
	return r, nil
}

// Decode parses a response datagram. Bytes past ResponseSize are ignored.
// Sequence continuity and status bits are not checked.
func Decode(b []byte) (Response, error) {
	if len(b) < ResponseSize {
		return Response{}, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedPacket, len(b), ResponseSize)
	}
	return Response{
		SequenceIndex:         binary.BigEndian.Uint32(b[0:4]),
		InternalSequenceIndex: binary.BigEndian.Uint32(b[4:8]),
		Status:                binary.BigEndian.Uint32(b[8:12]),
		Fx:                    int32(binary.BigEndian.Uint32(b[12:16])),
		Fy:                    int32(binary.BigEndian.Uint32(b[16:20])),
		Fz:                    int32(binary.BigEndian.Uint32(b[20:24])),
		Tx:                    int32(binary.BigEndian.Uint32(b[24:28])),
		Ty:                    int32(binary.BigEndian.Uint32(b[28:32])),
		Tz:                    int32(binary.BigEndian.Uint32(b[32:36])),
	}, nil
}

// EncodeResponse returns the 36-byte wire form of r.
func EncodeResponse(r Response) []byte {
	buf := make([]byte, ResponseSize)
	binary.BigEndian.PutUint32(buf[0:4], r.SequenceIndex)
	binary.BigEndian.PutUint32(buf[4:8], r.InternalSequenceIndex)
	binary.BigEndian.PutUint32(buf[8:12], r.Status)
	binary.BigEndian.PutUint32(buf[12:16], uint32(r.Fx))
	binary.BigEndian.PutUint32(buf[16:20], uint32(r.Fy))
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Fz))
	binary.BigEndian.PutUint32(buf[24:28], uint32(r.Tx))
	binary.BigEndian.PutUint32(buf[28:32], uint32(r.Ty))
	binary.BigEndian.PutUint32(buf[32:36], uint32(r.Tz))
	return buf
}
