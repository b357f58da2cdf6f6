package rdt

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeCommands(t *testing.T) {
	tests := []struct {
		name  string
		cmd   Command
		count uint32
		want  []byte
	}{
		{"stop", StopStream, 0, []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"start realtime", StartHighSpeedRealtimeStream, 0, []byte{0x12, 0x34, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00}},
		{"buffered with count", StartHighSpeedBufferedStream, 0x01020304, []byte{0x12, 0x34, 0x00, 0x03, 0x01, 0x02, 0x03, 0x04}},
		{"set bias", SetSoftwareBias, 0, []byte{0x12, 0x34, 0x00, 0x42, 0x00, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.cmd, tt.count)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Encode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeRequestIgnoresHeaderField(t *testing.T) {
	r := Request{Header: 0xBEEF, Command: StartHighSpeedRealtimeStream}
	got := EncodeRequest(r)
	want := []byte{0x12, 0x34, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EncodeRequest mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRequestDefaults(t *testing.T) {
	r := NewRequest(StopStream)
	want := Request{Header: HeaderMagic, Command: StopStream, SampleCount: 0}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("NewRequest mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRequest(t *testing.T) {
	r, err := DecodeRequest(Encode(StartHighSpeedBufferedStream, 10))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if r.Command != StartHighSpeedBufferedStream || r.SampleCount != 10 {
		t.Fatalf("unexpected request: %+v", r)
	}

	bad := Encode(StopStream, 0)
	bad[0] = 0xFF
	if _, err := DecodeRequest(bad); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket for bad header, got %v", err)
	}
	if _, err := DecodeRequest([]byte{0x12, 0x34}); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket for short request, got %v", err)
	}
}

func TestDecodeKnownBytes(t *testing.T) {
	b := []byte{
		0x00, 0x00, 0x00, 0x01, // seq
		0x00, 0x00, 0x00, 0x02, // ft seq
		0x80, 0x00, 0x00, 0x00, // status
		0x00, 0x0F, 0x42, 0x40, // fx = 1,000,000
		0xFF, 0xFF, 0xFF, 0xFF, // fy = -1
		0x80, 0x00, 0x00, 0x00, // fz = min int32
		0x7F, 0xFF, 0xFF, 0xFF, // tx = max int32
		0x00, 0x00, 0x00, 0x00, // ty
		0xFF, 0xF0, 0xBD, 0xC0, // tz = -1,000,000
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := Response{
		SequenceIndex:         1,
		InternalSequenceIndex: 2,
		Status:                0x80000000,
		Fx:                    1000000,
		Fy:                    -1,
		Fz:                    math.MinInt32,
		Tx:                    math.MaxInt32,
		Ty:                    0,
		Tz:                    -1000000,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := []Response{
		{},
		{SequenceIndex: math.MaxUint32, InternalSequenceIndex: math.MaxUint32, Status: math.MaxUint32,
			Fx: math.MaxInt32, Fy: math.MinInt32, Fz: -1, Tx: 1, Ty: math.MinInt32, Tz: math.MaxInt32},
	}
	for i := 0; i < 200; i++ {
		cases = append(cases, Response{
			SequenceIndex:         rng.Uint32(),
			InternalSequenceIndex: rng.Uint32(),
			Status:                rng.Uint32(),
			Fx:                    int32(rng.Uint32()),
			Fy:                    int32(rng.Uint32()),
			Fz:                    int32(rng.Uint32()),
			Tx:                    int32(rng.Uint32()),
			Ty:                    int32(rng.Uint32()),
			Tz:                    int32(rng.Uint32()),
		})
	}
	for _, want := range cases {
		got, err := Decode(EncodeResponse(want))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecodeShortBuffers(t *testing.T) {
	full := EncodeResponse(Response{Fx: 7})
	for n := 0; n < ResponseSize; n++ {
		// cap the slice so a read past n would panic instead of seeing stale bytes
		_, err := Decode(full[:n:n])
		if !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("len %d: expected ErrMalformedPacket, got %v", n, err)
		}
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	b := append(EncodeResponse(Response{SequenceIndex: 9, Tz: -5}), 0xAA, 0xBB)
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SequenceIndex != 9 || got.Tz != -5 {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestCommandString(t *testing.T) {
	if got := StartHighSpeedRealtimeStream.String(); got != "START_HIGH_SPEED_REALTIME_STREAM" {
		t.Errorf("String() = %q", got)
	}
	if got := Command(0x99).String(); got != "Command(0x0099)" {
		t.Errorf("String() = %q", got)
	}
}
