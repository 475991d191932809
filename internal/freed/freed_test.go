package freed

import "testing"

func TestDecodeNonTransformHeaderIsNil(t *testing.T) {
	data := make([]byte, PacketSize)
	data[0] = 0xA1 // not 0xD1
	if p := Decode(data); p != nil {
		t.Errorf("Decode with header 0xA1: expected nil, got %+v", p)
	}
}

func TestDecodeEmptyIsNil(t *testing.T) {
	if p := Decode(nil); p != nil {
		t.Errorf("Decode(nil): expected nil, got %+v", p)
	}
}

func TestDecodeWrongLengthMarksInvalid(t *testing.T) {
	for _, n := range []int{28, 30} {
		data := make([]byte, n)
		data[0] = 0xD1
		p := Decode(data)
		if p == nil {
			t.Fatalf("Decode with length %d: expected non-nil packet", n)
		}
		if p.Valid {
			t.Errorf("Decode with length %d: expected Valid=false", n)
		}
	}
}

func TestChecksumValidProperty(t *testing.T) {
	// For all 29-byte frames with correct header: checksum_valid(b) iff
	// ((0x40 - sum(b)) mod 256) == 0 (spec.md §8).
	data := make([]byte, PacketSize)
	data[0] = 0xD1
	for i := 1; i < PacketSize-1; i++ {
		data[i] = byte(i * 7)
	}

	var sum byte
	for _, b := range data[:PacketSize-1] {
		sum += b
	}
	data[PacketSize-1] = (0x40 - sum) & 0xFF

	if !ChecksumValid(data) {
		t.Fatal("expected checksum to validate")
	}

	data[PacketSize-1]++
	if ChecksumValid(data) {
		t.Fatal("flipping the checksum byte should invalidate it")
	}
}

func TestCorruptChecksumDropped(t *testing.T) {
	p := &Packet{CameraID: 3, Pan: 10, Tilt: -5, Roll: 1, X: 100, Y: 200, Z: 300, Zoom: 42, Focus: 7}
	data := Encode(p)
	data[len(data)-1] ^= 0xFF // flip the checksum byte

	decoded := Decode(data)
	if decoded == nil {
		t.Fatal("expected a non-nil packet even with a corrupt checksum")
	}
	if decoded.Valid {
		t.Fatal("expected Valid=false for corrupt checksum")
	}
}

func TestRoundTripExactness(t *testing.T) {
	cases := []*Packet{
		{CameraID: 0, Pan: 0, Tilt: 0, Roll: 0, X: 0, Y: 0, Z: 0, Zoom: 0, Focus: 0},
		{CameraID: 255, Pan: 179.999969, Tilt: -179.999969, Roll: 90, X: 131071.984375, Y: -131072, Z: 1.5, Zoom: 0xFFFFFF, Focus: 1},
	}
	for _, want := range cases {
		encoded := Encode(want)
		got := Decode(encoded)
		if got == nil {
			t.Fatalf("Decode(Encode(%+v)): got nil", want)
		}
		if !got.Valid {
			t.Fatalf("Decode(Encode(%+v)): checksum invalid", want)
		}
		if got.CameraID != want.CameraID || got.Zoom != want.Zoom || got.Focus != want.Focus {
			t.Errorf("round trip mismatch on integer fields: got %+v, want %+v", got, want)
		}
		const eps = 1.0 / (1 << 15)
		if diff(got.Pan, want.Pan) > eps || diff(got.Tilt, want.Tilt) > eps || diff(got.Roll, want.Roll) > eps {
			t.Errorf("round trip mismatch on rotation fields: got %+v, want %+v", got, want)
		}
		const eps6 = 1.0 / (1 << 6)
		if diff(got.X, want.X) > eps6 || diff(got.Y, want.Y) > eps6 || diff(got.Z, want.Z) > eps6 {
			t.Errorf("round trip mismatch on position fields: got %+v, want %+v", got, want)
		}
	}
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestMostNegativePositionField(t *testing.T) {
	// Position field 0x800000 (most-negative 24-bit signed value) decodes
	// to -8388608 / 64 cm ~= -131072.0 (spec.md §8).
	b := []byte{0x80, 0x00, 0x00}
	got := fixedPoint(b, 6)
	want := -131072.0
	if got != want {
		t.Errorf("fixedPoint(0x800000, 6) = %v, want %v", got, want)
	}
}

func TestCoordinateConversion(t *testing.T) {
	p := &Packet{Pan: 10, Tilt: 20, Roll: 30, X: 100, Y: 200, Z: 300}
	got := p.ToUSD()
	want := Transform{
		X:     20, // pos_y / 10
		Y:     30, // pos_z / 10
		Z:     10, // pos_x / 10
		Pitch: 20, // rot_tilt
		Yaw:   -100, // -(rot_pan + 90)
		Roll:  30,
	}
	if got != want {
		t.Errorf("ToUSD() = %+v, want %+v", got, want)
	}
}

func TestDecodeZeroLengthDatagramIsNil(t *testing.T) {
	// Not a protocol behavior per se, but documents that a zero-length
	// datagram is never mistaken for a transform message.
	if p := Decode([]byte{}); p != nil {
		t.Errorf("Decode([]byte{}) = %+v, want nil", p)
	}
}
