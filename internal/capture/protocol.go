package capture

import (
	"strconv"

	"github.com/magnopus-opensource/blackhole-server/internal/freed"
)

// ProtocolID identifies a wire protocol a capture thread can speak.
type ProtocolID string

// FreeD is the only tracking protocol Blackhole currently implements.
const FreeD ProtocolID = "FreeD"

// Sample is one decoded pose reading in USD's target coordinate frame,
// before the timecode key is stamped on by the capture thread.
type Sample struct {
	X, Y, Z          float64 // centimetres
	Pitch, Yaw, Roll float64 // degrees
	TimecodeKey      int
}

// Protocol is the capability set a capture thread needs from a wire
// format: its fixed packet size, whether multiple devices can share one
// UDP port under this protocol, and how to turn a raw datagram into a
// Sample plus the key identifying which device it came from (spec.md §9,
// "Abstract-base capture").
type Protocol interface {
	ID() ProtocolID
	PacketSize() int

	// SupportsMultiDevice reports whether streams from more than one
	// device can be multiplexed over a single UDP port under this
	// protocol (spec.md §4.3).
	SupportsMultiDevice() bool

	// Decode parses a raw datagram into a Sample. key is only meaningful
	// when SupportsMultiDevice is true: it is the protocol-reported field
	// (e.g. FreeD's camera_id) identifying the originating device. ok is
	// false when the datagram failed to parse or its checksum didn't
	// validate — such packets are dropped, not errors.
	Decode(data []byte) (sample Sample, key string, ok bool)
}

// freedProtocol adapts the FreeD wire decoder to the Protocol interface.
type freedProtocol struct{}

func (freedProtocol) ID() ProtocolID { return FreeD }

func (freedProtocol) PacketSize() int { return freed.PacketSize }

// SupportsMultiDevice is true: FreeD carries a camera_id field, so
// several cameras can share one listening port.
func (freedProtocol) SupportsMultiDevice() bool { return true }

func (freedProtocol) Decode(data []byte) (Sample, string, bool) {
	pkt := freed.Decode(data)
	if pkt == nil || !pkt.Valid {
		return Sample{}, "", false
	}
	t := pkt.ToUSD()
	return Sample{
		X: t.X, Y: t.Y, Z: t.Z,
		Pitch: t.Pitch, Yaw: t.Yaw, Roll: t.Roll,
	}, strconv.Itoa(int(pkt.CameraID)), true
}

// registry is the compile-time protocol→constructor table referenced by
// spec.md §9's "Dynamic protocol dispatch" design note: the Python
// original resolves a capture class by importing a module named after
// the protocol string at runtime, so an unknown protocol only fails once
// a device using it tries to start. Here, an unrecognized ProtocolID is
// simply absent from this map — a typed, checkable failure at supervisor
// build time rather than a load-time one.
var registry = map[ProtocolID]func() Protocol{
	FreeD: func() Protocol { return freedProtocol{} },
}

// Lookup resolves a protocol constructor by identifier.
func Lookup(id ProtocolID) (Protocol, bool) {
	ctor, ok := registry[id]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Register adds (or overrides) a protocol constructor. It exists for
// tests that need a protocol with different multiplexing capabilities
// than FreeD; production wiring only ever registers FreeD.
func Register(id ProtocolID, ctor func() Protocol) {
	registry[id] = ctor
}
