package capture

import (
	"net"
	"testing"
	"time"

	"github.com/magnopus-opensource/blackhole-server/internal/freed"
)

func sendPacket(t *testing.T, addr net.Addr, data []byte) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSingleDeviceThreadBuffersUnderConfiguredName(t *testing.T) {
	stop := make(chan struct{})
	th := NewSingleDeviceThread(freedProtocol{}, "camera-a", 24, 0, stop)
	if err := th.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pkt := &freed.Packet{CameraID: 7, X: 100, Y: 200, Z: 300}
	sendPacket(t, th.LocalAddr(), freed.Encode(pkt))

	time.Sleep(50 * time.Millisecond)
	close(stop)
	buffers := th.StopAndJoin()

	samples, ok := buffers["camera-a"]
	if !ok || len(samples) != 1 {
		t.Fatalf("buffers = %+v, want one sample keyed \"camera-a\"", buffers)
	}
	if _, present := buffers["7"]; present {
		t.Errorf("single-device thread must not key by the packet's own camera id")
	}
}

func TestMultiDeviceThreadBuffersUnderProtocolKey(t *testing.T) {
	stop := make(chan struct{})
	th := NewMultiDeviceThread(freedProtocol{}, 24, 0, stop)
	if err := th.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sendPacket(t, th.LocalAddr(), freed.Encode(&freed.Packet{CameraID: 3, X: 1}))
	sendPacket(t, th.LocalAddr(), freed.Encode(&freed.Packet{CameraID: 9, X: 2}))

	time.Sleep(50 * time.Millisecond)
	close(stop)
	buffers := th.StopAndJoin()

	if len(buffers["3"]) != 1 || len(buffers["9"]) != 1 {
		t.Fatalf("buffers = %+v, want one sample each under \"3\" and \"9\"", buffers)
	}
}

func TestCorruptPacketIsDroppedNotBuffered(t *testing.T) {
	stop := make(chan struct{})
	th := NewMultiDeviceThread(freedProtocol{}, 24, 0, stop)
	if err := th.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	data := freed.Encode(&freed.Packet{CameraID: 1, X: 1})
	data[len(data)-1] ^= 0xFF // corrupt checksum
	sendPacket(t, th.LocalAddr(), data)

	time.Sleep(50 * time.Millisecond)
	close(stop)
	buffers := th.StopAndJoin()

	if len(buffers) != 0 {
		t.Errorf("buffers = %+v, want empty (packet should have been dropped)", buffers)
	}
	if th.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", th.Dropped())
	}
}

func TestStopAndJoinSnapshotIsIndependentOfFurtherActivity(t *testing.T) {
	stop := make(chan struct{})
	th := NewSingleDeviceThread(freedProtocol{}, "camera-a", 24, 0, stop)
	if err := th.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sendPacket(t, th.LocalAddr(), freed.Encode(&freed.Packet{CameraID: 1, X: 1}))
	time.Sleep(50 * time.Millisecond)
	close(stop)

	snap := th.StopAndJoin()
	snap["camera-a"] = append(snap["camera-a"], Sample{X: 999})

	snap2 := th.StopAndJoin()
	if len(snap2["camera-a"]) != 1 {
		t.Errorf("mutating a snapshot must not leak into the thread's internal state")
	}
}

func TestAddDeviceConfigFailsAfterStart(t *testing.T) {
	stop := make(chan struct{})
	th := NewMultiDeviceThread(freedProtocol{}, 24, 0, stop)
	if err := th.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer close(stop)

	if err := th.AddDeviceConfig(DeviceConfig{Name: "late"}); err != ErrIllegalState {
		t.Errorf("AddDeviceConfig after Start: got %v, want ErrIllegalState", err)
	}
}

func TestBindFailureReturnsBindError(t *testing.T) {
	stop := make(chan struct{})
	first := NewMultiDeviceThread(freedProtocol{}, 24, 0, stop)
	if err := first.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		close(stop)
		first.StopAndJoin()
	}()

	port := first.LocalAddr().(*net.UDPAddr).Port
	second := NewMultiDeviceThread(freedProtocol{}, 24, port, make(chan struct{}))
	err := second.Start()
	if err == nil {
		t.Fatal("expected a bind error when two threads claim the same port")
	}
	if _, ok := err.(*BindError); !ok {
		t.Errorf("error = %v (%T), want *BindError", err, err)
	}
}
