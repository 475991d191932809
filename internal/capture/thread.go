package capture

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/magnopus-opensource/blackhole-server/internal/timecode"
)

// State is a capture thread's lifecycle stage.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// BindError wraps a failure to bind a capture thread's UDP listening port.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("capture: cannot bind UDP port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ErrIllegalState is returned by AddDeviceConfig once a thread has left the
// created state (spec.md §4.3: "attempts to attach after start() fail with
// IllegalState").
var ErrIllegalState = errors.New("capture: cannot attach a device once a thread has started")

// DeviceConfig names one tracked device and where to find it.
type DeviceConfig struct {
	Name     string
	Port     int
	Protocol ProtocolID
}

// Thread listens on a single UDP port, decodes every datagram it receives
// with Protocol, and buffers the resulting Samples in memory keyed by
// device until StopAndJoin is called. Single-device threads key every
// sample under their one configured device name; multi-device threads key
// each sample under whatever identifier Protocol.Decode reports for it
// (spec.md §4.3, "Multi-device capability").
type Thread struct {
	Port      int
	Protocol  Protocol
	FrameRate int

	mu            sync.Mutex
	state         State
	deviceName    string // non-empty only for single-device threads
	deviceConfigs []DeviceConfig
	conn          *net.UDPConn
	buffers       map[string][]Sample
	dropped       int

	stop <-chan struct{}
	done chan struct{}
}

// NewSingleDeviceThread builds a thread whose every sample is attributed to
// deviceName, regardless of whatever key the protocol itself reports.
func NewSingleDeviceThread(protocol Protocol, deviceName string, frameRate, port int, stop <-chan struct{}) *Thread {
	return newThread(protocol, frameRate, port, deviceName, stop)
}

// NewMultiDeviceThread builds a thread that keys each sample by the
// protocol-reported identifier in the packet itself. It must be given a
// protocol whose SupportsMultiDevice is true.
func NewMultiDeviceThread(protocol Protocol, frameRate, port int, stop <-chan struct{}) *Thread {
	return newThread(protocol, frameRate, port, "", stop)
}

func newThread(protocol Protocol, frameRate, port int, deviceName string, stop <-chan struct{}) *Thread {
	return &Thread{
		Port:       port,
		Protocol:   protocol,
		FrameRate:  frameRate,
		deviceName: deviceName,
		stop:       stop,
		buffers:    make(map[string][]Sample),
		done:       make(chan struct{}),
	}
}

// SupportsMultiDevice reports the underlying protocol's multiplexing
// capability.
func (t *Thread) SupportsMultiDevice() bool { return t.Protocol.SupportsMultiDevice() }

// State reports the thread's current lifecycle stage.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Dropped reports how many datagrams failed to decode or validate.
func (t *Thread) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// LocalAddr reports the thread's bound socket address, or nil before Start
// succeeds. Useful when Port is 0 and the OS assigns an ephemeral port.
func (t *Thread) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// AddDeviceConfig attaches another device's configuration to a multi-device
// thread before it starts. It is purely bookkeeping — which devices a port
// is expected to carry — and fails once the thread has started.
func (t *Thread) AddDeviceConfig(cfg DeviceConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCreated {
		return ErrIllegalState
	}
	t.deviceConfigs = append(t.deviceConfigs, cfg)
	return nil
}

// Start binds the thread's UDP port and spawns its capture loop. It returns
// a *BindError if the port cannot be bound; the caller (the supervisor) is
// expected to log that and skip the device rather than abort the whole
// session (spec.md §4.4).
func (t *Thread) Start() error {
	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return fmt.Errorf("capture: thread for port %d already started", t.Port)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: t.Port})
	if err != nil {
		t.mu.Unlock()
		return &BindError{Port: t.Port, Err: err}
	}

	t.conn = conn
	t.state = StateRunning
	t.mu.Unlock()

	go t.run()
	return nil
}

// run is the capture loop: wait up to a second for a datagram, check the
// stop signal between reads, decode whatever arrives, and stamp it with the
// current system timecode before buffering it (spec.md §4.3).
func (t *Thread) run() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("capture[port %d]: recovered from %v", t.Port, r)
		}
		t.cleanup()
		close(t.done)
	}()

	buf := make([]byte, t.Protocol.PacketSize())
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // just a poll tick; recheck the stop signal
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("capture[port %d]: read error: %v", t.Port, err)
			continue
		}

		sample, key, ok := t.Protocol.Decode(buf[:n])
		if !ok {
			t.mu.Lock()
			t.dropped++
			t.mu.Unlock()
			continue
		}

		frame, err := timecode.SystemTimecodeAsFrames(t.FrameRate)
		if err != nil {
			// Frame rate is validated before a session ever starts
			// capture threads; this is unreachable in practice.
			continue
		}
		sample.TimecodeKey = frame

		bufferKey := key
		if t.deviceName != "" {
			bufferKey = t.deviceName
		}

		t.mu.Lock()
		t.buffers[bufferKey] = append(t.buffers[bufferKey], sample)
		t.mu.Unlock()
	}
}

func (t *Thread) cleanup() {
	t.mu.Lock()
	t.state = StateDraining
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	t.mu.Lock()
	t.state = StateTerminated
	t.mu.Unlock()
}

// StopAndJoin blocks until the capture loop has exited and its socket is
// closed, then returns an immutable snapshot of every sample buffered
// during the run, keyed by device (spec.md §4.3, §9 "data_to_export
// shape"). It does not itself signal the stop — that is the shared channel
// passed to the constructor, closed once by whoever owns the recording
// session.
func (t *Thread) StopAndJoin() map[string][]Sample {
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[string][]Sample, len(t.buffers))
	for k, v := range t.buffers {
		cp := make([]Sample, len(v))
		copy(cp, v)
		snapshot[k] = cp
	}
	return snapshot
}
