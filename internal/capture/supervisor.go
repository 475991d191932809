package capture

import (
	"fmt"
	"log"
)

// ConfigError reports a device configuration problem severe enough to
// abort starting a recording session outright, rather than merely skip one
// device (spec.md §4.4, step 1: duplicate device names).
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// BuildThreads groups devices by port, resolves each device's protocol,
// and instantiates one capture thread per distinct port (spec.md §4.4,
// "Capture supervisor"):
//
//   - Duplicate device names abort the whole build with a *ConfigError.
//   - An unrecognized protocol skips just that device.
//   - The first device claiming a port starts a thread for it. A later
//     device on the same port joins that thread via AddDeviceConfig if the
//     thread's protocol matches and supports multiple devices; otherwise
//     that device is skipped and logged as a port conflict.
//   - Threads are started once every device has been attached. A bind
//     failure skips just that port's thread (and the devices attached to
//     it); every other thread still starts (spec.md §4.9, example 5).
//
// The returned threads are already running. The caller is responsible for
// closing stop to signal shutdown and calling StopAndJoin on each.
func BuildThreads(devices []DeviceConfig, frameRate int, stop <-chan struct{}) ([]*Thread, error) {
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if seen[d.Name] {
			return nil, &ConfigError{Msg: fmt.Sprintf("duplicate device name %q", d.Name)}
		}
		seen[d.Name] = true
	}

	byPort := make(map[int]*Thread)
	var threads []*Thread

	for _, d := range devices {
		proto, ok := Lookup(d.Protocol)
		if !ok {
			log.Printf("capture: device %q requests unknown protocol %q, skipping", d.Name, d.Protocol)
			continue
		}

		if existing, claimed := byPort[d.Port]; claimed {
			if existing.SupportsMultiDevice() && existing.Protocol.ID() == proto.ID() {
				if err := existing.AddDeviceConfig(d); err != nil {
					log.Printf("capture: cannot attach device %q to port %d: %v", d.Name, d.Port, err)
				}
				continue
			}
			log.Printf("capture: port %d conflict: device %q cannot share a port already claimed by protocol %s", d.Port, d.Name, existing.Protocol.ID())
			continue
		}

		var th *Thread
		if proto.SupportsMultiDevice() {
			th = NewMultiDeviceThread(proto, frameRate, d.Port, stop)
		} else {
			th = NewSingleDeviceThread(proto, d.Name, frameRate, d.Port, stop)
		}
		if err := th.AddDeviceConfig(d); err != nil {
			log.Printf("capture: %v", err)
		}

		byPort[d.Port] = th
		threads = append(threads, th)
	}

	// Threads start only after every device has been attached, because
	// AddDeviceConfig is refused once a thread has started.
	started := make([]*Thread, 0, len(threads))
	for _, th := range threads {
		if err := th.Start(); err != nil {
			log.Printf("capture: %v, skipping port %d", err, th.Port)
			continue
		}
		started = append(started, th)
	}
	return started, nil
}
