// Package session drives a single recording's lifecycle end to end:
// admitting it past the at-most-one-recording gate, running its capture
// threads, and archiving whatever they collected to USD and the catalog
// (spec.md §4.5, §4.6; grounded on original_source/blackhole/recording.py's
// Recording/RecordingSessionManager split and
// vincent99-velocipi/server/dvr/dvr.go's mutex-guarded Manager).
package session

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/magnopus-opensource/blackhole-server/internal/capture"
	"github.com/magnopus-opensource/blackhole-server/internal/catalog"
	"github.com/magnopus-opensource/blackhole-server/internal/timecode"
	"github.com/magnopus-opensource/blackhole-server/internal/usd"
)

// State is a recording session's lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateArchiving
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateArchiving:
		return "archiving"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// ErrConflict is returned by Manager.Start when a recording is already in
// progress (spec.md §4.6: "start(...): no-op (or Conflict) when is_recording").
var ErrConflict = errors.New("session: a recording is already in progress")

// DeviceConfig describes one device the capture supervisor should listen
// for.
type DeviceConfig = capture.DeviceConfig

// Session is one take's recording run, from admission through archival.
type Session struct {
	Slate       string
	TakeNumber  int
	FrameRate   int
	ArchivePath string

	mu      sync.Mutex
	state   State
	stop    chan struct{}
	stopped bool
	threads []*capture.Thread

	pendingTimecodeOut int
	pendingExtra       TakeExtras

	catalog *catalog.Catalog
}

func newSession(slate string, takeNumber, frameRate int, archivePath string, cat *catalog.Catalog) *Session {
	return &Session{
		Slate:       slate,
		TakeNumber:  takeNumber,
		FrameRate:   frameRate,
		ArchivePath: archivePath,
		state:       StateCapturing,
		stop:        make(chan struct{}),
		catalog:     cat,
	}
}

// State reports the session's current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// startCapturing builds and starts the capture threads for devices, then
// spawns the background goroutine that waits for the stop signal and
// drives the rest of the lifecycle. It is the Go analog of the original's
// Recording thread: start() returns immediately, and the real waiting
// happens on a goroutine rather than blocking the caller.
func (s *Session) startCapturing(devices []DeviceConfig, releaseSlot func()) error {
	threads, err := capture.BuildThreads(devices, s.FrameRate, s.stop)
	if err != nil {
		return fmt.Errorf("session: build capture threads: %w", err)
	}
	s.mu.Lock()
	s.threads = threads
	s.mu.Unlock()

	go s.awaitStopAndArchive(releaseSlot)
	return nil
}

// awaitStopAndArchive blocks until the stop signal fires, consolidates
// every capture thread's buffer, then writes per-device USD archives and
// the master stage (spec.md §4.5: "On stop-signal..."). releaseSlot is
// called the instant capture has stopped, before archiving begins, so the
// manager can admit a new recording while this one is still writing USD —
// the intended pipeline overlap.
func (s *Session) awaitStopAndArchive(releaseSlot func()) {
	<-s.stop

	s.mu.Lock()
	threads := s.threads
	timecodeOut := s.pendingTimecodeOut
	extra := s.pendingExtra
	s.mu.Unlock()

	buffers := make(map[string][]capture.Sample, len(threads))
	for _, th := range threads {
		for device, samples := range th.StopAndJoin() {
			buffers[device] = append(buffers[device], samples...)
		}
	}

	s.mu.Lock()
	s.state = StateArchiving
	s.mu.Unlock()

	releaseSlot()

	if err := s.archive(buffers, timecodeOut, extra); err != nil {
		log.Printf("session[%s/%d]: archive failed: %v", s.Slate, s.TakeNumber, err)
	}

	s.mu.Lock()
	s.state = StateDone
	s.mu.Unlock()
}

// requestStop records the stop-time parameters and signals the capture
// threads. A session's slot can remain admitted in Manager for up to a
// second after the stop signal fires (capture threads drain on their own
// poll interval), so a second stop request can race in before the slot is
// released; requestStop guards against that by only ever closing s.stop
// once, making repeat calls genuine no-ops (spec.md §5: "stop() is
// idempotent"; §8: "Stopping twice is a no-op after the first").
func (s *Session) requestStop(timecodeOut int, extra TakeExtras) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.pendingTimecodeOut = timecodeOut
	s.pendingExtra = extra
	close(s.stop)
}

// TakeExtras carries the HTTP-request-supplied fields applied at stop time,
// beyond the timecode-out value itself (spec.md §4.5, final bullet).
type TakeExtras struct {
	SequencePath string
	SnapshotPath string
	Description  string
}

func (s *Session) archive(buffers map[string][]capture.Sample, timecodeOut int, extra TakeExtras) error {
	take, err := s.catalog.Get(s.Slate, s.TakeNumber)
	if err != nil {
		return fmt.Errorf("no catalog row for slate %q take %d: %w", s.Slate, s.TakeNumber, err)
	}

	timecodeIn := 0
	if take.TimecodeInFrames != nil {
		timecodeIn = *take.TimecodeInFrames
	}

	var wg sync.WaitGroup
	relPaths := make([]string, 0, len(buffers))
	var relMu sync.Mutex

	for device, samples := range buffers {
		device, samples := device, samples
		subPath := filepath.Join(s.ArchivePath, "cameras", device, device+".usda")

		wg.Add(1)
		go func() {
			defer wg.Done()

			usdSamples := make([]usd.Sample, len(samples))
			for i, smp := range samples {
				usdSamples[i] = usd.Sample{
					X: smp.X, Y: smp.Y, Z: smp.Z,
					Pitch: smp.Pitch, Yaw: smp.Yaw, Roll: smp.Roll,
					TimecodeKey: smp.TimecodeKey,
				}
			}

			mapName := ""
			if take.Map != nil {
				mapName = *take.Map
			}

			err := usd.WriteArchive(usd.ArchiveSpec{
				Path:        subPath,
				Slate:       s.Slate,
				TakeNumber:  s.TakeNumber,
				FrameRate:   s.FrameRate,
				TimecodeIn:  timecodeIn,
				TimecodeOut: timecodeOut,
				Map:         mapName,
				Samples:     usdSamples,
			})
			if err != nil {
				log.Printf("session[%s/%d]: write archive for device %s: %v", s.Slate, s.TakeNumber, device, err)
				return
			}

			rel, err := filepath.Rel(s.ArchivePath, subPath)
			if err != nil {
				log.Printf("session[%s/%d]: relative path for %s: %v", s.Slate, s.TakeNumber, subPath, err)
				return
			}
			relMu.Lock()
			relPaths = append(relPaths, rel)
			relMu.Unlock()
		}()
	}
	wg.Wait()

	masterPath := filepath.Join(s.ArchivePath, "master", "MasterSequence.usda")
	if err := usd.WriteMasterStage(masterPath, relPaths); err != nil {
		return fmt.Errorf("write master stage: %w", err)
	}

	smpteOut, err := timecode.FramesToSMPTE(s.FrameRate, timecodeOut)
	if err != nil {
		return fmt.Errorf("render timecode_out_smpte: %w", err)
	}

	update := &catalog.Take{
		Valid:             true,
		USDExportLocation: &s.ArchivePath,
		TimecodeOutFrames: &timecodeOut,
		TimecodeOutSMPTE:  &smpteOut,
	}
	if extra.SequencePath != "" {
		update.LevelSequenceLocation = &extra.SequencePath
	}
	if extra.SnapshotPath != "" {
		update.LevelSnapshotLocation = &extra.SnapshotPath
	}
	if extra.Description != "" {
		update.Description = &extra.Description
	}

	if _, err := s.catalog.Update(s.Slate, s.TakeNumber, update); err != nil {
		return fmt.Errorf("update catalog: %w", err)
	}
	return nil
}
