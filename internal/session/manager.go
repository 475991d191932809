package session

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/magnopus-opensource/blackhole-server/internal/catalog"
	"github.com/magnopus-opensource/blackhole-server/internal/timecode"
)

// Status is the manager's recording-status snapshot. get_recording_status
// in the original destructures only three of the four values its manager
// actually returns; Status always carries all four (spec.md §9, resolved
// in DESIGN.md).
type Status struct {
	IsRecording bool
	Slate       string
	TakeNumber  int
	FrameRate   int
}

// Manager admits at most one recording at a time and holds the single
// back-reference to it for status reporting (spec.md §4.6; grounded on
// vincent99-velocipi/server/dvr/dvr.go's mutex-guarded recording-state map,
// narrowed here to a single mutex-guarded slot).
type Manager struct {
	mu      sync.Mutex
	current *Session
	catalog *catalog.Catalog
}

// NewManager builds a Manager backed by cat for take persistence.
func NewManager(cat *catalog.Catalog) *Manager {
	return &Manager{catalog: cat}
}

// Status reports the currently admitted recording, if any.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Status{}
	}
	return Status{
		IsRecording: true,
		Slate:       m.current.Slate,
		TakeNumber:  m.current.TakeNumber,
		FrameRate:   m.current.FrameRate,
	}
}

// Start admits a new recording if none is in progress. It inserts the
// take's catalog row with valid=false, derives the archive path, and
// starts capture threads for devices (spec.md §4.5, §4.6).
func (m *Manager) Start(slate string, takeNumber, frameRate int, archiveRoot string, timecodeIn int, description, mapName string, devices []DeviceConfig) (*catalog.Take, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrConflict
	}

	timecodeInSMPTE, err := timecode.FramesToSMPTE(frameRate, timecodeIn)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: render timecode_in_smpte: %w", err)
	}

	take := &catalog.Take{
		Slate:            slate,
		TakeNumber:       takeNumber,
		DateCreated:      time.Now().UTC(),
		Valid:            false,
		FrameRate:        &frameRate,
		TimecodeInFrames: &timecodeIn,
		TimecodeInSMPTE:  &timecodeInSMPTE,
	}
	if description != "" {
		take.Description = &description
	}
	if mapName != "" {
		take.Map = &mapName
	}

	inserted, err := m.catalog.Insert(take)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: insert take: %w", err)
	}

	archivePath := archivePathFor(archiveRoot, slate, takeNumber)
	sess := newSession(slate, takeNumber, frameRate, archivePath, m.catalog)
	m.current = sess
	m.mu.Unlock()

	if err := sess.startCapturing(devices, m.release); err != nil {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		return nil, err
	}

	return inserted, nil
}

// Stop signals the active recording to stop capturing and begin archiving,
// then returns immediately — archiving proceeds on the session's own
// background goroutine. It is idempotent: calling it while idle is a no-op
// (spec.md §5). The slot is released as soon as capture drains, not when
// archiving completes — a subsequent Start may be admitted while this
// recording is still writing USD.
func (m *Manager) Stop(slate string, takeNumber, timecodeOut int, extra TakeExtras) error {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	if sess.Slate != slate || sess.TakeNumber != takeNumber {
		return fmt.Errorf("session: stop request for %s/%d does not match active recording %s/%d", slate, takeNumber, sess.Slate, sess.TakeNumber)
	}

	sess.requestStop(timecodeOut, extra)
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

func archivePathFor(root, slate string, takeNumber int) string {
	return filepath.Join(root, slate, strconv.Itoa(takeNumber))
}
