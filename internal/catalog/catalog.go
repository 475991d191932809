// Package catalog is the relational record of every take Blackhole has
// ever recorded: one row per (slate, take_number), created at recording
// start and mutated at stop and again once its USD archive lands on disk
// (spec.md §3, §4.6).
package catalog

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Take is one row of the catalog. GORM maps multi-column primary keys
// awkwardly, so slate/take_number are an ordinary unique index rather than
// a composite primary key — see DESIGN.md, Open Question resolution 6.
type Take struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Slate      string `gorm:"uniqueIndex:slate_take;not null" json:"slate"`
	TakeNumber int    `gorm:"uniqueIndex:slate_take;not null" json:"take_number"`

	CorrectedSlate      *string `json:"corrected_slate,omitempty"`
	CorrectedTakeNumber *int    `json:"corrected_take_number,omitempty"`

	DateCreated time.Time `gorm:"not null" json:"date_created"`
	Valid       bool      `json:"valid"`

	FrameRate         *int    `json:"frame_rate,omitempty"`
	TimecodeInFrames  *int    `json:"timecode_in_frames,omitempty"`
	TimecodeOutFrames *int    `json:"timecode_out_frames,omitempty"`
	TimecodeInSMPTE   *string `json:"timecode_in_smpte,omitempty"`
	TimecodeOutSMPTE  *string `json:"timecode_out_smpte,omitempty"`

	LevelSequenceLocation *string `json:"level_sequence_location,omitempty"`
	LevelSnapshotLocation *string `json:"level_snapshot_location,omitempty"`
	Map                   *string `json:"map,omitempty"`
	Description           *string `json:"description,omitempty"`
	USDExportLocation     *string `json:"usd_export_location,omitempty"`
}

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("catalog: take not found")

// ErrAlreadyExists is returned by Insert when (slate, take_number) is
// already present.
var ErrAlreadyExists = errors.New("catalog: take already exists")

// Catalog is the take repository, backed by SQLite through GORM.
type Catalog struct {
	db *gorm.DB

	// onMutate, when set, runs after every successful Insert and Update —
	// the workbook mirror hook described in spec.md §9. It must not block
	// or fail the mutation it follows: errors are the caller's to log.
	onMutate func(*Take) error
}

// OnMutate registers a callback invoked after every successful Insert and
// Update with the take's current row. Typically wired to a workbook
// mirror's AddOrUpdate.
func (c *Catalog) OnMutate(fn func(*Take) error) {
	c.onMutate = fn
}

// Open connects to (and, if needed, creates) the SQLite database at path
// and migrates the Take schema.
func Open(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Take{}); err != nil {
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Exists reports whether (slate, takeNumber) already has a row.
func (c *Catalog) Exists(slate string, takeNumber int) (bool, error) {
	var count int64
	err := c.db.Model(&Take{}).
		Where("slate = ? AND take_number = ?", slate, takeNumber).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("catalog: exists(%s, %d): %w", slate, takeNumber, err)
	}
	return count > 0, nil
}

// Insert creates a new take row. It fails with ErrAlreadyExists if the
// (slate, take_number) pair is already taken (spec.md §4.5: "precondition
// — ... (slate, take_number) absent from catalog").
func (c *Catalog) Insert(take *Take) (*Take, error) {
	exists, err := c.Exists(take.Slate, take.TakeNumber)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyExists
	}
	if err := c.db.Create(take).Error; err != nil {
		return nil, fmt.Errorf("catalog: insert(%s, %d): %w", take.Slate, take.TakeNumber, err)
	}
	inserted, err := c.Get(take.Slate, take.TakeNumber)
	if err != nil {
		return nil, err
	}
	c.notifyMutation(inserted)
	return inserted, nil
}

// notifyMutation runs the workbook-mirror hook, if one is registered. Per
// spec.md §9, a mirror failure must not block the catalog mutation it
// follows — it is logged and otherwise ignored.
func (c *Catalog) notifyMutation(take *Take) {
	if c.onMutate == nil {
		return
	}
	if err := c.onMutate(take); err != nil {
		log.Printf("catalog: workbook mirror failed for %s/%d: %v", take.Slate, take.TakeNumber, err)
	}
}

// Update applies non-zero-value fields from patch onto the row identified
// by slate/takeNumber and returns the row as it now stands. The row's date
// and identity columns are never altered (spec.md §3: "date_created ...
// immutable after creation").
func (c *Catalog) Update(slate string, takeNumber int, patch *Take) (*Take, error) {
	existing, err := c.Get(slate, takeNumber)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if patch.Valid {
		updates["valid"] = true
	}
	if patch.FrameRate != nil {
		updates["frame_rate"] = *patch.FrameRate
	}
	if patch.TimecodeInFrames != nil {
		updates["timecode_in_frames"] = *patch.TimecodeInFrames
	}
	if patch.TimecodeOutFrames != nil {
		updates["timecode_out_frames"] = *patch.TimecodeOutFrames
	}
	if patch.TimecodeInSMPTE != nil {
		updates["timecode_in_smpte"] = *patch.TimecodeInSMPTE
	}
	if patch.TimecodeOutSMPTE != nil {
		updates["timecode_out_smpte"] = *patch.TimecodeOutSMPTE
	}
	if patch.LevelSequenceLocation != nil {
		updates["level_sequence_location"] = *patch.LevelSequenceLocation
	}
	if patch.LevelSnapshotLocation != nil {
		updates["level_snapshot_location"] = *patch.LevelSnapshotLocation
	}
	if patch.Map != nil {
		updates["map"] = *patch.Map
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.USDExportLocation != nil {
		updates["usd_export_location"] = *patch.USDExportLocation
	}
	if patch.CorrectedSlate != nil {
		updates["corrected_slate"] = *patch.CorrectedSlate
	}
	if patch.CorrectedTakeNumber != nil {
		updates["corrected_take_number"] = *patch.CorrectedTakeNumber
	}

	if len(updates) == 0 {
		return existing, nil
	}

	if err := c.db.Model(&Take{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("catalog: update(%s, %d): %w", slate, takeNumber, err)
	}
	updated, err := c.Get(slate, takeNumber)
	if err != nil {
		return nil, err
	}
	c.notifyMutation(updated)
	return updated, nil
}

// Get retrieves a single take by its (slate, take_number) key.
func (c *Catalog) Get(slate string, takeNumber int) (*Take, error) {
	var take Take
	err := c.db.Where("slate = ? AND take_number = ?", slate, takeNumber).First(&take).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get(%s, %d): %w", slate, takeNumber, err)
	}
	return &take, nil
}

// GetMany lists takes filtered by an inclusive creation-date range and an
// optional slate prefix (spec.md §6: "GET /take/?start_date&end_date&slate_hint").
// The whole day of endDate is included.
func (c *Catalog) GetMany(startDate, endDate *time.Time, slateHint string) ([]Take, error) {
	q := c.db.Model(&Take{})
	if startDate != nil {
		q = q.Where("date_created >= ?", *startDate)
	}
	if endDate != nil {
		q = q.Where("date_created < ?", endDate.AddDate(0, 0, 1))
	}
	if slateHint != "" {
		q = q.Where("slate LIKE ?", slateHint+"%")
	}

	var takes []Take
	if err := q.Find(&takes).Error; err != nil {
		return nil, fmt.Errorf("catalog: get many: %w", err)
	}
	return takes, nil
}

// SlateTake pairs a slate with a take number, for batched lookups.
type SlateTake struct {
	Slate      string
	TakeNumber int
}

// GetByIDs resolves a list of (slate, take_number) pairs to their rows. A
// pair also matches a row whose corrected slate/take number equal it,
// mirroring the original's "include_corrections" lookup — a selection made
// against a take's old name still resolves after it's been renamed.
func (c *Catalog) GetByIDs(pairs []SlateTake) ([]Take, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(pairs))
	args := make([]interface{}, 0, len(pairs)*4)
	for _, p := range pairs {
		conds = append(conds, "(slate = ? AND take_number = ?) OR (corrected_slate = ? AND corrected_take_number = ?)")
		args = append(args, p.Slate, p.TakeNumber, p.Slate, p.TakeNumber)
	}
	whereClause := strings.Join(conds, " OR ")

	var takes []Take
	if err := c.db.Where(whereClause, args...).Find(&takes).Error; err != nil {
		return nil, fmt.Errorf("catalog: get by ids: %w", err)
	}
	return takes, nil
}
