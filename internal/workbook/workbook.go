// Package workbook mirrors the catalog into a human-browsable .xlsx
// spreadsheet: one sheet per creation date, one row per take, rows
// matched and updated by (slate, take_number) (spec.md §9, "Catalog
// adapter and workbook mirror"; grounded on
// original_source/blackhole/sheets.py's SpreadsheetWriter).
package workbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/magnopus-opensource/blackhole-server/internal/catalog"
)

// columns is the fixed column order every sheet shares, matching the
// original's columnMapping.
var columns = []string{
	"Slate", "Take Number", "Corrected Slate", "Corrected Take Number",
	"Valid", "Frame Rate", "Timecode In (Frames)", "Timecode In (SMPTE)",
	"Timecode Out (Frames)", "Timecode Out (SMPTE)", "Map",
	"Level Sequence", "Level Snapshot", "USD Export Location", "Description",
}

// Mirror writes Take rows into a workbook at Path.
type Mirror struct {
	Path string
}

// New builds a Mirror targeting path. The file is created lazily on the
// first write, mirroring the original only creating the workbook once a
// sheet is actually needed.
func New(path string) *Mirror {
	return &Mirror{Path: path}
}

// AddOrUpdate appends take as a new row, or updates its existing row if one
// already exists for (slate, take_number), on the sheet named after the
// take's creation date.
func (m *Mirror) AddOrUpdate(take *catalog.Take) error {
	f, err := m.open()
	if err != nil {
		return fmt.Errorf("workbook: open %s: %w", m.Path, err)
	}
	defer f.Close()

	sheet := take.DateCreated.Format("2006-01-02")
	if err := m.ensureSheet(f, sheet); err != nil {
		return err
	}

	row := rowValues(take)

	existingRow, err := m.findRow(f, sheet, take.Slate, take.TakeNumber)
	if err != nil {
		return err
	}

	if existingRow > 0 {
		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, existingRow)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("workbook: set cell %s: %w", cell, err)
			}
		}
	} else {
		nextRow, err := nextEmptyRow(f, sheet)
		if err != nil {
			return err
		}
		cellRef, _ := excelize.CoordinatesToCellName(1, nextRow)
		if err := f.SetSheetRow(sheet, cellRef, &row); err != nil {
			return fmt.Errorf("workbook: append row: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return fmt.Errorf("workbook: create directory for %s: %w", m.Path, err)
	}
	if err := f.SaveAs(m.Path); err != nil {
		return fmt.Errorf("workbook: save %s: %w", m.Path, err)
	}
	return nil
}

func (m *Mirror) open() (*excelize.File, error) {
	if _, err := os.Stat(m.Path); err == nil {
		return excelize.OpenFile(m.Path)
	}
	return excelize.NewFile(), nil
}

func (m *Mirror) ensureSheet(f *excelize.File, sheet string) error {
	if idx, _ := f.GetSheetIndex(sheet); idx != -1 {
		return nil
	}
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("workbook: create sheet %s: %w", sheet, err)
	}
	if err := f.SetSheetRow(sheet, "A1", &columns); err != nil {
		return fmt.Errorf("workbook: write header on sheet %s: %w", sheet, err)
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		Split:       false,
		XSplit:      0,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("workbook: freeze header on sheet %s: %w", sheet, err)
	}

	// A brand-new file's default "Sheet1" is otherwise left behind empty.
	if idx, _ := f.GetSheetIndex("Sheet1"); idx != -1 && sheet != "Sheet1" {
		f.DeleteSheet("Sheet1")
	}
	return nil
}

// findRow returns the 1-indexed row number matching (slate, takeNumber), or
// 0 if no such row exists yet.
func (m *Mirror) findRow(f *excelize.File, sheet, slate string, takeNumber int) (int, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, fmt.Errorf("workbook: read sheet %s: %w", sheet, err)
	}
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if len(row) < 2 {
			continue
		}
		if row[0] == slate && row[1] == strconv.Itoa(takeNumber) {
			return i + 1, nil
		}
	}
	return 0, nil
}

func nextEmptyRow(f *excelize.File, sheet string) (int, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, fmt.Errorf("workbook: read sheet %s: %w", sheet, err)
	}
	return len(rows) + 1, nil
}

func rowValues(take *catalog.Take) []interface{} {
	return []interface{}{
		take.Slate,
		take.TakeNumber,
		deref(take.CorrectedSlate),
		derefInt(take.CorrectedTakeNumber),
		take.Valid,
		derefInt(take.FrameRate),
		derefInt(take.TimecodeInFrames),
		deref(take.TimecodeInSMPTE),
		derefInt(take.TimecodeOutFrames),
		deref(take.TimecodeOutSMPTE),
		deref(take.Map),
		deref(take.LevelSequenceLocation),
		deref(take.LevelSnapshotLocation),
		deref(take.USDExportLocation),
		deref(take.Description),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) interface{} {
	if n == nil {
		return ""
	}
	return *n
}

// BackupDirName is the subdirectory backups land in, relative to the
// workbook's own directory.
const BackupDirName = "Spreadsheet_Backups"

// Backup copies the current workbook file into a timestamped snapshot,
// matching the original's create_backup — skipped when the workbook does
// not exist yet (an "empty" workbook has nothing worth backing up).
// AddOrUpdate does not call it; it runs only when a caller invokes it.
func (m *Mirror) Backup(now time.Time) error {
	if _, err := os.Stat(m.Path); os.IsNotExist(err) {
		return nil
	}

	backupDir := filepath.Join(filepath.Dir(m.Path), BackupDirName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("workbook: create backup directory: %w", err)
	}

	stem := filepath.Base(m.Path)
	ext := filepath.Ext(stem)
	stem = stem[:len(stem)-len(ext)]
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s_%s%s", stem, now.Format("2006-01-02_15-04-05"), ext))

	data, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("workbook: read %s for backup: %w", m.Path, err)
	}
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return fmt.Errorf("workbook: write backup %s: %w", backupPath, err)
	}
	return nil
}
