package export

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/magnopus-opensource/blackhole-server/internal/catalog"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExportZipsArchivedTakes(t *testing.T) {
	archiveRoot := t.TempDir()
	exportRoot := t.TempDir()

	takeDir := filepath.Join(archiveRoot, "SlateA", "1")
	writeFile(t, filepath.Join(takeDir, "cameras", "CamA", "CamA.usda"), "#usda 1.0\n")
	writeFile(t, filepath.Join(takeDir, "master", "MasterSequence.usda"), "#usda 1.0\n")

	archived := takeDir
	take := catalog.Take{
		Slate:             "SlateA",
		TakeNumber:        1,
		DateCreated:       time.Now(),
		Valid:             true,
		USDExportLocation: &archived,
	}

	noArchive := catalog.Take{Slate: "SlateB", TakeNumber: 2, DateCreated: time.Now()}

	p := New(exportRoot, archiveRoot)
	result, err := p.Export(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), []catalog.Take{take, noArchive})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if len(result.SuccessfulExports) != 1 {
		t.Fatalf("len(SuccessfulExports) = %d, want 1", len(result.SuccessfulExports))
	}
	if len(result.FailedExports) != 1 {
		t.Fatalf("len(FailedExports) = %d, want 1", len(result.FailedExports))
	}
	if result.FailedExports[0].Slate != "SlateB" {
		t.Errorf("failed export slate = %q, want SlateB", result.FailedExports[0].Slate)
	}

	if _, err := os.Stat(result.ExportLocation); err != nil {
		t.Fatalf("expected zip at %s: %v", result.ExportLocation, err)
	}
	if filepath.Ext(result.ExportLocation) != ".zip" {
		t.Errorf("export location %q is not a zip", result.ExportLocation)
	}

	if _, err := os.Stat(filepath.Join(exportRoot, "2026-07-31_12-00-00")); !os.IsNotExist(err) {
		t.Error("staging directory should be removed after zipping")
	}

	r, err := zip.OpenReader(result.ExportLocation)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}

	wantUSD := "SlateA/1/cameras/CamA/CamA.usda"
	found := false
	for _, n := range names {
		if n == wantUSD {
			found = true
		}
	}
	if !found {
		t.Errorf("zip entries %v do not contain %q", names, wantUSD)
	}

	foundWorkbook := false
	for _, n := range names {
		if filepath.Ext(n) == ".xlsx" {
			foundWorkbook = true
		}
	}
	if !foundWorkbook {
		t.Errorf("zip entries %v do not contain a workbook", names)
	}
}

func TestExportEmptySelection(t *testing.T) {
	archiveRoot := t.TempDir()
	exportRoot := t.TempDir()

	p := New(exportRoot, archiveRoot)
	result, err := p.Export(time.Now(), nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(result.SuccessfulExports) != 0 || len(result.FailedExports) != 0 {
		t.Errorf("expected no exports either way, got %+v", result)
	}
	if _, err := os.Stat(result.ExportLocation); err != nil {
		t.Errorf("expected an (empty) zip to still be created: %v", err)
	}
}
