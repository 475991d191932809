// Package export packages selected takes into a single zip artifact: each
// take's USD archive subtree plus a workbook mirroring their metadata,
// relative-pathed so the zip is self-contained (spec.md §4.9, §6 "Export
// artifact"; grounded on
// original_source/blackhole/database_utils.py's copy_to_export_directory).
package export

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/magnopus-opensource/blackhole-server/internal/catalog"
	"github.com/magnopus-opensource/blackhole-server/internal/workbook"
)

// Packager builds export zips under Root, resolving each take's archive
// subtree relative to ArchiveRoot.
type Packager struct {
	Root        string
	ArchiveRoot string
}

// New builds a Packager rooted at exportRoot, resolving takes' archive
// paths against archiveRoot.
func New(exportRoot, archiveRoot string) *Packager {
	return &Packager{Root: exportRoot, ArchiveRoot: archiveRoot}
}

// Result reports what Export actually produced.
type Result struct {
	ExportLocation    string
	SuccessfulExports []catalog.Take
	FailedExports     []catalog.Take
}

// Export copies each take's usd_export_location subtree plus a workbook of
// their metadata into a timestamped staging directory, zips it, and
// removes the staging directory, leaving only the zip behind (spec.md §6:
// "a zip file at <export_root>/<YYYY-MM-DD_HH-MM-SS>.zip containing each
// exported take's usd_export_location subtree plus an .xlsx workbook").
// Takes with no usd_export_location set (archive never completed, or
// still in flight) are reported in FailedExports rather than aborting the
// whole export.
func (p *Packager) Export(now time.Time, takes []catalog.Take) (*Result, error) {
	stamp := now.Format("2006-01-02_15-04-05")
	stagingDir := filepath.Join(p.Root, stamp)

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create staging directory %s: %w", stagingDir, err)
	}
	defer os.RemoveAll(stagingDir)

	sheet := workbook.New(filepath.Join(stagingDir, stamp+".xlsx"))

	var successful, failed []catalog.Take
	for _, take := range takes {
		if take.USDExportLocation == nil || *take.USDExportLocation == "" {
			failed = append(failed, take)
			continue
		}

		relArchive, err := filepath.Rel(p.ArchiveRoot, *take.USDExportLocation)
		if err != nil {
			failed = append(failed, take)
			continue
		}

		dst := filepath.Join(stagingDir, relArchive)
		if err := copyTree(*take.USDExportLocation, dst); err != nil {
			failed = append(failed, take)
			continue
		}

		exported := take
		exportedLocation := filepath.ToSlash(filepath.Join(stamp, relArchive))
		exported.USDExportLocation = &exportedLocation

		if err := sheet.AddOrUpdate(&exported); err != nil {
			failed = append(failed, take)
			continue
		}

		successful = append(successful, exported)
	}

	zipPath := stagingDir + ".zip"
	if err := zipDir(stagingDir, zipPath); err != nil {
		return nil, fmt.Errorf("export: zip %s: %w", stagingDir, err)
	}

	return &Result{
		ExportLocation:    zipPath,
		SuccessfulExports: successful,
		FailedExports:     failed,
	}, nil
}

// copyTree recursively copies the file tree rooted at src to dst.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// zipDir writes every file under dir into a zip archive at zipPath, with
// entry names relative to dir (matching Python's shutil.make_archive).
func zipDir(dir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			_, err := zw.Create(rel + "/")
			return err
		}

		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		return err
	})
}
