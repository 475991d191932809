// Package config loads Blackhole's two INI configuration files — the
// device-tracking table and the app archive/export settings — and falls
// back to bundled defaults whenever a file is missing or fails to parse
// (spec.md §6, "App configuration file" / "Device configuration file";
// grounded on vincent99-velocipi/server/config/config.go's Load/Defaults
// layered pattern, re-written against gopkg.in/ini.v1 instead of YAML).
package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/ini.v1"

	"github.com/magnopus-opensource/blackhole-server/internal/capture"
)

// App holds the [ArchiveSettings] and [ExportSettings] sections of the
// application config file (spec.md §6).
type App struct {
	ArchiveDirectory      string
	DatabasePath          string
	MasterSpreadsheetPath string
	ExportDirectory       string
}

// DefaultApp is written to disk whenever the app config file is missing
// or malformed, so the service always has a working configuration.
var DefaultApp = App{
	ArchiveDirectory:      "./archive",
	DatabasePath:          "./blackhole.db",
	MasterSpreadsheetPath: "./blackhole_master.xlsx",
	ExportDirectory:       "./export",
}

// LoadApp reads path as an INI file with an [ArchiveSettings] and
// [ExportSettings] section. A missing or malformed file is replaced on
// disk with DefaultApp and DefaultApp itself is returned, matching the
// teacher's "always return a working Config" contract (spec.md §6:
// "Missing or malformed files are replaced by bundled defaults on
// startup").
func LoadApp(path string) App {
	f, err := ini.Load(path)
	if err != nil {
		log.Printf("config: %s unreadable (%v), writing defaults", path, err)
		if werr := writeDefaultApp(path); werr != nil {
			log.Printf("config: could not write default app config to %s: %v", path, werr)
		}
		return DefaultApp
	}

	archive := f.Section("ArchiveSettings")
	export := f.Section("ExportSettings")

	app := App{
		ArchiveDirectory:      archive.Key("ARCHIVE_DIRECTORY").MustString(DefaultApp.ArchiveDirectory),
		DatabasePath:          archive.Key("DATABASE_PATH").MustString(DefaultApp.DatabasePath),
		MasterSpreadsheetPath: archive.Key("MASTER_SPREADSHEET_PATH").MustString(DefaultApp.MasterSpreadsheetPath),
		ExportDirectory:       export.Key("EXPORT_DIRECTORY").MustString(DefaultApp.ExportDirectory),
	}

	if app.ArchiveDirectory == "" || app.DatabasePath == "" || app.MasterSpreadsheetPath == "" || app.ExportDirectory == "" {
		log.Printf("config: %s missing required keys, writing defaults", path)
		if werr := writeDefaultApp(path); werr != nil {
			log.Printf("config: could not write default app config to %s: %v", path, werr)
		}
		return DefaultApp
	}
	return app
}

func writeDefaultApp(path string) error {
	f := ini.Empty()
	archive, err := f.NewSection("ArchiveSettings")
	if err != nil {
		return err
	}
	if _, err := archive.NewKey("ARCHIVE_DIRECTORY", DefaultApp.ArchiveDirectory); err != nil {
		return err
	}
	if _, err := archive.NewKey("DATABASE_PATH", DefaultApp.DatabasePath); err != nil {
		return err
	}
	if _, err := archive.NewKey("MASTER_SPREADSHEET_PATH", DefaultApp.MasterSpreadsheetPath); err != nil {
		return err
	}

	export, err := f.NewSection("ExportSettings")
	if err != nil {
		return err
	}
	if _, err := export.NewKey("EXPORT_DIRECTORY", DefaultApp.ExportDirectory); err != nil {
		return err
	}

	return f.SaveTo(path)
}

// LoadDevices reads path as an INI file, one section per device name, each
// carrying IP_ADDRESS, PORT, and TRACKING_PROTOCOL keys (spec.md §6,
// "Device configuration file"). A missing or malformed file, a PORT that is
// not an integer, or a missing TRACKING_PROTOCOL is returned as an error;
// cmd/blackhole treats that error as an empty device table rather than
// aborting the service.
func LoadDevices(path string) ([]capture.DeviceConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: read device config %s: %w", path, err)
	}

	var devices []capture.DeviceConfig
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		port, err := sec.Key("PORT").Int()
		if err != nil {
			return nil, fmt.Errorf("config: device %q has invalid PORT: %w", sec.Name(), err)
		}
		protocol := sec.Key("TRACKING_PROTOCOL").String()
		if protocol == "" {
			return nil, fmt.Errorf("config: device %q missing TRACKING_PROTOCOL", sec.Name())
		}
		devices = append(devices, capture.DeviceConfig{
			Name:     sec.Name(),
			Port:     port,
			Protocol: capture.ProtocolID(protocol),
		})
	}
	return devices, nil
}

// EnsureDeviceConfig creates an empty device config file at path if one
// does not already exist, so a fresh install has something to edit rather
// than an outright missing file.
func EnsureDeviceConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f := ini.Empty()
	return f.SaveTo(path)
}
