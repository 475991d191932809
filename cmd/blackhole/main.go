// Command blackhole runs the take-archival service: it loads the device
// and app INI config, opens the catalog, and serves the HTTP API until
// signaled to shut down (spec.md §6, "Exit codes / environment";
// grounded on vincent99-velocipi/server/main.go's listener + goroutine +
// signal.NotifyContext shutdown shape).
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/magnopus-opensource/blackhole-server/internal/catalog"
	"github.com/magnopus-opensource/blackhole-server/internal/config"
	"github.com/magnopus-opensource/blackhole-server/internal/export"
	"github.com/magnopus-opensource/blackhole-server/internal/httpapi"
	"github.com/magnopus-opensource/blackhole-server/internal/session"
	"github.com/magnopus-opensource/blackhole-server/internal/workbook"
)

// configDirName matches the original's blackhole_config directory name
// (original_source/blackhole/constants.py: CONFIG_DIR).
const configDirName = "blackhole_config"

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	configDir := flag.String("config-dir", configDirName, "directory holding app_config.ini and device_config.ini")
	flag.Parse()

	if err := run(*addr, *configDir); err != nil {
		log.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(addr, configDir string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}

	appConfigPath := filepath.Join(configDir, "app_config.ini")
	deviceConfigPath := filepath.Join(configDir, "device_config.ini")

	appCfg := config.LoadApp(appConfigPath)
	if err := config.EnsureDeviceConfig(deviceConfigPath); err != nil {
		log.Println("config: could not create default device config:", err)
	}
	devices, err := config.LoadDevices(deviceConfigPath)
	if err != nil {
		log.Println("config: device config unreadable, starting with no devices configured:", err)
		devices = nil
	}

	if err := os.MkdirAll(appCfg.ArchiveDirectory, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(appCfg.ExportDirectory, 0o755); err != nil {
		return err
	}

	cat, err := catalog.Open(appCfg.DatabasePath)
	if err != nil {
		return err
	}

	mirror := workbook.New(appCfg.MasterSpreadsheetPath)
	cat.OnMutate(func(take *catalog.Take) error {
		return mirror.AddOrUpdate(take)
	})

	server := &httpapi.Server{
		Catalog:     cat,
		Sessions:    session.NewManager(cat),
		Export:      export.New(appCfg.ExportDirectory, appCfg.ArchiveDirectory),
		ArchiveRoot: appCfg.ArchiveDirectory,
		Devices:     devices,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Println("blackhole: listening on", addr)

	go func() {
		if err := http.Serve(ln, server.Routes()); err != nil && err != http.ErrServerClosed {
			log.Println("http serve error:", err)
		}
	}()

	<-ctx.Done()
	log.Println("blackhole: shutting down")
	return ln.Close()
}
