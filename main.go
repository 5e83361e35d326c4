package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/printwatch/layercapture/internal/api"
	"github.com/printwatch/layercapture/internal/capture"
	"github.com/printwatch/layercapture/internal/config"
	"github.com/printwatch/layercapture/internal/db"
	"github.com/printwatch/layercapture/internal/printer"
	"github.com/printwatch/layercapture/internal/storage"
	"github.com/printwatch/layercapture/internal/version"
)

var (
	showVersion   = flag.Bool("version", false, "Print version information and exit")
	devMode       = flag.Bool("dev", false, "Run against a simulated printer instead of real hardware")
	listen        = flag.String("listen", ":8080", "Listen address")
	portPath      = flag.String("port", "/dev/ttyUSB0", "Printer serial port path")
	baudRate      = flag.Int("baud", 115200, "Printer serial baud rate")
	settingsPath  = flag.String("config", "", "Path to settings JSON file (defaults apply if empty)")
	dbPath        = flag.String("db", "layercapture.db", "Path to the session index database")
	migrationsDir = flag.String("migrations", "migrations", "Path to sql migrations")
	gcodeFile     = flag.String("gcode", "", "Name of the print job to attribute sessions to")
	captureDir    = flag.String("capture-dir", "", "Capture output directory (overrides capture_folder)")
)

// buildCaptureConfig maps the settings file onto the orchestrator's
// validated configuration.
func buildCaptureConfig(s *config.Settings) capture.Config {
	return capture.Config{
		Grid: capture.GridConfig{
			CenterX:     s.GetGridCenterX(),
			CenterY:     s.GetGridCenterY(),
			CenterZ:     s.GetGridCenterZ(),
			SpacingX:    s.GetGridSpacingX(),
			SpacingY:    s.GetGridSpacingY(),
			SpacingZ:    s.GetGridSpacingZ(),
			SizeX:       s.GetGridSizeX(),
			SizeY:       s.GetGridSizeY(),
			SizeZ:       s.GetGridSizeZ(),
			BaseZOffset: s.GetZOffset(),
		},
		Limits: capture.BedLimits{
			MaxX:   s.GetBedMaxX(),
			MaxY:   s.GetBedMaxY(),
			MaxZ:   s.GetMaxZHeight(),
			Margin: s.GetBoundaryMargin(),
		},
		Trigger: capture.TriggerRule{
			EveryNLayers:   s.GetCaptureEveryNLayers(),
			ZHeights:       s.GetCaptureZHeights(),
			MinLayerHeight: s.GetMinLayerHeight(),
		},
		Feedrate:          s.GetFeedrate(),
		SettleDelay:       s.GetSettleDelay(),
		ReturnToOrigin:    s.GetReturnToOrigin(),
		SaveMetadata:      s.GetSaveMetadata(),
		PauseTimeout:      s.GetPauseTimeout(),
		MoveTimeout:       s.GetMoveTimeout(),
		ResumeTimeout:     s.GetResumeTimeout(),
		ResumeMaxAttempts: s.GetResumeMaxAttempts(),
		ResumeBackoff:     s.GetResumeBackoff(),
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("layercapture %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("layercapture %s starting", version.Version)

	settings := config.EmptySettings()
	if *settingsPath != "" {
		var err error
		settings, err = config.Load(*settingsPath)
		if err != nil {
			log.Fatalf("failed to load settings: %v", err)
		}
	}

	// Open the printer port: simulated in dev mode, serial otherwise.
	var mux printer.MuxInterface
	var sim *printer.SimPrinter
	if *devMode {
		var simMux *printer.Mux[*printer.SimPrinter]
		simMux, sim = printer.NewSimMux()
		mux = simMux
		log.Print("running in dev mode against a simulated printer")
	} else {
		mode := printer.DefaultPortMode()
		mode.BaudRate = *baudRate
		realMux, err := printer.NewRealMux(*portPath, mode)
		if err != nil {
			log.Fatalf("failed to open printer port %s: %v", *portPath, err)
		}
		mux = realMux
	}
	defer mux.Close()

	channel := printer.NewChannel(mux)

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open session index: %v", err)
	}
	defer database.Close()

	if _, statErr := os.Stat(*migrationsDir); statErr == nil {
		if err := database.MigrateUp(*migrationsDir); err != nil {
			log.Fatalf("failed to migrate session index: %v", err)
		}
	}

	baseDir := settings.GetCaptureFolder()
	if *captureDir != "" {
		baseDir = *captureDir
	}
	store := storage.NewStore(storage.OSFileSystem{}, filepath.Clean(baseDir), settings.GetPartitionByDate())

	var camera capture.Camera
	if settings.GetUseFakeCamera() {
		camera = capture.NewFakeCamera(storage.OSFileSystem{})
	} else {
		camera = &capture.ScriptCamera{Command: settings.GetCameraCommand()}
	}

	broadcast := capture.NewBroadcaster()
	notifier := capture.MultiNotifier{capture.LogNotifier{}, broadcast}

	orch, err := capture.New(buildCaptureConfig(settings), capture.Deps{
		Printer:  channel,
		Events:   channel,
		Camera:   camera,
		Store:    store,
		Index:    database,
		Notifier: notifier,
	})
	if err != nil {
		log.Fatalf("invalid capture configuration: %v", err)
	}

	if *gcodeFile != "" {
		orch.SetJob(capture.JobIdentity{GcodeFile: *gcodeFile, PrintStartTime: time.Now()})
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the printer port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor printer port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// pump typed printer events into the orchestrator's trigger logic
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, events := channel.Events()
		defer channel.UnsubscribeEvents(id)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				orch.HandleEvent(ctx, ev)
			case <-ctx.Done():
				log.Print("event pump terminated")
				return
			}
		}
	}()

	// in dev mode, simulate an advancing print job
	if sim != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.RunJobStream(ctx, settings.GetMinLayerHeight(), 2*time.Second)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiMux := api.NewServer(orch, database, channel, broadcast).ServeMux()
		root := http.NewServeMux()
		root.Handle("/api/", http.StripPrefix("/api", apiMux))

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(root),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish, then let any in-flight session
	// flush its record before exit.
	wg.Wait()
	orch.Wait()
	log.Printf("Graceful shutdown complete")
}
