package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rallie-app/rallie/internal/api"
	"github.com/rallie-app/rallie/internal/config"
	"github.com/rallie-app/rallie/internal/db"
	"github.com/rallie-app/rallie/internal/dispatch"
	"github.com/rallie-app/rallie/internal/homography"
	"github.com/rallie-app/rallie/internal/monitoring"
	"github.com/rallie-app/rallie/internal/pose"
	"github.com/rallie-app/rallie/internal/serialmux"
	"github.com/rallie-app/rallie/internal/timeutil"
	"github.com/rallie-app/rallie/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	configPath    = flag.String("config", "", "Path to a .json or .yaml config file (built-in defaults when empty)")
	dbPath        = flag.String("db", "rallie.db", "SQLite database path; empty disables persistence")
	port          = flag.String("port", "", "Serial port of the launcher (overrides serial_port in the config)")
	devMode       = flag.Bool("dev", false, "Run against a simulated launcher instead of a serial port")
	disableSerial = flag.Bool("disable-serial", false, "Run without a launcher link; commands are counted and discarded")
	replayPath    = flag.String("replay", "", "JSON-lines pose replay file to feed the dispatcher")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags]\n", os.Args[0])
	fmt.Fprintf(out, "       %s migrate <action> [args]\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if flag.NArg() > 0 {
		usage()
		os.Exit(2)
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		log.Printf("loaded config from %s", *configPath)
	}

	clock := timeutil.RealClock{}
	counters := &monitoring.Counters{}

	var database *db.DB
	if *dbPath != "" {
		var err error
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
	}

	links, err := openLinks(linkMode(*devMode, *disableSerial), resolvePort(*port, cfg), cfg.GetSerialOptions())
	if err != nil {
		log.Fatalf("failed to open launcher link: %v", err)
	}
	defer links.Close()
	log.Printf("launcher link: %s %s (%s)", links.Snapshot().PortPath, links.Snapshot().Options, links.Snapshot().Source)

	store := homography.NewStore(clock)
	if err := loadCalibration(store, cfg, database); err != nil {
		// Dispatch still works without a calibration; every image point gets
		// the fallback command until one is posted.
		log.Printf("⚠️ no calibration installed: %v", err)
	}

	strategy, err := cfg.NewStrategy()
	if err != nil {
		log.Fatalf("failed to build dispatch strategy: %v", err)
	}
	table, err := cfg.GetZoneTable()
	if err != nil {
		log.Fatalf("failed to build zone table: %v", err)
	}
	if missing := table.Missing(cfg.GetGrid()); len(missing) > 0 && cfg.GetStrategy() == "zone" {
		log.Printf("⚠️ zones %v have no table entry, the fallback command is aimed there", missing)
	}

	dispatchOpts := dispatch.Options{
		Strategy:     strategy,
		Sink:         links,
		Store:        store,
		Clock:        clock,
		Counters:     counters,
		ScreenWidth:  cfg.GetScreenWidth(),
		ScreenHeight: cfg.GetScreenHeight(),
	}
	var responseRecorder serialmux.ResponseRecorder
	if database != nil {
		dispatchOpts.Recorder = database
		responseRecorder = database
	}
	dispatcher, err := dispatch.New(dispatchOpts)
	if err != nil {
		log.Fatalf("failed to create dispatcher: %v", err)
	}
	responses := serialmux.NewResponseHandler(responseRecorder, clock, counters)

	server, err := api.NewServer(api.Options{
		Store:      store,
		Dispatcher: dispatcher,
		Link:       links,
		Links:      links,
		DB:         database,
		Responses:  responses,
		Counters:   counters,
		Clock:      clock,
		Grid:       cfg.GetGrid(),
		Table:      table,
		Bounds:     cfg.GetBounds(),
		// The overlay guide is drawn on the same screen detections come from.
		ScreenWidth:  cfg.GetScreenWidth(),
		ScreenHeight: cfg.GetScreenHeight(),
	})
	if err != nil {
		log.Fatalf("failed to create API server: %v", err)
	}

	// Create a wait group for the HTTP server, link monitor, response and
	// replay routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the launcher link
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := links.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor launcher link: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// subscribe to launcher frames and pass them to the response handler
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := links.Subscribe()
		go func() {
			<-ctx.Done()
			links.Unsubscribe(id)
		}()
		responses.Consume(c)
		log.Print("response routine terminated")
	}()

	if *replayPath != "" {
		records, err := pose.LoadReplay(*replayPath)
		if err != nil {
			log.Fatalf("failed to load pose replay: %v", err)
		}
		oracle := pose.NewReplayOracle(records, cfg.GetReplayInterval(), clock)
		oracle.Loop = cfg.GetReplayLoop()
		log.Printf("replaying %d pose observations from %s every %s", len(records), *replayPath, oracle.Interval)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dispatcher.Run(ctx, oracle.Observations(ctx)); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("dispatcher stopped: %v", err)
			}
			log.Print("replay routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := server.ServeMux()
		server.AttachAdminRoutes(mux)

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", *listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
