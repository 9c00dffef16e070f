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
	"syscall"
	"time"

	"github.com/taproom/card-agent/internal/api"
	"github.com/taproom/card-agent/internal/config"
	"github.com/taproom/card-agent/internal/core"
	"github.com/taproom/card-agent/internal/logging"
	"github.com/taproom/card-agent/internal/presence"
	"github.com/taproom/card-agent/internal/service"
	"github.com/taproom/card-agent/internal/settings"
	"github.com/taproom/card-agent/internal/tray"
	"github.com/taproom/card-agent/internal/welcome"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")
	configFlag := flag.String("config", "", "Path to a YAML config file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Card Agent - Local MIFARE Classic reader service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  card-agent [flags]\n")
		fmt.Fprintf(os.Stderr, "  card-agent [flags] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  install       Enable launch at login\n")
		fmt.Fprintf(os.Stderr, "  uninstall     Disable launch at login\n")
		fmt.Fprintf(os.Stderr, "  version       Print version information\n")
		fmt.Fprintf(os.Stderr, "  readers       List attached readers\n")
		fmt.Fprintf(os.Stderr, "  watch         Print card status changes until interrupted\n")
		fmt.Fprintf(os.Stderr, "  read-block    Read one block\n")
		fmt.Fprintf(os.Stderr, "  write-block   Write one block\n")
		fmt.Fprintf(os.Stderr, "  change-keys   Rewrite a sector trailer with new keys\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  CARD_AGENT_CONFIG         Config file (default: none)\n")
		fmt.Fprintf(os.Stderr, "  CARD_AGENT_PORT           Port to listen on (default: %d)\n", config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  CARD_AGENT_HOST           Host to bind to (default: %s)\n", config.DefaultHost)
		fmt.Fprintf(os.Stderr, "  CARD_AGENT_READER         Reader watched for cards (default: first available)\n")
		fmt.Fprintf(os.Stderr, "  CARD_AGENT_POLL_INTERVAL  Presence poll interval (default: %s)\n", config.DefaultPollInterval)
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if args := flag.Args(); len(args) > 0 {
		os.Exit(runCommand(cfg, args))
	}

	run(cfg, *noTrayFlag)
}

func printVersion() {
	fmt.Printf("card-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func run(cfg *config.Config, headless bool) {
	logging.Init(1000, logging.LevelDebug)
	logging.Info(logging.CatSystem, "Card Agent starting", map[string]any{
		"version": api.Version,
		"config":  cfg.Path,
	})

	userSettings, err := settings.Load()
	if err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{"error": err.Error()})
	}
	if logging.InitSentry(api.Version, userSettings.CrashReporting) {
		defer logging.FlushSentry(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := core.NewTransport(core.DefaultContextFactory{})
	defer transport.Close()

	cards := core.NewCardService(transport, core.ServiceOptions{
		SharingRetries:    cfg.SharingRetries,
		SharingRetryDelay: cfg.SharingRetryDelay,
	})

	hub := api.NewWSHub(cards)
	go hub.Run()

	preferredReader := func() string {
		if cfg.Reader != "" {
			return cfg.Reader
		}
		return settings.PreferredReader()
	}

	autostart := service.New()
	useTray := !headless && tray.IsSupported()
	trayApp := tray.New(autostart, preferredReader, stop)

	notifiers := presence.Fanout{hub}
	if useTray {
		notifiers = append(notifiers, trayApp)
	}
	monitor := presence.NewMonitor(transport, notifiers, presence.Options{
		Interval:        cfg.PollInterval,
		PreferredReader: preferredReader,
	})
	go monitor.Run(ctx)

	addr := cfg.Address()
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewServer(cards, hub, api.Options{
			Autostart: autostart,
			Shutdown:  stop,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	startServer := func() {
		log.Printf("card-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(logging.CatSystem, "Server failed", map[string]any{"error": err.Error()})
			stop()
		}
	}

	if useTray {
		log.Println("Starting with system tray...")
		go func() {
			defer logging.RecoverAndLog("first run", false)
			if err := welcome.FirstRun(welcome.Native(), autostart); err != nil {
				logging.Warn(logging.CatSystem, "Failed to save first-run answers", map[string]any{"error": err.Error()})
			}
		}()
		go func() {
			<-ctx.Done()
			trayApp.Quit()
		}()
		// Blocks on the main thread until quit (required for macOS Cocoa compatibility)
		trayApp.RunWithServer(startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}
		go startServer()
		<-ctx.Done()
	}

	log.Println("Shutting down...")
	logging.Info(logging.CatSystem, "Card Agent stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(logging.CatSystem, "HTTP shutdown incomplete", map[string]any{"error": err.Error()})
	}
}
