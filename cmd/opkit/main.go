package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/mattjoyce/opkit/internal/action"
	"github.com/mattjoyce/opkit/internal/api"
	"github.com/mattjoyce/opkit/internal/config"
	"github.com/mattjoyce/opkit/internal/dispatch"
	"github.com/mattjoyce/opkit/internal/encoding"
	"github.com/mattjoyce/opkit/internal/eventlog"
	"github.com/mattjoyce/opkit/internal/events"
	"github.com/mattjoyce/opkit/internal/extension"
	"github.com/mattjoyce/opkit/internal/extension/sysinfo"
	"github.com/mattjoyce/opkit/internal/extension/toolbox"
	"github.com/mattjoyce/opkit/internal/log"
	"github.com/mattjoyce/opkit/internal/runner"
	"github.com/mattjoyce/opkit/internal/storage"
	"github.com/mattjoyce/opkit/internal/task"
	"github.com/mattjoyce/opkit/internal/tui/watch"
)

const version = "0.1.0"

func main() {
	// Optional .env for ${VAR} expansion in the config file.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "system":
		os.Exit(runSystemNoun(args))
	case "action":
		os.Exit(runActionNoun(args))
	case "task":
		os.Exit(runTaskNoun(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("opkit version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`opkit - configuration-driven toolbox execution engine

Usage:
  opkit <noun> <action> [flags]

System Commands:
  system start             Start the engine and API server in foreground

Action Commands:
  action list              Show the loaded action catalog

Task Commands:
  task run <id> [param...] Run one action, streaming its output
  task log                 Query the durable event log

General:
  watch                    Live TUI over the engine's event feed
  version                  Show version information
  help                     Show this help message
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 || args[0] != "start" {
		fmt.Fprintln(os.Stderr, "usage: opkit system start [--config path]")
		return 1
	}

	fs := flag.NewFlagSet("system start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := action.LoadCatalog(cfg.ActionsFile)
	if err != nil {
		logger.Error("load action catalog", "error", err)
		return 1
	}
	logger.Info("action catalog loaded", "path", cfg.ActionsFile, "actions", len(catalog))

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		logger.Error("engine init", "error", err)
		return 1
	}
	defer eng.close()

	if cfg.Log.Retention > 0 {
		go eng.pruneLoop(ctx, time.Duration(cfg.Log.Retention), time.Duration(cfg.Log.PruneInterval))
	}

	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey},
			eng.disp, catalog, eng.sink, eng.hub, log.WithComponent("api"))
		go func() { apiErr <- srv.Start(ctx) }()
	}

	logger.Info("engine started", "workers", cfg.Engine.Workers)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-eng.disp.Fatal():
		logger.Error("dispatcher fatal", "error", err)
		return 1
	case err := <-apiErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("api server", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.disp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher drain incomplete", "error", err)
	}
	return 0
}

func runActionNoun(args []string) int {
	if len(args) < 1 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "usage: opkit action list [--config path]")
		return 1
	}

	fs := flag.NewFlagSet("action list", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	catalog, err := action.LoadCatalog(cfg.ActionsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		return 1
	}

	for _, d := range catalog {
		fp, _ := d.Fingerprint()
		if len(fp) > 12 {
			fp = fp[:12]
		}
		fmt.Printf("%-24s %-10s %-12s %s\n", d.ID, d.Kind, fp, d.Name)
	}
	return 0
}

func runTaskNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: opkit task {run|log} ...")
		return 1
	}
	switch args[0] {
	case "run":
		return runTaskRun(args[1:])
	case "log":
		return runTaskLog(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown task action %q\n", args[0])
		return 1
	}
}

func runTaskRun(args []string) int {
	fs := flag.NewFlagSet("task run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: opkit task run [--config path] <action-id> [param...]")
		return 1
	}
	actionID, params := rest[0], rest[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log.Setup("ERROR", cfg.Service.LogFormat) // keep task output clean

	catalog, err := action.LoadCatalog(cfg.ActionsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		return 1
	}
	var desc *action.Descriptor
	for i := range catalog {
		if catalog[i].ID == actionID {
			desc = &catalog[i]
			break
		}
	}
	if desc == nil {
		fmt.Fprintf(os.Stderr, "unknown action %q\n", actionID)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine init: %v\n", err)
		return 1
	}
	defer eng.close()

	// An observer attached at submit sees every event in order; the hub
	// feed drops under load and is not a fit for exact output replay.
	feed := make(chan task.Event, 256)
	taskID, err := eng.disp.SubmitWith(ctx, *desc, params, func(ev task.Event) {
		feed <- ev
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}

	interrupt := ctx.Done()
	for {
		select {
		case <-interrupt:
			_ = eng.disp.Cancel(taskID)
			interrupt = nil
		case ev := <-feed:
			switch ev.Type {
			case task.EventOutput:
				if ev.Stream == task.StreamStderr {
					fmt.Fprintln(os.Stderr, ev.Text)
				} else {
					fmt.Println(ev.Text)
				}
			case task.EventCompleted:
				if ev.ExitCode != nil {
					return *ev.ExitCode
				}
				return 0
			case task.EventFailed:
				fmt.Fprintf(os.Stderr, "failed (%s): %s\n", ev.ErrorKind, ev.Message)
				return 1
			case task.EventCancelled:
				reason := ev.Reason
				if reason == "" {
					reason = "requested"
				}
				fmt.Fprintf(os.Stderr, "cancelled (%s)\n", reason)
				return 130
			}
		}
	}
}

func runTaskLog(args []string) int {
	fs := flag.NewFlagSet("task log", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	taskID := fs.String("task", "", "filter by task id")
	actionID := fs.String("action", "", "filter by action id")
	since := fs.String("since", "", "RFC3339 lower bound")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Log.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open event log: %v\n", err)
		return 1
	}
	defer db.Close()

	filter := eventlog.Filter{TaskID: *taskID, ActionID: *actionID}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad --since: %v\n", err)
			return 1
		}
		filter.Since = t
	}

	cur, err := eventlog.New(db).Query(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		return 1
	}
	defer cur.Close()

	enc := json.NewEncoder(os.Stdout)
	for cur.Next() {
		_ = enc.Encode(cur.Record())
	}
	if err := cur.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "iterate: %v\n", err)
		return 1
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8710", "engine API base URL")
	apiKey := fs.String("key", os.Getenv("OPKIT_API_KEY"), "bearer token")
	_ = fs.Parse(args)

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

// engine bundles the wired execution stack.
type engine struct {
	disp *dispatch.Dispatcher
	sink *eventlog.Sink
	hub  *events.Hub
	db   interface{ Close() error }
}

func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	db, err := storage.OpenSQLite(ctx, cfg.Log.Path)
	if err != nil {
		return nil, err
	}

	norm, err := encoding.New(cfg.Engine.ConsoleEncoding)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	registry := extension.NewRegistry()
	registry.Register(sysinfo.ModuleName, sysinfo.New)
	registry.Register(toolbox.ModuleName, toolbox.New)

	sink := eventlog.New(db)
	hub := events.NewHub(256)
	grace := time.Duration(cfg.Engine.GracePeriod)
	disp := dispatch.New(dispatch.Config{
		Workers:        cfg.Engine.Workers,
		DefaultTimeout: time.Duration(cfg.Engine.DefaultTimeout),
		GracePeriod:    grace,
		Retention:      time.Duration(cfg.Engine.HandleRetention),
	}, runner.New(norm, grace), registry, sink, hub)

	return &engine{disp: disp, sink: sink, hub: hub, db: db}, nil
}

func (e *engine) close() {
	_ = e.db.Close()
}

// pruneLoop applies event-log retention on an interval.
func (e *engine) pruneLoop(ctx context.Context, retention, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	logger := log.WithComponent("retention")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.sink.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned event log", "records", n)
			}
		}
	}
}
