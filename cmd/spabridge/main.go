// Spabridge connects spa controllers to a backend over MQTT.
//
// Each configured worker holds one broker connection, dispatches inbound
// device messages to listeners, and is watched by a liveness watchdog
// that recreates it when it stops checking in. Device state and alerts
// are persisted to SQLite and exposed over an HTTP API. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	spabridge serve                       Start the workers and API server
//	spabridge init [dir]                  Initialize a working directory with defaults
//	spabridge publish <device> <payload>  Send one command to a device
//	spabridge version                     Print version and build information
//	spabridge -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/spabridge/internal/api"
	"github.com/nugget/spabridge/internal/broker"
	"github.com/nugget/spabridge/internal/buildinfo"
	"github.com/nugget/spabridge/internal/checkin"
	"github.com/nugget/spabridge/internal/config"
	"github.com/nugget/spabridge/internal/events"
	"github.com/nugget/spabridge/internal/mqtt"
	"github.com/nugget/spabridge/internal/processor"
	"github.com/nugget/spabridge/internal/state"
	"github.com/nugget/spabridge/internal/supervisor"
	"github.com/nugget/spabridge/internal/watchdog"
	"github.com/nugget/spabridge/internal/worker"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the spabridge command. Cancelling ctx
// triggers graceful shutdown. Structured logs go to stdout; args is
// os.Args[1:]. Arguments are parsed by hand because the flag package's
// globals interfere with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "publish":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: spabridge publish <device> <payload>")
		}
		return runPublish(ctx, stdout, configPath, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "version:", info.Version)
	fmt.Fprintf(w, "  %-12s %s\n", "git_commit:", info.GitCommit)
	fmt.Fprintf(w, "  %-12s %s\n", "build_time:", info.BuildTime)
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Spabridge - MQTT bridge for connected spas")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: spabridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                      Start the workers and API server")
	fmt.Fprintln(w, "  init [dir]                 Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  publish <device> <payload> Send one command to a device")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/spabridge/config.yaml, /etc/spabridge/config.yaml")
	return nil
}

// runServe starts one supervisor per configured worker and the API
// server, then blocks until ctx is cancelled or a signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting spabridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "log_level", cfg.LogLevel, "workers", len(cfg.Workers))

	host := config.DetectHost()
	logger.Info("host detected", "hostname", host.Hostname, "os", host.OS, "arch", host.Arch)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	store, err := state.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	bus := events.New()
	var notifier processor.Notifier = processor.NewLogNotifier(logger)
	if cfg.Notify.WebhookURL != "" {
		notifier = processor.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout(), logger)
		logger.Info("alert webhook configured", "timeout", cfg.Notify.Timeout())
	}
	proc := processor.New(store, notifier, logger, bus)

	dialers, err := newDialerFactory(cfg, logger)
	if err != nil {
		return err
	}

	var sups []*supervisor.Supervisor
	for _, wc := range cfg.Workers {
		d, err := dialers(wc.Name)
		if err != nil {
			return err
		}

		registry := worker.NewRegistry()
		for _, topic := range wc.Topics {
			registry.Set(topic, proc.ListenerFor(topic))
		}

		sup, err := supervisor.New(supervisor.Config{
			Name:           wc.Name,
			ReceiveTimeout: wc.ReceiveTimeout(),
			Watchdog: watchdog.Config{
				PollInterval:   cfg.Watchdog.PollInterval(),
				StaleThreshold: cfg.Watchdog.StaleThreshold(),
			},
			StopGrace: cfg.Watchdog.StopGrace(),
		}, d, registry, logger, bus)
		if err != nil {
			return err
		}
		sups = append(sups, sup)
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Run(ctx)
		}()
	}

	if cfg.Listen.Port > 0 {
		server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, host, logger)
		workers := make([]api.WorkerStatus, len(sups))
		for i, sup := range sups {
			workers[i] = sup
		}
		server.SetWorkers(workers...)
		server.SetStore(store)
		server.SetPublisher(commandPublisher(sups))
		server.SetBus(bus)

		go func() {
			<-ctx.Done()
			logger.Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("API server shutdown failed", "error", err)
			}
		}()

		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			wg.Wait()
			return fmt.Errorf("API server: %w", err)
		}
	}

	<-ctx.Done()
	wg.Wait()
	logger.Info("spabridge stopped")
	return nil
}

// runPublish sends a single command to a device through a short-lived
// worker and exits.
func runPublish(ctx context.Context, stdout io.Writer, configPath, deviceID, payload string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := processor.ValidateCommand(deviceID, []byte(payload)); err != nil {
		return err
	}

	dialers, err := newDialerFactory(cfg, logger)
	if err != nil {
		return err
	}
	d, err := dialers("publish")
	if err != nil {
		return err
	}

	w := worker.New(worker.Config{Name: "publish"}, d, worker.NewRegistry(), checkin.New(time.Now()), logger, nil)
	defer w.Cleanup()

	topic := processor.CommandTopic(deviceID)
	if err := w.Publish(ctx, topic, []byte(payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	fmt.Fprintf(stdout, "published %d bytes to %s\n", len(payload), topic)
	return nil
}

// newDialerFactory returns a function producing one connection factory
// per worker name. Every factory retries with the configured backoff.
// A loopback broker URL shares one in-process broker across all workers.
func newDialerFactory(cfg *config.Config, logger *slog.Logger) (func(name string) (broker.Dialer, error), error) {
	backoff := backoffConfig(cfg.Broker.Retry)

	if cfg.Broker.Loopback() {
		logger.Warn("using in-process loopback broker", "url", cfg.Broker.URL)
		mem := broker.NewMemory()
		return func(name string) (broker.Dialer, error) {
			return broker.NewRetryDialer(name, mem, backoff, logger), nil
		}, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("instance id: %w", err)
	}

	return func(name string) (broker.Dialer, error) {
		clientID := mqtt.ClientID(cfg.Broker.ClientIDPrefix, instanceID, name)
		d, err := mqtt.NewDialer(cfg.Broker, clientID, logger)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", name, err)
		}
		return broker.NewRetryDialer(name, d, backoff, logger), nil
	}, nil
}

func backoffConfig(r config.RetryConfig) broker.BackoffConfig {
	return broker.BackoffConfig{
		InitialDelay: time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(r.MaxDelayMs) * time.Millisecond,
		Multiplier:   r.Multiplier,
		MaxRetries:   r.MaxRetries,
	}
}

// commandPublisher sends each command through the first supervisor with
// a live worker, in configuration order. A failed publish is returned as
// is and never re-sent through another supervisor, so a command reaches
// the broker at most once per request.
type commandPublisher []*supervisor.Supervisor

func (p commandPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	for _, sup := range p {
		if !sup.Status().Live {
			continue
		}
		if err := sup.Publish(ctx, topic, payload); err != nil {
			return fmt.Errorf("%s: %w", sup.Name(), err)
		}
		return nil
	}
	return supervisor.ErrNoWorker
}

// newLogger creates a structured logger writing to w at the given level
// and format ("text" or "json").
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
