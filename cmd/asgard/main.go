// Asgard joins a Wi-Fi network with a bounded retry budget and then
// publishes a counter message to an MQTT broker every few seconds,
// forever.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one the
// compiled-in defaults are used.
//
// Usage:
//
//	asgard                    Join the network and publish (same as run)
//	asgard run                Join the network and publish
//	asgard init [dir]         Write an example config and data directory
//	asgard state              Show persisted state
//	asgard erase              Wipe persisted state
//	asgard wifi-qr [file.png] Render the network's join QR code
//	asgard version            Print version and build information
//	asgard -o json version    Output version information as JSON
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
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/asgard/internal/buildinfo"
	"github.com/nugget/asgard/internal/config"
	"github.com/nugget/asgard/internal/events"
	"github.com/nugget/asgard/internal/kvstore"
	"github.com/nugget/asgard/internal/monitor"
	"github.com/nugget/asgard/internal/mqtt"
	"github.com/nugget/asgard/internal/provision"
	"github.com/nugget/asgard/internal/station"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so run has
// no package-level state and can be driven concurrently from tests.
// It returns nil on clean shutdown.
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
	case "", "run":
		return runApp(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "state":
		return runState(stdout, configPath, outputFmt)
	case "erase":
		return runErase(stdout, configPath)
	case "wifi-qr":
		out := ""
		if len(cmdArgs) > 0 {
			out = cmdArgs[0]
		}
		return runWiFiQR(stdout, configPath, out)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Asgard - Wi-Fi station and MQTT telemetry publisher")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: asgard [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run               Join the network and publish forever (default)")
	fmt.Fprintln(w, "  init [dir]        Write an example config and data directory (default: .)")
	fmt.Fprintln(w, "  state             Show persisted state")
	fmt.Fprintln(w, "  erase             Wipe persisted state")
	fmt.Fprintln(w, "  wifi-qr [file]    Print the network join QR code, or write it as PNG")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./asgard.yaml, ~/.config/asgard/asgard.yaml, /etc/asgard/asgard.yaml")
	return nil
}

// runApp is the device's main sequence:
//
//  1. open persistent storage, erasing it if it is incompatible
//  2. bring up the station and wait for the one-shot outcome
//  3. start the broker session, whatever the outcome was
//  4. publish forever
//
// SIGINT or SIGTERM cancels the context; the loop returns, the
// session disconnects and the interface is released.
func runApp(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting asgard", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Everything after this point uses the configured level, format
	// and log file.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	out, logCloser := config.LogWriter(stdout, cfg.LogFile)
	defer logCloser.Close()
	logger = newLogger(out, level, cfg.LogFormat)

	if cfgPath == "" {
		cfgPath = "(defaults)"
	}
	logger.Info("config loaded", "path", cfgPath, "ssid", cfg.Station.SSID, "broker", cfg.Broker.URL)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Storage ---
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	boots, err := store.Increment("system", "boot_count")
	if err != nil {
		return fmt.Errorf("record boot: %w", err)
	}
	logger.Info("persistent storage ready", "path", store.Path(), "boot_count", boots)

	bus := events.New()

	// --- Station ---
	creds, err := credentials(cfg.Station)
	if err != nil {
		return err
	}
	policy, err := station.NewRetryPolicy(cfg.Station.Backoff, cfg.Station.MaxRetries)
	if err != nil {
		return err
	}
	driver := newDriver(cfg.Station, logger)
	defer driver.Close()

	sup := station.NewSupervisor(driver, creds, station.Options{
		Policy: policy,
		Logger: logger.With("component", "station"),
		Bus:    bus,
	})

	sess := mqtt.NewSession(mqtt.SessionConfig{
		BrokerURL: cfg.Broker.URL,
		KeepAlive: uint16(cfg.Broker.KeepAliveSec),
		Handler:   mqtt.LogEvents(logger.With("component", "mqtt")),
		Logger:    logger.With("component", "mqtt"),
		Bus:       bus,
	})

	// --- Monitor (optional) ---
	if cfg.Monitor.Enabled {
		metrics := monitor.NewMetrics()
		metrics.Follow(ctx, bus)
		srv := monitor.NewServer(cfg.Monitor.Address, cfg.Monitor.Port, sup, sess, bus, metrics, logger.With("component", "monitor"))
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("monitor server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := sup.Initialize(ctx); err != nil {
		return fmt.Errorf("wifi init: %w", err)
	}

	waitCtx := ctx
	if cfg.Station.WaitTimeoutSec > 0 {
		var waitCancel context.CancelFunc
		waitCtx, waitCancel = context.WithTimeout(ctx, time.Duration(cfg.Station.WaitTimeoutSec)*time.Second)
		defer waitCancel()
	}

	result, err := sup.Wait(waitCtx)
	switch {
	case ctx.Err() != nil:
		logger.Info("shutdown before wifi resolved")
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("timed out waiting for wifi", "ssid", creds.SSID, "timeout_sec", cfg.Station.WaitTimeoutSec)
	case err != nil:
		return fmt.Errorf("wifi wait: %w", err)
	case result == station.ResultSuccess:
		st := sup.Status()
		logger.Info("connected to wifi", "ssid", st.SSID, "addr", st.Address, "attempts", st.Attempts)
		rememberStation(store, st, logger)
	default:
		st := sup.Status()
		logger.Error("failed to connect to wifi", "ssid", st.SSID, "attempts", st.Attempts, "retries", st.Retries)
	}

	// --- Broker session ---
	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID, err = mqtt.LoadOrCreateClientID(store)
		if err != nil {
			return err
		}
	}
	sess.SetClientID(clientID)
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := sess.Stop(stopCtx); err != nil {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}()

	// --- Publish loop ---
	loop := mqtt.NewLoop(sess, mqtt.LoopConfig{
		Topic:    cfg.Publish.Topic,
		Greeting: cfg.Publish.Greeting,
		QoS:      byte(cfg.Publish.QoS),
		Retain:   cfg.Publish.Retain,
		Interval: time.Duration(cfg.Publish.IntervalSec) * time.Second,
	}, logger.With("component", "publisher"), bus)

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown signal received")
	return nil
}

// newLogger creates a structured logger writing to w at the given
// level. Format "json" selects the JSON handler; anything else uses
// text.
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
// is non-empty, that exact path is used (and must exist). When no file
// is found in the search paths the defaults are returned with an empty
// path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func storePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "asgard.db")
}

func openStore(cfg *config.Config, logger *slog.Logger) (*kvstore.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := kvstore.OpenOrReset(storePath(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func credentials(sc config.StationConfig) (station.Credentials, error) {
	mode, err := station.ParseAuthMode(sc.MinAuth)
	if err != nil {
		return station.Credentials{}, fmt.Errorf("station.min_auth: %w", err)
	}
	creds := station.Credentials{SSID: sc.SSID, Passphrase: sc.Passphrase, MinAuth: mode}
	if err := creds.Validate(); err != nil {
		return station.Credentials{}, fmt.Errorf("station credentials: %w", err)
	}
	return creds, nil
}

func newDriver(sc config.StationConfig, logger *slog.Logger) station.Driver {
	if sc.Driver == "sim" {
		d := station.NewSimDriver(sc.SimFailures)
		d.Latency = 50 * time.Millisecond
		return d
	}
	return station.NewWPADriver(sc.Interface, sc.ControlDir, logger.With("component", "wpa"))
}

// rememberStation records the last successful join for the state command.
func rememberStation(store *kvstore.Store, st station.Status, logger *slog.Logger) {
	for k, v := range map[string]string{
		"last_ssid":      st.SSID,
		"last_address":   st.Address,
		"last_connected": time.Now().UTC().Format(time.RFC3339),
	} {
		if err := store.Set("station", k, v); err != nil {
			logger.Warn("failed to persist station state", "key", k, "error", err)
		}
	}
}

// runState prints every persisted key, grouped by namespace.
func runState(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := kvstore.Open(storePath(cfg))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	namespaces, err := store.Namespaces()
	if err != nil {
		return err
	}
	state := make(map[string]map[string]string, len(namespaces))
	for _, ns := range namespaces {
		entries, err := store.List(ns)
		if err != nil {
			return err
		}
		state[ns] = entries
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}
	for _, ns := range namespaces {
		fmt.Fprintf(w, "%s:\n", ns)
		keys := make([]string, 0, len(state[ns]))
		for k := range state[ns] {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-16s %s\n", k+":", state[ns][k])
		}
	}
	return nil
}

// runErase deletes the persistent store; the next run starts fresh.
func runErase(w io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := kvstore.Erase(storePath(cfg)); err != nil {
		return err
	}
	fmt.Fprintf(w, "erased %s\n", storePath(cfg))
	return nil
}

// runWiFiQR prints the join QR code, or writes it as a PNG when out is
// set.
func runWiFiQR(w io.Writer, configPath, out string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	creds, err := credentials(cfg.Station)
	if err != nil {
		return err
	}

	if out != "" {
		if err := provision.WritePNG(creds, 512, out); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", out)
		return nil
	}

	code, err := provision.Terminal(creds)
	if err != nil {
		return err
	}
	fmt.Fprint(w, code)
	fmt.Fprintf(w, "network: %s (%s)\n", creds.SSID, creds.MinAuth)
	return nil
}
