package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/germanamz/relaydeck/cmd/relaydeck/internal/app"
	"github.com/germanamz/relaydeck/cmd/relaydeck/internal/bridge"
	"github.com/germanamz/relaydeck/cmd/relaydeck/internal/msgs"
	"github.com/germanamz/relaydeck/pkg/bus"
	"github.com/germanamz/relaydeck/pkg/config"
	"github.com/germanamz/relaydeck/pkg/datadir"
	"github.com/germanamz/relaydeck/pkg/logging"
	"github.com/germanamz/relaydeck/pkg/overlord"
	"github.com/germanamz/relaydeck/pkg/registry"
	"github.com/germanamz/relaydeck/pkg/relay"
	"github.com/germanamz/relaydeck/pkg/settings"
	"github.com/germanamz/relaydeck/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// busCapacity is the buffer of the shared minions→overlord channel.
const busCapacity = 1024

type options struct {
	configPath    string
	dir           string
	envFile       string
	headless      bool
	metrics       string
	resetSettings bool
}

// run performs the startup sequence, runs the overlord on its own goroutine
// and the presentation driver on this one, then shuts down and joins.
func run(opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d := datadir.New(opts.dir)
	if err := datadir.EnsureStructure(d); err != nil {
		return err
	}

	envFile := opts.envFile
	if envFile == "" {
		envFile = d.EnvPath()
	}
	if err := loadDotEnv(envFile); err != nil {
		return err
	}

	cfg, err := loadConfig(opts.configPath, d)
	if err != nil {
		return err
	}
	if opts.metrics != "" {
		cfg.Metrics = opts.metrics
	}

	log, closeLog, err := openLogger(cfg, d, opts.headless)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog.Close() }()

	dbPath := cfg.DB
	if dbPath == "" {
		dbPath = d.DBPath()
	}

	store, err := storage.Setup(ctx, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	defaults := cfg.Defaults(settings.Default())
	if opts.resetSettings {
		if err := settings.Save(ctx, store, defaults); err != nil {
			return err
		}
	}

	snapshot, err := settings.Load(ctx, store, defaults)
	if err != nil {
		return err
	}
	if cfg.RelaysFromEnv() {
		log.Info("relay list pinned by environment", "var", config.EnvPrefix+"RELAYS")
		snapshot = cfg.Pin(snapshot)
	}

	reg := registry.New(snapshot, log)
	tx, rx := bus.NewChannel(busCapacity)
	reg.Install(rx, tx)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := overlord.NewMetrics(promReg)

	if cfg.Metrics != "" {
		stop, err := serveMetrics(cfg.Metrics, promReg, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	events := overlord.NewEventBus()
	dialer := relay.NewDialer(relay.DialerOptions{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Delay:            cfg.BreakerDelay(),
		Logger:           log,
	})

	ovOpts := overlord.Options{
		Factory: relay.NewFactory(dialer, reg.Settings, log),
		Store:   store,
		Events:  events,
		Metrics: metrics,
		Logger:  log,
	}

	stopped := make(chan struct{})
	var ovErr error
	go func() {
		defer close(stopped)
		ovErr = runOverlord(ctx, reg, ovOpts)
	}()

	log.Info("relaydeck started", "relays", len(snapshot.ReadRelays()), "db", dbPath, "headless", opts.headless)

	var driverErr error
	if opts.headless {
		runHeadless(ctx, os.Stdout, events, stopped, log)
	} else {
		driverErr = runTUI(ctx, reg, store, snapshot, events, stopped)
	}

	reg.InitiateShutdown()
	<-stopped

	log.Info("relaydeck stopped")

	return errors.Join(driverErr, ovErr)
}

func loadConfig(path string, d datadir.Dir) (config.Config, error) {
	if path == "" {
		path = d.ConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

// openLogger logs to the data dir while the TUI owns the terminal and to
// stderr otherwise.
func openLogger(cfg config.Config, d datadir.Dir, headless bool) (*slog.Logger, io.Closer, error) {
	if headless {
		return logging.New(os.Stderr, logging.Options{Level: cfg.Log, DropTime: true}), io.NopCloser(nil), nil
	}

	return logging.OpenFile(d.LogPath(), logging.Options{Level: cfg.Log})
}

// runOverlord constructs and runs the overlord, turning a panic into an error
// so the launcher can exit non-zero.
func runOverlord(ctx context.Context, reg *registry.Registry, opts overlord.Options) (err error) {
	defer func() {
		if r := recover(); r != nil {
			opts.Logger.Error("overlord panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("overlord panicked: %v", r)
		}
	}()

	o, err := overlord.New(reg, opts)
	if err != nil {
		return err
	}

	return o.Run(ctx)
}

func runTUI(ctx context.Context, reg *registry.Registry, store *storage.Store, s settings.Settings, events *overlord.EventBus, stopped <-chan struct{}) error {
	recent, err := store.RecentEvents(ctx, s.FeedLimit)
	if err != nil {
		return err
	}

	notes := make([]msgs.Note, 0, len(recent))
	for _, e := range recent {
		if n, ok := bridge.NoteFromEvent(e.Relay, e.Raw); ok {
			notes = append(notes, n)
		}
	}

	ctrl := newController(reg, store)
	defer ctrl.Close()

	model := app.New(ctx, app.Options{
		Relays:     s.Relays,
		FeedLimit:  s.FeedLimit,
		Recent:     notes,
		Controller: ctrl,
		Events:     events,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())

	// Send the program reference so the model can start the bridge.
	go func() {
		p.Send(msgs.ProgramReadyMsg{Program: p})
	}()

	// Leave the TUI if the overlord goes away on its own.
	go func() {
		select {
		case <-stopped:
			p.Quit()
		case <-ctx.Done():
			p.Quit()
		}
	}()

	_, err = p.Run()
	return err
}

// serveMetrics exposes reg over HTTP at addr and returns a function that
// stops the server.
func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	log.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
