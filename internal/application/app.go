// Package application wires every layer of rlmgo together: load config,
// build the LM provider (or a router over several), construct the
// completion driver with its trajectory sink and metrics collector, and
// hand scoped environment/handler factories to whichever front end
// cmd/rlmgo asked for — the plain cli command, the bubbletea repl, the
// websocket hub, or the grpc streaming server.
package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/service"
	"github.com/rlmgo/rlmgo/internal/infrastructure/config"
	"github.com/rlmgo/rlmgo/internal/infrastructure/environment/local"
	"github.com/rlmgo/rlmgo/internal/infrastructure/environment/remote"
	"github.com/rlmgo/rlmgo/internal/infrastructure/handler"
	"github.com/rlmgo/rlmgo/internal/infrastructure/llm"
	_ "github.com/rlmgo/rlmgo/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/rlmgo/rlmgo/internal/infrastructure/llm/mock"      // register mock provider factory
	_ "github.com/rlmgo/rlmgo/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/rlmgo/rlmgo/internal/infrastructure/logger"
	"github.com/rlmgo/rlmgo/internal/infrastructure/metrics"
	"github.com/rlmgo/rlmgo/internal/infrastructure/persistence"
	"github.com/rlmgo/rlmgo/internal/infrastructure/sandbox"
	"github.com/rlmgo/rlmgo/internal/interfaces/agentgrpc"
	"github.com/rlmgo/rlmgo/internal/interfaces/websocket"
	rlmerrors "github.com/rlmgo/rlmgo/pkg/errors"
)

// App holds every long-lived component built from Config, ready to be
// driven by whichever cmd/rlmgo subcommand is running.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Driver *service.Driver

	historyLister *historyLister

	watcher  *config.DriverConfigWatcher
	registry *prometheus.Registry
}

// New loads config, builds the logger, LM provider(s), trajectory sink,
// metrics collector, and the environment/handler factories, and returns an
// App wrapping a Driver wired to all of it. remoteEnv selects which of the
// spec's two execution-environment modes the driver's EnvironmentFactory
// builds: a local persistent python3 subprocess, or an HTTP client against
// a broker running in a separate sandbox process.
func New(remoteEnv bool) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if err := config.Bootstrap(log); err != nil {
		log.Warn("config bootstrap failed, continuing on loaded config", zap.Error(err))
	}

	lmClient, err := buildLMClient(cfg, log)
	if err != nil {
		return nil, err
	}

	newEnv := environmentFactory(cfg, remoteEnv, log)

	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open trajectory database: %w", err)
	}
	sink := persistence.NewGormTrajectorySink(db)

	registry := prometheus.NewRegistry()
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(registry)
	}

	driver := service.NewDriver(lmClient, newEnv, handlerFactory(log), cfg.Driver.ToService(), log)
	driver.SetSink(sink)
	if collector != nil {
		driver.SetEvents(collector)
	}

	return &App{
		Config:        cfg,
		Logger:        log,
		Driver:        driver,
		historyLister: &historyLister{sink: sink},
		registry:      registry,
	}, nil
}

// buildLMClient constructs either a single configured provider or, when
// more than one is listed, a priority-ordered llm.Router with per-provider
// circuit breakers, so a degraded provider is skipped rather than failing
// every completion.
func buildLMClient(cfg *config.Config, log *zap.Logger) (service.LMClient, error) {
	if len(cfg.Providers) == 0 {
		return nil, rlmerrors.New(rlmerrors.KindConfig, "no LM providers configured: add at least one entry under providers: in config.yaml")
	}

	if len(cfg.Providers) == 1 {
		p := cfg.Providers[0]
		provider, err := llm.CreateProvider(toProviderConfig(p), log)
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", p.Name, err)
		}
		return provider, nil
	}

	router := llm.NewRouter(log)
	for _, p := range cfg.Providers {
		provider, err := llm.CreateProvider(toProviderConfig(p), log)
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", p.Name, err)
		}
		router.AddProvider(provider, p.Priority)
	}
	return router, nil
}

func toProviderConfig(p config.ProviderConfig) llm.ProviderConfig {
	return llm.ProviderConfig{
		Name:     p.Name,
		Type:     p.Type,
		BaseURL:  p.BaseURL,
		APIKey:   p.APIKey,
		Models:   p.Models,
		Priority: p.Priority,
	}
}

// environmentFactory returns the service.EnvironmentFactory the driver
// calls once per completion. The local mode spawns a fresh persistent
// python3 session per factory call; the remote mode builds an HTTP client
// against the configured broker (the broker process itself runs
// independently, in the sandbox, started by `rlmgo broker`).
func environmentFactory(cfg *config.Config, remoteEnv bool, log *zap.Logger) service.EnvironmentFactory {
	if remoteEnv {
		return func(ctx context.Context) (service.Environment, error) {
			return remote.New(remote.Config{
				BrokerURL:      cfg.Broker.URL,
				RequestTimeout: cfg.Broker.RequestTimeout,
				HealthInterval: cfg.Broker.HealthInterval,
				PollInterval:   cfg.Broker.PollInterval,
			}, log), nil
		}
	}

	sandboxCfg := &sandbox.Config{
		WorkDir:       cfg.Sandbox.WorkDir,
		TempDir:       cfg.Sandbox.TempDir,
		Timeout:       cfg.Sandbox.Timeout,
		PythonBin:     cfg.Sandbox.PythonBin,
		EnableNetwork: cfg.Sandbox.EnableNetwork,
		SetupCode:     cfg.Sandbox.SetupCode,
	}
	defaults := sandbox.DefaultConfig()
	if sandboxCfg.PythonBin == "" {
		sandboxCfg.PythonBin = defaults.PythonBin
	}
	if sandboxCfg.WorkDir == "" {
		sandboxCfg.WorkDir = defaults.WorkDir
	}
	if sandboxCfg.TempDir == "" {
		sandboxCfg.TempDir = defaults.TempDir
	}
	return func(ctx context.Context) (service.Environment, error) {
		return local.New(sandboxCfg, log)
	}
}

// handlerFactory returns the service.HandlerFactory the driver calls once
// per completion, binding a fresh LM handler broker to whichever Driver
// instance (or WithEvents clone) is dispatching llm_query calls for that
// completion.
func handlerFactory(log *zap.Logger) service.HandlerFactory {
	return func(caller service.Caller) (service.CallHandler, error) {
		return handler.New(caller, log)
	}
}

// StartConfigWatcher watches configPath for changes to the driver: section
// and hot-applies them to a.Driver via Driver.SetConfig. Returns a stop
// func the caller should defer.
func (a *App) StartConfigWatcher(configPath string) (stop func(), err error) {
	w := config.NewDriverConfigWatcher(configPath, a.Logger)
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("start config watcher: %w", err)
	}
	a.watcher = w
	a.Driver.SetConfig(w.Config())

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last := w.Config()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				next := w.Config()
				if next != last {
					a.Driver.SetConfig(next)
					last = next
				}
			}
		}
	}()

	return func() {
		close(done)
		w.Stop()
	}, nil
}

// ServeMetrics starts the Prometheus HTTP exporter on cfg.Metrics.Addr and
// blocks until ctx is cancelled. When metrics are disabled it returns nil
// at once.
func (a *App) ServeMetrics(ctx context.Context) error {
	if !a.Config.Metrics.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	a.Logger.Info("metrics exporter listening", zap.String("addr", a.Config.Metrics.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// NewGRPCServer builds a grpc server wrapping a.Driver.
func (a *App) NewGRPCServer() *agentgrpc.Server {
	return agentgrpc.NewServer(a.Driver, a.Config.Gateway.GRPCPort, a.Logger)
}

// NewWebsocketHandler builds a websocket hub/handler pair wrapping
// a.Driver: one completion per "run" message, streamed back as "event"
// messages followed by one "done".
func (a *App) NewWebsocketHandler() (*websocket.Hub, *websocket.Handler) {
	hub := websocket.NewHub(a.Logger)
	hub.SetMessageHandler(func(client *websocket.Client, msg *websocket.WSMessage) {
		if msg.Type != websocket.MessageTypeRun {
			return
		}
		go a.runForClient(client, msg)
	})
	return hub, websocket.NewHandler(hub, a.Logger)
}

func (a *App) runForClient(client *websocket.Client, msg *websocket.WSMessage) {
	sink := websocket.NewClientEventSink(client)
	scoped := a.Driver.WithEvents(sink)

	result, err := scoped.Complete(context.Background(), msg.Content, 0)
	if err != nil {
		client.SendError(err)
		return
	}
	client.SendResult(result)
}

// History returns the HistoryLister the cli/repl "/history" command uses.
func (a *App) History() *historyLister {
	return a.historyLister
}

// historyLister adapts *persistence.GormTrajectorySink.ListTraces(ctx,
// limit) to cli.HistoryLister's ListTraces(limit), binding a fixed
// background context: the repl/cli surfaces are synchronous local calls
// with nothing more specific to cancel on.
type historyLister struct {
	sink *persistence.GormTrajectorySink
}

func (h *historyLister) ListTraces(limit int) ([]string, error) {
	return h.sink.ListTraces(context.Background(), limit)
}
