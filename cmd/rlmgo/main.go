package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/application"
	"github.com/rlmgo/rlmgo/internal/infrastructure/config"
	"github.com/rlmgo/rlmgo/internal/infrastructure/environment/remote/broker"
	"github.com/rlmgo/rlmgo/internal/infrastructure/logger"
	"github.com/rlmgo/rlmgo/internal/infrastructure/sandbox"
	"github.com/rlmgo/rlmgo/internal/interfaces/cli"
	"github.com/rlmgo/rlmgo/internal/interfaces/repl"
)

const (
	appName    = "rlmgo"
	appVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName + " [prompt]",
		Short: "rlmgo — recursive language model runtime",
		Args:  cobra.ArbitraryArgs,
		RunE:  runCLI,
	}
	rootCmd.Flags().StringP("model", "m", "", "model name shown in the banner and /status; does not change the model the providers call")
	rootCmd.Flags().StringP("workspace", "w", "", "workspace directory shown in the banner")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "repl",
		Short: "start the interactive bubbletea session",
		RunE:  runTUI,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "run the grpc completion server, websocket hub, and metrics exporter",
		RunE:  runServe,
	})

	brokerCmd := &cobra.Command{
		Use:   "broker",
		Short: "run the sandbox-side HTTP broker a remote environment talks to",
		RunE:  runBroker,
	}
	brokerCmd.Flags().String("listen", "", "override broker.listen_addr")
	rootCmd.AddCommand(brokerCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "check that python3 and a config file are in place",
		RunE:  runDoctor,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runCLI runs the plain, readline-based one-shot REPL (the default
// command, and the one scripts pipe a single prompt through).
func runCLI(cmd *cobra.Command, args []string) error {
	app, err := application.New(false)
	if err != nil {
		return err
	}
	defer app.Logger.Sync()

	if m, _ := cmd.Flags().GetString("model"); m != "" {
		app.Config.Driver.Model = m
	}
	workspace, _ := os.Getwd()
	if w, _ := cmd.Flags().GetString("workspace"); w != "" {
		workspace = w
	}

	stop, err := app.StartConfigWatcher(configPathForWatch())
	if err == nil {
		defer stop()
	}

	return cli.RunREPL(app.Driver, cli.REPLConfig{
		Model:         app.Config.Driver.Model,
		Workspace:     workspace,
		MaxIterations: app.Config.Driver.MaxIterations,
		MaxDepth:      app.Config.Driver.MaxDepth,
		InitPrompt:    strings.Join(args, " "),
		History:       app.History(),
	})
}

// runTUI runs the interactive bubbletea session.
func runTUI(cmd *cobra.Command, args []string) error {
	app, err := application.New(false)
	if err != nil {
		return err
	}
	defer app.Logger.Sync()

	stop, err := app.StartConfigWatcher(configPathForWatch())
	if err == nil {
		defer stop()
	}

	session := repl.New(app.Driver, app.Logger, repl.Config{
		Model:         app.Config.Driver.Model,
		MaxIterations: app.Config.Driver.MaxIterations,
		MaxDepth:      app.Config.Driver.MaxDepth,
		History:       app.History(),
	})
	return session.Run(context.Background())
}

// runServe starts the grpc completion server, the websocket hub, and the
// Prometheus exporter, and blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	app, err := application.New(true)
	if err != nil {
		return err
	}
	defer app.Logger.Sync()

	app.Logger.Info("starting rlmgo gateway", zap.String("version", appVersion))

	stop, err := app.StartConfigWatcher(configPathForWatch())
	if err == nil {
		defer stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	grpcServer := app.NewGRPCServer()
	if err := grpcServer.Start(); err != nil {
		return fmt.Errorf("start grpc server: %w", err)
	}

	hub, wsHandler := app.NewWebsocketHandler()
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	wsAddr := fmt.Sprintf("%s:%d", app.Config.Gateway.Host, app.Config.Gateway.WebsocketPort)
	wsServer := &http.Server{Addr: wsAddr, Handler: mux}
	go func() {
		app.Logger.Info("websocket hub listening", zap.String("addr", wsAddr))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Error("websocket server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := app.ServeMetrics(ctx); err != nil {
			app.Logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	app.Logger.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	grpcServer.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = wsServer.Shutdown(shutdownCtx)

	return nil
}

// runBroker runs the sandbox-side HTTP broker: it owns the persistent
// python3 session /execute runs code against, and queues llm_query jobs
// that code raises so the host's remote Executor (via its job poller) can
// answer them over the same HTTP API.
func runBroker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stdout"})
	if err != nil {
		return err
	}
	defer log.Sync()

	listenAddr := cfg.Broker.ListenAddr
	if l, _ := cmd.Flags().GetString("listen"); l != "" {
		listenAddr = l
	}

	selfURL, err := brokerSelfURL(listenAddr)
	if err != nil {
		return err
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

	b, err := broker.New(cfg.Broker.JobTimeout, selfURL, sandboxCfg, log)
	if err != nil {
		return fmt.Errorf("start sandbox session: %w", err)
	}
	defer b.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	b.Register(router)

	server := &http.Server{Addr: listenAddr, Handler: router}
	go func() {
		log.Info("broker listening", zap.String("addr", listenAddr), zap.String("self_url", selfURL))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("broker server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down broker", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// brokerSelfURL derives the broker's own loopback base URL from the
// address it binds to, so the sandbox session it owns can always reach
// it at 127.0.0.1 regardless of which interface listenAddr binds (e.g.
// "0.0.0.0:8088" isn't itself dialable).
func brokerSelfURL(listenAddr string) (string, error) {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("parse broker listen address %q: %w", listenAddr, err)
	}
	return "http://127.0.0.1:" + port, nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("rlmgo doctor v%s\n\n", appVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"config file", checkConfig},
		{"python3", checkPython},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("all checks passed")
	} else {
		fmt.Println("one or more checks failed, see above")
	}
	return nil
}

func checkConfig() (string, bool) {
	path := config.HomeDir() + "/config.yaml"
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "no ~/.rlmgo/config.yaml, running on defaults", true
}

func checkPython() (string, bool) {
	for _, p := range []string{"/usr/bin/python3", "/usr/local/bin/python3"} {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "python3 not found in /usr/bin or /usr/local/bin", false
}

func configPathForWatch() string {
	return config.HomeDir() + "/config.yaml"
}
