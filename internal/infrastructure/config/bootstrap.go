package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "rlmgo"

// HomeDir returns the user's rlmgo configuration home: ~/.rlmgo
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures ~/.rlmgo exists with a default config.yaml. Safe to
// call multiple times — never overwrites an existing config.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	for _, dir := range []string{root, filepath.Join(root, "logs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		logger.Debug("rlmgo home directory OK", zap.String("home", root))
		return nil
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0644); err != nil {
		logger.Warn("failed to write default config", zap.String("path", configPath), zap.Error(err))
		return nil
	}

	logger.Info("rlmgo bootstrap complete", zap.String("home", root))
	return nil
}

const defaultConfigYAML = `# rlmgo configuration — auto-generated on first launch.
# Layering: defaults -> ~/.rlmgo/config.yaml -> ./config.yaml -> RLMGO_* env vars.

gateway:
  host: 0.0.0.0
  grpc_port: 50051
  websocket_port: 18790

# Sandbox-side broker for the remote execution environment. "url" is what
# the host-side poller/executor dials; "listen_addr" is what "rlmgo
# broker" binds to on the sandbox machine.
broker:
  url: "http://localhost:8088"
  listen_addr: "0.0.0.0:8088"
  job_timeout: 2m
  health_interval: 10s
  request_timeout: 3m
  poll_interval: 150ms

# Local persistent python3 REPL, used when the execution environment is
# "local" rather than "remote". setup_code runs once right after the
# session starts; if it writes to stderr, startup fails.
sandbox:
  python_bin: python3
  timeout: 2m
  enable_network: false
  setup_code: ""

# Completion driver budgets. Hot-reloaded while a server is running.
driver:
  max_iterations: 12
  max_depth: 4
  max_retries: 3
  retry_base_wait: 2s
  handler_close_grace: 5s

# One or more LM providers. With more than one, lower priority values are
# tried first and the next provider is tried when a call fails.
providers: []
# providers:
#   - name: anthropic
#     type: anthropic
#     api_key: "sk-ant-..."
#     models: ["claude-sonnet-4-20250514"]
#     priority: 1
#   - name: openai
#     type: openai
#     api_key: "sk-..."
#     models: ["gpt-4o"]
#     priority: 2

database:
  dsn: "~/.rlmgo/trajectories.db"

log:
  level: info
  format: console

metrics:
  enabled: true
  addr: ":9090"
`
