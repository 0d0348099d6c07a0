// Package sandbox manages the persistent python3 REPL subprocess that
// backs the local and remote executors (spec §4.4, §4.5). It generalizes
// the teacher's one-shot ProcessSandbox into a long-lived session so
// variable bindings and imports survive across execute_code calls.
package sandbox

import (
	"bufio"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	"github.com/rlmgo/rlmgo/pkg/errors"
)

//go:embed bootstrap.py.tmpl
var bootstrapScript string

// Config configures a Session's subprocess.
type Config struct {
	WorkDir     string
	TempDir     string
	Timeout     time.Duration
	PythonBin   string // default "python3"
	EnableNetwork bool
	SetupCode   string // run once after the session starts; failure is fatal (spec §6)
}

// DefaultConfig mirrors the teacher's ProcessSandbox.DefaultConfig
// defaults, scoped to the single interpreter this package manages.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "/tmp/rlmgo-sandbox"
	}
	return &Config{
		WorkDir:       homeDir,
		TempDir:       "/tmp/rlmgo-sandbox-tmp",
		Timeout:       30 * time.Second,
		PythonBin:     "python3",
		EnableNetwork: true,
	}
}

// Session is one persistent python3 interpreter process, fed requests over
// its stdin and returning JSON results over its stdout, one line per
// request (spec's "long-lived namespace that the executor owns
// exclusively", §9).
type Session struct {
	config *Config
	logger *zap.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      *os.File
	stdout     *bufio.Reader
	scriptPath string
}

// New starts a fresh python3 subprocess running the bootstrap script.
func New(config *Config, logger *zap.Logger) (*Session, error) {
	if config.PythonBin == "" {
		config.PythonBin = "python3"
	}
	if err := os.MkdirAll(config.TempDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindSetup, "create sandbox temp dir", err)
	}

	scriptFile, err := os.CreateTemp(config.TempDir, "rlmgo-session-*.py")
	if err != nil {
		return nil, errors.Wrap(errors.KindSetup, "write bootstrap script", err)
	}
	if _, err := scriptFile.WriteString(bootstrapScript); err != nil {
		scriptFile.Close()
		return nil, errors.Wrap(errors.KindSetup, "write bootstrap script", err)
	}
	scriptFile.Close()

	s := &Session{config: config, logger: logger.With(zap.String("component", "sandbox-session")), scriptPath: scriptFile.Name()}

	if err := s.spawn(); err != nil {
		os.Remove(scriptFile.Name())
		return nil, err
	}

	if config.SetupCode != "" {
		if err := s.runSetupCode(config.SetupCode); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// runSetupCode executes config.SetupCode once against the fresh session.
// A python-side exception surfaces only as stderr (_handle_exec never
// turns one into a protocol-level error), so any stderr output here is
// treated as setup failure, matching spec's "failure ⇒ fatal SetupError".
func (s *Session) runSetupCode(source string) error {
	result, err := s.Exec(source)
	if err != nil {
		return errors.Wrap(errors.KindSetup, "run sandbox setup_code", err)
	}
	if strings.TrimSpace(result.Stderr) != "" {
		return errors.New(errors.KindSetup, fmt.Sprintf("sandbox setup_code failed: %s", strings.TrimSpace(result.Stderr)))
	}
	return nil
}

func (s *Session) spawn() error {
	cmd := exec.Command(s.config.PythonBin, "-u", s.scriptPath)
	cmd.Dir = s.config.WorkDir
	cmd.Env = s.buildEnvironment()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(errors.KindSetup, "open sandbox stdin", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(errors.KindSetup, "open sandbox stdout", err)
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.KindSetup, "start python3 interpreter", err)
	}

	s.cmd = cmd
	s.stdin = stdinPipe.(*os.File)
	s.stdout = bufio.NewReader(stdoutPipe)
	return nil
}

func (s *Session) buildEnvironment() []string {
	sysPath := os.Getenv("PATH")
	if sysPath == "" {
		sysPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		home = s.config.WorkDir
	}
	env := []string{
		"PATH=" + sysPath,
		"HOME=" + home,
		"TMPDIR=" + s.config.TempDir,
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"PYTHONUNBUFFERED=1",
	}
	if s.config.EnableNetwork {
		if proxy := os.Getenv("HTTP_PROXY"); proxy != "" {
			env = append(env, "HTTP_PROXY="+proxy)
		}
		if proxy := os.Getenv("HTTPS_PROXY"); proxy != "" {
			env = append(env, "HTTPS_PROXY="+proxy)
		}
	}
	return env
}

// request sends one line of JSON to the subprocess and decodes the single
// JSON line it writes back. Calls are serialized: spec §4.1 requires code
// regions within one turn to execute sequentially against the same
// namespace, and this session has exactly one stdin/stdout pair to enforce
// that.
func (s *Session) request(op string, fields map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := map[string]interface{}{"op": op}
	for k, v := range fields {
		req[k] = v
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindExecution, "marshal sandbox request", err)
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return nil, errors.Wrap(errors.KindSandboxUnreachable, "write to sandbox", err)
	}

	raw, err := s.stdout.ReadString('\n')
	if err != nil {
		return nil, errors.Wrap(errors.KindSandboxUnreachable, "read from sandbox", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "decode sandbox response", err)
	}
	if errMsg, ok := resp["error"]; ok {
		return nil, errors.New(errors.KindExecution, fmt.Sprintf("%v", errMsg))
	}
	return resp, nil
}

// Exec runs source against the session's persistent namespace and returns
// the captured REPLResult (minus child LM calls, which the caller attaches
// from the handler's region-tagged log — this session has no visibility
// into the handler).
func (s *Session) Exec(source string) (entity.REPLResult, error) {
	start := time.Now()
	resp, err := s.request("exec", map[string]interface{}{"source": source})
	if err != nil {
		return entity.REPLResult{}, err
	}

	bindings := make(map[string]string)
	if raw, ok := resp["bindings"].(map[string]interface{}); ok {
		for k, v := range raw {
			bindings[k] = fmt.Sprintf("%v", v)
		}
	}

	stdout, _ := resp["stdout"].(string)
	stderr, _ := resp["stderr"].(string)

	return entity.REPLResult{
		Stdout:   stdout,
		Stderr:   stderr,
		Bindings: bindings,
		Elapsed:  time.Since(start),
	}, nil
}

// UpdateHandlerAddress rebinds the session's llm_query helper to a new
// handler address and recursion depth without losing the namespace (spec
// §4.4 update_handler_address, needed across fresh drivers sharing a
// persistent environment).
func (s *Session) UpdateHandlerAddress(addr string, depth int) error {
	_, err := s.request("update_handler", map[string]interface{}{"address": addr, "depth": depth})
	return err
}

// LoadContext binds payload as a named variable slot, returning its
// assigned index (spec §3 PersistenceSlot, §4.4 load_context).
func (s *Session) LoadContext(payload interface{}, index *int) (int, error) {
	fields := map[string]interface{}{"payload": payload}
	if index != nil {
		fields["index"] = *index
	}
	resp, err := s.request("load_context", fields)
	if err != nil {
		return 0, err
	}
	idx, _ := resp["index"].(float64)
	return int(idx), nil
}

// AddHistory mirrors LoadContext for history-slot payloads.
func (s *Session) AddHistory(messages interface{}, index *int) (int, error) {
	fields := map[string]interface{}{"messages": messages}
	if index != nil {
		fields["index"] = *index
	}
	resp, err := s.request("add_history", fields)
	if err != nil {
		return 0, err
	}
	idx, _ := resp["index"].(float64)
	return int(idx), nil
}

// Close terminates the subprocess and removes its bootstrap script.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	if s.scriptPath != "" {
		os.Remove(s.scriptPath)
	}
	return nil
}

// ScriptPath returns the path of the generated bootstrap script, exposed
// for tests that want to assert on its location.
func (s *Session) ScriptPath() string {
	return filepath.Clean(s.scriptPath)
}
