// Package launcher drives the external near-sandbox binary.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
)

const (
	// EnvBinPath overrides the configured binary path.
	EnvBinPath = "NEAR_SANDBOX_BIN_PATH"
	// EnvSandboxLog is forwarded to the node as RUST_LOG.
	EnvSandboxLog = "NEAR_SANDBOX_LOG"

	DefaultBinary = "near-sandbox"
	NodeLogFile   = "node.log"
)

// Process is a live node process.
type Process interface {
	Pid() int
	// Kill forcibly terminates the process and waits until it has been reaped.
	// Killing an already exited process is not an error.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Binary runs `near-sandbox init` and `near-sandbox run`.
type Binary struct {
	Path    string
	RunArgs []string
	Logger  *slog.Logger
}

// New returns a Binary for path. NEAR_SANDBOX_BIN_PATH, when set, wins over path;
// an empty path falls back to near-sandbox on $PATH.
func New(path string, runArgs []string, logger *slog.Logger) *Binary {
	return &Binary{
		Path:    ResolvePath(path, os.LookupEnv),
		RunArgs: runArgs,
		Logger:  logger,
	}
}

func ResolvePath(configured string, lookup func(string) (string, bool)) string {
	if v, ok := lookup(EnvBinPath); ok && strings.TrimSpace(v) != "" {
		return v
	}
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	return DefaultBinary
}

// Init runs `<bin> --home <home> init` to completion and returns its combined output.
func (b *Binary) Init(ctx context.Context, home string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.Path, "--home", home, "init")
	b.logger().Debug("running sandbox init", "cmd", shellquote.Join(cmd.Args...))

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s init: %w (output: %s)", b.Path, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// RunArgv returns the argv used to start a node.
func (b *Binary) RunArgv(home string, rpcPort, netPort int) []string {
	argv := []string{
		b.Path,
		"--home", home,
		"run",
		"--rpc-addr", "0.0.0.0:" + strconv.Itoa(rpcPort),
		"--network-addr", "0.0.0.0:" + strconv.Itoa(netPort),
	}
	return append(argv, b.RunArgs...)
}

// Run starts the node without waiting for it. Output goes to <home>/node.log.
func (b *Binary) Run(home string, rpcPort, netPort int, env []string) (Process, error) {
	argv := b.RunArgv(home, rpcPort, netPort)

	logFile, err := os.OpenFile(filepath.Join(home, NodeLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open node log: %w", err)
	}

	cmd := b.command(argv, env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	b.logger().Debug("starting sandbox node", "cmd", shellquote.Join(argv...))
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start %s: %w", b.Path, err)
	}

	return watch(cmd, logFile), nil
}

// command builds the node command. The node is tied to this process's lifetime
// where the platform allows it.
func (b *Binary) command(argv []string, env []string) *exec.Cmd {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = ForwardLogEnv(env)
	cmd.Stdin = nil
	cmd.SysProcAttr = childSysProcAttr()
	return cmd
}

func (b *Binary) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForwardLogEnv copies NEAR_SANDBOX_LOG into RUST_LOG so the node picks it up
// without clashing with the caller's own RUST_LOG targets.
func ForwardLogEnv(env []string) []string {
	sandboxLog, found := "", false
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, EnvSandboxLog+"="); ok {
			sandboxLog, found = v, true
		}
	}
	if !found {
		return env
	}

	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, "RUST_LOG=") {
			out = append(out, kv)
		}
	}
	return append(out, "RUST_LOG="+sandboxLog)
}

type cmdProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

func watch(cmd *exec.Cmd, logFile *os.File) *cmdProcess {
	p := &cmdProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		logFile.Close()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

func (p *cmdProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *cmdProcess) Done() <-chan struct{} {
	return p.done
}

// Err returns the wait error once the process has exited.
func (p *cmdProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *cmdProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	<-p.done
	return nil
}
