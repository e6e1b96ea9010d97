// Package sandbox supervises a local sandbox node: it either attaches to a node
// somebody else started (Connect) or spawns one on freshly reserved ports
// (RunNew) and owns it until Close.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/nearsandbox/internal/homedir"
	"github.com/p-arndt/nearsandbox/internal/launcher"
	"github.com/p-arndt/nearsandbox/internal/portlock"
	"github.com/p-arndt/nearsandbox/internal/procinfo"
	"github.com/p-arndt/nearsandbox/internal/sandboxerr"
	"github.com/p-arndt/nearsandbox/internal/store"
)

const DefaultRPCHost = "localhost"

// Launcher initializes home directories and starts node processes.
type Launcher interface {
	homedir.Initializer
	Run(home string, rpcPort, netPort int, env []string) (launcher.Process, error)
}

// PortAllocator reserves a port and returns its held lock.
type PortAllocator interface {
	Acquire() (*portlock.Lock, error)
}

// Registry records spawned nodes so orphans can be found after a crash.
type Registry interface {
	CreateNode(n *store.Node) error
	UpdateNodeStatus(id string, status string) error
}

// Options configures RunNew. Zero fields fall back to the real binary, the
// default port allocator, the OS environment and the default config patch.
type Options struct {
	Launcher    Launcher
	Ports       PortAllocator
	Env         Environment
	Patch       *homedir.Patch
	HomeBaseDir string
	Registry    Registry
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Launcher == nil {
		o.Launcher = launcher.New("", nil, o.Logger)
	}
	if o.Ports == nil {
		ports := portlock.Default()
		ports.Logger = o.Logger
		o.Ports = ports
	}
	if o.Env == nil {
		o.Env = OSEnvironment{}
	}
	if o.Patch == nil {
		p := homedir.DefaultPatch()
		o.Patch = &p
	}
	return o
}

// Server is a connected or spawned sandbox node. It is not safe for concurrent
// use.
type Server struct {
	validatorKey ValidatorKey

	rpcAddr *url.URL
	netPort int
	homeDir string

	rpcLock *portlock.Lock
	netLock *portlock.Lock
	process launcher.Process

	nodeID   string
	registry Registry
	logger   *slog.Logger

	// cleanup kills the node if the server becomes unreachable without Close.
	cleanup runtime.Cleanup
}

// Connect attaches to a node that is already running. Nothing is owned: no
// ports are reserved and Close never touches the process.
func Connect(rpcAddr string, key ValidatorKey) (*Server, error) {
	u, err := url.Parse(rpcAddr)
	if err == nil && (u.Scheme == "" || u.Host == "") {
		err = errors.New("missing scheme or host")
	}
	if err != nil {
		return nil, sandboxerr.InitFailure(fmt.Sprintf("invalid rpc_url=%s", rpcAddr), err)
	}

	return &Server{
		validatorKey: key,
		rpcAddr:      u,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// RunNew initializes a home directory, reserves an RPC and a network port and
// starts a node bound to them. The returned server holds both port locks; call
// UnlockLockfiles once the node is known to be up.
func RunNew(ctx context.Context, opts Options) (*Server, error) {
	opts = opts.withDefaults()
	logger := opts.Logger

	env := ChildEnv(opts.Env)

	home, err := homedir.Init(ctx, opts.Launcher, opts.HomeBaseDir, logger)
	if err != nil {
		return nil, err
	}
	// The directory is kept on a patch failure so it can be inspected.
	if err := homedir.PatchConfig(home, *opts.Patch); err != nil {
		return nil, err
	}

	rpcLock, err := opts.Ports.Acquire()
	if err != nil {
		return nil, err
	}
	netLock, err := opts.Ports.Acquire()
	if err != nil {
		return nil, errors.Join(err, releaseAll(rpcLock))
	}

	rpcAddr := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(DefaultRPCHost, strconv.Itoa(rpcLock.Port())),
	}

	logger.Info("starting up sandbox", "rpc_addr", rpcAddr.String(), "net_port", netLock.Port(), "home_dir", home)
	proc, err := opts.Launcher.Run(home, rpcLock.Port(), netLock.Port(), env)
	if err != nil {
		return nil, errors.Join(
			sandboxerr.RunFailure(fmt.Sprintf("start sandbox on rpc_port=%d", rpcLock.Port()), err),
			releaseAll(rpcLock, netLock),
		)
	}
	logger.Info("started up sandbox", "rpc_addr", rpcAddr.String(), "pid", proc.Pid())

	s := &Server{
		validatorKey: HomeDir(home),
		rpcAddr:      rpcAddr,
		netPort:      netLock.Port(),
		homeDir:      home,
		rpcLock:      rpcLock,
		netLock:      netLock,
		process:      proc,
		registry:     opts.Registry,
		logger:       logger,
	}
	s.cleanup = runtime.AddCleanup(s, killAbandoned, proc)
	s.register()
	return s, nil
}

// killAbandoned runs on the cleanup goroutine and must not reference the
// Server.
func killAbandoned(p launcher.Process) {
	_ = p.Kill()
}

func releaseAll(locks ...*portlock.Lock) error {
	var errs []error
	for _, l := range locks {
		if err := l.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) register() {
	if s.registry == nil {
		return
	}
	rpcPort, _ := s.RPCPort()
	node := &store.Node{
		ID:        uuid.NewString(),
		PID:       s.process.Pid(),
		OwnerPID:  os.Getpid(),
		RPCPort:   rpcPort,
		NetPort:   s.netPort,
		RPCAddr:   s.RPCAddr(),
		HomeDir:   s.homeDir,
		Status:    store.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	// Without a start time the reaper will never kill this node.
	if st, err := procinfo.StartTime(node.PID); err == nil {
		node.StartTime = st
	} else {
		s.logger.Debug("no start time for sandbox node", "pid", node.PID, "error", err)
	}
	if st, err := procinfo.StartTime(node.OwnerPID); err == nil {
		node.OwnerStartTime = st
	}
	if err := s.registry.CreateNode(node); err != nil {
		s.logger.Warn("failed to record sandbox node", "pid", node.PID, "error", err)
		return
	}
	s.nodeID = node.ID
}

// UnlockLockfiles releases the port locks taken while starting the node. Each
// lock is released at most once; later calls are no-ops. Both locks are always
// attempted. Release errors already name their port.
func (s *Server) UnlockLockfiles() error {
	var errs []error
	if l := s.rpcLock; l != nil {
		s.rpcLock = nil
		errs = append(errs, l.Release())
	}
	if l := s.netLock; l != nil {
		s.netLock = nil
		errs = append(errs, l.Release())
	}
	return errors.Join(errs...)
}

// RPCPort returns the port of the RPC endpoint, if the endpoint has one.
func (s *Server) RPCPort() (int, bool) {
	p := s.rpcAddr.Port()
	if p == "" {
		return 0, false
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NetPort returns the peer-to-peer port; only spawned nodes have one.
func (s *Server) NetPort() (int, bool) {
	return s.netPort, s.netPort != 0
}

func (s *Server) RPCAddr() string {
	return s.rpcAddr.String()
}

func (s *Server) ValidatorKey() ValidatorKey {
	return s.validatorKey
}

// HomeDir returns the node's home directory, or "" for connected servers.
func (s *Server) HomeDir() string {
	return s.homeDir
}

// NodeID returns the registry id, or "" when the node was not recorded.
func (s *Server) NodeID() string {
	return s.nodeID
}

// Pid returns the owned process id, or 0 when no process is owned.
func (s *Server) Pid() int {
	if s.process == nil {
		return 0
	}
	return s.process.Pid()
}

// Exited is closed when the owned node exits. It is nil (blocks forever) when
// no process is owned.
func (s *Server) Exited() <-chan struct{} {
	if s.process == nil {
		return nil
	}
	return s.process.Done()
}

// Close tears the server down. An owned node is killed first; its locks are
// released only after that. A failed kill is returned and leaves the process
// owned so Close can be retried. Close on a connected server does nothing.
func (s *Server) Close() error {
	if s.process != nil {
		rpcPort, _ := s.RPCPort()
		pid := s.process.Pid()
		s.logger.Info("cleaning up sandbox", "rpc_port", rpcPort, "pid", pid)

		if err := s.process.Kill(); err != nil {
			return sandboxerr.IO(fmt.Sprintf("could not clean up sandbox pid=%d", pid), err)
		}
		s.process = nil
		s.cleanup.Stop()

		if s.registry != nil && s.nodeID != "" {
			if err := s.registry.UpdateNodeStatus(s.nodeID, store.StatusStopped); err != nil {
				s.logger.Warn("failed to mark sandbox node stopped", "node_id", s.nodeID, "error", err)
			}
		}
	}

	return s.UnlockLockfiles()
}
