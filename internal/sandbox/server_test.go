package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/nearsandbox/internal/homedir"
	"github.com/p-arndt/nearsandbox/internal/portlock"
	"github.com/p-arndt/nearsandbox/internal/sandboxerr"
	"github.com/p-arndt/nearsandbox/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// portIsFree reports whether port's lock in dir can be taken right now.
func portIsFree(t *testing.T, dir string, port int) bool {
	t.Helper()
	a := &portlock.Allocator{
		Dir:         dir,
		Picker:      func() (int, error) { return port, nil },
		MaxAttempts: 1,
	}
	l, err := a.Acquire()
	if err != nil {
		return false
	}
	require.NoError(t, l.Release())
	return true
}

type runFixture struct {
	lockDir  string
	homeBase string
	launcher *MockLauncher
	ports    *portlock.Allocator
}

func newRunFixture(t *testing.T) *runFixture {
	t.Helper()
	lockDir := t.TempDir()
	return &runFixture{
		lockDir:  lockDir,
		homeBase: t.TempDir(),
		launcher: &MockLauncher{},
		ports:    &portlock.Allocator{Dir: lockDir},
	}
}

func (f *runFixture) options(env Environment) Options {
	return Options{
		Launcher:    f.launcher,
		Ports:       f.ports,
		Env:         env,
		HomeBaseDir: f.homeBase,
		Logger:      testLogger(),
	}
}

func TestConnectInvalidURL(t *testing.T) {
	_, err := Connect("not a url", Known("test.near", "ed25519:secret"))

	require.Error(t, err)
	assert.ErrorIs(t, err, sandboxerr.ErrInitFailure)
	assert.Contains(t, err.Error(), "not a url")
}

func TestConnectRejectsOpaqueAddress(t *testing.T) {
	_, err := Connect("localhost:3030", HomeDir("/tmp/home"))

	require.Error(t, err)
	assert.ErrorIs(t, err, sandboxerr.ErrInitFailure)
	assert.Contains(t, err.Error(), "localhost:3030")
}

func TestConnect(t *testing.T) {
	key := Known("test.near", "ed25519:secret")
	s, err := Connect("http://localhost:3030", key)
	require.NoError(t, err)

	port, ok := s.RPCPort()
	assert.True(t, ok)
	assert.Equal(t, 3030, port)

	_, ok = s.NetPort()
	assert.False(t, ok)

	assert.Equal(t, "http://localhost:3030", s.RPCAddr())
	assert.Equal(t, key, s.ValidatorKey())
	assert.Equal(t, 0, s.Pid())
	assert.Empty(t, s.HomeDir())
	assert.Nil(t, s.Exited())
}

func TestConnectWithoutPort(t *testing.T) {
	s, err := Connect("https://rpc.example.org", HomeDir("/tmp/home"))
	require.NoError(t, err)

	_, ok := s.RPCPort()
	assert.False(t, ok)
}

func TestConnectCloseIsNoop(t *testing.T) {
	s, err := Connect("http://localhost:3030", HomeDir("/tmp/home"))
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.UnlockLockfiles())
}

func TestRunNew(t *testing.T) {
	f := newRunFixture(t)
	proc := newFakeProcess(4242)

	f.launcher.On("Init", mock.Anything, mock.Anything).Run(writeConfig).Return([]byte("ok"), nil)
	f.launcher.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(proc, nil)

	s, err := RunNew(context.Background(), f.options(MapEnvironment{}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rpcPort, ok := s.RPCPort()
	require.True(t, ok)
	netPort, ok := s.NetPort()
	require.True(t, ok)
	assert.NotEqual(t, rpcPort, netPort)

	assert.Equal(t, "http://localhost:"+strconv.Itoa(rpcPort), s.RPCAddr())
	assert.Equal(t, 4242, s.Pid())
	assert.Equal(t, filepath.Dir(s.HomeDir()), f.homeBase)
	assert.Equal(t, HomeDir(s.HomeDir()), s.ValidatorKey())

	// Both locks are held until UnlockLockfiles.
	assert.False(t, portIsFree(t, f.lockDir, rpcPort))
	assert.False(t, portIsFree(t, f.lockDir, netPort))

	f.launcher.AssertCalled(t, "Run", s.HomeDir(), rpcPort, netPort, mock.Anything)

	data, err := os.ReadFile(filepath.Join(s.HomeDir(), homedir.ConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "json_payload_max_size_bytes")
	assert.Contains(t, string(data), "max_open_files")
}

func TestRunNewSandboxLogEnv(t *testing.T) {
	suppressed := EnvSandboxLog + "=" + SuppressedSandboxLog

	tests := []struct {
		name       string
		env        MapEnvironment
		suppressed bool
	}{
		{"unset", MapEnvironment{"PATH": "/usr/bin"}, true},
		{"zero", MapEnvironment{EnvEnableSandboxLog: "0"}, true},
		{"zero overrides caller value", MapEnvironment{EnvEnableSandboxLog: "0", EnvSandboxLog: "debug"}, true},
		{"enabled", MapEnvironment{EnvEnableSandboxLog: "1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRunFixture(t)
			var childEnv []string
			f.launcher.On("Init", mock.Anything, mock.Anything).Run(writeConfig).Return([]byte("ok"), nil)
			f.launcher.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { childEnv = args.Get(3).([]string) }).
				Return(newFakeProcess(1), nil)

			s, err := RunNew(context.Background(), f.options(tt.env))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })

			if tt.suppressed {
				assert.Contains(t, childEnv, suppressed)
				assert.Equal(t, 1, countPrefix(childEnv, EnvSandboxLog+"="))
			} else {
				assert.NotContains(t, childEnv, suppressed)
			}
		})
	}
}

func TestRunNewInitFailureReservesNothing(t *testing.T) {
	f := newRunFixture(t)
	ports := &failingAllocator{inner: f.ports, failAfter: 2}
	opts := f.options(MapEnvironment{})
	opts.Ports = ports

	f.launcher.On("Init", mock.Anything, mock.Anything).Return([]byte("boom"), errors.New("exit status 1"))

	_, err := RunNew(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, sandboxerr.ErrInitFailure)
	assert.Equal(t, 0, ports.calls)
	f.launcher.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunNewPatchFailureKeepsHomeDir(t *testing.T) {
	f := newRunFixture(t)
	ports := &failingAllocator{inner: f.ports, failAfter: 2}
	opts := f.options(MapEnvironment{})
	opts.Ports = ports

	// Init "succeeds" without writing config.json.
	f.launcher.On("Init", mock.Anything, mock.Anything).Return([]byte("ok"), nil)

	_, err := RunNew(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, sandboxerr.ErrInitFailure)
	assert.Equal(t, 0, ports.calls)

	entries, err := os.ReadDir(f.homeBase)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunNewSecondPortFailureReleasesFirst(t *testing.T) {
	f := newRunFixture(t)
	ports := &failingAllocator{inner: f.ports, failAfter: 1}
	opts := f.options(MapEnvironment{})
	opts.Ports = ports

	f.launcher.On("Init", mock.Anything, mock.Anything).Run(writeConfig).Return([]byte("ok"), nil)

	_, err := RunNew(context.Background(), opts)
	require.Error(t, err)
	require.Len(t, ports.acquired, 1)

	assert.False(t, ports.acquired[0].Held())
	assert.True(t, portIsFree(t, f.lockDir, ports.acquired[0].Port()))
	f.launcher.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunNewSpawnFailureReleasesLocks(t *testing.T) {
	f := newRunFixture(t)
	ports := &failingAllocator{inner: f.ports, failAfter: 2}
	opts := f.options(MapEnvironment{})
	opts.Ports = ports

	f.launcher.On("Init", mock.Anything, mock.Anything).Run(writeConfig).Return([]byte("ok"), nil)
	f.launcher.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("exec: \"near-sandbox\": executable file not found in $PATH"))

	_, err := RunNew(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, sandboxerr.ErrRunFailure)

	require.Len(t, ports.acquired, 2)
	for _, l := range ports.acquired {
		assert.True(t, portIsFree(t, f.lockDir, l.Port()), "port %d still locked", l.Port())
	}
}

func TestUnlockLockfilesTwice(t *testing.T) {
	f := newRunFixture(t)
	f.launcher.On("Init", mock.Anything, mock.Anything).Run(writeConfig).Return([]byte("ok"), nil)
	f.launcher.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(newFakeProcess(7), nil)

	s, err := RunNew(context.Background(), f.options(MapEnvironment{}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rpcPort, _ := s.RPCPort()
	netPort, _ := s.NetPort()

	require.NoError(t, s.UnlockLockfiles())
	assert.True(t, portIsFree(t, f.lockDir, rpcPort))
	assert.True(t, portIsFree(t, f.lockDir, netPort))

	assert.NotPanics(t, func() {
		assert.NoError(t, s.UnlockLockfiles())
	})
}

func TestCloseKillsOwnedProcess(t *testing.T) {
	f := newRunFixture(t)
	proc := newFakeProcess(99)
	reg := &MockRegistry{}
	opts := f.options(MapEnvironment{})
	opts.Registry = reg

	f.launcher.On("Init", mock.Anything, mock.Anything).Run(writeConfig).Return([]byte("ok"), nil)
	f.launcher.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(proc, nil)
	reg.On("CreateNode", mock.MatchedBy(func(n *store.Node) bool {
		return n.PID == 99 && n.OwnerPID == os.Getpid() && n.Status == store.StatusRunning
	})).Return(nil)
	reg.On("UpdateNodeStatus", mock.Anything, store.StatusStopped).Return(nil)

	s, err := RunNew(context.Background(), opts)
	require.NoError(t, err)
	assert.NotEmpty(t, s.NodeID())

	rpcPort, _ := s.RPCPort()

	// Locks not explicitly released yet: Close still frees them after the kill.
	require.NoError(t, s.Close())
	assert.Equal(t, 1, proc.kills)
	assert.Equal(t, 0, s.Pid())
	assert.True(t, portIsFree(t, f.lockDir, rpcPort))
	reg.AssertCalled(t, "UpdateNodeStatus", s.NodeID(), store.StatusStopped)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, proc.kills)
}

func TestCloseKillFailureKeepsProcess(t *testing.T) {
	f := newRunFixture(t)
	proc := newFakeProcess(99)
	proc.killErr = errors.New("operation not permitted")

	f.launcher.On("Init", mock.Anything, mock.Anything).Run(writeConfig).Return([]byte("ok"), nil)
	f.launcher.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(proc, nil)

	s, err := RunNew(context.Background(), f.options(MapEnvironment{}))
	require.NoError(t, err)
	rpcPort, _ := s.RPCPort()

	err = s.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, sandboxerr.ErrIO)
	assert.Contains(t, err.Error(), "pid=99")
	assert.Equal(t, 99, s.Pid())
	// The node may still be bound, so its port stays reserved.
	assert.False(t, portIsFree(t, f.lockDir, rpcPort))

	proc.killErr = nil
	require.NoError(t, s.Close())
	assert.True(t, portIsFree(t, f.lockDir, rpcPort))
}

func TestRunNewRegistryFailureIsNotFatal(t *testing.T) {
	f := newRunFixture(t)
	reg := &MockRegistry{}
	opts := f.options(MapEnvironment{})
	opts.Registry = reg

	f.launcher.On("Init", mock.Anything, mock.Anything).Run(writeConfig).Return([]byte("ok"), nil)
	f.launcher.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(newFakeProcess(5), nil)
	reg.On("CreateNode", mock.Anything).Return(errors.New("database is locked"))

	s, err := RunNew(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, s.NodeID())

	require.NoError(t, s.Close())
	reg.AssertNotCalled(t, "UpdateNodeStatus", mock.Anything, mock.Anything)
}

func TestValidatorKeyStringHidesSecret(t *testing.T) {
	k := Known("test.near", "ed25519:supersecret")
	assert.NotContains(t, k.String(), "supersecret")
	assert.Contains(t, k.String(), "test.near")
	assert.Equal(t, "home_dir=/tmp/h", HomeDir("/tmp/h").String())
}

func countPrefix(env []string, prefix string) int {
	n := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			n++
		}
	}
	return n
}
