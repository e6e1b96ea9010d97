package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/nearsandbox/internal/launcher"
	"github.com/p-arndt/nearsandbox/internal/portlock"
	"github.com/p-arndt/nearsandbox/internal/store"
)

type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Init(ctx context.Context, home string) ([]byte, error) {
	args := m.Called(ctx, home)
	if out := args.Get(0); out != nil {
		return out.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLauncher) Run(home string, rpcPort, netPort int, env []string) (launcher.Process, error) {
	args := m.Called(home, rpcPort, netPort, env)
	if p := args.Get(0); p != nil {
		return p.(launcher.Process), args.Error(1)
	}
	return nil, args.Error(1)
}

// writeConfig makes a mocked Init behave like `near-sandbox init`.
func writeConfig(args mock.Arguments) {
	home := args.String(1)
	_ = os.WriteFile(filepath.Join(home, "config.json"), []byte(`{"rpc":{"addr":"0.0.0.0:3030"}}`), 0o644)
}

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) CreateNode(n *store.Node) error {
	args := m.Called(n)
	return args.Error(0)
}

func (m *MockRegistry) UpdateNodeStatus(id string, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}

type fakeProcess struct {
	pid     int
	killErr error
	kills   int
	done    chan struct{}
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Kill() error {
	p.kills++
	if p.killErr != nil {
		return p.killErr
	}
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}

// failingAllocator hands out real locks until failAfter successful calls.
type failingAllocator struct {
	inner     *portlock.Allocator
	failAfter int
	calls     int
	acquired  []*portlock.Lock
}

func (a *failingAllocator) Acquire() (*portlock.Lock, error) {
	a.calls++
	if a.calls > a.failAfter {
		return nil, errors.New("no ports free")
	}
	l, err := a.inner.Acquire()
	if err == nil {
		a.acquired = append(a.acquired, l)
	}
	return l, err
}
