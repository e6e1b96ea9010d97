package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/p-arndt/nearsandbox/internal/config"
	"github.com/p-arndt/nearsandbox/internal/store"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	return &config.Config{
		BinaryPath:          "near-sandbox",
		DBPath:              ":memory:",
		ReapIntervalSeconds: 1,
		LogLevel:            "error",
		Node: config.NodeConfig{
			JSONPayloadMaxSize: "1GiB",
			MaxOpenFiles:       3000,
		},
	}
}

func TestNode(id string) *store.Node {
	return &store.Node{
		ID:        id,
		PID:       12345,
		OwnerPID:  12000,
		RPCPort:   3030,
		NetPort:   24567,
		RPCAddr:   "http://localhost:3030",
		HomeDir:   "/tmp/near-sandbox-home-" + id,
		Status:    store.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type FakeNodeOptions struct {
	// FailInit makes `init` exit 1 without writing anything.
	FailInit bool
	// ExitImmediately makes `run` exit 0 instead of blocking.
	ExitImmediately bool
}

// Files the fake node writes into its home directory on `run`.
const (
	FakeNodeEnvFile  = "node.env"
	FakeNodeArgsFile = "node.args"
)

// WriteFakeNode writes a shell script that mimics the near-sandbox CLI:
// `--home H init` writes config.json and validator_key.json into H and
// `--home H run ...` records its environment and argv, then blocks.
func WriteFakeNode(t *testing.T, opts FakeNodeOptions) string {
	t.Helper()

	initBody := `printf '%s' '{"rpc":{"addr":"0.0.0.0:3030","limits_config":{"json_payload_max_size_bytes":10485760}},"store":{"max_open_files":512},"genesis_height":18446744073709551615}' > "$home/config.json"
  printf '%s' '{"account_id":"test.near","public_key":"ed25519:pub","secret_key":"ed25519:sec"}' > "$home/validator_key.json"
  echo "initialized $home"`
	if opts.FailInit {
		initBody = `echo "init failed" >&2
  exit 1`
	}

	runBody := `env > "$home/` + FakeNodeEnvFile + `"
  printf '%s\n' "$@" > "$home/` + FakeNodeArgsFile + `"
  echo "node running"
  exec sleep 300`
	if opts.ExitImmediately {
		runBody = `env > "$home/` + FakeNodeEnvFile + `"
  exit 0`
	}

	script := `#!/bin/sh
home=""
if [ "$1" = "--home" ]; then
  home="$2"
  shift 2
fi
cmd="$1"
case "$cmd" in
init)
  ` + initBody + `
  ;;
run)
  ` + runBody + `
  ;;
*)
  echo "unknown command: $cmd" >&2
  exit 2
  ;;
esac
`

	path := filepath.Join(t.TempDir(), "near-sandbox")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake node: %v", err)
	}
	return path
}
