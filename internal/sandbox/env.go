package sandbox

import (
	"os"
	"sort"
	"strings"
)

const (
	// EnvEnableSandboxLog opts back into the node's own logging when set to
	// anything but "0".
	EnvEnableSandboxLog = "NEAR_ENABLE_SANDBOX_LOG"
	EnvSandboxLog       = "NEAR_SANDBOX_LOG"

	// SuppressedSandboxLog is a non-exhaustive list of targets. A default level
	// alone is not enough, nearcore overrides it for these.
	SuppressedSandboxLog = "near=error,stats=error,network=error"
)

// Environment is the process environment a node inherits.
type Environment interface {
	LookupEnv(key string) (string, bool)
	Environ() []string
}

// OSEnvironment reads the current process environment.
type OSEnvironment struct{}

func (OSEnvironment) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
func (OSEnvironment) Environ() []string { return os.Environ() }

// MapEnvironment is a fixed environment, handy for tests and for callers that
// want full control over what the node sees.
type MapEnvironment map[string]string

func (m MapEnvironment) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m MapEnvironment) Environ() []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// SuppressLogs reports whether node logs should be silenced.
func SuppressLogs(env Environment) bool {
	v, ok := env.LookupEnv(EnvEnableSandboxLog)
	return !ok || v == "0"
}

// ChildEnv returns the environment for a node process. Unless the caller opted
// in with NEAR_ENABLE_SANDBOX_LOG, NEAR_SANDBOX_LOG is forced to error level.
func ChildEnv(env Environment) []string {
	base := env.Environ()
	if !SuppressLogs(env) {
		return base
	}

	out := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if !strings.HasPrefix(kv, EnvSandboxLog+"=") {
			out = append(out, kv)
		}
	}
	return append(out, EnvSandboxLog+"="+SuppressedSandboxLog)
}
