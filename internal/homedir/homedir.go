// Package homedir prepares the ephemeral data directory of a sandbox node.
package homedir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/p-arndt/nearsandbox/internal/sandboxerr"
)

const (
	ConfigFile = "config.json"

	// DefaultJSONPayloadMaxBytes lets large state patches through the RPC.
	DefaultJSONPayloadMaxBytes = 1024 * 1024 * 1024
	// DefaultMaxOpenFiles keeps the node usable on hosts with a low fd limit (WSL).
	DefaultMaxOpenFiles = 3000

	dirPattern = "near-sandbox-home-*"
)

// Initializer runs the node's init subcommand against a directory.
type Initializer interface {
	Init(ctx context.Context, home string) ([]byte, error)
}

// Init creates a fresh directory under baseDir (os.TempDir() when empty) and
// initializes it. The directory is left on disk if init fails.
func Init(ctx context.Context, init Initializer, baseDir string, logger *slog.Logger) (string, error) {
	dir, err := os.MkdirTemp(baseDir, dirPattern)
	if err != nil {
		return "", sandboxerr.IO("create home dir", err)
	}

	out, err := init.Init(ctx, dir)
	if err != nil {
		return "", sandboxerr.InitFailure(fmt.Sprintf("init home dir %s", dir), err)
	}
	if logger != nil {
		logger.Debug("sandbox init", "home_dir", dir, "output", string(bytes.TrimSpace(out)))
	}
	return dir, nil
}

// Patch describes the config.json changes applied after init.
type Patch struct {
	JSONPayloadMaxBytes int64
	MaxOpenFiles        int
	// Overrides is merged last with RFC 7386 semantics; a nil value deletes a key.
	Overrides map[string]any
}

// DefaultPatch returns the settings every sandbox node gets.
func DefaultPatch() Patch {
	return Patch{
		JSONPayloadMaxBytes: DefaultJSONPayloadMaxBytes,
		MaxOpenFiles:        DefaultMaxOpenFiles,
	}
}

func (p Patch) document() map[string]any {
	doc := map[string]any{}
	if p.JSONPayloadMaxBytes > 0 {
		doc["rpc"] = map[string]any{
			"limits_config": map[string]any{
				"json_payload_max_size_bytes": p.JSONPayloadMaxBytes,
			},
		}
	}
	if p.MaxOpenFiles > 0 {
		doc["store"] = map[string]any{
			"max_open_files": p.MaxOpenFiles,
		}
	}
	return doc
}

// PatchConfig rewrites <dir>/config.json with p merged in (RFC 7386). Values
// the patch doesn't touch are kept byte for byte, so u64 fields survive.
func PatchConfig(dir string, p Patch) error {
	path := filepath.Join(dir, ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return sandboxerr.InitFailure("read node config", err)
	}

	patched, err := mergeJSON(data, p.document())
	if err != nil {
		return sandboxerr.InitFailure(fmt.Sprintf("patch %s", path), err)
	}
	if p.Overrides != nil {
		patched, err = mergeJSON(patched, p.Overrides)
		if err != nil {
			return sandboxerr.InitFailure(fmt.Sprintf("apply overrides to %s", path), err)
		}
	}

	var out bytes.Buffer
	if err := json.Indent(&out, patched, "", "  "); err != nil {
		return sandboxerr.InitFailure("encode node config", err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return sandboxerr.InitFailure("write node config", err)
	}
	return nil
}

func mergeJSON(doc []byte, patch any) ([]byte, error) {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	return jsonpatch.MergePatch(doc, patchJSON)
}
