package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/p-arndt/nearsandbox/internal/sandbox"
	"github.com/p-arndt/nearsandbox/internal/sandboxerr"
)

// Builder collects overrides for a network. Nothing happens until Build, and a
// builder can only be built once. It is not safe for concurrent use.
type Builder struct {
	name    string
	kind    Kind
	rpcAddr string
	key     sandbox.ValidatorKey
	opts    sandbox.Options

	rejected error
	consumed bool
}

func Sandbox() *Builder {
	return &Builder{name: "sandbox", kind: KindSandbox}
}

func Testnet() *Builder {
	return &Builder{name: "testnet", kind: KindTestnet}
}

// Custom builds a network reachable only at an explicit RPCAddr.
func Custom(name string) *Builder {
	return &Builder{name: name, kind: KindCustom}
}

func (b *Builder) Name() string { return b.name }

func (b *Builder) Kind() Kind { return b.kind }

func (b *Builder) RPCAddr(addr string) *Builder {
	b.rpcAddr = addr
	return b
}

// ValidatorKey is only meaningful for a sandbox. On any other network the call
// is recorded and Build fails.
func (b *Builder) ValidatorKey(key sandbox.ValidatorKey) *Builder {
	if b.kind != KindSandbox {
		b.rejected = fmt.Errorf("validator_key is not supported on %s network %q", b.kind, b.name)
		return b
	}
	b.key = key
	return b
}

// WithOptions sets how a new sandbox node is spawned. Ignored when the builder
// connects to an existing node.
func (b *Builder) WithOptions(opts sandbox.Options) *Builder {
	b.opts = opts
	return b
}

// Build resolves the builder into a Worker. It consumes the builder; a second
// call fails.
func (b *Builder) Build(ctx context.Context) (*Worker, error) {
	if b.consumed {
		return nil, sandboxerr.InitFailure("builder already consumed", nil)
	}
	b.consumed = true

	if b.rejected != nil {
		return nil, sandboxerr.InitFailure("invalid network builder", b.rejected)
	}

	var (
		n   Network
		err error
	)
	switch b.kind {
	case KindSandbox:
		n, err = b.buildSandbox(ctx)
	case KindTestnet:
		n, err = b.buildRemote(DefaultTestnetRPC)
	case KindCustom:
		n, err = b.buildRemote("")
	default:
		err = sandboxerr.InitFailure(fmt.Sprintf("unknown network kind %d", b.kind), nil)
	}
	if err != nil {
		return nil, err
	}
	return newWorker(n), nil
}

func (b *Builder) buildSandbox(ctx context.Context) (Network, error) {
	var (
		server *sandbox.Server
		err    error
	)
	switch {
	case b.rpcAddr != "" && b.key != nil:
		server, err = sandbox.Connect(b.rpcAddr, b.key)
	case b.rpcAddr == "" && b.key == nil:
		server, err = sandbox.RunNew(ctx, b.opts)
	case b.key == nil:
		err = sandboxerr.InitFailure("rpc_addr specified without validator_key", nil)
	default:
		err = sandboxerr.InitFailure("validator_key specified without rpc_addr", nil)
	}
	if err != nil {
		return nil, err
	}

	// The node has its ports now; the locks only had to cover the start.
	if err := server.UnlockLockfiles(); err != nil {
		return nil, errors.Join(err, server.Close())
	}
	return &sandboxNetwork{name: b.name, server: server}, nil
}

func (b *Builder) buildRemote(fallback string) (Network, error) {
	addr := b.rpcAddr
	if addr == "" {
		addr = fallback
	}
	if addr == "" {
		return nil, sandboxerr.InitFailure(fmt.Sprintf("rpc_addr is required for %s network %q", b.kind, b.name), nil)
	}
	u, err := parseRPCAddr(addr)
	if err != nil {
		return nil, err
	}
	return &remoteNetwork{name: b.name, kind: b.kind, rpc: u}, nil
}
