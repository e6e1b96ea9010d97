// Package network resolves a sandbox, testnet or custom network into a Worker
// that the RPC layer can talk to.
package network

import (
	"fmt"
	"net/url"

	"github.com/p-arndt/nearsandbox/internal/sandbox"
	"github.com/p-arndt/nearsandbox/internal/sandboxerr"
)

const DefaultTestnetRPC = "https://rpc.testnet.near.org"

type Kind int

const (
	KindSandbox Kind = iota
	KindTestnet
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindSandbox:
		return "sandbox"
	case KindTestnet:
		return "testnet"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Network is a resolved endpoint. Close releases whatever the network owns.
type Network interface {
	Name() string
	Kind() Kind
	RPCAddr() string
	Close() error
}

type sandboxNetwork struct {
	name   string
	server *sandbox.Server
}

func (n *sandboxNetwork) Name() string { return n.name }
func (n *sandboxNetwork) Kind() Kind { return KindSandbox }
func (n *sandboxNetwork) RPCAddr() string { return n.server.RPCAddr() }
func (n *sandboxNetwork) Close() error { return n.server.Close() }

// remoteNetwork is a node nobody here owns.
type remoteNetwork struct {
	name string
	kind Kind
	rpc  *url.URL
}

func (n *remoteNetwork) Name() string { return n.name }
func (n *remoteNetwork) Kind() Kind { return n.kind }
func (n *remoteNetwork) RPCAddr() string { return n.rpc.String() }
func (n *remoteNetwork) Close() error { return nil }

func parseRPCAddr(addr string) (*url.URL, error) {
	u, err := url.Parse(addr)
	if err == nil && (u.Scheme == "" || u.Host == "") {
		err = fmt.Errorf("missing scheme or host")
	}
	if err != nil {
		return nil, sandboxerr.InitFailure(fmt.Sprintf("invalid rpc_url=%s", addr), err)
	}
	return u, nil
}
