package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/p-arndt/nearsandbox/internal/sandbox"
)

// Worker is the handle the RPC layer uses: an endpoint plus, for sandboxes,
// the validator credential.
type Worker struct {
	network Network
	client  *http.Client
}

func newWorker(n Network) *Worker {
	return &Worker{network: n, client: http.DefaultClient}
}

func (w *Worker) Network() Network { return w.network }

func (w *Worker) Name() string { return w.network.Name() }

func (w *Worker) Kind() Kind { return w.network.Kind() }

func (w *Worker) RPCAddr() string { return w.network.RPCAddr() }

// Close tears down whatever the network owns. For a spawned sandbox this kills
// the node.
func (w *Worker) Close() error { return w.network.Close() }

// Server returns the underlying sandbox server, if this is a sandbox.
func (w *Worker) Server() (*sandbox.Server, bool) {
	sn, ok := w.network.(*sandboxNetwork)
	if !ok {
		return nil, false
	}
	return sn.server, true
}

func (w *Worker) ValidatorKey() (sandbox.ValidatorKey, bool) {
	s, ok := w.Server()
	if !ok {
		return nil, false
	}
	return s.ValidatorKey(), true
}

// DefaultPollInterval is used by WaitReady for a non-positive interval.
const DefaultPollInterval = 250 * time.Millisecond

// WaitReady polls GET <rpc>/status every interval until the node answers 200
// or ctx is done.
func (w *Worker) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	statusURL := strings.TrimSuffix(w.RPCAddr(), "/") + "/status"

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		lastErr = w.checkStatus(ctx, statusURL)
		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w (last error: %v)", statusURL, ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

func (w *Worker) checkStatus(ctx context.Context, statusURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
