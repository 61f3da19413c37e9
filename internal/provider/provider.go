// Package provider bridges to the payment provider's MCP binary over a
// persistent, long-lived child process communicating newline-delimited
// JSON-RPC over stdio. The original implementation spawned a fresh
// subprocess per call; here the child is started once, supervised, and
// respawned automatically if it exits, with a bounded in-flight request
// queue so a wedged child can't pile up unbounded goroutines.
package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"vyapaar/internal/breaker"
)

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("provider: client closed")

// rpcRequest is one JSON-RPC-style request sent to the child's stdin.
type rpcRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// rpcResponse is one JSON-RPC-style response read from the child's stdout.
type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Config configures the Bridge.
type Config struct {
	Command string
	Args    []string
	Env     []string

	// CallTimeout bounds a single RPC round trip. Default 30s.
	CallTimeout time.Duration

	// QueueDepth bounds the number of in-flight requests. Default 64.
	QueueDepth int

	// RequestsPerSecond client-side throttles RPC calls ahead of the child
	// process, independent of the sliding-window limiter that governs
	// agent budgets. Default 20, also used when the value is zero or negative.
	RequestsPerSecond float64
}

// Bridge is a persistent child-process RPC client to the payment provider.
// Safe for concurrent use; every Call multiplexes over the same child
// process via request IDs.
type Bridge struct {
	cfg     Config
	breaker *breaker.Breaker
	limiter *rate.Limiter

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[int64]chan rpcResponse
	nextID  atomic.Int64

	inFlight chan struct{}
	closed   atomic.Bool
	closeCh  chan struct{}
}

// New starts the child process and begins supervising it. br wraps every
// Call so repeated provider failures fail fast.
func New(cfg Config, br *breaker.Breaker) (*Bridge, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}

	b := &Bridge{
		cfg:      cfg,
		breaker:  br,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		pending:  make(map[int64]chan rpcResponse),
		inFlight: make(chan struct{}, cfg.QueueDepth),
		closeCh:  make(chan struct{}),
	}

	if err := b.spawn(); err != nil {
		return nil, err
	}
	go b.supervise()
	return b, nil
}

func (b *Bridge) spawn() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cmd := exec.Command(b.cfg.Command, b.cfg.Args...) //nolint:gosec // provider binary path is operator-configured
	if len(b.cfg.Env) > 0 {
		cmd.Env = b.cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("provider: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("provider: stdout pipe: %w", err)
	}
	cmd.Stderr = &slogWriter{}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("provider: start child: %w", err)
	}

	b.cmd = cmd
	b.stdin = stdin
	go b.readLoop(stdout)

	slog.Info("provider bridge child started", "command", b.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

// supervise waits for the child to exit and respawns it, unless Close was
// called. Every pending caller at the time of exit receives an error.
func (b *Bridge) supervise() {
	for {
		b.mu.Lock()
		cmd := b.cmd
		b.mu.Unlock()

		err := cmd.Wait()
		if b.closed.Load() {
			return
		}

		slog.Error("provider bridge child exited, respawning", "error", err)
		b.failAllPending(fmt.Errorf("provider: child exited: %w", err))

		backoff := time.Second
		for {
			if err := b.spawn(); err == nil {
				break
			}
			slog.Error("provider bridge respawn failed, retrying", "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-b.closeCh:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

func (b *Bridge) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			slog.Warn("provider bridge: malformed response line", "error", err)
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		if ok {
			delete(b.pending, resp.ID)
		}
		b.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (b *Bridge) failAllPending(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[int64]chan rpcResponse)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResponse{Error: err.Error()}
	}
}

// call performs one RPC round trip, bounded by QueueDepth and ctx/CallTimeout.
func (b *Bridge) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("provider: rate limit wait: %w", err)
	}

	select {
	case b.inFlight <- struct{}{}:
		defer func() { <-b.inFlight }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	id := b.nextID.Add(1)
	respCh := make(chan rpcResponse, 1)

	b.mu.Lock()
	b.pending[id] = respCh
	stdin := b.stdin
	b.mu.Unlock()

	req := rpcRequest{ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}
	body = append(body, '\n')

	if _, err := stdin.Write(body); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("provider: write request: %w", err)
	}

	timeout := b.cfg.CallTimeout
	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("provider: %s", resp.Error)
		}
		return resp.Result, nil
	case <-time.After(timeout):
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("provider: call %q timed out after %s", method, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closeCh:
		return nil, ErrClosed
	}
}

// Call invokes method through the circuit breaker.
func (b *Bridge) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	var result json.RawMessage
	err := b.breaker.Call(func() error {
		r, err := b.call(ctx, method, params)
		result = r
		return err
	})
	return result, err
}

// Approve idempotently approves a queued payout at the provider.
func (b *Bridge) Approve(ctx context.Context, payoutID string) error {
	_, err := b.Call(ctx, "payouts.approve", map[string]any{"payout_id": payoutID})
	return err
}

// Cancel idempotently cancels a queued payout at the provider with a
// human-readable reason.
func (b *Bridge) Cancel(ctx context.Context, payoutID, reason string) error {
	_, err := b.Call(ctx, "payouts.cancel", map[string]any{"payout_id": payoutID, "reason": reason})
	return err
}

// QueuedPayout is one payout entry returned by the poller's fetch call.
// Notes carries the same free-form agent_id/vendor_url pair the webhook
// path reads, so polled payouts receive identical policy/domain/reputation
// checks instead of degrading to an "unknown" agent.
type QueuedPayout struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	FundAccountID string         `json:"fund_account_id,omitempty"`
	Notes         map[string]any `json:"notes,omitempty"`
}

// FetchQueuedPayouts fetches one page of queued payouts, optionally scoped
// to accountNumber (empty fetches across all accounts).
func (b *Bridge) FetchQueuedPayouts(ctx context.Context, cursor, accountNumber string) (payouts []QueuedPayout, nextCursor string, err error) {
	params := map[string]any{"cursor": cursor}
	if accountNumber != "" {
		params["account_number"] = accountNumber
	}
	raw, err := b.Call(ctx, "payouts.fetch_queued", params)
	if err != nil {
		return nil, "", err
	}
	var page struct {
		Payouts    []QueuedPayout `json:"payouts"`
		NextCursor string         `json:"next_cursor"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, "", fmt.Errorf("provider: decode fetch_queued page: %w", err)
	}
	return page.Payouts, page.NextCursor, nil
}

// Healthy reports whether the child process is currently running and the
// breaker is not open. Used by the health_check endpoint to report provider
// status without performing an RPC round trip.
func (b *Bridge) Healthy() bool {
	if b.closed.Load() {
		return false
	}
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return b.breaker.State() != breaker.Open
}

// Close terminates the child process and unblocks every pending caller.
func (b *Bridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.closeCh)
	b.failAllPending(ErrClosed)

	b.mu.Lock()
	cmd := b.cmd
	stdin := b.stdin
	b.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}

// slogWriter forwards the child's stderr to structured logging.
type slogWriter struct{}

func (w *slogWriter) Write(p []byte) (int, error) {
	slog.Warn("provider bridge child stderr", "line", string(p))
	return len(p), nil
}
