package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const httpDispatchTimeout = 10 * time.Second

// HTTPExecutor posts commands to <base>/commands. The remote side reports
// signals through kiln's HTTP API.
type HTTPExecutor struct {
	addr   Address
	base   string
	client *http.Client
}

// NewHTTPExecutor creates an executor for an http or https address. A nil
// client gets a default with a 10s timeout.
func NewHTTPExecutor(addr Address, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: httpDispatchTimeout}
	}
	return &HTTPExecutor{
		addr:   addr,
		base:   strings.TrimRight(addr.String(), "/"),
		client: client,
	}
}

// Info implements Executor.
func (h *HTTPExecutor) Info() Info {
	return Info{Transport: h.addr.Scheme, Address: h.addr.String()}
}

// Dispatch implements Executor.
func (h *HTTPExecutor) Dispatch(ctx context.Context, cmd Command) error {
	start := time.Now()
	err := h.dispatch(ctx, cmd)
	observeDispatch(h.addr.Scheme, cmd.Kind, start, err)
	return err
}

func (h *HTTPExecutor) dispatch(ctx context.Context, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+"/commands", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s command: %w", cmd.Kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("executor rejected %s command: status %d: %s",
			cmd.Kind, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// New creates an executor for addr, choosing the transport by scheme.
func New(raw string, sink SignalSink, logger *slog.Logger) (Executor, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	if addr.IsHTTP() {
		return NewHTTPExecutor(addr, nil), nil
	}
	return NewSocketExecutor(addr, sink, logger), nil
}
