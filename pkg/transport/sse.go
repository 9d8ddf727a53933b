// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/exp/jsonrpc2"
)

// SSETransport reaches a remote MCP server over the legacy HTTP+SSE pair: a
// long-lived GET carries server-to-client events, and client-to-server
// messages are POSTed to the companion endpoint the server announces in its
// first "endpoint" event.
type SSETransport struct {
	baseURL     string
	bearerToken string
	client      *http.Client
	callbacks   Callbacks

	mu          sync.Mutex
	endpointURL string
	stream      io.ReadCloser
	started     bool
	closed      bool

	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// NewSSETransport creates an SSE transport for the given base URL. An empty
// bearerToken sends no Authorization header.
func NewSSETransport(baseURL, bearerToken string, client *http.Client, callbacks Callbacks) *SSETransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSETransport{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		client:      client,
		callbacks:   callbacks,
		ready:       make(chan struct{}),
	}
}

// Start opens the event stream and waits for the server to announce the POST
// endpoint.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.setAuthHeader(req)

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("SSE stream returned status %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.stream = resp.Body
	t.mu.Unlock()

	go t.readStream(resp.Body)

	// The handshake is complete once the endpoint event arrives.
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		_ = t.Close()
		return fmt.Errorf("waiting for SSE endpoint event: %w", ctx.Err())
	}
}

// Send POSTs one JSON-RPC message to the announced endpoint.
func (t *SSETransport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	t.mu.Lock()
	endpoint := t.endpointURL
	started, closed := t.started, t.closed
	t.mu.Unlock()

	if !started {
		return ErrTransportNotStarted
	}
	if closed {
		return ErrTransportClosed
	}
	if endpoint == "" {
		return fmt.Errorf("no endpoint announced by server")
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.setAuthHeader(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("message rejected: %s - %s", resp.Status, string(body))
	}
	return nil
}

// Close terminates the stream. Idempotent.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stream := t.stream
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	t.closeOnce.Do(t.callbacks.closed)
	return nil
}

func (t *SSETransport) setAuthHeader(req *http.Request) {
	if t.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearerToken)
	}
}

func (t *SSETransport) readStream(body io.ReadCloser) {
	scanner := newSSEScanner(body)
	for {
		event, err := scanner.Next()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed && err != io.EOF {
				t.callbacks.error(fmt.Errorf("read SSE stream: %w", err))
			}
			t.closeOnce.Do(t.callbacks.closed)
			return
		}

		switch event.Event {
		case "endpoint":
			t.handleEndpointEvent(string(event.Data))
		case "", "message":
			if len(event.Data) == 0 {
				continue
			}
			msg, err := jsonrpc2.DecodeMessage(event.Data)
			if err != nil {
				t.callbacks.error(fmt.Errorf("decode SSE message: %w", err))
				continue
			}
			t.callbacks.message(msg)
		}
	}
}

// handleEndpointEvent resolves the announced endpoint (usually a relative
// path carrying a session id) against the base URL and unblocks Start.
func (t *SSETransport) handleEndpointEvent(raw string) {
	base, err := url.Parse(t.baseURL)
	if err != nil {
		t.callbacks.error(fmt.Errorf("parse base URL: %w", err))
		return
	}
	ep, err := url.Parse(raw)
	if err != nil {
		t.callbacks.error(fmt.Errorf("parse endpoint event %q: %w", raw, err))
		return
	}

	t.mu.Lock()
	t.endpointURL = base.ResolveReference(ep).String()
	t.mu.Unlock()

	t.readyOnce.Do(func() { close(t.ready) })
}
