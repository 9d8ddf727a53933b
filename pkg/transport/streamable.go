// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/exp/jsonrpc2"
)

// sessionHeader identifies the streamable HTTP session after the first POST.
const sessionHeader = "Mcp-Session-Id"

// StreamableTransport reaches a remote MCP server over the streamable HTTP
// transport: every client message is a POST, responses arrive either as a
// direct JSON body or as an inline SSE stream, and DELETE tears the session
// down. Once the server assigns a session id it is echoed on every request,
// and a standalone GET stream is opened so server-initiated messages outside
// any POST exchange still reach the message callback.
type StreamableTransport struct {
	baseURL     string
	bearerToken string
	client      *http.Client
	callbacks   Callbacks

	mu           sync.Mutex
	sessionID    string
	stream       io.ReadCloser
	streamCancel context.CancelFunc
	started      bool
	closed       bool

	listenOnce sync.Once
	closeOnce  sync.Once
}

// NewStreamableTransport creates a streamable HTTP transport for the given
// URL. An empty bearerToken sends no Authorization header.
func NewStreamableTransport(baseURL, bearerToken string, client *http.Client, callbacks Callbacks) *StreamableTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &StreamableTransport{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		client:      client,
		callbacks:   callbacks,
	}
}

// Start marks the transport ready. The streamable protocol needs no
// handshake before the first POST.
func (t *StreamableTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return ErrAlreadyStarted
	}
	if t.closed {
		return ErrTransportClosed
	}
	t.started = true
	return nil
}

// Send POSTs one JSON-RPC message and pumps whatever the server answers
// (JSON body or inline SSE stream) through the message callback.
func (t *StreamableTransport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	t.mu.Lock()
	started, closed := t.started, t.closed
	sessionID := t.sessionID
	t.mu.Unlock()

	if !started {
		return ErrTransportNotStarted
	}
	if closed {
		return ErrTransportClosed
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	t.setAuthHeader(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
		t.ensureListener()
	}

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("message rejected: %s - %s", resp.Status, string(body))
	}

	// 202 Accepted carries no body (notifications).
	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		return t.pumpSSEBody(resp.Body)
	case strings.HasPrefix(contentType, "application/json"):
		return t.pumpJSONBody(resp.Body)
	}
	return nil
}

// Close sends the session DELETE (best effort) and marks the transport
// closed. Idempotent.
func (t *StreamableTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessionID := t.sessionID
	stream := t.stream
	cancel := t.streamCancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}

	if sessionID != "" {
		req, err := http.NewRequest(http.MethodDelete, t.baseURL, nil)
		if err == nil {
			req.Header.Set(sessionHeader, sessionID)
			t.setAuthHeader(req)
			if resp, err := t.client.Do(req); err == nil {
				_ = resp.Body.Close()
			}
		}
	}

	t.closeOnce.Do(t.callbacks.closed)
	return nil
}

// SessionID returns the server-assigned session id, if any.
func (t *StreamableTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *StreamableTransport) setAuthHeader(req *http.Request) {
	if t.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearerToken)
	}
}

// ensureListener opens the standalone server-to-client stream once the
// server has assigned a session id. At most one stream is opened per
// transport.
func (t *StreamableTransport) ensureListener() {
	t.listenOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			cancel()
			return
		}
		t.streamCancel = cancel
		t.mu.Unlock()
		go t.listen(ctx)
	})
}

// listen runs the standalone GET stream. Servers that do not offer one
// answer 405 or 404; the transport then stays POST-only.
func (t *StreamableTransport) listen(ctx context.Context) {
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		t.callbacks.error(fmt.Errorf("create stream request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionHeader, sessionID)
	t.setAuthHeader(req)

	resp, err := t.client.Do(req)
	if err != nil {
		if !t.isClosed() {
			t.callbacks.error(fmt.Errorf("open server stream: %w", err))
		}
		return
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed, http.StatusNotFound:
		_ = resp.Body.Close()
		return
	default:
		_ = resp.Body.Close()
		t.callbacks.error(fmt.Errorf("server stream returned status %d", resp.StatusCode))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = resp.Body.Close()
		return
	}
	t.stream = resp.Body
	t.mu.Unlock()

	if err := t.pumpSSEBody(resp.Body); err != nil && !t.isClosed() {
		t.callbacks.error(err)
	}
}

func (t *StreamableTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *StreamableTransport) pumpSSEBody(body io.Reader) error {
	scanner := newSSEScanner(body)
	for {
		event, err := scanner.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read SSE response: %w", err)
		}
		if len(event.Data) == 0 || (event.Event != "" && event.Event != "message") {
			continue
		}
		msg, err := jsonrpc2.DecodeMessage(event.Data)
		if err != nil {
			t.callbacks.error(fmt.Errorf("decode SSE response: %w", err))
			continue
		}
		t.callbacks.message(msg)
	}
}

func (t *StreamableTransport) pumpJSONBody(body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	msg, err := jsonrpc2.DecodeMessage(data)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	t.callbacks.message(msg)
	return nil
}
