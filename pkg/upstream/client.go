// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements an MCP protocol client on top of a transport.
//
// A Client owns the initialize handshake, matches responses to requests by
// JSON-RPC id, routes notifications to per-method handlers, and enforces
// per-request timeouts that can be extended by progress notifications tied
// to the request's progress token.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/transport"
)

const (
	clientName    = "metamcp"
	clientVersion = "1.0.0"

	// defaultTimeout bounds a request when the caller supplies no timeout.
	defaultTimeout = 60 * time.Second

	notificationInitialized = "notifications/initialized"
	notificationProgress    = "notifications/progress"
)

// RequestOptions controls timeout behavior for a single request.
type RequestOptions struct {
	// Timeout bounds wall-clock time per request. Zero means defaultTimeout.
	Timeout time.Duration

	// MaxTotalTimeout is a hard ceiling that progress resets cannot extend.
	// Zero means no ceiling.
	MaxTotalTimeout time.Duration

	// ResetTimeoutOnProgress restarts the timer whenever the upstream emits
	// a progress notification carrying the request's progress token.
	ResetTimeoutOnProgress bool
}

// DefaultRequestOptions returns the options used when a caller has no
// configured overrides.
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:                defaultTimeout,
		ResetTimeoutOnProgress: true,
	}
}

// NotificationHandler receives a server-originated notification.
type NotificationHandler func(method string, params json.RawMessage)

type pendingRequest struct {
	resp     chan *jsonrpc2.Response
	progress chan struct{}
	token    string
}

// Client is an MCP client bound to one upstream transport.
type Client struct {
	nextID atomic.Int64

	mu           sync.Mutex
	tr           transport.Transport
	pending      map[int64]*pendingRequest
	handlers     map[string]NotificationHandler
	fallback     NotificationHandler
	serverInfo   mcp.Implementation
	capabilities mcp.ServerCapabilities
	initialized  bool
	closed       bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates an unbound client. Wire it to a transport by passing
// Callbacks to the transport constructor and calling Bind.
func NewClient() *Client {
	return &Client{
		pending:  make(map[int64]*pendingRequest),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
}

// Callbacks returns transport callbacks that feed protocol traffic into the
// client, chaining the supplied hooks after the client's own handling.
func (c *Client) Callbacks(next transport.Callbacks) transport.Callbacks {
	return transport.Callbacks{
		OnMessage: func(msg jsonrpc2.Message) {
			c.handleMessage(msg)
			if next.OnMessage != nil {
				next.OnMessage(msg)
			}
		},
		OnClose: func() {
			c.handleClose()
			if next.OnClose != nil {
				next.OnClose()
			}
		},
		OnError: next.OnError,
		OnLog:   next.OnLog,
		OnCrash: next.OnCrash,
	}
}

// Bind attaches the transport the client sends on. Must be called before
// any request.
func (c *Client) Bind(tr transport.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tr = tr
}

// OnNotification registers a handler for one notification method,
// replacing any previous handler for that method.
func (c *Client) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

// OnUnhandledNotification registers the fallback for notifications whose
// method has no dedicated handler.
func (c *Client) OnUnhandledNotification(handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = handler
}

// ServerInfo returns the upstream's advertised name and version. Valid
// after Initialize.
func (c *Client) ServerInfo() mcp.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Capabilities returns the upstream's advertised capabilities. Valid after
// Initialize.
func (c *Client) Capabilities() mcp.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Initialized reports whether the handshake completed.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Done is closed when the underlying transport closes.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts down the underlying transport. In-flight requests fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	tr := c.tr
	c.closed = true
	c.mu.Unlock()

	if tr == nil {
		c.handleClose()
		return nil
	}
	return tr.Close()
}

// Initialize performs the MCP handshake and records the upstream's server
// info and capabilities.
func (c *Client) Initialize(ctx context.Context, opts RequestOptions) (*mcp.InitializeResult, error) {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo: mcp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
		Capabilities: mcp.ClientCapabilities{},
	}

	raw, err := c.call(ctx, string(mcp.MethodInitialize), params, opts)
	if err != nil {
		return nil, err
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.initialized = true
	tr := c.tr
	c.mu.Unlock()

	notif, err := jsonrpc2.NewNotification(notificationInitialized, nil)
	if err != nil {
		return nil, fmt.Errorf("create initialized notification: %w", err)
	}
	if err := tr.Send(ctx, notif); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return &result, nil
}

// ListTools fetches one page of the upstream's tool list.
func (c *Client) ListTools(ctx context.Context, cursor string, opts RequestOptions) (*mcp.ListToolsResult, error) {
	raw, err := c.call(ctx, string(mcp.MethodToolsList), paginatedParams(cursor), opts)
	if err != nil {
		return nil, err
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return &result, nil
}

// CallTool invokes one tool. A caller-supplied meta (including its progress
// token) passes through unchanged.
func (c *Client) CallTool(
	ctx context.Context, name string, arguments map[string]any, meta *mcp.Meta, opts RequestOptions,
) (*mcp.CallToolResult, error) {
	params := mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
		Meta:      meta,
	}
	raw, err := c.call(ctx, string(mcp.MethodToolsCall), params, opts)
	if err != nil {
		return nil, err
	}
	return mcp.ParseCallToolResult(&raw)
}

// ListPrompts fetches one page of the upstream's prompt list.
func (c *Client) ListPrompts(ctx context.Context, cursor string, opts RequestOptions) (*mcp.ListPromptsResult, error) {
	raw, err := c.call(ctx, string(mcp.MethodPromptsList), paginatedParams(cursor), opts)
	if err != nil {
		return nil, err
	}
	var result mcp.ListPromptsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode prompts/list result: %w", err)
	}
	return &result, nil
}

// GetPrompt resolves one prompt with its arguments.
func (c *Client) GetPrompt(
	ctx context.Context, name string, arguments map[string]string, opts RequestOptions,
) (*mcp.GetPromptResult, error) {
	params := mcp.GetPromptParams{
		Name:      name,
		Arguments: arguments,
	}
	raw, err := c.call(ctx, string(mcp.MethodPromptsGet), params, opts)
	if err != nil {
		return nil, err
	}
	return mcp.ParseGetPromptResult(&raw)
}

// ListResources fetches one page of the upstream's resource list.
func (c *Client) ListResources(ctx context.Context, cursor string, opts RequestOptions) (*mcp.ListResourcesResult, error) {
	raw, err := c.call(ctx, string(mcp.MethodResourcesList), paginatedParams(cursor), opts)
	if err != nil {
		return nil, err
	}
	var result mcp.ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode resources/list result: %w", err)
	}
	return &result, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string, opts RequestOptions) (*mcp.ReadResourceResult, error) {
	params := mcp.ReadResourceParams{URI: uri}
	raw, err := c.call(ctx, string(mcp.MethodResourcesRead), params, opts)
	if err != nil {
		return nil, err
	}
	return mcp.ParseReadResourceResult(&raw)
}

// ListResourceTemplates fetches one page of the upstream's resource
// template list.
func (c *Client) ListResourceTemplates(
	ctx context.Context, cursor string, opts RequestOptions,
) (*mcp.ListResourceTemplatesResult, error) {
	raw, err := c.call(ctx, string(mcp.MethodResourcesTemplatesList), paginatedParams(cursor), opts)
	if err != nil {
		return nil, err
	}
	var result mcp.ListResourceTemplatesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode resources/templates/list result: %w", err)
	}
	return &result, nil
}

// Ping checks upstream liveness.
func (c *Client) Ping(ctx context.Context, opts RequestOptions) error {
	_, err := c.call(ctx, string(mcp.MethodPing), nil, opts)
	return err
}

func paginatedParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return map[string]any{"cursor": cursor}
}

// call sends one request and waits for the matching response, resetting the
// timer on matching progress notifications when enabled.
func (c *Client) call(ctx context.Context, method string, params any, opts RequestOptions) (json.RawMessage, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	c.mu.Lock()
	tr := c.tr
	closed := c.closed
	c.mu.Unlock()
	if tr == nil {
		return nil, ErrNotConnected
	}
	if closed {
		return nil, ErrConnectionClosed
	}

	id := c.nextID.Add(1)

	var token string
	if opts.ResetTimeoutOnProgress {
		var err error
		params, token, err = withProgressToken(params, fmt.Sprintf("req-%d", id))
		if err != nil {
			return nil, fmt.Errorf("attach progress token: %w", err)
		}
	}

	msg, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(id), method, params)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}

	pr := &pendingRequest{
		resp:     make(chan *jsonrpc2.Response, 1),
		progress: make(chan struct{}, 1),
		token:    token,
	}
	c.mu.Lock()
	c.pending[id] = pr
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := tr.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	var hardCap <-chan time.Time
	if opts.MaxTotalTimeout > 0 {
		hard := time.NewTimer(opts.MaxTotalTimeout)
		defer hard.Stop()
		hardCap = hard.C
	}

	for {
		select {
		case resp := <-pr.resp:
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %w", method, resp.Error)
			}
			return resp.Result, nil
		case <-pr.progress:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(opts.Timeout)
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, opts.Timeout)
		case <-hardCap:
			return nil, fmt.Errorf("%w: %s exceeded total budget %s", ErrRequestTimeout, method, opts.MaxTotalTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrConnectionClosed
		}
	}
}

// withProgressToken injects a progress token into the request's _meta. A
// token the caller already set wins and is returned for matching.
func withProgressToken(params any, token string) (any, string, error) {
	m := map[string]any{}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, "", err
		}
	}

	meta, _ := m["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	if existing, ok := meta["progressToken"]; ok && existing != nil {
		return m, fmt.Sprint(existing), nil
	}
	meta["progressToken"] = token
	m["_meta"] = meta
	return m, token, nil
}

func (c *Client) handleMessage(msg jsonrpc2.Message) {
	switch m := msg.(type) {
	case *jsonrpc2.Response:
		c.dispatchResponse(m)
	case *jsonrpc2.Request:
		if m.ID.IsValid() {
			c.handleServerRequest(m)
			return
		}
		c.dispatchNotification(m)
	}
}

func (c *Client) dispatchResponse(resp *jsonrpc2.Response) {
	id, ok := resp.ID.Raw().(int64)
	if !ok {
		logger.Debugf("Dropping response with non-numeric id %v", resp.ID.Raw())
		return
	}

	c.mu.Lock()
	pr := c.pending[id]
	c.mu.Unlock()
	if pr == nil {
		logger.Debugf("Dropping response for unknown request id %d", id)
		return
	}

	select {
	case pr.resp <- resp:
	default:
	}
}

func (c *Client) dispatchNotification(notif *jsonrpc2.Request) {
	if notif.Method == notificationProgress {
		c.signalProgress(notif.Params)
	}

	c.mu.Lock()
	handler := c.handlers[notif.Method]
	if handler == nil {
		handler = c.fallback
	}
	c.mu.Unlock()

	if handler != nil {
		handler(notif.Method, notif.Params)
	}
}

// signalProgress nudges the pending request whose progress token matches so
// its timeout timer can be reset.
func (c *Client) signalProgress(raw json.RawMessage) {
	var params struct {
		ProgressToken any `json:"progressToken"`
	}
	if err := json.Unmarshal(raw, &params); err != nil || params.ProgressToken == nil {
		return
	}
	token := fmt.Sprint(params.ProgressToken)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pr := range c.pending {
		if pr.token != "" && pr.token == token {
			select {
			case pr.progress <- struct{}{}:
			default:
			}
		}
	}
}

// handleServerRequest answers server-to-client requests. Only ping is
// supported; everything else gets a method-not-found error.
func (c *Client) handleServerRequest(req *jsonrpc2.Request) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return
	}

	var resp *jsonrpc2.Response
	var err error
	if req.Method == string(mcp.MethodPing) {
		resp, err = jsonrpc2.NewResponse(req.ID, map[string]any{}, nil)
	} else {
		resp, err = jsonrpc2.NewResponse(req.ID, nil, jsonrpc2.ErrMethodNotFound)
	}
	if err != nil {
		logger.Warnf("Failed to build response for server request %s: %v", req.Method, err)
		return
	}
	if err := tr.Send(context.Background(), resp); err != nil {
		logger.Debugf("Failed to answer server request %s: %v", req.Method, err)
	}
}

func (c *Client) handleClose() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}
