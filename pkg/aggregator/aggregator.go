// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package aggregator implements the unified MCP server presented on an
// endpoint. One instance exists per (namespace, session); it fans requests
// out to the namespace's upstream servers, prefixes tool and prompt names
// with the sanitized server name, and routes calls back by splitting on the
// first "__".
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/pool"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/types"
	"github.com/stacklok/metamcp/pkg/upstream"
)

const (
	// serverNamePrefix builds the unified server's advertised name; the
	// same name is used for the nested-aggregation self-reference check.
	serverNamePrefix = "metamcp-unified-"

	serverVersion = "1.0.0"

	// nameDelimiter separates the sanitized server prefix from the
	// original capability name. Routing splits on its first occurrence.
	nameDelimiter = "__"
)

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeName strips every character outside [A-Za-z0-9_-] from an
// upstream server name so the prefixed form stays a valid identifier.
func SanitizeName(name string) string {
	return sanitizePattern.ReplaceAllString(name, "")
}

// UnifiedServerName returns the advertised name of the aggregator serving a
// namespace.
func UnifiedServerName(namespaceUUID string) string {
	return serverNamePrefix + namespaceUUID
}

// Notifier receives notifications re-emitted toward the external client.
type Notifier func(method string, params json.RawMessage)

// Aggregator is the per-session unified MCP server for one namespace.
type Aggregator struct {
	namespaceUUID string
	sessionID     string
	name          string

	servers store.UpstreamServers
	pool    *pool.Pool
	opts    upstream.RequestOptions

	mu               sync.Mutex
	toolToServer     map[string]string
	promptToServer   map[string]string
	resourceToServer map[string]string
	notifyRegistered map[string]struct{}
	notifier         Notifier
}

// New creates the aggregator for one (namespace, session) pair. opts are
// the operational timeout settings applied to upstream requests.
func New(
	namespaceUUID, sessionID string,
	servers store.UpstreamServers,
	connections *pool.Pool,
	opts upstream.RequestOptions,
) *Aggregator {
	return &Aggregator{
		namespaceUUID:    namespaceUUID,
		sessionID:        sessionID,
		name:             UnifiedServerName(namespaceUUID),
		servers:          servers,
		pool:             connections,
		opts:             opts,
		toolToServer:     make(map[string]string),
		promptToServer:   make(map[string]string),
		resourceToServer: make(map[string]string),
		notifyRegistered: make(map[string]struct{}),
	}
}

// Name returns the unified server's advertised name.
func (a *Aggregator) Name() string { return a.name }

// SessionID returns the owning session.
func (a *Aggregator) SessionID() string { return a.sessionID }

// SetNotifier installs the channel notifications are re-emitted on.
func (a *Aggregator) SetNotifier(n Notifier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifier = n
}

// InitializeResult advertises the unified server to the external client.
func (a *Aggregator) InitializeResult() *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ServerInfo: mcp.Implementation{
			Name:    a.name,
			Version: serverVersion,
		},
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{ListChanged: true},
			Prompts: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{ListChanged: true},
			Resources: &struct {
				Subscribe   bool `json:"subscribe,omitempty"`
				ListChanged bool `json:"listChanged,omitempty"`
			}{ListChanged: true},
		},
	}
}

// fanOutTarget is one usable upstream within a fan-out pass.
type fanOutTarget struct {
	server *types.UpstreamServer
	conn   *pool.Connection
	prefix string
}

// fanOut resolves the namespace's active servers, applies both cycle
// defenses (name check and per-call visited set), and invokes fn once per
// reachable upstream. Per-upstream failures never fail the pass.
func (a *Aggregator) fanOut(ctx context.Context, fn func(ctx context.Context, target fanOutTarget) error) error {
	servers, err := a.servers.ListNamespaceServers(ctx, a.namespaceUUID, false)
	if err != nil {
		return fmt.Errorf("list namespace servers: %w", err)
	}

	visited := make(map[string]struct{}, len(servers))
	g, gctx := errgroup.WithContext(ctx)

	for _, server := range servers {
		if _, ok := visited[server.UUID]; ok {
			continue
		}
		visited[server.UUID] = struct{}{}

		if server.Name == a.name {
			logger.Debugf("Skipping upstream %s: configured name matches this aggregator", server.UUID)
			continue
		}

		g.Go(func() error {
			conn, err := a.pool.GetSession(gctx, a.sessionID, server, a.namespaceUUID)
			if err != nil {
				logger.Warnf("Upstream %s unavailable: %v", server.UUID, err)
				return nil
			}

			advertised := conn.Client.ServerInfo().Name
			if advertised == a.name {
				logger.Debugf("Skipping upstream %s: advertised name matches this aggregator", server.UUID)
				return nil
			}
			a.registerNotifications(conn, advertised)

			target := fanOutTarget{
				server: server,
				conn:   conn,
				prefix: SanitizeName(displayName(server, advertised)),
			}
			if err := fn(gctx, target); err != nil {
				logger.Warnf("Upstream %s request failed: %v", server.UUID, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// displayName picks the user-assigned name when present, the self-reported
// name otherwise.
func displayName(server *types.UpstreamServer, advertised string) string {
	if server.Name != "" {
		return server.Name
	}
	return advertised
}

// registerNotifications installs the forwarding fallback at most once per
// advertised upstream name within this session.
func (a *Aggregator) registerNotifications(conn *pool.Connection, advertised string) {
	a.mu.Lock()
	if _, ok := a.notifyRegistered[advertised]; ok {
		a.mu.Unlock()
		return
	}
	a.notifyRegistered[advertised] = struct{}{}
	a.mu.Unlock()

	conn.Client.OnUnhandledNotification(func(method string, params json.RawMessage) {
		a.mu.Lock()
		notifier := a.notifier
		a.mu.Unlock()
		if notifier != nil {
			notifier(method, params)
		}
	})
}

// ListTools fans tools/list out across the namespace, persists each
// upstream's descriptors, installs routing entries, and returns the
// prefixed aggregate in completion order.
func (a *Aggregator) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	var mu sync.Mutex
	aggregate := []mcp.Tool{}

	err := a.fanOut(ctx, func(ctx context.Context, target fanOutTarget) error {
		result, err := target.conn.Client.ListTools(ctx, "", a.opts)
		if err != nil {
			return err
		}

		a.persistTools(ctx, target.server.UUID, result.Tools)

		a.mu.Lock()
		for _, tool := range result.Tools {
			a.toolToServer[target.prefix+nameDelimiter+tool.Name] = target.server.UUID
		}
		a.mu.Unlock()

		prefixed := make([]mcp.Tool, len(result.Tools))
		for i, tool := range result.Tools {
			tool.Name = target.prefix + nameDelimiter + tool.Name
			prefixed[i] = tool
		}

		mu.Lock()
		aggregate = append(aggregate, prefixed...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &mcp.ListToolsResult{Tools: aggregate}, nil
}

// CallTool routes a prefixed tool name to its upstream and forwards the
// call with the configured timeout options. Progress metadata passes
// through untouched.
func (a *Aggregator) CallTool(
	ctx context.Context, name string, arguments map[string]any, meta *mcp.Meta,
) (*mcp.CallToolResult, error) {
	prefix, toolName, err := splitPrefixed(name)
	if err != nil {
		return nil, err
	}

	conn, err := a.routeTool(ctx, name, prefix, toolName)
	if err != nil {
		return nil, err
	}
	return conn.Client.CallTool(ctx, toolName, arguments, meta, a.opts)
}

// routeTool resolves the connection serving a prefixed tool name, falling
// back to a full re-resolution pass on a routing-table miss.
func (a *Aggregator) routeTool(ctx context.Context, prefixed, prefix, toolName string) (*pool.Connection, error) {
	a.mu.Lock()
	serverUUID, ok := a.toolToServer[prefixed]
	a.mu.Unlock()

	if ok {
		if conn, err := a.sessionConn(ctx, serverUUID); err == nil {
			return conn, nil
		}
		// Stale entry; fall through to re-resolution.
	}

	var found *pool.Connection
	var mu sync.Mutex
	err := a.fanOut(ctx, func(ctx context.Context, target fanOutTarget) error {
		if target.prefix != prefix {
			return nil
		}
		result, err := target.conn.Client.ListTools(ctx, "", a.opts)
		if err != nil {
			return err
		}
		for _, tool := range result.Tools {
			if tool.Name == toolName {
				a.mu.Lock()
				a.toolToServer[prefixed] = target.server.UUID
				a.mu.Unlock()
				mu.Lock()
				found = target.conn
				mu.Unlock()
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("unknown tool %q", prefixed)
	}
	return found, nil
}

// ListPrompts fans prompts/list out with the same prefixing as tools.
func (a *Aggregator) ListPrompts(ctx context.Context) (*mcp.ListPromptsResult, error) {
	var mu sync.Mutex
	aggregate := []mcp.Prompt{}

	err := a.fanOut(ctx, func(ctx context.Context, target fanOutTarget) error {
		result, err := target.conn.Client.ListPrompts(ctx, "", a.opts)
		if err != nil {
			return err
		}

		a.mu.Lock()
		for _, prompt := range result.Prompts {
			a.promptToServer[target.prefix+nameDelimiter+prompt.Name] = target.server.UUID
		}
		a.mu.Unlock()

		prefixed := make([]mcp.Prompt, len(result.Prompts))
		for i, prompt := range result.Prompts {
			prompt.Name = target.prefix + nameDelimiter + prompt.Name
			prefixed[i] = prompt
		}

		mu.Lock()
		aggregate = append(aggregate, prefixed...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &mcp.ListPromptsResult{Prompts: aggregate}, nil
}

// GetPrompt routes a prefixed prompt name to its upstream.
func (a *Aggregator) GetPrompt(
	ctx context.Context, name string, arguments map[string]string,
) (*mcp.GetPromptResult, error) {
	prefix, promptName, err := splitPrefixed(name)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	serverUUID, ok := a.promptToServer[name]
	a.mu.Unlock()

	if ok {
		if conn, err := a.sessionConn(ctx, serverUUID); err == nil {
			return conn.Client.GetPrompt(ctx, promptName, arguments, a.opts)
		}
	}

	var found *pool.Connection
	var mu sync.Mutex
	err = a.fanOut(ctx, func(ctx context.Context, target fanOutTarget) error {
		if target.prefix != prefix {
			return nil
		}
		result, err := target.conn.Client.ListPrompts(ctx, "", a.opts)
		if err != nil {
			return err
		}
		for _, prompt := range result.Prompts {
			if prompt.Name == promptName {
				a.mu.Lock()
				a.promptToServer[name] = target.server.UUID
				a.mu.Unlock()
				mu.Lock()
				found = target.conn
				mu.Unlock()
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("unknown prompt %q", name)
	}
	return found.Client.GetPrompt(ctx, promptName, arguments, a.opts)
}

// ListResources fans resources/list out. Resource URIs are globally unique
// so they pass through unprefixed; routing is recorded per URI.
func (a *Aggregator) ListResources(ctx context.Context) (*mcp.ListResourcesResult, error) {
	var mu sync.Mutex
	aggregate := []mcp.Resource{}

	err := a.fanOut(ctx, func(ctx context.Context, target fanOutTarget) error {
		result, err := target.conn.Client.ListResources(ctx, "", a.opts)
		if err != nil {
			return err
		}

		a.mu.Lock()
		for _, resource := range result.Resources {
			a.resourceToServer[resource.URI] = target.server.UUID
		}
		a.mu.Unlock()

		mu.Lock()
		aggregate = append(aggregate, result.Resources...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &mcp.ListResourcesResult{Resources: aggregate}, nil
}

// ReadResource routes a resource URI to the upstream that listed it,
// re-resolving across the namespace when the URI was never listed in this
// session.
func (a *Aggregator) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	a.mu.Lock()
	serverUUID, ok := a.resourceToServer[uri]
	a.mu.Unlock()

	if ok {
		if conn, err := a.sessionConn(ctx, serverUUID); err == nil {
			return conn.Client.ReadResource(ctx, uri, a.opts)
		}
	}

	var found *pool.Connection
	var mu sync.Mutex
	err := a.fanOut(ctx, func(ctx context.Context, target fanOutTarget) error {
		result, err := target.conn.Client.ListResources(ctx, "", a.opts)
		if err != nil {
			return err
		}
		for _, resource := range result.Resources {
			if resource.URI == uri {
				a.mu.Lock()
				a.resourceToServer[uri] = target.server.UUID
				a.mu.Unlock()
				mu.Lock()
				found = target.conn
				mu.Unlock()
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("unknown resource %q", uri)
	}
	return found.Client.ReadResource(ctx, uri, a.opts)
}

// ListResourceTemplates fans resources/templates/list out. Templates are
// not routed; concrete reads resolve through ReadResource.
func (a *Aggregator) ListResourceTemplates(ctx context.Context) (*mcp.ListResourceTemplatesResult, error) {
	var mu sync.Mutex
	aggregate := []mcp.ResourceTemplate{}

	err := a.fanOut(ctx, func(ctx context.Context, target fanOutTarget) error {
		result, err := target.conn.Client.ListResourceTemplates(ctx, "", a.opts)
		if err != nil {
			return err
		}
		mu.Lock()
		aggregate = append(aggregate, result.ResourceTemplates...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &mcp.ListResourceTemplatesResult{ResourceTemplates: aggregate}, nil
}

// sessionConn fetches this session's connection for a known server UUID.
func (a *Aggregator) sessionConn(ctx context.Context, serverUUID string) (*pool.Connection, error) {
	server, err := a.servers.GetServer(ctx, serverUUID)
	if err != nil {
		return nil, err
	}
	return a.pool.GetSession(ctx, a.sessionID, server, a.namespaceUUID)
}

// persistTools stores the upstream's advertised tools for admin
// inspection. Best effort.
func (a *Aggregator) persistTools(ctx context.Context, serverUUID string, tools []mcp.Tool) {
	descriptors := make([]types.ToolDescriptor, len(tools))
	for i, tool := range tools {
		descriptors[i] = types.ToolDescriptor{
			ServerUUID:  serverUUID,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: inputSchemaMap(tool.InputSchema),
		}
	}
	if err := a.servers.SaveTools(ctx, serverUUID, descriptors); err != nil {
		logger.Warnf("Failed to persist tools for server %s: %v", serverUUID, err)
	}
}

func inputSchemaMap(schema mcp.ToolInputSchema) map[string]any {
	m := map[string]any{"type": schema.Type}
	if schema.Properties != nil {
		m["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	return m
}

// splitPrefixed splits an external name on the first delimiter occurrence,
// which keeps nested aggregators routable.
func splitPrefixed(name string) (prefix, rest string, err error) {
	idx := strings.Index(name, nameDelimiter)
	if idx <= 0 || idx+len(nameDelimiter) >= len(name) {
		return "", "", fmt.Errorf("name %q is not prefixed with a server name", name)
	}
	return name[:idx], name[idx+len(nameDelimiter):], nil
}
