// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/metamcp/pkg/errtracker"
	"github.com/stacklok/metamcp/pkg/pool"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/transport"
	"github.com/stacklok/metamcp/pkg/types"
	"github.com/stacklok/metamcp/pkg/upstream"
)

// scriptedUpstream is an in-process MCP server with canned per-method
// results.
type scriptedUpstream struct {
	serverName string
	results    map[string]string

	mu       sync.Mutex
	requests []*jsonrpc2.Request
	notify   func(jsonrpc2.Message)
}

func (s *scriptedUpstream) recordedMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var methods []string
	for _, req := range s.requests {
		methods = append(methods, req.Method)
	}
	return methods
}

func (s *scriptedUpstream) lastParams(t *testing.T, method string) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Method == method {
			var params map[string]any
			require.NoError(t, json.Unmarshal(s.requests[i].Params, &params))
			return params
		}
	}
	t.Fatalf("no recorded %s request", method)
	return nil
}

// emit pushes a server-originated notification to the latest connection.
func (s *scriptedUpstream) emit(t *testing.T, method string, params any) {
	t.Helper()
	s.mu.Lock()
	notify := s.notify
	s.mu.Unlock()
	require.NotNil(t, notify, "no connection established yet")
	notif, err := jsonrpc2.NewNotification(method, params)
	require.NoError(t, err)
	notify(notif)
}

type scriptedTransport struct {
	up *scriptedUpstream
	cb transport.Callbacks

	mu     sync.Mutex
	closed bool
}

func (f *scriptedTransport) Start(context.Context) error {
	f.up.mu.Lock()
	// The first connection in a test is the session's; idle refills must
	// not steal the notification channel.
	if f.up.notify == nil {
		f.up.notify = f.cb.OnMessage
	}
	f.up.mu.Unlock()
	return nil
}

func (f *scriptedTransport) Send(_ context.Context, msg jsonrpc2.Message) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return transport.ErrTransportClosed
	}

	req, ok := msg.(*jsonrpc2.Request)
	if !ok || !req.ID.IsValid() {
		return nil
	}

	f.up.mu.Lock()
	f.up.requests = append(f.up.requests, req)
	f.up.mu.Unlock()

	var resp *jsonrpc2.Response
	switch {
	case req.Method == "initialize":
		result := fmt.Sprintf(
			`{"protocolVersion":"2025-03-26","capabilities":{"tools":{}},"serverInfo":{"name":%q,"version":"1.0.0"}}`,
			f.up.serverName)
		resp, _ = jsonrpc2.NewResponse(req.ID, json.RawMessage(result), nil)
	default:
		if result, ok := f.up.results[req.Method]; ok {
			resp, _ = jsonrpc2.NewResponse(req.ID, json.RawMessage(result), nil)
		} else {
			resp, _ = jsonrpc2.NewResponse(req.ID, nil, jsonrpc2.ErrMethodNotFound)
		}
	}
	go f.cb.OnMessage(resp)
	return nil
}

func (f *scriptedTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	f.cb.OnClose()
	return nil
}

// testEnv wires a memory store, pool, and aggregator around scripted
// upstreams.
type testEnv struct {
	st        *store.MemoryStore
	pool      *pool.Pool
	ns        string
	upstreams map[string]*scriptedUpstream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		st:        store.NewMemoryStore(),
		ns:        uuid.NewString(),
		upstreams: make(map[string]*scriptedUpstream),
	}
	require.NoError(t, env.st.Namespaces().CreateNamespace(t.Context(), &types.Namespace{
		UUID: env.ns,
		Name: "default",
	}))

	tracker := errtracker.New(env.st.UpstreamServers())
	dialer := func(server *types.UpstreamServer, cb transport.Callbacks) (transport.Transport, error) {
		up, ok := env.upstreams[server.UUID]
		if !ok {
			return nil, fmt.Errorf("no scripted upstream for %s", server.UUID)
		}
		return &scriptedTransport{up: up, cb: cb}, nil
	}
	env.pool = pool.New(tracker, pool.Options{Dialer: dialer, RetryDelay: 10 * time.Millisecond})
	t.Cleanup(env.pool.Close)
	return env
}

func (e *testEnv) addUpstream(t *testing.T, configuredName, advertisedName string, results map[string]string) string {
	t.Helper()
	srv := &types.UpstreamServer{
		UUID:    uuid.NewString(),
		Name:    configuredName,
		Type:    types.ServerTypeStdio,
		Command: "npx",
	}
	require.NoError(t, e.st.UpstreamServers().CreateServer(t.Context(), srv))
	require.NoError(t, e.st.Namespaces().MapServer(t.Context(), e.ns, srv.UUID, types.MappingStatusActive))
	e.upstreams[srv.UUID] = &scriptedUpstream{serverName: advertisedName, results: results}
	return srv.UUID
}

func (e *testEnv) aggregator() *Aggregator {
	return New(e.ns, "session-1", e.st.UpstreamServers(), e.pool, upstream.DefaultRequestOptions())
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "timeserver", SanitizeName("time server!"))
	assert.Equal(t, "files_v2", SanitizeName("files_v2"))
	assert.Equal(t, "my-serverv2", SanitizeName("my-server (v2)"))
}

func TestAggregator_ListToolsPrefixesAndRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addUpstream(t, "time server!", "time-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"now","description":"current time","inputSchema":{"type":"object"}}]}`,
	})
	env.addUpstream(t, "files", "files-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"read","inputSchema":{"type":"object"}},{"name":"write","inputSchema":{"type":"object"}}]}`,
	})

	agg := env.aggregator()
	result, err := agg.ListTools(t.Context())
	require.NoError(t, err)

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"timeserver__now", "files__read", "files__write"}, names)
}

func TestAggregator_CallToolRoutesByPrefix(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	timeUUID := env.addUpstream(t, "time", "time-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"now","inputSchema":{"type":"object"}}]}`,
		"tools/call": `{"content":[{"type":"text","text":"12:00"}]}`,
	})
	env.addUpstream(t, "files", "files-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"read","inputSchema":{"type":"object"}}]}`,
	})

	agg := env.aggregator()
	_, err := agg.ListTools(t.Context())
	require.NoError(t, err)

	result, err := agg.CallTool(t.Context(), "time__now", map[string]any{"tz": "UTC"}, nil)
	require.NoError(t, err)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "12:00", text.Text)

	// The upstream sees the unprefixed tool name.
	params := env.upstreams[timeUUID].lastParams(t, "tools/call")
	assert.Equal(t, "now", params["name"])
}

func TestAggregator_CallToolReResolvesOnMiss(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addUpstream(t, "time", "time-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"now","inputSchema":{"type":"object"}}]}`,
		"tools/call": `{"content":[{"type":"text","text":"12:00"}]}`,
	})

	// No prior tools/list in this session: the call triggers re-resolution.
	agg := env.aggregator()
	result, err := agg.CallTool(t.Context(), "time__now", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	// Memoized: a second call goes straight through without listing again.
	_, err = agg.CallTool(t.Context(), "time__now", nil, nil)
	require.NoError(t, err)
	var listCount int
	for _, m := range env.upstreams[envFirstUpstream(env)].recordedMethods() {
		if m == "tools/list" {
			listCount++
		}
	}
	assert.Equal(t, 1, listCount)
}

func envFirstUpstream(env *testEnv) string {
	for uuid := range env.upstreams {
		return uuid
	}
	return ""
}

func TestAggregator_UnknownToolFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addUpstream(t, "time", "time-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"now","inputSchema":{"type":"object"}}]}`,
	})

	agg := env.aggregator()
	_, err := agg.CallTool(t.Context(), "time__missing", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")

	_, err = agg.CallTool(t.Context(), "notprefixed", nil, nil)
	require.Error(t, err)
}

func TestAggregator_SelfReferenceSkipped(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	own := UnifiedServerName(env.ns)

	// Configured name matches the aggregator: never dialed.
	env.addUpstream(t, own, "whatever", map[string]string{
		"tools/list": `{"tools":[{"name":"loop","inputSchema":{"type":"object"}}]}`,
	})
	// Advertised name matches: dialed, then skipped after the handshake.
	advertising := env.addUpstream(t, "", own, map[string]string{
		"tools/list": `{"tools":[{"name":"loop2","inputSchema":{"type":"object"}}]}`,
	})
	env.addUpstream(t, "real", "real-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"work","inputSchema":{"type":"object"}}]}`,
	})

	agg := env.aggregator()
	result, err := agg.ListTools(t.Context())
	require.NoError(t, err)

	require.Len(t, result.Tools, 1)
	assert.Equal(t, "real__work", result.Tools[0].Name)
	assert.NotContains(t, env.upstreams[advertising].recordedMethods(), "tools/list")
}

func TestAggregator_PerUpstreamFailureTolerated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	// No tools/list script: this upstream answers with method-not-found.
	env.addUpstream(t, "broken", "broken-mcp", map[string]string{})
	env.addUpstream(t, "good", "good-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"work","inputSchema":{"type":"object"}}]}`,
	})

	agg := env.aggregator()
	result, err := agg.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "good__work", result.Tools[0].Name)
}

func TestAggregator_PromptsPrefixAndGet(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addUpstream(t, "writer", "writer-mcp", map[string]string{
		"prompts/list": `{"prompts":[{"name":"summarize"}]}`,
		"prompts/get":  `{"messages":[{"role":"user","content":{"type":"text","text":"Summarize this"}}]}`,
	})

	agg := env.aggregator()
	list, err := agg.ListPrompts(t.Context())
	require.NoError(t, err)
	require.Len(t, list.Prompts, 1)
	assert.Equal(t, "writer__summarize", list.Prompts[0].Name)

	result, err := agg.GetPrompt(t.Context(), "writer__summarize", map[string]string{"style": "short"})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
}

func TestAggregator_ResourcesRoutedByURI(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	filesUUID := env.addUpstream(t, "files", "files-mcp", map[string]string{
		"resources/list": `{"resources":[{"uri":"file:///etc/motd","name":"motd"}]}`,
		"resources/read": `{"contents":[{"uri":"file:///etc/motd","mimeType":"text/plain","text":"hello"}]}`,
	})

	agg := env.aggregator()
	list, err := agg.ListResources(t.Context())
	require.NoError(t, err)
	require.Len(t, list.Resources, 1)
	// URIs pass through unprefixed.
	assert.Equal(t, "file:///etc/motd", list.Resources[0].URI)

	result, err := agg.ReadResource(t.Context(), "file:///etc/motd")
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)

	params := env.upstreams[filesUUID].lastParams(t, "resources/read")
	assert.Equal(t, "file:///etc/motd", params["uri"])
}

func TestAggregator_NotificationForwarding(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	timeUUID := env.addUpstream(t, "time", "time-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"now","inputSchema":{"type":"object"}}]}`,
	})

	agg := env.aggregator()
	forwarded := make(chan string, 4)
	agg.SetNotifier(func(method string, _ json.RawMessage) {
		forwarded <- method
	})

	_, err := agg.ListTools(t.Context())
	require.NoError(t, err)

	env.upstreams[timeUUID].emit(t, "notifications/tools/list_changed", nil)

	select {
	case method := <-forwarded:
		assert.Equal(t, "notifications/tools/list_changed", method)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded notification")
	}
}

func TestAggregator_Dispatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addUpstream(t, "time", "time-mcp", map[string]string{
		"tools/list": `{"tools":[{"name":"now","inputSchema":{"type":"object"}}]}`,
	})
	agg := env.aggregator()

	init, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "initialize", map[string]any{})
	require.NoError(t, err)
	resp, ok := agg.Dispatch(t.Context(), init).(*jsonrpc2.Response)
	require.True(t, ok)
	require.NoError(t, resp.Error)
	var initResult mcp.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &initResult))
	assert.Equal(t, UnifiedServerName(env.ns), initResult.ServerInfo.Name)

	list, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(2), "tools/list", nil)
	require.NoError(t, err)
	resp, ok = agg.Dispatch(t.Context(), list).(*jsonrpc2.Response)
	require.True(t, ok)
	require.NoError(t, resp.Error)

	unknown, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(3), "bogus/method", nil)
	require.NoError(t, err)
	resp, ok = agg.Dispatch(t.Context(), unknown).(*jsonrpc2.Response)
	require.True(t, ok)
	assert.Error(t, resp.Error)

	// Notifications produce no response.
	notif, err := jsonrpc2.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.Nil(t, agg.Dispatch(t.Context(), notif))
}
