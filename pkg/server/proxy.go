// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/metamcp/pkg/bridge"
	"github.com/stacklok/metamcp/pkg/httperr"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/store"
	"github.com/stacklok/metamcp/pkg/transport"
)

// proxySession is a direct one-upstream conversation: client frames go
// straight through a bridge to a single upstream server, bypassing the
// aggregator.
type proxySession struct {
	id         string
	serverUUID string
	br         *bridge.Bridge

	cb  transport.Callbacks
	out chan jsonrpc2.Message

	mu      sync.Mutex
	pending map[any]chan jsonrpc2.Message

	done      chan struct{}
	closeOnce sync.Once
}

// bridgeClientEnd adapts the HTTP side of a proxy session to the
// Transport interface the bridge expects.
type bridgeClientEnd struct {
	ps *proxySession
}

func (*bridgeClientEnd) Start(context.Context) error { return nil }

// Send receives server-to-client traffic from the bridge. Responses a
// streamable POST is waiting on are routed to the waiter; everything else
// rides the event stream.
func (e *bridgeClientEnd) Send(_ context.Context, msg jsonrpc2.Message) error {
	ps := e.ps
	select {
	case <-ps.done:
		return transport.ErrTransportClosed
	default:
	}

	if resp, ok := msg.(*jsonrpc2.Response); ok {
		ps.mu.Lock()
		waiter, found := ps.pending[resp.ID.Raw()]
		if found {
			delete(ps.pending, resp.ID.Raw())
		}
		ps.mu.Unlock()
		if found {
			waiter <- msg
			return nil
		}
	}

	select {
	case ps.out <- msg:
	default:
		logger.Warnf("Outbound queue full for proxy session %s, dropping message", ps.id)
	}
	return nil
}

func (e *bridgeClientEnd) Close() error {
	e.ps.shutdown()
	return nil
}

func (ps *proxySession) shutdown() {
	ps.closeOnce.Do(func() {
		close(ps.done)
		ps.cb.OnClose()
	})
}

// deliver feeds one client frame into the bridge.
func (ps *proxySession) deliver(msg jsonrpc2.Message) {
	ps.cb.OnMessage(msg)
}

// awaitResponse registers a waiter for the request's ID before delivery.
func (ps *proxySession) awaitResponse(id jsonrpc2.ID) chan jsonrpc2.Message {
	ch := make(chan jsonrpc2.Message, 1)
	ps.mu.Lock()
	ps.pending[id.Raw()] = ch
	ps.mu.Unlock()
	return ch
}

func (ps *proxySession) abandonResponse(id jsonrpc2.ID) {
	ps.mu.Lock()
	delete(ps.pending, id.Raw())
	ps.mu.Unlock()
}

// proxyManager owns the live direct proxy sessions.
type proxyManager struct {
	mu       sync.Mutex
	sessions map[string]*proxySession
}

func newProxyManager() *proxyManager {
	return &proxyManager{sessions: make(map[string]*proxySession)}
}

func (m *proxyManager) get(id string) (*proxySession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.sessions[id]
	return ps, ok
}

func (m *proxyManager) remove(id string) {
	m.mu.Lock()
	ps, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		ps.br.Close()
	}
}

func (m *proxyManager) closeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.remove(id)
	}
}

// openProxySession dials the upstream and wires it to a fresh HTTP-facing
// session through a bridge.
func (s *Server) openProxySession(ctx context.Context, serverUUID string) (*proxySession, error) {
	srv, err := s.st.UpstreamServers().GetServer(ctx, serverUUID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ps := &proxySession{
		id:         id,
		serverUUID: serverUUID,
		out:        make(chan jsonrpc2.Message, outboundBuffer),
		pending:    make(map[any]chan jsonrpc2.Message),
		done:       make(chan struct{}),
	}
	br := bridge.New(func() {
		s.proxies.mu.Lock()
		delete(s.proxies.sessions, id)
		s.proxies.mu.Unlock()
		logger.Debugf("Proxy session %s cleaned up", id)
	})
	ps.br = br
	ps.cb = br.ClientCallbacks()

	up, err := s.dialer(srv, br.ServerCallbacks())
	if err != nil {
		return nil, fmt.Errorf("failed to dial upstream %s: %w", srv.Name, err)
	}
	br.Bind(&bridgeClientEnd{ps: ps}, up)
	if err := up.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start upstream %s: %w", srv.Name, err)
	}

	s.proxies.mu.Lock()
	s.proxies.sessions[id] = ps
	s.proxies.mu.Unlock()
	logger.Infof("Proxy session %s opened to upstream %s", id, srv.Name)
	return ps, nil
}

// handleProxySSE serves a direct upstream over SSE. Also mounted at
// /stdio for stdio-type upstreams; the wire shape is identical.
func (s *Server) handleProxySSE(w http.ResponseWriter, r *http.Request) {
	serverUUID := chi.URLParam(r, "uuid")
	flusher, ok := w.(http.Flusher)
	if !ok {
		httperr.Write(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	ps, err := s.openProxySession(r.Context(), serverUUID)
	if err != nil {
		s.writeProxyError(w, err)
		return
	}
	defer s.proxies.remove(ps.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: endpoint\ndata: /mcp-proxy/server/%s/message?sessionId=%s\n\n", serverUUID, ps.id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ps.done:
			return
		case msg := <-ps.out:
			data, err := jsonrpc2.EncodeMessage(msg)
			if err != nil {
				logger.Errorf("Failed to encode proxied message: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleProxyMessage accepts one inbound frame for an SSE proxy session.
func (s *Server) handleProxyMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "sessionId query parameter is required")
		return
	}
	ps, ok := s.proxies.get(sessionID)
	if !ok {
		httperr.Write(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	msg, err := readMessage(r)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ps.deliver(msg)
	w.WriteHeader(http.StatusAccepted)
}

// handleProxyStreamablePost serves the direct proxy over streamable HTTP.
// Requests block until the upstream answers or the request times out.
func (s *Server) handleProxyStreamablePost(w http.ResponseWriter, r *http.Request) {
	msg, err := readMessage(r)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var ps *proxySession
	if id := r.Header.Get(sessionHeader); id != "" {
		var ok bool
		ps, ok = s.proxies.get(id)
		if !ok {
			httperr.Write(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
	} else {
		serverUUID := chi.URLParam(r, "uuid")
		ps, err = s.openProxySession(r.Context(), serverUUID)
		if err != nil {
			s.writeProxyError(w, err)
			return
		}
	}
	w.Header().Set(sessionHeader, ps.id)

	req, isRequest := msg.(*jsonrpc2.Request)
	if !isRequest || !req.ID.IsValid() {
		ps.deliver(msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	waiter := ps.awaitResponse(req.ID)
	ps.deliver(msg)

	timer := time.NewTimer(s.opts.Timeout)
	defer timer.Stop()
	select {
	case <-r.Context().Done():
		ps.abandonResponse(req.ID)
		return
	case <-ps.done:
		ps.abandonResponse(req.ID)
		httperr.Write(w, http.StatusBadGateway, "upstream_closed", "upstream connection closed")
	case <-timer.C:
		ps.abandonResponse(req.ID)
		httperr.Write(w, http.StatusGatewayTimeout, "timeout", "upstream did not answer in time")
	case resp := <-waiter:
		data, err := jsonrpc2.EncodeMessage(resp)
		if err != nil {
			httperr.Write(w, http.StatusInternalServerError, "server_error", "failed to encode response")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (s *Server) handleProxyStreamableGet(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "Mcp-Session-Id header is required")
		return
	}
	ps, ok := s.proxies.get(id)
	if !ok {
		httperr.Write(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	flusher, okFlush := w.(http.Flusher)
	if !okFlush {
		httperr.Write(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ps.done:
			return
		case msg := <-ps.out:
			data, err := jsonrpc2.EncodeMessage(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleProxyStreamableDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "Mcp-Session-Id header is required")
		return
	}
	s.proxies.remove(id)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeProxyError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httperr.Write(w, http.StatusNotFound, "server_not_found", "no such upstream server")
		return
	}
	logger.Errorf("Failed to open proxy session: %v", err)
	httperr.Write(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
}
