// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/metamcp/pkg/httperr"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/types"
)

// sessionHeader is the streamable HTTP session header per the MCP spec.
const sessionHeader = "Mcp-Session-Id"

// handleStreamablePost serves client frames over streamable HTTP. A POST
// without a session header opens a new session; the response carries the
// assigned ID for the rest of the conversation.
func (s *Server) handleStreamablePost(w http.ResponseWriter, r *http.Request, ep *types.Endpoint) {
	msg, err := readMessage(r)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var sess *session
	if id := r.Header.Get(sessionHeader); id != "" {
		var ok bool
		sess, ok = s.sessions.get(id)
		if !ok {
			httperr.Write(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
	} else {
		sess = s.openSession(ep, kindStreamable)
	}

	sess.touch()
	s.metrics.observeMessage(msg)
	w.Header().Set(sessionHeader, sess.id)

	resp := sess.agg.Dispatch(r.Context(), msg)
	if resp == nil {
		// Notification: nothing to answer.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, err := jsonrpc2.EncodeMessage(resp)
	if err != nil {
		logger.Errorf("Failed to encode response: %v", err)
		httperr.Write(w, http.StatusInternalServerError, "server_error", "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Debugf("Client went away mid-response: %v", err)
	}
}

// handleStreamableGet opens the server-to-client stream for an existing
// streamable session. Forwarded upstream notifications ride this stream.
func (s *Server) handleStreamableGet(w http.ResponseWriter, r *http.Request, _ *types.Endpoint) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "Mcp-Session-Id header is required")
		return
	}
	sess, ok := s.sessions.get(id)
	if !ok {
		httperr.Write(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httperr.Write(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	streamSession(r.Context(), w, flusher, sess)
}

// handleStreamableDelete terminates a streamable session.
func (s *Server) handleStreamableDelete(w http.ResponseWriter, r *http.Request, _ *types.Endpoint) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "Mcp-Session-Id header is required")
		return
	}
	s.sessions.remove(id)
	w.WriteHeader(http.StatusOK)
}

// handleHealthSessions reports live transport counts for the endpoint.
func (s *Server) handleHealthSessions(w http.ResponseWriter, _ *http.Request, ep *types.Endpoint) {
	counts := s.sessions.countByKind(ep.Name)
	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"endpoint":   ep.Name,
		"sse":        counts[kindSSE],
		"streamable": counts[kindStreamable],
		"total":      counts[kindSSE] + counts[kindStreamable],
	})
}
