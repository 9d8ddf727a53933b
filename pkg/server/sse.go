// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/metamcp/pkg/httperr"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/types"
)

// handleSSE opens the aggregated SSE stream for an endpoint. The first
// event tells the client where to POST its frames.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, ep *types.Endpoint) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httperr.Write(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	sess := s.openSession(ep, kindSSE)
	defer s.sessions.remove(sess.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /metamcp/%s/message?sessionId=%s\n\n", ep.Name, sess.id)
	flusher.Flush()

	streamSession(r.Context(), w, flusher, sess)
}

// handleSSEMessage accepts one inbound JSON-RPC frame for an SSE session.
// The reply rides the event stream, so the POST answers 202 immediately.
func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request, _ *types.Endpoint) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", "sessionId query parameter is required")
		return
	}
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		httperr.Write(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}

	msg, err := readMessage(r)
	if err != nil {
		httperr.Write(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess.touch()
	s.metrics.observeMessage(msg)
	go func() {
		if resp := sess.agg.Dispatch(context.Background(), msg); resp != nil {
			sess.push(resp)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// streamSession copies the session's outbound queue onto the wire until
// the client disconnects or the session closes.
func streamSession(ctx context.Context, w io.Writer, flusher http.Flusher, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case msg := <-sess.out:
			data, err := jsonrpc2.EncodeMessage(msg)
			if err != nil {
				logger.Errorf("Failed to encode outbound message: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
			sess.touch()
		}
	}
}

// openSession builds the aggregator and registers a fresh session for it.
func (s *Server) openSession(ep *types.Endpoint, kind sessionKind) *session {
	id := uuid.NewString()
	agg := s.newAggregator(ep.NamespaceUUID, id)
	sess := newSession(id, ep.Name, kind, agg)
	s.sessions.add(sess)
	s.metrics.sessionOpened(string(kind))
	logger.Infof("Session %s opened on endpoint %s (%s)", id, ep.Name, kind)
	return sess
}

func readMessage(r *http.Request) (jsonrpc2.Message, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		return nil, fmt.Errorf("body is not a JSON-RPC message: %w", err)
	}
	return msg, nil
}
