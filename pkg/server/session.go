// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/metamcp/pkg/aggregator"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/pool"
)

type sessionKind string

const (
	kindSSE        sessionKind = "sse"
	kindStreamable sessionKind = "streamable"
)

const (
	// defaultSessionTTL is the aggregated idle timeout: sessions with no
	// traffic for this long are torn down by the sweep.
	defaultSessionTTL = 30 * time.Minute

	sweepInterval = time.Minute

	// outboundBuffer bounds the server-to-client queue per session.
	outboundBuffer = 64
)

// session is one external client connection to an aggregated endpoint.
type session struct {
	id       string
	endpoint string
	kind     sessionKind
	agg      *aggregator.Aggregator

	out  chan jsonrpc2.Message
	done chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	lastActive time.Time
}

func newSession(id, endpoint string, kind sessionKind, agg *aggregator.Aggregator) *session {
	s := &session{
		id:         id,
		endpoint:   endpoint,
		kind:       kind,
		agg:        agg,
		out:        make(chan jsonrpc2.Message, outboundBuffer),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
	agg.SetNotifier(func(method string, params json.RawMessage) {
		note, err := jsonrpc2.NewNotification(method, params)
		if err != nil {
			logger.Warnf("Failed to build forwarded notification %s: %v", method, err)
			return
		}
		s.push(note)
	})
	return s
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// push queues a message toward the client; full queues drop the message
// rather than block the upstream.
func (s *session) push(msg jsonrpc2.Message) {
	select {
	case <-s.done:
	case s.out <- msg:
	default:
		logger.Warnf("Outbound queue full for session %s, dropping message", s.id)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// sessionManager owns the live aggregated sessions and their idle sweep.
type sessionManager struct {
	pool *pool.Pool
	ttl  time.Duration

	// onClose observes removals, for instrumentation.
	onClose func(*session)

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionManager(p *pool.Pool, ttl time.Duration) *sessionManager {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &sessionManager{
		pool:     p,
		ttl:      ttl,
		sessions: make(map[string]*session),
	}
}

func (m *sessionManager) add(s *session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
}

func (m *sessionManager) get(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// remove tears a session down. Idempotent: the pool cleanup and channel
// close both tolerate repeats, and the map entry is dropped regardless of
// any cleanup error so nothing leaks.
func (m *sessionManager) remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	m.pool.CleanupSession(id)
	if m.onClose != nil {
		m.onClose(s)
	}
	logger.Debugf("Session %s on endpoint %s closed", id, s.endpoint)
}

// countByKind reports live session counts for one endpoint.
func (m *sessionManager) countByKind(endpoint string) map[sessionKind]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[sessionKind]int)
	for _, s := range m.sessions {
		if s.endpoint == endpoint {
			counts[s.kind]++
		}
	}
	return counts
}

// startSweep closes sessions idle past the TTL until ctx is cancelled.
func (m *sessionManager) startSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *sessionManager) sweep() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		logger.Infof("Closing idle session %s", id)
		m.remove(id)
	}
}

func (m *sessionManager) closeAll() {
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
