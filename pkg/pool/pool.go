// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pool manages upstream MCP connections. It keeps at most one warm
// idle connection per server, hands sessions exclusive active connections,
// and coordinates crash handling with the error tracker.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/metamcp/pkg/errtracker"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/transport"
	"github.com/stacklok/metamcp/pkg/types"
	"github.com/stacklok/metamcp/pkg/upstream"
)

// defaultRetryDelay separates consecutive connection attempts for the same
// server.
const defaultRetryDelay = 5 * time.Second

// Connection is one live upstream connection together with the parameters
// it was built from.
type Connection struct {
	ServerUUID string
	Client     *upstream.Client
	Params     *types.UpstreamServer
}

// Close tears down the connection's transport.
func (c *Connection) Close() {
	if err := c.Client.Close(); err != nil {
		logger.Debugf("Failed to close connection for server %s: %v", c.ServerUUID, err)
	}
}

// idleCreation marks an in-flight idle connection attempt. Pointer identity
// distinguishes the owner from a superseding attempt.
type idleCreation struct {
	cancel context.CancelFunc
}

// Options tunes pool behavior.
type Options struct {
	// Dialer opens transports. Defaults to NewDialer(false).
	Dialer Dialer

	// InitializeOptions applies to the MCP handshake of new connections.
	InitializeOptions upstream.RequestOptions

	// RetryDelay separates connection attempts. Defaults to 5s.
	RetryDelay time.Duration
}

// Pool owns every upstream connection in the process.
type Pool struct {
	tracker  *errtracker.Tracker
	dialer   Dialer
	initOpts upstream.RequestOptions
	delay    time.Duration

	mu               sync.Mutex
	idle             map[string]*Connection
	active           map[string]map[string]*Connection
	sessionToServers map[string]map[string]struct{}
	creatingIdle     map[string]*idleCreation
	paramsCache      map[string]*types.UpstreamServer
	closed           bool
}

// New creates an empty pool.
func New(tracker *errtracker.Tracker, opts Options) *Pool {
	if opts.Dialer == nil {
		opts.Dialer = NewDialer(false)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.InitializeOptions == (upstream.RequestOptions{}) {
		opts.InitializeOptions = upstream.DefaultRequestOptions()
	}
	return &Pool{
		tracker:          tracker,
		dialer:           opts.Dialer,
		initOpts:         opts.InitializeOptions,
		delay:            opts.RetryDelay,
		idle:             make(map[string]*Connection),
		active:           make(map[string]map[string]*Connection),
		sessionToServers: make(map[string]map[string]struct{}),
		creatingIdle:     make(map[string]*idleCreation),
		paramsCache:      make(map[string]*types.UpstreamServer),
	}
}

// GetSession returns the session's connection to a server, claiming the
// idle connection or opening a fresh one as needed. Servers in ERROR state
// yield ErrServerInError without a connection attempt.
func (p *Pool) GetSession(
	ctx context.Context, sessionID string, server *types.UpstreamServer, namespaceUUID string,
) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.paramsCache[server.UUID] = server
	if conn := p.activeLocked(sessionID, server.UUID); conn != nil {
		p.mu.Unlock()
		return conn, nil
	}
	if conn, ok := p.idle[server.UUID]; ok {
		delete(p.idle, server.UUID)
		p.installActiveLocked(sessionID, conn)
		p.mu.Unlock()
		go p.refillIdle(server, namespaceUUID)
		return conn, nil
	}
	p.mu.Unlock()

	if p.tracker.IsInError(ctx, server.UUID) {
		return nil, ErrServerInError
	}

	conn, err := p.connect(ctx, server, namespaceUUID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, ErrPoolClosed
	}
	p.installActiveLocked(sessionID, conn)
	p.mu.Unlock()

	go p.refillIdle(server, namespaceUUID)
	return conn, nil
}

// EnsureIdle warms an idle connection for every server that has neither an
// idle connection nor an in-flight creation. Per-server failures are logged
// and do not abort the rest.
func (p *Pool) EnsureIdle(ctx context.Context, servers map[string]*types.UpstreamServer, namespaceUUID string) error {
	g, _ := errgroup.WithContext(ctx)
	for _, server := range servers {
		g.Go(func() error {
			if err := p.createIdle(server, namespaceUUID); err != nil && !errors.Is(err, ErrServerInError) {
				logger.Warnf("Failed to warm idle connection for server %s: %v", server.UUID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// InvalidateIdle replaces the cached parameters for a server, discards its
// idle connection and any in-flight creation, and starts a fresh one.
func (p *Pool) InvalidateIdle(server *types.UpstreamServer, namespaceUUID string) {
	p.mu.Lock()
	p.paramsCache[server.UUID] = server
	p.cancelCreationLocked(server.UUID)
	stale := p.idle[server.UUID]
	delete(p.idle, server.UUID)
	p.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	go func() {
		if err := p.createIdle(server, namespaceUUID); err != nil && !errors.Is(err, ErrServerInError) {
			logger.Warnf("Failed to recreate idle connection for server %s: %v", server.UUID, err)
		}
	}()
}

// CleanupIdle drops a server's idle connection, cached parameters, and any
// in-flight creation.
func (p *Pool) CleanupIdle(serverUUID string) {
	p.mu.Lock()
	p.cancelCreationLocked(serverUUID)
	conn := p.idle[serverUUID]
	delete(p.idle, serverUUID)
	delete(p.paramsCache, serverUUID)
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// CleanupSession closes every active connection a session owns and triggers
// best-effort idle refill for the released servers.
func (p *Pool) CleanupSession(sessionID string) {
	p.mu.Lock()
	conns := p.active[sessionID]
	delete(p.active, sessionID)
	delete(p.sessionToServers, sessionID)
	var refill []*types.UpstreamServer
	for uuid := range conns {
		if params, ok := p.paramsCache[uuid]; ok {
			refill = append(refill, params)
		}
	}
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	for _, server := range refill {
		go p.refillIdle(server, "")
	}
}

// CleanupAll closes every connection and resets all state.
func (p *Pool) CleanupAll() {
	p.mu.Lock()
	var conns []*Connection
	for _, conn := range p.idle {
		conns = append(conns, conn)
	}
	for _, session := range p.active {
		for _, conn := range session {
			conns = append(conns, conn)
		}
	}
	for uuid := range p.creatingIdle {
		p.creatingIdle[uuid].cancel()
	}
	p.idle = make(map[string]*Connection)
	p.active = make(map[string]map[string]*Connection)
	p.sessionToServers = make(map[string]map[string]struct{})
	p.creatingIdle = make(map[string]*idleCreation)
	p.paramsCache = make(map[string]*types.UpstreamServer)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Close shuts the pool down for good.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.CleanupAll()
}

// HandleCrash records the crash and evicts every connection to the crashed
// server, idle and active alike.
func (p *Pool) HandleCrash(ctx context.Context, serverUUID, namespaceUUID string, exitCode int, signal string) {
	logger.Debugw("Handling upstream crash",
		"server_uuid", serverUUID,
		"namespace_uuid", namespaceUUID,
		"exit_code", exitCode,
		"signal", signal,
	)
	if err := p.tracker.RecordCrash(ctx, serverUUID, exitCode, signal); err != nil {
		logger.Warnf("Failed to record crash for server %s: %v", serverUUID, err)
	}

	p.mu.Lock()
	var conns []*Connection
	if conn, ok := p.idle[serverUUID]; ok {
		conns = append(conns, conn)
		delete(p.idle, serverUUID)
	}
	for sessionID, session := range p.active {
		if conn, ok := session[serverUUID]; ok {
			conns = append(conns, conn)
			delete(session, serverUUID)
			if servers, ok := p.sessionToServers[sessionID]; ok {
				delete(servers, serverUUID)
			}
		}
	}
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// IdleServers lists servers currently holding an idle connection.
func (p *Pool) IdleServers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	uuids := make([]string, 0, len(p.idle))
	for uuid := range p.idle {
		uuids = append(uuids, uuid)
	}
	return uuids
}

// SessionServers lists the servers a session holds active connections to.
func (p *Pool) SessionServers(sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	uuids := make([]string, 0, len(p.sessionToServers[sessionID]))
	for uuid := range p.sessionToServers[sessionID] {
		uuids = append(uuids, uuid)
	}
	return uuids
}

func (p *Pool) activeLocked(sessionID, serverUUID string) *Connection {
	if session, ok := p.active[sessionID]; ok {
		return session[serverUUID]
	}
	return nil
}

func (p *Pool) installActiveLocked(sessionID string, conn *Connection) {
	if p.active[sessionID] == nil {
		p.active[sessionID] = make(map[string]*Connection)
	}
	p.active[sessionID][conn.ServerUUID] = conn
	if p.sessionToServers[sessionID] == nil {
		p.sessionToServers[sessionID] = make(map[string]struct{})
	}
	p.sessionToServers[sessionID][conn.ServerUUID] = struct{}{}
}

// cancelCreationLocked cancels an in-flight idle creation and removes its
// marker.
func (p *Pool) cancelCreationLocked(serverUUID string) {
	if ic, ok := p.creatingIdle[serverUUID]; ok {
		ic.cancel()
		delete(p.creatingIdle, serverUUID)
	}
}

// refillIdle tops the idle slot back up after a connection was claimed or
// released. Best effort.
func (p *Pool) refillIdle(server *types.UpstreamServer, namespaceUUID string) {
	if err := p.createIdle(server, namespaceUUID); err != nil && !errors.Is(err, ErrServerInError) {
		logger.Debugf("Idle refill for server %s failed: %v", server.UUID, err)
	}
}

// createIdle opens one idle connection unless one exists or is being
// created. The creation marker guarantees a UUID is never in idle and
// creatingIdle at once.
func (p *Pool) createIdle(server *types.UpstreamServer, namespaceUUID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.idle[server.UUID]; ok {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.creatingIdle[server.UUID]; ok {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	ic := &idleCreation{cancel: cancel}
	p.creatingIdle[server.UUID] = ic
	p.paramsCache[server.UUID] = server
	p.mu.Unlock()
	defer cancel()

	if p.tracker.IsInError(ctx, server.UUID) {
		p.mu.Lock()
		if p.creatingIdle[server.UUID] == ic {
			delete(p.creatingIdle, server.UUID)
		}
		p.mu.Unlock()
		return ErrServerInError
	}

	conn, err := p.connect(ctx, server, namespaceUUID)

	p.mu.Lock()
	owns := p.creatingIdle[server.UUID] == ic
	if owns {
		delete(p.creatingIdle, server.UUID)
	}
	if err != nil || !owns || p.closed {
		p.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return err
	}
	p.idle[server.UUID] = conn
	p.mu.Unlock()
	return nil
}

// connect opens and initializes a connection, retrying with a fixed delay
// up to the server's max attempts. The error tracker is re-checked between
// attempts so a concurrent promotion to ERROR aborts the retry loop.
func (p *Pool) connect(ctx context.Context, server *types.UpstreamServer, namespaceUUID string) (*Connection, error) {
	attempts := p.tracker.MaxAttempts(server.UUID)

	operation := func() (*Connection, error) {
		conn, err := p.dial(ctx, server, namespaceUUID)
		if err != nil {
			if p.tracker.IsInError(ctx, server.UUID) {
				return nil, backoff.Permanent(ErrServerInError)
			}
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.delay)),
		backoff.WithMaxTries(uint(attempts)), // #nosec G115 -- attempts is a small positive count
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Debugf("Retrying connection to server %s in %v: %v", server.UUID, delay, err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Pool) dial(ctx context.Context, server *types.UpstreamServer, namespaceUUID string) (*Connection, error) {
	client := upstream.NewClient()
	serverUUID := server.UUID

	cb := client.Callbacks(transport.Callbacks{
		OnCrash: func(info transport.CrashInfo) {
			go p.HandleCrash(context.Background(), serverUUID, namespaceUUID, info.ExitCode, info.Signal)
		},
		OnClose: func() {
			p.evict(serverUUID, client)
		},
		OnLog: func(line string) {
			logger.Debugw("Upstream stderr", "server_uuid", serverUUID, "line", line)
		},
		OnError: func(err error) {
			logger.Debugw("Upstream transport error", "server_uuid", serverUUID, "error", err)
		},
	})

	tr, err := p.dialer(server, cb)
	if err != nil {
		return nil, err
	}
	client.Bind(tr)

	if err := tr.Start(ctx); err != nil {
		return nil, err
	}
	if _, err := client.Initialize(ctx, p.initOpts); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Connection{
		ServerUUID: serverUUID,
		Client:     client,
		Params:     server,
	}, nil
}

// evict drops a closed connection from wherever it is held. Runs on every
// transport close, crash or not.
func (p *Pool) evict(serverUUID string, client *upstream.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.idle[serverUUID]; ok && conn.Client == client {
		delete(p.idle, serverUUID)
	}
	for sessionID, session := range p.active {
		if conn, ok := session[serverUUID]; ok && conn.Client == client {
			delete(session, serverUUID)
			if servers, ok := p.sessionToServers[sessionID]; ok {
				delete(servers, serverUUID)
			}
		}
	}
}
