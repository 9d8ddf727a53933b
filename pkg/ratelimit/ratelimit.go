// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements a sliding-window limiter for failed
// credential attempts against endpoints.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/metamcp/pkg/logger"
)

const (
	// DefaultMaxAttempts is the number of attempts allowed per key
	// within the window.
	DefaultMaxAttempts = 20
	// DefaultWindow is the sliding window length.
	DefaultWindow = time.Minute
	// DefaultGCInterval is how often stale buckets are collected.
	DefaultGCInterval = 10 * time.Minute
)

// Limiter tracks attempts per key using a sliding window. Keys are
// `<remote-ip>:<endpoint-uuid>` so one abusive client cannot lock an
// endpoint out for everyone.
type Limiter struct {
	maxAttempts int
	window      time.Duration

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// Config tunes a Limiter. Zero values fall back to the defaults.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// New creates a limiter with the given configuration.
func New(config Config) *Limiter {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	return &Limiter{
		maxAttempts: config.MaxAttempts,
		window:      config.Window,
		buckets:     make(map[string][]time.Time),
	}
}

// Key builds the limiter key for a client address and endpoint.
func Key(remoteIP, endpointUUID string) string {
	return remoteIP + ":" + endpointUUID
}

// Allow records an attempt for key and reports whether it is within the
// limit. When the limit is exceeded the attempt is not recorded, so the
// caller backs off for at most one window.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-l.window)

	var recent []time.Time
	for _, t := range l.buckets[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.maxAttempts {
		logger.Warnf("Rate limit exceeded for %s (%d attempts in %v)", key, len(recent), l.window)
		l.buckets[key] = recent
		return false
	}

	l.buckets[key] = append(recent, now)
	return true
}

// Remaining returns how many attempts key has left in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := time.Now().Add(-l.window)
	count := 0
	for _, t := range l.buckets[key] {
		if t.After(windowStart) {
			count++
		}
	}
	if count >= l.maxAttempts {
		return 0
	}
	return l.maxAttempts - count
}

// Reset drops all state for key, typically after a successful
// authentication.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Collect removes buckets whose every attempt has aged out of the window.
func (l *Limiter) Collect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := time.Now().Add(-l.window)
	for key, attempts := range l.buckets {
		var recent []time.Time
		for _, t := range attempts {
			if t.After(windowStart) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(l.buckets, key)
		} else {
			l.buckets[key] = recent
		}
	}
}

// StartGC collects stale buckets on the given interval until ctx is
// cancelled.
func (l *Limiter) StartGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Collect()
			}
		}
	}()
}
