// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cooldown tuning. A child that dies within QuickExitThreshold of starting is
// assumed to be misconfigured; retrying immediately would just burn CPU on
// npx/uvx resolution loops.
const (
	QuickExitThreshold = 5 * time.Second
	CooldownDuration   = 10 * time.Second
)

// startupErrorSignatures are stderr fragments that indicate the command can
// never start as configured. Seeing one trips the cooldown immediately,
// without waiting for the exit.
var startupErrorSignatures = []string{
	"MODULE_NOT_FOUND",
	"ENOENT",
	"no such file or directory",
}

// IsStartupErrorLine reports whether a stderr line carries a known
// fatal-startup signature.
func IsStartupErrorLine(line string) bool {
	for _, sig := range startupErrorSignatures {
		if strings.Contains(line, sig) {
			return true
		}
	}
	return false
}

// CooldownRegistry tracks command tuples that recently failed to start so
// repeated attempts fail fast instead of respawning a broken child.
type CooldownRegistry struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewCooldownRegistry creates an empty registry.
func NewCooldownRegistry() *CooldownRegistry {
	return &CooldownRegistry{
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// globalCooldowns is shared by all stdio transports in the process: the same
// broken command fails fast no matter which pool entry tries it.
var globalCooldowns = NewCooldownRegistry()

// Cooldowns returns the process-wide registry.
func Cooldowns() *CooldownRegistry {
	return globalCooldowns
}

// CooldownKey identifies a spawn attempt by its resolved command, argument
// vector, and effective environment.
func CooldownKey(command string, args []string, env map[string]string) string {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(command)
	for _, arg := range args {
		b.WriteByte(0)
		b.WriteString(arg)
	}
	for _, name := range names {
		b.WriteByte(0)
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(env[name])
	}
	return b.String()
}

// Check returns an error if the tuple is cooling down, carrying the remaining
// wait in whole seconds.
func (r *CooldownRegistry) Check(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.until[key]
	if !ok {
		return nil
	}
	remaining := until.Sub(r.now())
	if remaining <= 0 {
		delete(r.until, key)
		return nil
	}
	return fmt.Errorf("command is cooling down after a startup failure, retry in %ds",
		int(remaining.Seconds())+1)
}

// Trip places the tuple in cooldown.
func (r *CooldownRegistry) Trip(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.until[key] = r.now().Add(CooldownDuration)
}

// Clear removes the tuple, for operator-initiated resets.
func (r *CooldownRegistry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.until, key)
}
