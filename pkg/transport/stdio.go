// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/metamcp/pkg/logger"
)

// GracefulShutdownTimeout is how long Close waits after SIGTERM before SIGKILL.
const GracefulShutdownTimeout = 5 * time.Second

// stdoutBufferLimit bounds a single JSON-RPC line from the child. Tool
// results embedding file contents can get large.
const stdoutBufferLimit = 10 * 1024 * 1024

// StdioTransport runs an upstream MCP server as a child process and speaks
// newline-delimited JSON-RPC over its standard streams.
type StdioTransport struct {
	command   string
	args      []string
	env       map[string]string
	callbacks Callbacks
	cooldowns *CooldownRegistry

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	started   bool
	closing   bool
	startedAt time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewStdioTransport creates a stdio transport for the given command. The env
// map is the configured (pre-resolution) environment; Start resolves it
// against the host environment and prepends the per-host defaults.
func NewStdioTransport(command string, args []string, env map[string]string, callbacks Callbacks) *StdioTransport {
	return &StdioTransport{
		command:   command,
		args:      args,
		env:       env,
		callbacks: callbacks,
		cooldowns: globalCooldowns,
		done:      make(chan struct{}),
	}
}

// withCooldowns overrides the cooldown registry, for tests.
func (t *StdioTransport) withCooldowns(r *CooldownRegistry) *StdioTransport {
	t.cooldowns = r
	return t
}

// Start spawns the child and begins pumping messages. A command tuple in
// cooldown fails fast without spawning. The child outlives ctx; lifecycle is
// governed by Close.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return ErrAlreadyStarted
	}

	env := ResolveEnv(t.env)
	key := CooldownKey(t.command, t.args, env)
	if err := t.cooldowns.Check(key); err != nil {
		return err
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = EnvSlice(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		t.cooldowns.Trip(key)
		return fmt.Errorf("start process: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true
	t.startedAt = time.Now()

	go t.readStdout(stdout)
	go t.readStderr(stderr, key)
	go t.watchProcess(key)

	return nil
}

// Send writes one JSON-RPC message to the child's stdin.
func (t *StdioTransport) Send(_ context.Context, msg jsonrpc2.Message) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return ErrTransportNotStarted
	}
	if t.closing {
		return ErrTransportClosed
	}
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("write to child stdin: %w", err)
	}
	return nil
}

// Close terminates the child: SIGTERM first, SIGKILL after the grace period.
// Idempotent; a crash notification never follows a Close that won the race.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.started || t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	_ = stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-t.done:
		case <-time.After(GracefulShutdownTimeout):
			_ = cmd.Process.Kill()
			<-t.done
		}
	}
	return nil
}

// Done is closed once the child has exited.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

func (t *StdioTransport) readStdout(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdoutBufferLimit)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc2.DecodeMessage(line)
		if err != nil {
			t.callbacks.error(fmt.Errorf("decode message from child: %w", err))
			continue
		}
		t.callbacks.message(msg)
	}
	if err := scanner.Err(); err != nil {
		t.callbacks.error(fmt.Errorf("read child stdout: %w", err))
	}
}

func (t *StdioTransport) readStderr(stderr io.ReadCloser, cooldownKey string) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		t.callbacks.log(line)

		if IsStartupErrorLine(line) {
			logger.Warnf("startup error from %s: %s", t.command, line)
			t.cooldowns.Trip(cooldownKey)
		}
	}
}

// watchProcess waits for the child to exit and fires the crash callback when
// the exit was not requested by Close. Crash notification precedes the final
// close notification.
func (t *StdioTransport) watchProcess(cooldownKey string) {
	err := t.cmd.Wait()

	t.mu.Lock()
	requested := t.closing
	t.closing = true
	uptime := time.Since(t.startedAt)
	t.mu.Unlock()

	exitCode := 0
	signal := ""
	if state := t.cmd.ProcessState; state != nil {
		exitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		}
	}

	close(t.done)

	if !requested {
		if uptime < QuickExitThreshold {
			t.cooldowns.Trip(cooldownKey)
		}
		if err != nil || exitCode != 0 || signal != "" {
			logger.Warnw("upstream process exited unexpectedly",
				"command", t.command, "exit_code", exitCode, "signal", signal)
		}
		t.callbacks.crash(CrashInfo{ExitCode: exitCode, Signal: signal, Uptime: uptime})
	}

	t.closeOnce.Do(t.callbacks.closed)
}
