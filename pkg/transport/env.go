// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"runtime"
	"strings"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/metamcp/pkg/logger"
)

// defaultEnvVars are the host environment variables forwarded to every stdio
// child so commands resolved via the shell behave normally.
var defaultEnvVars = map[string][]string{
	"windows": {
		"APPDATA", "HOMEDRIVE", "HOMEPATH", "LOCALAPPDATA", "PATH",
		"PROCESSOR_ARCHITECTURE", "SYSTEMDRIVE", "SYSTEMROOT", "TEMP",
		"USERNAME", "USERPROFILE",
	},
	"posix": {
		"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER",
	},
}

// DefaultEnv returns the per-host default environment. Values beginning with
// "()" are dropped: exported shell functions are not forwarded to children.
func DefaultEnv() map[string]string {
	return defaultEnvWithReader(&env.OSReader{}, runtime.GOOS)
}

func defaultEnvWithReader(reader env.Reader, goos string) map[string]string {
	names := defaultEnvVars["posix"]
	if goos == "windows" {
		names = defaultEnvVars["windows"]
	}

	out := make(map[string]string, len(names))
	for _, name := range names {
		value := reader.Getenv(name)
		if value == "" || strings.HasPrefix(value, "()") {
			continue
		}
		out[name] = value
	}
	return out
}

// ResolveEnv builds the effective environment for a stdio child: the per-host
// defaults, overlaid with the configured variables after ${NAME} expansion.
// Unresolved placeholders pass through verbatim with a warning.
func ResolveEnv(configured map[string]string) map[string]string {
	return resolveEnvWithReader(configured, &env.OSReader{}, runtime.GOOS)
}

func resolveEnvWithReader(configured map[string]string, reader env.Reader, goos string) map[string]string {
	out := defaultEnvWithReader(reader, goos)
	for name, value := range configured {
		resolved := expandPlaceholders(value, reader)
		if strings.HasPrefix(resolved, "()") {
			continue
		}
		out[name] = resolved
	}
	return out
}

// expandPlaceholders replaces each ${NAME} with the host environment value of
// NAME, leaving unset placeholders untouched.
func expandPlaceholders(value string, reader env.Reader) string {
	var b strings.Builder
	for {
		start := strings.Index(value, "${")
		if start == -1 {
			break
		}
		end := strings.Index(value[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name := value[start+2 : end]
		b.WriteString(value[:start])

		if resolved := reader.Getenv(name); resolved != "" {
			b.WriteString(resolved)
		} else {
			logger.Warnf("environment placeholder ${%s} is not set, passing through verbatim", name)
			b.WriteString(value[start : end+1])
		}
		value = value[end+1:]
	}
	b.WriteString(value)
	return b.String()
}

// EnvSlice flattens an environment map into KEY=VALUE form for exec.Cmd.
func EnvSlice(envMap map[string]string) []string {
	out := make([]string, 0, len(envMap))
	for name, value := range envMap {
		out = append(out, name+"="+value)
	}
	return out
}
