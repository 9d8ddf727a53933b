// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net/url"
)

// dockerInternalHost resolves to the host machine from inside a container.
const dockerInternalHost = "host.docker.internal"

// RewriteLocalhost rewrites literal localhost hosts in rawURL to
// host.docker.internal so a containerized deployment can reach upstream
// servers running on the host. URLs that do not point at localhost, and
// strings that fail to parse, are returned unchanged.
func RewriteLocalhost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	switch u.Hostname() {
	case "localhost", "127.0.0.1":
	default:
		return rawURL
	}

	if port := u.Port(); port != "" {
		u.Host = dockerInternalHost + ":" + port
	} else {
		u.Host = dockerInternalHost
	}
	return u.String()
}
