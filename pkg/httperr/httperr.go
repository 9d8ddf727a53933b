// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package httperr writes the JSON error shape shared by the HTTP surface.
package httperr

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stacklok/metamcp/pkg/logger"
)

// Body is the wire shape of every HTTP error this service emits.
type Body struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Timestamp        string `json:"timestamp"`
}

// Write emits the error as JSON with the given status. Headers set on w
// before the call are preserved.
func Write(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := Body{
		Error:            code,
		ErrorDescription: description,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("Failed to encode error response: %v", err)
	}
}

// WriteJSON emits v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}
