// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
)

// SessionCookieName carries the admin session between the login UI and
// the authorization endpoints.
const SessionCookieName = "metamcp_session"

// SessionValidator resolves the authenticated admin user for a request,
// if any.
type SessionValidator interface {
	// Validate returns the user ID bound to the request's session, or
	// false when no valid session is present.
	Validate(r *http.Request) (string, bool)
}

// HMACSessionValidator validates session cookies of the form
// `<user-id>.<base64url HMAC-SHA256(user-id)>` signed with the deployment
// auth secret.
type HMACSessionValidator struct {
	secret []byte
}

// NewHMACSessionValidator creates a validator signing with secret.
func NewHMACSessionValidator(secret string) *HMACSessionValidator {
	return &HMACSessionValidator{secret: []byte(secret)}
}

// Validate implements SessionValidator.
func (v *HMACSessionValidator) Validate(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}

	userID, sig, ok := strings.Cut(cookie.Value, ".")
	if !ok || userID == "" {
		return "", false
	}
	want := v.sign(userID)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", false
	}
	return userID, true
}

// CookieValue mints the session cookie value for userID. Used by the
// login flow after a successful authentication.
func (v *HMACSessionValidator) CookieValue(userID string) string {
	return userID + "." + v.sign(userID)
}

func (v *HMACSessionValidator) sign(userID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(userID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
