// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth checks the bearer tokens sent with API requests.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"git.arvados.org/ec2axis.git/sdk/go/httpserver"
)

// RequestTokens returns the tokens supplied with r, either as
// "Authorization: Bearer {token}" or as the password part of
// "Authorization: Basic ...". Surrounding whitespace is removed, since
// tokens are often pasted into CI configuration by hand.
func RequestTokens(r *http.Request) []string {
	var tokens []string
	if scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && scheme == "Bearer" {
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	if _, password, ok := r.BasicAuth(); ok {
		if password = strings.TrimSpace(password); password != "" {
			tokens = append(tokens, password)
		}
	}
	return tokens
}

// RequireLiteralToken wraps next, responding 401 to requests that
// carry no token and 403 to requests whose tokens don't match. If
// token is empty, every request gets 403.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			httpserver.Error(w, "management token is not configured", http.StatusForbidden)
			return
		}
		tokens := RequestTokens(r)
		if len(tokens) == 0 {
			httpserver.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, t := range tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpserver.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
