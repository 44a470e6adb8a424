// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package httplimits

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"storj.io/throttle/pkg/limits/limitdb"
)

// DefaultSubjectHeader carries the subject resolved by the gateway.
const DefaultSubjectHeader = "X-Subject-Id"

// Identifier resolves the subject a request is made on behalf of.
// Failures must be limitdb.AuthError.
type Identifier interface {
	Identify(r *http.Request) (subject string, err error)
}

// HeaderIdentifier trusts the subject header of requests that carry Token
// as a bearer token. The gateway in front of the service authenticates end
// users; this only authenticates the gateway.
type HeaderIdentifier struct {
	// Token is the shared gateway token. Empty accepts any request, which
	// is only suitable for development.
	Token string
	// Header defaults to DefaultSubjectHeader.
	Header string
}

// Identify implements Identifier.
func (h HeaderIdentifier) Identify(r *http.Request) (string, error) {
	if h.Token != "" && !validBearer(r, h.Token) {
		return "", limitdb.AuthError.New("invalid gateway token")
	}

	header := h.Header
	if header == "" {
		header = DefaultSubjectHeader
	}

	subject := strings.TrimSpace(r.Header.Get(header))
	if subject == "" {
		return "", limitdb.AuthError.New("missing %s", header)
	}
	return subject, nil
}

func validBearer(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
