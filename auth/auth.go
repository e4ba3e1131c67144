/*-
 * Copyright 2018 Square Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package auth holds the types shared by every request authenticator: the
// credentials an authenticator consumes, the per-request session it runs
// in, the token it produces and the errors it fails with.
package auth

import (
	"context"
	"crypto/x509"
	"errors"
)

// Logger is used by this package to log messages
type Logger interface {
	Printf(format string, v ...interface{})
}

// Well known credential names.
const (
	// CredCMCRequest is the base64 (optionally PEM framed) CMC request.
	CredCMCRequest = "cert_request"
	// CredUID and CredPassword are the directory login credentials.
	CredUID      = "uid"
	CredPassword = "pwd"
)

// Credentials are the named inputs an authenticator consumes.
type Credentials map[string]string

// Get returns the named credential, or the empty string.
func (c Credentials) Get(name string) string {
	if c == nil {
		return ""
	}
	return c[name]
}

// Authenticator turns credentials into a token. Failures are always an
// *Error so callers can tell a missing credential from a rejected one or
// from a server side failure.
type Authenticator interface {
	// Name is the configured instance name, recorded in the token.
	Name() string
	// RequiredCredentials lists the credential names Authenticate reads.
	RequiredCredentials() []string
	Authenticate(ctx context.Context, creds Credentials, session *Session) (*Token, error)
}

// Identity is what an IdentityStore knows about a certificate holder.
type Identity struct {
	UID    string   `json:"uid"`
	UserID string   `json:"userid"`
	Groups []string `json:"groups"`
}

// ErrUnknownIdentity is returned by an IdentityStore that has no identity
// for the presented certificate.
var ErrUnknownIdentity = errors.New("no identity for certificate")

// IdentityStore maps a verified certificate to an internal identity. Any
// error other than ErrUnknownIdentity means the store could not answer.
type IdentityStore interface {
	Identify(ctx context.Context, cert *x509.Certificate) (*Identity, error)
}
