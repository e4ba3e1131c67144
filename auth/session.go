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

package auth

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/ghostunnel/cmcauth/token"
	"github.com/google/uuid"
)

// Session is the context one authentication attempt runs in. It is created
// by whoever received the request and passed explicitly to the
// authenticator.
type Session struct {
	// RequestID correlates log and audit records of one attempt.
	RequestID string
	// RemoteAddr of the client, if known.
	RemoteAddr string
	// PeerCertificates are the verified TLS client certificates, leaf
	// first. Empty when the client did not authenticate at the TLS layer.
	PeerCertificates []*x509.Certificate
	// Tokens is the crypto token context of this attempt.
	Tokens  *token.Context
	Started time.Time
}

// NewSession starts a session with a fresh request ID.
func NewSession(tokens *token.Context) *Session {
	return &Session{
		RequestID: uuid.NewString(),
		Tokens:    tokens,
		Started:   time.Now(),
	}
}

// WithTLS records the client certificate of a TLS connection.
func (s *Session) WithTLS(state *tls.ConnectionState) *Session {
	if state == nil {
		return s
	}
	if len(state.VerifiedChains) > 0 {
		s.PeerCertificates = state.VerifiedChains[0]
	}
	return s
}

// ClientCertificate returns the TLS client certificate, or nil.
func (s *Session) ClientCertificate() *x509.Certificate {
	if s == nil || len(s.PeerCertificates) == 0 {
		return nil
	}
	return s.PeerCertificates[0]
}
