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

// Package cmcauth authenticates CMC (RFC 5272) certificate enrollment and
// revocation requests. The signer of a request is verified either against
// a certificate the CA issued earlier, or, for self-signed requests,
// against the public key inside the request itself.
//
// Two authenticators are provided. AgentAuthenticator accepts only
// requests signed by a registration agent whose certificate maps to a
// known identity. UserSignedAuthenticator accepts requests signed by the
// end entity, binding the signer to the TLS client certificate of the
// submitting connection.
package cmcauth

import (
	"context"
	"crypto/x509"
	"math/big"

	"github.com/ghostunnel/cmcauth/audit"
	"github.com/ghostunnel/cmcauth/auth"
	"github.com/ghostunnel/cmcauth/certloader"
	"github.com/ghostunnel/cmcauth/token"
	metrics "github.com/rcrowley/go-metrics"
)

// Audit event names.
const (
	EventAgentSigned = "CMC_SIGNED_REQUEST_SIG_VERIFY"
	EventUserSigned  = "CMC_USER_SIGNED_REQUEST_SIG_VERIFY"
)

// Config is read once when an authenticator is created.
type Config struct {
	// Name of the authenticator instance, recorded in tokens.
	Name string
	// Token is the crypto token that verifies request signatures. Empty
	// means the default token.
	Token string
	// VerifyPOP checks the proof of possession signature of every
	// enrollment request, on POPToken.
	VerifyPOP bool
	POPToken  string
	// CheckRevocation rejects signers whose certificate is on a CRL. The
	// user-signed variant always checks.
	CheckRevocation bool
	// CheckChain requires signer certificates found in the store to chain
	// to a trust anchor. Certificates only found embedded in the request
	// always have to.
	CheckChain bool
	// AllowSelfSigned lets the user-signed variant accept requests signed
	// with the key being enrolled, which proves possession of that key and
	// nothing else about the requester. Off unless explicitly enabled.
	AllowSelfSigned bool
}

// CertStore resolves and checks signer certificates. *certloader.Store
// implements it.
type CertStore interface {
	// Lookup returns certloader.ErrNotFound when no certificate matches.
	Lookup(ctx context.Context, rawIssuer []byte, serial *big.Int) (*x509.Certificate, error)
	IsRevoked(ctx context.Context, certs []*x509.Certificate) (bool, error)
	Validate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate, opts certloader.ValidateOptions) error
}

// Options carries the collaborators of an authenticator.
type Options struct {
	Store  CertStore
	Tokens *token.Registry
	// Audit defaults to audit.Discard.
	Audit audit.Sink
	// Logger may be nil.
	Logger auth.Logger
	// Metrics defaults to metrics.DefaultRegistry.
	Metrics metrics.Registry
}

func (o *Options) defaults() {
	if o.Tokens == nil {
		o.Tokens = token.NewRegistry()
	}
	if o.Audit == nil {
		o.Audit = audit.Discard
	}
	if o.Metrics == nil {
		o.Metrics = metrics.DefaultRegistry
	}
}
