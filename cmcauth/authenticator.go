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

package cmcauth

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ghostunnel/cmcauth/audit"
	"github.com/ghostunnel/cmcauth/auth"
	"github.com/ghostunnel/cmcauth/cmc"
	pkgerrors "github.com/pkg/errors"
)

// Request types recorded in audit events.
const (
	RequestTypeEnrollment = "enrollment"
	RequestTypeRevocation = "revocation"
)

type variant int

const (
	agentSigned variant = iota
	userSigned
)

func (v variant) String() string {
	if v == agentSigned {
		return "cmc-agent"
	}
	return "cmc-user"
}

// authenticator implements both variants; they differ in which signers
// they accept and where the identity comes from.
type authenticator struct {
	variant    variant
	config     Config
	event      string
	verifier   *Verifier
	identities auth.IdentityStore
	opts       Options
	metrics    *auth.Metrics
}

func newAuthenticator(v variant, event string, config Config, opts Options) (*authenticator, error) {
	opts.defaults()
	if opts.Store == nil {
		return nil, pkgerrors.New("cmcauth: a certificate store is required")
	}
	for _, name := range []string{config.Token, config.POPToken} {
		if _, err := opts.Tokens.Get(name); err != nil {
			return nil, pkgerrors.Wrapf(err, "cmcauth: token '%s'", name)
		}
	}
	if config.Name == "" {
		config.Name = v.String()
	}
	verifier := NewVerifier(config, opts.Store, opts.Tokens)
	verifier.matchPrincipal = v == userSigned
	return &authenticator{
		variant:  v,
		config:   config,
		event:    event,
		verifier: verifier,
		opts:     opts,
		metrics:  auth.NewMetrics(v.String(), opts.Metrics),
	}, nil
}

// Name returns the configured instance name.
func (a *authenticator) Name() string {
	return a.config.Name
}

// RequiredCredentials returns the single CMC request credential.
func (a *authenticator) RequiredCredentials() []string {
	return []string{auth.CredCMCRequest}
}

func (a *authenticator) logf(format string, v ...interface{}) {
	if a.opts.Logger != nil {
		a.opts.Logger.Printf(format, v...)
	}
}

// authenticate runs one attempt and records exactly one audit event for it.
func (a *authenticator) authenticate(ctx context.Context, creds auth.Credentials, session *auth.Session) (tok *auth.Token, err error) {
	if session == nil {
		session = auth.NewSession(a.opts.Tokens.NewContext())
	}
	start := time.Now()
	event := audit.Event{Name: a.event, RequestID: session.RequestID}

	defer func() {
		if r := recover(); r != nil {
			err = auth.Internal(fmt.Errorf("%v", r), "panic while authenticating request")
		}
		var authErr *auth.Error
		if err != nil && !errors.As(err, &authErr) {
			err = auth.Internal(err, "authenticating request")
		}
		a.metrics.Record(start, err)
		if err != nil {
			tok = nil
			event.Outcome = audit.Failure
			event.Reason = err.Error()
			a.logf("%s: request %s rejected: %s", a.config.Name, session.RequestID, err)
		} else {
			event.Outcome = audit.Success
		}
		a.opts.Audit.Append(event)
	}()

	return a.run(ctx, creds, session, &event)
}

func (a *authenticator) run(ctx context.Context, creds auth.Credentials, session *auth.Session, event *audit.Event) (*auth.Token, error) {
	der, err := cmc.ParseBlob(creds.Get(auth.CredCMCRequest))
	switch {
	case errors.Is(err, cmc.ErrEmptyBlob):
		return nil, auth.Missing(auth.CredCMCRequest)
	case err != nil:
		return nil, auth.Internal(err, "decoding request blob")
	}

	msg, err := cmc.Parse(der)
	if err != nil {
		return nil, auth.Internal(err, "decoding CMC request")
	}

	var signers *Signers
	switch {
	case msg.IsSigned():
		signers, err = a.verifier.VerifySigners(ctx, msg.Signed, session)
		event.SignerInfo = signers.SignerInfo()
		if err != nil {
			return nil, err
		}
		if signers.SelfSigned() && !a.acceptsSelfSigned() {
			return nil, auth.Invalid(nil, "self-signed requests are not accepted")
		}
		if signers.Certificate != nil {
			event.SubjectID = signers.Certificate.Subject.String()
		}
	case a.variant == agentSigned:
		return nil, auth.Missing("request signature")
	case !a.config.AllowSelfSigned:
		return nil, auth.Invalid(nil, "unsigned requests are not accepted")
	}

	pd, err := cmc.ParsePKIData(msg.Content)
	if err != nil {
		return nil, auth.Internal(err, "decoding PKIData")
	}

	tok := auth.NewToken()
	tok.Set(auth.TokenAuthManager, a.config.Name)
	if len(pd.Requests) == 0 {
		event.RequestType = RequestTypeRevocation
		err = a.revocation(pd, tok)
	} else {
		event.RequestType = RequestTypeEnrollment
		err = a.enrollment(pd, tok, session, !msg.IsSigned())
		event.CertSubject = tok.Get(auth.TokenCertSubject)
	}
	if err != nil {
		return nil, err
	}

	if signers != nil && signers.SelfSigned() {
		if err := a.verifier.VerifySelfSigned(ctx, msg.Signed, signers, pd.Requests, session); err != nil {
			return nil, err
		}
	}

	if err := a.identify(ctx, tok, signers); err != nil {
		return nil, err
	}
	event.SubjectID = tok.Get(auth.TokenUID)
	return tok, nil
}

func (a *authenticator) acceptsSelfSigned() bool {
	return a.variant == userSigned && a.config.AllowSelfSigned
}

// revocation fills the token from the revokeRequest controls. All of them
// must give the same reason code.
func (a *authenticator) revocation(pd *cmc.PKIData, tok *auth.Token) error {
	reqs, err := pd.RevokeRequests()
	if err != nil {
		return auth.Internal(err, "decoding revocation request")
	}
	if len(reqs) == 0 {
		return auth.Missing("revokeRequest control")
	}

	serials := make([]*big.Int, len(reqs))
	for i, req := range reqs {
		if req.Reason != reqs[0].Reason {
			return auth.Invalid(nil, "revocation of serial %s has reason %d, others have %d", req.Serial, req.Reason, reqs[0].Reason)
		}
		serials[i] = req.Serial
	}
	tok.Set(auth.TokenCertRequestType, RequestTypeRevocation)
	tok.SetBigInts(auth.TokenCertSerial, serials)
	tok.SetInt(auth.TokenReasonCode, reqs[0].Reason)
	return nil
}

// enrollment checks the tagged requests and records the subject of the
// first one. Proof of possession is checked when configured and always for
// unsigned requests, where it is the only evidence offered.
func (a *authenticator) enrollment(pd *cmc.PKIData, tok *auth.Token, session *auth.Session, unsigned bool) error {
	for i := range pd.Requests {
		if kind := pd.Requests[i].Kind; kind != cmc.RequestPKCS10 && kind != cmc.RequestCRMF {
			return auth.Internal(nil, "unsupported request type %s", kind)
		}
	}

	if a.config.VerifyPOP || unsigned {
		if err := a.verifier.verifyPOP(session, pd.Requests); err != nil {
			return err
		}
	}

	first := &pd.Requests[0]
	tok.Set(auth.TokenCertRequestType, first.Kind.String())
	tok.Set(auth.TokenCertSubject, first.Subject())
	if first.Kind == cmc.RequestCRMF {
		tok.Set(auth.TokenRequestID, strconv.FormatInt(first.CRMF.RequestID, 10))
	}
	tok.SetBool(auth.TokenSelfSigned, unsigned)
	return nil
}

// identify sets the requester identity. Agent signers are resolved through
// the identity store; end entities are named by their signer certificate,
// or by the requested subject when there is none.
func (a *authenticator) identify(ctx context.Context, tok *auth.Token, signers *Signers) error {
	var cert *x509.Certificate
	if signers != nil {
		cert = signers.Certificate
		if signers.SelfSigned() {
			tok.SetBool(auth.TokenSelfSigned, true)
		}
	}
	if cert != nil {
		tok.Set(auth.TokenUserDN, cert.Subject.String())
		tok.Set(auth.TokenSignerSubject, cert.Subject.String())
		tok.SetBigInt(auth.TokenSignerSerial, cert.SerialNumber)
	}

	if a.variant == agentSigned {
		identity, err := a.identities.Identify(ctx, cert)
		switch {
		case errors.Is(err, auth.ErrUnknownIdentity):
			return auth.Invalid(err, "agent %s", cert.Subject)
		case err != nil:
			return auth.Internal(err, "resolving agent identity")
		}
		tok.Set(auth.TokenUID, identity.UID)
		tok.Set(auth.TokenUserID, identity.UserID)
		if len(identity.Groups) > 0 {
			tok.SetStrings(auth.TokenGroups, identity.Groups)
		}
		return nil
	}

	if cert != nil {
		uid := cert.Subject.CommonName
		if uid == "" {
			uid = cert.Subject.String()
		}
		tok.Set(auth.TokenUID, uid)
		tok.Set(auth.TokenUserID, cert.Subject.String())
		return nil
	}
	tok.Set(auth.TokenUID, tok.Get(auth.TokenCertSubject))
	tok.Set(auth.TokenUserID, tok.Get(auth.TokenCertSubject))
	return nil
}

// AgentAuthenticator accepts requests signed by a registration agent. The
// signer must be identified by issuer and serial and its certificate must
// map to an identity in the identity store.
type AgentAuthenticator struct {
	*authenticator
}

var _ auth.Authenticator = (*AgentAuthenticator)(nil)

// NewAgentAuthenticator creates an agent-signed request authenticator.
func NewAgentAuthenticator(config Config, identities auth.IdentityStore, opts Options) (*AgentAuthenticator, error) {
	if identities == nil {
		return nil, pkgerrors.New("cmcauth: an identity store is required")
	}
	config.AllowSelfSigned = false
	a, err := newAuthenticator(agentSigned, EventAgentSigned, config, opts)
	if err != nil {
		return nil, err
	}
	a.identities = identities
	return &AgentAuthenticator{a}, nil
}

// Authenticate verifies a CMC request submitted in creds[auth.CredCMCRequest].
func (a *AgentAuthenticator) Authenticate(ctx context.Context, creds auth.Credentials, session *auth.Session) (*auth.Token, error) {
	return a.authenticate(ctx, creds, session)
}

// UserSignedAuthenticator accepts requests signed by the end entity,
// either with a certificate the CA issued earlier or, if allowed, with the
// key being enrolled. A signer certificate must name the same subject as
// the TLS client certificate and must not be revoked.
type UserSignedAuthenticator struct {
	*authenticator
}

var _ auth.Authenticator = (*UserSignedAuthenticator)(nil)

// NewUserSignedAuthenticator creates a user-signed request authenticator.
func NewUserSignedAuthenticator(config Config, opts Options) (*UserSignedAuthenticator, error) {
	config.CheckRevocation = true
	a, err := newAuthenticator(userSigned, EventUserSigned, config, opts)
	if err != nil {
		return nil, err
	}
	return &UserSignedAuthenticator{a}, nil
}

// Authenticate verifies a CMC request submitted in creds[auth.CredCMCRequest].
func (a *UserSignedAuthenticator) Authenticate(ctx context.Context, creds auth.Credentials, session *auth.Session) (*auth.Token, error) {
	return a.authenticate(ctx, creds, session)
}
