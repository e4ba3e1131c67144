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
	"bytes"
	"context"
	"crypto"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"math/big"

	"github.com/ghostunnel/cmcauth/auth"
	"github.com/ghostunnel/cmcauth/certloader"
	"github.com/ghostunnel/cmcauth/cmc"
	"github.com/ghostunnel/cmcauth/token"
)

// Verifier checks the signatures on a CMC SignedData.
type Verifier struct {
	config Config
	store  CertStore
	tokens *token.Registry

	// matchPrincipal binds issuer and serial signers to the TLS client
	// certificate of the session.
	matchPrincipal bool
}

// NewVerifier returns a verifier resolving signer certificates in store.
func NewVerifier(config Config, store CertStore, tokens *token.Registry) *Verifier {
	if tokens == nil {
		tokens = token.NewRegistry()
	}
	return &Verifier{config: config, store: store, tokens: tokens}
}

// Signers is the outcome of VerifySigners.
type Signers struct {
	// Certificate of the first signer identified by issuer and serial.
	Certificate *x509.Certificate
	// Serials of all signers identified by issuer and serial.
	Serials []*big.Int
	// Identifiers of all signers, for logging.
	Identifiers []string

	pending []pendingSigner
}

type pendingSigner struct {
	info   *cmc.SignerInfo
	hash   crypto.Hash
	digest []byte
}

// SelfSigned reports whether any signer is identified by subject key
// identifier. Those signers are verified by VerifySelfSigned once the
// requests carrying their public keys have been decoded.
func (s *Signers) SelfSigned() bool {
	return len(s.pending) > 0
}

// SignerInfo describes the signers for audit records.
func (s *Signers) SignerInfo() string {
	if s == nil || len(s.Identifiers) == 0 {
		return ""
	}
	var buf bytes.Buffer
	for i, id := range s.Identifiers {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(id)
	}
	return buf.String()
}

func (v *Verifier) activeToken(session *auth.Session, name string) (token.Token, func(), error) {
	var tokens *token.Context
	if session != nil {
		tokens = session.Tokens
	}
	if tokens == nil {
		tokens = v.tokens.NewContext()
	}
	restore, err := tokens.Switch(name)
	if err != nil {
		return nil, restore, auth.Internal(err, "selecting crypto token")
	}
	return tokens.Active(), restore, nil
}

// VerifySigners checks every signer identified by issuer and serial: the
// signature, the validity of its certificate, revocation when configured
// and, for the user-signed variant, the binding to the TLS client. Signers
// identified by subject key identifier are only digested here.
func (v *Verifier) VerifySigners(ctx context.Context, sd *cmc.SignedData, session *auth.Session) (*Signers, error) {
	if len(sd.SignerInfos) == 0 {
		return nil, auth.Missing("signer info")
	}

	tok, restore, err := v.activeToken(session, v.config.Token)
	defer restore()
	if err != nil {
		return nil, err
	}

	digests := map[crypto.Hash][]byte{}
	for _, alg := range sd.DigestAlgorithms {
		h, ok := cmc.HashForDigestAlgorithm(alg.Algorithm)
		if !ok {
			continue
		}
		if _, done := digests[h]; done {
			continue
		}
		digest, err := tok.Digest(h, sd.Content)
		if err != nil {
			return nil, auth.Invalid(err, "digest algorithm %s", alg.Algorithm)
		}
		digests[h] = digest
	}

	signers := &Signers{}
	for i := range sd.SignerInfos {
		si := &sd.SignerInfos[i]
		signers.Identifiers = append(signers.Identifiers, si.SID.String())

		h, ok := cmc.HashForDigestAlgorithm(si.DigestAlgorithm.Algorithm)
		if !ok {
			return signers, auth.Invalid(token.ErrUnsupportedAlgorithm, "digest algorithm %s", si.DigestAlgorithm.Algorithm)
		}
		digest, ok := digests[h]
		if !ok {
			// Not declared in digestAlgorithms.
			if digest, err = tok.Digest(h, sd.Content); err != nil {
				return signers, auth.Invalid(err, "digest algorithm %s", si.DigestAlgorithm.Algorithm)
			}
			digests[h] = digest
		}

		if si.SID.IsSubjectKeyID() {
			signers.pending = append(signers.pending, pendingSigner{info: si, hash: h, digest: digest})
			continue
		}

		cert, err := v.verifyIssuerAndSerial(ctx, tok, sd, si, h, digest, session)
		if err != nil {
			return signers, err
		}
		if signers.Certificate == nil {
			signers.Certificate = cert
		}
		signers.Serials = append(signers.Serials, cert.SerialNumber)
	}
	return signers, nil
}

func (v *Verifier) verifyIssuerAndSerial(ctx context.Context, tok token.Token, sd *cmc.SignedData, si *cmc.SignerInfo, h crypto.Hash, digest []byte, session *auth.Session) (*x509.Certificate, error) {
	is := si.SID.IssuerAndSerial

	var cert *x509.Certificate
	for _, candidate := range sd.Certificates {
		if is.Matches(candidate) {
			cert = candidate
			break
		}
	}

	issued, err := v.store.Lookup(ctx, is.RawIssuer, is.Serial)
	if err != nil && !errors.Is(err, certloader.ErrNotFound) {
		return nil, auth.Internal(err, "looking up signer certificate")
	}
	checkChain := v.config.CheckChain
	switch {
	case cert == nil && issued == nil:
		return nil, auth.Missing("signer certificate " + is.String())
	case cert == nil:
		cert = issued
	case issued == nil || !bytes.Equal(issued.Raw, cert.Raw):
		// An embedded certificate the store does not hold must chain to
		// a trust anchor.
		checkChain = true
	}

	if err := checkSignature(tok, sd, si, cert.PublicKey, h, digest); err != nil {
		return nil, err
	}

	err = v.store.Validate(ctx, cert, sd.Certificates, certloader.ValidateOptions{
		CheckChain: checkChain,
		KeyUsage:   x509.KeyUsageDigitalSignature,
	})
	switch {
	case errors.Is(err, certloader.ErrExpired), errors.Is(err, certloader.ErrKeyUsage), errors.Is(err, certloader.ErrUntrusted):
		return nil, auth.Invalid(err, "signer certificate %s", cert.Subject)
	case err != nil:
		return nil, auth.Internal(err, "validating signer certificate")
	}

	if v.config.CheckRevocation {
		revoked, err := v.store.IsRevoked(ctx, []*x509.Certificate{cert})
		if err != nil {
			return nil, auth.Internal(err, "checking revocation status")
		}
		if revoked {
			return nil, auth.Invalid(nil, "signer certificate %s is revoked", cert.Subject)
		}
	}

	if v.matchPrincipal {
		client := session.ClientCertificate()
		if client == nil {
			return nil, auth.Missing("client certificate")
		}
		if !auth.MatchPrincipal(client, cert) {
			return nil, auth.Invalid(nil, "client %q does not match signer %q", client.Subject, cert.Subject)
		}
	}
	return cert, nil
}

// VerifySelfSigned checks the signers identified by subject key identifier
// against the public keys of the decoded requests. A signer is verified
// with the key of the request whose subject key identifier extension
// equals the signer identifier; a signer no request claims is rejected
// whether or not its signature would verify.
func (v *Verifier) VerifySelfSigned(ctx context.Context, sd *cmc.SignedData, signers *Signers, requests []cmc.TaggedRequest, session *auth.Session) error {
	if !signers.SelfSigned() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return auth.Internal(err, "verifying self-signed request")
	}

	tok, restore, err := v.activeToken(session, v.config.Token)
	defer restore()
	if err != nil {
		return err
	}

	for _, p := range signers.pending {
		var pub crypto.PublicKey
		for i := range requests {
			ski, err := requests[i].SubjectKeyID()
			if err != nil {
				return auth.Internal(err, "decoding request %d", requests[i].BodyPartID)
			}
			if ski != nil && bytes.Equal(ski, p.info.SID.SubjectKeyID) {
				pub = requests[i].PublicKey()
				break
			}
		}
		if pub == nil {
			return auth.Invalid(nil, "no request carries subject key identifier %x", p.info.SID.SubjectKeyID)
		}
		if err := checkSignature(tok, sd, p.info, pub, p.hash, p.digest); err != nil {
			return err
		}
	}
	return nil
}

// checkSignature verifies one SignerInfo. With signed attributes the
// signature covers the attributes, which must carry the content digest
// and content type; without them it covers the content.
func checkSignature(tok token.Token, sd *cmc.SignedData, si *cmc.SignerInfo, pub crypto.PublicKey, h crypto.Hash, digest []byte) error {
	message := sd.Content
	if si.HasSignedAttributes() {
		md, err := si.MessageDigest()
		if err != nil {
			return auth.Internal(err, "signed attributes of %s", si.SID)
		}
		if md == nil {
			return auth.Missing("messageDigest attribute")
		}
		if subtle.ConstantTimeCompare(md, digest) != 1 {
			return auth.Invalid(nil, "message digest of %s does not match content", si.SID)
		}
		ct, err := si.ContentTypeAttribute()
		if err != nil {
			return auth.Internal(err, "signed attributes of %s", si.SID)
		}
		if ct != nil && !ct.Equal(sd.ContentType) {
			return auth.Invalid(nil, "content type attribute %s does not match %s", ct, sd.ContentType)
		}
		message = si.RawSignedAttributes
	}

	if err := tok.Verify(pub, si.SignatureAlgorithm, h, message, si.Signature); err != nil {
		return auth.Invalid(err, "signature of %s", si.SID)
	}
	return nil
}

// verifyPOP checks the proof of possession of every request on the named
// token. Requests without a checkable proof are rejected.
func (v *Verifier) verifyPOP(session *auth.Session, requests []cmc.TaggedRequest) error {
	tok, restore, err := v.activeToken(session, v.config.POPToken)
	defer restore()
	if err != nil {
		return err
	}

	for i := range requests {
		req := &requests[i]
		pop, err := req.POPSignature()
		if err != nil {
			return auth.Internal(err, "decoding request %d", req.BodyPartID)
		}
		if pop == nil {
			return auth.Missing("proof of possession")
		}
		if err := tok.Verify(req.PublicKey(), pop.Algorithm, crypto.SHA256, pop.Message, pop.Signature); err != nil {
			return auth.Invalid(err, "proof of possession of request %d", req.BodyPartID)
		}
	}
	return nil
}
