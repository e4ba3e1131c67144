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

package cmc

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// PKIDataBuilder assembles a PKIData. Body part IDs are assigned in the order
// requests and controls are added, starting at 1.
type PKIDataBuilder struct {
	nextBodyPartID int64
	controls       []TaggedAttribute
	requests       []asn1.RawValue
}

// NewPKIDataBuilder returns an empty builder.
func NewPKIDataBuilder() *PKIDataBuilder {
	return &PKIDataBuilder{nextBodyPartID: 1}
}

func (b *PKIDataBuilder) bodyPartID() int64 {
	id := b.nextBodyPartID
	b.nextBodyPartID++
	return id
}

// AddPKCS10 adds a DER encoded PKCS#10 request and returns its body part ID.
func (b *PKIDataBuilder) AddPKCS10(csr []byte) (int64, error) {
	id := b.bodyPartID()
	var tr cryptobyte.Builder
	tr.AddASN1(tagTCR, func(tcr *cryptobyte.Builder) {
		tcr.AddASN1Int64(id)
		tcr.AddBytes(csr)
	})
	der, err := tr.Bytes()
	if err != nil {
		return 0, errors.Wrap(err, "encoding TaggedCertificationRequest")
	}
	b.requests = append(b.requests, asn1.RawValue{FullBytes: der})
	return id, nil
}

// CRMFRequest describes a CRMF CertReqMsg to add to a PKIData.
type CRMFRequest struct {
	Subject      pkix.Name
	PublicKey    crypto.PublicKey
	SubjectKeyID []byte
	// Signer, when set, produces a POPOSigningKey over the CertRequest.
	Signer crypto.Signer
	Hash   crypto.Hash
}

// AddCRMF adds a CRMF request and returns its body part ID, which doubles as
// the certReqId.
func (b *PKIDataBuilder) AddCRMF(req CRMFRequest) (int64, error) {
	subject, err := asn1.Marshal(req.Subject.ToRDNSequence())
	if err != nil {
		return 0, errors.Wrap(err, "encoding subject")
	}
	spki, err := x509.MarshalPKIXPublicKey(req.PublicKey)
	if err != nil {
		return 0, errors.Wrap(err, "encoding public key")
	}
	var spkiBody cryptobyte.String
	input := cryptobyte.String(spki)
	if !input.ReadASN1(&spkiBody, cbasn1.SEQUENCE) {
		return 0, errors.New("encoding public key: invalid SubjectPublicKeyInfo")
	}
	var ski []byte
	if len(req.SubjectKeyID) > 0 {
		if ski, err = asn1.Marshal(req.SubjectKeyID); err != nil {
			return 0, errors.Wrap(err, "encoding subject key identifier")
		}
	}

	id := b.bodyPartID()
	var cr cryptobyte.Builder
	cr.AddASN1(cbasn1.SEQUENCE, func(certReq *cryptobyte.Builder) {
		certReq.AddASN1Int64(id)
		certReq.AddASN1(cbasn1.SEQUENCE, func(template *cryptobyte.Builder) {
			template.AddASN1(tagTemplateSubject, func(name *cryptobyte.Builder) {
				name.AddBytes(subject)
			})
			template.AddASN1(tagTemplatePubKey, func(key *cryptobyte.Builder) {
				key.AddBytes(spkiBody)
			})
			if ski != nil {
				template.AddASN1(tagTemplateExts, func(exts *cryptobyte.Builder) {
					exts.AddASN1(cbasn1.SEQUENCE, func(ext *cryptobyte.Builder) {
						ext.AddASN1ObjectIdentifier(OIDExtensionSubjectKeyID)
						ext.AddASN1OctetString(ski)
					})
				})
			}
		})
	})
	certReq, err := cr.Bytes()
	if err != nil {
		return 0, errors.Wrap(err, "encoding CertRequest")
	}

	var sig, alg []byte
	if req.Signer != nil {
		var algID pkix.AlgorithmIdentifier
		sig, algID, err = signMessage(req.Signer, req.Hash, certReq)
		if err != nil {
			return 0, errors.Wrap(err, "signing proof of possession")
		}
		if alg, err = asn1.Marshal(algID); err != nil {
			return 0, errors.Wrap(err, "encoding proof of possession")
		}
	}

	var tr cryptobyte.Builder
	tr.AddASN1(tagCRM, func(msg *cryptobyte.Builder) {
		msg.AddBytes(certReq)
		if sig != nil {
			msg.AddASN1(tagPOPSignature, func(pop *cryptobyte.Builder) {
				pop.AddBytes(alg)
				pop.AddASN1BitString(sig)
			})
		}
	})
	der, err := tr.Bytes()
	if err != nil {
		return 0, errors.Wrap(err, "encoding CertReqMsg")
	}
	b.requests = append(b.requests, asn1.RawValue{FullBytes: der})
	return id, nil
}

// AddControl adds a control whose values are marshaled with encoding/asn1.
func (b *PKIDataBuilder) AddControl(oid asn1.ObjectIdentifier, values ...interface{}) error {
	attr := TaggedAttribute{BodyPartID: b.bodyPartID(), Type: oid}
	for _, v := range values {
		der, err := asn1.Marshal(v)
		if err != nil {
			return errors.Wrapf(err, "encoding control %s", oid)
		}
		attr.Values = append(attr.Values, asn1.RawValue{FullBytes: der})
	}
	b.controls = append(b.controls, attr)
	return nil
}

// AddRevokeRequests adds one id-cmc-revokeRequest control per request.
// The values of a single control are a SET OF, which DER sorts, so
// separate controls are what keeps reqs in order.
func (b *PKIDataBuilder) AddRevokeRequests(reqs ...RevokeRequest) error {
	values := make([]revokeRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.Serial == nil {
			return errors.New("revoke request without serial number")
		}
		issuer := r.RawIssuer
		if len(issuer) == 0 {
			issuer = []byte{0x30, 0x00}
		}
		rr := revokeRequest{
			IssuerName:   asn1.RawValue{FullBytes: issuer},
			SerialNumber: r.Serial,
			Reason:       asn1.Enumerated(r.Reason),
			Passphrase:   r.Passphrase,
			Comment:      r.Comment,
		}
		if !r.InvalidityDate.IsZero() {
			rr.InvalidityDate = r.InvalidityDate.UTC()
		}
		values = append(values, rr)
	}
	for _, rr := range values {
		if err := b.AddControl(OIDRevokeRequest, rr); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the DER encoded PKIData.
func (b *PKIDataBuilder) Bytes() ([]byte, error) {
	der, err := asn1.Marshal(pkiData{
		ControlSequence:  b.controls,
		ReqSequence:      b.requests,
		CmsSequence:      []asn1.RawValue{},
		OtherMsgSequence: []asn1.RawValue{},
	})
	return der, errors.Wrap(err, "encoding PKIData")
}

// Signer describes one SignerInfo to produce in Sign.
type Signer struct {
	Key crypto.Signer
	// Hash defaults to SHA-256.
	Hash crypto.Hash
	// Certificate identifies the signer by issuer and serial number. When nil
	// the signer is identified by SubjectKeyID, as a self-signed request is.
	Certificate  *x509.Certificate
	SubjectKeyID []byte
	// Chain is embedded in the SignedData certificates field.
	Chain []*x509.Certificate
	// NoSignedAttributes signs the content directly.
	NoSignedAttributes bool
	SigningTime        time.Time
}

func (s *Signer) identifier() (asn1.RawValue, int, error) {
	if s.Certificate != nil {
		der, err := asn1.Marshal(issuerAndSerial{
			Issuer: asn1.RawValue{FullBytes: s.Certificate.RawIssuer},
			Serial: s.Certificate.SerialNumber,
		})
		return asn1.RawValue{FullBytes: der}, 1, err
	}
	if len(s.SubjectKeyID) == 0 {
		return asn1.RawValue{}, 0, errors.New("signer needs a certificate or a subject key identifier")
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: s.SubjectKeyID}, 3, nil
}

// Sign wraps a DER encoded PKIData in a SignedData ContentInfo.
func Sign(content []byte, signers ...Signer) ([]byte, error) {
	if len(signers) == 0 {
		return nil, errors.New("at least one signer is required")
	}

	sd := signedData{Version: 3}
	seen := map[crypto.Hash]bool{}
	var chain []*x509.Certificate
	for i := range signers {
		s := &signers[i]
		h := s.Hash
		if h == 0 {
			h = crypto.SHA256
		}
		digestOID, ok := DigestAlgorithmForHash(h)
		if !ok || !h.Available() {
			return nil, errors.Errorf("unsupported digest %s", h)
		}
		if !seen[h] {
			seen[h] = true
			sd.DigestAlgorithms = append(sd.DigestAlgorithms, pkix.AlgorithmIdentifier{Algorithm: digestOID})
		}

		sid, version, err := s.identifier()
		if err != nil {
			return nil, err
		}

		info := signerInfo{
			Version:         version,
			SID:             sid,
			DigestAlgorithm: pkix.AlgorithmIdentifier{Algorithm: digestOID},
		}
		message := content
		if !s.NoSignedAttributes {
			digest := h.New()
			digest.Write(content)
			set, err := signedAttributes(digest.Sum(nil), s.SigningTime)
			if err != nil {
				return nil, err
			}
			message = set
			info.SignedAttrs = asn1.RawValue{FullBytes: append([]byte{0xa0}, set[1:]...)}
		}
		info.Signature, info.SignatureAlgorithm, err = signMessage(s.Key, h, message)
		if err != nil {
			return nil, err
		}
		sd.SignerInfos = append(sd.SignerInfos, info)
		chain = append(chain, s.Chain...)
	}

	octets, err := asn1.Marshal(content)
	if err != nil {
		return nil, errors.Wrap(err, "encoding content")
	}
	sd.EncapContentInfo = encapsulatedContentInfo{
		EContentType: OIDPKIData,
		EContent:     explicit(octets),
	}
	if len(chain) > 0 {
		var certs []byte
		for _, cert := range chain {
			certs = append(certs, cert.Raw...)
		}
		sd.Certificates = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: certs}
	}

	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, errors.Wrap(err, "encoding SignedData")
	}
	der, err := asn1.Marshal(contentInfo{ContentType: OIDSignedData, Content: explicit(inner)})
	return der, errors.Wrap(err, "encoding ContentInfo")
}

// Wrap produces an unsigned request: a ContentInfo of type id-cct-PKIData.
func Wrap(content []byte) ([]byte, error) {
	der, err := asn1.Marshal(contentInfo{ContentType: OIDPKIData, Content: explicit(content)})
	return der, errors.Wrap(err, "encoding ContentInfo")
}

func explicit(inner []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner}
}

func signedAttributes(digest []byte, signingTime time.Time) ([]byte, error) {
	values := []struct {
		oid   asn1.ObjectIdentifier
		value interface{}
	}{
		{OIDAttributeContentType, OIDPKIData},
		{OIDAttributeMessageDigest, digest},
	}
	if !signingTime.IsZero() {
		values = append(values, struct {
			oid   asn1.ObjectIdentifier
			value interface{}
		}{OIDAttributeSigningTime, signingTime.UTC()})
	}

	attrs := make([]Attribute, 0, len(values))
	for _, v := range values {
		der, err := asn1.Marshal(v.value)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding attribute %s", v.oid)
		}
		attrs = append(attrs, Attribute{Type: v.oid, Values: []asn1.RawValue{{FullBytes: der}}})
	}
	set, err := asn1.MarshalWithParams(attrs, "set")
	return set, errors.Wrap(err, "encoding signed attributes")
}

func signMessage(key crypto.Signer, h crypto.Hash, message []byte) ([]byte, pkix.AlgorithmIdentifier, error) {
	if key == nil {
		return nil, pkix.AlgorithmIdentifier{}, errors.New("no signing key")
	}
	if h == 0 {
		h = crypto.SHA256
	}

	var alg pkix.AlgorithmIdentifier
	switch key.Public().(type) {
	case ed25519.PublicKey:
		sig, err := key.Sign(rand.Reader, message, crypto.Hash(0))
		return sig, pkix.AlgorithmIdentifier{Algorithm: OIDEd25519}, err
	case *rsa.PublicKey:
		alg = pkix.AlgorithmIdentifier{Algorithm: rsaSignatureAlgorithm(h), Parameters: asn1.NullRawValue}
	case *ecdsa.PublicKey:
		alg = pkix.AlgorithmIdentifier{Algorithm: ecdsaSignatureAlgorithm(h)}
	default:
		return nil, alg, errors.Errorf("unsupported signing key %T", key.Public())
	}
	if alg.Algorithm == nil {
		return nil, alg, errors.Errorf("unsupported digest %s", h)
	}

	digest := h.New()
	digest.Write(message)
	sig, err := key.Sign(rand.Reader, digest.Sum(nil), h)
	return sig, alg, err
}

func rsaSignatureAlgorithm(h crypto.Hash) asn1.ObjectIdentifier {
	switch h {
	case crypto.SHA1:
		return OIDSHA1WithRSA
	case crypto.SHA256:
		return OIDSHA256WithRSA
	case crypto.SHA384:
		return OIDSHA384WithRSA
	case crypto.SHA512:
		return OIDSHA512WithRSA
	}
	return nil
}

func ecdsaSignatureAlgorithm(h crypto.Hash) asn1.ObjectIdentifier {
	switch h {
	case crypto.SHA1:
		return OIDECDSAWithSHA1
	case crypto.SHA256:
		return OIDECDSAWithSHA256
	case crypto.SHA384:
		return OIDECDSAWithSHA384
	case crypto.SHA512:
		return OIDECDSAWithSHA512
	}
	return nil
}
