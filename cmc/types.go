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
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// Message is a decoded CMC request. It is either a SignedData wrapping a
// PKIData, or a bare PKIData when the client did not sign the request.
type Message struct {
	// ContentType of the outer ContentInfo.
	ContentType asn1.ObjectIdentifier
	// Signed is nil for unsigned requests.
	Signed *SignedData
	// Content is the DER encoded PKIData, taken from the encapsulated content
	// for signed requests.
	Content []byte
}

// IsSigned reports whether the request was wrapped in SignedData.
func (m *Message) IsSigned() bool {
	return m.Signed != nil
}

// SignedData is the decoded form of a CMS SignedData (RFC 5652, 5.1).
type SignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier
	ContentType      asn1.ObjectIdentifier
	Content          []byte
	Certificates     []*x509.Certificate
	CRLs             []*x509.RevocationList
	SignerInfos      []SignerInfo
}

// IssuerAndSerial identifies a certificate by issuer name and serial number.
type IssuerAndSerial struct {
	// RawIssuer is the DER encoded issuer Name.
	RawIssuer []byte
	Serial    *big.Int
}

// Matches reports whether cert was issued by RawIssuer with the given serial.
func (is *IssuerAndSerial) Matches(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, is.RawIssuer) && cert.SerialNumber.Cmp(is.Serial) == 0
}

func (is *IssuerAndSerial) String() string {
	return fmt.Sprintf("issuer=%q serial=%s", NameString(is.RawIssuer), is.Serial)
}

// SignerIdentifier is the CMS SignerIdentifier CHOICE. Exactly one of the
// fields is set.
type SignerIdentifier struct {
	IssuerAndSerial *IssuerAndSerial
	SubjectKeyID    []byte
}

// IsSubjectKeyID reports whether the signer is identified by key identifier,
// which for CMC means the request is self-signed.
func (s SignerIdentifier) IsSubjectKeyID() bool {
	return s.IssuerAndSerial == nil
}

func (s SignerIdentifier) String() string {
	if s.IssuerAndSerial != nil {
		return s.IssuerAndSerial.String()
	}
	return fmt.Sprintf("ski=%x", s.SubjectKeyID)
}

// Attribute is a CMS attribute with its raw values.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SignerInfo is the decoded form of a CMS SignerInfo.
type SignerInfo struct {
	Version          int
	SID              SignerIdentifier
	DigestAlgorithm  pkix.AlgorithmIdentifier
	SignedAttributes []Attribute
	// RawSignedAttributes is the DER SET OF signed attributes, which is what
	// gets signed when attributes are present. Nil otherwise.
	RawSignedAttributes []byte
	SignatureAlgorithm  pkix.AlgorithmIdentifier
	Signature           []byte
}

// HasSignedAttributes reports whether the signature covers signed attributes
// rather than the content itself.
func (si *SignerInfo) HasSignedAttributes() bool {
	return si.RawSignedAttributes != nil
}

func (si *SignerInfo) attribute(oid asn1.ObjectIdentifier) (*asn1.RawValue, error) {
	var found *asn1.RawValue
	for i := range si.SignedAttributes {
		attr := &si.SignedAttributes[i]
		if !attr.Type.Equal(oid) {
			continue
		}
		if found != nil || len(attr.Values) != 1 {
			return nil, fmt.Errorf("attribute %s must have exactly one value", oid)
		}
		found = &attr.Values[0]
	}
	return found, nil
}

// MessageDigest returns the value of the messageDigest signed attribute, or
// nil if the attribute is absent.
func (si *SignerInfo) MessageDigest() ([]byte, error) {
	raw, err := si.attribute(OIDAttributeMessageDigest)
	if err != nil || raw == nil {
		return nil, err
	}
	var digest []byte
	if _, err := asn1.Unmarshal(raw.FullBytes, &digest); err != nil {
		return nil, &DecodeError{"messageDigest attribute", err}
	}
	return digest, nil
}

// ContentTypeAttribute returns the value of the contentType signed attribute,
// or nil if the attribute is absent.
func (si *SignerInfo) ContentTypeAttribute() (asn1.ObjectIdentifier, error) {
	raw, err := si.attribute(OIDAttributeContentType)
	if err != nil || raw == nil {
		return nil, err
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(raw.FullBytes, &oid); err != nil {
		return nil, &DecodeError{"contentType attribute", err}
	}
	return oid, nil
}

// PKIData is the CMC request body (RFC 5272, 3.2.1).
type PKIData struct {
	Controls []TaggedAttribute
	Requests []TaggedRequest
	// CMSSequence and OtherMsgs are carried but not interpreted.
	CMSSequence []asn1.RawValue
	OtherMsgs   []asn1.RawValue
}

// TaggedAttribute is a CMC control.
type TaggedAttribute struct {
	BodyPartID int64
	Type       asn1.ObjectIdentifier
	Values     []asn1.RawValue `asn1:"set"`
}

// Control returns the first control of the given type, or nil.
func (p *PKIData) Control(oid asn1.ObjectIdentifier) *TaggedAttribute {
	for i := range p.Controls {
		if p.Controls[i].Type.Equal(oid) {
			return &p.Controls[i]
		}
	}
	return nil
}

// RequestKind is the TaggedRequest CHOICE arm.
type RequestKind int

const (
	// RequestPKCS10 is a TaggedCertificationRequest (tcr).
	RequestPKCS10 RequestKind = iota
	// RequestCRMF is a CertReqMsg (crm).
	RequestCRMF
	// RequestOther is an OtherReqMsg (orm), which is not supported.
	RequestOther
)

func (k RequestKind) String() string {
	switch k {
	case RequestPKCS10:
		return "pkcs10"
	case RequestCRMF:
		return "crmf"
	default:
		return "other"
	}
}

// TaggedRequest is one enrollment request inside a PKIData.
type TaggedRequest struct {
	Kind       RequestKind
	BodyPartID int64
	PKCS10     *x509.CertificateRequest
	CRMF       *CertReqMsg
}

// RawSubject returns the DER encoded subject Name asserted by the request.
func (r *TaggedRequest) RawSubject() []byte {
	switch r.Kind {
	case RequestPKCS10:
		return r.PKCS10.RawSubject
	case RequestCRMF:
		return r.CRMF.RawSubject
	}
	return nil
}

// Subject returns the requested subject in RFC 2253 string form.
func (r *TaggedRequest) Subject() string {
	return NameString(r.RawSubject())
}

// PublicKey returns the public key the request asks to certify.
func (r *TaggedRequest) PublicKey() crypto.PublicKey {
	switch r.Kind {
	case RequestPKCS10:
		return r.PKCS10.PublicKey
	case RequestCRMF:
		return r.CRMF.PublicKey
	}
	return nil
}

// SubjectKeyID returns the value of the subject key identifier extension
// carried inside the request, if any.
func (r *TaggedRequest) SubjectKeyID() ([]byte, error) {
	var exts []pkix.Extension
	switch r.Kind {
	case RequestPKCS10:
		exts = r.PKCS10.Extensions
	case RequestCRMF:
		exts = r.CRMF.Extensions
	}
	for _, ext := range exts {
		if !ext.Id.Equal(OIDExtensionSubjectKeyID) {
			continue
		}
		var ski []byte
		if _, err := asn1.Unmarshal(ext.Value, &ski); err != nil {
			return nil, &DecodeError{"subject key identifier extension", err}
		}
		return ski, nil
	}
	return nil, nil
}

// SignedPOP is a signature proving possession of the private key that
// belongs to a request's public key.
type SignedPOP struct {
	Message   []byte
	Algorithm pkix.AlgorithmIdentifier
	Signature []byte
}

// POPSignature returns the request's proof of possession signature: the
// self-signature of a PKCS#10 request, or the POPOSigningKey of a CRMF
// request. It returns nil when there is none that can be checked without
// further context.
func (r *TaggedRequest) POPSignature() (*SignedPOP, error) {
	switch r.Kind {
	case RequestPKCS10:
		var csr struct {
			TBS       asn1.RawValue
			Algorithm pkix.AlgorithmIdentifier
			Signature asn1.BitString
		}
		if _, err := asn1.Unmarshal(r.PKCS10.Raw, &csr); err != nil {
			return nil, &DecodeError{"PKCS#10 request", err}
		}
		return &SignedPOP{Message: csr.TBS.FullBytes, Algorithm: csr.Algorithm, Signature: csr.Signature.RightAlign()}, nil
	case RequestCRMF:
		pop := r.CRMF.POP
		if pop == nil || pop.HasInput {
			return nil, nil
		}
		return &SignedPOP{Message: r.CRMF.RawCertReq, Algorithm: pop.Algorithm, Signature: pop.Signature}, nil
	}
	return nil, nil
}

// CertReqMsg is the subset of a CRMF CertReqMsg (RFC 4211) that request
// authentication relies on.
type CertReqMsg struct {
	RequestID int64
	// RawCertReq is the DER encoded CertRequest, the input to the POP
	// signature when no poposkInput is present.
	RawCertReq []byte
	RawSubject []byte
	// RawPublicKey is the template public key re-encoded as SubjectPublicKeyInfo.
	RawPublicKey []byte
	PublicKey    crypto.PublicKey
	Extensions   []pkix.Extension
	POP          *POPOSigningKey
}

// POPOSigningKey is the signature form of CRMF proof of possession.
type POPOSigningKey struct {
	// HasInput is set when poposkInput was present, in which case the
	// signature is not over RawCertReq and cannot be checked here.
	HasInput  bool
	Algorithm pkix.AlgorithmIdentifier
	Signature []byte
}

// RevokeRequest is the value of an id-cmc-revokeRequest control (RFC 5272, 6.11).
type RevokeRequest struct {
	RawIssuer      []byte
	Serial         *big.Int
	Reason         int
	InvalidityDate time.Time
	Passphrase     []byte
	Comment        string
}

// NameString renders a DER encoded Name in RFC 2253 form. Undecodable input
// renders as the empty string.
func NameString(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var rdns pkix.RDNSequence
	if rest, err := asn1.Unmarshal(raw, &rdns); err != nil || len(rest) > 0 {
		return ""
	}
	return rdns.String()
}
