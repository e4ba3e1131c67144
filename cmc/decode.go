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
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// DecodeError reports a structure that could not be decoded.
type DecodeError struct {
	Structure string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cmc: malformed %s: %s", e.Structure, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var errInvalidEncoding = errors.New("invalid encoding")

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo `asn1:"set"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type issuerAndSerial struct {
	Issuer asn1.RawValue
	Serial *big.Int
}

type pkiData struct {
	ControlSequence  []TaggedAttribute
	ReqSequence      []asn1.RawValue
	CmsSequence      []asn1.RawValue
	OtherMsgSequence []asn1.RawValue
}

type revokeRequest struct {
	IssuerName     asn1.RawValue
	SerialNumber   *big.Int
	Reason         asn1.Enumerated
	InvalidityDate time.Time `asn1:"generalized,optional"`
	Passphrase     []byte    `asn1:"optional"`
	Comment        string    `asn1:"utf8,optional"`
}

var (
	tagTCR              = cbasn1.Tag(0).ContextSpecific().Constructed()
	tagCRM              = cbasn1.Tag(1).ContextSpecific().Constructed()
	tagORM              = cbasn1.Tag(2).ContextSpecific().Constructed()
	tagTemplateSubject  = cbasn1.Tag(5).ContextSpecific().Constructed()
	tagTemplatePubKey   = cbasn1.Tag(6).ContextSpecific().Constructed()
	tagTemplateExts     = cbasn1.Tag(9).ContextSpecific().Constructed()
	tagPOPSignature     = cbasn1.Tag(1).ContextSpecific().Constructed()
	tagPOPSigningKeyIn  = cbasn1.Tag(0).ContextSpecific().Constructed()
	signedAttributesSet = byte(0x31)
)

// Parse decodes the outer ContentInfo of a CMC request. The PKIData itself
// is left encoded in Message.Content so that a signed request can have its
// signer checked before the body is interpreted; see ParsePKIData.
func Parse(der []byte) (*Message, error) {
	var ci contentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return nil, &DecodeError{"ContentInfo", err}
	}
	if len(rest) > 0 {
		return nil, &DecodeError{"ContentInfo", errors.New("trailing data")}
	}

	msg := &Message{ContentType: ci.ContentType}
	switch {
	case ci.ContentType.Equal(OIDSignedData):
		sd, err := parseSignedData(ci.Content.Bytes)
		if err != nil {
			return nil, err
		}
		msg.Signed = sd
		msg.Content = sd.Content
	case ci.ContentType.Equal(OIDPKIData):
		msg.Content = ci.Content.Bytes
	case ci.ContentType.Equal(OIDData):
		var octets []byte
		if _, err := asn1.Unmarshal(ci.Content.Bytes, &octets); err != nil {
			return nil, &DecodeError{"data content", err}
		}
		msg.Content = octets
	default:
		return nil, &DecodeError{"ContentInfo", errors.Errorf("unsupported content type %s", ci.ContentType)}
	}
	if len(msg.Content) == 0 {
		return nil, &DecodeError{"ContentInfo", errors.New("no content")}
	}
	return msg, nil
}

func parseSignedData(der []byte) (*SignedData, error) {
	var sd signedData
	if _, err := asn1.Unmarshal(der, &sd); err != nil {
		return nil, &DecodeError{"SignedData", err}
	}

	out := &SignedData{
		Version:          sd.Version,
		DigestAlgorithms: sd.DigestAlgorithms,
		ContentType:      sd.EncapContentInfo.EContentType,
	}
	if len(sd.EncapContentInfo.EContent.Bytes) > 0 {
		if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &out.Content); err != nil {
			return nil, &DecodeError{"encapsulated content", err}
		}
	}

	certs, err := parseCertificates(sd.Certificates.Bytes)
	if err != nil {
		return nil, err
	}
	out.Certificates = certs

	crls, err := parseCRLs(sd.CRLs.Bytes)
	if err != nil {
		return nil, err
	}
	out.CRLs = crls

	for _, raw := range sd.SignerInfos {
		si, err := parseSignerInfo(raw)
		if err != nil {
			return nil, err
		}
		out.SignerInfos = append(out.SignerInfos, si)
	}
	return out, nil
}

// parseCertificates walks the [0] IMPLICIT CertificateSet. Choices other than
// a plain Certificate are skipped.
func parseCertificates(set []byte) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for len(set) > 0 {
		var raw asn1.RawValue
		var err error
		set, err = asn1.Unmarshal(set, &raw)
		if err != nil {
			return nil, &DecodeError{"certificate set", err}
		}
		if raw.Class != asn1.ClassUniversal || raw.Tag != asn1.TagSequence {
			continue
		}
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, &DecodeError{"embedded certificate", err}
		}
		out = append(out, cert)
	}
	return out, nil
}

func parseCRLs(set []byte) ([]*x509.RevocationList, error) {
	var out []*x509.RevocationList
	for len(set) > 0 {
		var raw asn1.RawValue
		var err error
		set, err = asn1.Unmarshal(set, &raw)
		if err != nil {
			return nil, &DecodeError{"revocation info set", err}
		}
		if raw.Class != asn1.ClassUniversal || raw.Tag != asn1.TagSequence {
			continue
		}
		crl, err := x509.ParseRevocationList(raw.FullBytes)
		if err != nil {
			return nil, &DecodeError{"embedded CRL", err}
		}
		out = append(out, crl)
	}
	return out, nil
}

func parseSignerInfo(raw signerInfo) (SignerInfo, error) {
	sid, err := parseSignerIdentifier(raw.SID)
	if err != nil {
		return SignerInfo{}, err
	}

	si := SignerInfo{
		Version:            raw.Version,
		SID:                sid,
		DigestAlgorithm:    raw.DigestAlgorithm,
		SignatureAlgorithm: raw.SignatureAlgorithm,
		Signature:          raw.Signature,
	}

	if len(raw.SignedAttrs.FullBytes) > 0 {
		// The signature covers the attributes encoded as an explicit SET OF,
		// not with the [0] IMPLICIT tag they are transmitted under.
		set := make([]byte, len(raw.SignedAttrs.FullBytes))
		copy(set, raw.SignedAttrs.FullBytes)
		set[0] = signedAttributesSet

		var attrs []Attribute
		if _, err := asn1.UnmarshalWithParams(set, &attrs, "set"); err != nil {
			return SignerInfo{}, &DecodeError{"signed attributes", err}
		}
		si.SignedAttributes = attrs
		si.RawSignedAttributes = set
	}
	return si, nil
}

func parseSignerIdentifier(raw asn1.RawValue) (SignerIdentifier, error) {
	switch {
	case raw.Class == asn1.ClassUniversal && raw.Tag == asn1.TagSequence:
		var ias issuerAndSerial
		rest, err := asn1.Unmarshal(raw.FullBytes, &ias)
		if err != nil {
			return SignerIdentifier{}, &DecodeError{"IssuerAndSerialNumber", err}
		}
		if len(rest) > 0 || ias.Serial == nil {
			return SignerIdentifier{}, &DecodeError{"IssuerAndSerialNumber", errInvalidEncoding}
		}
		return SignerIdentifier{IssuerAndSerial: &IssuerAndSerial{
			RawIssuer: ias.Issuer.FullBytes,
			Serial:    ias.Serial,
		}}, nil
	case raw.Class == asn1.ClassContextSpecific && raw.Tag == 0 && !raw.IsCompound:
		if len(raw.Bytes) == 0 {
			return SignerIdentifier{}, &DecodeError{"SubjectKeyIdentifier", errors.New("empty key identifier")}
		}
		return SignerIdentifier{SubjectKeyID: append([]byte(nil), raw.Bytes...)}, nil
	}
	return SignerIdentifier{}, &DecodeError{"SignerIdentifier", errors.Errorf("unsupported choice (class %d, tag %d)", raw.Class, raw.Tag)}
}

// ParsePKIData decodes a DER encoded PKIData.
func ParsePKIData(der []byte) (*PKIData, error) {
	var pd pkiData
	rest, err := asn1.Unmarshal(der, &pd)
	if err != nil {
		return nil, &DecodeError{"PKIData", err}
	}
	if len(rest) > 0 {
		return nil, &DecodeError{"PKIData", errors.New("trailing data")}
	}

	out := &PKIData{
		Controls:    pd.ControlSequence,
		CMSSequence: pd.CmsSequence,
		OtherMsgs:   pd.OtherMsgSequence,
	}
	for _, raw := range pd.ReqSequence {
		req, err := parseTaggedRequest(raw.FullBytes)
		if err != nil {
			return nil, err
		}
		out.Requests = append(out.Requests, req)
	}
	return out, nil
}

func parseTaggedRequest(der []byte) (TaggedRequest, error) {
	input := cryptobyte.String(der)
	var body cryptobyte.String
	var tag cbasn1.Tag
	if !input.ReadAnyASN1(&body, &tag) || !input.Empty() {
		return TaggedRequest{}, &DecodeError{"TaggedRequest", errInvalidEncoding}
	}

	switch tag {
	case tagTCR:
		var id int64
		var csr cryptobyte.String
		if !body.ReadASN1Integer(&id) || !body.ReadASN1Element(&csr, cbasn1.SEQUENCE) || !body.Empty() {
			return TaggedRequest{}, &DecodeError{"TaggedCertificationRequest", errInvalidEncoding}
		}
		req, err := x509.ParseCertificateRequest(csr)
		if err != nil {
			return TaggedRequest{}, &DecodeError{"PKCS#10 request", err}
		}
		return TaggedRequest{Kind: RequestPKCS10, BodyPartID: id, PKCS10: req}, nil
	case tagCRM:
		msg, err := parseCertReqMsg(body)
		if err != nil {
			return TaggedRequest{}, err
		}
		return TaggedRequest{Kind: RequestCRMF, BodyPartID: msg.RequestID, CRMF: msg}, nil
	case tagORM:
		var id int64
		if !body.ReadASN1Integer(&id) {
			return TaggedRequest{}, &DecodeError{"OtherReqMsg", errInvalidEncoding}
		}
		return TaggedRequest{Kind: RequestOther, BodyPartID: id}, nil
	}
	return TaggedRequest{}, &DecodeError{"TaggedRequest", errors.Errorf("unknown choice %d", tag)}
}

func parseCertReqMsg(body cryptobyte.String) (*CertReqMsg, error) {
	var certReq cryptobyte.String
	if !body.ReadASN1Element(&certReq, cbasn1.SEQUENCE) {
		return nil, &DecodeError{"CertReqMsg", errInvalidEncoding}
	}
	msg := &CertReqMsg{RawCertReq: append([]byte(nil), certReq...)}

	var cr, template cryptobyte.String
	if !certReq.ReadASN1(&cr, cbasn1.SEQUENCE) ||
		!cr.ReadASN1Integer(&msg.RequestID) ||
		!cr.ReadASN1(&template, cbasn1.SEQUENCE) {
		return nil, &DecodeError{"CertRequest", errInvalidEncoding}
	}
	if err := parseCertTemplate(template, msg); err != nil {
		return nil, err
	}

	if body.PeekASN1Tag(tagPOPSignature) {
		var popo cryptobyte.String
		if !body.ReadASN1(&popo, tagPOPSignature) {
			return nil, &DecodeError{"POPOSigningKey", errInvalidEncoding}
		}
		pop := &POPOSigningKey{}
		if popo.PeekASN1Tag(tagPOPSigningKeyIn) {
			if !popo.SkipASN1(tagPOPSigningKeyIn) {
				return nil, &DecodeError{"POPOSigningKeyInput", errInvalidEncoding}
			}
			pop.HasInput = true
		}
		var alg cryptobyte.String
		var sig asn1.BitString
		if !popo.ReadASN1Element(&alg, cbasn1.SEQUENCE) || !popo.ReadASN1BitString(&sig) {
			return nil, &DecodeError{"POPOSigningKey", errInvalidEncoding}
		}
		if _, err := asn1.Unmarshal(alg, &pop.Algorithm); err != nil {
			return nil, &DecodeError{"POPOSigningKey algorithm", err}
		}
		pop.Signature = sig.RightAlign()
		msg.POP = pop
	}
	return msg, nil
}

func parseCertTemplate(template cryptobyte.String, msg *CertReqMsg) error {
	for !template.Empty() {
		var field cryptobyte.String
		var tag cbasn1.Tag
		if !template.ReadAnyASN1(&field, &tag) {
			return &DecodeError{"CertTemplate", errInvalidEncoding}
		}

		switch tag {
		case tagTemplateSubject:
			// Name is a CHOICE, so the tag is explicit.
			var name cryptobyte.String
			if !field.ReadASN1Element(&name, cbasn1.SEQUENCE) {
				return &DecodeError{"CertTemplate subject", errInvalidEncoding}
			}
			msg.RawSubject = append([]byte(nil), name...)
		case tagTemplatePubKey:
			var b cryptobyte.Builder
			b.AddASN1(cbasn1.SEQUENCE, func(spki *cryptobyte.Builder) {
				spki.AddBytes(field)
			})
			spki, err := b.Bytes()
			if err != nil {
				return &DecodeError{"CertTemplate publicKey", err}
			}
			pub, err := x509.ParsePKIXPublicKey(spki)
			if err != nil {
				return &DecodeError{"CertTemplate publicKey", err}
			}
			msg.RawPublicKey = spki
			msg.PublicKey = pub
		case tagTemplateExts:
			for !field.Empty() {
				var ext cryptobyte.String
				if !field.ReadASN1Element(&ext, cbasn1.SEQUENCE) {
					return &DecodeError{"CertTemplate extensions", errInvalidEncoding}
				}
				var e pkix.Extension
				if _, err := asn1.Unmarshal(ext, &e); err != nil {
					return &DecodeError{"CertTemplate extension", err}
				}
				msg.Extensions = append(msg.Extensions, e)
			}
		}
	}
	return nil
}

// RevokeRequests collects the values of every id-cmc-revokeRequest control.
func (p *PKIData) RevokeRequests() ([]RevokeRequest, error) {
	var out []RevokeRequest
	for _, ctrl := range p.Controls {
		if !ctrl.Type.Equal(OIDRevokeRequest) {
			continue
		}
		for _, value := range ctrl.Values {
			var rr revokeRequest
			rest, err := asn1.Unmarshal(value.FullBytes, &rr)
			if err != nil {
				return nil, &DecodeError{"RevokeRequest", err}
			}
			if len(rest) > 0 || rr.SerialNumber == nil {
				return nil, &DecodeError{"RevokeRequest", errInvalidEncoding}
			}
			out = append(out, RevokeRequest{
				RawIssuer:      rr.IssuerName.FullBytes,
				Serial:         rr.SerialNumber,
				Reason:         int(rr.Reason),
				InvalidityDate: rr.InvalidityDate,
				Passphrase:     rr.Passphrase,
				Comment:        rr.Comment,
			})
		}
	}
	return out, nil
}
