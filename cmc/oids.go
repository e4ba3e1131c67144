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
	"encoding/asn1"
)

// Content types (RFC 5652, RFC 5272).
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDPKIData    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 12, 2}
	OIDPKIResp    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 12, 3}
)

// CMC control attributes (id-cmc arc, 1.3.6.1.5.5.7.7).
var (
	OIDStatusInfo     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 1}
	OIDIdentification = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 2}
	OIDIdentityProof  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 3}
	OIDSenderNonce    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 6}
	OIDRevokeRequest  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 17}
)

// CMS signed attributes.
var (
	OIDAttributeContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDAttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDAttributeSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

// OIDExtensionSubjectKeyID identifies the subject key identifier extension.
var OIDExtensionSubjectKeyID = asn1.ObjectIdentifier{2, 5, 29, 14}

// Digest algorithms.
var (
	OIDDigestSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDDigestSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDDigestSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDDigestSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	OIDDigestSHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
)

// Signature algorithms.
var (
	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECPublicKey     = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	OIDDSA             = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 1}
	OIDDSAWithSHA1     = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 3}
	OIDDSAWithSHA256   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 2}
	OIDEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}
)

var digestAlgorithms = []struct {
	oid  asn1.ObjectIdentifier
	hash crypto.Hash
}{
	{OIDDigestSHA1, crypto.SHA1},
	{OIDDigestSHA224, crypto.SHA224},
	{OIDDigestSHA256, crypto.SHA256},
	{OIDDigestSHA384, crypto.SHA384},
	{OIDDigestSHA512, crypto.SHA512},
}

// HashForDigestAlgorithm maps a CMS digest algorithm OID to a crypto.Hash.
func HashForDigestAlgorithm(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	for _, d := range digestAlgorithms {
		if d.oid.Equal(oid) {
			return d.hash, true
		}
	}
	return 0, false
}

// DigestAlgorithmForHash is the inverse of HashForDigestAlgorithm.
func DigestAlgorithmForHash(h crypto.Hash) (asn1.ObjectIdentifier, bool) {
	for _, d := range digestAlgorithms {
		if d.hash == h {
			return d.oid, true
		}
	}
	return nil, false
}

// HashForSignatureAlgorithm returns the digest bound to a composite signature
// algorithm such as sha256WithRSAEncryption. Bare key algorithms (rsaEncryption,
// id-ecPublicKey) carry no digest and report false.
func HashForSignatureAlgorithm(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(OIDSHA1WithRSA), oid.Equal(OIDECDSAWithSHA1), oid.Equal(OIDDSAWithSHA1):
		return crypto.SHA1, true
	case oid.Equal(OIDSHA256WithRSA), oid.Equal(OIDECDSAWithSHA256), oid.Equal(OIDDSAWithSHA256):
		return crypto.SHA256, true
	case oid.Equal(OIDSHA384WithRSA), oid.Equal(OIDECDSAWithSHA384):
		return crypto.SHA384, true
	case oid.Equal(OIDSHA512WithRSA), oid.Equal(OIDECDSAWithSHA512):
		return crypto.SHA512, true
	}
	return 0, false
}
