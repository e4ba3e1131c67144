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

// Package token provides the crypto tokens used to digest and verify CMC
// requests, and a per-request context that selects the active token.
package token

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"

	"github.com/ghostunnel/cmcauth/cmc"
	"github.com/pkg/errors"
)

// DefaultName is the name of the built-in software token.
const DefaultName = "internal"

var (
	// ErrUnsupportedAlgorithm is returned for digest or signature
	// algorithms a token does not implement.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("signature verification failed")
)

// Token performs digest and signature verification operations.
type Token interface {
	Name() string
	// Digest hashes data.
	Digest(h crypto.Hash, data []byte) ([]byte, error)
	// Verify checks sig over message. The hash comes from the signature
	// algorithm when it names one, otherwise h is used.
	Verify(pub crypto.PublicKey, alg pkix.AlgorithmIdentifier, h crypto.Hash, message, sig []byte) error
}

// Software is a token backed by the Go crypto library.
type Software struct {
	name string
}

// NewSoftware returns a software token with the given name.
func NewSoftware(name string) *Software {
	return &Software{name: name}
}

func (s *Software) Name() string { return s.name }

func (s *Software) Digest(h crypto.Hash, data []byte) ([]byte, error) {
	if !h.Available() {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "digest %v", h)
	}
	hasher := h.New()
	hasher.Write(data)
	return hasher.Sum(nil), nil
}

func (s *Software) Verify(pub crypto.PublicKey, alg pkix.AlgorithmIdentifier, h crypto.Hash, message, sig []byte) error {
	if key, ok := pub.(ed25519.PublicKey); ok {
		if !alg.Algorithm.Equal(cmc.OIDEd25519) {
			return errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %s with ed25519 key", alg.Algorithm)
		}
		if !ed25519.Verify(key, message, sig) {
			return ErrBadSignature
		}
		return nil
	}

	if sigHash, ok := cmc.HashForSignatureAlgorithm(alg.Algorithm); ok {
		h = sigHash
	}
	digest, err := s.Digest(h, message)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		switch {
		case alg.Algorithm.Equal(cmc.OIDRSAPSS):
			h, err = pssHash(alg, h)
			if err != nil {
				return err
			}
			if digest, err = s.Digest(h, message); err != nil {
				return err
			}
			err = rsa.VerifyPSS(key, h, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: h})
		case isRSA(alg.Algorithm):
			err = rsa.VerifyPKCS1v15(key, h, digest, sig)
		default:
			return errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %s with RSA key", alg.Algorithm)
		}
		if err != nil {
			return ErrBadSignature
		}
		return nil

	case *ecdsa.PublicKey:
		if !isECDSA(alg.Algorithm) {
			return errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %s with EC key", alg.Algorithm)
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return ErrBadSignature
		}
		return nil

	case *dsa.PublicKey:
		if !isDSA(alg.Algorithm) {
			return errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %s with DSA key", alg.Algorithm)
		}
		var rs struct{ R, S *big.Int }
		if rest, err := asn1.Unmarshal(sig, &rs); err != nil || len(rest) > 0 {
			return ErrBadSignature
		}
		if n := key.Q.BitLen() / 8; len(digest) > n {
			digest = digest[:n]
		}
		if !dsa.Verify(key, digest, rs.R, rs.S) {
			return ErrBadSignature
		}
		return nil
	}
	return errors.Wrapf(ErrUnsupportedAlgorithm, "public key type %T", pub)
}

func isRSA(oid asn1.ObjectIdentifier) bool {
	for _, candidate := range []asn1.ObjectIdentifier{
		cmc.OIDRSAEncryption, cmc.OIDSHA1WithRSA, cmc.OIDSHA256WithRSA, cmc.OIDSHA384WithRSA, cmc.OIDSHA512WithRSA,
	} {
		if oid.Equal(candidate) {
			return true
		}
	}
	return false
}

func isECDSA(oid asn1.ObjectIdentifier) bool {
	for _, candidate := range []asn1.ObjectIdentifier{
		cmc.OIDECPublicKey, cmc.OIDECDSAWithSHA1, cmc.OIDECDSAWithSHA256, cmc.OIDECDSAWithSHA384, cmc.OIDECDSAWithSHA512,
	} {
		if oid.Equal(candidate) {
			return true
		}
	}
	return false
}

func isDSA(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(cmc.OIDDSA) || oid.Equal(cmc.OIDDSAWithSHA1) || oid.Equal(cmc.OIDDSAWithSHA256)
}

// pssHash reads the hash algorithm out of RSASSA-PSS parameters. Absent
// parameters mean the digest algorithm of the signer info applies.
func pssHash(alg pkix.AlgorithmIdentifier, fallback crypto.Hash) (crypto.Hash, error) {
	if len(alg.Parameters.FullBytes) == 0 || alg.Parameters.Tag == asn1.TagNull {
		return fallback, nil
	}
	var params struct {
		Hash pkix.AlgorithmIdentifier `asn1:"explicit,optional,tag:0"`
	}
	if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
		return 0, errors.Wrap(err, "invalid RSASSA-PSS parameters")
	}
	if len(params.Hash.Algorithm) == 0 {
		return crypto.SHA1, nil
	}
	h, ok := cmc.HashForDigestAlgorithm(params.Hash.Algorithm)
	if !ok {
		return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "PSS hash %s", params.Hash.Algorithm)
	}
	return h, nil
}
