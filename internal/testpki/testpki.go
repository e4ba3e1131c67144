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

// Package testpki generates throwaway certificate hierarchies for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Identity is a certificate with its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// CA issues certificates for tests.
type CA struct {
	Identity
	nextSerial int64
}

type issueOptions struct {
	serial    int64
	notBefore time.Time
	notAfter  time.Time
	keyUsage  x509.KeyUsage
	rsa       bool
	isCA      bool
}

// Option tweaks an issued certificate.
type Option func(*issueOptions)

// WithSerial sets the serial number.
func WithSerial(serial int64) Option {
	return func(o *issueOptions) { o.serial = serial }
}

// WithValidity sets the validity window.
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(o *issueOptions) {
		o.notBefore = notBefore
		o.notAfter = notAfter
	}
}

// WithKeyUsage overrides the default digitalSignature key usage.
func WithKeyUsage(usage x509.KeyUsage) Option {
	return func(o *issueOptions) { o.keyUsage = usage }
}

// WithRSA issues for a 2048 bit RSA key instead of P-256.
func WithRSA() Option {
	return func(o *issueOptions) { o.rsa = true }
}

// AsCA marks the issued certificate as a CA.
func AsCA() Option {
	return func(o *issueOptions) { o.isCA = true }
}

// NewKey returns a fresh P-256 key.
func NewKey(t testing.TB) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "generating key")
	return key
}

// NewRSAKey returns a fresh 2048 bit RSA key.
func NewRSAKey(t testing.TB) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "generating key")
	return key
}

// SubjectKeyID computes the RFC 5280 method 1 key identifier of pub.
func SubjectKeyID(t testing.TB, pub crypto.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err, "marshaling public key")
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	_, err = asn1.Unmarshal(der, &spki)
	require.NoError(t, err, "parsing public key")
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:]
}

// NewCA creates a self-signed root.
func NewCA(t testing.TB, commonName string) *CA {
	key := NewKey(t)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"acme.org"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          SubjectKeyID(t, key.Public()),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err, "creating CA certificate")
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err, "parsing CA certificate")
	return &CA{Identity: Identity{Cert: cert, Key: key}, nextSerial: 100}
}

// Issue creates a certificate for subject signed by the CA.
func (ca *CA) Issue(t testing.TB, subject pkix.Name, opts ...Option) *Identity {
	o := issueOptions{
		notBefore: time.Now().Add(-time.Hour),
		notAfter:  time.Now().Add(12 * time.Hour),
		keyUsage:  x509.KeyUsageDigitalSignature,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.serial == 0 {
		o.serial = ca.nextSerial
		ca.nextSerial++
	}

	var key crypto.Signer
	if o.rsa {
		key = NewRSAKey(t)
	} else {
		key = NewKey(t)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(o.serial),
		Subject:               subject,
		NotBefore:             o.notBefore,
		NotAfter:              o.notAfter,
		KeyUsage:              o.keyUsage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  o.isCA,
		SubjectKeyId:          SubjectKeyID(t, key.Public()),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, key.Public(), ca.Key)
	require.NoError(t, err, "issuing certificate")
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err, "parsing issued certificate")
	return &Identity{Cert: cert, Key: key}
}

// CRL returns a CRL signed by the CA listing the given certificates.
func (ca *CA) CRL(t testing.TB, revoked ...*x509.Certificate) *x509.RevocationList {
	template := &x509.RevocationList{
		Number:     big.NewInt(time.Now().UnixNano()),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
	}
	for _, cert := range revoked {
		template.RevokedCertificateEntries = append(template.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   cert.SerialNumber,
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, ca.Cert, ca.Key)
	require.NoError(t, err, "creating CRL")
	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err, "parsing CRL")
	return crl
}

// CSR builds a PKCS#10 request, optionally carrying a subject key identifier
// extension.
func CSR(t testing.TB, subject pkix.Name, key crypto.Signer, ski []byte) []byte {
	template := &x509.CertificateRequest{Subject: subject}
	if ski != nil {
		value, err := asn1.Marshal(ski)
		require.NoError(t, err, "marshaling key identifier")
		template.ExtraExtensions = []pkix.Extension{{Id: asn1.ObjectIdentifier{2, 5, 29, 14}, Value: value}}
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err, "creating certificate request")
	return der
}

// WritePEM writes certificates and/or CRLs to a PEM file in dir and returns
// its path.
func WritePEM(t testing.TB, dir, name string, blocks ...*pem.Block) string {
	var out []byte
	for _, block := range blocks {
		out = append(out, pem.EncodeToMemory(block)...)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, out, 0600), "writing %s", name)
	return path
}

// CertBlock wraps a certificate in a PEM block.
func CertBlock(cert *x509.Certificate) *pem.Block {
	return &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}
}

// CRLBlock wraps a CRL in a PEM block.
func CRLBlock(crl *x509.RevocationList) *pem.Block {
	return &pem.Block{Type: "X509 CRL", Bytes: crl.Raw}
}

// KeyBlock wraps a private key in a PKCS#8 PEM block.
func KeyBlock(t testing.TB, key crypto.Signer) *pem.Block {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err, "marshaling private key")
	return &pem.Block{Type: "PRIVATE KEY", Bytes: der}
}
