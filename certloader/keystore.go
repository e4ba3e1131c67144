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

package certloader

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

type keystoreCertificate struct {
	// Keystore or PEM files path
	keystorePaths []string
	// Password for keystore (may be empty)
	keystorePassword string
	// File format as an indicator for certigo/lib
	format string
	// Cached *tls.Certificate
	cached atomic.Pointer[tls.Certificate]
}

// CertificateFromPEMFiles creates a reloadable certificate from a set of PEM files.
func CertificateFromPEMFiles(certificatePath, keyPath string) (Certificate, error) {
	c := &keystoreCertificate{
		keystorePaths: []string{certificatePath, keyPath},
		format:        "PEM",
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// CertificateFromKeystore creates a reloadable certificate from a PKCS#12
// keystore, or any other keystore format certigo can read.
func CertificateFromKeystore(keystorePath, keystorePassword string) (Certificate, error) {
	c := &keystoreCertificate{
		keystorePaths:    []string{keystorePath},
		keystorePassword: keystorePassword,
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload transparently reloads the certificate.
func (c *keystoreCertificate) Reload() error {
	var (
		certAndKey tls.Certificate
		err        error
	)
	if len(c.keystorePaths) == 1 && isPKCS12(c.keystorePaths[0]) {
		certAndKey, err = readPKCS12(c.keystorePaths[0], c.keystorePassword)
	} else {
		certAndKey, err = c.readBlocks()
	}
	if err != nil {
		return err
	}

	if certAndKey.Leaf == nil {
		certAndKey.Leaf, err = x509.ParseCertificate(certAndKey.Certificate[0])
		if err != nil {
			return err
		}
	}
	if _, ok := certAndKey.PrivateKey.(crypto.Signer); !ok {
		return errors.Errorf("private key of type %T cannot sign", certAndKey.PrivateKey)
	}

	c.cached.Store(&certAndKey)
	return nil
}

func (c *keystoreCertificate) readBlocks() (tls.Certificate, error) {
	var pemBytes []byte
	for _, path := range c.keystorePaths {
		blocks, err := readPEM(path, c.keystorePassword, c.format)
		if err != nil {
			return tls.Certificate{}, err
		}
		for _, block := range blocks {
			// certigo records the origin file in a header, which
			// tls.X509KeyPair does not expect on key blocks.
			block.Headers = nil
			pemBytes = append(pemBytes, pem.EncodeToMemory(block)...)
		}
	}
	certAndKey, err := tls.X509KeyPair(pemBytes, pemBytes)
	return certAndKey, errors.Wrap(err, "loading key pair")
}

func isPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	}
	return false
}

func readPKCS12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}
	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, errors.Wrapf(err, "error reading keystore '%s'", path)
	}

	certAndKey := tls.Certificate{PrivateKey: key, Leaf: leaf}
	certAndKey.Certificate = append(certAndKey.Certificate, leaf.Raw)
	for _, cert := range chain {
		certAndKey.Certificate = append(certAndKey.Certificate, cert.Raw)
	}
	return certAndKey, nil
}

// GetIdentifier returns the subject of the leaf certificate.
func (c *keystoreCertificate) GetIdentifier() string {
	if cert := c.cached.Load(); cert != nil && cert.Leaf != nil {
		return cert.Leaf.Subject.String()
	}
	return ""
}

// GetCertificate retrieves the actual underlying tls.Certificate.
func (c *keystoreCertificate) GetCertificate(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return c.cached.Load(), nil
}

// Signer returns the private key and certificate chain.
func (c *keystoreCertificate) Signer() (crypto.Signer, *x509.Certificate, []*x509.Certificate) {
	cert := c.cached.Load()
	var chain []*x509.Certificate
	for _, raw := range cert.Certificate[1:] {
		if parsed, err := x509.ParseCertificate(raw); err == nil {
			chain = append(chain, parsed)
		}
	}
	return cert.PrivateKey.(crypto.Signer), cert.Leaf, chain
}
