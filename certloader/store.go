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
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Lookup when no certificate matches.
	ErrNotFound = errors.New("certificate not found")
	// ErrExpired is returned by Validate outside the validity window.
	ErrExpired = errors.New("certificate expired or not yet valid")
	// ErrKeyUsage is returned by Validate when the key usage does not
	// permit the requested operation.
	ErrKeyUsage = errors.New("certificate key usage does not permit operation")
	// ErrUntrusted is returned by Validate when no chain to a trust
	// anchor can be built.
	ErrUntrusted = errors.New("certificate does not chain to a trust anchor")
)

// StoreConfig lists the files backing a Store.
type StoreConfig struct {
	// Trust anchors (CA bundle).
	TrustAnchors []string
	// Previously issued certificates, searched by issuer and serial.
	Issued []string
	// CRLs signed by a trust anchor or an issued CA certificate.
	CRLs []string
	// Password of trust anchor and issued certificate files kept in a
	// keystore (JCEKS, PKCS#12).
	Password string
	// Logger, may be nil.
	Logger Logger
}

// Store is a reloadable certificate store: trust anchors, the
// certificates the CA has issued, and revocation lists. Reads never
// block on a reload; a failed reload keeps the previous contents.
type Store struct {
	config  StoreConfig
	current atomic.Pointer[storeSnapshot]
}

type storeSnapshot struct {
	roots    *x509.CertPool
	anchors  []*x509.Certificate
	issued   map[string]*x509.Certificate
	crls     map[string][]*x509.RevocationList
	loadedAt time.Time
}

// ValidateOptions controls Store.Validate.
type ValidateOptions struct {
	// Build a chain to a trust anchor.
	CheckChain bool
	// Key usage bits the certificate must carry when it has a key usage
	// extension at all.
	KeyUsage x509.KeyUsage
	// Time to validate at; zero means now.
	Now time.Time
}

// NewStore loads a Store from files.
func NewStore(config StoreConfig) (*Store, error) {
	s := &Store{config: config}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every file. On error the old contents stay in place.
func (s *Store) Reload() error {
	next := &storeSnapshot{
		roots:    x509.NewCertPool(),
		issued:   map[string]*x509.Certificate{},
		crls:     map[string][]*x509.RevocationList{},
		loadedAt: time.Now(),
	}

	for _, path := range s.config.TrustAnchors {
		certs, err := readX509(path, s.config.Password)
		if err != nil {
			return err
		}
		for _, cert := range certs {
			next.roots.AddCert(cert)
			next.anchors = append(next.anchors, cert)
		}
	}

	for _, path := range s.config.Issued {
		certs, err := readX509(path, s.config.Password)
		if err != nil {
			return err
		}
		for _, cert := range certs {
			next.issued[issuerSerialKey(cert.RawIssuer, cert.SerialNumber)] = cert
		}
	}

	for _, path := range s.config.CRLs {
		crls, err := readCRLs(path)
		if err != nil {
			return err
		}
		for _, crl := range crls {
			if err := next.checkCRLSignature(crl); err != nil {
				return errors.Wrapf(err, "CRL in '%s'", path)
			}
			if !crl.NextUpdate.IsZero() && next.loadedAt.After(crl.NextUpdate) {
				s.logf("CRL for %s in '%s' is past its next update time %s", crl.Issuer, path, crl.NextUpdate.Format(time.RFC3339))
			}
			key := string(crl.RawIssuer)
			next.crls[key] = append(next.crls[key], crl)
		}
	}

	s.current.Store(next)
	s.logf("loaded certificate store: %d trust anchors, %d issued certificates, %d CRL issuers",
		len(next.anchors), len(next.issued), len(next.crls))
	return nil
}

// checkCRLSignature finds the CRL's issuer among the trust anchors and
// issued CA certificates and verifies the signature.
func (snap *storeSnapshot) checkCRLSignature(crl *x509.RevocationList) error {
	candidates := append([]*x509.Certificate{}, snap.anchors...)
	for _, cert := range snap.issued {
		if cert.IsCA {
			candidates = append(candidates, cert)
		}
	}

	for _, ca := range candidates {
		if !bytes.Equal(ca.RawSubject, crl.RawIssuer) {
			continue
		}
		if err := crl.CheckSignatureFrom(ca); err == nil {
			return nil
		}
	}
	return errors.Errorf("no trusted issuer for CRL from %s", crl.Issuer)
}

// Paths lists every file the store reads, for change watching.
func (s *Store) Paths() []string {
	var paths []string
	paths = append(paths, s.config.TrustAnchors...)
	paths = append(paths, s.config.Issued...)
	paths = append(paths, s.config.CRLs...)
	return paths
}

// Roots returns the trust anchors as a pool.
func (s *Store) Roots() *x509.CertPool {
	return s.current.Load().roots
}

// Lookup finds a previously issued certificate or trust anchor by issuer
// DER and serial number.
func (s *Store) Lookup(ctx context.Context, rawIssuer []byte, serial *big.Int) (*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := s.current.Load()
	if cert, ok := snap.issued[issuerSerialKey(rawIssuer, serial)]; ok {
		return cert, nil
	}
	for _, cert := range snap.anchors {
		if bytes.Equal(cert.RawIssuer, rawIssuer) && cert.SerialNumber.Cmp(serial) == 0 {
			return cert, nil
		}
	}
	return nil, ErrNotFound
}

// IsRevoked reports whether any of certs appears on a CRL from its issuer.
// A certificate whose issuer publishes no CRL is treated as not revoked.
func (s *Store) IsRevoked(ctx context.Context, certs []*x509.Certificate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	snap := s.current.Load()
	for _, cert := range certs {
		for _, crl := range snap.crls[string(cert.RawIssuer)] {
			for _, entry := range crl.RevokedCertificateEntries {
				if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// Validate checks the validity window and key usage of cert and,
// optionally, that it chains to a trust anchor through intermediates.
func (s *Store) Validate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate, opts ValidateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return errors.Wrapf(ErrExpired, "valid %s to %s",
			cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&opts.KeyUsage != opts.KeyUsage {
		return ErrKeyUsage
	}
	if !opts.CheckChain {
		return nil
	}

	pool := x509.NewCertPool()
	for _, c := range intermediates {
		pool.AddCert(c)
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         s.Roots(),
		Intermediates: pool,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return errors.Wrap(ErrUntrusted, err.Error())
	}
	return nil
}

func (s *Store) logf(format string, v ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Printf(format, v...)
	}
}

func issuerSerialKey(rawIssuer []byte, serial *big.Int) string {
	return hex.EncodeToString(rawIssuer) + ":" + serial.Text(16)
}
