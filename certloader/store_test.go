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
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghostunnel/cmcauth/internal/testpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFixture struct {
	ca      *testpki.CA
	agent   *testpki.Identity
	revoked *testpki.Identity
	config  StoreConfig
}

func newStoreFixture(t *testing.T) *storeFixture {
	dir := t.TempDir()
	ca := testpki.NewCA(t, "Test CA")
	agent := ca.Issue(t, pkix.Name{CommonName: "agent", Organization: []string{"acme.org"}}, testpki.WithSerial(42))
	revoked := ca.Issue(t, pkix.Name{CommonName: "former agent"}, testpki.WithSerial(43))

	return &storeFixture{
		ca:      ca,
		agent:   agent,
		revoked: revoked,
		config: StoreConfig{
			TrustAnchors: []string{testpki.WritePEM(t, dir, "anchors.pem", testpki.CertBlock(ca.Cert))},
			Issued: []string{testpki.WritePEM(t, dir, "issued.pem",
				testpki.CertBlock(agent.Cert), testpki.CertBlock(revoked.Cert))},
			CRLs:   []string{testpki.WritePEM(t, dir, "crl.pem", testpki.CRLBlock(ca.CRL(t, revoked.Cert)))},
			Logger: log.New(os.Stdout, "", log.LstdFlags),
		},
	}
}

func TestStoreLookup(t *testing.T) {
	f := newStoreFixture(t)
	store, err := NewStore(f.config)
	require.NoError(t, err)
	ctx := context.Background()

	cert, err := store.Lookup(ctx, f.agent.Cert.RawIssuer, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, f.agent.Cert.Raw, cert.Raw)

	cert, err = store.Lookup(ctx, f.ca.Cert.RawIssuer, f.ca.Cert.SerialNumber)
	require.NoError(t, err, "trust anchors are found too")
	assert.Equal(t, f.ca.Cert.Raw, cert.Raw)

	_, err = store.Lookup(ctx, f.agent.Cert.RawIssuer, big.NewInt(4242))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Lookup(ctx, f.agent.Cert.RawSubject, big.NewInt(42))
	assert.ErrorIs(t, err, ErrNotFound, "issuer must match, not just serial")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.Lookup(canceled, f.agent.Cert.RawIssuer, big.NewInt(42))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStoreIsRevoked(t *testing.T) {
	f := newStoreFixture(t)
	store, err := NewStore(f.config)
	require.NoError(t, err)
	ctx := context.Background()

	revoked, err := store.IsRevoked(ctx, []*x509.Certificate{f.agent.Cert})
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = store.IsRevoked(ctx, []*x509.Certificate{f.agent.Cert, f.revoked.Cert})
	require.NoError(t, err)
	assert.True(t, revoked)

	other := testpki.NewCA(t, "Other CA").Issue(t, pkix.Name{CommonName: "stranger"}, testpki.WithSerial(43))
	revoked, err = store.IsRevoked(ctx, []*x509.Certificate{other.Cert})
	require.NoError(t, err)
	assert.False(t, revoked, "same serial under a different issuer is not revoked")
}

func TestStoreValidate(t *testing.T) {
	f := newStoreFixture(t)
	store, err := NewStore(f.config)
	require.NoError(t, err)
	ctx := context.Background()
	opts := ValidateOptions{CheckChain: true, KeyUsage: x509.KeyUsageDigitalSignature}

	assert.NoError(t, store.Validate(ctx, f.agent.Cert, nil, opts))

	expired := f.ca.Issue(t, pkix.Name{CommonName: "expired"},
		testpki.WithValidity(time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour)))
	assert.ErrorIs(t, store.Validate(ctx, expired.Cert, nil, opts), ErrExpired)

	encipherOnly := f.ca.Issue(t, pkix.Name{CommonName: "encipher"}, testpki.WithKeyUsage(x509.KeyUsageKeyEncipherment))
	assert.ErrorIs(t, store.Validate(ctx, encipherOnly.Cert, nil, opts), ErrKeyUsage)

	other := testpki.NewCA(t, "Other CA").Issue(t, pkix.Name{CommonName: "stranger"})
	assert.ErrorIs(t, store.Validate(ctx, other.Cert, nil, opts), ErrUntrusted)
	assert.NoError(t, store.Validate(ctx, other.Cert, nil, ValidateOptions{KeyUsage: x509.KeyUsageDigitalSignature}),
		"chain checking is optional")

	intermediate := f.ca.Issue(t, pkix.Name{CommonName: "Intermediate CA"},
		testpki.AsCA(), testpki.WithKeyUsage(x509.KeyUsageCertSign|x509.KeyUsageDigitalSignature))
	sub := &testpki.CA{Identity: *intermediate}
	leaf := sub.Issue(t, pkix.Name{CommonName: "deep agent"}, testpki.WithSerial(7))
	assert.ErrorIs(t, store.Validate(ctx, leaf.Cert, nil, opts), ErrUntrusted)
	assert.NoError(t, store.Validate(ctx, leaf.Cert, []*x509.Certificate{intermediate.Cert}, opts))
}

func TestStoreReloadKeepsOldState(t *testing.T) {
	f := newStoreFixture(t)
	store, err := NewStore(f.config)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.config.TrustAnchors[0], []byte("garbage"), 0600))
	assert.Error(t, store.Reload())

	cert, err := store.Lookup(context.Background(), f.agent.Cert.RawIssuer, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, f.agent.Cert.Raw, cert.Raw)
	assert.NotNil(t, store.Roots())
}

func TestStoreRejectsUntrustedCRL(t *testing.T) {
	f := newStoreFixture(t)
	other := testpki.NewCA(t, "Other CA")
	f.config.CRLs = []string{testpki.WritePEM(t, t.TempDir(), "other.crl", testpki.CRLBlock(other.CRL(t)))}

	_, err := NewStore(f.config)
	assert.Error(t, err)
}

func TestStoreDERCRL(t *testing.T) {
	f := newStoreFixture(t)
	path := filepath.Join(t.TempDir(), "crl.der")
	require.NoError(t, os.WriteFile(path, f.ca.CRL(t, f.agent.Cert).Raw, 0600))
	f.config.CRLs = []string{path}

	store, err := NewStore(f.config)
	require.NoError(t, err)
	revoked, err := store.IsRevoked(context.Background(), []*x509.Certificate{f.agent.Cert})
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestStorePaths(t *testing.T) {
	f := newStoreFixture(t)
	store, err := NewStore(f.config)
	require.NoError(t, err)
	assert.Len(t, store.Paths(), 3)
}

func TestStoreMissingFile(t *testing.T) {
	_, err := NewStore(StoreConfig{TrustAnchors: []string{"/does/not/exist.pem"}})
	assert.Error(t, err)
}
