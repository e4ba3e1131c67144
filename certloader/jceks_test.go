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
	"math/big"
	"testing"

	"github.com/ghostunnel/cmcauth/internal/testpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreJCEKSTrustStore(t *testing.T) {
	f := newStoreFixture(t)
	dir := t.TempDir()
	anchors := testpki.WriteTrustStore(t, dir, "truststore.jceks", "changeit",
		map[string]*x509.Certificate{"caSigningCert": f.ca.Cert})
	issued := testpki.WriteTrustStore(t, dir, "issued.jceks", "changeit", map[string]*x509.Certificate{
		"agent":  f.agent.Cert,
		"former": f.revoked.Cert,
	})
	f.config.TrustAnchors = []string{anchors}
	f.config.Issued = []string{issued}
	f.config.Password = "changeit"

	store, err := NewStore(f.config)
	require.NoError(t, err)

	cert, err := store.Lookup(context.Background(), f.agent.Cert.RawIssuer, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, f.agent.Cert.Raw, cert.Raw)

	opts := ValidateOptions{CheckChain: true, KeyUsage: x509.KeyUsageDigitalSignature}
	assert.NoError(t, store.Validate(context.Background(), f.agent.Cert, nil, opts), "anchor from the trust store verifies the agent")
}

func TestStoreJCEKSWrongPassword(t *testing.T) {
	f := newStoreFixture(t)
	f.config.TrustAnchors = []string{testpki.WriteTrustStore(t, t.TempDir(), "truststore.jceks", "changeit",
		map[string]*x509.Certificate{"caSigningCert": f.ca.Cert})}
	f.config.Password = "wrong"

	_, err := NewStore(f.config)
	assert.Error(t, err, "integrity check must fail with the wrong password")
}
