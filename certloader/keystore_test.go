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
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"testing"

	"github.com/ghostunnel/cmcauth/internal/testpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

func TestCertificateFromPEMFiles(t *testing.T) {
	dir := t.TempDir()
	ca := testpki.NewCA(t, "Test CA")
	agent := ca.Issue(t, pkix.Name{CommonName: "agent"})

	certPath := testpki.WritePEM(t, dir, "agent.pem", testpki.CertBlock(agent.Cert), testpki.CertBlock(ca.Cert))
	keyPath := testpki.WritePEM(t, dir, "agent.key", testpki.KeyBlock(t, agent.Key))

	cert, err := CertificateFromPEMFiles(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, "CN=agent", cert.GetIdentifier())

	key, leaf, chain := cert.Signer()
	assert.Equal(t, agent.Key.Public(), key.Public())
	assert.Equal(t, agent.Cert.Raw, leaf.Raw)
	require.Len(t, chain, 1)
	assert.Equal(t, ca.Cert.Raw, chain[0].Raw)

	tlsCert, err := cert.GetCertificate(nil)
	require.NoError(t, err)
	assert.Len(t, tlsCert.Certificate, 2)
}

func TestCertificateFromPKCS12(t *testing.T) {
	dir := t.TempDir()
	ca := testpki.NewCA(t, "Test CA")
	agent := ca.Issue(t, pkix.Name{CommonName: "agent"}, testpki.WithRSA())

	p12, err := pkcs12.Modern.Encode(agent.Key, agent.Cert, []*x509.Certificate{ca.Cert}, "secret")
	require.NoError(t, err)
	path := filepath.Join(dir, "agent.p12")
	require.NoError(t, os.WriteFile(path, p12, 0600))

	cert, err := CertificateFromKeystore(path, "secret")
	require.NoError(t, err)
	assert.Equal(t, "CN=agent", cert.GetIdentifier())

	key, leaf, chain := cert.Signer()
	assert.Equal(t, agent.Key.Public(), key.Public())
	assert.Equal(t, agent.Cert.Raw, leaf.Raw)
	assert.Len(t, chain, 1)

	_, err = CertificateFromKeystore(path, "wrong")
	assert.Error(t, err, "wrong keystore password must fail")
}

func TestCertificateReloadKeepsOldState(t *testing.T) {
	dir := t.TempDir()
	ca := testpki.NewCA(t, "Test CA")
	agent := ca.Issue(t, pkix.Name{CommonName: "agent"})
	certPath := testpki.WritePEM(t, dir, "agent.pem", testpki.CertBlock(agent.Cert))
	keyPath := testpki.WritePEM(t, dir, "agent.key", testpki.KeyBlock(t, agent.Key))

	cert, err := CertificateFromPEMFiles(certPath, keyPath)
	require.NoError(t, err)

	other := ca.Issue(t, pkix.Name{CommonName: "other"})
	testpki.WritePEM(t, dir, "agent.pem", testpki.CertBlock(other.Cert))
	assert.Error(t, cert.Reload(), "mismatched key must not load")
	assert.Equal(t, "CN=agent", cert.GetIdentifier())
}

func TestServerConfig(t *testing.T) {
	dir := t.TempDir()
	ca := testpki.NewCA(t, "Test CA")
	server := ca.Issue(t, pkix.Name{CommonName: "ca.acme.org"})
	cert, err := CertificateFromPEMFiles(
		testpki.WritePEM(t, dir, "server.pem", testpki.CertBlock(server.Cert)),
		testpki.WritePEM(t, dir, "server.key", testpki.KeyBlock(t, server.Key)))
	require.NoError(t, err)
	store, err := NewStore(StoreConfig{TrustAnchors: []string{testpki.WritePEM(t, dir, "ca.pem", testpki.CertBlock(ca.Cert))}})
	require.NoError(t, err)

	config := ServerConfig(cert, store, nil)
	require.NotNil(t, config.GetConfigForClient)

	perConn, err := config.GetConfigForClient(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, perConn.ClientAuth)
	assert.Equal(t, uint16(tls.VersionTLS12), perConn.MinVersion)
	assert.True(t, perConn.ClientCAs.Equal(store.Roots()))

	served, err := perConn.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, server.Cert.Raw, served.Leaf.Raw)
}
