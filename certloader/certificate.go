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
)

// Certificate wraps a certificate and private key and supports reloading
// at runtime. It serves as the TLS identity of the submission endpoint and
// as the signing identity of an agent building CMC requests.
type Certificate interface {
	// Reload will reload the certificate and private key. Subsequent calls
	// to GetCertificate/Signer will return the newly loaded certificate, if
	// reloading was successful. If reloading failed, the old state is kept.
	Reload() error

	// GetIdentifier returns an identifier for the certificate for logging.
	GetIdentifier() string

	// GetCertificate returns the current underlying certificate.
	// Can be used for tls.Config's GetCertificate callback.
	GetCertificate(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error)

	// Signer returns the private key, the leaf certificate and the rest
	// of the chain.
	Signer() (crypto.Signer, *x509.Certificate, []*x509.Certificate)
}
