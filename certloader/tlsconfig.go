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
	"net"
)

// ServerConfig builds a TLS configuration for the submission endpoint.
// Client certificates are requested and, when presented, verified against
// the store's trust anchors; a client without one can still reach
// endpoints that authenticate by other means. Certificate and trust
// anchors are read on every handshake, so reloads apply to new
// connections right away.
func ServerConfig(cert Certificate, store *Store, base *tls.Config) *tls.Config {
	if base == nil {
		base = new(tls.Config)
	}
	template := base.Clone()
	if template.MinVersion == 0 {
		template.MinVersion = tls.VersionTLS12
	}

	config := template.Clone()
	config.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		c := template.Clone()
		c.GetCertificate = cert.GetCertificate
		c.ClientAuth = tls.VerifyClientCertIfGiven
		c.ClientCAs = store.Roots()
		return c, nil
	}
	return config
}

// Listener holds a net.Listener, wrapping incoming connections in TLS.
type Listener struct {
	net.Listener
	config *tls.Config
}

// NewListener wraps listener so that accepted connections speak TLS.
func NewListener(listener net.Listener, config *tls.Config) *Listener {
	return &Listener{
		Listener: listener,
		config:   config,
	}
}

// Accept waits for the next connection and wraps it in a TLS server.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return tls.Server(c, l.config), nil
}
