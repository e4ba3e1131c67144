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

package auth

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"net"
	"strings"
)

// MatchPrincipal reports whether the TLS client certificate and the
// certificate that signed a request name the same subject. Names are
// compared RDN by RDN; attribute values compare case-insensitively and
// AVAs within a multi-valued RDN may appear in any order.
func MatchPrincipal(tlsPeer, signer *x509.Certificate) bool {
	if tlsPeer == nil || signer == nil {
		return false
	}
	a, err := parseName(tlsPeer.RawSubject)
	if err != nil {
		return false
	}
	b, err := parseName(signer.RawSubject)
	if err != nil {
		return false
	}
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameRDN(a[i], b[i]) {
			return false
		}
	}
	return true
}

func parseName(raw []byte) (pkix.RDNSequence, error) {
	var rdns pkix.RDNSequence
	rest, err := asn1.Unmarshal(raw, &rdns)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, errors.New("trailing data after name")
	}
	return rdns, nil
}

func sameRDN(a, b pkix.RelativeDistinguishedNameSET) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
outer:
	for _, x := range a {
		for j, y := range b {
			if !used[j] && sameAVA(x, y) {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func sameAVA(a, b pkix.AttributeTypeAndValue) bool {
	if !a.Type.Equal(b.Type) {
		return false
	}
	return strings.EqualFold(
		strings.TrimSpace(fmt.Sprint(a.Value)),
		strings.TrimSpace(fmt.Sprint(b.Value)))
}

// ACL restricts which TLS clients may reach an endpoint. The options are
// disjunctive: a client is allowed if at least one attribute matches.
type ACL struct {
	// AllowAll will allow all clients that presented a valid certificate.
	// If set, all other options are ignored.
	AllowAll bool
	// AllowedCNs lists common names that should be allowed access.
	AllowedCNs []string
	// AllowedOUs lists organizational units that should be allowed access.
	AllowedOUs []string
	// AllowedDNSs lists DNS SANs that should be allowed access.
	AllowedDNSs []string
	// AllowedIPs lists IP SANs that should be allowed access.
	AllowedIPs []net.IP
	// AllowedURIs lists URI SANs that should be allowed access. Entries may
	// use '*' for one path segment and a trailing '**' for any suffix.
	AllowedURIs []string
}

// Empty reports whether no option is set.
func (a ACL) Empty() bool {
	return !a.AllowAll && len(a.AllowedCNs) == 0 && len(a.AllowedOUs) == 0 &&
		len(a.AllowedDNSs) == 0 && len(a.AllowedIPs) == 0 && len(a.AllowedURIs) == 0
}

// Validate checks the URI patterns.
func (a ACL) Validate() error {
	for _, pattern := range a.AllowedURIs {
		if _, err := compileURIPattern(pattern); err != nil {
			return fmt.Errorf("invalid URI pattern '%s': %w", pattern, err)
		}
	}
	return nil
}

// Allows checks a verified client certificate against the ACL. A nil
// certificate is never allowed, and neither is anything by an empty ACL
// (fails closed).
func (a ACL) Allows(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	if a.AllowAll {
		return true
	}

	for _, expectedCN := range a.AllowedCNs {
		if cert.Subject.CommonName == expectedCN {
			return true
		}
	}

	for _, expectedOU := range a.AllowedOUs {
		for _, clientOU := range cert.Subject.OrganizationalUnit {
			if clientOU == expectedOU {
				return true
			}
		}
	}

	for _, expectedDNS := range a.AllowedDNSs {
		for _, clientDNS := range cert.DNSNames {
			if clientDNS == expectedDNS {
				return true
			}
		}
	}

	for _, expectedIP := range a.AllowedIPs {
		for _, clientIP := range cert.IPAddresses {
			if expectedIP.Equal(clientIP) {
				return true
			}
		}
	}

	for _, pattern := range a.AllowedURIs {
		matcher, err := compileURIPattern(pattern)
		if err != nil {
			continue
		}
		for _, clientURI := range cert.URIs {
			if matcher.matches(clientURI.String()) {
				return true
			}
		}
	}

	return false
}

// Check is Allows for a session, returning an InvalidCredentials error
// when the client is not allowed.
func (a ACL) Check(session *Session) error {
	cert := session.ClientCertificate()
	if cert == nil {
		return Missing("client certificate")
	}
	if !a.Allows(cert) {
		return Invalid(nil, "client %q not allowed", cert.Subject.String())
	}
	return nil
}
