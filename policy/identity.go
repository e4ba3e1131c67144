/*-
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

package policy

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"

	"github.com/ghostunnel/cmcauth/auth"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/pkg/errors"
)

// DefaultQuery is evaluated when no query is configured.
const DefaultQuery = "data.cmc.agents.identity"

// IdentityStore resolves agent certificates by evaluating a policy. The
// policy sees the certificate as input:
//
//	{"subject": "CN=RA Agent,O=acme.org", "issuer": "...", "serial": "42",
//	 "fingerprint": "<sha256 hex>", "dnsNames": [...], "emails": [...]}
//
// and must produce {"uid": ..., "userid": ..., "groups": [...]}, or leave
// the query undefined for certificates it does not know.
type IdentityStore struct {
	policy Policy
}

var _ auth.IdentityStore = (*IdentityStore)(nil)

// NewIdentityStore wraps p.
func NewIdentityStore(p Policy) *IdentityStore {
	return &IdentityStore{policy: p}
}

// Reload reloads the underlying policy.
func (s *IdentityStore) Reload() error {
	return s.policy.Reload()
}

// Identify returns auth.ErrUnknownIdentity when the policy yields nothing
// for cert or yields an identity without a uid.
func (s *IdentityStore) Identify(ctx context.Context, cert *x509.Certificate) (*auth.Identity, error) {
	if cert == nil {
		return nil, auth.ErrUnknownIdentity
	}

	rs, err := s.policy.Eval(ctx, rego.EvalInput(certificateInput(cert)))
	if err != nil {
		return nil, errors.Wrap(err, "evaluating identity policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, auth.ErrUnknownIdentity
	}

	value, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("identity policy returned %T, expected an object", rs[0].Expressions[0].Value)
	}
	identity := &auth.Identity{}
	identity.UID, _ = value["uid"].(string)
	identity.UserID, _ = value["userid"].(string)
	if groups, ok := value["groups"].([]interface{}); ok {
		for _, g := range groups {
			if name, ok := g.(string); ok {
				identity.Groups = append(identity.Groups, name)
			}
		}
	}
	if identity.UID == "" {
		return nil, auth.ErrUnknownIdentity
	}
	if identity.UserID == "" {
		identity.UserID = identity.UID
	}
	return identity, nil
}

func certificateInput(cert *x509.Certificate) map[string]interface{} {
	fingerprint := sha256.Sum256(cert.Raw)
	return map[string]interface{}{
		"subject":     cert.Subject.String(),
		"issuer":      cert.Issuer.String(),
		"serial":      cert.SerialNumber.String(),
		"fingerprint": hex.EncodeToString(fingerprint[:]),
		"dnsNames":    stringsOrEmpty(cert.DNSNames),
		"emails":      stringsOrEmpty(cert.EmailAddresses),
	}
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
