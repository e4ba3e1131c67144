//go:build cgo && !nopkcs11

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

package token

import (
	"crypto"

	"github.com/letsencrypt/pkcs11key/v4"
	"github.com/pkg/errors"
)

// SupportsPKCS11 returns true or false, depending on whether the binary
// was built with PKCS11 support or not (requires CGO to build).
func SupportsPKCS11() bool {
	return true
}

// OpenPKCS11 opens the key matching pub on a PKCS#11 token. Verification
// on the returned token runs in software, since public key operations
// need nothing from the module.
func OpenPKCS11(cfg PKCS11Config, pub crypto.PublicKey) (*HSM, error) {
	if cfg.Name == "" || cfg.Name == DefaultName {
		return nil, errors.Errorf("invalid PKCS#11 token name %q", cfg.Name)
	}

	key, err := pkcs11key.New(cfg.Module, cfg.TokenLabel, cfg.PIN, pub)
	if err != nil {
		return nil, errors.Wrapf(err, "opening PKCS#11 token %q", cfg.TokenLabel)
	}
	return &HSM{Software: NewSoftware(cfg.Name), key: key}, nil
}

// HSM is a token whose signing key lives in a PKCS#11 module.
type HSM struct {
	*Software
	key *pkcs11key.Key
}

// Signer returns the module-resident signing key.
func (h *HSM) Signer() crypto.Signer {
	return h.key
}

// Close releases the module session.
func (h *HSM) Close() error {
	return h.key.Destroy()
}
