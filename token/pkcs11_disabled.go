//go:build !cgo || nopkcs11

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

	"github.com/pkg/errors"
)

// SupportsPKCS11 returns true or false, depending on whether the binary
// was built with PKCS11 support or not (requires CGO to build).
func SupportsPKCS11() bool {
	return false
}

// OpenPKCS11 opens the key matching pub on a PKCS#11 token.
func OpenPKCS11(cfg PKCS11Config, pub crypto.PublicKey) (*HSM, error) {
	return nil, errors.New("PKCS#11 unavailable when compiled without CGO support")
}

// HSM is a token whose signing key lives in a PKCS#11 module.
type HSM struct {
	*Software
}

// Signer returns the module-resident signing key.
func (h *HSM) Signer() crypto.Signer {
	return nil
}

// Close releases the module session.
func (h *HSM) Close() error {
	return nil
}
