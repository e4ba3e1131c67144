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

// PKCS11Config locates a key on a PKCS#11 module.
type PKCS11Config struct {
	// Name the token is registered under.
	Name string
	// Path to the module shared library.
	Module string
	// Label of the token inside the module.
	TokenLabel string
	// PIN used to log in to the token.
	PIN string
}
