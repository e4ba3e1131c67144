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

// Package certloader provides the certificate material a CA front end
// needs, all reloadable at runtime: a store of trust anchors, issued
// certificates and CRLs used to resolve and check CMC signers, and
// certificate/key pairs read from PEM files or PKCS#12 keystores that
// serve as TLS or signing identities.
package certloader
