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
	"encoding/json"
	"math/big"
	"sort"
	"strconv"
)

// Standard token keys.
const (
	TokenUID             = "uid"
	TokenUserID          = "userid"
	TokenUserDN          = "userdn"
	TokenCertSubject     = "tokenCertSubject"
	TokenCertSerial      = "certSerial"
	TokenReasonCode      = "reasonCode"
	TokenAuthManager     = "authMgrInstName"
	TokenCertRequestType = "cert_request_type"
	TokenRequestID       = "requestId"
	TokenGroups          = "groups"
	TokenSignerSerial    = "signerSerial"
	TokenSignerSubject   = "signerSubject"
	TokenSelfSigned      = "selfSigned"
)

// Token is the result of a successful authentication: a bag of named
// values read by whatever decides on the request next. A token belongs to
// one request and is not safe for concurrent use.
type Token struct {
	values map[string]interface{}
}

// NewToken returns an empty token.
func NewToken() *Token {
	return &Token{values: map[string]interface{}{}}
}

// Set stores a string value. Empty values are not stored.
func (t *Token) Set(key, value string) {
	if value == "" {
		return
	}
	t.values[key] = value
}

// Get returns a string value. Integer values are formatted in base 10.
func (t *Token) Get(key string) string {
	switch v := t.values[key].(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case *big.Int:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// SetStrings stores a list of strings.
func (t *Token) SetStrings(key string, values []string) {
	t.values[key] = append([]string(nil), values...)
}

// Strings returns a list of strings, or nil.
func (t *Token) Strings(key string) []string {
	v, _ := t.values[key].([]string)
	return v
}

// SetInt stores an integer.
func (t *Token) SetInt(key string, value int) {
	t.values[key] = value
}

// Int returns an integer value and whether it was present.
func (t *Token) Int(key string) (int, bool) {
	v, ok := t.values[key].(int)
	return v, ok
}

// SetBool stores a flag.
func (t *Token) SetBool(key string, value bool) {
	t.values[key] = value
}

// Bool returns a flag, false when absent.
func (t *Token) Bool(key string) bool {
	v, _ := t.values[key].(bool)
	return v
}

// SetBigInt stores a serial number.
func (t *Token) SetBigInt(key string, value *big.Int) {
	t.values[key] = new(big.Int).Set(value)
}

// SetBigInts stores a list of serial numbers.
func (t *Token) SetBigInts(key string, values []*big.Int) {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = new(big.Int).Set(v)
	}
	t.values[key] = out
}

// BigInts returns a list of serial numbers, or nil.
func (t *Token) BigInts(key string) []*big.Int {
	v, _ := t.values[key].([]*big.Int)
	return v
}

// Has reports whether key is set.
func (t *Token) Has(key string) bool {
	_, ok := t.values[key]
	return ok
}

// Keys returns the set keys in sorted order.
func (t *Token) Keys() []string {
	keys := make([]string, 0, len(t.values))
	for k := range t.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON renders the token as a JSON object. Serial numbers are
// rendered as decimal strings so that clients do not lose precision.
func (t *Token) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(t.values))
	for k, v := range t.values {
		switch v := v.(type) {
		case *big.Int:
			out[k] = v.String()
		case []*big.Int:
			serials := make([]string, len(v))
			for i, s := range v {
				serials[i] = s.String()
			}
			out[k] = serials
		default:
			out[k] = v
		}
	}
	return json.Marshal(out)
}
