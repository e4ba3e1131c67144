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
	"errors"
	"fmt"
)

// Kind classifies an authentication failure.
type Kind int

const (
	// KindMissingCredential means a required input was absent. The client
	// should fix the request.
	KindMissingCredential Kind = iota + 1
	// KindInvalidCredentials means a cryptographic or policy check failed.
	KindInvalidCredentials
	// KindInternal means the server could not decide, for example because
	// the request was malformed or a store was unavailable.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindMissingCredential:
		return "missing credential"
	case KindInvalidCredentials:
		return "invalid credentials"
	case KindInternal:
		return "internal error"
	}
	return "unknown"
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrMissingCredential  = &Error{Kind: KindMissingCredential}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is an authentication failure.
type Error struct {
	Kind Kind
	// Credential names the missing credential, for KindMissingCredential.
	Credential string
	Msg        string
	Err        error
}

// Missing reports an absent credential.
func Missing(credential string) *Error {
	return &Error{Kind: KindMissingCredential, Credential: credential}
}

// Invalid reports a failed check.
func Invalid(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidCredentials, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Internal reports a failure that is not the client's fault.
func Internal(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Credential != "" {
		s += " '" + e.Credential + "'"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil && t.Credential == ""
}

// KindOf returns the kind of err, or KindInternal for errors that did not
// come from an authenticator.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
