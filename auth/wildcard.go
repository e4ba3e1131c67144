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
	"strings"
)

var (
	errEmptyPattern          = errors.New("URI pattern is empty")
	errInvalidWildcard       = errors.New("wildcard '*' must be a whole path segment")
	errInvalidDoubleWildcard = errors.New("wildcard '**' can only appear at end of pattern")
)

// uriPattern matches URIs segment by segment, splitting on '/'. A '*'
// segment matches any non-empty segment; a final '**' matches whatever
// follows, including nothing. A trailing slash is ignored on both sides,
// so "spiffe://acme/ra" and "spiffe://acme/ra/" are equivalent.
type uriPattern struct {
	segments []string
	rest     bool
}

func compileURIPattern(pattern string) (*uriPattern, error) {
	if pattern == "" {
		return nil, errEmptyPattern
	}

	segments := splitURI(pattern)
	p := &uriPattern{}
	for i, segment := range segments {
		switch {
		case segment == "**":
			if i != len(segments)-1 {
				return nil, errInvalidDoubleWildcard
			}
			p.rest = true
			return p, nil
		case segment != "*" && strings.Contains(segment, "*"):
			return nil, errInvalidWildcard
		}
		p.segments = append(p.segments, segment)
	}
	return p, nil
}

func splitURI(s string) []string {
	if len(s) > 1 {
		s = strings.TrimSuffix(s, "/")
	}
	return strings.Split(s, "/")
}

func (p *uriPattern) matches(uri string) bool {
	segments := splitURI(uri)
	if len(segments) < len(p.segments) || (!p.rest && len(segments) != len(p.segments)) {
		return false
	}
	for i, want := range p.segments {
		switch {
		case want == "*":
			if segments[i] == "" {
				return false
			}
		case want != segments[i]:
			return false
		}
	}
	return true
}
