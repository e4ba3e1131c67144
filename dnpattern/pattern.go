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

// Package dnpattern builds distinguished names from templates that refer
// to the attributes and DN of a directory entry.
package dnpattern

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Keywords that introduce a reference in a pattern.
const (
	keywordAttr = "$attr"
	keywordDN   = "$dn"
	keywordRDN  = "$rdn"
)

// SyntaxError is returned when a pattern cannot be compiled.
type SyntaxError struct {
	Pattern string
	Msg     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("dnpattern: %s in %q", e.Msg, e.Pattern)
}

// Pattern is a compiled DN template: RDN patterns joined by ','.
// A Pattern is immutable and safe for concurrent use.
type Pattern struct {
	rdns []*RDNPattern
}

// RDNPattern is one RDN of a template: AVA patterns joined by '+'.
type RDNPattern struct {
	avas []*AVAPattern
}

type avaKind int

const (
	avaConstant avaKind = iota
	avaAttr
	avaDN
	avaRDN
)

// AVAPattern is a single attribute value assertion of a template. It is
// either a constant, a $attr or $dn reference, or a whole $rdn.
type AVAPattern struct {
	kind avaKind
	// Attribute type the AVA produces, as written in the pattern.
	typ string
	// Constant value.
	value string
	// Attribute referenced by $attr or $dn.
	attr string
	// Zero-based value, occurrence or RDN index.
	index int
}

// Parse compiles a pattern such as
//
//	CN=$attr.cn, OU=$dn.ou.2, O=acme.org
//
// Whitespace around tokens is ignored. The optional numeric suffix of a
// reference is one-based and defaults to 1.
func Parse(pattern string) (*Pattern, error) {
	fail := func(format string, args ...interface{}) error {
		return &SyntaxError{Pattern: pattern, Msg: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(pattern) == "" {
		return nil, fail("empty pattern")
	}
	for i := 0; i < len(pattern); i++ {
		if c := pattern[i]; c < 0x20 || c == 0x7f {
			return nil, fail("control character at offset %d", i)
		}
	}

	rdnStrs, ok := split(pattern, ',')
	if !ok {
		return nil, fail("unterminated quote or trailing escape")
	}

	p := &Pattern{}
	for _, rdnStr := range rdnStrs {
		if trimSpace(rdnStr) == "" {
			return nil, fail("empty RDN")
		}
		avaStrs, _ := split(rdnStr, '+')
		rdn := &RDNPattern{}
		for _, avaStr := range avaStrs {
			avaStr = trimSpace(avaStr)
			if avaStr == "" {
				return nil, fail("empty AVA in %q", trimSpace(rdnStr))
			}
			ava, msg := parseAVA(avaStr)
			if msg != "" {
				return nil, fail("%s", msg)
			}
			rdn.avas = append(rdn.avas, ava)
		}
		p.rdns = append(p.rdns, rdn)
	}
	return p, nil
}

// MustParse is like Parse but panics on error.
func MustParse(pattern string) *Pattern {
	p, err := Parse(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// parseAVA returns a non-empty message on failure.
func parseAVA(s string) (*AVAPattern, string) {
	if strings.HasPrefix(s, keywordRDN) {
		parts := strings.Split(s[len(keywordRDN):], ".")
		if trimSpace(parts[0]) != "" {
			return nil, fmt.Sprintf("malformed %s reference %q", keywordRDN, s)
		}
		n, msg := parseIndex(parts[1:], s, true)
		if msg != "" {
			return nil, msg
		}
		return &AVAPattern{kind: avaRDN, index: n}, ""
	}

	eq := indexUnescaped(s, '=')
	if eq < 0 {
		return nil, fmt.Sprintf("missing '=' in %q", s)
	}
	typ, value := trimSpace(s[:eq]), trimSpace(s[eq+1:])
	if typ == "" {
		return nil, fmt.Sprintf("missing attribute type in %q", s)
	}
	if _, ok := ResolveAttributeType(typ); !ok {
		return nil, fmt.Sprintf("unknown attribute type %q", typ)
	}

	for _, kw := range []struct {
		keyword string
		kind    avaKind
	}{{keywordAttr, avaAttr}, {keywordDN, avaDN}} {
		if !strings.HasPrefix(value, kw.keyword) {
			continue
		}
		parts := strings.Split(value[len(kw.keyword):], ".")
		// Anything between the keyword and the first dot is malformed.
		if len(parts) < 2 || trimSpace(parts[0]) != "" {
			return nil, fmt.Sprintf("malformed %s reference %q", kw.keyword, value)
		}
		attr := trimSpace(parts[1])
		if !validAttributeName(attr) {
			return nil, fmt.Sprintf("invalid attribute name %q in %q", attr, value)
		}
		n, msg := parseIndex(parts[2:], value, false)
		if msg != "" {
			return nil, msg
		}
		return &AVAPattern{kind: kw.kind, typ: typ, attr: attr, index: n}, ""
	}

	if value == "" {
		return nil, fmt.Sprintf("missing value in %q", s)
	}
	if isQuoted(value) {
		return &AVAPattern{kind: avaConstant, typ: typ, value: value}, ""
	}
	if _, err := ldap.ParseDN(typ + "=" + value); err != nil {
		return nil, fmt.Sprintf("invalid value in %q: %s", s, err)
	}
	return &AVAPattern{kind: avaConstant, typ: typ, value: value}, ""
}

// parseIndex reads the optional numeric suffix of a reference. The
// suffix is mandatory for $rdn.
func parseIndex(tokens []string, ref string, required bool) (int, string) {
	switch {
	case len(tokens) == 0 && required:
		return 0, fmt.Sprintf("missing number in %q", ref)
	case len(tokens) == 0:
		return 0, ""
	case len(tokens) > 1:
		return 0, fmt.Sprintf("malformed reference %q", ref)
	}

	digits := trimSpace(tokens[0])
	if digits == "" {
		return 0, fmt.Sprintf("missing number in %q", ref)
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Sprintf("invalid number %q in %q", digits, ref)
	}
	if n < 1 {
		return 0, fmt.Sprintf("index must be at least 1 in %q", ref)
	}
	return n - 1, ""
}

// validAttributeName accepts an LDAP attribute descriptor.
func validAttributeName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == ';'):
		default:
			return false
		}
	}
	return true
}

// Attributes lists the directory attributes referenced by $attr, in order
// of first use. It is the attribute list a directory search needs to fetch.
func (p *Pattern) Attributes() []string {
	seen := map[string]bool{}
	var out []string
	for _, rdn := range p.rdns {
		for _, ava := range rdn.avas {
			key := strings.ToLower(ava.attr)
			if ava.kind == avaAttr && !seen[key] {
				seen[key] = true
				out = append(out, ava.attr)
			}
		}
	}
	return out
}

// RDNs returns the RDN patterns in declared order.
func (p *Pattern) RDNs() []*RDNPattern {
	return append([]*RDNPattern(nil), p.rdns...)
}

func (p *Pattern) String() string {
	parts := make([]string, len(p.rdns))
	for i, rdn := range p.rdns {
		parts[i] = rdn.String()
	}
	return strings.Join(parts, ",")
}

// AVAs returns the AVA patterns in declared order.
func (r *RDNPattern) AVAs() []*AVAPattern {
	return append([]*AVAPattern(nil), r.avas...)
}

func (r *RDNPattern) String() string {
	parts := make([]string, len(r.avas))
	for i, ava := range r.avas {
		parts[i] = ava.String()
	}
	return strings.Join(parts, "+")
}

func (a *AVAPattern) String() string {
	switch a.kind {
	case avaAttr:
		return fmt.Sprintf("%s=%s.%s.%d", a.typ, keywordAttr, a.attr, a.index+1)
	case avaDN:
		return fmt.Sprintf("%s=%s.%s.%d", a.typ, keywordDN, a.attr, a.index+1)
	case avaRDN:
		return fmt.Sprintf("%s.%d", keywordRDN, a.index+1)
	}
	return a.typ + "=" + a.value
}

// split cuts s at every sep that is neither escaped nor inside quotes. The
// second result is false if a quote is left open or s ends in a lone
// backslash.
func split(s string, sep byte) ([]string, bool) {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\':
			if i == len(s)-1 {
				return append(parts, s[start:]), false
			}
			i++
		case c == '"':
			inQuote = !inQuote
		case c == sep && !inQuote:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:]), !inQuote
}

func indexUnescaped(s string, c byte) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			inQuote = !inQuote
		case c:
			if !inQuote {
				return i
			}
		}
	}
	return -1
}

// trimSpace strips unescaped spaces from both ends.
func trimSpace(s string) string {
	s = strings.TrimLeft(s, " ")
	for strings.HasSuffix(s, " ") {
		// Count the backslashes before the final space; an odd count
		// means it is escaped and belongs to the value.
		n := 0
		for i := len(s) - 2; i >= 0 && s[i] == '\\'; i-- {
			n++
		}
		if n%2 == 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
