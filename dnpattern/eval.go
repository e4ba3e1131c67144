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

package dnpattern

import "strings"

// FormDN evaluates the pattern against an entry. References that resolve
// to nothing are dropped together with their separator, and an RDN whose
// every AVA was dropped disappears entirely. The result may be empty.
func (p *Pattern) FormDN(e Entry) string {
	rdns := make([]string, 0, len(p.rdns))
	for _, rdn := range p.rdns {
		if s := rdn.FormRDN(e); s != "" {
			rdns = append(rdns, s)
		}
	}
	return strings.Join(rdns, ",")
}

// FormRDN evaluates one RDN, joining the surviving AVAs with '+'.
func (r *RDNPattern) FormRDN(e Entry) string {
	avas := make([]string, 0, len(r.avas))
	for _, ava := range r.avas {
		if s, ok := ava.FormAVA(e); ok {
			avas = append(avas, s)
		}
	}
	return strings.Join(avas, "+")
}

// FormAVA evaluates one AVA. The second result is false when a reference
// resolves to nothing.
func (a *AVAPattern) FormAVA(e Entry) (string, bool) {
	switch a.kind {
	case avaConstant:
		return a.typ + "=" + a.value, true

	case avaAttr:
		values := e.AttributeValues(a.attr)
		if a.index >= len(values) || values[a.index] == "" {
			return "", false
		}
		return a.typ + "=" + EscapeValue(values[a.index]), true

	case avaDN:
		seen := 0
		for _, rdn := range explodeDN(e.DN()) {
			for _, ava := range rdn {
				if !sameAttributeType(ava.typ, a.attr) {
					continue
				}
				if seen == a.index {
					return a.typ + "=" + ava.value, true
				}
				seen++
			}
		}
		return "", false

	case avaRDN:
		rdns, ok := split(e.DN(), ',')
		if !ok || strings.TrimSpace(e.DN()) == "" || a.index >= len(rdns) {
			return "", false
		}
		rdn := trimSpace(rdns[a.index])
		return rdn, rdn != ""
	}
	return "", false
}

type rawAVA struct {
	typ   string
	value string
}

// explodeDN splits a DN string into RDNs and AVAs without unescaping the
// values, so that they can be copied into a new DN exactly as found.
// Malformed input yields nil.
func explodeDN(dn string) [][]rawAVA {
	if strings.TrimSpace(dn) == "" {
		return nil
	}
	rdnStrs, ok := split(dn, ',')
	if !ok {
		return nil
	}
	out := make([][]rawAVA, 0, len(rdnStrs))
	for _, rdnStr := range rdnStrs {
		avaStrs, _ := split(rdnStr, '+')
		rdn := make([]rawAVA, 0, len(avaStrs))
		for _, avaStr := range avaStrs {
			eq := indexUnescaped(avaStr, '=')
			if eq < 0 {
				return nil
			}
			rdn = append(rdn, rawAVA{typ: trimSpace(avaStr[:eq]), value: trimSpace(avaStr[eq+1:])})
		}
		out = append(out, rdn)
	}
	return out
}
