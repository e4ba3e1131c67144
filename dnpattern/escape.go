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

const specials = ",=+<>#;\"\\"

// EscapeValue makes an attribute value safe to embed in a DN string.
// Values that are already escaped are left alone, so escaping twice is
// the same as escaping once. A value wrapped in balanced double quotes is
// returned unchanged.
func EscapeValue(value string) string {
	if value == "" || isQuoted(value) {
		return value
	}

	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == '\\' && validEscape(value[i+1:]):
			n := 2
			if !strings.ContainsRune(specials+" ", rune(value[i+1])) {
				n = 3
			}
			b.WriteString(value[i : i+n])
			i += n - 1
		case strings.IndexByte(specials, c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == ' ' && (i == 0 || i == len(value)-1):
			b.WriteString(`\ `)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// validEscape reports whether rest, the text after a backslash, starts
// with something a backslash may legally escape.
func validEscape(rest string) bool {
	if rest == "" {
		return false
	}
	if strings.IndexByte(specials+" ", rest[0]) >= 0 {
		return true
	}
	return len(rest) >= 2 && isHex(rest[0]) && isHex(rest[1])
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// isQuoted reports whether s is a single double-quoted string with no
// unescaped quote inside.
func isQuoted(s string) bool {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return false
	}
	inner := s[1 : len(s)-1]
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '\\':
			if i == len(inner)-1 {
				return false
			}
			i++
		case '"':
			return false
		}
	}
	return true
}
