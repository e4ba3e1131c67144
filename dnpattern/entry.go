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

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Entry is the directory entry a pattern is evaluated against.
type Entry interface {
	// DN is the entry's distinguished name, most specific RDN first.
	DN() string
	// AttributeValues returns the values of an attribute, matching the
	// name case-insensitively. Missing attributes return nil.
	AttributeValues(name string) []string
}

// MapEntry is an Entry backed by a map.
type MapEntry struct {
	Name  string
	Attrs map[string][]string
}

func (e MapEntry) DN() string { return e.Name }

func (e MapEntry) AttributeValues(name string) []string {
	if values, ok := e.Attrs[name]; ok {
		return values
	}
	for key, values := range e.Attrs {
		if strings.EqualFold(key, name) {
			return values
		}
	}
	return nil
}

// LDAPEntry adapts a search result entry.
func LDAPEntry(entry *ldap.Entry) Entry {
	return ldapEntry{entry}
}

type ldapEntry struct {
	entry *ldap.Entry
}

func (e ldapEntry) DN() string { return e.entry.DN }

func (e ldapEntry) AttributeValues(name string) []string {
	return e.entry.GetEqualFoldAttributeValues(name)
}
