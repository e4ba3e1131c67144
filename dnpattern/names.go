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
	"crypto/x509/pkix"
	"encoding/asn1"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// attributeTypeNames maps the DN keywords we accept to their OIDs. It is a
// superset of the names crypto/x509/pkix prints.
var attributeTypeNames = map[string]asn1.ObjectIdentifier{
	"C":                      {2, 5, 4, 6},
	"COUNTRYNAME":            {2, 5, 4, 6},
	"O":                      {2, 5, 4, 10},
	"ORGANIZATIONNAME":       {2, 5, 4, 10},
	"OU":                     {2, 5, 4, 11},
	"ORGANIZATIONALUNITNAME": {2, 5, 4, 11},
	"CN":                     {2, 5, 4, 3},
	"COMMONNAME":             {2, 5, 4, 3},
	"SERIALNUMBER":           {2, 5, 4, 5},
	"L":                      {2, 5, 4, 7},
	"LOCALITYNAME":           {2, 5, 4, 7},
	"ST":                     {2, 5, 4, 8},
	"STATEORPROVINCENAME":    {2, 5, 4, 8},
	"STREET":                 {2, 5, 4, 9},
	"STREETADDRESS":          {2, 5, 4, 9},
	"SN":                     {2, 5, 4, 4},
	"SURNAME":                {2, 5, 4, 4},
	"T":                      {2, 5, 4, 12},
	"TITLE":                  {2, 5, 4, 12},
	"POSTALCODE":             {2, 5, 4, 17},
	"GIVENNAME":              {2, 5, 4, 42},
	"INITIALS":               {2, 5, 4, 43},
	"GENERATIONQUALIFIER":    {2, 5, 4, 44},
	"DNQUALIFIER":            {2, 5, 4, 46},
	"PSEUDONYM":              {2, 5, 4, 65},
	"DC":                     {0, 9, 2342, 19200300, 100, 1, 25},
	"DOMAINCOMPONENT":        {0, 9, 2342, 19200300, 100, 1, 25},
	"UID":                    {0, 9, 2342, 19200300, 100, 1, 1},
	"USERID":                 {0, 9, 2342, 19200300, 100, 1, 1},
	"MAIL":                   {0, 9, 2342, 19200300, 100, 1, 3},
	"E":                      {1, 2, 840, 113549, 1, 9, 1},
	"EMAIL":                  {1, 2, 840, 113549, 1, 9, 1},
	"EMAILADDRESS":           {1, 2, 840, 113549, 1, 9, 1},
}

// ResolveAttributeType maps a DN keyword (case-insensitive) or a dotted OID
// to an object identifier.
func ResolveAttributeType(name string) (asn1.ObjectIdentifier, bool) {
	if oid, ok := attributeTypeNames[strings.ToUpper(name)]; ok {
		return oid, true
	}
	return parseDottedOID(strings.TrimPrefix(strings.ToUpper(name), "OID."))
}

func parseDottedOID(s string) (asn1.ObjectIdentifier, bool) {
	arcs := strings.Split(s, ".")
	if len(arcs) < 2 {
		return nil, false
	}
	oid := make(asn1.ObjectIdentifier, 0, len(arcs))
	for _, arc := range arcs {
		if arc == "" || (len(arc) > 1 && arc[0] == '0') {
			return nil, false
		}
		n, err := strconv.Atoi(arc)
		if err != nil || n < 0 {
			return nil, false
		}
		oid = append(oid, n)
	}
	return oid, true
}

// sameAttributeType compares two attribute type names, treating keywords
// and dotted OIDs for the same attribute as equal.
func sameAttributeType(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	oa, okA := ResolveAttributeType(a)
	ob, okB := ResolveAttributeType(b)
	return okA && okB && oa.Equal(ob)
}

// ToRDNSequence parses an RFC 4514 string such as the output of FormDN into
// a pkix.RDNSequence suitable for a certificate request subject. The string
// lists the most specific RDN first, so the sequence comes out reversed.
func ToRDNSequence(dn string) (pkix.RDNSequence, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid distinguished name %q", dn)
	}

	rdns := make(pkix.RDNSequence, 0, len(parsed.RDNs))
	for i := len(parsed.RDNs) - 1; i >= 0; i-- {
		rdn := parsed.RDNs[i]
		atvs := make([]pkix.AttributeTypeAndValue, 0, len(rdn.Attributes))
		for _, atv := range rdn.Attributes {
			oid, ok := ResolveAttributeType(atv.Type)
			if !ok {
				return nil, errors.Errorf("unknown attribute type %q in %q", atv.Type, dn)
			}
			atvs = append(atvs, pkix.AttributeTypeAndValue{Type: oid, Value: atv.Value})
		}
		rdns = append(rdns, atvs)
	}
	return rdns, nil
}
