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
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jesse = MapEntry{
	Name: "UID=jjames,OU=IS,OU=people,O=acme.org",
	Attrs: map[string][]string{
		"cn":   {"Jesse James"},
		"uid":  {"jjames"},
		"mail": {"jjames@acme.org"},
		"ou":   {"IS", "people"},
		"sn":   {"James, Jr."},
	},
}

func TestRDNIndexing(t *testing.T) {
	assert.Equal(t, "OU=IS", MustParse("$rdn.2").FormDN(jesse))
	assert.Equal(t, "OU=people", MustParse("OU=$dn.ou.2").FormDN(jesse))
	assert.Equal(t, "OU=IS", MustParse("OU=$dn.ou").FormDN(jesse))
	assert.Equal(t, "UID=jjames", MustParse("$rdn.1").FormDN(jesse))
	assert.Equal(t, "O=acme.org", MustParse("O=$dn.o.1").FormDN(jesse))
}

func TestDNReferenceMatchesOIDAndKeyword(t *testing.T) {
	entry := MapEntry{Name: "2.5.4.3=Jesse James,O=acme.org"}
	assert.Equal(t, "CN=Jesse James", MustParse("CN=$dn.cn").FormDN(entry))
	assert.Equal(t, "CN=Jesse James", MustParse("CN=$dn.commonName").FormDN(MapEntry{Name: "CN=Jesse James"}))
}

func TestMultiValuedRDN(t *testing.T) {
	entry := MapEntry{Name: "CN=Jesse James+UID=jjames, OU=people, O=acme.org"}

	assert.Equal(t, "CN=Jesse James+UID=jjames", MustParse("$rdn.1").FormDN(entry))
	assert.Equal(t, "UID=jjames", MustParse("UID=$dn.uid").FormDN(entry))
	assert.Equal(t, "OU=people", MustParse("$rdn.2").FormDN(entry))
}

func TestDNValuesCopiedAsFound(t *testing.T) {
	entry := MapEntry{Name: `CN=James\, Jesse,O=acme.org`}
	assert.Equal(t, `CN=James\, Jesse,O=acme.org`, MustParse("CN=$dn.cn,$rdn.2").FormDN(entry))
}

func TestAttributeReferences(t *testing.T) {
	cases := []struct {
		pattern  string
		expected string
	}{
		{"CN=$attr.cn, E=$attr.mail, O=acme.org", "CN=Jesse James,E=jjames@acme.org,O=acme.org"},
		{"CN=$attr.cn+UID=$attr.uid,O=acme.org", "CN=Jesse James+UID=jjames,O=acme.org"},
		{"OU=$attr.ou.2", "OU=people"},
		{"OU=$attr.ou.1,OU=$attr.ou.2", "OU=IS,OU=people"},
		{"CN=$attr.CN", "CN=Jesse James"},
		{"SN=$attr.sn", `SN=James\, Jr.`},
		{" CN = $attr.cn , O = acme.org ", "CN=Jesse James,O=acme.org"},
	}

	for _, c := range cases {
		t.Run(c.pattern, func(t *testing.T) {
			p, err := Parse(c.pattern)
			require.NoError(t, err)
			assert.Equal(t, c.expected, p.FormDN(jesse))
		})
	}
}

func TestMissingComponentsAreDropped(t *testing.T) {
	cases := []struct {
		pattern  string
		expected string
	}{
		{"CN=$attr.cn, OU=$attr.department, O=acme.org", "CN=Jesse James,O=acme.org"},
		{"OU=$attr.department, CN=$attr.cn", "CN=Jesse James"},
		{"CN=$attr.cn, OU=$attr.department", "CN=Jesse James"},
		{"CN=$attr.cn+UID=$attr.employeeNumber", "CN=Jesse James"},
		{"UID=$attr.employeeNumber+CN=$attr.cn", "CN=Jesse James"},
		{"OU=$attr.ou.3, O=acme.org", "O=acme.org"},
		{"CN=$dn.cn, O=acme.org", "O=acme.org"},
		{"OU=$dn.ou.3", ""},
		{"$rdn.9, O=acme.org", "O=acme.org"},
		{"OU=$attr.department+UID=$attr.employeeNumber", ""},
	}

	for _, c := range cases {
		t.Run(c.pattern, func(t *testing.T) {
			out := MustParse(c.pattern).FormDN(jesse)
			assert.Equal(t, c.expected, out)
			assert.NotContains(t, out, ",,")
			assert.NotContains(t, out, "++")
			if out != "" {
				assert.NotRegexp(t, `^[,+]|[,+]$`, out)
			}
		})
	}
}

func TestEmptyEntry(t *testing.T) {
	p := MustParse("$rdn.1, CN=$dn.cn, UID=$attr.uid")
	assert.Equal(t, "", p.FormDN(MapEntry{}))
}

func TestParseErrors(t *testing.T) {
	patterns := []string{
		"",
		"   ",
		"CN",
		"CN=",
		"=foo",
		"XX=foo",
		",CN=a",
		"CN=a,",
		"CN=a,,O=b",
		"CN=a+",
		"+CN=a",
		"CN=$attr",
		"CN=$attr.",
		"CN=$attrx.cn",
		"CN=$attr.cn.",
		"CN=$attr.cn.x",
		"CN=$attr.cn.0",
		"CN=$attr.cn.1.2",
		"CN=$attr.c n",
		"CN=$dn",
		"CN=$dnx.cn",
		"CN=$dn.cn.-1",
		"$rdn",
		"$rdn.",
		"$rdn.x",
		"$rdn.0",
		"$rdn.1.2",
		"CN=a\x01",
		"CN=a\x7f",
		`CN="unterminated`,
		`CN=trailing\`,
	}

	for _, pattern := range patterns {
		t.Run(pattern, func(t *testing.T) {
			_, err := Parse(pattern)
			require.Error(t, err)
			var syntaxErr *SyntaxError
			require.ErrorAs(t, err, &syntaxErr)
			assert.Equal(t, pattern, syntaxErr.Pattern)
		})
	}
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("CN") })
}

func TestPatternString(t *testing.T) {
	p := MustParse(" CN = $attr.cn + UID=$attr.uid.2 , OU=$dn.ou.2, $rdn.3, O=acme.org")
	assert.Equal(t, "CN=$attr.cn.1+UID=$attr.uid.2,OU=$dn.ou.2,$rdn.3,O=acme.org", p.String())

	reparsed, err := Parse(p.String())
	require.NoError(t, err)
	assert.Equal(t, p.FormDN(jesse), reparsed.FormDN(jesse))

	require.Len(t, p.RDNs(), 4)
	assert.Len(t, p.RDNs()[0].AVAs(), 2)
}

func TestAttributes(t *testing.T) {
	p := MustParse("CN=$attr.cn+UID=$attr.uid, OU=$attr.CN, OU=$dn.ou, E=$attr.mail")
	assert.Equal(t, []string{"cn", "uid", "mail"}, p.Attributes())
	assert.Empty(t, MustParse("$rdn.1").Attributes())
}

func TestQuotedConstant(t *testing.T) {
	p := MustParse(`O="Acme, Inc.", C=US`)
	assert.Equal(t, `O="Acme, Inc.",C=US`, p.FormDN(jesse))
}

func TestEscapeValue(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"plain", "plain"},
		{"a,b", `a\,b`},
		{"a+b=c", `a\+b\=c`},
		{"<x>;", `\<x\>\;`},
		{"#1", `\#1`},
		{`back\slash`, `back\\slash`},
		{`say "hi`, `say \"hi`},
		{" padded ", `\ padded\ `},
		{`already\, escaped`, `already\, escaped`},
		{`hex\2Cpair`, `hex\2Cpair`},
		{`"quoted, value"`, `"quoted, value"`},
		{`"odd"quote"`, `\"odd\"quote\"`},
		{"", ""},
	}

	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			assert.Equal(t, c.out, EscapeValue(c.in))
			assert.Equal(t, c.out, EscapeValue(EscapeValue(c.in)), "escaping must be idempotent")
		})
	}
}

func TestEscapedValuesParse(t *testing.T) {
	for _, value := range []string{"James, Jr.", "a+b", "x#y", `q"q`, `back\slash`} {
		dn := "CN=" + EscapeValue(value)
		parsed, err := ldap.ParseDN(dn)
		require.NoError(t, err, dn)
		require.Len(t, parsed.RDNs, 1, dn)
		assert.Equal(t, value, parsed.RDNs[0].Attributes[0].Value, dn)
	}
}

func TestLDAPEntry(t *testing.T) {
	entry := LDAPEntry(ldap.NewEntry("uid=jjames,ou=people,o=acme.org", map[string][]string{
		"cn":  {"Jesse James"},
		"uid": {"jjames"},
	}))

	assert.Equal(t, "uid=jjames,ou=people,o=acme.org", entry.DN())
	assert.Equal(t, []string{"Jesse James"}, entry.AttributeValues("CN"))

	p := MustParse("CN=$attr.cn, UID=$dn.uid, $rdn.2, O=acme.org")
	assert.Equal(t, "CN=Jesse James,UID=jjames,ou=people,O=acme.org", p.FormDN(entry))
}

func TestResolveAttributeType(t *testing.T) {
	oid, ok := ResolveAttributeType("cn")
	require.True(t, ok)
	assert.Equal(t, "2.5.4.3", oid.String())

	oid, ok = ResolveAttributeType("OID.0.9.2342.19200300.100.1.1")
	require.True(t, ok)
	assert.Equal(t, "0.9.2342.19200300.100.1.1", oid.String())

	_, ok = ResolveAttributeType("frobnicator")
	assert.False(t, ok)
	_, ok = ResolveAttributeType("1.02")
	assert.False(t, ok)
}

func TestToRDNSequence(t *testing.T) {
	dn := MustParse("CN=$attr.cn, O=acme.org").FormDN(jesse)

	rdns, err := ToRDNSequence(dn)
	require.NoError(t, err)
	assert.Equal(t, "CN=Jesse James,O=acme.org", rdns.String())

	var name pkix.Name
	name.FillFromRDNSequence(&rdns)
	assert.Equal(t, "Jesse James", name.CommonName)
	assert.Equal(t, []string{"acme.org"}, name.Organization)

	_, err = ToRDNSequence("FROB=x")
	assert.Error(t, err)
}
