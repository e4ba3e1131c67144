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

package dirauth

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"

	"github.com/ghostunnel/cmcauth/audit"
	"github.com/ghostunnel/cmcauth/auth"
	"github.com/go-ldap/ldap/v3"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectory serves searches from a fixed set of entries.
type fakeDirectory struct {
	entries   []*ldap.Entry
	passwords map[string]string
	searchErr error

	binds    []string
	searches []*ldap.SearchRequest
	closed   int
}

func (d *fakeDirectory) Bind(username, password string) error {
	d.binds = append(d.binds, username)
	if want, ok := d.passwords[username]; ok && want == password {
		return nil
	}
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func (d *fakeDirectory) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	d.searches = append(d.searches, req)
	if d.searchErr != nil {
		return nil, d.searchErr
	}
	result := &ldap.SearchResult{}
	for _, e := range d.entries {
		if req.Filter == "(uid="+e.GetAttributeValue("uid")+")" {
			result.Entries = append(result.Entries, e)
		}
	}
	return result, nil
}

func (d *fakeDirectory) Close() error {
	d.closed++
	return nil
}

type sink struct {
	events []audit.Event
}

func (s *sink) Append(e audit.Event) {
	s.events = append(s.events, e)
}

const jesseDN = "uid=jjames,ou=people,o=acme.org,c=US"

func newDirectory() *fakeDirectory {
	return &fakeDirectory{
		entries: []*ldap.Entry{
			ldap.NewEntry(jesseDN, map[string][]string{
				"uid":  {"jjames"},
				"cn":   {"Jesse James"},
				"mail": {"jesse@acme.org", "jj@acme.org"},
				"ou":   {"Outlaws, Inc."},
			}),
		},
		passwords: map[string]string{
			jesseDN:                "bang",
			"cn=search,o=acme.org": "search-secret",
		},
	}
}

func newAuthenticator(t *testing.T, dir *fakeDirectory, config Config) (*Authenticator, *sink, metrics.Registry) {
	s := &sink{}
	registry := metrics.NewRegistry()
	if config.BaseDN == "" {
		config.BaseDN = "o=acme.org,c=US"
	}
	a, err := New(config, Options{
		Dial:    func(context.Context) (Conn, error) { return dir, nil },
		Audit:   s,
		Metrics: registry,
	})
	require.NoError(t, err)
	return a, s, registry
}

func TestAuthenticate(t *testing.T) {
	dir := newDirectory()
	a, s, registry := newAuthenticator(t, dir, Config{
		SearchDN:       "cn=search,o=acme.org",
		SearchPassword: "search-secret",
		DNPattern:      "UID=$attr.uid, E=$attr.mail.1, CN=$attr.cn, OU=$attr.ou, O=$dn.o, C=$dn.c",
		Attributes:     []string{"mail", "telephoneNumber"},
	})

	tok, err := a.Authenticate(context.Background(), auth.Credentials{auth.CredUID: "jjames", auth.CredPassword: "bang"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "UID=jjames,E=jesse@acme.org,CN=Jesse James,OU=Outlaws\\, Inc.,O=acme.org,C=US", tok.Get(auth.TokenCertSubject))
	assert.Equal(t, "jjames", tok.Get(auth.TokenUID))
	assert.Equal(t, jesseDN, tok.Get(auth.TokenUserDN))
	assert.Equal(t, "directory", tok.Get(auth.TokenAuthManager))
	assert.Equal(t, []string{"jesse@acme.org", "jj@acme.org"}, tok.Strings("mail"))
	assert.False(t, tok.Has("telephoneNumber"))

	assert.Equal(t, []string{"cn=search,o=acme.org", jesseDN}, dir.binds)
	require.Len(t, dir.searches, 1)
	assert.Equal(t, "o=acme.org,c=US", dir.searches[0].BaseDN)
	assert.ElementsMatch(t, []string{"uid", "mail", "cn", "ou", "telephoneNumber"}, dir.searches[0].Attributes)
	assert.Equal(t, 1, dir.closed)

	require.Len(t, s.events, 1)
	assert.Equal(t, audit.Success, s.events[0].Outcome)
	assert.Equal(t, "jjames", s.events[0].SubjectID)
	assert.Equal(t, int64(1), registry.Get("auth.directory.success").(metrics.Counter).Count())
}

func TestAuthenticateFailures(t *testing.T) {
	tests := []struct {
		name  string
		creds auth.Credentials
		setup func(*fakeDirectory)
		want  error
	}{
		{"no uid", auth.Credentials{auth.CredPassword: "bang"}, nil, auth.ErrMissingCredential},
		{"empty password", auth.Credentials{auth.CredUID: "jjames", auth.CredPassword: ""}, nil, auth.ErrMissingCredential},
		{"wrong password", auth.Credentials{auth.CredUID: "jjames", auth.CredPassword: "miss"}, nil, auth.ErrInvalidCredentials},
		{"unknown user", auth.Credentials{auth.CredUID: "bford", auth.CredPassword: "bang"}, nil, auth.ErrInvalidCredentials},
		{"ambiguous user", auth.Credentials{auth.CredUID: "jjames", auth.CredPassword: "bang"}, func(d *fakeDirectory) {
			d.entries = append(d.entries, ldap.NewEntry("uid=jjames,ou=alumni,o=acme.org,c=US", map[string][]string{"uid": {"jjames"}}))
		}, auth.ErrInvalidCredentials},
		{"missing base", auth.Credentials{auth.CredUID: "jjames", auth.CredPassword: "bang"}, func(d *fakeDirectory) {
			d.searchErr = ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
		}, auth.ErrInvalidCredentials},
		{"directory down", auth.Credentials{auth.CredUID: "jjames", auth.CredPassword: "bang"}, func(d *fakeDirectory) {
			d.searchErr = ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset"))
		}, auth.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newDirectory()
			if tt.setup != nil {
				tt.setup(dir)
			}
			a, s, _ := newAuthenticator(t, dir, Config{})
			tok, err := a.Authenticate(context.Background(), tt.creds, nil)
			assert.Nil(t, tok)
			assert.ErrorIs(t, err, tt.want)
			require.Len(t, s.events, 1)
			assert.Equal(t, audit.Failure, s.events[0].Outcome)
		})
	}
}

func TestEmptyPasswordNeverBinds(t *testing.T) {
	dir := newDirectory()
	dir.passwords[jesseDN] = ""
	a, _, _ := newAuthenticator(t, dir, Config{})

	_, err := a.Authenticate(context.Background(), auth.Credentials{auth.CredUID: "jjames"}, nil)
	assert.ErrorIs(t, err, auth.ErrMissingCredential)
	assert.Empty(t, dir.binds)
}

func TestSearchFilterIsEscaped(t *testing.T) {
	dir := newDirectory()
	a, _, _ := newAuthenticator(t, dir, Config{})

	_, err := a.Authenticate(context.Background(), auth.Credentials{auth.CredUID: "*)(uid=*", auth.CredPassword: "x"}, nil)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	require.Len(t, dir.searches, 1)
	assert.Equal(t, `(uid=\2a\29\28uid=\2a)`, dir.searches[0].Filter)
}

func TestDialFailure(t *testing.T) {
	a, err := New(Config{BaseDN: "o=acme.org"}, Options{
		Dial: func(context.Context) (Conn, error) { return nil, errors.New("connection refused") },
	})
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), auth.Credentials{auth.CredUID: "jjames", auth.CredPassword: "bang"}, nil)
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, Options{})
	assert.Error(t, err, "base DN is required")

	_, err = New(Config{BaseDN: "o=acme.org"}, Options{})
	assert.Error(t, err, "URL is required without a dialer")

	_, err = New(Config{BaseDN: "o=acme.org", URL: "ldap://localhost", DNPattern: "CN=$attr"}, Options{})
	assert.Error(t, err, "bad pattern")

	a, err := New(Config{BaseDN: "o=acme.org", URL: "ldap://localhost"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{auth.CredUID, auth.CredPassword}, a.RequiredCredentials())
	assert.Equal(t, "directory", a.Name())
}

func TestStartTLSConfigNamesServer(t *testing.T) {
	a, err := New(Config{BaseDN: "o=acme.org", URL: "ldap://ldap.acme.org:389", StartTLS: true}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ldap.acme.org", a.startTLSConfig("ldap://ldap.acme.org:389").ServerName)

	a, err = New(Config{BaseDN: "o=acme.org", URL: "ldap://10.0.0.1", TLS: &tls.Config{ServerName: "ldap.internal"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ldap.internal", a.startTLSConfig("ldap://10.0.0.1").ServerName)
}
