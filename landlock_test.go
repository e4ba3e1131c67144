//go:build linux

/*-
 * Copyright 2024, Ghostunnel
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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLandlockRuleFromAddress(t *testing.T) {
	testCases := []struct {
		addr  string
		valid bool
	}{
		{"unix:/tmp/test", false}, // covered by a filesystem rule
		{"systemd:test", false},
		{"launchd:test", false},
		{"1.2.3.4:5", true},
		{"[1fff:0:a88:85a3::ac1f]:8001", true},
		{"localhost:8443", true},
		{":8443", true},
		{"foobar", false},
		{"foobar:foobar", false},
		{"foobar:100000000000", false},
		{"foobar:0", false},
		{"", false},
	}
	for _, tc := range testCases {
		rule := ruleFromAddress(tc.addr, bindPort)
		if tc.valid {
			assert.NotNil(t, rule, "no rule for valid input %q", tc.addr)
		} else {
			assert.Nil(t, rule, "rule for invalid input %q", tc.addr)
		}
	}
}

func TestLandlockRuleFromURL(t *testing.T) {
	testCases := []struct {
		url   string
		valid bool
	}{
		{"http://127.0.0.1:8001/something", true},
		{"https://[1fff:0:a88:85a3::ac1f]:8001/something", true},
		{"https://metrics.acme.org", true},
		{"ldap://ldap.acme.org", true},
		{"ldaps://ldap.acme.org:3269", true},
		{"ftp://files.acme.org", false},
		{"http://127.0.0.1:0/something", false},
		{"https://127.0.0.1:1000000000/something", false},
		{"http://_:_!", false},
	}
	for _, tc := range testCases {
		rule := ruleFromURL(tc.url)
		if tc.valid {
			assert.NotNil(t, rule, "no rule for valid input %q", tc.url)
		} else {
			assert.Nil(t, rule, "rule for invalid input %q", tc.url)
		}
	}
}

func TestLandlockReadOnlyDirs(t *testing.T) {
	resetFlags()
	defer resetFlags()

	certs := t.TempDir()
	policies := t.TempDir()
	links := t.TempDir()

	ca := filepath.Join(certs, "ca.pem")
	crl := filepath.Join(certs, "ca.crl")
	rego := filepath.Join(policies, "agents.rego")
	for _, path := range []string{ca, crl, rego} {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	}
	link := filepath.Join(links, "agents.rego")
	require.NoError(t, os.Symlink(rego, link))

	*trustAnchorPaths = []string{ca}
	*crlPaths = []string{crl, filepath.Join(certs, "missing.crl")}
	*agentPolicyPath = link

	dirs := readOnlyDirs()
	resolved, err := filepath.EvalSymlinks(policies)
	require.NoError(t, err)
	assert.Contains(t, dirs, certs)
	assert.Contains(t, dirs, links)
	assert.Contains(t, dirs, resolved)
	assert.Len(t, dirs, 3)
}
