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

package testpki

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	jceksMagic          uint32 = 0xcececece
	jceksVersion        uint32 = 2
	trustedCertEntryTag uint32 = 2
	jceksIntegrityMagic        = "Mighty Aphrodite"
)

// WriteTrustStore writes certs as trusted certificate entries of a JCEKS
// keystore protected by password and returns its path. Aliases must be
// ASCII.
func WriteTrustStore(t testing.TB, dir, name, password string, certs map[string]*x509.Certificate) string {
	aliases := make([]string, 0, len(certs))
	for alias := range certs {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	var buf bytes.Buffer
	write := func(v interface{}) {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, v))
	}
	writeString := func(s string) {
		write(uint16(len(s)))
		buf.WriteString(s)
	}

	write(jceksMagic)
	write(jceksVersion)
	write(uint32(len(aliases)))
	for _, alias := range aliases {
		write(trustedCertEntryTag)
		writeString(alias)
		write(time.Now().UnixMilli())
		writeString("X.509")
		write(uint32(len(certs[alias].Raw)))
		buf.Write(certs[alias].Raw)
	}

	// SHA-1 over the UTF-16 password, a fixed phrase and the contents.
	digest := sha1.New()
	for _, r := range password {
		require.LessOrEqual(t, r, rune(0xffff), "password must stay in the basic multilingual plane")
		_ = binary.Write(digest, binary.BigEndian, uint16(r))
	}
	digest.Write([]byte(jceksIntegrityMagic))
	digest.Write(buf.Bytes())
	buf.Write(digest.Sum(nil))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600), "writing %s", name)
	return path
}
