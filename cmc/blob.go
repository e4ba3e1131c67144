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

package cmc

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

// Header and trailer wrapped around base64 CMC requests by enrollment clients.
const (
	BlobHeader  = "-----BEGIN NEW CERTIFICATE REQUEST-----"
	BlobTrailer = "-----END NEW CERTIFICATE REQUEST-----"
)

// ErrEmptyBlob is returned by ParseBlob when there is nothing to decode.
var ErrEmptyBlob = errors.New("cmc: empty request blob")

// ParseBlob turns a submitted request into DER. If the blob carries the
// request header and trailer they are stripped, otherwise the whole string
// is treated as base64. Whitespace is ignored.
func ParseBlob(blob string) ([]byte, error) {
	body := blob
	if start := strings.Index(body, BlobHeader); start >= 0 {
		end := strings.Index(body, BlobTrailer)
		if end < start {
			return nil, errors.New("cmc: request blob has header without trailer")
		}
		body = body[start+len(BlobHeader) : end]
	}

	body = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, body)
	if body == "" {
		return nil, ErrEmptyBlob
	}

	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, errors.Wrap(err, "cmc: request blob is not valid base64")
	}
	return der, nil
}

// EncodePEM renders DER in the format accepted by ParseBlob.
func EncodePEM(der []byte) string {
	encoded := base64.StdEncoding.EncodeToString(der)

	var sb strings.Builder
	sb.WriteString(BlobHeader)
	sb.WriteByte('\n')
	for len(encoded) > 64 {
		sb.WriteString(encoded[:64])
		sb.WriteByte('\n')
		encoded = encoded[64:]
	}
	if encoded != "" {
		sb.WriteString(encoded)
		sb.WriteByte('\n')
	}
	sb.WriteString(BlobTrailer)
	sb.WriteByte('\n')
	return sb.String()
}
