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

package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ghostunnel/cmcauth/audit"
	"github.com/ghostunnel/cmcauth/auth"
	"github.com/ghostunnel/cmcauth/certloader"
	"github.com/ghostunnel/cmcauth/cmc"
	"github.com/ghostunnel/cmcauth/dnpattern"
	metrics "github.com/rcrowley/go-metrics"
)

type verifyResult struct {
	RequestID string      `json:"requestId"`
	Token     *auth.Token `json:"token"`
}

// verify authenticates a request file with the configured CMC
// authenticator and prints the token.
func verify(out io.Writer) error {
	if *authenticatorKind == authDirectory {
		return fmt.Errorf("verify only supports CMC authenticators")
	}

	sink := audit.NewLog(zapLogger.Named("audit"), 0, nil)
	ctx, err := buildContext(sink, metrics.NewRegistry())
	if err != nil {
		_ = sink.Close()
		return err
	}
	ctx.closers = append([]io.Closer{sink}, ctx.closers...)
	defer ctx.Close()

	blob, err := os.ReadFile(*verifyRequestPath)
	if err != nil {
		return err
	}

	session := auth.NewSession(ctx.tokens.NewContext())
	if *verifyClientCert != "" {
		session.PeerCertificates, err = certloader.ReadCertificates(*verifyClientCert)
		if err != nil {
			return err
		}
	}

	tok, err := ctx.authenticator.Authenticate(context.Background(), auth.Credentials{auth.CredCMCRequest: string(blob)}, session)
	if err != nil {
		return fmt.Errorf("request %s rejected: %w", session.RequestID, err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(verifyResult{RequestID: session.RequestID, Token: tok})
}

// request builds a CMC request from the request flags and writes it in
// the submission format.
func request() error {
	var (
		key    crypto.Signer
		leaf   *x509.Certificate
		chain  []*x509.Certificate
		closer io.Closer
	)
	if !*requestUnsigned {
		var err error
		key, leaf, chain, closer, err = requestSigner()
		if err != nil {
			return err
		}
		if closer != nil {
			defer closer.Close()
		}
	}

	builder := cmc.NewPKIDataBuilder()
	for _, path := range *requestCSRPaths {
		csr, err := readCSR(path)
		if err != nil {
			return err
		}
		if _, err := builder.AddPKCS10(csr); err != nil {
			return err
		}
	}
	if len(*requestRevoke) > 0 {
		reqs, err := revokeRequests(leaf)
		if err != nil {
			return err
		}
		if err := builder.AddRevokeRequests(reqs...); err != nil {
			return err
		}
	}

	content, err := builder.Bytes()
	if err != nil {
		return err
	}

	var der []byte
	if *requestUnsigned {
		der, err = cmc.Wrap(content)
	} else {
		der, err = cmc.Sign(content, cmc.Signer{
			Key:         key,
			Hash:        hashByName(*requestHash),
			Certificate: leaf,
			Chain:       append([]*x509.Certificate{leaf}, chain...),
		})
	}
	if err != nil {
		return err
	}

	encoded := cmc.EncodePEM(der)
	if *requestOutput == "" || *requestOutput == "-" {
		_, err = io.WriteString(os.Stdout, encoded)
		return err
	}
	return os.WriteFile(*requestOutput, []byte(encoded), 0o644)
}

// requestSigner loads the signing key named by the flags. The closer, if
// any, releases a PKCS#11 session.
func requestSigner() (crypto.Signer, *x509.Certificate, []*x509.Certificate, io.Closer, error) {
	if *pkcs11Module != "" {
		hsm, cert, err := openPKCS11()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return hsm.Signer(), cert, nil, hsm, nil
	}

	var (
		cert certloader.Certificate
		err  error
	)
	if *requestKeystore != "" {
		cert, err = certloader.CertificateFromKeystore(*requestKeystore, *requestStorePass)
	} else {
		cert, err = certloader.CertificateFromPEMFiles(*requestCertPath, *requestKeyPath)
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}
	key, leaf, chain := cert.Signer()
	return key, leaf, chain, nil, nil
}

func revokeRequests(signer *x509.Certificate) ([]cmc.RevokeRequest, error) {
	var issuer []byte
	switch {
	case *requestIssuer != "":
		certs, err := certloader.ReadCertificates(*requestIssuer)
		if err != nil {
			return nil, err
		}
		issuer = certs[0].RawSubject
	case signer != nil:
		issuer = signer.RawIssuer
	}

	reqs := make([]cmc.RevokeRequest, 0, len(*requestRevoke))
	for _, s := range *requestRevoke {
		serial, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("invalid serial number '%s'", s)
		}
		reqs = append(reqs, cmc.RevokeRequest{
			RawIssuer: issuer,
			Serial:    serial,
			Reason:    *requestReason,
			Comment:   *requestComment,
		})
	}
	return reqs, nil
}

// readCSR reads a PKCS#10 request in PEM or DER form.
func readCSR(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if !strings.HasSuffix(block.Type, "CERTIFICATE REQUEST") {
			return nil, fmt.Errorf("unexpected PEM block '%s' in %s", block.Type, path)
		}
		der = block.Bytes
	}
	if _, err := x509.ParseCertificateRequest(der); err != nil {
		return nil, fmt.Errorf("invalid certificate request in %s: %w", path, err)
	}
	return der, nil
}

func hashByName(name string) crypto.Hash {
	switch name {
	case "sha384":
		return crypto.SHA384
	case "sha512":
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// evalPattern evaluates a subject name pattern against an entry given as
// a DN and name=value attributes, and prints the result.
func evalPattern(out io.Writer, pattern, dn string, attrs []string) error {
	p, err := dnpattern.Parse(pattern)
	if err != nil {
		return err
	}

	entry := dnpattern.MapEntry{Name: dn, Attrs: map[string][]string{}}
	for _, attr := range attrs {
		name, value, ok := strings.Cut(attr, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid attribute '%s', expected name=value", attr)
		}
		entry.Attrs[name] = append(entry.Attrs[name], value)
	}

	_, err = fmt.Fprintln(out, p.FormDN(entry))
	return err
}
