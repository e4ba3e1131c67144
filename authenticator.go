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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/ghostunnel/cmcauth/audit"
	"github.com/ghostunnel/cmcauth/auth"
	"github.com/ghostunnel/cmcauth/certloader"
	"github.com/ghostunnel/cmcauth/cmcauth"
	"github.com/ghostunnel/cmcauth/dirauth"
	"github.com/ghostunnel/cmcauth/policy"
	"github.com/ghostunnel/cmcauth/token"
	metrics "github.com/rcrowley/go-metrics"
)

// Context groups what the commands build from flags.
type Context struct {
	store         *certloader.Store
	tokens        *token.Registry
	identities    *policy.IdentityStore
	identityPath  string
	authenticator auth.Authenticator
	audit         audit.Sink
	registry      metrics.Registry
	closers       []io.Closer
}

// Close releases tokens and flushes audit records.
func (c *Context) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i].Close()
	}
}

// reload re-reads certificates, CRLs and the agent policy. Each is
// reloaded independently; on error the previous contents stay in use.
func (c *Context) reload() error {
	var firstErr error
	if c.store != nil {
		if err := c.store.Reload(); err != nil {
			logger.Printf("error reloading certificate store: %s", err)
			firstErr = err
		}
	}
	if c.identities != nil {
		if err := c.identities.Reload(); err != nil {
			logger.Printf("error reloading agent policy: %s", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// watchedFiles lists the files whose change triggers a reload.
func (c *Context) watchedFiles() []string {
	var files []string
	if c.store != nil {
		files = append(files, c.store.Paths()...)
	}
	if c.identityPath != "" {
		files = append(files, c.identityPath)
	}
	return files
}

func buildStore() (*certloader.Store, error) {
	return certloader.NewStore(certloader.StoreConfig{
		TrustAnchors: *trustAnchorPaths,
		Issued:       *issuedCertPaths,
		CRLs:         *crlPaths,
		Password:     *storePassword,
		Logger:       logger,
	})
}

// openPKCS11 opens the key named by the --pkcs11 flags, along with its
// certificate.
func openPKCS11() (*token.HSM, *x509.Certificate, error) {
	certs, err := certloader.ReadCertificates(*pkcs11Cert)
	if err != nil {
		return nil, nil, err
	}
	hsm, err := token.OpenPKCS11(token.PKCS11Config{
		Name:       *pkcs11Name,
		Module:     *pkcs11Module,
		TokenLabel: *pkcs11TokenLabel,
		PIN:        *pkcs11PIN,
	}, certs[0].PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return hsm, certs[0], nil
}

func buildTokens(ctx *Context) error {
	ctx.tokens = token.NewRegistry()
	if *pkcs11Module == "" {
		return nil
	}
	if !token.SupportsPKCS11() {
		return fmt.Errorf("PKCS#11 support is not available in this build")
	}
	hsm, _, err := openPKCS11()
	if err != nil {
		return err
	}
	ctx.closers = append(ctx.closers, hsm)
	return ctx.tokens.Register(hsm)
}

func cmcConfig() cmcauth.Config {
	return cmcauth.Config{
		Name:            *authName,
		Token:           *verifyToken,
		VerifyPOP:       *verifyPOP,
		POPToken:        *popToken,
		CheckRevocation: *checkRevocation,
		CheckChain:      *checkChain,
		AllowSelfSigned: *allowSelfSigned,
	}
}

// buildContext creates the configured authenticator with its store,
// tokens and audit sink.
func buildContext(sink audit.Sink, registry metrics.Registry) (*Context, error) {
	ctx := &Context{audit: sink, registry: registry}
	if err := buildTokens(ctx); err != nil {
		ctx.Close()
		return nil, err
	}

	var err error
	switch *authenticatorKind {
	case authCMCAgent, authCMCUser:
		err = buildCMC(ctx)
	case authDirectory:
		err = buildDirectory(ctx)
	default:
		err = fmt.Errorf("unknown authenticator %q", *authenticatorKind)
	}
	if err != nil {
		ctx.Close()
		return nil, err
	}
	return ctx, nil
}

func buildCMC(ctx *Context) error {
	store, err := buildStore()
	if err != nil {
		return err
	}
	ctx.store = store

	opts := cmcauth.Options{
		Store:   store,
		Tokens:  ctx.tokens,
		Audit:   ctx.audit,
		Logger:  logger,
		Metrics: ctx.registry,
	}

	if *authenticatorKind == authCMCUser {
		if *allowSelfSigned {
			logger.Printf("warning: accepting self-signed requests, signer identity is not verified for those")
		}
		ctx.authenticator, err = cmcauth.NewUserSignedAuthenticator(cmcConfig(), opts)
		return err
	}

	p, err := policy.LoadFromFile(*agentPolicyPath, *agentPolicyQuery)
	if err != nil {
		return err
	}
	ctx.identities = policy.NewIdentityStore(p)
	ctx.identityPath = p.Path()
	ctx.authenticator, err = cmcauth.NewAgentAuthenticator(cmcConfig(), ctx.identities, opts)
	return err
}

func buildDirectory(ctx *Context) error {
	config := dirauth.Config{
		Name:           *authName,
		URL:            *ldapURL,
		SRVDomain:      *ldapSRVDomain,
		StartTLS:       *ldapStartTLS,
		Timeout:        *ldapTimeout,
		BaseDN:         *ldapBaseDN,
		UIDAttribute:   *ldapUIDAttribute,
		SearchDN:       *ldapBindDN,
		SearchPassword: *ldapBindPassword,
		DNPattern:      *ldapSubjectPattern,
		Attributes:     *ldapAttributes,
	}
	if len(*trustAnchorPaths) > 0 {
		store, err := buildStore()
		if err != nil {
			return err
		}
		ctx.store = store
		config.TLS = &tls.Config{RootCAs: store.Roots(), MinVersion: tls.VersionTLS12}
	}

	a, err := dirauth.New(config, dirauth.Options{
		Audit:   ctx.audit,
		Logger:  logger,
		Metrics: ctx.registry,
	})
	if err != nil {
		return err
	}
	ctx.authenticator = a
	return nil
}
