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

// Package dirauth authenticates users against an LDAP directory and builds
// the subject name of their certificate from their directory entry.
package dirauth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/ghostunnel/cmcauth/audit"
	"github.com/ghostunnel/cmcauth/auth"
	"github.com/ghostunnel/cmcauth/dnpattern"
	"github.com/go-ldap/ldap/v3"
	metrics "github.com/rcrowley/go-metrics"
	pkgerrors "github.com/pkg/errors"
)

// EventName is the audit event of a directory login.
const EventName = "DIRECTORY_AUTH"

// Conn is the part of *ldap.Conn the authenticator uses.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens a directory connection.
type Dialer func(ctx context.Context) (Conn, error)

// Config of a directory authenticator.
type Config struct {
	Name string
	// URL of the directory, ldap:// or ldaps://.
	URL string
	// SRVDomain locates the directory through _ldap._tcp SRV records
	// when URL is empty.
	SRVDomain string
	// StartTLS upgrades an ldap:// connection.
	StartTLS bool
	TLS      *tls.Config
	Timeout  time.Duration

	// BaseDN is searched for the user entry.
	BaseDN string
	// UIDAttribute holds the login name. Defaults to "uid".
	UIDAttribute string
	// SearchDN and SearchPassword bind before searching. Empty means the
	// search runs anonymously.
	SearchDN       string
	SearchPassword string

	// DNPattern builds the certificate subject, for example
	// "UID=$attr.uid, E=$attr.mail.1, CN=$attr.cn, O=$dn.o, C=$dn.c".
	DNPattern string
	// Attributes are copied from the entry into the token.
	Attributes []string
}

// Options carries collaborators. Dial defaults to dialing Config.URL.
type Options struct {
	Dial    Dialer
	Audit   audit.Sink
	Logger  auth.Logger
	Metrics metrics.Registry
}

// Authenticator implements auth.Authenticator with a directory bind.
type Authenticator struct {
	config     Config
	pattern    *dnpattern.Pattern
	attrs      []string
	opts       Options
	metrics    *auth.Metrics
	dialTarget func(ctx context.Context, rawURL string) (Conn, error)
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New creates an authenticator. The subject pattern is parsed here, once.
func New(config Config, opts Options) (*Authenticator, error) {
	if config.BaseDN == "" {
		return nil, pkgerrors.New("dirauth: base DN is required")
	}
	if config.UIDAttribute == "" {
		config.UIDAttribute = "uid"
	}
	if config.Name == "" {
		config.Name = "directory"
	}

	a := &Authenticator{config: config, opts: opts}
	a.dialTarget = a.dialURL
	if config.DNPattern != "" {
		pattern, err := dnpattern.Parse(config.DNPattern)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "dirauth: subject pattern")
		}
		a.pattern = pattern
	}
	a.attrs = searchAttributes(config.UIDAttribute, a.pattern, config.Attributes)

	if a.opts.Dial == nil {
		switch {
		case config.URL != "":
			a.opts.Dial = func(ctx context.Context) (Conn, error) { return a.dialTarget(ctx, config.URL) }
		case config.SRVDomain != "":
			a.opts.Dial = a.dialSRV
		default:
			return nil, pkgerrors.New("dirauth: directory URL or SRV domain is required")
		}
	}
	if a.opts.Audit == nil {
		a.opts.Audit = audit.Discard
	}
	a.metrics = auth.NewMetrics(config.Name, opts.Metrics)
	return a, nil
}

func searchAttributes(uidAttr string, pattern *dnpattern.Pattern, extra []string) []string {
	seen := map[string]bool{}
	var attrs []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			attrs = append(attrs, name)
		}
	}
	add(uidAttr)
	if pattern != nil {
		for _, name := range pattern.Attributes() {
			add(name)
		}
	}
	for _, name := range extra {
		add(name)
	}
	return attrs
}

func (a *Authenticator) dialURL(ctx context.Context, rawURL string) (Conn, error) {
	dialer := &net.Dialer{Timeout: a.config.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	conn, err := ldap.DialURL(rawURL, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(a.config.TLS))
	if err != nil {
		return nil, err
	}
	if a.config.Timeout > 0 {
		conn.SetTimeout(a.config.Timeout)
	}
	if a.config.StartTLS {
		if err := conn.StartTLS(a.startTLSConfig(rawURL)); err != nil {
			conn.Close()
			return nil, pkgerrors.Wrap(err, "starting TLS")
		}
	}
	return conn, nil
}

// startTLSConfig names the server for verification, which StartTLS,
// unlike ldaps://, does not do on its own.
func (a *Authenticator) startTLSConfig(rawURL string) *tls.Config {
	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if a.config.TLS != nil {
		config = a.config.TLS.Clone()
	}
	if config.ServerName == "" {
		if u, err := url.Parse(rawURL); err == nil {
			config.ServerName = u.Hostname()
		}
	}
	return config
}

// Name returns the configured instance name.
func (a *Authenticator) Name() string {
	return a.config.Name
}

// RequiredCredentials returns the uid and password credentials.
func (a *Authenticator) RequiredCredentials() []string {
	return []string{auth.CredUID, auth.CredPassword}
}

func (a *Authenticator) logf(format string, v ...interface{}) {
	if a.opts.Logger != nil {
		a.opts.Logger.Printf(format, v...)
	}
}

// Authenticate looks the user up, binds as the user's entry with the
// supplied password and derives the token from the entry.
func (a *Authenticator) Authenticate(ctx context.Context, creds auth.Credentials, session *auth.Session) (tok *auth.Token, err error) {
	start := time.Now()
	event := audit.Event{Name: EventName, SubjectID: creds.Get(auth.CredUID)}
	if session != nil {
		event.RequestID = session.RequestID
	}
	defer func() {
		a.metrics.Record(start, err)
		if err != nil {
			tok = nil
			event.Outcome = audit.Failure
			event.Reason = err.Error()
			a.logf("%s: login of '%s' rejected: %s", a.config.Name, event.SubjectID, err)
		} else {
			event.Outcome = audit.Success
			event.CertSubject = tok.Get(auth.TokenCertSubject)
		}
		a.opts.Audit.Append(event)
	}()

	uid := creds.Get(auth.CredUID)
	if uid == "" {
		return nil, auth.Missing(auth.CredUID)
	}
	// An empty password would turn the bind below into an unauthenticated
	// bind, which most servers accept.
	password := creds.Get(auth.CredPassword)
	if password == "" {
		return nil, auth.Missing(auth.CredPassword)
	}

	conn, err := a.opts.Dial(ctx)
	if err != nil {
		return nil, auth.Internal(err, "connecting to directory")
	}
	defer conn.Close()

	if a.config.SearchDN != "" {
		if err := conn.Bind(a.config.SearchDN, a.config.SearchPassword); err != nil {
			return nil, auth.Internal(err, "binding as %s", a.config.SearchDN)
		}
	}

	entry, err := a.find(conn, uid)
	if err != nil {
		return nil, err
	}

	if err := conn.Bind(entry.DN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, auth.Invalid(nil, "wrong password for '%s'", uid)
		}
		return nil, auth.Internal(err, "binding as %s", entry.DN)
	}

	return a.token(uid, entry), nil
}

func (a *Authenticator) find(conn Conn, uid string) (*ldap.Entry, error) {
	filter := fmt.Sprintf("(%s=%s)", ldap.EscapeFilter(a.config.UIDAttribute), ldap.EscapeFilter(uid))
	result, err := conn.Search(ldap.NewSearchRequest(
		a.config.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, filter, a.attrs, nil,
	))
	if err != nil {
		var ldapErr *ldap.Error
		if errors.As(err, &ldapErr) && ldapErr.ResultCode == ldap.LDAPResultNoSuchObject {
			return nil, auth.Invalid(nil, "user '%s' not found", uid)
		}
		return nil, auth.Internal(err, "searching for '%s'", uid)
	}
	switch len(result.Entries) {
	case 0:
		return nil, auth.Invalid(nil, "user '%s' not found", uid)
	case 1:
		return result.Entries[0], nil
	default:
		return nil, auth.Invalid(nil, "user '%s' is ambiguous: %d entries", uid, len(result.Entries))
	}
}

func (a *Authenticator) token(uid string, entry *ldap.Entry) *auth.Token {
	tok := auth.NewToken()
	tok.Set(auth.TokenAuthManager, a.config.Name)
	tok.Set(auth.TokenUID, uid)
	tok.Set(auth.TokenUserID, uid)
	tok.Set(auth.TokenUserDN, entry.DN)
	if a.pattern != nil {
		tok.Set(auth.TokenCertSubject, a.pattern.FormDN(dnpattern.LDAPEntry(entry)))
	}
	for _, name := range a.config.Attributes {
		if values := entry.GetEqualFoldAttributeValues(name); len(values) > 0 {
			tok.SetStrings(name, values)
		}
	}
	return tok
}
