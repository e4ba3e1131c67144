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

// Package server exposes authenticators over HTTPS. Each request gets its
// own auth.Session carrying the TLS client certificate of the connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/ghostunnel/cmcauth/auth"
	"github.com/ghostunnel/cmcauth/token"
	xsemaphore "golang.org/x/sync/semaphore"
)

// DefaultMaxRequestBytes bounds the size of a submitted request.
const DefaultMaxRequestBytes = 1 << 20

// Config of a submission server.
type Config struct {
	// CMC serves POST /cmc.
	CMC auth.Authenticator
	// Login serves POST /login. Optional.
	Login auth.Authenticator
	// Tokens supplies the per-request crypto token context.
	Tokens *token.Registry
	// ACL, when non-nil, must allow the TLS client before any
	// authenticator runs.
	ACL *auth.ACL

	MaxRequestBytes int64
	// MaxConcurrent bounds the authentications in flight; zero means no
	// limit. Requests over the limit are refused with 503.
	MaxConcurrent int64
	Logger        auth.Logger
}

// Server routes submissions to the authenticators.
type Server struct {
	config Config
	mux    *http.ServeMux
	sem    semaphore
}

// New creates a server. At least one authenticator must be configured.
func New(config Config) (*Server, error) {
	if config.CMC == nil && config.Login == nil {
		return nil, errors.New("server: no authenticator configured")
	}
	if config.Tokens == nil {
		config.Tokens = token.NewRegistry()
	}
	if config.MaxRequestBytes <= 0 {
		config.MaxRequestBytes = DefaultMaxRequestBytes
	}

	s := &Server{config: config, mux: http.NewServeMux(), sem: unlimitedSemaphore{}}
	if config.MaxConcurrent > 0 {
		s.sem = xsemaphore.NewWeighted(config.MaxConcurrent)
	}
	if config.CMC != nil {
		s.mux.HandleFunc("/cmc", s.handleCMC)
	}
	if config.Login != nil {
		s.mux.HandleFunc("/login", s.handleLogin)
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Printf(format, v...)
	}
}

func (s *Server) session(r *http.Request) *auth.Session {
	session := auth.NewSession(s.config.Tokens.NewContext()).WithTLS(r.TLS)
	session.RemoteAddr = r.RemoteAddr
	return session
}

func (s *Server) handleCMC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestBytes)

	var blob string
	if isForm(r) {
		if err := r.ParseForm(); err != nil {
			s.readError(w, err)
			return
		}
		blob = r.PostForm.Get(auth.CredCMCRequest)
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.readError(w, err)
			return
		}
		blob = string(body)
	}

	s.authenticate(w, r, s.config.CMC, auth.Credentials{auth.CredCMCRequest: blob})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestBytes)
	if err := r.ParseForm(); err != nil {
		s.readError(w, err)
		return
	}

	creds := auth.Credentials{}
	for _, name := range s.config.Login.RequiredCredentials() {
		creds[name] = r.PostForm.Get(name)
	}
	s.authenticate(w, r, s.config.Login, creds)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, a auth.Authenticator, creds auth.Credentials) {
	session := s.session(r)
	w.Header().Set("X-Request-Id", session.RequestID)

	if !s.sem.TryAcquire(1) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests in flight", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	if s.config.ACL != nil {
		if err := s.config.ACL.Check(session); err != nil {
			s.writeError(w, session.RequestID, err)
			return
		}
	}

	tok, err := a.Authenticate(r.Context(), creds, session)
	if err != nil {
		s.writeError(w, session.RequestID, err)
		return
	}

	s.logf("%s: request %s from %s authenticated as '%s'", a.Name(), session.RequestID, session.RemoteAddr, tok.Get(auth.TokenUID))
	writeJSON(w, http.StatusOK, response{RequestID: session.RequestID, Authenticator: a.Name(), Token: tok})
}

type response struct {
	RequestID     string      `json:"requestId"`
	Authenticator string      `json:"authenticator,omitempty"`
	Token         *auth.Token `json:"token,omitempty"`
	Error         string      `json:"error,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// StatusCode maps an authentication error to an HTTP status.
func StatusCode(err error) int {
	switch auth.KindOf(err) {
	case auth.KindMissingCredential:
		return http.StatusBadRequest
	case auth.KindInvalidCredentials:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeError never reveals the cause of internal errors to the client;
// it is in the log and the audit record.
func (s *Server) writeError(w http.ResponseWriter, requestID string, err error) {
	kind := auth.KindOf(err)
	resp := response{RequestID: requestID, Error: kind.String()}
	switch kind {
	case auth.KindInternal:
		s.logf("request %s failed: %s", requestID, err)
	default:
		resp.Message = err.Error()
	}
	writeJSON(w, StatusCode(err), resp)
}

func (s *Server) readError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	s.logf("reading request: %s", err)
	http.Error(w, "bad request", http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isForm(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return strings.EqualFold(mediaType, "application/x-www-form-urlencoded") ||
		strings.EqualFold(mediaType, "multipart/form-data")
}
