/*-
 * Copyright 2015 Square Inc.
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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"
)

// Status serves /_status. The optional check reports whether the
// authenticators can reach what they depend on.
type Status struct {
	mu sync.Mutex
	// check returns nil when dependencies are usable
	check    func(context.Context) error
	revision string
	// Current status
	listening bool
	reloading bool
	stopping  bool
}

type statusResponse struct {
	Ok            bool      `json:"ok"`
	Status        string    `json:"status"`
	BackendOk     bool      `json:"backend_ok"`
	BackendStatus string    `json:"backend_status"`
	BackendError  string    `json:"backend_error,omitempty"`
	Time          time.Time `json:"time"`
	Hostname      string    `json:"hostname,omitempty"`
	Message       string    `json:"message"`
	Revision      string    `json:"revision"`
	Compiler      string    `json:"compiler"`
}

// NewStatus creates a status handler in the initializing state.
func NewStatus(revision string, check func(context.Context) error) *Status {
	return &Status{check: check, revision: revision}
}

// Listening marks the server as serving requests.
func (s *Status) Listening() {
	s.mu.Lock()
	s.listening = true
	s.reloading = false
	s.mu.Unlock()
}

// Reloading marks a reload in progress.
func (s *Status) Reloading() {
	s.mu.Lock()
	s.reloading = true
	s.mu.Unlock()
}

// Stopping marks the server as shutting down.
func (s *Status) Stopping() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
}

// Healthy reports whether /_status would answer ok.
func (s *Status) Healthy(ctx context.Context) bool {
	return s.response(ctx).Ok
}

func (s *Status) response(ctx context.Context) statusResponse {
	resp := statusResponse{
		Time:      time.Now(),
		Revision:  s.revision,
		Compiler:  runtime.Version(),
		BackendOk: true,
	}

	if s.check != nil {
		if err := s.check(ctx); err != nil {
			resp.BackendOk = false
			resp.BackendError = err.Error()
		}
	}
	if resp.BackendOk {
		resp.BackendStatus = "ok"
	} else {
		resp.BackendStatus = "critical"
	}

	s.mu.Lock()
	resp.Ok = s.listening && !s.stopping && resp.BackendOk
	switch {
	case !s.listening:
		resp.Message = "initializing"
	case s.stopping:
		resp.Message = "stopping"
	case s.reloading:
		resp.Message = "reloading"
	default:
		resp.Message = "listening"
	}
	s.mu.Unlock()

	if resp.Ok {
		resp.Status = "ok"
	} else {
		resp.Status = "critical"
	}

	if hostname, err := os.Hostname(); err == nil {
		resp.Hostname = hostname
	}
	return resp
}

func (s *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := s.response(r.Context())

	out, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(out)
}
