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

package token

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownToken is returned when a token name is not registered.
var ErrUnknownToken = errors.New("unknown crypto token")

// Registry holds the named tokens available to the process. The software
// token is always registered under DefaultName.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewRegistry returns a registry holding only the software token.
func NewRegistry() *Registry {
	return &Registry{
		tokens: map[string]Token{DefaultName: NewSoftware(DefaultName)},
	}
}

// Register adds a token. Names must be unique.
func (r *Registry) Register(t Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[t.Name()]; ok {
		return errors.Errorf("crypto token %q already registered", t.Name())
	}
	r.tokens[t.Name()] = t
	return nil
}

// Get looks up a token by name. The empty name means the default token.
func (r *Registry) Get(name string) (Token, error) {
	if name == "" {
		name = DefaultName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownToken, "%q", name)
	}
	return t, nil
}

// Names lists registered tokens in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tokens))
	for name := range r.tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewContext returns a context whose active token is the default token.
// Each request gets its own context, so switching tokens on one request
// never affects another.
func (r *Registry) NewContext() *Context {
	t, _ := r.Get(DefaultName)
	return &Context{registry: r, active: t}
}

// Context tracks the active token of one request.
type Context struct {
	registry *Registry
	mu       sync.Mutex
	active   Token
}

// Active returns the token currently in effect.
func (c *Context) Active() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Switch makes the named token active and returns a function that puts
// the previous token back. Callers defer the returned function right away:
//
//	restore, err := ctx.Switch("hsm")
//	if err != nil {
//		return err
//	}
//	defer restore()
//
// Calling restore more than once has no further effect. An empty name
// leaves the active token alone. On error the active token is unchanged.
func (c *Context) Switch(name string) (restore func(), err error) {
	if name == "" {
		return func() {}, nil
	}

	t, err := c.registry.Get(name)
	if err != nil {
		return func() {}, err
	}

	c.mu.Lock()
	previous := c.active
	c.active = t
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.active = previous
			c.mu.Unlock()
		})
	}, nil
}
