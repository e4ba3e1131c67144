/*-
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

package policy

import (
	"context"
	"sync/atomic"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/pkg/errors"
)

// FilePolicy is a Policy backed by a rego file.
type FilePolicy struct {
	// Path to policy file
	policyPath string

	// Query to run on eval
	policyQuery string

	cachedPolicy atomic.Pointer[rego.PreparedEvalQuery]
}

// LoadFromFile creates a reloadable policy from a rego file.
func LoadFromFile(policyPath, policyQuery string) (*FilePolicy, error) {
	p := &FilePolicy{
		policyPath:  policyPath,
		policyQuery: policyQuery,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

var _ Policy = (*FilePolicy)(nil)

// Path returns the rego file, for the reload watcher.
func (p *FilePolicy) Path() string {
	return p.policyPath
}

// Reload transparently reloads the policy.
func (p *FilePolicy) Reload() error {
	peq, err := rego.New(
		rego.Query(p.policyQuery),
		rego.Load([]string{p.policyPath}, nil),
	).PrepareForEval(context.Background())
	if err != nil {
		return errors.Wrapf(err, "loading policy %s", p.policyPath)
	}

	p.cachedPolicy.Store(&peq)
	return nil
}

// Eval runs the underlying policy.
func (p *FilePolicy) Eval(ctx context.Context, options ...rego.EvalOption) (rego.ResultSet, error) {
	return p.cachedPolicy.Load().Eval(ctx, options...)
}
