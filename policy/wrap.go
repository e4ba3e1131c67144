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

	"github.com/open-policy-agent/opa/v1/rego"
)

type wrappedPolicy struct {
	wrapped *rego.PreparedEvalQuery
}

// Wrap creates a policy from a prepared query, for policies compiled into
// the binary or built in tests. The result cannot reload.
func Wrap(query *rego.PreparedEvalQuery) Policy {
	return &wrappedPolicy{query}
}

func (w *wrappedPolicy) Reload() error {
	return nil
}

func (w *wrappedPolicy) Eval(ctx context.Context, options ...rego.EvalOption) (rego.ResultSet, error) {
	return w.wrapped.Eval(ctx, options...)
}
