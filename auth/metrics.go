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

package auth

import (
	"fmt"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// Metrics counts authentication outcomes of one authenticator under
// auth.<name>.{success,missing,invalid,internal} and times attempts under
// auth.<name>.latency.
type Metrics struct {
	success  metrics.Counter
	missing  metrics.Counter
	invalid  metrics.Counter
	internal metrics.Counter
	latency  metrics.Timer
}

// NewMetrics registers the counters in registry, or in
// metrics.DefaultRegistry when registry is nil.
func NewMetrics(name string, registry metrics.Registry) *Metrics {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	key := func(suffix string) string {
		return fmt.Sprintf("auth.%s.%s", name, suffix)
	}
	return &Metrics{
		success:  metrics.GetOrRegisterCounter(key("success"), registry),
		missing:  metrics.GetOrRegisterCounter(key("missing"), registry),
		invalid:  metrics.GetOrRegisterCounter(key("invalid"), registry),
		internal: metrics.GetOrRegisterCounter(key("internal"), registry),
		latency:  metrics.GetOrRegisterTimer(key("latency"), registry),
	}
}

// Record counts one attempt that started at start and ended with err.
func (m *Metrics) Record(start time.Time, err error) {
	m.latency.UpdateSince(start)
	if err == nil {
		m.success.Inc(1)
		return
	}
	switch KindOf(err) {
	case KindMissingCredential:
		m.missing.Inc(1)
	case KindInvalidCredentials:
		m.invalid.Inc(1)
	default:
		m.internal.Inc(1)
	}
}
