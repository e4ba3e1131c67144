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

package main

import (
	"net/http"
	"net/http/pprof"
	"strings"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	prometheusmetrics "github.com/deathowl/go-metrics-prometheus"
	"github.com/ghostunnel/cmcauth/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/rcrowley/go-metrics"
	sqmetrics "github.com/square/go-sq-metrics"
)

// startMetrics starts the configured metrics reporters and returns the
// handler serving the JSON bridge format on /_metrics.
func startMetrics(registry metrics.Registry) http.Handler {
	if *metricsGraphite != nil {
		logger.Printf("metrics enabled; reporting metrics via TCP to %s", *metricsGraphite)
		go graphite.Graphite(registry, *metricsInterval, *metricsPrefix, *metricsGraphite)
	}
	if *metricsURL != "" {
		logger.Printf("metrics enabled; reporting metrics via POST to %s", *metricsURL)
	}

	// sqmetrics also posts to *metricsURL when it is set.
	sq := sqmetrics.NewMetrics(*metricsURL, *metricsPrefix, http.DefaultClient, *metricsInterval, registry, logger)

	p := prometheusmetrics.NewPrometheusProvider(registry, prometheusNamespace(*metricsPrefix), "", prometheus.DefaultRegisterer, *metricsInterval)
	go p.UpdatePrometheusMetrics()

	return sq
}

// prometheusNamespace turns a graphite style prefix into a valid
// Prometheus namespace.
func prometheusNamespace(prefix string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(prefix)
}

// statusMux serves /_status, /_metrics, /_prometheus and, if enabled,
// the pprof endpoints.
func statusMux(status *server.Status, metricsHandler http.Handler, enableProf bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/_status", status)
	mux.Handle("/_metrics", metricsHandler)
	mux.Handle("/_prometheus", promhttp.Handler())
	if enableProf {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}
