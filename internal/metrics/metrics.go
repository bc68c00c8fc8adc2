// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the "counters the core maintains" spec.md §1/§9
// calls for: a process-local prometheus.Registry owned by the Supervisor,
// never auto-registered globally and never served over HTTP by this repo
// (that would be an observability layer, out of scope per spec.md's
// Non-goals). Grounded on original_source/src/metrics/mod.rs's metric
// names and label sets; the HTTP /metrics handler in that file is
// deliberately not replicated (see DESIGN.md).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the core's counters, gauges, and histograms behind
// named methods so callers never touch a raw label-vector API.
type Registry struct {
	reg *prometheus.Registry

	activeConnections  *prometheus.GaugeVec
	totalConnections   *prometheus.CounterVec
	trafficBytes       *prometheus.CounterVec
	backendActiveConns *prometheus.GaugeVec
	backendHealth      *prometheus.GaugeVec
	connectionDuration *prometheus.HistogramVec
}

// Direction labels for TrafficBytes, matching original_source's comment
// ("client_in", "client_out", "backend_in", "backend_out").
type Direction string

const (
	DirectionClientIn   Direction = "client_in"
	DirectionClientOut  Direction = "client_out"
	DirectionBackendIn  Direction = "backend_in"
	DirectionBackendOut Direction = "backend_out"
)

// New builds a fresh, process-local registry. It is never wired to
// prometheus.DefaultRegisterer.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "l4lb_active_connections",
			Help: "Current number of active connections per rule",
		}, []string{"rule_name"}),
		totalConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l4lb_connections_total",
			Help: "Total number of connections accepted",
		}, []string{"rule_name"}),
		trafficBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l4lb_traffic_bytes_total",
			Help: "Total bytes transferred",
		}, []string{"rule_name", "direction"}),
		backendActiveConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "l4lb_backend_active_connections",
			Help: "Active connections to a specific backend",
		}, []string{"rule_name", "backend_addr"}),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "l4lb_backend_health_status",
			Help: "Health status of backend (1 = healthy, 0 = unhealthy)",
		}, []string{"rule_name", "backend_addr"}),
		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "l4lb_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0},
		}, []string{"rule_name"}),
	}
	reg.MustRegister(
		r.activeConnections,
		r.totalConnections,
		r.trafficBytes,
		r.backendActiveConns,
		r.backendHealth,
		r.connectionDuration,
	)
	return r
}

// Registerer exposes the underlying registry so a host binary that wants
// to mount its own /metrics endpoint can do so; this package never serves
// it itself.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

func (r *Registry) ConnectionAccepted(rule string) {
	r.totalConnections.WithLabelValues(rule).Inc()
	r.activeConnections.WithLabelValues(rule).Inc()
}

func (r *Registry) ConnectionClosed(rule string, duration float64) {
	r.activeConnections.WithLabelValues(rule).Dec()
	r.connectionDuration.WithLabelValues(rule).Observe(duration)
}

func (r *Registry) AddTraffic(rule string, dir Direction, n int) {
	if n <= 0 {
		return
	}
	r.trafficBytes.WithLabelValues(rule, string(dir)).Add(float64(n))
}

func (r *Registry) SetBackendActive(rule, addr string, n int64) {
	r.backendActiveConns.WithLabelValues(rule, addr).Set(float64(n))
}

func (r *Registry) SetBackendHealth(rule, addr string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.backendHealth.WithLabelValues(rule, addr).Set(v)
}
