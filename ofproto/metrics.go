// Copyright 2017 DigitalOcean.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ofproto

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports the §6 "Observability outputs" as Prometheus
// collectors: per-bridge n_hit/n_missed, the subfacet-rate EWMA family,
// and facet/subfacet population gauges.
type Metrics struct {
	reg *prometheus.Registry

	Hits    *prometheus.CounterVec
	Misses  *prometheus.CounterVec
	Facets  *prometheus.GaugeVec
	Subfacets *prometheus.GaugeVec

	HourlyAdd *prometheus.GaugeVec
	HourlyDel *prometheus.GaugeVec
	DailyAdd  *prometheus.GaugeVec
	DailyDel  *prometheus.GaugeVec
	MaxNSubfacet *prometheus.GaugeVec
	TotalSubfacetLifeSpan *prometheus.CounterVec
	NUpdateStats *prometheus.CounterVec
}

// NewMetrics registers a fresh metric set on a private registry, so
// Engine instances built per test case never collide on global
// prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	labels := []string{"bridge"}

	m := &Metrics{
		reg: reg,
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofproto", Name: "hits_total", Help: "Upcalls resolved by an installed datapath flow.",
		}, labels),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofproto", Name: "misses_total", Help: "Upcalls requiring a fresh translation.",
		}, labels),
		Facets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ofproto", Name: "facets", Help: "Current facet count.",
		}, labels),
		Subfacets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ofproto", Name: "subfacets", Help: "Current subfacet count.",
		}, labels),
		HourlyAdd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ofproto", Name: "subfacet_hourly_add", Help: "EWMA of subfacet creations per hour.",
		}, labels),
		HourlyDel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ofproto", Name: "subfacet_hourly_del", Help: "EWMA of subfacet deletions per hour.",
		}, labels),
		DailyAdd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ofproto", Name: "subfacet_daily_add", Help: "EWMA of subfacet creations per day.",
		}, labels),
		DailyDel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ofproto", Name: "subfacet_daily_del", Help: "EWMA of subfacet deletions per day.",
		}, labels),
		MaxNSubfacet: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ofproto", Name: "max_n_subfacet", Help: "High-water mark of subfacet count.",
		}, labels),
		TotalSubfacetLifeSpan: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofproto", Name: "subfacet_life_span_seconds_total", Help: "Cumulative subfacet lifetime.",
		}, labels),
		NUpdateStats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofproto", Name: "stats_pullups_total", Help: "Stats pull-up passes performed.",
		}, labels),
	}

	reg.MustRegister(m.Hits, m.Misses, m.Facets, m.Subfacets, m.HourlyAdd, m.HourlyDel,
		m.DailyAdd, m.DailyDel, m.MaxNSubfacet, m.TotalSubfacetLifeSpan, m.NUpdateStats)
	return m
}

// Registry exposes the private registry for an HTTP /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// EWMA is a simple exponentially weighted moving-average accumulator used
// for the hourly/daily add/del rates of §6.
type EWMA struct {
	alpha float64
	value float64
	init  bool
}

// NewEWMA creates an accumulator with the given smoothing factor.
func NewEWMA(alpha float64) *EWMA { return &EWMA{alpha: alpha} }

// Add folds sample into the running average.
func (e *EWMA) Add(sample float64) {
	if !e.init {
		e.value = sample
		e.init = true
		return
	}
	e.value = e.alpha*sample + (1-e.alpha)*e.value
}

// Value returns the current average.
func (e *EWMA) Value() float64 { return e.value }
