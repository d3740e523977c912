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

// Package ofproto implements the flow translation and flow-cache engine
// of an OpenFlow switch backed by an abstract fast-path datapath (package
// dpif): it turns datapath misses into installed flows, keeps them
// consistent with the OpenFlow rule table and port/bundle/mirror/learning
// state, expires them, and folds their statistics back into rules,
// mirrors, and NetFlow.
package ofproto

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Engine is the explicit, per-test-constructible value that replaces the
// source's global mutable state (design note §9): the "all bridges"/"all
// backers" registries, enable_megaflows, and clogged all become fields or
// per-Backer state reached through Engine rather than package-level
// globals.
type Engine struct {
	Log *zap.SugaredLogger

	mu      sync.Mutex
	backers map[string]*Backer

	Metrics *Metrics

	// FlowRestoreWait, while set, disables upcall reception and most
	// periodic work (§6 "Process state toggles").
	FlowRestoreWait bool

	// fastRL gates run_fast_rl()-style voluntary yielding: revalidation
	// and port housekeeping must not starve upcall handling (§5).
	fastRL *rate.Limiter

	// logRL rate-limits the hard-parse-error and op-failure logging of
	// §7, separately from the fast-path yield gate.
	logRL *rate.Limiter
}

// NewEngine creates a fresh Engine with no backers, suitable for
// constructing once per test case (design note §9).
func NewEngine(log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		Log:     log,
		backers: make(map[string]*Backer),
		Metrics: NewMetrics(),
		fastRL:  rate.NewLimiter(rate.Every(200_000_000), 1),
		logRL:   rate.NewLimiter(rate.Every(1_000_000_000), 20),
	}
}

// Backer returns (creating if necessary) the Backer for name.
func (e *Engine) Backer(name string, newDpif func() (*Backer, error)) (*Backer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.backers[name]; ok {
		return b, nil
	}
	b, err := newDpif()
	if err != nil {
		return nil, err
	}
	b.Engine = e
	e.backers[name] = b
	return b, nil
}

// AddBacker registers an already-constructed Backer, used by tests that
// build a Backer directly around a fake dpif.Dpif.
func (e *Engine) AddBacker(b *Backer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b.Engine = e
	e.backers[b.Name] = b
}

// Backers returns a snapshot of every registered backer.
func (e *Engine) Backers() []*Backer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Backer, 0, len(e.backers))
	for _, b := range e.backers {
		out = append(out, b)
	}
	return out
}

// Bridges returns every bridge across every backer, replacing the "all
// bridges" global (design note §9).
func (e *Engine) Bridges() []*Bridge {
	var out []*Bridge
	for _, b := range e.Backers() {
		out = append(out, b.BridgeList()...)
	}
	return out
}

// AllowFastBurst reports whether enough time has passed since the last
// slow-path burst to run another one without starving upcall handling
// (§5 run_fast_rl()).
func (e *Engine) AllowFastBurst() bool {
	return e.fastRL.Allow()
}

// RateLimitLog reports whether a §7 rate-limited log line should be
// emitted right now.
func (e *Engine) RateLimitLog() bool {
	return e.logRL.Allow()
}
