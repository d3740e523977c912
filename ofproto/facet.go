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

import (
	"sync"
	"time"

	"github.com/ovs-project/ofproto-dpif/dpif"
)

// AdmitThreshold/EvictThreshold belong to the §4.3 admission governor: a
// subfacet accumulates AdmitThreshold upcalls before it is marked
// installed in the datapath. EvictThreshold (a quarter of that bar) is
// declared but not consulted anywhere: an installed subfacet is never
// uninstalled because of a low hit rate.
const (
	AdmitThreshold = 10
	EvictThreshold = AdmitThreshold / 4
)

// StatsPullupInterval bounds how often the stats pull-up pass dumps the
// datapath to fold counters back into facets and rules (§4.3).
const StatsPullupInterval = 2 * time.Second

// Subfacet is the installed (or not-yet-installed) datapath-level
// counterpart of a Facet: the actual masked key/mask/actions triple the
// datapath would see, plus the governor's running hit count (§4.3).
type Subfacet struct {
	Key     dpif.Key
	Mask    dpif.Key
	Actions []dpif.Action

	Installed bool
	hits      uint32

	PacketCount, ByteCount uint64
	prevPackets            uint64
	prevBytes              uint64
	Used                   time.Time
	Created                time.Time
}

// Facet is one exact (flow, rule) translation outcome, cached so repeat
// upcalls for identical traffic skip the Rule Table Adapter and Translation
// Engine entirely (§3, §4.3).
type Facet struct {
	ID        uint64
	Rule      *Rule // nil once MarkRuleGone fires; the facet is stale.
	Flow      Flow
	Wildcards Wildcards

	SlowPathReason SlowPathReason
	HasLearn       bool
	Mirrors        MirrorSet

	Subfacet *Subfacet

	PacketCount, ByteCount uint64
	Used                   time.Time
	Created                time.Time
}

// FacetCache owns every Facet/Subfacet for one Bridge (§3).
type FacetCache struct {
	bridge *Bridge

	mu     sync.Mutex
	facets map[uint64]*Facet
	byHash map[[20]byte]uint64
}

// NewFacetCache creates an empty cache for b.
func NewFacetCache(b *Bridge) *FacetCache {
	return &FacetCache{
		bridge: b,
		facets: make(map[uint64]*Facet),
		byHash: make(map[[20]byte]uint64),
	}
}

// Handle processes one datapath miss (§4.1-§4.3): it runs the Rule Table
// Adapter and Translation Engine, finds or creates this exact flow's facet
// and its subfacet, rolls the admission governor's hit counter, and
// reports the translation outcome so the caller can build the Execute/
// FlowPut ops.
func (fc *FacetCache) Handle(flow Flow, packet []byte, now time.Time) (*Facet, XlateOut) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	var wildcards Wildcards
	rule := fc.bridge.LookupRule(flow, &wildcards, 0)
	if rule != nil && rule != fc.bridge.Synth.Miss && rule != fc.bridge.Synth.NoPacketIn && rule != fc.bridge.Synth.DropFrags {
		fc.bridge.Counters.Hit()
	} else {
		fc.bridge.Counters.Miss()
	}

	var engine *Engine
	if fc.bridge.Backer != nil {
		engine = fc.bridge.Backer.Engine
	}
	out := Translate(engine, fc.bridge, flow, rule, packet, true, now)

	id := Tag(flow, NewMinimask(&out.Wildcards))
	f, ok := fc.facets[id]
	if !ok {
		f = &Facet{ID: id, Flow: flow, Created: now}
		fc.facets[id] = f
	}
	if f.Rule != rule {
		if f.Rule != nil {
			f.Rule.removeFacet(id)
		}
		f.Rule = rule
		if rule != nil {
			rule.addFacet(id)
		}
	}
	f.Wildcards = out.Wildcards
	f.SlowPathReason = out.SlowPathReason
	f.HasLearn = out.HasLearn
	f.Mirrors = out.Mirrors
	f.Used = now

	key, mask := FlowKey(flow, out.Wildcards)
	if f.Subfacet == nil {
		f.Subfacet = &Subfacet{Key: key, Mask: mask, Created: now}
		fc.byHash[key.Hash()] = id
	}
	sf := f.Subfacet
	sf.Key, sf.Mask, sf.Actions = key, mask, out.DatapathActions
	sf.Used = now
	sf.hits++
	if !sf.Installed && sf.hits >= AdmitThreshold {
		sf.Installed = true
	}

	return f, out
}

// MarkRuleGone clears the stale rule reference on the facet identified by
// facetID, per the §3 invariant that a facet's rule reference "must be
// cleared when the rule is destroyed". The facet itself is left for the
// Revalidation Engine to find and re-translate or destroy.
func (fc *FacetCache) MarkRuleGone(facetID uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if f, ok := fc.facets[facetID]; ok {
		f.Rule = nil
	}
}

// Lookup returns the facet by id, if still present.
func (fc *FacetCache) Lookup(id uint64) (*Facet, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	f, ok := fc.facets[id]
	return f, ok
}

// BySubfacetHash resolves a datapath key hash (as returned from a dumped
// flow during stats pull-up, §4.3) back to its owning facet.
func (fc *FacetCache) BySubfacetHash(h [20]byte) (*Facet, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	id, ok := fc.byHash[h]
	if !ok {
		return nil, false
	}
	f, ok := fc.facets[id]
	return f, ok
}

// Destroy removes a facet and its subfacet from the cache, folding the
// subfacet's last counters into the owning rule first (§4.3, §4.6).
func (fc *FacetCache) Destroy(id uint64, now time.Time) {
	fc.mu.Lock()
	f, ok := fc.facets[id]
	if !ok {
		fc.mu.Unlock()
		return
	}
	delete(fc.facets, id)
	if f.Subfacet != nil {
		delete(fc.byHash, f.Subfacet.Key.Hash())
	}
	rule := f.Rule
	fc.mu.Unlock()

	if rule != nil {
		rule.removeFacet(id)
		rule.AddStats(f.PacketCount, f.ByteCount, now)
	}
}

// ForEach calls fn for a snapshot of every cached facet, for use by the
// Revalidation and Expiration Engines and by `ofproto/self-check`.
func (fc *FacetCache) ForEach(fn func(*Facet)) {
	fc.mu.Lock()
	facets := make([]*Facet, 0, len(fc.facets))
	for _, f := range fc.facets {
		facets = append(facets, f)
	}
	fc.mu.Unlock()

	for _, f := range facets {
		fn(f)
	}
}

// Len reports the current facet count, feeding the §6 "facets" gauge.
func (fc *FacetCache) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.facets)
}

// PullupStats folds a datapath FlowDump pass's per-subfacet deltas back
// into facets and their rules, per §4.3: packets/bytes accumulate and used
// takes the MAX. TCP flags are not tracked, so none are folded.
func (fc *FacetCache) PullupStats(dumps []dpif.FlowDump, now time.Time) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for _, d := range dumps {
		id, ok := fc.byHash[d.Key.Hash()]
		if !ok {
			continue
		}
		f, ok := fc.facets[id]
		if !ok || f.Subfacet == nil {
			continue
		}
		sf := f.Subfacet

		deltaPackets := d.Stats.Packets - sf.prevPackets
		deltaBytes := d.Stats.Bytes - sf.prevBytes
		sf.prevPackets, sf.prevBytes = d.Stats.Packets, d.Stats.Bytes

		f.PacketCount += deltaPackets
		f.ByteCount += deltaBytes
		if d.Stats.Used.After(f.Used) {
			f.Used = d.Stats.Used
		}
		if f.Rule != nil {
			f.Rule.AddStats(deltaPackets, deltaBytes, d.Stats.Used)
		}
	}
}
