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

import "sync"

// Bridge is one OpenFlow switch instance: one rule table set, one port
// set, one set of facets (§3 GLOSSARY). It is owned by an Engine and
// shares its Backer's datapath handle with any sibling bridges on the
// same datapath type.
type Bridge struct {
	Name   string
	Backer *Backer

	mu sync.RWMutex

	Tables map[uint8]*RuleTable
	Synth  *SyntheticRules
	Frag   FragHandling

	Ports    *PortTable
	Bundles  map[string]*Bundle
	Mirrors  *MirrorTable
	Learning *LearningTable

	Facets *FacetCache

	Counters BridgeCounters
}

// BridgeCounters are the per-bridge observability counters of §6.
type BridgeCounters struct {
	mu       sync.Mutex
	NHit     uint64
	NMissed  uint64
}

// Hit/Miss record one lookup outcome in the §6 n_hit/n_missed counters.
// They update only these in-memory counters; no Prometheus collector is
// fed from them.
func (c *BridgeCounters) Hit()  { c.mu.Lock(); c.NHit++; c.mu.Unlock() }
func (c *BridgeCounters) Miss() { c.mu.Lock(); c.NMissed++; c.mu.Unlock() }

// Snapshot returns a consistent (n_hit, n_missed) pair.
func (c *BridgeCounters) Snapshot() (hit, missed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.NHit, c.NMissed
}

// NewBridge creates an empty Bridge owned by backer.
func NewBridge(name string, backer *Backer) *Bridge {
	b := &Bridge{
		Name:     name,
		Backer:   backer,
		Tables:   make(map[uint8]*RuleTable),
		Synth:    NewSyntheticRules(),
		Ports:    NewPortTable(),
		Bundles:  make(map[string]*Bundle),
		Mirrors:  &MirrorTable{},
		Learning: NewLearningTable(),
	}
	b.Facets = NewFacetCache(b)
	b.Tables[0] = NewRuleTable(0)
	return b
}

// Table returns (creating if necessary) the classifier for tableID.
func (b *Bridge) Table(tableID uint8) *RuleTable {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.Tables[tableID]
	if !ok {
		t = NewRuleTable(tableID)
		b.Tables[tableID] = t
	}
	return t
}

// InsertRule adds r to its table and marks the backer for a taggability
// recompute (§3 "Rule" lifecycle).
func (b *Bridge) InsertRule(r *Rule) {
	b.Table(r.Table).Insert(r)
	b.Backer.Revalidate(ReasonFlowTable)
}

// DeleteRule removes r from its table, clears every facet's back
// reference to it (§3 invariant: "must be cleared when the rule is
// destroyed"), and marks affected facets for revalidation.
func (b *Bridge) DeleteRule(r *Rule) {
	b.Table(r.Table).Remove(r)
	for _, id := range r.FacetIDs() {
		b.Facets.MarkRuleGone(id)
	}
	b.Backer.Revalidate(ReasonFlowTable)
}

// LookupRule implements the §4.4 Rule Table Adapter policy on top of the
// raw classifier: mandatory-wildcard marking is handled by RuleTable.
// Lookup itself; this layer substitutes the synthetic rules and applies
// fragment handling.
func (b *Bridge) LookupRule(flow Flow, wildcards *Wildcards, tableID uint8) *Rule {
	if b.Frag == FragDrop && flow.NwFrag == FragLater {
		*wildcards = ExactWildcards()
		return b.Synth.DropFrags
	}

	table := b.Table(tableID)
	if r := table.Lookup(flow, wildcards); r != nil {
		return r
	}

	if p, ok := b.Ports.ByOfPort(flow.InPort); ok && p.Flags&PortNoPacketIn != 0 {
		return b.Synth.NoPacketIn
	}
	return b.Synth.Miss
}

// Bundle looks up a named bundle.
func (b *Bridge) Bundle(name string) (*Bundle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bundle, ok := b.Bundles[name]
	return bundle, ok
}

// BundleOf returns the bundle containing ofPort, if any.
func (b *Bridge) BundleOf(ofPort uint32) (string, *Bundle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, bundle := range b.Bundles {
		for _, p := range bundle.Ports {
			if p == ofPort {
				return name, bundle, true
			}
		}
	}
	return "", nil, false
}

// SetBundle installs or replaces a bundle configuration and marks the
// backer for revalidation (§3 "Bundle/Mirror/Port" lifecycle).
func (b *Bridge) SetBundle(bundle *Bundle) {
	b.mu.Lock()
	b.Bundles[bundle.Name] = bundle
	b.mu.Unlock()
	b.Backer.Revalidate(ReasonReconfigure)
}
