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
	"sort"
	"sync"
	"time"
)

// Rule is an OpenFlow entry owning (match, priority, ofpacts, cookie,
// timeouts, counters), per §3. It lives in the classifier keyed by
// (table, match, priority) and is mutated only by the Rule Table Adapter.
type Rule struct {
	Table    uint8
	Match    Flow
	Mask     Wildcards
	Priority int

	Cookie   uint64
	Ofpacts  []Action

	IdleTimeout uint16
	HardTimeout uint16

	mu           sync.Mutex
	PacketCount  uint64
	ByteCount    uint64
	lastUsed     time.Time
	created      time.Time

	// Visible controls the clogged-mode deferral of §9's open question:
	// a rule exists in the classifier as soon as it is inserted, but
	// while Visible is false, lookups skip it (the install is deferred,
	// the datapath side effects of translating through it are not).
	Visible bool

	// facetIDs is the intrusive per-rule list of facet ids referencing
	// this rule (design note §9), avoiding a direct back-pointer cycle.
	facetIDs map[uint64]bool
}

// NewRule constructs a Rule ready for classifier insertion.
func NewRule(table uint8, match Flow, mask Wildcards, priority int, ofpacts []Action) *Rule {
	return &Rule{
		Table:    table,
		Match:    match,
		Mask:     mask,
		Priority: priority,
		Ofpacts:  ofpacts,
		Visible:  true,
		facetIDs: make(map[uint64]bool),
		created:  time.Now(),
	}
}

// AddStats folds delta packet/byte counters into r, per §4.3's
// facet_push_stats contract, and bumps last-used to used if later.
func (r *Rule) AddStats(packets, bytes uint64, used time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PacketCount += packets
	r.ByteCount += bytes
	if used.After(r.lastUsed) {
		r.lastUsed = used
	}
}

// Stats returns a consistent snapshot of r's counters.
func (r *Rule) Stats() (packets, bytes uint64, lastUsed time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PacketCount, r.ByteCount, r.lastUsed
}

// Expired reports whether r's hard or idle timeout has elapsed as of now,
// per §4.6 "Rule expiration".
func (r *Rule) Expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.HardTimeout != 0 && !r.created.IsZero() && now.Sub(r.created) >= time.Duration(r.HardTimeout)*time.Second {
		return true
	}
	if r.IdleTimeout != 0 && !r.lastUsed.IsZero() && now.Sub(r.lastUsed) >= time.Duration(r.IdleTimeout)*time.Second {
		return true
	}
	return false
}

// addFacet/removeFacet maintain the intrusive facet-id list so rule
// deletion can enumerate its facets without a direct pointer cycle
// (design note §9).
func (r *Rule) addFacet(id uint64)    { r.facetIDs[id] = true }
func (r *Rule) removeFacet(id uint64) { delete(r.facetIDs, id) }

// FacetIDs returns a snapshot of facet ids referencing r.
func (r *Rule) FacetIDs() []uint64 {
	ids := make([]uint64, 0, len(r.facetIDs))
	for id := range r.facetIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// classifierEntry pairs a rule with its pre-expanded Minimask, so lookup
// need not recompute it per candidate.
type classifierEntry struct {
	rule *Rule
	mask Minimask
}

// RuleTable is one OpenFlow table's classifier: it stores Rules and
// answers Lookup queries, accumulating the wildcard bits the lookup
// depended on (§4.4). It also tracks taggability: when the table's set of
// mask shapes fits the two-shape template, it hands out deterministic
// tags for facets resubmitting through it.
type RuleTable struct {
	ID uint8

	mu      sync.RWMutex
	entries []*classifierEntry

	// shapes records the distinct Minimask bitmaps currently present; a
	// table that only ever sees at most two distinct shapes is taggable
	// (§4.4).
	shapes map[uint32]bool
}

// NewRuleTable creates an empty table.
func NewRuleTable(id uint8) *RuleTable {
	return &RuleTable{ID: id, shapes: make(map[uint32]bool)}
}

// Insert adds r to the table and recomputes taggability.
func (t *RuleTable) Insert(r *Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := NewMinimask(&r.Mask)
	t.entries = append(t.entries, &classifierEntry{rule: r, mask: m})
	t.shapes[m.Shape()] = true
	// Higher priority first, so Lookup's linear scan finds the
	// highest-priority match first.
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].rule.Priority > t.entries[j].rule.Priority
	})
}

// Remove deletes r from the table. It does not shrink the shapes set
// (recomputing it precisely on every delete would require rescanning all
// entries; the real subsystem accepts this conservative over-count, and
// so do we -- a stale shape only costs an extra false "not taggable"
// table, never incorrect revalidation).
func (t *RuleTable) Remove(r *Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.rule == r {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// expireRules deletes, via br, every rule in t whose hard or idle timeout
// has elapsed as of now (§4.6).
func (t *RuleTable) expireRules(now time.Time, br *Bridge) {
	t.mu.RLock()
	var expired []*Rule
	for _, e := range t.entries {
		if e.rule.Expired(now) {
			expired = append(expired, e.rule)
		}
	}
	t.mu.RUnlock()

	for _, r := range expired {
		br.DeleteRule(r)
	}
}

// Taggable reports whether this table currently has at most two distinct
// mask shapes (§4.4). Tables with more shapes fall back to whole-table
// invalidation.
func (t *RuleTable) Taggable() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.shapes) <= 2
}

// Tag computes the deterministic revalidation tag for a flow under mask m,
// used when Taggable is true (§4.4). It mixes m's shape with every word of
// f; f is not masked by m first, so flows that differ only in wildcarded
// fields get different tags.
func Tag(f Flow, m Minimask) uint64 {
	mf := NewMiniflow(&f)
	var h uint64 = 1469598103934665603 // FNV offset basis
	mix := func(v uint32) {
		h ^= uint64(v)
		h *= 1099511628211
	}
	mix(m.Shape())
	mix(mf.bitmap)
	for _, w := range mf.words {
		mix(w)
	}
	return h
}

// Lookup finds the highest-priority Rule matching flow in this table,
// OR-ing every candidate's mandatory bits (dl_type, nw_frag, per §4.4)
// plus, for the winning rule, its full mask into wildcards. It returns
// nil if nothing in the table matches (the caller substitutes miss_rule
// or no_packet_in_rule, per §4.4).
func (t *RuleTable) Lookup(flow Flow, wildcards *Wildcards) *Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	wildcards.DlType = ^uint16(0)
	wildcards.NwFrag = ^FragType(0)

	for _, e := range t.entries {
		if !e.rule.Visible {
			continue
		}
		if e.rule.Mask.Matches(e.rule.Match, flow) {
			*wildcards = orWildcards(*wildcards, e.rule.Mask)
			return e.rule
		}
	}
	return nil
}

func orWildcards(a, b Wildcards) Wildcards {
	a.InPort |= b.InPort
	for i := range a.DlSrc {
		a.DlSrc[i] |= b.DlSrc[i]
		a.DlDst[i] |= b.DlDst[i]
	}
	a.DlType |= b.DlType
	a.VlanTci |= b.VlanTci
	for i := range a.MplsLabels {
		a.MplsLabels[i] |= b.MplsLabels[i]
	}
	a.MplsDepth |= b.MplsDepth
	a.Ipv4Src |= b.Ipv4Src
	a.Ipv4Dst |= b.Ipv4Dst
	for i := range a.Ipv6Src {
		a.Ipv6Src[i] |= b.Ipv6Src[i]
		a.Ipv6Dst[i] |= b.Ipv6Dst[i]
	}
	a.NwProto |= b.NwProto
	a.NwTos |= b.NwTos
	a.NwTtl |= b.NwTtl
	a.NwFrag |= b.NwFrag
	a.TpSrc |= b.TpSrc
	a.TpDst |= b.TpDst
	a.TunnelID |= b.TunnelID
	a.TunnelIpv4Src |= b.TunnelIpv4Src
	a.TunnelIpv4Dst |= b.TunnelIpv4Dst
	a.TunnelTos |= b.TunnelTos
	a.TunnelTtl |= b.TunnelTtl
	for i := range a.Regs {
		a.Regs[i] |= b.Regs[i]
	}
	a.Metadata |= b.Metadata
	a.SkbPriority |= b.SkbPriority
	a.SkbMark |= b.SkbMark
	return a
}

// FragHandling selects how a bridge treats IP fragments (§4.2).
type FragHandling uint8

// FragHandling values.
const (
	FragNormal FragHandling = iota
	FragDrop
	FragNxMatch
)

// SyntheticRules holds the three rules that always exist per bridge,
// per §4.4.
type SyntheticRules struct {
	Miss       *Rule
	NoPacketIn *Rule
	DropFrags  *Rule
}

// NewSyntheticRules builds the always-present miss/no-packet-in/drop-frags
// rules. miss_rule forwards to the controller; no_packet_in_rule drops;
// drop_frags_rule drops with an exact-match mask (§4.4).
func NewSyntheticRules() *SyntheticRules {
	toController := []Action{Controller{Reason: ReasonNoMatch, MaxLen: 128}}
	return &SyntheticRules{
		Miss:       &Rule{Ofpacts: toController, Visible: true, facetIDs: map[uint64]bool{}},
		NoPacketIn: &Rule{Ofpacts: nil, Visible: true, facetIDs: map[uint64]bool{}},
		DropFrags:  &Rule{Ofpacts: nil, Mask: ExactWildcards(), Visible: true, facetIDs: map[uint64]bool{}},
	}
}
