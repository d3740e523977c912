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

import "time"

// macKey keys the learning table by (src_mac, vlan), per §4.7.
type macKey struct {
	mac MAC
	vlan uint16
}

// macEntry is one learned (src_mac, vlan) -> bundle binding.
type macEntry struct {
	bundle string
	tag    uint64
	locked time.Time
}

// GratuitousArpLock bounds how long a gratuitous-ARP-learned entry is
// locked against relearning a reflected copy (§4.7).
const GratuitousArpLock = 5 * time.Second

// LearningTable is the L2 MAC learning table shared by a bridge's
// OFPP_NORMAL processing and Learn-action execution (§4.7).
type LearningTable struct {
	entries map[macKey]*macEntry
	nextTag uint64
}

// NewLearningTable creates an empty table.
func NewLearningTable() *LearningTable {
	return &LearningTable{entries: make(map[macKey]*macEntry)}
}

// Lookup resolves (mac, vlan) to a learned bundle name.
func (t *LearningTable) Lookup(mac MAC, vlan uint16) (bundle string, ok bool) {
	e, ok := t.entries[macKey{mac, vlan}]
	if !ok {
		return "", false
	}
	return e.bundle, true
}

// Update records that mac was seen on vlan arriving via bundle, per §4.7.
// It returns the revalidation tag generated for this entry so facets that
// resubmitted through the old binding can be revalidated, and whether the
// update actually changed anything (a no-op update must not bump the tag,
// or every identical packet would trigger revalidation).
func (t *LearningTable) Update(mac MAC, vlan uint16, bundle string, now time.Time) (tag uint64, changed bool) {
	k := macKey{mac, vlan}
	e, ok := t.entries[k]
	if ok {
		if now.Before(e.locked) {
			return e.tag, false
		}
		if e.bundle == bundle {
			return e.tag, false
		}
	}

	t.nextTag++
	tag = t.nextTag
	t.entries[k] = &macEntry{bundle: bundle, tag: tag}
	return tag, true
}

// Lock locks (mac, vlan)'s entry until now+GratuitousArpLock, suppressing
// relearning triggered by a reflected gratuitous ARP (§4.2, §4.7).
func (t *LearningTable) Lock(mac MAC, vlan uint16, now time.Time) {
	if e, ok := t.entries[macKey{mac, vlan}]; ok {
		e.locked = now.Add(GratuitousArpLock)
	}
}

// Flush clears every learned entry, implementing the `fdb/flush` unixctl
// command (§6).
func (t *LearningTable) Flush() {
	t.entries = make(map[macKey]*macEntry)
}

// Entries returns a snapshot for the `fdb/show` unixctl command (§6).
func (t *LearningTable) Entries() []FdbEntry {
	out := make([]FdbEntry, 0, len(t.entries))
	for k, e := range t.entries {
		out = append(out, FdbEntry{MAC: k.mac, Vlan: k.vlan, Bundle: e.bundle})
	}
	return out
}

// FdbEntry is one row of `fdb/show` output.
type FdbEntry struct {
	MAC    MAC
	Vlan   uint16
	Bundle string
}

// IsGratuitousArp reports whether f is a gratuitous ARP (an ARP
// request/reply where the sender and target protocol addresses match),
// the condition under which §4.2/§4.7 lock the learned entry.
func IsGratuitousArp(f *Flow, spa, tpa uint32) bool {
	return f.DlType == EthTypeARP && spa == tpa
}
