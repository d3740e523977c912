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

// Mirror is a selection predicate (source-bundle set, destination-bundle
// set, VLAN bitmap) and an output, assigned a dense index in
// [0, MaxMirrors) so mirror sets fit a single word (§3).
type Mirror struct {
	Index int
	Name  string

	SrcBundles BundleSet
	DstBundles BundleSet
	Vlans      [64]uint64 // 4096-bit membership, same layout as Bundle.Trunks

	// Exactly one of OutputBundle/OutputVlan is set.
	OutputBundle *string
	OutputVlan   *uint16
}

// BundleSet is a set of bundle names, small enough that a map is the
// simplest correct representation (mirrors rarely select more than a
// handful of source/destination bundles).
type BundleSet map[string]bool

// VlanMember reports whether vid is selected by m's VLAN filter. An empty
// filter (no bits set) matches every VLAN, mirroring ovs-vswitchd's
// "no VLANs configured means all VLANs" mirror semantics.
func (m *Mirror) VlanMember(vid uint16) bool {
	empty := true
	for _, w := range m.Vlans {
		if w != 0 {
			empty = false
			break
		}
	}
	if empty {
		return true
	}
	if vid >= 4096 {
		return false
	}
	return m.Vlans[vid/64]&(1<<(vid%64)) != 0
}

// MirrorTable owns the set of configured Mirrors for one backer and the
// dup_mirrors bitmap computed at reconfiguration time (§4.2 "Mirrors").
type MirrorTable struct {
	Mirrors [MaxMirrors]*Mirror

	// dup groups mirror indices that, for a given (out, out_vlan), would
	// produce duplicate output; Reconfigure recomputes this.
	dup [MaxMirrors]MirrorSet
}

// Set installs or replaces the mirror at m.Index.
func (t *MirrorTable) Set(m *Mirror) {
	t.Mirrors[m.Index] = m
}

// Remove clears the mirror at index.
func (t *MirrorTable) Remove(index int) {
	t.Mirrors[index] = nil
}

// Reconfigure recomputes the dup_mirrors bitmap: any two mirrors that
// share the same (OutputBundle, OutputVlan) pair are considered
// duplicates of one another, so translation emits the output once.
func (t *MirrorTable) Reconfigure() {
	for i := range t.dup {
		t.dup[i] = 0
	}
	sameOutput := func(a, b *Mirror) bool {
		if (a.OutputBundle == nil) != (b.OutputBundle == nil) {
			return false
		}
		if a.OutputBundle != nil && *a.OutputBundle != *b.OutputBundle {
			return false
		}
		if (a.OutputVlan == nil) != (b.OutputVlan == nil) {
			return false
		}
		if a.OutputVlan != nil && *a.OutputVlan != *b.OutputVlan {
			return false
		}
		return true
	}

	for i, mi := range t.Mirrors {
		if mi == nil {
			continue
		}
		for j, mj := range t.Mirrors {
			if mj == nil || i == j {
				continue
			}
			if sameOutput(mi, mj) {
				t.dup[i] |= 1 << uint(j)
			}
		}
	}
}

// Selected returns the mirror set triggered by a packet arriving on
// srcBundle and, after normal forwarding, leaving on the bundles named in
// outBundles (§4.2 "Mirrors": "for every bundle whose src_mirrors overlaps
// the ingress bundle or whose dst_mirrors overlaps any output bundle").
func (t *MirrorTable) Selected(srcBundle string, outBundles []string) MirrorSet {
	var set MirrorSet
	for i, m := range t.Mirrors {
		if m == nil {
			continue
		}
		if m.SrcBundles[srcBundle] {
			set |= 1 << uint(i)
			continue
		}
		for _, ob := range outBundles {
			if m.DstBundles[ob] {
				set |= 1 << uint(i)
				break
			}
		}
	}
	return set
}

// Collapse removes from set every mirror index that dup_mirrors marks as a
// duplicate of an earlier (lower-indexed) mirror already present in set,
// implementing the §4.2 "Duplicate outputs ... are collapsed" rule.
func (t *MirrorTable) Collapse(set MirrorSet) MirrorSet {
	var out MirrorSet
	for i := 0; i < MaxMirrors; i++ {
		bit := MirrorSet(1 << uint(i))
		if set&bit == 0 {
			continue
		}
		if out&t.dup[i] != 0 {
			continue
		}
		out |= bit
	}
	return out
}
