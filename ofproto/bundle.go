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

import "hash/fnv"

// VlanMode is a Bundle's VLAN handling mode (§3, §4.7).
type VlanMode uint8

// VlanMode values.
const (
	Access VlanMode = iota
	Trunk
	NativeUntagged
	NativeTagged
)

// MaxMirrors bounds the number of Mirrors a backer can define, so a
// mirror-set fits one 32-bit word (§3).
const MaxMirrors = 32

// MirrorSet is a dense bitmap of mirror indices, one bit per mirror in
// [0, MaxMirrors).
type MirrorSet uint32

// Bundle is a named group of ports acting as one OpenFlow port for L2/
// VLAN/bond purposes (§3).
type Bundle struct {
	Name string
	Mode VlanMode
	// Vlan is the access/native VLAN.
	Vlan uint16
	// Trunks is a 4096-bit membership set, one bit per VID.
	Trunks [64]uint64
	// UsePriorityTags carries 802.1p priority through on otherwise
	// untagged output.
	UsePriorityTags bool

	Ports []uint32 // OfPort numbers; len > 1 means bonded.

	// LacpEnabled mirrors LACP's effect on admission: when true and no
	// member has converged, the bundle drops traffic (signal consumed
	// from the external LACP subsystem, §1).
	LacpEnabled   bool
	LacpConverged bool

	SrcMirrors MirrorSet
	DstMirrors MirrorSet
	// OutputMirrors is the set of mirrors whose *output* is this bundle;
	// a packet destined here because of mirroring must not itself be
	// re-mirrored.
	OutputMirrors MirrorSet

	FloodEligible bool
}

// TrunkHas reports whether vid is a member of b's trunk set.
func (b *Bundle) TrunkHas(vid uint16) bool {
	if vid >= 4096 {
		return false
	}
	return b.Trunks[vid/64]&(1<<(vid%64)) != 0
}

// TrunkAdd marks vid as a member of b's trunk set.
func (b *Bundle) TrunkAdd(vid uint16) {
	if vid < 4096 {
		b.Trunks[vid/64] |= 1 << (vid % 64)
	}
}

// AdmitIngress implements the §4.7 ingress-VID table: it reports the VLAN
// the packet belongs to once admitted, or ok=false if b's mode rejects
// vid (scenario 2, "Trunk mismatch drop").
func (b *Bundle) AdmitIngress(vid uint16) (vlan uint16, ok bool) {
	switch b.Mode {
	case Access:
		if vid != 0 {
			return 0, false
		}
		return b.Vlan, true
	case Trunk:
		if !b.TrunkHas(vid) {
			return 0, false
		}
		return vid, true
	case NativeUntagged, NativeTagged:
		if vid == 0 {
			return b.Vlan, true
		}
		if !b.TrunkHas(vid) {
			return 0, false
		}
		return vid, true
	}
	return 0, false
}

// OutputTag implements the §4.7 egress-tagging table: given the VLAN a
// packet is being flooded/forwarded on, it reports the VLAN tag (if any)
// to apply before sending out b.
func (b *Bundle) OutputTag(vlan uint16) (tci uint16, tagged bool) {
	switch b.Mode {
	case Access:
		return 0, false
	case Trunk:
		return vlan, true
	case NativeUntagged:
		if vlan == b.Vlan {
			return 0, false
		}
		return vlan, true
	case NativeTagged:
		return vlan, true
	}
	return 0, false
}

// IncludesVlan reports whether b ever carries traffic for vlan, used when
// flooding (§4.2 "OFPP_NORMAL").
func (b *Bundle) IncludesVlan(vlan uint16) bool {
	switch b.Mode {
	case Access:
		return b.Vlan == vlan
	default:
		return vlan == b.Vlan || b.TrunkHas(vlan)
	}
}

// BondHash selects a member port from b.Ports for the given VLAN and flow
// (§4.7). A bundle with exactly one port always yields that port. With
// more ports it returns false while LACP is enabled but not converged, and
// otherwise hashes the VLAN together with the flow's Ethernet source and
// destination addresses; no other flow field affects the choice. Returns
// false for a bundle with no ports.
func (b *Bundle) BondHash(vlan uint16, f *Flow) (ofPort uint32, ok bool) {
	if len(b.Ports) == 0 {
		return 0, false
	}
	if len(b.Ports) == 1 {
		return b.Ports[0], true
	}
	if b.LacpEnabled && !b.LacpConverged {
		return 0, false
	}

	h := fnv.New32a()
	var buf [2 + 6 + 6]byte
	buf[0] = byte(vlan >> 8)
	buf[1] = byte(vlan)
	copy(buf[2:8], f.DlSrc[:])
	copy(buf[8:14], f.DlDst[:])
	_, _ = h.Write(buf[:])

	idx := int(h.Sum32()) % len(b.Ports)
	if idx < 0 {
		idx += len(b.Ports)
	}
	return b.Ports[idx], true
}

// IsBonded reports whether b has more than one member port.
func (b *Bundle) IsBonded() bool { return len(b.Ports) > 1 }
