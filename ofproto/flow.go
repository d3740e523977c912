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

// MaxMplsLabels bounds the depth of the parsed MPLS label stack a Flow
// carries. Real traffic rarely nests more than two or three labels; the
// classifier and the datapath key codec both need a fixed bound.
const MaxMplsLabels = 3

// NumFlowRegs is the number of general purpose registers carried in a Flow,
// used by RegMove/RegLoad/OutputReg/learn-action field specs.
const NumFlowRegs = 8

// FragType classifies a Flow by IP fragmentation, mirroring the three
// fragment-handling modes of §4.2.
type FragType uint8

// FragType values.
const (
	FragNone FragType = iota
	FragFirst
	FragLater
)

// MAC is a fixed-layout Ethernet address, used in place of net.HardwareAddr
// so Flow has a uniform, bitwise-comparable layout suitable for Miniflow
// packing and unsafe-cast datapath-key codecs (following the fixed-layout
// structs in ovsnl/internal/ovsh).
type MAC [6]byte

// Flow is a fixed-layout record of parsed packet fields, per spec §3. Two
// Flows are equal, by definition, iff they are bitwise equal: Flow
// deliberately has no pointer or slice fields so that `==` is always sound
// and Miniflow packing can work word-by-word.
type Flow struct {
	InPort uint32

	DlSrc  MAC
	DlDst  MAC
	DlType uint16

	VlanTci uint16

	MplsLabels [MaxMplsLabels]uint32
	MplsDepth  uint8

	Ipv4Src uint32
	Ipv4Dst uint32
	Ipv6Src [16]byte
	Ipv6Dst [16]byte

	NwProto uint8
	NwTos   uint8
	NwTtl   uint8
	NwFrag  FragType

	// TpSrc/TpDst double as ICMP type/code: for ICMPv4/v6 flows the low
	// byte holds the value and the high byte is always zero (§4.2 "ICMP
	// width fix").
	TpSrc uint16
	TpDst uint16

	TunnelID      uint64
	TunnelIpv4Src uint32
	TunnelIpv4Dst uint32
	TunnelTos     uint8
	TunnelTtl     uint8

	Regs     [NumFlowRegs]uint32
	Metadata uint64

	SkbPriority uint32
	SkbMark     uint32
}

// IsICMP reports whether f's NwProto/DlType combination designates ICMPv4
// or ICMPv6, the condition under which the "ICMP width fix" of §4.2 applies.
func (f *Flow) IsICMP() bool {
	switch f.DlType {
	case EthTypeIPv4:
		return f.NwProto == IPProtoICMP
	case EthTypeIPv6:
		return f.NwProto == IPProtoICMPv6
	}
	return false
}

// EtherType and IP protocol constants used throughout translation.
const (
	EthTypeIPv4 uint16 = 0x0800
	EthTypeARP  uint16 = 0x0806
	EthTypeVLAN uint16 = 0x8100
	EthTypeIPv6 uint16 = 0x86DD
	EthTypeMPLS uint16 = 0x8847

	IPProtoICMP   uint8 = 1
	IPProtoTCP    uint8 = 6
	IPProtoUDP    uint8 = 17
	IPProtoICMPv6 uint8 = 58
)

// Wildcards is a parallel record of the same shape as Flow, holding
// per-field masks. A nonzero mask bit means "matters"; zero means "don't
// care" (§3). Translation accumulates Wildcards by OR-ing in every field it
// reads.
type Wildcards Flow

// ExactWildcards returns a Wildcards value with every field fully masked,
// used when enable_megaflows is false (§3 invariant) and for the synthetic
// drop_frags_rule (§4.4).
func ExactWildcards() Wildcards {
	var w Wildcards
	w.InPort = ^uint32(0)
	w.DlSrc = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	w.DlDst = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	w.DlType = ^uint16(0)
	w.VlanTci = ^uint16(0)
	for i := range w.MplsLabels {
		w.MplsLabels[i] = ^uint32(0)
	}
	w.MplsDepth = ^uint8(0)
	w.Ipv4Src = ^uint32(0)
	w.Ipv4Dst = ^uint32(0)
	for i := range w.Ipv6Src {
		w.Ipv6Src[i] = 0xff
		w.Ipv6Dst[i] = 0xff
	}
	w.NwProto = ^uint8(0)
	w.NwTos = ^uint8(0)
	w.NwTtl = ^uint8(0)
	w.NwFrag = ^FragType(0)
	w.TpSrc = ^uint16(0)
	w.TpDst = ^uint16(0)
	w.TunnelID = ^uint64(0)
	w.TunnelIpv4Src = ^uint32(0)
	w.TunnelIpv4Dst = ^uint32(0)
	w.TunnelTos = ^uint8(0)
	w.TunnelTtl = ^uint8(0)
	for i := range w.Regs {
		w.Regs[i] = ^uint32(0)
	}
	w.Metadata = ^uint64(0)
	w.SkbPriority = ^uint32(0)
	w.SkbMark = ^uint32(0)
	return w
}

// IsExact reports whether every bit of w is set.
func (w *Wildcards) IsExact() bool {
	e := ExactWildcards()
	return *w == e
}

// MaskICMP applies the §4.2 "ICMP width fix": the datapath represents ICMP
// type/code in 8 bits while userspace reuses the low byte of the 16-bit
// tp_src/tp_dst fields, so the wildcard mask on those fields must be
// AND-ed with 0x00FF for ICMP flows. Calling this on a non-ICMP flow is a
// no-op mistake the caller must avoid; IsICMP guards every call site.
func (w *Wildcards) MaskICMP() {
	w.TpSrc &= 0x00FF
	w.TpDst &= 0x00FF
}

// Equal reports whether two flows agree on every field. It is bitwise
// equality, per the §3 invariant.
func (f Flow) Equal(other Flow) bool {
	return f == other
}

// Matches reports whether f and other agree on every field for which w
// marks a bit as mattering. This is the wildcard-soundness predicate of
// §8: two packets that match wherever w cares must translate identically.
func (w Wildcards) Matches(f, other Flow) bool {
	maskedEq := func(a, b, mask uint64) bool { return a&mask == b&mask }

	if !maskedEq(uint64(f.InPort), uint64(other.InPort), uint64(w.InPort)) {
		return false
	}
	for i := range f.DlSrc {
		if f.DlSrc[i]&w.DlSrc[i] != other.DlSrc[i]&w.DlSrc[i] {
			return false
		}
		if f.DlDst[i]&w.DlDst[i] != other.DlDst[i]&w.DlDst[i] {
			return false
		}
	}
	if !maskedEq(uint64(f.DlType), uint64(other.DlType), uint64(w.DlType)) {
		return false
	}
	if !maskedEq(uint64(f.VlanTci), uint64(other.VlanTci), uint64(w.VlanTci)) {
		return false
	}
	for i := range f.MplsLabels {
		if f.MplsLabels[i]&w.MplsLabels[i] != other.MplsLabels[i]&w.MplsLabels[i] {
			return false
		}
	}
	if !maskedEq(uint64(f.Ipv4Src), uint64(other.Ipv4Src), uint64(w.Ipv4Src)) {
		return false
	}
	if !maskedEq(uint64(f.Ipv4Dst), uint64(other.Ipv4Dst), uint64(w.Ipv4Dst)) {
		return false
	}
	for i := range f.Ipv6Src {
		if f.Ipv6Src[i]&w.Ipv6Src[i] != other.Ipv6Src[i]&w.Ipv6Src[i] {
			return false
		}
		if f.Ipv6Dst[i]&w.Ipv6Dst[i] != other.Ipv6Dst[i]&w.Ipv6Dst[i] {
			return false
		}
	}
	if !maskedEq(uint64(f.NwProto), uint64(other.NwProto), uint64(w.NwProto)) {
		return false
	}
	if !maskedEq(uint64(f.NwTos), uint64(other.NwTos), uint64(w.NwTos)) {
		return false
	}
	if !maskedEq(uint64(f.NwTtl), uint64(other.NwTtl), uint64(w.NwTtl)) {
		return false
	}
	if !maskedEq(uint64(f.NwFrag), uint64(other.NwFrag), uint64(w.NwFrag)) {
		return false
	}
	if !maskedEq(uint64(f.TpSrc), uint64(other.TpSrc), uint64(w.TpSrc)) {
		return false
	}
	if !maskedEq(uint64(f.TpDst), uint64(other.TpDst), uint64(w.TpDst)) {
		return false
	}
	if !maskedEq(f.TunnelID, other.TunnelID, w.TunnelID) {
		return false
	}
	for i, r := range f.Regs {
		if r&w.Regs[i] != other.Regs[i]&w.Regs[i] {
			return false
		}
	}
	if !maskedEq(f.Metadata, other.Metadata, w.Metadata) {
		return false
	}
	if !maskedEq(uint64(f.MplsDepth), uint64(other.MplsDepth), uint64(w.MplsDepth)) ||
		!maskedEq(uint64(f.TunnelIpv4Src), uint64(other.TunnelIpv4Src), uint64(w.TunnelIpv4Src)) ||
		!maskedEq(uint64(f.TunnelIpv4Dst), uint64(other.TunnelIpv4Dst), uint64(w.TunnelIpv4Dst)) ||
		!maskedEq(uint64(f.TunnelTos), uint64(other.TunnelTos), uint64(w.TunnelTos)) ||
		!maskedEq(uint64(f.TunnelTtl), uint64(other.TunnelTtl), uint64(w.TunnelTtl)) ||
		!maskedEq(uint64(f.SkbPriority), uint64(other.SkbPriority), uint64(w.SkbPriority)) ||
		!maskedEq(uint64(f.SkbMark), uint64(other.SkbMark), uint64(w.SkbMark)) {
		return false
	}
	return true
}
