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

// flowWords is the number of 32-bit words a Flow occupies once every field
// is packed end to end (MAC addresses occupy two words each, padded).
const flowWords = 39

// words flattens f into a fixed sequence of 32-bit words, the same layout
// Miniflow/Minimask pack sparsely. The split exists so the classifier's
// cache-friendly storage (§3 "Miniflow / Minimask") only needs to retain
// the nonzero words plus a presence bitmap.
func (f *Flow) words() [flowWords]uint32 {
	var w [flowWords]uint32
	w[0] = f.InPort
	w[1] = uint32(f.DlSrc[0])<<24 | uint32(f.DlSrc[1])<<16 | uint32(f.DlSrc[2])<<8 | uint32(f.DlSrc[3])
	w[2] = uint32(f.DlSrc[4])<<24 | uint32(f.DlSrc[5])<<16
	w[3] = uint32(f.DlDst[0])<<24 | uint32(f.DlDst[1])<<16 | uint32(f.DlDst[2])<<8 | uint32(f.DlDst[3])
	w[4] = uint32(f.DlDst[4])<<24 | uint32(f.DlDst[5])<<16
	w[5] = uint32(f.DlType)<<16 | uint32(f.VlanTci)
	w[6] = f.MplsLabels[0]
	w[7] = f.MplsLabels[1]
	w[8] = f.MplsLabels[2]
	w[9] = uint32(f.MplsDepth)
	w[10] = f.Ipv4Src
	w[11] = f.Ipv4Dst
	for i := 0; i < 4; i++ {
		w[12+i] = uint32(f.Ipv6Src[i*4])<<24 | uint32(f.Ipv6Src[i*4+1])<<16 | uint32(f.Ipv6Src[i*4+2])<<8 | uint32(f.Ipv6Src[i*4+3])
		w[16+i] = uint32(f.Ipv6Dst[i*4])<<24 | uint32(f.Ipv6Dst[i*4+1])<<16 | uint32(f.Ipv6Dst[i*4+2])<<8 | uint32(f.Ipv6Dst[i*4+3])
	}
	w[20] = uint32(f.NwProto)<<24 | uint32(f.NwTos)<<16 | uint32(f.NwTtl)<<8 | uint32(f.NwFrag)
	w[21] = uint32(f.TpSrc)<<16 | uint32(f.TpDst)
	w[22] = uint32(f.TunnelID >> 32)
	w[23] = uint32(f.TunnelID)
	w[24] = f.TunnelIpv4Src
	w[25] = f.TunnelIpv4Dst
	w[26] = uint32(f.TunnelTos)<<24 | uint32(f.TunnelTtl)<<16
	for i, r := range f.Regs {
		w[27+i] = r
	}
	w[35] = uint32(f.Metadata >> 32)
	w[36] = uint32(f.Metadata)
	w[37] = f.SkbPriority
	w[38] = f.SkbMark
	return w
}

// Minimask is the wildcard counterpart of Miniflow: the nonzero 32-bit
// words of a Wildcards value plus a bitmap of which words are present.
type Minimask struct {
	bitmap uint32
	words  []uint32
}

// Miniflow is the compact representation of a Flow, per §3: only the
// nonzero 32-bit words, plus a bitmap recording which of the flowWords
// positions are present. miniflow_expand(m) must yield a Flow bitwise
// equal to the original dense Flow for any Flow with zero-valued words
// omitted consistently with m's bitmap; that contract is `Miniflow.Expand`.
type Miniflow struct {
	bitmap uint32
	words  []uint32
}

// NewMiniflow packs f into its sparse representation.
func NewMiniflow(f *Flow) Miniflow {
	dense := f.words()
	m := Miniflow{}
	for i, w := range dense {
		if w != 0 {
			m.bitmap |= 1 << uint(i)
			m.words = append(m.words, w)
		}
	}
	return m
}

// Expand reconstructs the dense Flow that NewMiniflow packed. Per the §3
// contract, Expand(NewMiniflow(f)) == f for every Flow whose nonzero-word
// set was captured by the bitmap (i.e. any Flow, since a zero word and an
// absent word are indistinguishable and both decode to zero).
func (m Miniflow) Expand() Flow {
	var dense [flowWords]uint32
	wi := 0
	for i := 0; i < flowWords; i++ {
		if m.bitmap&(1<<uint(i)) != 0 {
			dense[i] = m.words[wi]
			wi++
		}
	}
	return flowFromWords(dense)
}

// NewMinimask packs w into its sparse representation, aligned word-for-word
// with Miniflow so a classifier bucket can be keyed by (bitmap, masked
// words) without expanding either side.
func NewMinimask(w *Wildcards) Minimask {
	f := Flow(*w)
	dense := f.words()
	m := Minimask{}
	for i, word := range dense {
		if word != 0 {
			m.bitmap |= 1 << uint(i)
			m.words = append(m.words, word)
		}
	}
	return m
}

// Shape returns the bitmap describing which words a mask covers, used by
// the Rule Table Adapter's taggability test (§4.4): two masks have the
// "same shape" iff their bitmaps are equal.
func (m Minimask) Shape() uint32 { return m.bitmap }

func flowFromWords(w [flowWords]uint32) Flow {
	var f Flow
	f.InPort = w[0]
	f.DlSrc = MAC{byte(w[1] >> 24), byte(w[1] >> 16), byte(w[1] >> 8), byte(w[1]), byte(w[2] >> 24), byte(w[2] >> 16)}
	f.DlDst = MAC{byte(w[3] >> 24), byte(w[3] >> 16), byte(w[3] >> 8), byte(w[3]), byte(w[4] >> 24), byte(w[4] >> 16)}
	f.DlType = uint16(w[5] >> 16)
	f.VlanTci = uint16(w[5])
	f.MplsLabels[0] = w[6]
	f.MplsLabels[1] = w[7]
	f.MplsLabels[2] = w[8]
	f.MplsDepth = uint8(w[9])
	f.Ipv4Src = w[10]
	f.Ipv4Dst = w[11]
	for i := 0; i < 4; i++ {
		v := w[12+i]
		f.Ipv6Src[i*4], f.Ipv6Src[i*4+1], f.Ipv6Src[i*4+2], f.Ipv6Src[i*4+3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
		v = w[16+i]
		f.Ipv6Dst[i*4], f.Ipv6Dst[i*4+1], f.Ipv6Dst[i*4+2], f.Ipv6Dst[i*4+3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	}
	f.NwProto = uint8(w[20] >> 24)
	f.NwTos = uint8(w[20] >> 16)
	f.NwTtl = uint8(w[20] >> 8)
	f.NwFrag = FragType(w[20])
	f.TpSrc = uint16(w[21] >> 16)
	f.TpDst = uint16(w[21])
	f.TunnelID = uint64(w[22])<<32 | uint64(w[23])
	f.TunnelIpv4Src = w[24]
	f.TunnelIpv4Dst = w[25]
	f.TunnelTos = uint8(w[26] >> 24)
	f.TunnelTtl = uint8(w[26] >> 16)
	for i := range f.Regs {
		f.Regs[i] = w[27+i]
	}
	f.Metadata = uint64(w[35])<<32 | uint64(w[36])
	f.SkbPriority = w[37]
	f.SkbMark = w[38]
	return f
}
