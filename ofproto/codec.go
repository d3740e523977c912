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
	"encoding/binary"

	"github.com/ovs-project/ofproto-dpif/dpif"
)

// FlowKey encodes f, masked by w, into the Netlink-attribute datapath flow
// key and parallel mask key spec §6 describes (OVS_KEY_ATTR_*). It is the
// inverse of nothing in particular -- UnmarshalKey parses an arbitrary
// dumped key, while FlowKey only ever needs to go in the install direction,
// since stats pull-up correlates by key hash rather than by decoding
// dumped keys back into a Flow.
func FlowKey(f Flow, w Wildcards) (key dpif.Key, mask dpif.Key) {
	add := func(t dpif.AttrType, data, maskData []byte) {
		key = append(key, dpif.Attr{Type: t, Data: data})
		mask = append(mask, dpif.Attr{Type: t, Data: maskData})
	}

	add(dpif.AttrInPort, u32Bytes(f.InPort), u32Bytes(w.InPort))

	ethData := append(macBytes(f.DlDst), macBytes(f.DlSrc)...)
	ethMask := append(macBytes(w.DlDst), macBytes(w.DlSrc)...)
	add(dpif.AttrEthernet, ethData, ethMask)

	add(dpif.AttrEthertype, u16Bytes(f.DlType), u16Bytes(w.DlType))

	if f.VlanTci != 0 || w.VlanTci != 0 {
		add(dpif.AttrVlan, u16Bytes(f.VlanTci), u16Bytes(w.VlanTci))
	}

	if f.DlType == EthTypeIPv4 {
		add(dpif.AttrIPv4, ipv4KeyBytes(f), ipv4KeyBytes(Flow(w)))
		switch f.NwProto {
		case IPProtoTCP:
			add(dpif.AttrTCP, portPairBytes(f.TpSrc, f.TpDst), portPairBytes(w.TpSrc, w.TpDst))
		case IPProtoUDP:
			add(dpif.AttrUDP, portPairBytes(f.TpSrc, f.TpDst), portPairBytes(w.TpSrc, w.TpDst))
		case IPProtoICMP:
			add(dpif.AttrICMP, []byte{byte(f.TpSrc), byte(f.TpDst)}, []byte{byte(w.TpSrc), byte(w.TpDst)})
		}
	}

	if f.TunnelID != 0 || w.TunnelID != 0 {
		key = append(key, dpif.Tunnel(f.TunnelID, f.TunnelIpv4Src, f.TunnelIpv4Dst, f.TunnelTos, f.TunnelTtl))
		mask = append(mask, dpif.Tunnel(w.TunnelID, w.TunnelIpv4Src, w.TunnelIpv4Dst, w.TunnelTos, w.TunnelTtl))
	}

	return key, mask
}

func ipv4KeyBytes(f Flow) []byte {
	b := make([]byte, 11)
	binary.BigEndian.PutUint32(b[0:4], f.Ipv4Src)
	binary.BigEndian.PutUint32(b[4:8], f.Ipv4Dst)
	b[8] = f.NwProto
	b[9] = f.NwTos
	b[10] = f.NwTtl
	return b
}

func portPairBytes(src, dst uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], src)
	binary.BigEndian.PutUint16(b[2:4], dst)
	return b
}
