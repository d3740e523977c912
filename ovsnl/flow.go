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

package ovsnl

import (
	"encoding/binary"
	"unsafe"

	"github.com/ovs-project/ofproto-dpif/ovsnl/internal/ovsh"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

// A FlowService provides access to methods which interact with the
// "ovs_flow" generic netlink family.
type FlowService struct {
	c *Client
	f genetlink.Family
}

// A Flow is an Open vSwitch in-kernel Flow.
type Flow struct {
	Keys  []FlowKey
	Stats ovsh.FlowStats
	//Masks []FlowKey
}

type FlowKey interface{}

type FlowKeyEncap []FlowKey

type FlowKeyEtherType uint16

// RawFlow is one already-encoded datapath flow key/mask/actions triple,
// the shape the core engine's dpif.Key/dpif.Action already carry; the
// FlowService methods below operate at this level rather than re-decoding
// into the partial Flow/FlowKey shape List produces, since the engine
// never needs to round-trip an installed flow back through ovsh's typed
// keys.
type RawFlow struct {
	Key     []byte
	Mask    []byte
	Actions []byte
}

// New installs f as a new datapath flow on the datapath identified by
// index, or updates it if an identical key is already installed.
func (s *FlowService) New(index int, f RawFlow) error {
	return s.put(index, ovsh.FlowCmdNew, f)
}

// Set updates the actions of an already-installed flow in place.
func (s *FlowService) Set(index int, f RawFlow) error {
	return s.put(index, ovsh.FlowCmdSet, f)
}

func (s *FlowService) put(index int, cmd uint8, f RawFlow) error {
	attrs := []netlink.Attribute{
		{Type: ovsh.FlowAttrKey, Data: f.Key},
	}
	if len(f.Mask) > 0 {
		attrs = append(attrs, netlink.Attribute{Type: ovsh.FlowAttrMask, Data: f.Mask})
	}
	if len(f.Actions) > 0 {
		attrs = append(attrs, netlink.Attribute{Type: ovsh.FlowAttrActions, Data: f.Actions})
	}

	req := genetlink.Message{
		Header: genetlink.Header{Command: cmd, Version: uint8(s.f.Version)},
		Data:   ovsMessageBytes(index, attrs...),
	}

	_, err := s.c.c.Execute(req, s.f.ID, netlink.HeaderFlagsRequest|netlink.HeaderFlagsCreate)
	return err
}

// Get fetches the current stats for the flow matching key without
// removing it; dpif.Netlink.FlowGet is built on it.
func (s *FlowService) Get(index int, key []byte) (ovsh.FlowStats, error) {
	req := genetlink.Message{
		Header: genetlink.Header{Command: ovsh.FlowCmdGet, Version: uint8(s.f.Version)},
		Data:   ovsMessageBytes(index, netlink.Attribute{Type: ovsh.FlowAttrKey, Data: key}),
	}

	msgs, err := s.c.c.Execute(req, s.f.ID, netlink.HeaderFlagsRequest)
	if err != nil {
		return ovsh.FlowStats{}, err
	}
	return flowStatsFromMessages(msgs), nil
}

// Del removes the flow matching key from the datapath, returning its last
// stats so the caller can fold them into the facet being torn down
// (§4.3/§4.6).
func (s *FlowService) Del(index int, key []byte) (ovsh.FlowStats, error) {
	req := genetlink.Message{
		Header: genetlink.Header{Command: ovsh.FlowCmdDel, Version: uint8(s.f.Version)},
		Data:   ovsMessageBytes(index, netlink.Attribute{Type: ovsh.FlowAttrKey, Data: key}),
	}

	msgs, err := s.c.c.Execute(req, s.f.ID, netlink.HeaderFlagsRequest)
	if err != nil {
		return ovsh.FlowStats{}, err
	}
	return flowStatsFromMessages(msgs), nil
}

// Flush removes every flow from the datapath (the `dpif/del-flows`
// unixctl command, §6).
func (s *FlowService) Flush(index int) error {
	req := genetlink.Message{
		Header: genetlink.Header{Command: ovsh.FlowCmdDel, Version: uint8(s.f.Version)},
		Data:   ovsMessageBytes(index),
	}
	_, err := s.c.c.Execute(req, s.f.ID, netlink.HeaderFlagsRequest)
	return err
}

func flowStatsFromMessages(msgs []genetlink.Message) ovsh.FlowStats {
	for _, m := range msgs {
		attrs, err := netlink.UnmarshalAttributes(m.Data[sizeofHeader:])
		if err != nil {
			continue
		}
		for _, a := range attrs {
			if a.Type == ovsh.FlowAttrStats && len(a.Data) == int(unsafe.Sizeof(ovsh.FlowStats{})) {
				return *(*ovsh.FlowStats)(unsafe.Pointer(&a.Data[0]))
			}
		}
	}
	return ovsh.FlowStats{}
}

// List lists the Flows in the kernel for the datapath specified by index.
// Flows whose key yields no parsed FlowKeys, or whose packet and byte
// counts are both zero, are left out of the result.
func (s *FlowService) List(index int) ([]Flow, error) {
	req := genetlink.Message{
		Header: genetlink.Header{
			Command: ovsh.FlowCmdGet,
			Version: uint8(s.f.Version),
		},
		// Query the specified datapath.
		Data: headerBytes(ovsh.Header{
			Ifindex: int32(index),
		}),
	}

	flags := netlink.HeaderFlagsRequest | netlink.HeaderFlagsDump
	msgs, err := s.c.c.Execute(req, s.f.ID, flags)
	if err != nil {
		return nil, err
	}

	return parseFlows(msgs)
}

// RawList dumps every installed flow on the datapath identified by index
// in the raw key/mask/actions/stats form the core engine's stats pull-up
// pass (§4.3) consumes, skipping ovsh's partial typed-key decode that
// List performs for display purposes.
func (s *FlowService) RawList(index int) ([]RawFlow, []ovsh.FlowStats, error) {
	req := genetlink.Message{
		Header: genetlink.Header{
			Command: ovsh.FlowCmdGet,
			Version: uint8(s.f.Version),
		},
		Data: headerBytes(ovsh.Header{Ifindex: int32(index)}),
	}

	flags := netlink.HeaderFlagsRequest | netlink.HeaderFlagsDump
	msgs, err := s.c.c.Execute(req, s.f.ID, flags)
	if err != nil {
		return nil, nil, err
	}

	raws := make([]RawFlow, 0, len(msgs))
	stats := make([]ovsh.FlowStats, 0, len(msgs))
	for _, m := range msgs {
		attrs, err := netlink.UnmarshalAttributes(m.Data[sizeofHeader:])
		if err != nil {
			return nil, nil, err
		}

		var rf RawFlow
		var st ovsh.FlowStats
		for _, a := range attrs {
			switch a.Type {
			case ovsh.FlowAttrKey:
				rf.Key = a.Data
			case ovsh.FlowAttrMask:
				rf.Mask = a.Data
			case ovsh.FlowAttrActions:
				rf.Actions = a.Data
			case ovsh.FlowAttrStats:
				if len(a.Data) == int(unsafe.Sizeof(ovsh.FlowStats{})) {
					st = *(*ovsh.FlowStats)(unsafe.Pointer(&a.Data[0]))
				}
			}
		}
		raws = append(raws, rf)
		stats = append(stats, st)
	}

	return raws, stats, nil
}

// parseFlows parses a slice of Flows from a slice of generic netlink
// messages.
func parseFlows(msgs []genetlink.Message) ([]Flow, error) {
	flows := make([]Flow, 0, len(msgs))

	for _, m := range msgs {
		// Fetch the header at the beginning of the message.
		h, err := parseHeader(m.Data)
		if err != nil {
			return nil, err
		}

		_ = h

		// Skip the header to parse attributes.
		attrs, err := netlink.UnmarshalAttributes(m.Data[sizeofHeader:])
		if err != nil {
			return nil, err
		}

		var f Flow

		for _, a := range attrs {
			switch a.Type {
			case ovsh.FlowAttrKey:
				f.Keys, err = parseFlowKeys(a.Data)
				if err != nil {
					return nil, err
				}
			case ovsh.FlowAttrStats:
				s := *(*ovsh.FlowStats)(unsafe.Pointer(&a.Data[0]))
				f.Stats = s
			}
		}

		if len(f.Keys) == 0 {
			continue
		}
		if f.Stats.Bytes == 0 && f.Stats.Packets == 0 {
			continue
		}

		flows = append(flows, f)
	}

	return flows, nil
}

func parseFlowKeys(b []byte) ([]FlowKey, error) {
	attrs, err := netlink.UnmarshalAttributes(b)
	if err != nil {
		return nil, err
	}

	var keys []FlowKey

	for _, a := range attrs {
		switch a.Type {
		case ovsh.KeyAttrEthertype:
			keys = append(keys, FlowKeyEtherType(binary.BigEndian.Uint16(a.Data)))
			/*
				case ovsh.KeyAttrVlan:
					var v ethernet.VLAN
					if err := (&v).UnmarshalBinary(a.Data); err != nil {
						return nil, err
					}

					keys = append(keys, v)
				case ovsh.KeyAttrEthernet:
					eth := *(*ovsh.KeyEthernet)(unsafe.Pointer(&a.Data[0]))
					keys = append(keys, eth)
			*/
		case ovsh.KeyAttrEncap:
			encap, err := parseFlowKeys(a.Data)
			if err != nil {
				return nil, err
			}
			if len(encap) == 0 {
				continue
			}

			keys = append(keys, FlowKeyEncap(encap))
		case ovsh.KeyAttrIpv4:
			ip4 := *(*ovsh.KeyIPv4)(unsafe.Pointer(&a.Data[0]))

			if ip4.Proto == 0 {
				continue
			}

			/*
				src := *(*[4]byte)(unsafe.Pointer(&ip4.Src))
				dst := *(*[4]byte)(unsafe.Pointer(&ip4.Dst))

				log.Println(src, dst)
			*/

			keys = append(keys, IP{
				Family:   FamilyIPv4,
				Protocol: int(ip4.Proto),
			})
		case ovsh.KeyAttrIpv6:
			ip6 := *(*ovsh.KeyIPv6)(unsafe.Pointer(&a.Data[0]))

			if ip6.Proto == 0 {
				continue
			}

			/*
				src := make([]byte, 16)
				for i, part := range ip6.Src {
					start := i * 4
					binary.LittleEndian.PutUint32(src[start:start+4], part)
				}

				dst := make([]byte, 16)
				for i, part := range ip6.Dst {
					start := i * 4
					binary.LittleEndian.PutUint32(dst[start:start+4], part)
				}
			*/

			keys = append(keys, IP{
				Family:   FamilyIPv6,
				Protocol: int(ip6.Proto),
			})
		}
	}

	return keys, nil
}

type IP struct {
	Family Family
	//Source, Destination net.IP
	Protocol int
}

type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)
