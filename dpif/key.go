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

package dpif

import (
	"crypto/sha1"
	"encoding/binary"

	"github.com/mdlayher/netlink"
)

// AttrType enumerates the fixed set of Netlink attribute kinds spec §6
// names for datapath flow keys and actions.
type AttrType uint16

// AttrType values, named after the OVS_KEY_ATTR_*/OVS_ACTION_ATTR_*
// constants spec §6 lists.
const (
	AttrInPort AttrType = iota + 1
	AttrEthernet
	AttrVlan
	AttrEthertype
	AttrIPv4
	AttrIPv6
	AttrTCP
	AttrUDP
	AttrICMP
	AttrARP
	AttrND
	AttrTunnel
	AttrMPLS
	AttrSkbMark
	AttrPriority

	// Action-only attribute kinds.
	AttrActionOutput
	AttrActionUserspace
	AttrActionSet
	AttrActionPushVlan
	AttrActionPopVlan
	AttrActionSample
	AttrActionRecirc
	AttrActionTrunc
)

// Attr is one Netlink-attribute-shaped TLV, the building block of both
// datapath flow keys and datapath action lists (§6). Nested attributes
// (AttrActionSet, AttrActionSample) store their children pre-encoded in
// Data via netlink.MarshalAttributes.
type Attr struct {
	Type AttrType
	Data []byte
}

// Key is a serialized datapath flow key or mask: an ordered list of
// attributes. Order does not matter for correctness but is kept stable so
// two Keys built from the same Flow hash identically.
type Key []Attr

// Action is a single datapath action TLV appended to an installed flow's
// action list.
type Action = Attr

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// Marshal packs k into the Netlink attribute stream the real datapath
// expects, via github.com/mdlayher/netlink's attribute encoder -- the same
// library the teacher's ovsnl package uses to talk to the kernel.
func (k Key) Marshal() ([]byte, error) {
	attrs := make([]netlink.Attribute, len(k))
	for i, a := range k {
		attrs[i] = netlink.Attribute{Type: uint16(a.Type), Data: a.Data}
	}
	return netlink.MarshalAttributes(attrs)
}

// UnmarshalKey parses a raw Netlink attribute stream into a Key, the
// inverse of Marshal. Used when decoding a flow dumped back from the
// datapath during stats pull-up (§4.3).
func UnmarshalKey(b []byte) (Key, error) {
	attrs, err := netlink.UnmarshalAttributes(b)
	if err != nil {
		return nil, err
	}

	k := make(Key, len(attrs))
	for i, a := range attrs {
		k[i] = Attr{Type: AttrType(a.Type), Data: a.Data}
	}
	return k, nil
}

// Hash returns a stable fingerprint of k, used by the subfacet cache to
// look up a subfacet by datapath-key hash during stats pull-up (§4.3) and
// by the upcall dispatcher to collapse same-flow upcalls into one todo
// entry (§4.1).
func (k Key) Hash() [20]byte {
	b, err := k.Marshal()
	if err != nil {
		// A Key built by this package's own constructors always
		// marshals; a failure here means a caller hand-built an
		// invalid Attr, which is a programmer error.
		panic("dpif: invalid key: " + err.Error())
	}
	return sha1.Sum(b)
}

// Output builds an AttrActionOutput action targeting portNo.
func Output(portNo uint32) Action {
	return Action{Type: AttrActionOutput, Data: u32(portNo)}
}

// PopVlan builds an AttrActionPopVlan action.
func PopVlan() Action { return Action{Type: AttrActionPopVlan} }

// PushVlan builds an AttrActionPushVlan action carrying the 16-bit TCI to
// install (VID + PCP + CFI), matching the teacher's big-endian encoding
// convention for netlink-carried 16-bit fields (ovsnl/flow.go's
// KeyAttrEthertype handling).
func PushVlan(tci uint16) Action {
	return Action{Type: AttrActionPushVlan, Data: u16(tci)}
}

// SetField builds the nested AttrActionSet wrapping a single key
// attribute, e.g. Set(AttrIPv4, ip4Bytes) to rewrite an IPv4 header field.
// This is the §9 "commit_odp_actions" delta-flush re-expressed as a single
// eager constructor rather than a deferred sink.
func SetField(inner AttrType, data []byte) Action {
	nested, err := (Key{{Type: inner, Data: data}}).Marshal()
	if err != nil {
		panic("dpif: invalid set field: " + err.Error())
	}
	return Action{Type: AttrActionSet, Data: nested}
}

// Userspace builds an AttrActionUserspace action carrying an opaque
// cookie, used both for MISS-handled slow-path flows and as the inner
// action of a Sample (§4.2 "Sampling (sFlow / IPFIX)").
func Userspace(cookie []byte) Action {
	return Action{Type: AttrActionUserspace, Data: cookie}
}

// Sample builds a nested AttrActionSample wrapping actions, taken with
// probability probability/65535.
func Sample(probability uint16, actions []Action) (Action, error) {
	inner := make([]netlink.Attribute, len(actions))
	for i, a := range actions {
		inner[i] = netlink.Attribute{Type: uint16(a.Type), Data: a.Data}
	}
	actionsBytes, err := netlink.MarshalAttributes(inner)
	if err != nil {
		return Action{}, err
	}

	probAttr := netlink.Attribute{Type: 1, Data: u16(probability)}
	actionsAttr := netlink.Attribute{Type: 2, Data: actionsBytes}
	data, err := netlink.MarshalAttributes([]netlink.Attribute{probAttr, actionsAttr})
	if err != nil {
		return Action{}, err
	}

	return Action{Type: AttrActionSample, Data: data}, nil
}

// Tunnel builds an AttrTunnel key attribute from a tunnel ID plus IPv4
// endpoints, used both to match tunneled arrivals and to compose a tunnel
// send (§4.2 "Output with ... tunnel handling").
func Tunnel(id uint64, src, dst uint32, tos, ttl uint8) Action {
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, id)

	nested, err := (Key{
		{Type: 1, Data: idBuf},
		{Type: 2, Data: u32(src)},
		{Type: 3, Data: u32(dst)},
		{Type: 4, Data: []byte{tos}},
		{Type: 5, Data: []byte{ttl}},
	}).Marshal()
	if err != nil {
		panic("dpif: invalid tunnel attr: " + err.Error())
	}

	return Action{Type: AttrTunnel, Data: nested}
}
