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
	"github.com/ovs-project/ofproto-dpif/ovsnl/internal/ovsh"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

// PacketService provides access to methods which interact with the
// "ovs_packet" generic netlink family: executing an action list against a
// userspace-held packet, and receiving MISS/ACTION upcalls the kernel
// multicasts to this family's group (§4.1).
type PacketService struct {
	c *Client
	f genetlink.Family
}

// Upcall is one parsed ovs_packet multicast notification.
type Upcall struct {
	Kind     uint8 // ovsh.PacketCmdMiss or ovsh.PacketCmdAction
	Packet   []byte
	Key      []byte
	Userdata []byte
}

// Execute asks the kernel to run actions against packet as if it had just
// arrived on the datapath identified by index, entering it at key's flow
// context. This backs the core engine's OpExecute op (§4.1).
func (s *PacketService) Execute(index int, key, packet, actions []byte) error {
	req := genetlink.Message{
		Header: genetlink.Header{
			Command: ovsh.PacketCmdExecute,
			Version: uint8(s.f.Version),
		},
		Data: ovsMessageBytes(index,
			netlink.Attribute{Type: ovsh.PacketAttrKey, Data: key},
			netlink.Attribute{Type: ovsh.PacketAttrPacket, Data: packet},
			netlink.Attribute{Type: ovsh.PacketAttrActions, Data: actions},
		),
	}

	_, err := s.c.c.Execute(req, s.f.ID, netlink.HeaderFlagsRequest)
	return err
}

// JoinMulticast subscribes the client's socket to this family's multicast
// group, so Receive starts seeing MISS/ACTION upcalls (§4.1). OVS
// publishes exactly one group per family, named after the family itself.
func (s *PacketService) JoinMulticast() error {
	for _, g := range s.f.Groups {
		if g.Name == ovsh.PacketFamily {
			return s.c.c.JoinGroup(g.ID)
		}
	}
	return nil
}

// Receive blocks for the next multicast upcall. It is the concrete
// counterpart of dpif.Dpif.Recv, decoding the raw genetlink message into
// the attributes the Upcall Dispatcher (ofproto/upcall.go) needs.
func (s *PacketService) Receive() (Upcall, error) {
	msgs, _, err := s.c.c.Receive()
	if err != nil {
		return Upcall{}, err
	}
	if len(msgs) == 0 {
		return Upcall{}, nil
	}

	m := msgs[0]
	u := Upcall{Kind: m.Header.Command}

	if len(m.Data) < sizeofHeader {
		return u, nil
	}
	attrs, err := netlink.UnmarshalAttributes(m.Data[sizeofHeader:])
	if err != nil {
		return Upcall{}, err
	}
	for _, a := range attrs {
		switch a.Type {
		case ovsh.PacketAttrPacket:
			u.Packet = a.Data
		case ovsh.PacketAttrKey:
			u.Key = a.Data
		case ovsh.PacketAttrUserdata:
			u.Userdata = a.Data
		}
	}
	return u, nil
}
