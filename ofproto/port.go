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

import "fmt"

// PortFlags are the OpenFlow port configuration bits translation consults
// when deciding whether Output is allowed (§4.2 "Output with STP/patch/
// tunnel handling").
type PortFlags uint32

// PortFlags values.
const (
	PortNoFwd PortFlags = 1 << iota
	PortNoPacketIn
	PortNoFlood
)

// StpState is the spanning-tree port state consumed from the (external,
// §1) STP subsystem. Only its effect on forwarding is modeled here.
type StpState uint8

// StpState values.
const (
	StpDisabled StpState = iota
	StpListening
	StpLearning
	StpForwarding
	StpBlocking
)

// Forwarding reports whether s allows a packet to egress, per §4.2.
func (s StpState) Forwarding() bool { return s == StpForwarding || s == StpDisabled }

// Port is the Port Adapter's record for one OpenFlow port, translating
// ofp_port <-> odp_port (§4.7) and carrying the external protocol state
// (CFM/LACP/STP) translation needs to compute a slow-path reason.
type Port struct {
	OfPort  uint32
	OdpPort uint32
	Name    string
	Flags   PortFlags

	Stp StpState

	// CfmFaulted and LacpEnabled are signals consumed from the CFM/LACP
	// subsystems (external collaborators, §1): only their effect on
	// translation -- forcing a slow-path reason -- is modeled.
	CfmFaulted  bool
	LacpEnabled bool

	// Peer is non-nil when this port is a patch-port half; translation
	// recurses into the peer bridge when outputting here (§4.2).
	Peer *PatchPeer

	// Tunnel is non-nil when this port composes an encapsulating tunnel
	// send (§4.2).
	Tunnel *TunnelConfig

	// Splinter is non-nil for a deprecated VLAN-splinter "vlan device"
	// port (§4.7): ingress rewrites InPort to RealPort and VlanTci to
	// Vid; egress applies the inverse.
	Splinter *SplinterConfig
}

// PatchPeer names the bridge and port a patch port crosses into.
type PatchPeer struct {
	Bridge string
	Port   uint32
}

// TunnelConfig parameterizes a tunnel port's encapsulation.
type TunnelConfig struct {
	ID        uint64
	RemoteIP  uint32
	LocalIP   uint32
	Tos, Ttl  uint8
}

// SplinterConfig records a VLAN-splinter port's real device and VID.
type SplinterConfig struct {
	RealPort uint32
	Vid      uint16
}

// PortTable owns the ofp_port <-> odp_port mapping for one bridge, in both
// directions. It is not shared across bridges: a backer-wide odp_port
// lookup (Backer.portByOdp) searches each bridge's PortTable in turn.
type PortTable struct {
	byOfPort  map[uint32]*Port
	byOdpPort map[uint32]*Port
}

// NewPortTable creates an empty PortTable.
func NewPortTable() *PortTable {
	return &PortTable{
		byOfPort:  make(map[uint32]*Port),
		byOdpPort: make(map[uint32]*Port),
	}
}

// Add registers p, indexed by both of its port numbers.
func (t *PortTable) Add(p *Port) {
	t.byOfPort[p.OfPort] = p
	t.byOdpPort[p.OdpPort] = p
}

// Remove deletes p's entries.
func (t *PortTable) Remove(ofPort uint32) {
	if p, ok := t.byOfPort[ofPort]; ok {
		delete(t.byOdpPort, p.OdpPort)
		delete(t.byOfPort, ofPort)
	}
}

// ByOfPort looks up a Port by its OpenFlow port number.
func (t *PortTable) ByOfPort(ofPort uint32) (*Port, bool) {
	p, ok := t.byOfPort[ofPort]
	return p, ok
}

// ByOdpPort looks up a Port by its datapath port number; this is the
// ENODEV check of §4.1 -- a miss upcall whose odp ingress port has no
// entry here means the port vanished underneath the datapath.
func (t *PortTable) ByOdpPort(odpPort uint32) (*Port, bool) {
	p, ok := t.byOdpPort[odpPort]
	return p, ok
}

// errPortVanished is returned by the upcall dispatcher's port lookup to
// trigger the §4.1 ENODEV handling (synthesize a drop-key and move on).
type errPortVanished struct{ odpPort uint32 }

func (e *errPortVanished) Error() string {
	return fmt.Sprintf("ofproto: datapath port %d no longer exists", e.odpPort)
}

// IsPortVanished reports whether err is the ENODEV condition of §4.1/§7.
func IsPortVanished(err error) bool {
	_, ok := err.(*errPortVanished)
	return ok
}

// RewriteIngress applies the VLAN-splinter ingress rewrite (§4.7) to f in
// place if p is a splinter port: in_port becomes the real device and
// vlan_tci becomes the splinter's VID. The rewrite is deprecated but kept
// for compatibility, as the real subsystem keeps it.
func (p *Port) RewriteIngress(f *Flow) {
	if p.Splinter == nil {
		return
	}
	f.InPort = p.Splinter.RealPort
	f.VlanTci = p.Splinter.Vid | 0x1000 // CFI bit set, tagged
}

// RewriteEgress applies the inverse of RewriteIngress when translation
// decides to output to a splinter port: the real port is substituted and
// the VLAN tag is added back by the caller.
func (p *Port) RewriteEgress() (realPort uint32, vid uint16, ok bool) {
	if p.Splinter == nil {
		return 0, 0, false
	}
	return p.Splinter.RealPort, p.Splinter.Vid, true
}
