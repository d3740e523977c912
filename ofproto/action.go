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

// Field identifies a flow field that a Set/RegMove/RegLoad/Learn/OutputReg
// action reads or writes. Design note §9 re-expresses the source's
// per-action accessor macros as values of this enum rather than a second
// layer of interfaces.
type Field uint8

// Field values, limited to the fields the action set in §4.2 actually
// touches.
const (
	FieldVlanVid Field = iota
	FieldVlanPcp
	FieldEthSrc
	FieldEthDst
	FieldIpv4Src
	FieldIpv4Dst
	FieldIpv4Dscp
	FieldL4SrcPort
	FieldL4DstPort
	FieldInPort
	FieldReg0
	FieldMetadata
	FieldTunnelID
)

// Action is the tagged union of every OpenFlow action the translation
// engine recognizes (§4.2). Each variant carries its operands by value, so
// the single exhaustive switch in Engine.execute is the action set's
// complete contract (design note §9).
type Action interface {
	action()
}

// Output sends the current packet out of Port. MaxLen bounds the bytes
// sent to a controller when Port is a controller reason, mirroring
// OFPAT_OUTPUT's max_len field.
type Output struct {
	Port   uint32
	MaxLen uint16
}

// Controller reason codes, used by both Output-to-controller and the
// Controller action.
type ControllerReason uint8

// ControllerReason values.
const (
	ReasonNoMatch ControllerReason = iota
	ReasonAction
	ReasonInvalidTTL
	ReasonExplicit
)

// Controller sends the packet to the OpenFlow controller.
type Controller struct {
	Reason ControllerReason
	MaxLen uint16
	ID     uint16
}

// Enqueue outputs to Port via Queue, selecting a scheduling priority via
// the datapath's queue_to_priority mapping.
type Enqueue struct {
	Queue uint32
	Port  uint32
}

// SetField overwrites Field with Value (and, for masked fields, consults
// Mask). It covers every Set{VlanVid,VlanPcp,EthSrc,EthDst,Ipv4Src,
// Ipv4Dst,Ipv4Dscp,L4SrcPort,L4DstPort} variant named in §4.2: they only
// differ in which Field they target.
type SetField struct {
	Field Field
	Value uint64
	Mask  uint64
}

// StripVlan removes the outermost VLAN tag.
type StripVlan struct{}

// PushVlan pushes a new VLAN header with the given TPID.
type PushVlan struct{ Ethertype uint16 }

// SetTunnel sets the tunnel ID for the eventual encapsulating action.
type SetTunnel struct{ ID uint64 }

// SetQueue selects Queue for subsequent Output actions.
type SetQueue struct{ Queue uint32 }

// PopQueue restores the queue selected before the most recent SetQueue.
type PopQueue struct{}

// RegMove copies NBits bits from SrcField at SrcOfs to DstField at DstOfs.
type RegMove struct {
	SrcField, DstField Field
	SrcOfs, DstOfs     int
	NBits              int
}

// RegLoad loads Value into NBits bits of Field starting at bit Start.
type RegLoad struct {
	Field      Field
	Start      int
	NBits      int
	Value      uint64
}

// StackPush/StackPop implement the NXAST_STACK_PUSH/POP actions used by
// learn-style field shuffling.
type StackPush struct{ Field Field }
type StackPop struct{ Field Field }

// PushMpls/PopMpls push or pop an MPLS label stack entry.
type PushMpls struct{ Ethertype uint16 }
type PopMpls struct{ Ethertype uint16 }

// SetMplsTtl/DecMplsTtl manipulate the outermost MPLS TTL.
type SetMplsTtl struct{ Ttl uint8 }
type DecMplsTtl struct{}

// DecTtl decrements the IP TTL; if it would underflow, the packet is
// instead sent to each controller ID in ControllerIDs with reason
// InvalidTtl.
type DecTtl struct{ ControllerIDs []uint16 }

// Note carries opaque annotation data with no run-time effect.
type Note struct{ Data []byte }

// Multipath computes a link-selection hash and loads it into Dst.
type Multipath struct {
	Fields    string
	Basis     uint16
	Algorithm string
	MaxLink   uint16
	Dst       Field
	DstOfs    int
	DstNBits  int
}

// BundleAction selects one of Members by hashing Fields, mirroring the
// OFPAT_EXPERIMENTER bundle load-balancing action used by bond ports. Named
// distinctly from the port-grouping Bundle type (bundle.go): the two share a
// name in upstream OpenFlow vocabulary but are unrelated types here.
type BundleAction struct {
	Fields  string
	Basis   uint16
	Members []uint32
}

// OutputReg outputs to the port number held in Field.
type OutputReg struct {
	Field Field
	Ofs   int
	NBits int
}

// FieldSpec names one (src subfield -> dst subfield) copy performed by a
// Learn action, per §4.2.
type FieldSpec struct {
	SrcField       Field
	SrcOfs, NBits  int
	DstField       Field
	DstOfs         int
	// DstIsMatch marks this spec as contributing to the learned rule's
	// match (as opposed to one of its actions).
	DstIsMatch bool
}

// Learn builds an ofproto_flow_mod from FieldSpecs read off the current
// flow and posts it to the rule table (§4.2). Suppressed when Engine is
// translating with MayLearn false.
type Learn struct {
	Table        uint8
	Priority     int
	IdleTimeout  uint16
	HardTimeout  uint16
	Cookie       uint64
	Specs        []FieldSpec
}

// Exit stops executing the current action list (but not any caller that
// resubmitted into it).
type Exit struct{}

// FinTimeout shortens a learned flow's timeouts once a TCP FIN/RST is seen.
type FinTimeout struct {
	IdleTimeout uint16
	HardTimeout uint16
}

// ClearActions drops every action accumulated in the current action set.
type ClearActions struct{}

// WriteMetadata sets Metadata bits covered by Mask.
type WriteMetadata struct {
	Value uint64
	Mask  uint64
}

// GotoTable jumps to Table, which must be strictly greater than the
// current table (§4.2).
type GotoTable struct{ Table uint8 }

// SampleType distinguishes the three upcall cookie shapes of §4.1 that a
// Sample action can target.
type SampleType uint8

// SampleType values.
const (
	SampleSFlow SampleType = iota
	SampleIPFIXFlow
	SampleIPFIXBridge
)

// Sample wraps a USERSPACE action in a datapath SAMPLE action, probability
// out of 65535.
type Sample struct {
	Probability    uint16
	CollectorSetID uint32
	ObsDomainID    uint32
	ObsPointID     uint32
	Type           SampleType
}

// Resubmit re-runs the lookup against Table (or the current table if zero)
// using Port (or in_port if zero) as the match's in_port, recursing into
// the rule found. Bounded by MaxResubmitRecursion.
type Resubmit struct {
	Port  uint32
	Table uint8
}

func (Output) action()        {}
func (Controller) action()    {}
func (Enqueue) action()       {}
func (SetField) action()      {}
func (StripVlan) action()     {}
func (PushVlan) action()      {}
func (SetTunnel) action()     {}
func (SetQueue) action()      {}
func (PopQueue) action()      {}
func (RegMove) action()       {}
func (RegLoad) action()       {}
func (StackPush) action()     {}
func (StackPop) action()      {}
func (PushMpls) action()      {}
func (PopMpls) action()       {}
func (SetMplsTtl) action()    {}
func (DecMplsTtl) action()    {}
func (DecTtl) action()        {}
func (Note) action()          {}
func (Multipath) action()     {}
func (BundleAction) action()  {}
func (OutputReg) action()     {}
func (Learn) action()         {}
func (Exit) action()          {}
func (FinTimeout) action()    {}
func (ClearActions) action()  {}
func (WriteMetadata) action() {}
func (GotoTable) action()     {}
func (Sample) action()        {}
func (Resubmit) action()      {}
