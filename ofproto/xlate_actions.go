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
	"hash/fnv"

	"github.com/ovs-project/ofproto-dpif/dpif"
)

func u16Bytes(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func u32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
func macBytes(m MAC) []byte {
	b := make([]byte, 6)
	copy(b, m[:])
	return b
}

func macToUint64(m MAC) uint64 {
	var v uint64
	for _, b := range m {
		v = v<<8 | uint64(b)
	}
	return v
}

func macFromUint64(v uint64, mac *MAC) {
	for i := 5; i >= 0; i-- {
		mac[i] = byte(v)
		v >>= 8
	}
}

func tpAttr(proto uint8) dpif.AttrType {
	if proto == IPProtoUDP {
		return dpif.AttrUDP
	}
	return dpif.AttrTCP
}

// getField/setFlowField/setWildcardField are the accessor table that backs
// RegMove, RegLoad, Multipath, and Learn's FieldSpecs: every
// action that moves bits between "registers" goes through these instead of
// a second per-action switch (design note §9).
func (ctx *xlateCtx) getField(f Field) uint64 {
	switch f {
	case FieldVlanVid:
		return uint64(ctx.flow.VlanTci & 0x0fff)
	case FieldVlanPcp:
		return uint64((ctx.flow.VlanTci >> 13) & 0x7)
	case FieldEthSrc:
		return macToUint64(ctx.flow.DlSrc)
	case FieldEthDst:
		return macToUint64(ctx.flow.DlDst)
	case FieldIpv4Src:
		return uint64(ctx.flow.Ipv4Src)
	case FieldIpv4Dst:
		return uint64(ctx.flow.Ipv4Dst)
	case FieldIpv4Dscp:
		return uint64(ctx.flow.NwTos)
	case FieldL4SrcPort:
		return uint64(ctx.flow.TpSrc)
	case FieldL4DstPort:
		return uint64(ctx.flow.TpDst)
	case FieldInPort:
		return uint64(ctx.flow.InPort)
	case FieldReg0:
		return uint64(ctx.flow.Regs[0])
	case FieldMetadata:
		return ctx.flow.Metadata
	case FieldTunnelID:
		return ctx.flow.TunnelID
	}
	return 0
}

func setFlowField(f *Flow, field Field, v uint64) {
	switch field {
	case FieldVlanVid:
		f.VlanTci = (f.VlanTci &^ 0x0fff) | uint16(v&0x0fff)
	case FieldVlanPcp:
		f.VlanTci = (f.VlanTci &^ 0xe000) | (uint16(v&7) << 13)
	case FieldEthSrc:
		macFromUint64(v, &f.DlSrc)
	case FieldEthDst:
		macFromUint64(v, &f.DlDst)
	case FieldIpv4Src:
		f.Ipv4Src = uint32(v)
	case FieldIpv4Dst:
		f.Ipv4Dst = uint32(v)
	case FieldIpv4Dscp:
		f.NwTos = uint8(v)
	case FieldL4SrcPort:
		f.TpSrc = uint16(v)
	case FieldL4DstPort:
		f.TpDst = uint16(v)
	case FieldInPort:
		f.InPort = uint32(v)
	case FieldReg0:
		f.Regs[0] = uint32(v)
	case FieldMetadata:
		f.Metadata = v
	case FieldTunnelID:
		f.TunnelID = v
	}
}

func setWildcardField(w *Wildcards, field Field) {
	switch field {
	case FieldVlanVid, FieldVlanPcp:
		w.VlanTci = ^uint16(0)
	case FieldEthSrc:
		w.DlSrc = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	case FieldEthDst:
		w.DlDst = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	case FieldIpv4Src:
		w.Ipv4Src = ^uint32(0)
	case FieldIpv4Dst:
		w.Ipv4Dst = ^uint32(0)
	case FieldIpv4Dscp:
		w.NwTos = ^uint8(0)
	case FieldL4SrcPort:
		w.TpSrc = ^uint16(0)
	case FieldL4DstPort:
		w.TpDst = ^uint16(0)
	case FieldInPort:
		w.InPort = ^uint32(0)
	case FieldReg0:
		w.Regs[0] = ^uint32(0)
	case FieldMetadata:
		w.Metadata = ^uint64(0)
	case FieldTunnelID:
		w.TunnelID = ^uint64(0)
	}
}

func (ctx *xlateCtx) putField(f Field, v uint64) { setFlowField(&ctx.flow, f, v) }

func (ctx *xlateCtx) setFieldBits(f Field, start, nbits int, v uint64) {
	mask := uint64(1)<<uint(nbits) - 1
	cur := ctx.getField(f)
	next := (cur &^ (mask << uint(start))) | ((v & mask) << uint(start))
	ctx.putField(f, next)
}

func (ctx *xlateCtx) doSetField(a SetField) {
	switch a.Field {
	case FieldVlanVid:
		ctx.flow.VlanTci = (ctx.flow.VlanTci &^ 0x0fff) | (uint16(a.Value) & 0x0fff)
		ctx.appendAction(dpif.SetField(dpif.AttrVlan, u16Bytes(ctx.flow.VlanTci)))
	case FieldVlanPcp:
		ctx.flow.VlanTci = (ctx.flow.VlanTci &^ 0xe000) | ((uint16(a.Value) & 0x7) << 13)
		ctx.appendAction(dpif.SetField(dpif.AttrVlan, u16Bytes(ctx.flow.VlanTci)))
	case FieldEthSrc:
		macFromUint64(a.Value, &ctx.flow.DlSrc)
		ctx.appendAction(dpif.SetField(dpif.AttrEthernet, macBytes(ctx.flow.DlSrc)))
	case FieldEthDst:
		macFromUint64(a.Value, &ctx.flow.DlDst)
		ctx.appendAction(dpif.SetField(dpif.AttrEthernet, macBytes(ctx.flow.DlDst)))
	case FieldIpv4Src:
		ctx.flow.Ipv4Src = uint32(a.Value)
		ctx.appendAction(dpif.SetField(dpif.AttrIPv4, u32Bytes(ctx.flow.Ipv4Src)))
	case FieldIpv4Dst:
		ctx.flow.Ipv4Dst = uint32(a.Value)
		ctx.appendAction(dpif.SetField(dpif.AttrIPv4, u32Bytes(ctx.flow.Ipv4Dst)))
	case FieldIpv4Dscp:
		ctx.flow.NwTos = (ctx.flow.NwTos &^ 0xfc) | (uint8(a.Value) & 0xfc)
		ctx.appendAction(dpif.SetField(dpif.AttrIPv4, []byte{ctx.flow.NwTos}))
	case FieldL4SrcPort:
		ctx.flow.TpSrc = uint16(a.Value)
		ctx.appendAction(dpif.SetField(tpAttr(ctx.flow.NwProto), u16Bytes(ctx.flow.TpSrc)))
	case FieldL4DstPort:
		ctx.flow.TpDst = uint16(a.Value)
		ctx.appendAction(dpif.SetField(tpAttr(ctx.flow.NwProto), u16Bytes(ctx.flow.TpDst)))
	}
}

func (ctx *xlateCtx) doRegMove(a RegMove) {
	mask := uint64(1)<<uint(a.NBits) - 1
	v := (ctx.getField(a.SrcField) >> uint(a.SrcOfs)) & mask
	ctx.setFieldBits(a.DstField, a.DstOfs, a.NBits, v)
}

func (ctx *xlateCtx) doRegLoad(a RegLoad) {
	ctx.setFieldBits(a.Field, a.Start, a.NBits, a.Value)
}

func (ctx *xlateCtx) doPushMpls(a PushMpls) {
	if ctx.flow.MplsDepth >= MaxMplsLabels {
		return
	}
	copy(ctx.flow.MplsLabels[1:], ctx.flow.MplsLabels[:ctx.flow.MplsDepth])
	ctx.flow.MplsLabels[0] = 0
	ctx.flow.MplsDepth++
	ctx.flow.DlType = a.Ethertype
}

func (ctx *xlateCtx) doPopMpls(a PopMpls) {
	if ctx.flow.MplsDepth == 0 {
		return
	}
	copy(ctx.flow.MplsLabels[:], ctx.flow.MplsLabels[1:ctx.flow.MplsDepth])
	ctx.flow.MplsDepth--
	ctx.flow.DlType = a.Ethertype
}

func (ctx *xlateCtx) doDecMplsTtl() {
	if ctx.flow.MplsDepth == 0 {
		return
	}
	ttl := uint8(ctx.flow.MplsLabels[0])
	if ttl == 0 {
		ctx.out.SlowPathReason |= SlowController
		ctx.appendAction(dpif.Userspace(controllerCookie(Controller{Reason: ReasonInvalidTTL})))
		return
	}
	ctx.flow.MplsLabels[0] = (ctx.flow.MplsLabels[0] &^ 0xff) | uint32(ttl-1)
}

func (ctx *xlateCtx) doDecTtl(a DecTtl) {
	if ctx.flow.NwTtl == 0 {
		for _, id := range a.ControllerIDs {
			ctx.out.SlowPathReason |= SlowController
			ctx.appendAction(dpif.Userspace(controllerCookie(Controller{Reason: ReasonInvalidTTL, ID: id})))
		}
		return
	}
	ctx.flow.NwTtl--
}

// bondHash implements the FNV-based hash Multipath and BundleAction share
// (§4.7). Bundle.BondHash does not use it; it hashes only the VLAN and the
// Ethernet addresses.
func bondHash(basis uint16, f Flow) uint32 {
	h := fnv.New32a()
	var buf [22]byte
	buf[0] = byte(basis >> 8)
	buf[1] = byte(basis)
	copy(buf[2:8], f.DlSrc[:])
	copy(buf[8:14], f.DlDst[:])
	binary.BigEndian.PutUint32(buf[14:18], f.Ipv4Src)
	binary.BigEndian.PutUint32(buf[18:22], f.Ipv4Dst)
	_, _ = h.Write(buf[:])
	return h.Sum32()
}

func (ctx *xlateCtx) doMultipath(a Multipath) {
	if a.MaxLink == 0 {
		ctx.setFieldBits(a.Dst, a.DstOfs, a.DstNBits, 0)
		return
	}
	link := uint64(bondHash(a.Basis, ctx.flow)) % uint64(a.MaxLink+1)
	ctx.setFieldBits(a.Dst, a.DstOfs, a.DstNBits, link)
}

func (ctx *xlateCtx) doBundleAction(a BundleAction) {
	if len(a.Members) == 0 {
		return
	}
	idx := int(bondHash(a.Basis, ctx.flow) % uint32(len(a.Members)))
	ctx.doOutput(a.Members[idx], 0)
}

// doLearn reads a.Specs off the current flow to build a new Rule and
// inserts it, per §4.2. Only called when ctx.mayLearn (execute already
// guards this).
func (ctx *xlateCtx) doLearn(a Learn) {
	var match Flow
	var mask Wildcards
	var actions []Action

	for _, spec := range a.Specs {
		mbits := uint64(1)<<uint(spec.NBits) - 1
		v := (ctx.getField(spec.SrcField) >> uint(spec.SrcOfs)) & mbits
		if spec.DstIsMatch {
			setFlowField(&match, spec.DstField, v<<uint(spec.DstOfs))
			setWildcardField(&mask, spec.DstField)
		} else {
			actions = append(actions, SetField{
				Field: spec.DstField,
				Value: v << uint(spec.DstOfs),
				Mask:  mbits << uint(spec.DstOfs),
			})
		}
	}

	r := NewRule(a.Table, match, mask, a.Priority, actions)
	r.Cookie = a.Cookie
	r.IdleTimeout = a.IdleTimeout
	r.HardTimeout = a.HardTimeout
	ctx.bridge.InsertRule(r)
}

func sampleCookie(a Sample) []byte {
	b := make([]byte, 17)
	b[0] = byte(a.Type)
	binary.BigEndian.PutUint32(b[1:5], a.CollectorSetID)
	binary.BigEndian.PutUint32(b[5:9], a.ObsDomainID)
	binary.BigEndian.PutUint32(b[9:13], a.ObsPointID)
	return b
}

// doSample wraps a USERSPACE action in a datapath SAMPLE, per §4.2
// "Sampling (sFlow / IPFIX)". sFlow cookies are registered for the
// output-field fixup: the real output interface isn't known until a later
// Output executes.
func (ctx *xlateCtx) doSample(a Sample) {
	cookie := sampleCookie(a)
	act, err := dpif.Sample(a.Probability, []dpif.Action{dpif.Userspace(cookie)})
	if err != nil {
		return
	}
	ctx.appendAction(act)
	if a.Type == SampleSFlow {
		ctx.pendingSflowCookies = append(ctx.pendingSflowCookies, cookie)
	}
}

// resolveSflowCookies patches the output-interface field of every sFlow
// sample cookie recorded since the last output, completing the §4.2 "sFlow
// cookie output-field fixup".
func (ctx *xlateCtx) resolveSflowCookies(outputIface uint32) {
	for _, c := range ctx.pendingSflowCookies {
		binary.BigEndian.PutUint32(c[13:17], outputIface)
	}
	ctx.pendingSflowCookies = nil
}

func (ctx *xlateCtx) resubmitTo(inPort uint32, table uint8) {
	if ctx.depth >= MaxResubmitRecursion {
		ctx.out.ResubmitTrigger = true
		return
	}
	savedInPort := ctx.flow.InPort
	ctx.flow.InPort = inPort
	ctx.depth++

	var w Wildcards
	r := ctx.bridge.LookupRule(ctx.flow, &w, table)
	ctx.wildcards = orWildcards(ctx.wildcards, w)
	if r != nil {
		ctx.execute(r.Ofpacts)
	}

	ctx.depth--
	ctx.flow.InPort = savedInPort
}

func (ctx *xlateCtx) doResubmit(a Resubmit) {
	inPort := a.Port
	if inPort == 0 {
		inPort = ctx.flow.InPort
	}
	ctx.resubmitTo(inPort, a.Table)
}

func (ctx *xlateCtx) doGotoTable(a GotoTable) {
	ctx.resubmitTo(ctx.flow.InPort, a.Table)
}

func (ctx *xlateCtx) doEnqueue(queue, port uint32) {
	ctx.markReadInPort()
	if ctx.bridge.Backer != nil && ctx.bridge.Backer.Dp != nil {
		// The selected priority only affects datapath scheduling, not
		// any field the translation engine tracks; QueueToPriority is
		// still consulted so a bad queue ID is caught here rather than
		// silently at the datapath.
		_, _ = ctx.bridge.Backer.Dp.QueueToPriority(queue)
	}
	ctx.outputPort(port)
}
