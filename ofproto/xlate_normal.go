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

import "github.com/ovs-project/ofproto-dpif/dpif"

// normal implements OFPP_NORMAL: the L2 learning-switch behavior bundles,
// VLANs, and the learning table exist to support (§4.7). It admits the
// packet onto its bundle's VLAN, learns the source address, and either
// unicasts to a learned destination bundle or floods to every bundle that
// carries the VLAN.
func (ctx *xlateCtx) normal() {
	ctx.markReadDlSrc()
	ctx.markReadDlDst()
	ctx.markReadVlan()
	ctx.markReadInPort()

	srcBundleName, srcBundle, ok := ctx.bridge.BundleOf(ctx.flow.InPort)
	if !ok {
		return
	}
	ctx.srcBundle = srcBundleName

	var vid uint16
	if ctx.flow.VlanTci&0x1000 != 0 {
		vid = ctx.flow.VlanTci & 0x0fff
	}
	vlan, ok := srcBundle.AdmitIngress(vid)
	if !ok {
		return
	}

	// OVS overlays ARP sender/target protocol addresses onto nw_src/
	// nw_dst in the flow key, the same way ICMP type/code overlay
	// tp_src/tp_dst (§4.2); IsGratuitousArp consumes that overlay.
	if IsGratuitousArp(&ctx.flow, ctx.flow.Ipv4Src, ctx.flow.Ipv4Dst) {
		ctx.bridge.Learning.Lock(ctx.flow.DlSrc, vlan, ctx.now)
	} else if ctx.mayLearn {
		if tag, changed := ctx.bridge.Learning.Update(ctx.flow.DlSrc, vlan, srcBundleName, ctx.now); changed {
			ctx.bridge.Backer.RevalidateTag(tag)
		}
	}

	if dstBundleName, found := ctx.bridge.Learning.Lookup(ctx.flow.DlDst, vlan); found {
		if dstBundleName == srcBundleName {
			return
		}
		ctx.outputToBundle(dstBundleName, vlan)
		return
	}

	for name, b := range ctx.bridge.Bundles {
		if name == srcBundleName {
			continue
		}
		if !b.FloodEligible || !b.IncludesVlan(vlan) {
			continue
		}
		ctx.outputToBundle(name, vlan)
	}
}

// outputToBundle resolves bundle's member port for vlan (via its bond
// hash), applies the §4.7 egress-tagging table, and outputs.
func (ctx *xlateCtx) outputToBundle(name string, vlan uint16) {
	b, ok := ctx.bridge.Bundle(name)
	if !ok {
		return
	}
	ofPort, ok := b.BondHash(vlan, &ctx.flow)
	if !ok {
		return
	}

	if tci, tagged := b.OutputTag(vlan); tagged {
		ctx.appendAction(dpif.PushVlan(tci | 0x1000))
	} else if ctx.flow.VlanTci&0x1000 != 0 {
		ctx.appendAction(dpif.PopVlan())
	}
	ctx.outputPort(ofPort)
}

// currentVlan is the VLAN a mirror filter checks a packet against: the tag
// still carried on the wire-format flow, masked to the 12-bit VID.
func (ctx *xlateCtx) currentVlan() uint16 { return ctx.flow.VlanTci & 0x0fff }

// applyMirrors computes and executes the §4.2 "Mirrors" post-pass: every
// mirror whose source bundle matches the ingress bundle, or whose
// destination bundle matches any bundle the packet was actually output to,
// gets a copy, with dup_mirrors collapsing duplicate (bundle, vlan) outputs.
func (ctx *xlateCtx) applyMirrors() {
	set := ctx.bridge.Mirrors.Selected(ctx.srcBundle, ctx.outBundles)
	if set == 0 {
		return
	}
	set = ctx.bridge.Mirrors.Collapse(set)
	ctx.out.Mirrors = set

	vlan := ctx.currentVlan()
	for i := 0; i < MaxMirrors; i++ {
		bit := MirrorSet(1 << uint(i))
		if set&bit == 0 {
			continue
		}
		m := ctx.bridge.Mirrors.Mirrors[i]
		if m == nil || !m.VlanMember(vlan) {
			continue
		}
		switch {
		case m.OutputBundle != nil:
			ctx.mirrorOutputBundle(*m.OutputBundle, vlan)
		case m.OutputVlan != nil:
			ctx.mirrorOutputVlan(*m.OutputVlan)
		}
	}
}

func (ctx *xlateCtx) mirrorOutputBundle(name string, vlan uint16) {
	b, ok := ctx.bridge.Bundle(name)
	if !ok {
		return
	}
	ofPort, ok := b.BondHash(vlan, &ctx.flow)
	if !ok {
		return
	}
	ctx.outputPort(ofPort)
}

func (ctx *xlateCtx) mirrorOutputVlan(vlan uint16) {
	for name, b := range ctx.bridge.Bundles {
		if !b.IncludesVlan(vlan) {
			continue
		}
		ctx.outputToBundle(name, vlan)
	}
}
