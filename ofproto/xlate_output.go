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

// doOutput dispatches an OFPAT_OUTPUT by port number, handling the
// reserved OFPP_* values before falling through to a concrete port (§4.2).
func (ctx *xlateCtx) doOutput(port uint32, maxLen uint16) {
	switch port {
	case OfppController:
		ctx.out.SlowPathReason |= SlowController
		ctx.appendAction(dpif.Userspace(controllerCookie(Controller{Reason: ReasonAction, MaxLen: maxLen})))
	case OfppInPort:
		ctx.markReadInPort()
		ctx.outputPort(ctx.flow.InPort)
	case OfppNormal:
		ctx.out.HasNormal = true
		ctx.normal()
	case OfppFlood:
		ctx.floodAll(true)
	case OfppAll:
		ctx.floodAll(false)
	case OfppNone:
		// Explicitly discard.
	default:
		ctx.outputPort(port)
	}
}

// outputPort sends the current packet out a concrete OpenFlow port,
// applying STP, CFM/LACP slow-path marking, VLAN-splinter egress rewrite,
// patch-port recursion, and tunnel encapsulation (§4.2, §4.7).
func (ctx *xlateCtx) outputPort(ofPort uint32) {
	p, ok := ctx.bridge.Ports.ByOfPort(ofPort)
	if !ok {
		return
	}
	if !p.Stp.Forwarding() {
		return
	}
	if p.Flags&PortNoFwd != 0 {
		return
	}
	if p.CfmFaulted {
		ctx.out.SlowPathReason |= SlowCfm
	}
	if p.LacpEnabled {
		ctx.out.SlowPathReason |= SlowLacp
	}

	if p.Peer != nil {
		ctx.crossPatch(p.Peer)
		return
	}

	if p.Splinter != nil {
		if realPort, vid, ok := p.RewriteEgress(); ok {
			ctx.appendAction(dpif.PushVlan(vid | 0x1000))
			ctx.emitOutput(realPort, ofPort)
			return
		}
	}

	if p.Tunnel != nil {
		ctx.appendAction(dpif.Tunnel(p.Tunnel.ID, p.Tunnel.LocalIP, p.Tunnel.RemoteIP, p.Tunnel.Tos, p.Tunnel.Ttl))
	}

	ctx.emitOutput(p.OdpPort, ofPort)
}

// emitOutput appends the datapath Output action and performs the
// bookkeeping every successful output triggers: sFlow cookie fixup and
// mirror-output-bundle tracking.
func (ctx *xlateCtx) emitOutput(odpPort uint32, ofPort uint32) {
	ctx.appendAction(dpif.Output(odpPort))
	ctx.resolveSflowCookies(odpPort)
	ctx.out.NetflowOutputIface = odpPort

	if name, _, ok := ctx.bridge.BundleOf(ofPort); ok {
		ctx.outBundles = append(ctx.outBundles, name)
	}
}

// crossPatch recurses translation into a patch port's peer bridge, subject
// to the same recursion bound as Resubmit/GotoTable (§4.2, §8 "Recursion
// bound").
func (ctx *xlateCtx) crossPatch(peer *PatchPeer) {
	if ctx.depth >= MaxResubmitRecursion {
		ctx.out.ResubmitTrigger = true
		return
	}

	var peerBridge *Bridge
	if ctx.engine != nil {
		for _, br := range ctx.engine.Bridges() {
			if br.Name == peer.Bridge {
				peerBridge = br
				break
			}
		}
	}
	if peerBridge == nil {
		return
	}

	savedBridge, savedFlow := ctx.bridge, ctx.flow
	ctx.bridge = peerBridge
	ctx.flow.InPort = peer.Port
	ctx.depth++

	var w Wildcards
	r := peerBridge.LookupRule(ctx.flow, &w, 0)
	ctx.wildcards = orWildcards(ctx.wildcards, w)
	if r != nil {
		ctx.execute(r.Ofpacts)
	}

	ctx.depth--
	ctx.bridge, ctx.flow = savedBridge, savedFlow
}

// floodAll implements OFPP_FLOOD/OFPP_ALL: output to every port except the
// ingress port, honoring PortNoFlood only for OFPP_FLOOD (§4.2).
func (ctx *xlateCtx) floodAll(respectNoFlood bool) {
	ctx.markReadInPort()
	for _, p := range ctx.bridge.Ports.byOfPort {
		if p.OfPort == ctx.flow.InPort {
			continue
		}
		if respectNoFlood && p.Flags&PortNoFlood != 0 {
			continue
		}
		ctx.outputPort(p.OfPort)
	}
}
