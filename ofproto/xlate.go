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
	"time"

	"github.com/ovs-project/ofproto-dpif/dpif"
)

// MaxResubmitRecursion bounds nested Resubmit/GotoTable frames (§4.2,
// §8 "Recursion bound").
const MaxResubmitRecursion = 64

// SlowPathReason is a bitmask of conditions that force a flow to keep
// being handled in userspace on every packet (§4.2).
type SlowPathReason uint8

// SlowPathReason bits.
const (
	SlowCfm SlowPathReason = 1 << iota
	SlowLacp
	SlowStp
	SlowController
)

// XlateOut is the result of translating one (flow, rule) pair, per §4.2.
type XlateOut struct {
	DatapathActions []dpif.Action
	Wildcards       Wildcards
	TagsUsed        []uint64
	SlowPathReason  SlowPathReason
	HasLearn        bool
	HasNormal       bool
	HasFinTimeout   bool
	FinIdleTimeout  uint16
	FinHardTimeout  uint16

	NetflowOutputIface uint32
	Mirrors            MirrorSet

	// ResubmitTrigger is set when MaxResubmitRecursion was reached
	// (§8 "Recursion bound"); DatapathActions is then empty. No caller
	// dumps a trace or marks the flow slow-path because of it.
	ResubmitTrigger bool

	// FinalFlow is the flow as it stood after the last action executed,
	// exposed for `ofproto/trace` output.
	FinalFlow Flow
}

// xlateCtx carries the mutable state of one top-level Translate call,
// including everything nested Resubmit/patch-port recursion needs to
// restore on return (design note §9 "Tunnel metadata save/restore").
type xlateCtx struct {
	bridge *Bridge
	engine *Engine

	flow      Flow
	baseFlow  Flow
	wildcards Wildcards

	rule  *Rule
	depth int

	mayLearn bool
	packet   []byte
	now      time.Time

	actions []dpif.Action
	out     XlateOut

	// queueStack holds the selected OpenFlow queues: SetQueue pushes one
	// and PopQueue drops the most recent.
	queueStack []uint32

	// outBundles accumulates the bundles a packet was actually output to
	// during this translation, consumed by the post-pass mirror
	// computation (§4.2 "Mirrors").
	outBundles []string
	srcBundle  string

	// pendingSflowCookies holds the userspace cookies of sFlow Sample
	// actions whose output interface field (§4.2 "sFlow cookie
	// output-field fixup") has not yet been patched in, because the
	// eventual Output that names it hasn't executed yet.
	pendingSflowCookies [][]byte
}

// Reserved OpenFlow port numbers translation treats specially (§4.2
// "Output with ... OFPP_NORMAL").
const (
	OfppInPort    uint32 = 0xfffffff8
	OfppNormal    uint32 = 0xfffffffa
	OfppFlood     uint32 = 0xfffffffb
	OfppAll       uint32 = 0xfffffffc
	OfppController uint32 = 0xfffffffd
	OfppNone      uint32 = 0xffffffff
)

// Translate executes rule's actions (or, if rule is nil, performs only a
// lookup-free Execute) against flow and returns the resulting datapath
// actions, accumulated wildcards, and side-effect summary (§4.2).
//
// mayLearn selects whether Learn actions actually run (true for a real
// packet miss) or are skipped as side-effect-free (false during
// revalidation and consistency checks, §4.3/§4.5). FinTimeout values are
// reported in XlateOut either way.
func Translate(engine *Engine, bridge *Bridge, flow Flow, rule *Rule, packet []byte, mayLearn bool, now time.Time) XlateOut {
	ctx := &xlateCtx{
		bridge:   bridge,
		engine:   engine,
		flow:     flow,
		baseFlow: flow,
		mayLearn: mayLearn,
		packet:   packet,
		now:      now,
		rule:     rule,
	}

	if rule != nil {
		ctx.execute(rule.Ofpacts)
	}

	ctx.finish()
	return ctx.out
}

// finish applies the cross-cutting fixups that must happen once, after
// every action has executed: the ICMP width fix (§4.2), mirror
// computation (§4.2), emptying the action list when the recursion bound
// was hit, and packing the accumulated state into XlateOut.
func (ctx *xlateCtx) finish() {
	if ctx.flow.IsICMP() {
		ctx.wildcards.MaskICMP()
	}

	if len(ctx.outBundles) > 0 || ctx.srcBundle != "" {
		ctx.applyMirrors()
	}

	if ctx.out.ResubmitTrigger {
		ctx.actions = nil
	}

	ctx.out.DatapathActions = ctx.actions
	ctx.out.Wildcards = ctx.wildcards
	ctx.out.FinalFlow = ctx.flow
}

// markRead OR-s field's full-width mask into the accumulated wildcards,
// implementing §4.2 "Wildcard accumulation": every field xlate reads to
// make a decision must be recorded, or packets differing only in that
// field risk being misclassified once the megaflow is installed.
func (ctx *xlateCtx) markReadInPort()  { ctx.wildcards.InPort = ^uint32(0) }
func (ctx *xlateCtx) markReadDlDst()   { ctx.wildcards.DlDst = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff} }
func (ctx *xlateCtx) markReadDlSrc()   { ctx.wildcards.DlSrc = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff} }
func (ctx *xlateCtx) markReadVlan()    { ctx.wildcards.VlanTci = ^uint16(0) }
func (ctx *xlateCtx) markReadDlType()  { ctx.wildcards.DlType = ^uint16(0) }
func (ctx *xlateCtx) markReadNwProto() { ctx.wildcards.NwProto = ^uint8(0) }

// execute runs actions against ctx, implementing the exhaustive switch
// design note §9 calls for.
func (ctx *xlateCtx) execute(actions []Action) {
	for _, a := range actions {
		if ctx.out.ResubmitTrigger {
			return
		}
		switch act := a.(type) {
		case Output:
			ctx.doOutput(act.Port, act.MaxLen)
		case Controller:
			ctx.out.SlowPathReason |= SlowController
			ctx.appendAction(dpif.Userspace(controllerCookie(act)))
		case Enqueue:
			ctx.doEnqueue(act.Queue, act.Port)
		case SetField:
			ctx.doSetField(act)
		case StripVlan:
			ctx.flow.VlanTci = 0
			ctx.appendAction(dpif.PopVlan())
		case PushVlan:
			ctx.flow.VlanTci = 0x1000
			ctx.appendAction(dpif.PushVlan(ctx.flow.VlanTci))
		case SetTunnel:
			ctx.flow.TunnelID = act.ID
		case SetQueue:
			ctx.queueStack = append(ctx.queueStack, act.Queue)
		case PopQueue:
			if n := len(ctx.queueStack); n > 0 {
				ctx.queueStack = ctx.queueStack[:n-1]
			}
		case RegMove:
			ctx.doRegMove(act)
		case RegLoad:
			ctx.doRegLoad(act)
		case StackPush, StackPop:
			// Opaque to translation's observable effects beyond the
			// register state RegLoad/RegMove already cover; no
			// separate datapath action is emitted.
		case PushMpls:
			ctx.doPushMpls(act)
		case PopMpls:
			ctx.doPopMpls(act)
		case SetMplsTtl:
			if ctx.flow.MplsDepth > 0 {
				ctx.flow.MplsLabels[0] = (ctx.flow.MplsLabels[0] &^ 0xff) | uint32(act.Ttl)
			}
		case DecMplsTtl:
			ctx.doDecMplsTtl()
		case DecTtl:
			ctx.doDecTtl(act)
		case Note:
			// No run-time effect.
		case Multipath:
			ctx.doMultipath(act)
		case BundleAction:
			ctx.doBundleAction(act)
		case OutputReg:
			ctx.doOutput(ctx.flow.Regs[act.Field-FieldReg0], 0)
		case Learn:
			ctx.out.HasLearn = true
			if ctx.mayLearn {
				ctx.doLearn(act)
			}
		case Exit:
			ctx.out.ResubmitTrigger = false
			return
		case FinTimeout:
			ctx.out.HasFinTimeout = true
			ctx.out.FinIdleTimeout = act.IdleTimeout
			ctx.out.FinHardTimeout = act.HardTimeout
		case ClearActions:
			ctx.actions = nil
		case WriteMetadata:
			ctx.flow.Metadata = (ctx.flow.Metadata &^ act.Mask) | (act.Value & act.Mask)
		case GotoTable:
			ctx.doGotoTable(act)
		case Sample:
			ctx.doSample(act)
		case Resubmit:
			ctx.doResubmit(act)
		}
	}
}

func controllerCookie(c Controller) []byte {
	return []byte{byte(c.Reason), byte(c.ID >> 8), byte(c.ID)}
}

func (ctx *xlateCtx) appendAction(a dpif.Action) {
	ctx.actions = append(ctx.actions, a)
}
