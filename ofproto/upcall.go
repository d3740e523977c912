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

// RunUpcalls drains up to dpif.MaxBatch pending upcalls from b's datapath
// handle and dispatches each one, per §4.1. It returns the number handled
// so the poll loop (§5) can decide whether to keep calling it in the same
// run_fast() iteration or yield.
func (b *Backer) RunUpcalls(now time.Time) (int, error) {
	n := 0
	for ; n < dpif.MaxBatch; n++ {
		u, err := b.Dp.Recv()
		if err != nil {
			if isTransient(err) {
				break
			}
			return n, err
		}
		b.handleUpcall(u, now)
	}
	return n, nil
}

func isTransient(err error) bool {
	type transient interface{ Temporary() bool }
	t, ok := err.(transient)
	return ok && t.Temporary()
}

// handleUpcall dispatches one upcall by kind. MISS upcalls run the full
// Facet/Subfacet path; ACTION (sample) upcalls carry their own userdata
// and need no further translation.
func (b *Backer) handleUpcall(u dpif.Upcall, now time.Time) {
	switch u.Kind {
	case dpif.UpcallMiss:
		b.handleMiss(u, now)
	case dpif.UpcallAction:
		// Sampling upcalls (sFlow/IPFIX) are fire-and-forget from the
		// engine's perspective once dispatched to the collector; that
		// hand-off is external I/O out of scope here (§1).
	}
}

// handleMiss resolves the ingress bridge/port for u, runs it through the
// owning bridge's Facet/Subfacet cache, and submits the resulting
// Execute/FlowPut ops back to the datapath, per §4.1/§4.3.
func (b *Backer) handleMiss(u dpif.Upcall, now time.Time) {
	odpPort, ok := keyInPort(u.Key)
	if !ok {
		return
	}

	port, ok := b.portByOdp(odpPort)
	if !ok {
		b.installDropKey(u.Key, now)
		return
	}

	br, ok := b.bridgeOwning(port)
	if !ok {
		b.installDropKey(u.Key, now)
		return
	}

	flow := flowFromKey(u.Key)
	flow.InPort = port.OfPort
	port.RewriteIngress(&flow)

	facet, out := br.Facets.Handle(flow, u.Packet, now)

	ops := []dpif.Op{{
		Kind:    dpif.OpExecute,
		Key:     u.Key,
		Actions: out.DatapathActions,
		Packet:  u.Packet,
	}}

	if facet.Subfacet != nil && facet.Subfacet.Installed {
		ops = append(ops, dpif.Op{
			Kind:    dpif.OpFlowPut,
			Key:     facet.Subfacet.Key,
			Mask:    facet.Subfacet.Mask,
			Actions: facet.Subfacet.Actions,
			Flags:   dpif.FlowPutCreate | dpif.FlowPutModify,
		})
	}

	b.Dp.Operate(ops)
}

// installDropKey installs a synthetic drop flow for a miss whose ingress
// port no longer exists in the Port Adapter's table, per the §4.1 ENODEV
// handling: the datapath keeps delivering upcalls for a stale port faster
// than userspace can react, so a standing drop rule is cheaper than
// repeatedly discarding the same upcall.
func (b *Backer) installDropKey(key dpif.Key, now time.Time) {
	h := key.Hash()
	if b.IsDropKey(h) {
		return
	}
	b.MarkDropKey(h)
	b.Dp.Operate([]dpif.Op{{
		Kind:  dpif.OpFlowPut,
		Key:   key,
		Flags: dpif.FlowPutCreate,
	}})
}

func (b *Backer) portByOdp(odpPort uint32) (*Port, bool) {
	for _, br := range b.BridgeList() {
		if p, ok := br.Ports.ByOdpPort(odpPort); ok {
			return p, true
		}
	}
	return nil, false
}

func (b *Backer) bridgeOwning(p *Port) (*Bridge, bool) {
	for _, br := range b.BridgeList() {
		if owned, ok := br.Ports.ByOfPort(p.OfPort); ok && owned == p {
			return br, true
		}
	}
	return nil, false
}

// keyInPort extracts the AttrInPort attribute from a dumped upcall key.
func keyInPort(k dpif.Key) (uint32, bool) {
	for _, a := range k {
		if a.Type == dpif.AttrInPort && len(a.Data) == 4 {
			return be32(a.Data), true
		}
	}
	return 0, false
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// flowFromKey builds the portion of a Flow the upcall's datapath key
// already carries. Parsing the packet payload itself to fill in the
// remaining fields (dl_type, nw_proto, transport ports, ...) is out of
// scope (§1 "the datapath's own packet parser is a non-goal"); callers
// that need a fully-populated Flow construct one from a parsed packet
// before calling Translate, as Facet/Subfacet caching keys primarily off
// of in_port plus whatever the datapath key's own attributes attest to.
func flowFromKey(k dpif.Key) Flow {
	var f Flow
	if p, ok := keyInPort(k); ok {
		f.InPort = p
	}
	return f
}
