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
	"testing"
	"time"
)

func TestStpStateForwarding(t *testing.T) {
	cases := map[StpState]bool{
		StpDisabled:   true,
		StpForwarding: true,
		StpListening:  false,
		StpLearning:   false,
		StpBlocking:   false,
	}
	for state, want := range cases {
		if got := state.Forwarding(); got != want {
			t.Errorf("StpState(%d).Forwarding() = %v, want %v", state, got, want)
		}
	}
}

func TestPortTableAddRemoveLookup(t *testing.T) {
	pt := NewPortTable()
	p := &Port{OfPort: 1, OdpPort: 101}
	pt.Add(p)

	if got, ok := pt.ByOfPort(1); !ok || got != p {
		t.Fatal("ByOfPort should resolve the added port")
	}
	if got, ok := pt.ByOdpPort(101); !ok || got != p {
		t.Fatal("ByOdpPort should resolve the added port")
	}

	pt.Remove(1)
	if _, ok := pt.ByOfPort(1); ok {
		t.Fatal("Remove should clear the ofport index")
	}
	if _, ok := pt.ByOdpPort(101); ok {
		t.Fatal("Remove should also clear the odp_port index")
	}
}

func TestPortRewriteIngressSplinter(t *testing.T) {
	p := &Port{OfPort: 5, OdpPort: 105, Splinter: &SplinterConfig{RealPort: 999, Vid: 20}}
	f := &Flow{InPort: 5}
	p.RewriteIngress(f)

	if f.InPort != 999 {
		t.Fatalf("InPort after splinter rewrite = %d, want 999 (the real device)", f.InPort)
	}
	if f.VlanTci != 20|0x1000 {
		t.Fatalf("VlanTci after splinter rewrite = %#x, want %#x (VID with CFI set)", f.VlanTci, 20|0x1000)
	}
}

func TestPortRewriteIngressNoopWithoutSplinter(t *testing.T) {
	p := &Port{OfPort: 5, OdpPort: 105}
	f := &Flow{InPort: 5, VlanTci: 0x1234}
	p.RewriteIngress(f)

	if f.InPort != 5 || f.VlanTci != 0x1234 {
		t.Fatal("RewriteIngress should be a no-op for a non-splinter port")
	}
}

func TestPortRewriteEgress(t *testing.T) {
	p := &Port{Splinter: &SplinterConfig{RealPort: 999, Vid: 20}}
	realPort, vid, ok := p.RewriteEgress()
	if !ok || realPort != 999 || vid != 20 {
		t.Fatalf("RewriteEgress() = (%d, %d, %v), want (999, 20, true)", realPort, vid, ok)
	}

	plain := &Port{}
	if _, _, ok := plain.RewriteEgress(); ok {
		t.Fatal("RewriteEgress on a non-splinter port should report ok=false")
	}
}

func TestIsPortVanished(t *testing.T) {
	err := &errPortVanished{odpPort: 7}
	if !IsPortVanished(err) {
		t.Fatal("IsPortVanished should recognize its own error type")
	}
	if IsPortVanished(nil) {
		t.Fatal("IsPortVanished(nil) should be false")
	}
}

func TestOutputPortSplinterEgress(t *testing.T) {
	br := newTestBridge()
	br.Ports.Add(&Port{OfPort: 9, OdpPort: 109, Stp: StpDisabled, Splinter: &SplinterConfig{RealPort: 909, Vid: 30}})

	rule := NewRule(0, Flow{}, Wildcards{}, 0, []Action{Output{Port: 9}})
	out := Translate(nil, br, Flow{InPort: 1}, rule, nil, false, time.Now())

	if len(out.DatapathActions) != 2 {
		t.Fatalf("got %d datapath actions, want 2 (PushVlan, Output to the real device)", len(out.DatapathActions))
	}
}

func TestOutputPortCfmAndLacpSetSlowPath(t *testing.T) {
	br := newTestBridge()
	p, _ := br.Ports.ByOfPort(2)
	p.CfmFaulted = true
	p.LacpEnabled = true

	rule := NewRule(0, Flow{}, Wildcards{}, 0, []Action{Output{Port: 2}})
	out := Translate(nil, br, Flow{InPort: 1}, rule, nil, false, time.Now())

	if out.SlowPathReason&SlowCfm == 0 || out.SlowPathReason&SlowLacp == 0 {
		t.Fatalf("SlowPathReason = %#x, want both SlowCfm and SlowLacp set", out.SlowPathReason)
	}
}
