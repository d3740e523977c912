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

import "testing"

func TestBundleAdmitIngress(t *testing.T) {
	trunk := &Bundle{Mode: Trunk}
	trunk.TrunkAdd(10)
	trunk.TrunkAdd(20)

	native := &Bundle{Mode: NativeUntagged, Vlan: 5}
	native.TrunkAdd(10)

	cases := []struct {
		name    string
		bundle  *Bundle
		vid     uint16
		wantVid uint16
		wantOK  bool
	}{
		{"access untagged admitted", &Bundle{Mode: Access, Vlan: 7}, 0, 7, true},
		{"access tagged dropped", &Bundle{Mode: Access, Vlan: 7}, 9, 0, false},
		{"trunk member admitted", trunk, 10, 10, true},
		{"trunk non-member dropped", trunk, 30, 0, false},
		{"native untagged gets native vlan", native, 0, 5, true},
		{"native trunk member admitted", native, 10, 10, true},
		{"native non-member dropped", native, 30, 0, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			vlan, ok := c.bundle.AdmitIngress(c.vid)
			if ok != c.wantOK || vlan != c.wantVid {
				t.Fatalf("AdmitIngress(%d) = (%d, %v), want (%d, %v)", c.vid, vlan, ok, c.wantVid, c.wantOK)
			}
		})
	}
}

func TestBundleOutputTag(t *testing.T) {
	native := &Bundle{Mode: NativeUntagged, Vlan: 5}

	cases := []struct {
		name       string
		bundle     *Bundle
		vlan       uint16
		wantTagged bool
	}{
		{"access never tags", &Bundle{Mode: Access, Vlan: 7}, 7, false},
		{"trunk always tags", &Bundle{Mode: Trunk}, 10, true},
		{"native untagged on native vlan", native, 5, false},
		{"native untagged on other vlan", native, 10, true},
		{"native tagged always tags", &Bundle{Mode: NativeTagged, Vlan: 5}, 5, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, tagged := c.bundle.OutputTag(c.vlan)
			if tagged != c.wantTagged {
				t.Fatalf("OutputTag(%d) tagged = %v, want %v", c.vlan, tagged, c.wantTagged)
			}
		})
	}
}

func TestBundleBondHashSingleMember(t *testing.T) {
	b := &Bundle{Ports: []uint32{42}}
	port, ok := b.BondHash(1, &Flow{})
	if !ok || port != 42 {
		t.Fatalf("BondHash with one member = (%d, %v), want (42, true)", port, ok)
	}
}

func TestBundleBondHashNoMembers(t *testing.T) {
	b := &Bundle{}
	if _, ok := b.BondHash(1, &Flow{}); ok {
		t.Fatal("BondHash with no members should refuse admission")
	}
}

func TestBundleBondHashUnconvergedLacpRefused(t *testing.T) {
	b := &Bundle{Ports: []uint32{1, 2}, LacpEnabled: true, LacpConverged: false}
	if _, ok := b.BondHash(1, &Flow{}); ok {
		t.Fatal("BondHash should refuse admission while LACP has not converged")
	}
}

func TestBundleBondHashStable(t *testing.T) {
	b := &Bundle{Ports: []uint32{1, 2, 3}}
	f := &Flow{DlSrc: MAC{1, 2, 3, 4, 5, 6}, DlDst: MAC{6, 5, 4, 3, 2, 1}}

	first, ok := b.BondHash(100, f)
	if !ok {
		t.Fatal("BondHash unexpectedly refused admission")
	}
	for i := 0; i < 10; i++ {
		next, ok := b.BondHash(100, f)
		if !ok || next != first {
			t.Fatalf("BondHash(100, f) is not stable across calls: got %d, want %d", next, first)
		}
	}
}

func TestBundleIsBonded(t *testing.T) {
	if (&Bundle{Ports: []uint32{1}}).IsBonded() {
		t.Fatal("single-port bundle reported bonded")
	}
	if !(&Bundle{Ports: []uint32{1, 2}}).IsBonded() {
		t.Fatal("two-port bundle did not report bonded")
	}
}

func TestBundleIncludesVlan(t *testing.T) {
	trunk := &Bundle{Mode: Trunk, Vlan: 99}
	trunk.TrunkAdd(10)

	if !trunk.IncludesVlan(10) {
		t.Fatal("trunk bundle should include a trunked VLAN")
	}
	if !trunk.IncludesVlan(99) {
		t.Fatal("trunk bundle should include its native/access VLAN field")
	}
	if trunk.IncludesVlan(11) {
		t.Fatal("trunk bundle should not include a non-member VLAN")
	}
}
