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

func TestMirrorVlanMemberEmptyFilterMatchesAll(t *testing.T) {
	m := &Mirror{}
	if !m.VlanMember(0) || !m.VlanMember(4095) {
		t.Fatal("an empty VLAN filter should match every VID")
	}
}

func TestMirrorVlanMemberRespectsBitmap(t *testing.T) {
	m := &Mirror{}
	m.Vlans[10/64] |= 1 << (10 % 64)

	if !m.VlanMember(10) {
		t.Fatal("VID present in the bitmap should match")
	}
	if m.VlanMember(11) {
		t.Fatal("VID absent from the bitmap should not match")
	}
}

func TestMirrorTableSelectedBySourceAndDestination(t *testing.T) {
	mt := &MirrorTable{}
	mt.Set(&Mirror{Index: 0, SrcBundles: BundleSet{"a": true}})
	mt.Set(&Mirror{Index: 1, DstBundles: BundleSet{"c": true}})

	got := mt.Selected("a", []string{"b"})
	if got != 1<<0 {
		t.Fatalf("Selected() = %b, want only mirror 0 (source match)", got)
	}

	got = mt.Selected("z", []string{"c"})
	if got != 1<<1 {
		t.Fatalf("Selected() = %b, want only mirror 1 (destination match)", got)
	}
}

func TestMirrorTableCollapseDuplicateOutputs(t *testing.T) {
	mt := &MirrorTable{}
	out := "c"
	mt.Set(&Mirror{Index: 0, SrcBundles: BundleSet{"a": true}, OutputBundle: &out})
	mt.Set(&Mirror{Index: 1, SrcBundles: BundleSet{"b": true}, OutputBundle: &out})
	mt.Reconfigure()

	set := mt.Selected("a", nil) | mt.Selected("b", nil)
	collapsed := mt.Collapse(set)

	if collapsed != 1<<0 {
		t.Fatalf("Collapse() = %b, want only the lower-indexed mirror (both target bundle %q)", collapsed, out)
	}
}

func TestMirrorTableCollapseThreeWayDuplicate(t *testing.T) {
	mt := &MirrorTable{}
	out := "c"
	mt.Set(&Mirror{Index: 0, SrcBundles: BundleSet{"a": true}, OutputBundle: &out})
	mt.Set(&Mirror{Index: 1, SrcBundles: BundleSet{"b": true}, OutputBundle: &out})
	mt.Set(&Mirror{Index: 2, SrcBundles: BundleSet{"d": true}, OutputBundle: &out})
	mt.Reconfigure()

	set := mt.Selected("a", nil) | mt.Selected("b", nil) | mt.Selected("d", nil)
	collapsed := mt.Collapse(set)

	if collapsed != 1<<0 {
		t.Fatalf("Collapse() = %b, want only mirror 0 surviving out of three sharing output %q", collapsed, out)
	}
}

func TestMirrorTableCollapseLeavesDistinctOutputsUncollapsed(t *testing.T) {
	mt := &MirrorTable{}
	outC, outD := "c", "d"
	mt.Set(&Mirror{Index: 0, SrcBundles: BundleSet{"a": true}, OutputBundle: &outC})
	mt.Set(&Mirror{Index: 1, SrcBundles: BundleSet{"b": true}, OutputBundle: &outD})
	mt.Reconfigure()

	set := mt.Selected("a", nil) | mt.Selected("b", nil)
	collapsed := mt.Collapse(set)

	if collapsed != set {
		t.Fatalf("Collapse() = %b, want %b unchanged (distinct outputs are not duplicates)", collapsed, set)
	}
}

func TestApplyMirrorsOutputsToMirrorBundle(t *testing.T) {
	br := newNormalBridge()
	mirrorTo := "c"
	br.Mirrors.Set(&Mirror{Index: 0, Name: "m0", SrcBundles: BundleSet{"a": true}, OutputBundle: &mirrorTo})
	br.Mirrors.Reconfigure()

	ctx := &xlateCtx{bridge: br, flow: Flow{InPort: 1}, srcBundle: "a"}
	ctx.applyMirrors()

	if ctx.out.Mirrors != 1 {
		t.Fatalf("out.Mirrors = %b, want mirror 0 selected", ctx.out.Mirrors)
	}
	if len(ctx.actions) != 1 {
		t.Fatalf("got %d datapath actions, want 1 (mirrored output to bundle c)", len(ctx.actions))
	}
}
