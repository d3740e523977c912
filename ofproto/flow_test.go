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

func TestExactWildcardsIsExact(t *testing.T) {
	w := ExactWildcards()
	if !w.IsExact() {
		t.Fatal("ExactWildcards() did not report IsExact()")
	}
}

func TestWildcardsIsExactFalseForZeroValue(t *testing.T) {
	var w Wildcards
	if w.IsExact() {
		t.Fatal("zero-value Wildcards reported IsExact()")
	}
}

func TestWildcardsMatchesExact(t *testing.T) {
	w := ExactWildcards()

	a := Flow{InPort: 1, DlType: EthTypeIPv4, NwProto: IPProtoTCP}
	b := a
	b.TpSrc = 80 // a field the exact mask does cover

	if w.Matches(a, b) {
		t.Fatal("exact wildcards matched flows differing in a covered field")
	}

	b = a
	if !w.Matches(a, b) {
		t.Fatal("exact wildcards rejected two identical flows")
	}
}

func TestWildcardsMatchesIgnoresUncoveredFields(t *testing.T) {
	var w Wildcards
	w.InPort = ^uint32(0)

	a := Flow{InPort: 1, TpSrc: 80}
	b := Flow{InPort: 1, TpSrc: 443}

	if !w.Matches(a, b) {
		t.Fatal("wildcards with only InPort set should ignore TpSrc differences")
	}

	c := Flow{InPort: 2, TpSrc: 80}
	if w.Matches(a, c) {
		t.Fatal("wildcards with InPort set should distinguish differing in_port")
	}
}

func TestFlowIsICMP(t *testing.T) {
	cases := []struct {
		name string
		flow Flow
		want bool
	}{
		{"icmpv4", Flow{DlType: EthTypeIPv4, NwProto: IPProtoICMP}, true},
		{"icmpv6", Flow{DlType: EthTypeIPv6, NwProto: IPProtoICMPv6}, true},
		{"tcp", Flow{DlType: EthTypeIPv4, NwProto: IPProtoTCP}, false},
		{"arp", Flow{DlType: EthTypeARP}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.flow.IsICMP(); got != c.want {
				t.Fatalf("IsICMP() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestWildcardsMaskICMP(t *testing.T) {
	w := ExactWildcards()
	w.MaskICMP()

	if w.TpSrc != 0x00FF {
		t.Fatalf("TpSrc mask = %#x, want 0x00ff", w.TpSrc)
	}
	if w.TpDst != 0x00FF {
		t.Fatalf("TpDst mask = %#x, want 0x00ff", w.TpDst)
	}
}

func TestFlowEqual(t *testing.T) {
	a := Flow{InPort: 1, DlType: EthTypeIPv4}
	b := a
	if !a.Equal(b) {
		t.Fatal("identical flows reported unequal")
	}

	b.InPort = 2
	if a.Equal(b) {
		t.Fatal("differing flows reported equal")
	}
}
