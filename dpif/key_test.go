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

package dpif

import (
	"reflect"
	"testing"
)

func TestKeyMarshalUnmarshalRoundTrip(t *testing.T) {
	k := Key{
		{Type: AttrInPort, Data: u32(7)},
		{Type: AttrEthertype, Data: u16(0x0800)},
	}

	b, err := k.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := UnmarshalKey(b)
	if err != nil {
		t.Fatalf("UnmarshalKey: %v", err)
	}
	if !reflect.DeepEqual(got, k) {
		t.Fatalf("UnmarshalKey(Marshal(k)) = %+v, want %+v", got, k)
	}
}

func TestKeyHashStableAndSensitiveToContent(t *testing.T) {
	a := Key{{Type: AttrInPort, Data: u32(1)}}
	b := Key{{Type: AttrInPort, Data: u32(1)}}
	c := Key{{Type: AttrInPort, Data: u32(2)}}

	if a.Hash() != b.Hash() {
		t.Fatal("identical keys must hash identically")
	}
	if a.Hash() == c.Hash() {
		t.Fatal("keys differing in content must hash differently")
	}
}

func TestOutputAction(t *testing.T) {
	a := Output(5)
	if a.Type != AttrActionOutput {
		t.Fatalf("Type = %v, want AttrActionOutput", a.Type)
	}
	if got := u32(5); !reflect.DeepEqual(a.Data, got) {
		t.Fatalf("Data = %v, want %v", a.Data, got)
	}
}

func TestPopVlanAction(t *testing.T) {
	a := PopVlan()
	if a.Type != AttrActionPopVlan || len(a.Data) != 0 {
		t.Fatalf("PopVlan() = %+v, want an empty AttrActionPopVlan", a)
	}
}

func TestPushVlanAction(t *testing.T) {
	a := PushVlan(0x1005)
	if a.Type != AttrActionPushVlan {
		t.Fatalf("Type = %v, want AttrActionPushVlan", a.Type)
	}
	want := u16(0x1005)
	if !reflect.DeepEqual(a.Data, want) {
		t.Fatalf("Data = %v, want %v (big-endian TCI)", a.Data, want)
	}
}

func TestSetFieldNestsInnerAttribute(t *testing.T) {
	a := SetField(AttrIPv4, []byte{10, 0, 0, 1})
	if a.Type != AttrActionSet {
		t.Fatalf("Type = %v, want AttrActionSet", a.Type)
	}

	nested, err := UnmarshalKey(a.Data)
	if err != nil {
		t.Fatalf("UnmarshalKey(nested): %v", err)
	}
	if len(nested) != 1 || nested[0].Type != AttrIPv4 {
		t.Fatalf("nested = %+v, want a single AttrIPv4 attribute", nested)
	}
}

func TestSampleBuildsNestedProbabilityAndActions(t *testing.T) {
	a, err := Sample(32768, []Action{Output(3)})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if a.Type != AttrActionSample {
		t.Fatalf("Type = %v, want AttrActionSample", a.Type)
	}
	if len(a.Data) == 0 {
		t.Fatal("Sample should produce non-empty nested data")
	}
}

func TestTunnelEncodesAllFields(t *testing.T) {
	a := Tunnel(42, 0x0a000001, 0x0a000002, 5, 64)
	if a.Type != AttrTunnel {
		t.Fatalf("Type = %v, want AttrTunnel", a.Type)
	}

	nested, err := UnmarshalKey(a.Data)
	if err != nil {
		t.Fatalf("UnmarshalKey(nested): %v", err)
	}
	if len(nested) != 5 {
		t.Fatalf("got %d nested tunnel attributes, want 5 (id, src, dst, tos, ttl)", len(nested))
	}
}
