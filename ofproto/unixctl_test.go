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
	"strings"
	"testing"
	"time"

	"github.com/ovs-project/ofproto-dpif/dpif"
)

// fakeDpif is the minimal dpif.Dpif stand-in the unixctl tests need: only
// FlowFlush is ever exercised, everything else is a harmless no-op.
type fakeDpif struct {
	flowFlushCalled bool
}

func (f *fakeDpif) Open(name string) error                        { return nil }
func (f *fakeDpif) Close() error                                  { return nil }
func (f *fakeDpif) PortAdd(name, portType string) (dpif.Port, error) { return dpif.Port{}, nil }
func (f *fakeDpif) PortDel(portNo uint32) error                    { return nil }
func (f *fakeDpif) PortDump() ([]dpif.Port, error)                 { return nil, nil }
func (f *fakeDpif) PortQuery(name string) (dpif.Port, error)       { return dpif.Port{}, nil }
func (f *fakeDpif) PortGetPID(portNo uint32) (uint32, error)       { return 0, nil }
func (f *fakeDpif) Recv() (dpif.Upcall, error)                     { return dpif.Upcall{}, nil }
func (f *fakeDpif) Operate(ops []dpif.Op) error                    { return nil }
func (f *fakeDpif) FlowDump() ([]dpif.FlowDump, error)             { return nil, nil }
func (f *fakeDpif) FlowGet(key dpif.Key) (dpif.FlowDump, error)    { return dpif.FlowDump{}, nil }
func (f *fakeDpif) FlowFlush() error                               { f.flowFlushCalled = true; return nil }
func (f *fakeDpif) QueueToPriority(queue uint32) (uint32, error)   { return 0, nil }
func (f *fakeDpif) Run() error                                     { return nil }
func (f *fakeDpif) Wait()                                          {}

func newUnixctlEngine() (*Engine, *Bridge, *fakeDpif) {
	engine := NewEngine(nil)
	dp := &fakeDpif{}
	backer := NewBacker("dp0", dp)
	engine.AddBacker(backer)

	br := NewBridge("br0", backer)
	br.Ports.Add(&Port{OfPort: 1, OdpPort: 101, Stp: StpDisabled})
	br.Ports.Add(&Port{OfPort: 2, OdpPort: 102, Stp: StpDisabled})
	backer.AddBridge(br)
	return engine, br, dp
}

func TestUnixctlCallUnknownCommand(t *testing.T) {
	u := NewUnixctl()
	engine, _, _ := newUnixctlEngine()

	if _, err := u.Call(engine, "no/such/command", nil); err == nil {
		t.Fatal("Call should error on an unregistered command name")
	}
}

func TestUnixctlBridgeArgMissingAndUnknown(t *testing.T) {
	engine, _, _ := newUnixctlEngine()

	if _, err := bridgeArg(engine, nil); err == nil {
		t.Fatal("bridgeArg should error with no arguments")
	}
	if _, err := bridgeArg(engine, []string{"nope"}); err == nil {
		t.Fatal("bridgeArg should error for an unknown bridge name")
	}
	br, err := bridgeArg(engine, []string{"br0"})
	if err != nil || br.Name != "br0" {
		t.Fatalf("bridgeArg(br0) = (%v, %v), want the registered bridge", br, err)
	}
}

func TestUnixctlTrace(t *testing.T) {
	u := NewUnixctl()
	engine, br, _ := newUnixctlEngine()
	rule := NewRule(0, Flow{}, Wildcards{}, 0, []Action{Output{Port: 2}})
	br.InsertRule(rule)

	out, err := u.Call(engine, "trace", []string{"br0", "in_port=1,dl_type=0x0800"})
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if !strings.Contains(out, "Datapath actions:") {
		t.Fatalf("trace output missing the datapath actions line: %q", out)
	}
}

func TestUnixctlFdbFlushAndShow(t *testing.T) {
	u := NewUnixctl()
	engine, br, _ := newUnixctlEngine()
	br.Learning.Update(MAC{1}, 10, "a", time.Now())

	out, err := u.Call(engine, "fdb/show", []string{"br0"})
	if err != nil {
		t.Fatalf("fdb/show: %v", err)
	}
	if !strings.Contains(out, "a") {
		t.Fatalf("fdb/show output missing the learned bundle: %q", out)
	}

	if _, err := u.Call(engine, "fdb/flush", []string{"br0"}); err != nil {
		t.Fatalf("fdb/flush: %v", err)
	}
	if len(br.Learning.Entries()) != 0 {
		t.Fatal("fdb/flush should clear the learning table")
	}
}

func TestUnixctlSelfCheckReportsStaleFacets(t *testing.T) {
	u := NewUnixctl()
	engine, br, _ := newUnixctlEngine()

	out, err := u.Call(engine, "ofproto/self-check", []string{"br0"})
	if err != nil || !strings.Contains(out, "OK") {
		t.Fatalf("self-check on an empty cache = (%q, %v), want OK", out, err)
	}

	f, _ := br.Facets.Handle(Flow{InPort: 1}, nil, time.Now())
	br.Facets.MarkRuleGone(f.ID)

	out, err = u.Call(engine, "ofproto/self-check", []string{"br0"})
	if err != nil || !strings.Contains(out, "1 facet") {
		t.Fatalf("self-check after MarkRuleGone = (%q, %v), want it to report 1 stale facet", out, err)
	}
}

func TestUnixctlDpifShow(t *testing.T) {
	u := NewUnixctl()
	engine, br, _ := newUnixctlEngine()
	br.Facets.Handle(Flow{InPort: 1}, nil, time.Now())

	out, err := u.Call(engine, "dpif/show", nil)
	if err != nil {
		t.Fatalf("dpif/show: %v", err)
	}
	if !strings.Contains(out, "dp0") || !strings.Contains(out, "facets=1") {
		t.Fatalf("dpif/show output = %q, want the backer name and facet count", out)
	}
}

func TestUnixctlDumpFlowsAndMegaflows(t *testing.T) {
	u := NewUnixctl()
	engine, br, _ := newUnixctlEngine()
	br.Facets.Handle(Flow{InPort: 1}, nil, time.Now())

	flows, err := u.Call(engine, "dpif/dump-flows", []string{"br0"})
	if err != nil || !strings.Contains(flows, "in_port=1") {
		t.Fatalf("dpif/dump-flows = (%q, %v)", flows, err)
	}

	mega, err := u.Call(engine, "dpif/dump-megaflows", []string{"br0"})
	if err != nil || !strings.Contains(mega, "in_port=1") {
		t.Fatalf("dpif/dump-megaflows = (%q, %v)", mega, err)
	}
}

func TestUnixctlDelFlows(t *testing.T) {
	u := NewUnixctl()
	engine, br, dp := newUnixctlEngine()
	br.Facets.Handle(Flow{InPort: 1}, nil, time.Now())

	if _, err := u.Call(engine, "dpif/del-flows", []string{"br0"}); err != nil {
		t.Fatalf("dpif/del-flows: %v", err)
	}
	if br.Facets.Len() != 0 {
		t.Fatal("dpif/del-flows should destroy every cached facet")
	}
	if !dp.flowFlushCalled {
		t.Fatal("dpif/del-flows should flush the datapath's own flow table too")
	}
}

func TestUnixctlEnableDisableMegaflows(t *testing.T) {
	u := NewUnixctl()
	engine, br, _ := newUnixctlEngine()

	if _, err := u.Call(engine, "dpif/disable-megaflows", nil); err != nil {
		t.Fatalf("dpif/disable-megaflows: %v", err)
	}
	if br.Backer.EnableMegaflows {
		t.Fatal("dpif/disable-megaflows should clear EnableMegaflows on every backer")
	}

	if _, err := u.Call(engine, "dpif/enable-megaflows", nil); err != nil {
		t.Fatalf("dpif/enable-megaflows: %v", err)
	}
	if !br.Backer.EnableMegaflows {
		t.Fatal("dpif/enable-megaflows should set EnableMegaflows on every backer")
	}
}
