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

// Package dpif defines the abstract datapath interface consumed by the
// core translation/cache engine (spec §6). The datapath's own fast path is
// an explicit non-goal (spec §1); this package only specifies the shape a
// concrete datapath (in-kernel via Netlink, or a fake for tests) must
// satisfy, following the Client/*Service handle pattern of the teacher's
// ovsnl package.
package dpif

import "time"

// UpcallKind distinguishes the reason the datapath handed userspace a
// packet, per spec §6.
type UpcallKind uint8

// UpcallKind values.
const (
	UpcallMiss UpcallKind = iota
	UpcallAction
)

// Upcall is one packet-miss or action (sample) notification from the
// datapath, per spec §6.
type Upcall struct {
	Kind     UpcallKind
	Packet   []byte
	Key      Key
	Userdata []byte
}

// OpKind distinguishes the three operations a Dpif.Operate batch may
// contain, per spec §4.1.
type OpKind uint8

// OpKind values.
const (
	OpExecute OpKind = iota
	OpFlowPut
	OpFlowDel
)

// FlowPutFlags mirrors OVS_FLOW_CMD_NEW's create/modify semantics.
type FlowPutFlags uint8

// FlowPutFlags values.
const (
	FlowPutCreate FlowPutFlags = 1 << iota
	FlowPutModify
	FlowPutZeroStats
)

// Op is a single operation submitted to Dpif.Operate. Exactly one of
// Execute/Put/Del's fields is meaningful, selected by Kind -- modeled as a
// struct rather than an interface because a batch of these is built
// incrementally by the upcall dispatcher and later inspected for op type
// without a type switch on every read (see design note §9 on tagged
// unions: here the dispatch is 1-of-3, fixed at construction, and cheaper
// as a flat struct than as an interface with three implementations).
type Op struct {
	Kind OpKind

	// Execute / FlowPut
	Key     Key
	Mask    Key
	Actions []Action
	Packet  []byte

	// FlowPut
	Flags FlowPutFlags

	// Result, filled in by Operate.
	Error error
}

// OperateStats are the final counters returned for a FlowDel op, used to
// fold a deleted subfacet's last counters into its facet (§4.3, §4.6).
type OperateStats struct {
	Packets uint64
	Bytes   uint64
	Used    time.Time
	TCPFlags uint8
}

// FlowDump is one entry returned by Dpif.FlowDump, used by the stats
// pull-up pass (§4.3) and by the `dpif/dump-flows` / `dpif/dump-megaflows`
// unixctl commands.
type FlowDump struct {
	Key     Key
	Mask    Key
	Actions []Action
	Stats   OperateStats
}

// Port is a datapath vport, the odp-port side of the ofport<->odp-port
// map the Port Adapter owns (§4.7).
type Port struct {
	PortNo uint32
	Name   string
	Type   string
}

// Dpif is the datapath interface consumed by the core engine (spec §6):
// open/close, port management, upcall reception, batched operate, and
// flow dump/get/flush. A concrete implementation talks Netlink to the
// in-kernel datapath (type Netlink in netlink.go adapts the teacher's
// ovsnl client for this); tests use a fake.
type Dpif interface {
	// Open attaches to the named, already existing datapath. It does not
	// create a missing datapath; Netlink.Open returns an error wrapping
	// os.ErrNotExist in that case.
	Open(name string) error
	Close() error

	PortAdd(name string, portType string) (Port, error)
	PortDel(portNo uint32) error
	PortDump() ([]Port, error)
	PortQuery(name string) (Port, error)
	// PortGetPID returns the Netlink port ID upcalls for portNo are
	// delivered to, needed to size per-port upcall queues.
	PortGetPID(portNo uint32) (uint32, error)

	// Recv blocks for the next upcall. Transient errors (EAGAIN,
	// ENOBUFS) are returned as *TransientError so callers can back off
	// without tearing down the connection (§7).
	Recv() (Upcall, error)

	// Operate submits a batch of up to MaxBatch ops in one call. Per-op
	// errors are reported on each Op.Error; the call itself only fails
	// on a transport-level problem.
	Operate(ops []Op) error

	FlowDump() ([]FlowDump, error)
	FlowGet(key Key) (FlowDump, error)
	FlowFlush() error

	// QueueToPriority resolves an OpenFlow queue ID to the datapath's
	// internal scheduling priority, consumed by the Enqueue/SetQueue
	// actions.
	QueueToPriority(queue uint32) (uint32, error)

	// Run performs any non-blocking per-iteration datapath housekeeping
	// (e.g. reaping completed async Netlink requests); Wait arranges for
	// the poll loop to wake when the datapath socket is next readable.
	Run() error
	Wait()
}

// MaxBatch bounds the number of upcalls the Upcall Dispatcher pulls off
// the datapath per run_fast() iteration (§4.1, §5).
const MaxBatch = 50
