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
	"fmt"
	"os"
	"time"

	"github.com/ovs-project/ofproto-dpif/ovsnl"
)

// packetCmdAction is the ovs_packet command number of an ACTION upcall
// (OVS_PACKET_CMD_ACTION, ovsh.PacketCmdAction). It is spelled out here
// because ovsh is internal to package ovsnl and cannot be imported by dpif.
const packetCmdAction = 2

// Netlink is the concrete, Linux-only Dpif backed by the generic-netlink
// ovs_datapath/ovs_vport/ovs_flow/ovs_packet families, adapting the
// teacher's ovsnl client into the shape the core engine consumes (§6).
type Netlink struct {
	client *ovsnl.Client
	dpName string
	dpID   int
}

// NewNetlink dials the kernel's generic-netlink OVS families. The
// returned value still needs Open to be called to attach to an existing
// named datapath.
func NewNetlink() (*Netlink, error) {
	c, err := ovsnl.New()
	if err != nil {
		return nil, fmt.Errorf("dpif: dial genetlink: %w", err)
	}
	return &Netlink{client: c}, nil
}

// Open implements Dpif.
func (n *Netlink) Open(name string) error {
	dps, err := n.client.Datapath.List()
	if err != nil {
		return err
	}
	for _, dp := range dps {
		if dp.Name == name {
			n.dpName, n.dpID = name, dp.Index
			return nil
		}
	}
	return fmt.Errorf("dpif: datapath %q does not exist: %w", name, os.ErrNotExist)
}

// Close implements Dpif.
func (n *Netlink) Close() error { return n.client.Close() }

// PortAdd implements Dpif.
func (n *Netlink) PortAdd(name string, portType string) (Port, error) {
	var spec ovsnl.VportSpec
	switch portType {
	case "internal":
		spec = ovsnl.NewInternalVportSepc(name)
	case "gre":
		spec = ovsnl.NewGreVportSpec(name)
	case "vxlan":
		spec = ovsnl.NewVxLanVportSpec(name, 0)
	case "geneve":
		spec = ovsnl.NewGeneveVportSpec(name, 0)
	default:
		spec = ovsnl.NewNetDevVportSpec(name)
	}

	pid, err := n.ownPID()
	if err != nil {
		return Port{}, err
	}

	v, err := n.client.Vport.Create(n.dpID, spec, pid)
	if err != nil {
		return Port{}, err
	}
	return Port{PortNo: uint32(v.ID), Name: v.Spec.Name(), Type: v.Spec.TypeName()}, nil
}

// PortDel implements Dpif.
func (n *Netlink) PortDel(portNo uint32) error {
	return n.client.Vport.Delete(n.dpID, ovsnl.VportID(portNo))
}

// PortDump implements Dpif.
func (n *Netlink) PortDump() ([]Port, error) {
	vports, err := n.client.Vport.List(n.dpID)
	if err != nil {
		return nil, err
	}
	out := make([]Port, len(vports))
	for i, v := range vports {
		out[i] = Port{PortNo: uint32(v.ID), Name: v.Spec.Name(), Type: v.Spec.TypeName()}
	}
	return out, nil
}

// PortQuery implements Dpif.
func (n *Netlink) PortQuery(name string) (Port, error) {
	v, err := n.client.Vport.GetByName(n.dpID, name)
	if err != nil {
		return Port{}, err
	}
	return Port{PortNo: uint32(v.ID), Name: v.Spec.Name(), Type: v.Spec.TypeName()}, nil
}

// PortGetPID implements Dpif. Every vport in this adapter shares the
// single Netlink socket's own port ID, since one userspace process
// services every upcall regardless of which vport it arrived on.
func (n *Netlink) PortGetPID(portNo uint32) (uint32, error) {
	return n.ownPID()
}

// ownPID returns the identifier this process's genetlink socket registers
// upcalls under. mdlayher/genetlink does not expose the kernel-assigned
// port ID directly, so this falls back to the OS process ID, the same
// value a single-homed (non-multi-threaded-poller) OVS userspace uses by
// convention when it owns the only socket subscribed to the family.
func (n *Netlink) ownPID() (uint32, error) {
	return uint32(os.Getpid()), nil
}

// TransientError wraps a Recv error the Upcall Dispatcher should treat as
// transient (EAGAIN/ENOBUFS), per §7.
type TransientError struct{ Err error }

func (e *TransientError) Error() string  { return e.Err.Error() }
func (e *TransientError) Temporary() bool { return true }
func (e *TransientError) Unwrap() error  { return e.Err }

// Recv implements Dpif.
func (n *Netlink) Recv() (Upcall, error) {
	if n.client.Packet == nil {
		return Upcall{}, fmt.Errorf("dpif: ovs_packet family unavailable")
	}
	u, err := n.client.Packet.Receive()
	if err != nil {
		return Upcall{}, &TransientError{Err: err}
	}

	kind := UpcallMiss
	if u.Kind == packetCmdAction {
		kind = UpcallAction
	}

	key, err := UnmarshalKey(u.Key)
	if err != nil {
		return Upcall{}, err
	}

	return Upcall{Kind: kind, Packet: u.Packet, Key: key, Userdata: u.Userdata}, nil
}

// Operate implements Dpif.
func (n *Netlink) Operate(ops []Op) error {
	for i := range ops {
		switch ops[i].Kind {
		case OpExecute:
			keyBytes, err := ops[i].Key.Marshal()
			if err != nil {
				ops[i].Error = err
				continue
			}
			actionBytes, err := Key(ops[i].Actions).Marshal()
			if err != nil {
				ops[i].Error = err
				continue
			}
			ops[i].Error = n.client.Packet.Execute(n.dpID, keyBytes, ops[i].Packet, actionBytes)

		case OpFlowPut:
			keyBytes, err := ops[i].Key.Marshal()
			if err != nil {
				ops[i].Error = err
				continue
			}
			maskBytes, err := ops[i].Mask.Marshal()
			if err != nil {
				ops[i].Error = err
				continue
			}
			actionBytes, err := Key(ops[i].Actions).Marshal()
			if err != nil {
				ops[i].Error = err
				continue
			}
			ops[i].Error = n.client.Flow.New(n.dpID, ovsnl.RawFlow{
				Key: keyBytes, Mask: maskBytes, Actions: actionBytes,
			})

		case OpFlowDel:
			keyBytes, err := ops[i].Key.Marshal()
			if err != nil {
				ops[i].Error = err
				continue
			}
			_, ops[i].Error = n.client.Flow.Del(n.dpID, keyBytes)
		}
	}
	return nil
}

// FlowDump implements Dpif.
func (n *Netlink) FlowDump() ([]FlowDump, error) {
	raws, stats, err := n.client.Flow.RawList(n.dpID)
	if err != nil {
		return nil, err
	}

	dumps := make([]FlowDump, 0, len(raws))
	for i, r := range raws {
		key, err := UnmarshalKey(r.Key)
		if err != nil {
			continue
		}
		mask, err := UnmarshalKey(r.Mask)
		if err != nil {
			mask = nil
		}
		actions, err := UnmarshalKey(r.Actions)
		if err != nil {
			actions = nil
		}
		dumps = append(dumps, FlowDump{
			Key:     key,
			Mask:    mask,
			Actions: actions,
			Stats: OperateStats{
				Packets: stats[i].Packets,
				Bytes:   stats[i].Bytes,
				Used:    time.Now(),
			},
		})
	}
	return dumps, nil
}

// FlowGet implements Dpif.
func (n *Netlink) FlowGet(key Key) (FlowDump, error) {
	keyBytes, err := key.Marshal()
	if err != nil {
		return FlowDump{}, err
	}
	stats, err := n.client.Flow.Get(n.dpID, keyBytes)
	if err != nil {
		return FlowDump{}, err
	}
	return FlowDump{Key: key, Stats: OperateStats{Packets: stats.Packets, Bytes: stats.Bytes}}, nil
}

// FlowFlush implements Dpif.
func (n *Netlink) FlowFlush() error {
	return n.client.Flow.Flush(n.dpID)
}

// QueueToPriority implements Dpif. The kernel datapath has no notion of
// OpenFlow queue IDs; this adapter uses the identity mapping other
// minimal datapath backends use when QoS is configured entirely via tc
// outside this process (§1, QoS is an explicit non-goal).
func (n *Netlink) QueueToPriority(queue uint32) (uint32, error) {
	return queue, nil
}

// Run implements Dpif. The genetlink connection has no async completions
// to reap outside of Recv itself.
func (n *Netlink) Run() error { return nil }

// Wait implements Dpif. Blocking I/O happens directly in Recv; callers
// drive the poll loop by calling RunUpcalls, so there is nothing to
// arrange here.
func (n *Netlink) Wait() {}
