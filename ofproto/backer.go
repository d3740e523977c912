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
	"sync"

	"github.com/ovs-project/ofproto-dpif/dpif"
)

// RevalidateReason enumerates why a revalidation pass was requested
// (§4.5).
type RevalidateReason uint8

// RevalidateReason values.
const (
	ReasonReconfigure RevalidateReason = 1 << iota
	ReasonStp
	ReasonPortToggled
	ReasonFlowTable
	ReasonInconsistency
)

// Backer is a shared handle representing one datapath instance that
// multiple bridges may multiplex over (§3). All mutation happens from the
// single cooperative thread that owns the Engine (§5); no locking is
// required for the fields documented as such below, but the revalidation
// reason bitmask and drop-key set are touched from bridge-facing calls
// too, so they get a mutex.
type Backer struct {
	Name string
	Dp   dpif.Dpif

	// Engine is the owning Engine, set by Engine.AddBacker/Engine.Backer.
	// Translation needs it to resolve patch-port peers that may live on a
	// sibling bridge under a different Backer (§4.2, crossPatch).
	Engine *Engine

	mu          sync.Mutex
	reasons     RevalidateReason
	tags        map[uint64]bool
	dropKeys    map[[20]byte]bool

	Bridges map[string]*Bridge

	EnableMegaflows bool
	Clogged         bool
}

// NewBacker creates a Backer multiplexing dp.
func NewBacker(name string, dp dpif.Dpif) *Backer {
	return &Backer{
		Name:            name,
		Dp:              dp,
		tags:            make(map[uint64]bool),
		dropKeys:        make(map[[20]byte]bool),
		Bridges:         make(map[string]*Bridge),
		EnableMegaflows: true,
	}
}

// Revalidate records that reason requires a revalidation pass, per §4.5.
func (b *Backer) Revalidate(reason RevalidateReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reasons |= reason
}

// RevalidateTag marks tag as requiring revalidation of facets tagged with
// it, without forcing a whole-backer pass (§4.4/§4.5 taggability).
func (b *Backer) RevalidateTag(tag uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tags[tag] = true
}

// TakeRevalidation atomically reads and clears the pending reasons/tags,
// for the Revalidation Engine's run pass (§4.5).
func (b *Backer) TakeRevalidation() (reasons RevalidateReason, tags map[uint64]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reasons, tags = b.reasons, b.tags
	b.reasons = 0
	b.tags = make(map[uint64]bool)
	return reasons, tags
}

// AddBridge registers br under its name.
func (b *Backer) AddBridge(br *Bridge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Bridges[br.Name] = br
}

// MarkDropKey records key as a synthetic drop installed because its
// ingress port vanished (§4.1 ENODEV handling).
func (b *Backer) MarkDropKey(key [20]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropKeys[key] = true
}

// IsDropKey reports whether key was previously installed as a drop key.
func (b *Backer) IsDropKey(key [20]byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropKeys[key]
}

// BridgeList returns a snapshot of all bridges, replacing the "all
// bridges" global of design note §9.
func (b *Backer) BridgeList() []*Bridge {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Bridge, 0, len(b.Bridges))
	for _, br := range b.Bridges {
		out = append(out, br)
	}
	return out
}
