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

// RunRevalidation performs one revalidation pass over b, per §4.5. A
// nonzero reason set forces every facet on every bridge to be re-checked;
// otherwise only facets whose id appears in tags are revisited, implementing
// the taggable-table fast path that avoids a whole-backer walk.
func (b *Backer) RunRevalidation(now time.Time) {
	reasons, tags := b.TakeRevalidation()
	if reasons == 0 && len(tags) == 0 {
		return
	}

	for _, br := range b.BridgeList() {
		br.Facets.ForEach(func(f *Facet) {
			if reasons == 0 && !tags[f.ID] {
				return
			}
			br.revalidateFacet(f, now)
		})
	}
}

// revalidateFacet re-runs the Rule Table Adapter and Translation Engine for
// f's flow with mayLearn false (revalidation must not re-trigger Learn
// actions or fin_timeout bookkeeping, §4.3/§4.5) and compares the outcome
// against what is cached. A facet whose winning rule or resulting actions
// changed is destroyed outright rather than patched in place -- the next
// upcall for that flow rebuilds it fresh, which is simpler and no more
// expensive than the original miss was.
func (br *Bridge) revalidateFacet(f *Facet, now time.Time) {
	if f.Rule == nil {
		br.Facets.Destroy(f.ID, now)
		return
	}

	var wildcards Wildcards
	table := uint8(0)
	if f.Rule != nil {
		table = f.Rule.Table
	}
	rule := br.LookupRule(f.Flow, &wildcards, table)
	if rule != f.Rule {
		br.Facets.Destroy(f.ID, now)
		return
	}

	var engine *Engine
	if br.Backer != nil {
		engine = br.Backer.Engine
	}
	out := Translate(engine, br, f.Flow, rule, nil, false, now)

	if f.Subfacet == nil || !sameActions(out.DatapathActions, f.Subfacet.Actions) || out.SlowPathReason != f.SlowPathReason {
		br.Facets.Destroy(f.ID, now)
		return
	}

	f.Wildcards = out.Wildcards
}

func sameActions(a, b []dpif.Action) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || string(a[i].Data) != string(b[i].Data) {
			return false
		}
	}
	return true
}
