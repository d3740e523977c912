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

import "time"

// BucketWidth/NBuckets size the idle-time histogram ExpireFacets uses to
// pick an eviction cutoff (§4.6).
const (
	BucketWidth = 100 * time.Millisecond
	NBuckets    = 50

	// SubfacetDestroyMaxBatch bounds how many subfacets one ExpireFacets
	// call deletes, spreading a large cleanup across several run_fast()
	// iterations instead of blocking the poll loop (§4.6, §5).
	SubfacetDestroyMaxBatch = 50

	// ProtocolCutoff exempts a facet carrying a CFM/LACP/STP slow-path
	// reason from ordinary idle eviction until it reaches this age: those
	// protocols need their flow kept warm in the datapath even through
	// quiet periods (§4.6).
	ProtocolCutoff = 10 * time.Second

	// subfacetKeepBudget is the population ExpireFacets tries to keep the
	// cache at or under by aging out the idlest subfacets first.
	subfacetKeepBudget = 1000
)

// ExpireFacets evicts the idlest subfacets once the cache grows past its
// keep budget and deletes any OpenFlow rule whose hard or idle timeout has
// elapsed, per §4.6.
func (br *Bridge) ExpireFacets(now time.Time) {
	var buckets [NBuckets]int
	type aged struct {
		f  *Facet
		bi int
	}
	var subfacets []aged

	br.Facets.ForEach(func(f *Facet) {
		if f.Subfacet == nil {
			return
		}
		idle := now.Sub(f.Subfacet.Used)
		bi := int(idle / BucketWidth)
		if bi >= NBuckets {
			bi = NBuckets - 1
		}
		buckets[bi]++
		subfacets = append(subfacets, aged{f: f, bi: bi})
	})

	threshold := evictionThresholdBucket(buckets[:], len(subfacets))

	destroyed := 0
	for _, a := range subfacets {
		if destroyed >= SubfacetDestroyMaxBatch {
			break
		}
		if a.bi < threshold {
			continue
		}
		idle := now.Sub(a.f.Subfacet.Used)
		if a.f.SlowPathReason != 0 && idle < ProtocolCutoff {
			continue
		}
		br.Facets.Destroy(a.f.ID, now)
		destroyed++
	}

	for _, table := range br.Tables {
		table.expireRules(now, br)
	}
}

// evictionThresholdBucket finds the lowest bucket index at and beyond which
// every subfacet should be evicted to bring the population back under
// subfacetKeepBudget, walking from the most-idle bucket down so the oldest
// traffic is reclaimed first. Returns NBuckets (an index beyond every real
// bucket) when the cache is already under budget, so nothing ages out.
func evictionThresholdBucket(buckets []int, total int) int {
	if total <= subfacetKeepBudget {
		return NBuckets
	}
	toEvict := total - subfacetKeepBudget
	evicted := 0
	for i := len(buckets) - 1; i >= 0; i-- {
		evicted += buckets[i]
		if evicted >= toEvict {
			return i
		}
	}
	return 0
}
