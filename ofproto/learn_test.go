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
	"testing"
	"time"
)

func TestLearningTableUpdateThenLookup(t *testing.T) {
	lt := NewLearningTable()
	now := time.Now()

	tag, changed := lt.Update(MAC{1}, 10, "a", now)
	if !changed || tag == 0 {
		t.Fatalf("Update() = (%d, %v), want a nonzero tag and changed=true for a new entry", tag, changed)
	}

	bundle, ok := lt.Lookup(MAC{1}, 10)
	if !ok || bundle != "a" {
		t.Fatalf("Lookup() = (%q, %v), want (\"a\", true)", bundle, ok)
	}
}

func TestLearningTableUpdateNoopWhenUnchanged(t *testing.T) {
	lt := NewLearningTable()
	now := time.Now()

	tag1, _ := lt.Update(MAC{1}, 10, "a", now)
	tag2, changed := lt.Update(MAC{1}, 10, "a", now)

	if changed {
		t.Fatal("Update with the same bundle should report changed=false")
	}
	if tag1 != tag2 {
		t.Fatal("a no-op Update must not generate a fresh revalidation tag")
	}
}

func TestLearningTableUpdateMovesBundle(t *testing.T) {
	lt := NewLearningTable()
	now := time.Now()

	tag1, _ := lt.Update(MAC{1}, 10, "a", now)
	tag2, changed := lt.Update(MAC{1}, 10, "b", now)

	if !changed || tag1 == tag2 {
		t.Fatalf("moving a MAC to a new bundle should change and mint a fresh tag, got tag1=%d tag2=%d changed=%v", tag1, tag2, changed)
	}
	bundle, _ := lt.Lookup(MAC{1}, 10)
	if bundle != "b" {
		t.Fatalf("Lookup() = %q, want the newly learned bundle \"b\"", bundle)
	}
}

func TestLearningTableLockSuppressesRelearning(t *testing.T) {
	lt := NewLearningTable()
	now := time.Now()

	lt.Update(MAC{1}, 10, "a", now)
	lt.Lock(MAC{1}, 10, now)

	_, changed := lt.Update(MAC{1}, 10, "b", now.Add(time.Second))
	if changed {
		t.Fatal("a locked entry must not be relearned before the lock expires")
	}

	_, changed = lt.Update(MAC{1}, 10, "b", now.Add(GratuitousArpLock+time.Second))
	if !changed {
		t.Fatal("an expired lock must allow relearning")
	}
}

func TestLearningTableFlush(t *testing.T) {
	lt := NewLearningTable()
	lt.Update(MAC{1}, 10, "a", time.Now())
	lt.Flush()

	if len(lt.Entries()) != 0 {
		t.Fatal("Flush should remove every learned entry")
	}
	if _, ok := lt.Lookup(MAC{1}, 10); ok {
		t.Fatal("Flush should make every prior entry unresolvable")
	}
}

func TestLearningTableEntriesSnapshot(t *testing.T) {
	lt := NewLearningTable()
	lt.Update(MAC{1}, 10, "a", time.Now())
	lt.Update(MAC{2}, 20, "b", time.Now())

	entries := lt.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestIsGratuitousArp(t *testing.T) {
	f := &Flow{DlType: EthTypeARP}
	if !IsGratuitousArp(f, 0x0a000001, 0x0a000001) {
		t.Fatal("matching sender/target protocol addresses on an ARP flow should be gratuitous")
	}
	if IsGratuitousArp(f, 0x0a000001, 0x0a000002) {
		t.Fatal("differing sender/target protocol addresses must not be gratuitous")
	}

	nonArp := &Flow{DlType: EthTypeIPv4}
	if IsGratuitousArp(nonArp, 1, 1) {
		t.Fatal("a non-ARP flow can never be a gratuitous ARP regardless of address overlay")
	}
}
