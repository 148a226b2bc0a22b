// Copyright 2022 The codesjoy Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package xdsresolver

import (
	"sort"
	"sync"
	"sync/atomic"
)

// clusterRefTable tracks every cluster the emitted load-balancing config
// must carry: clusters referenced by current routes plus clusters still held
// by in-flight RPCs. Counts combine one reference per referencing route
// snapshot with one per un-committed RPC.
//
// Membership changes (insert, remove) happen only on the serializer;
// retain/release may run on any RPC goroutine.
type clusterRefTable struct {
	serializer *syncContext
	// onEmptied runs on the serializer after a released cluster is removed,
	// so the owner can shrink the emitted config.
	onEmptied func()

	mu   sync.Mutex
	refs map[string]*atomic.Int32
}

func newClusterRefTable(serializer *syncContext, onEmptied func()) *clusterRefTable {
	return &clusterRefTable{
		serializer: serializer,
		onEmptied:  onEmptied,
		refs:       make(map[string]*atomic.Int32),
	}
}

func (t *clusterRefTable) get(cluster string) *atomic.Int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[cluster]
}

// retain takes a reference for an RPC about to use cluster. It fails when
// the cluster is unknown or its count already hit zero; the caller must
// re-read the routing config and pick again.
func (t *clusterRefTable) retain(cluster string) bool {
	ref := t.get(cluster)
	if ref == nil {
		return false
	}
	for {
		count := ref.Load()
		if count == 0 {
			return false
		}
		if ref.CompareAndSwap(count, count+1) {
			return true
		}
	}
}

// release drops an RPC's reference. When the count reaches zero the removal
// is deferred to the serializer, which re-checks the count first: a
// concurrent route update or retain may have resurrected the entry.
func (t *clusterRefTable) release(cluster string) {
	ref := t.get(cluster)
	if ref == nil {
		return
	}
	if ref.Add(-1) != 0 {
		return
	}
	t.serializer.Execute(func() {
		t.mu.Lock()
		current, ok := t.refs[cluster]
		removed := ok && current.Load() == 0
		if removed {
			delete(t.refs, cluster)
		}
		t.mu.Unlock()
		if removed {
			t.onEmptied()
		}
	})
}

// addRef adds one route-snapshot reference to cluster, inserting the entry
// at count 1 when absent. Reports whether an insert happened. Serializer
// only.
func (t *clusterRefTable) addRef(cluster string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ref, ok := t.refs[cluster]; ok {
		ref.Add(1)
		return false
	}
	ref := &atomic.Int32{}
	ref.Store(1)
	t.refs[cluster] = ref
	return true
}

// removeRef drops one route-snapshot reference from cluster, removing the
// entry when the count reaches zero. Reports whether the entry was removed.
// Serializer only.
func (t *clusterRefTable) removeRef(cluster string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.refs[cluster]
	if !ok {
		return false
	}
	if ref.Add(-1) == 0 {
		delete(t.refs, cluster)
		return true
	}
	return false
}

// names returns the current membership, sorted for deterministic config
// emission.
func (t *clusterRefTable) names() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.refs))
	for name := range t.refs {
		out = append(out, name)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}
