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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClusterRefRetainUnknown(t *testing.T) {
	table := newClusterRefTable(&syncContext{}, func() {})
	if table.retain("cluster-foo") {
		t.Error("retain of an unknown cluster should fail")
	}
}

func TestClusterRefRouteAndRPCCounting(t *testing.T) {
	emptied := 0
	serializer := &syncContext{}
	table := newClusterRefTable(serializer, func() { emptied++ })

	if !table.addRef("cluster-foo") {
		t.Fatal("first addRef should insert")
	}
	if table.addRef("cluster-foo") {
		t.Error("second addRef should only increment")
	}
	if !table.retain("cluster-foo") {
		t.Fatal("retain of a referenced cluster should succeed")
	}

	// Route refs: 2, RPC refs: 1. Dropping both route refs keeps the entry
	// alive for the in-flight RPC.
	if table.removeRef("cluster-foo") {
		t.Error("removeRef should not remove while refs remain")
	}
	if table.removeRef("cluster-foo") {
		t.Error("removeRef should not remove while the RPC ref remains")
	}
	if got := table.names(); len(got) != 1 {
		t.Fatalf("names() = %v, want the retained cluster", got)
	}

	table.release("cluster-foo")
	if emptied != 1 {
		t.Errorf("emptied callbacks = %d, want 1", emptied)
	}
	if got := table.names(); len(got) != 0 {
		t.Errorf("names() = %v, want empty after last release", got)
	}
}

func TestClusterRefRetainAfterZeroFails(t *testing.T) {
	table := newClusterRefTable(&syncContext{}, func() {})
	table.addRef("cluster-foo")
	table.removeRef("cluster-foo")
	if table.retain("cluster-foo") {
		t.Error("retain after removal should fail")
	}
}

func TestClusterRefResurrectionSkipsRemoval(t *testing.T) {
	emptied := 0
	serializer := &syncContext{}
	table := newClusterRefTable(serializer, func() { emptied++ })
	table.addRef("cluster-foo")
	table.retain("cluster-foo")

	// Release inside a serializer task: the deferred removal queues behind
	// it, and the re-add in between must keep the entry.
	serializer.Execute(func() {
		table.removeRef("cluster-foo") // route ref gone, RPC ref left
		table.release("cluster-foo")   // count hits zero, removal deferred
		table.addRef("cluster-foo")    // route re-references before removal runs
	})

	if emptied != 0 {
		t.Errorf("emptied callbacks = %d, want 0 after resurrection", emptied)
	}
	if got := table.names(); len(got) != 1 {
		t.Errorf("names() = %v, want the resurrected cluster", got)
	}
}

func TestClusterRefNamesSorted(t *testing.T) {
	table := newClusterRefTable(&syncContext{}, func() {})
	table.addRef("zebra")
	table.addRef("alpha")
	table.addRef("middle")

	want := []string{"alpha", "middle", "zebra"}
	if diff := cmp.Diff(want, table.names()); diff != "" {
		t.Errorf("names() mismatch (-want +got):\n%s", diff)
	}
}
