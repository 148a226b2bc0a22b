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
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const testAuthority = "foo.googleapis.com:74"

// testParser returns the raw map unchanged so tests can diff against the
// generated config directly.
type testParser struct {
	failWith error
}

func (p *testParser) Parse(raw map[string]any) (any, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	return raw, nil
}

type testUpdateListener struct {
	results []ResolutionResult
	errors  []error
}

func (l *testUpdateListener) OnResult(result ResolutionResult) {
	l.results = append(l.results, result)
}

func (l *testUpdateListener) OnError(err error) {
	l.errors = append(l.errors, err)
}

func (l *testUpdateListener) lastResult(t *testing.T) ResolutionResult {
	t.Helper()
	if len(l.results) == 0 {
		t.Fatal("no resolution result received")
	}
	return l.results[len(l.results)-1]
}

type fakeXdsClient struct {
	ldsName    string
	ldsWatcher ListenerWatcher
	ldsCancels int

	rdsName    string
	rdsWatcher RouteConfigWatcher
	rdsCancels int

	closed bool
}

func (c *fakeXdsClient) WatchListener(resourceName string, watcher ListenerWatcher) {
	c.ldsName, c.ldsWatcher = resourceName, watcher
}

func (c *fakeXdsClient) CancelListenerWatch(resourceName string, watcher ListenerWatcher) {
	c.ldsCancels++
	if watcher == c.ldsWatcher {
		c.ldsWatcher = nil
	}
}

func (c *fakeXdsClient) WatchRouteConfig(resourceName string, watcher RouteConfigWatcher) {
	c.rdsName, c.rdsWatcher = resourceName, watcher
}

func (c *fakeXdsClient) CancelRouteConfigWatch(resourceName string, watcher RouteConfigWatcher) {
	c.rdsCancels++
	if watcher == c.rdsWatcher {
		c.rdsWatcher = nil
	}
}

// fakeRandom pops queued draws and falls back to zero (Intn) or a fixed
// value (Uint64) when the queue is empty.
type fakeRandom struct {
	ints  []int
	uints []uint64
}

func (r *fakeRandom) Intn(n int) int {
	if len(r.ints) == 0 {
		return 0
	}
	v := r.ints[0]
	r.ints = r.ints[1:]
	return v % n
}

func (r *fakeRandom) Uint64() uint64 {
	if len(r.uints) == 0 {
		return 42
	}
	v := r.uints[0]
	r.uints = r.uints[1:]
	return v
}

type scheduledTask struct {
	delay     time.Duration
	task      func()
	fired     bool
	cancelled bool
}

// fakeScheduler records tasks for the test to fire by hand.
type fakeScheduler struct {
	tasks []*scheduledTask
}

func (s *fakeScheduler) Schedule(d time.Duration, task func()) func() bool {
	st := &scheduledTask{delay: d, task: task}
	s.tasks = append(s.tasks, st)
	return func() bool {
		if st.fired || st.cancelled {
			return false
		}
		st.cancelled = true
		return true
	}
}

func (s *fakeScheduler) fire(t *testing.T, i int) {
	t.Helper()
	if i >= len(s.tasks) {
		t.Fatalf("no scheduled task at index %d", i)
	}
	st := s.tasks[i]
	if st.cancelled {
		t.Fatalf("scheduled task %d was cancelled", i)
	}
	st.fired = true
	st.task()
}

type fakeCall struct {
	started   bool
	listener  CallListener
	headers   metadata.MD
	cancelled bool
}

func (c *fakeCall) Start(lis CallListener, headers metadata.MD) {
	c.started = true
	c.listener = lis
	c.headers = headers
}

func (c *fakeCall) Cancel() {
	c.cancelled = true
}

type fakeChannel struct {
	calls    []*fakeCall
	contexts []context.Context
}

func (ch *fakeChannel) NewCall(ctx context.Context, info RPCInfo) ClientCall {
	call := &fakeCall{}
	ch.calls = append(ch.calls, call)
	ch.contexts = append(ch.contexts, ctx)
	return call
}

type recordingCallListener struct {
	headers []metadata.MD
	closes  []*status.Status
}

func (l *recordingCallListener) OnHeaders(md metadata.MD) {
	l.headers = append(l.headers, md)
}

func (l *recordingCallListener) OnClose(st *status.Status, trailers metadata.MD) {
	l.closes = append(l.closes, st)
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

func durPtr(d time.Duration) *time.Duration { return &d }

// newTestResolver builds and starts a resolver against a fake xDS client
// with timeouts enabled and deterministic randomness.
func newTestResolver(t *testing.T, mutate ...func(*Options)) (*XdsResolver, *fakeXdsClient, *testUpdateListener) {
	t.Helper()
	client := &fakeXdsClient{}
	opts := Options{
		NewXdsClient: func() (XdsClient, func(), error) {
			return client, func() { client.closed = true }, nil
		},
		Parser:   &testParser{},
		Logger:   discardLogger(),
		Random:   &fakeRandom{},
		Settings: Settings{EnableTimeout: boolPtr(true)},
	}
	for _, f := range mutate {
		f(&opts)
	}
	r, err := NewResolver(testAuthority, opts)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	listener := &testUpdateListener{}
	r.Start(listener)
	if client.ldsWatcher == nil {
		t.Fatal("resolver did not start a listener watch")
	}
	return r, client, listener
}

// singleClusterUpdate is an inline-routes listener update sending every RPC
// to cluster.
func singleClusterUpdate(cluster string, timeout *time.Duration) LdsUpdate {
	return LdsUpdate{
		VirtualHosts: []*VirtualHost{
			{
				Name:    "virtual-host",
				Domains: []string{"*"},
				Routes: []*Route{
					{
						Match:  &RouteMatch{Path: &PathMatcher{Prefix: strPtr("")}},
						Action: &RouteAction{Cluster: cluster, Timeout: timeout},
					},
				},
			},
		},
	}
}
