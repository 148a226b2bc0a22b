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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewResolverValidation(t *testing.T) {
	valid := Options{
		NewXdsClient: func() (XdsClient, func(), error) { return &fakeXdsClient{}, func() {}, nil },
		Parser:       &testParser{},
	}

	if _, err := NewResolver("", valid); err == nil {
		t.Error("empty authority should be rejected")
	}

	noClient := valid
	noClient.NewXdsClient = nil
	if _, err := NewResolver(testAuthority, noClient); err == nil {
		t.Error("missing NewXdsClient should be rejected")
	}

	noParser := valid
	noParser.Parser = nil
	if _, err := NewResolver(testAuthority, noParser); err == nil {
		t.Error("missing Parser should be rejected")
	}
}

func TestStartClientCreationFailure(t *testing.T) {
	r, err := NewResolver(testAuthority, Options{
		NewXdsClient: func() (XdsClient, func(), error) {
			return nil, nil, errors.New("no bootstrap config")
		},
		Parser: &testParser{},
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	listener := &testUpdateListener{}
	r.Start(listener)

	require.Len(t, listener.errors, 1)
	st := status.Convert(listener.errors[0])
	require.Equal(t, codes.Unavailable, st.Code())
	require.Contains(t, st.Message(), "Failed to initialize xDS")
	require.Empty(t, listener.results)
}

func TestInlineRoutesEmitResult(t *testing.T) {
	_, client, listener := newTestResolver(t)
	require.Equal(t, testAuthority, client.ldsName)

	client.ldsWatcher.OnChanged(singleClusterUpdate("cluster-foo", nil))

	require.Len(t, listener.results, 1)
	result := listener.lastResult(t)
	require.NotNil(t, result.ConfigSelector)
	if diff := cmp.Diff(lbServiceConfig([]string{"cluster-foo"}), result.ServiceConfig); diff != "" {
		t.Errorf("service config mismatch (-want +got):\n%s", diff)
	}
}

func TestRouteConfigDiscovery(t *testing.T) {
	_, client, listener := newTestResolver(t)

	client.ldsWatcher.OnChanged(LdsUpdate{RDSName: "route-foo"})
	require.Empty(t, listener.results, "no result until routes arrive")
	require.Equal(t, "route-foo", client.rdsName)
	require.NotNil(t, client.rdsWatcher)

	client.rdsWatcher.OnChanged(RdsUpdate{
		VirtualHosts: singleClusterUpdate("cluster-foo", nil).VirtualHosts,
	})
	require.Len(t, listener.results, 1)
	require.NotNil(t, listener.lastResult(t).ConfigSelector)
}

func TestListenerSwitchCancelsRouteWatch(t *testing.T) {
	_, client, _ := newTestResolver(t)

	client.ldsWatcher.OnChanged(LdsUpdate{RDSName: "route-foo"})
	require.Equal(t, 0, client.rdsCancels)

	// Listener flips to inline routes; the RDS watch must go.
	client.ldsWatcher.OnChanged(singleClusterUpdate("cluster-foo", nil))
	require.Equal(t, 1, client.rdsCancels)
}

func TestListenerRevokedAndResent(t *testing.T) {
	_, client, listener := newTestResolver(t)

	client.ldsWatcher.OnChanged(LdsUpdate{RDSName: "route-foo"})
	rds := client.rdsWatcher
	vhs := singleClusterUpdate("cluster-foo", nil).VirtualHosts
	rds.OnChanged(RdsUpdate{VirtualHosts: vhs})
	require.Len(t, listener.results, 1)

	client.ldsWatcher.OnResourceDoesNotExist(testAuthority)
	require.Equal(t, 1, client.rdsCancels, "revocation must cancel the route watch")
	require.Len(t, listener.results, 2)
	empty := listener.lastResult(t)
	require.Nil(t, empty.ConfigSelector, "empty result carries no selector")
	if diff := cmp.Diff(map[string]any{}, empty.ServiceConfig); diff != "" {
		t.Errorf("empty service config mismatch (-want +got):\n%s", diff)
	}

	// The resource coming back restores the original result.
	client.ldsWatcher.OnChanged(LdsUpdate{RDSName: "route-foo"})
	client.rdsWatcher.OnChanged(RdsUpdate{VirtualHosts: vhs})
	require.Len(t, listener.results, 3)
	restored := listener.lastResult(t)
	require.NotNil(t, restored.ConfigSelector)
	if diff := cmp.Diff(lbServiceConfig([]string{"cluster-foo"}), restored.ServiceConfig); diff != "" {
		t.Errorf("restored service config mismatch (-want +got):\n%s", diff)
	}
}

func TestStaleRouteWatcherDropped(t *testing.T) {
	_, client, listener := newTestResolver(t)

	client.ldsWatcher.OnChanged(LdsUpdate{RDSName: "route-foo"})
	stale := client.rdsWatcher
	client.ldsWatcher.OnChanged(LdsUpdate{RDSName: "route-bar"})

	stale.OnChanged(RdsUpdate{
		VirtualHosts: singleClusterUpdate("cluster-stale", nil).VirtualHosts,
	})
	require.Empty(t, listener.results, "stale route update must be dropped")

	stale.OnError(errors.New("stale error"))
	require.Empty(t, listener.errors, "stale route error must be dropped")
}

func TestWatchErrorsPassThrough(t *testing.T) {
	_, client, listener := newTestResolver(t)

	client.ldsWatcher.OnChanged(LdsUpdate{RDSName: "route-foo"})

	ldsErr := status.Error(codes.Unavailable, "lds stream broke")
	rdsErr := status.Error(codes.Unavailable, "rds stream broke")
	client.ldsWatcher.OnError(ldsErr)
	client.rdsWatcher.OnError(rdsErr)
	client.ldsWatcher.OnError(ldsErr)

	// Errors are forwarded verbatim, duplicates included.
	require.Equal(t, []error{ldsErr, rdsErr, ldsErr}, listener.errors)
	require.Empty(t, listener.results)
}

func TestNoMatchingVirtualHost(t *testing.T) {
	_, client, listener := newTestResolver(t)

	client.ldsWatcher.OnChanged(LdsUpdate{
		VirtualHosts: []*VirtualHost{
			{Name: "other", Domains: []string{"bar.example.org"}},
		},
	})

	require.Len(t, listener.results, 1)
	require.Nil(t, listener.lastResult(t).ConfigSelector)
}

func TestClusterMembershipChange(t *testing.T) {
	_, client, listener := newTestResolver(t)

	client.ldsWatcher.OnChanged(singleClusterUpdate("cluster-foo", nil))
	client.ldsWatcher.OnChanged(singleClusterUpdate("cluster-bar", nil))

	// Add-before-remove: the intermediate config carries both clusters.
	require.Len(t, listener.results, 3)
	if diff := cmp.Diff(lbServiceConfig([]string{"cluster-bar", "cluster-foo"}), listener.results[1].ServiceConfig); diff != "" {
		t.Errorf("intermediate service config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(lbServiceConfig([]string{"cluster-bar"}), listener.results[2].ServiceConfig); diff != "" {
		t.Errorf("final service config mismatch (-want +got):\n%s", diff)
	}
}

func TestInFlightRPCKeepsRemovedCluster(t *testing.T) {
	r, client, listener := newTestResolver(t)

	client.ldsWatcher.OnChanged(singleClusterUpdate("cluster-foo", nil))
	cfg, err := r.configSelector.SelectConfig(RPCInfo{FullMethodName: "/FooService/Bar"})
	require.NoError(t, err)

	// Routes flip away while the RPC is un-committed: cluster-foo must stay
	// in the emitted config.
	client.ldsWatcher.OnChanged(singleClusterUpdate("cluster-bar", nil))
	require.Len(t, listener.results, 2)
	if diff := cmp.Diff(lbServiceConfig([]string{"cluster-bar", "cluster-foo"}), listener.lastResult(t).ServiceConfig); diff != "" {
		t.Errorf("service config mismatch (-want +got):\n%s", diff)
	}

	// The RPC finishing releases the last reference and shrinks the config.
	channel := &fakeChannel{}
	call := cfg.Interceptor.InterceptCall(context.Background(), RPCInfo{FullMethodName: "/FooService/Bar"}, channel)
	lis := &recordingCallListener{}
	call.Start(lis, nil)
	require.Len(t, channel.calls, 1)
	channel.calls[0].listener.OnClose(status.New(codes.OK, ""), nil)

	require.Len(t, listener.results, 3)
	if diff := cmp.Diff(lbServiceConfig([]string{"cluster-bar"}), listener.lastResult(t).ServiceConfig); diff != "" {
		t.Errorf("service config after release mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseCancelsWatches(t *testing.T) {
	r, client, listener := newTestResolver(t)

	client.ldsWatcher.OnChanged(LdsUpdate{RDSName: "route-foo"})
	ldsWatcher := client.ldsWatcher
	r.Close()

	require.Equal(t, 1, client.ldsCancels)
	require.Equal(t, 1, client.rdsCancels)
	require.True(t, client.closed)

	// A late update from the cancelled watch is ignored.
	before := len(listener.results)
	ldsWatcher.OnChanged(singleClusterUpdate("cluster-foo", nil))
	require.Len(t, listener.results, before)
}
