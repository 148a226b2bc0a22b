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

// Command example wires the resolver against an in-memory xDS client,
// delivers one listener update with a weighted route, and sends a simulated
// RPC through the resulting config selector.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	xdsresolver "github.com/codesjoy/xds-resolver"
)

const authority = "echo.example.com"

// memoryXdsClient serves listener updates straight from memory.
type memoryXdsClient struct {
	listenerWatcher xdsresolver.ListenerWatcher
}

func (c *memoryXdsClient) WatchListener(name string, w xdsresolver.ListenerWatcher) {
	c.listenerWatcher = w
}

func (c *memoryXdsClient) CancelListenerWatch(name string, w xdsresolver.ListenerWatcher) {
	c.listenerWatcher = nil
}

func (c *memoryXdsClient) WatchRouteConfig(string, xdsresolver.RouteConfigWatcher)       {}
func (c *memoryXdsClient) CancelRouteConfigWatch(string, xdsresolver.RouteConfigWatcher) {}

// jsonParser keeps configs as indented JSON strings.
type jsonParser struct{}

func (jsonParser) Parse(raw map[string]any) (any, error) {
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type printingListener struct{}

func (printingListener) OnResult(result xdsresolver.ResolutionResult) {
	fmt.Printf("service config:\n%s\n", result.ServiceConfig)
}

func (printingListener) OnError(err error) {
	fmt.Printf("resolution error: %v\n", err)
}

// printingChannel stands in for the transport: it reports where the RPC
// would have gone.
type printingChannel struct{}

func (printingChannel) NewCall(ctx context.Context, info xdsresolver.RPCInfo) xdsresolver.ClientCall {
	cluster, _ := xdsresolver.PickedCluster(ctx)
	hash, _ := xdsresolver.RequestHash(ctx)
	fmt.Printf("call %s routed to cluster %q (hash %d)\n", info.FullMethodName, cluster, hash)
	return printingCall{}
}

type printingCall struct{}

func (printingCall) Start(lis xdsresolver.CallListener, _ metadata.MD) {
	lis.OnHeaders(metadata.MD{})
	lis.OnClose(status.New(codes.OK, ""), metadata.MD{})
}

func (printingCall) Cancel() {}

type noopCallListener struct{}

func (noopCallListener) OnHeaders(metadata.MD)               {}
func (noopCallListener) OnClose(*status.Status, metadata.MD) {}

func main() {
	client := &memoryXdsClient{}
	resolver, err := xdsresolver.NewResolver(authority, xdsresolver.Options{
		NewXdsClient: func() (xdsresolver.XdsClient, func(), error) {
			return client, func() {}, nil
		},
		Parser: jsonParser{},
	})
	if err != nil {
		log.Fatalf("failed to build resolver: %v", err)
	}
	defer resolver.Close()

	var selector xdsresolver.ConfigSelector
	resolver.Start(selectorCapture{inner: printingListener{}, selector: &selector})

	timeout := 15 * time.Second
	client.listenerWatcher.OnChanged(xdsresolver.LdsUpdate{
		VirtualHosts: []*xdsresolver.VirtualHost{
			{
				Name:    "echo",
				Domains: []string{"*"},
				Routes: []*xdsresolver.Route{
					{
						Match: &xdsresolver.RouteMatch{
							Path: &xdsresolver.PathMatcher{Prefix: strPtr("/echo.Echo/")},
						},
						Action: &xdsresolver.RouteAction{
							WeightedClusters: []*xdsresolver.ClusterWeight{
								{Name: "echo-v1", Weight: 20},
								{Name: "echo-v2", Weight: 80},
							},
							Timeout: &timeout,
						},
					},
				},
			},
		},
	})

	info := xdsresolver.RPCInfo{
		FullMethodName: "/echo.Echo/Say",
		Headers:        metadata.Pairs("x-version", "v2"),
		Context:        context.Background(),
	}
	cfg, err := selector.SelectConfig(info)
	if err != nil {
		log.Fatalf("config selection failed: %v", err)
	}
	fmt.Printf("method config:\n%s\n", cfg.MethodConfig)
	cfg.Interceptor.InterceptCall(context.Background(), info, printingChannel{}).Start(noopCallListener{}, info.Headers)
}

// selectorCapture forwards results and keeps the latest config selector for
// the demo to use.
type selectorCapture struct {
	inner    xdsresolver.UpdateListener
	selector *xdsresolver.ConfigSelector
}

func (c selectorCapture) OnResult(result xdsresolver.ResolutionResult) {
	*c.selector = result.ConfigSelector
	c.inner.OnResult(result)
}

func (c selectorCapture) OnError(err error) {
	c.inner.OnError(err)
}

func strPtr(s string) *string { return &s }
