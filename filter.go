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

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// FilterConfig is a parsed HTTP filter configuration. Implementations are
// value types comparable with ==.
type FilterConfig interface {
	// TypeURL returns the type URL of the proto this config was parsed from.
	TypeURL() string
}

// Filter parses the two flavors of HTTP filter configuration: the top-level
// one from the listener's filter chain and the per-target override from
// typed_per_filter_config maps.
type Filter interface {
	TypeURLs() []string
	ParseFilterConfig(cfg *anypb.Any) (FilterConfig, error)
	ParseFilterConfigOverride(cfg *anypb.Any) (FilterConfig, error)
}

// ClientInterceptorBuilder is implemented by filters that inject per-RPC
// behavior. BuildClientInterceptor may return a nil interceptor when the
// filter decides not to act on this RPC.
type ClientInterceptorBuilder interface {
	BuildClientInterceptor(cfg, override FilterConfig, info RPCInfo, scheduler Scheduler) (ClientInterceptor, error)
}

// NamedFilterConfig is one entry of a listener's HTTP filter chain.
type NamedFilterConfig struct {
	Name   string
	Config FilterConfig
}

// FilterRegistry maps filter config type URLs to filter implementations.
// Not safe for concurrent mutation; register everything before starting the
// resolver.
type FilterRegistry struct {
	filters map[string]Filter
}

// NewFilterRegistry returns an empty registry.
func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{filters: make(map[string]Filter)}
}

// Register adds f under all of its type URLs, replacing prior entries.
func (r *FilterRegistry) Register(f Filter) {
	for _, u := range f.TypeURLs() {
		r.filters[u] = f
	}
}

// Get returns the filter registered for typeURL, or nil.
func (r *FilterRegistry) Get(typeURL string) Filter {
	return r.filters[typeURL]
}

// newDefaultFilterRegistry returns a registry with the router and fault
// filters, the set every resolver supports out of the box.
func newDefaultFilterRegistry(rnd Random) *FilterRegistry {
	r := NewFilterRegistry()
	r.Register(routerFilter{})
	r.Register(newFaultFilter(rnd))
	return r
}

const routerFilterTypeURL = "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router"

type routerConfig struct{}

func (routerConfig) TypeURL() string { return routerFilterTypeURL }

// routerFilterConfig marks the terminal entry of a filter chain. Everything
// after it is ignored.
var routerFilterConfig FilterConfig = routerConfig{}

// routerFilter terminates the filter chain. It injects no per-RPC behavior;
// its presence is what makes a chain routable.
type routerFilter struct{}

func (routerFilter) TypeURLs() []string { return []string{routerFilterTypeURL} }

func (routerFilter) ParseFilterConfig(*anypb.Any) (FilterConfig, error) {
	return routerFilterConfig, nil
}

func (routerFilter) ParseFilterConfigOverride(*anypb.Any) (FilterConfig, error) {
	return nil, ErrUnsupportedResource("router filter does not support config overrides")
}

type lameConfig struct{}

func (lameConfig) TypeURL() string { return "xds-resolver.lame" }

// lameFilterEntry is appended to a filter chain that lacks a router filter.
// Routes under such a chain cannot forward anything; every RPC fails.
var lameFilterEntry = NamedFilterConfig{Config: lameConfig{}}

type lameFilter struct{}

func (lameFilter) TypeURLs() []string { return []string{lameConfig{}.TypeURL()} }

func (lameFilter) ParseFilterConfig(*anypb.Any) (FilterConfig, error) {
	return lameConfig{}, nil
}

func (lameFilter) ParseFilterConfigOverride(*anypb.Any) (FilterConfig, error) {
	return lameConfig{}, nil
}

// BuildClientInterceptor returns an interceptor that fails every call.
func (lameFilter) BuildClientInterceptor(_, _ FilterConfig, _ RPCInfo, _ Scheduler) (ClientInterceptor, error) {
	return ClientInterceptorFunc(func(context.Context, RPCInfo, Channel) ClientCall {
		return &failingCall{st: status.New(codes.Unavailable, "No router filter")}
	}), nil
}

// failingCall closes with a fixed status as soon as it is started.
type failingCall struct {
	st *status.Status
}

func (c *failingCall) Start(lis CallListener, _ metadata.MD) {
	lis.OnClose(c.st, metadata.MD{})
}

func (c *failingCall) Cancel() {}
