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

// ListenerWatcher receives listener (LDS) resource events. Callbacks may
// arrive on any goroutine; the resolver re-dispatches them onto its
// serializer.
type ListenerWatcher interface {
	OnChanged(update LdsUpdate)
	OnError(err error)
	OnResourceDoesNotExist(resourceName string)
}

// RouteConfigWatcher receives route configuration (RDS) resource events.
type RouteConfigWatcher interface {
	OnChanged(update RdsUpdate)
	OnError(err error)
	OnResourceDoesNotExist(resourceName string)
}

// XdsClient is the management-server session the resolver watches resources
// through. Implementations own the transport; the resolver never sees the
// wire.
type XdsClient interface {
	WatchListener(resourceName string, watcher ListenerWatcher)
	CancelListenerWatch(resourceName string, watcher ListenerWatcher)
	WatchRouteConfig(resourceName string, watcher RouteConfigWatcher)
	CancelRouteConfigWatch(resourceName string, watcher RouteConfigWatcher)
}

// ServiceConfigParser turns a raw service-config map into the channel's
// parsed representation. The resolver treats the result as opaque.
type ServiceConfigParser interface {
	Parse(raw map[string]any) (any, error)
}

// ConfigSelector makes the per-RPC routing decision for the channel.
type ConfigSelector interface {
	SelectConfig(info RPCInfo) (*RPCConfig, error)
}

// RPCConfig is the outcome of config selection for one RPC.
type RPCConfig struct {
	// MethodConfig is the parsed per-method service config (possibly parsed
	// from an empty map).
	MethodConfig any
	// Interceptor carries the filter chain and the cluster-selection step.
	Interceptor ClientInterceptor
}

// ResolutionResult is what the resolver hands the channel on every update.
type ResolutionResult struct {
	// ServiceConfig is the parsed load-balancing service config.
	ServiceConfig any
	// ConfigSelector routes individual RPCs. Nil when the resolver has no
	// usable routes (the channel should fail RPCs accordingly).
	ConfigSelector ConfigSelector
}

// UpdateListener is the channel-side consumer of resolution updates.
type UpdateListener interface {
	OnResult(result ResolutionResult)
	OnError(err error)
}
