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
	"time"
)

// resolveState is the resolver's listener (LDS) watcher. When the listener
// delegates routes to an RDS resource, resolveState owns the single live
// routeDiscoveryState for it; any listener change cancels and replaces that
// watch.
type resolveState struct {
	resolver *XdsResolver

	// All fields below are serializer-confined.
	stopped bool
	// existingClusters is the membership this watcher last pushed into the
	// cluster table, nil before the first route update.
	existingClusters map[string]struct{}
	routeDiscovery   *routeDiscoveryState
}

func (s *resolveState) start() {
	r := s.resolver
	r.logger.WithField("resource", r.authority).Debug("watching listener resource")
	r.xdsClient.WatchListener(r.authority, s)
}

func (s *resolveState) stop() {
	r := s.resolver
	r.serializer.Execute(func() {
		s.stopped = true
		s.cleanUpRouteDiscoveryState()
		r.xdsClient.CancelListenerWatch(r.authority, s)
	})
}

// OnChanged implements ListenerWatcher.
func (s *resolveState) OnChanged(update LdsUpdate) {
	r := s.resolver
	r.serializer.Execute(func() {
		if s.stopped {
			return
		}
		r.logger.WithField("resource", r.authority).Debug("received listener update")
		s.cleanUpRouteDiscoveryState()
		if update.VirtualHosts != nil {
			s.updateRoutes(update.VirtualHosts, update.HTTPMaxStreamDuration, update.FilterChain)
			return
		}
		s.routeDiscovery = &routeDiscoveryState{
			state:             s,
			resourceName:      update.RDSName,
			maxStreamDuration: update.HTTPMaxStreamDuration,
			filterChain:       update.FilterChain,
		}
		r.logger.WithField("resource", update.RDSName).Debug("watching route configuration resource")
		r.xdsClient.WatchRouteConfig(update.RDSName, s.routeDiscovery)
	})
}

// OnError implements ListenerWatcher. Transient resource errors pass through
// to the channel untouched; the previous good config keeps serving.
func (s *resolveState) OnError(err error) {
	r := s.resolver
	r.serializer.Execute(func() {
		if s.stopped {
			return
		}
		r.logger.WithError(err).Warn("listener watch error")
		r.listener.OnError(err)
	})
}

// OnResourceDoesNotExist implements ListenerWatcher.
func (s *resolveState) OnResourceDoesNotExist(resourceName string) {
	r := s.resolver
	r.serializer.Execute(func() {
		if s.stopped {
			return
		}
		r.logger.WithField("resource", resourceName).Warn("listener resource does not exist")
		s.cleanUpRouteDiscoveryState()
		s.cleanUpRoutes()
	})
}

func (s *resolveState) cleanUpRouteDiscoveryState() {
	if s.routeDiscovery == nil {
		return
	}
	s.resolver.xdsClient.CancelRouteConfigWatch(s.routeDiscovery.resourceName, s.routeDiscovery)
	s.routeDiscovery = nil
}

// updateRoutes installs the routes of the virtual host matching the channel
// authority and reconciles cluster-table membership. Added clusters are
// announced before the routing snapshot flips and removed ones after it, so
// the channel always has LB config for any cluster the selector can pick.
func (s *resolveState) updateRoutes(virtualHosts []*VirtualHost, fallbackTimeout time.Duration, filterChain []NamedFilterConfig) {
	r := s.resolver
	vh := findVirtualHostForHostName(virtualHosts, r.authority)
	if vh == nil {
		r.logger.WithField("authority", r.authority).Warn("no virtual host matches the channel authority")
		s.cleanUpRoutes()
		return
	}

	routes := vh.Routes
	if filterChain != nil {
		// Keep the chain up to and including the first router filter. A
		// chain without one cannot forward anything.
		chain := make([]NamedFilterConfig, 0, len(filterChain))
		hasRouter := false
		for _, nf := range filterChain {
			chain = append(chain, nf)
			if nf.Config == routerFilterConfig {
				hasRouter = true
				break
			}
		}
		if !hasRouter {
			chain = append(chain, lameFilterEntry)
			routes = nil
		}
		filterChain = chain
	}

	clusters := make(map[string]struct{})
	for _, route := range routes {
		if route.Action.Cluster != "" {
			clusters[route.Action.Cluster] = struct{}{}
			continue
		}
		for _, cw := range route.Action.WeightedClusters {
			clusters[cw.Name] = struct{}{}
		}
	}

	var added, deleted []string
	for c := range clusters {
		if _, ok := s.existingClusters[c]; !ok {
			added = append(added, c)
		}
	}
	for c := range s.existingClusters {
		if _, ok := clusters[c]; !ok {
			deleted = append(deleted, c)
		}
	}

	shouldUpdate := s.existingClusters == nil
	for _, c := range added {
		if r.clusterRefs.addRef(c) {
			shouldUpdate = true
		}
	}
	if shouldUpdate {
		r.updateResolutionResult()
	}

	r.routingConfig.Store(&routingConfig{
		fallbackTimeout:      fallbackTimeout,
		routes:               routes,
		filterChain:          filterChain,
		virtualHostOverrides: vh.FilterConfigOverrides,
	})

	shouldUpdate = false
	for _, c := range deleted {
		if r.clusterRefs.removeRef(c) {
			shouldUpdate = true
		}
	}
	if shouldUpdate {
		r.updateResolutionResult()
	}
	s.existingClusters = clusters
}

// cleanUpRoutes drops this watcher's cluster references, empties the routing
// snapshot and tells the channel there is nothing to route on.
func (s *resolveState) cleanUpRoutes() {
	r := s.resolver
	for c := range s.existingClusters {
		r.clusterRefs.removeRef(c)
	}
	s.existingClusters = nil
	r.routingConfig.Store(emptyRoutingConfig)
	r.emitEmptyResult()
}

// routeDiscoveryState is the RDS watcher for one listener generation.
// Callbacks from a superseded watch are dropped by pointer identity.
type routeDiscoveryState struct {
	state             *resolveState
	resourceName      string
	maxStreamDuration time.Duration
	filterChain       []NamedFilterConfig
}

func (rds *routeDiscoveryState) stale() bool {
	return rds.state.routeDiscovery != rds
}

// OnChanged implements RouteConfigWatcher.
func (rds *routeDiscoveryState) OnChanged(update RdsUpdate) {
	r := rds.state.resolver
	r.serializer.Execute(func() {
		if rds.stale() {
			return
		}
		r.logger.WithField("resource", rds.resourceName).Debug("received route configuration update")
		rds.state.updateRoutes(update.VirtualHosts, rds.maxStreamDuration, rds.filterChain)
	})
}

// OnError implements RouteConfigWatcher.
func (rds *routeDiscoveryState) OnError(err error) {
	r := rds.state.resolver
	r.serializer.Execute(func() {
		if rds.stale() {
			return
		}
		r.logger.WithError(err).Warn("route configuration watch error")
		r.listener.OnError(err)
	})
}

// OnResourceDoesNotExist implements RouteConfigWatcher.
func (rds *routeDiscoveryState) OnResourceDoesNotExist(resourceName string) {
	r := rds.state.resolver
	r.serializer.Execute(func() {
		if rds.stale() {
			return
		}
		r.logger.WithField("resource", resourceName).Warn("route configuration resource does not exist")
		rds.state.cleanUpRoutes()
	})
}
