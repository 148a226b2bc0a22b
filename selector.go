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
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// configSelector routes one RPC against the resolver's current routing
// snapshot. It re-reads the snapshot and re-picks whenever the cluster it
// chose lost its last reference in the meantime.
type configSelector struct {
	resolver *XdsResolver
}

// SelectConfig implements ConfigSelector.
func (cs *configSelector) SelectConfig(info RPCInfo) (*RPCConfig, error) {
	r := cs.resolver
	headers := buildHeaderMap(info.Headers)

	var cfg *routingConfig
	var selectedRoute *Route
	var cluster string
	var overrides map[string]FilterConfig
	for {
		cfg = r.routingConfig.Load()
		overrides = cloneOverrides(cfg.virtualHostOverrides)
		selectedRoute, cluster = nil, ""
		if cfg.lame() {
			break
		}
		for _, route := range cfg.routes {
			if matchRoute(route.Match, info.FullMethodName, headers, r.random) {
				selectedRoute = route
				mergeOverrides(overrides, route.FilterConfigOverrides)
				break
			}
		}
		if selectedRoute == nil {
			return nil, status.Error(codes.Unavailable, "Could not find xDS route matching RPC")
		}
		if action := selectedRoute.Action; action.Cluster != "" {
			cluster = action.Cluster
		} else {
			cw := pickWeightedCluster(action.WeightedClusters, r.random)
			cluster = cw.Name
			mergeOverrides(overrides, cw.FilterConfigOverrides)
		}
		if r.clusterRefs.retain(cluster) {
			break
		}
		// Lost the race against the cluster's removal; pick again from the
		// config current now.
	}

	raw := map[string]any{}
	if r.enableTimeout {
		timeout := cfg.fallbackTimeout
		if selectedRoute != nil && selectedRoute.Action.Timeout != nil {
			timeout = *selectedRoute.Action.Timeout
		}
		if timeout > 0 {
			raw = methodTimeoutServiceConfig(timeout)
		}
	}
	parsed, err := r.parser.Parse(raw)
	if err != nil {
		cs.releaseIfRetained(cluster)
		st := status.Convert(err)
		return nil, status.Errorf(st.Code(), "%s: Failed to parse service config (method config)", st.Message())
	}

	var interceptors []ClientInterceptor
	if cfg.filterChain != nil {
		for _, nf := range cfg.filterChain {
			var filter Filter
			if nf == lameFilterEntry {
				filter = lameFilter{}
			} else if filter = r.filterRegistry.Get(nf.Config.TypeURL()); filter == nil {
				// A filter with no registered implementation contributes no
				// interceptor.
				continue
			}
			builder, ok := filter.(ClientInterceptorBuilder)
			if !ok {
				continue
			}
			interceptor, err := builder.BuildClientInterceptor(nf.Config, overrides[nf.Name], info, r.scheduler)
			if err != nil {
				cs.releaseIfRetained(cluster)
				return nil, status.Errorf(codes.Unavailable, "failed to build interceptor for filter %q: %v", nf.Name, err)
			}
			if interceptor != nil {
				interceptors = append(interceptors, interceptor)
			}
		}
		if cfg.lame() {
			return &RPCConfig{MethodConfig: parsed, Interceptor: combineInterceptors(interceptors)}, nil
		}
	}

	hash := cs.generateHash(selectedRoute.Action.HashPolicies, headers)
	interceptors = append(interceptors, &clusterSelectionInterceptor{
		refs:    r.clusterRefs,
		cluster: cluster,
		hash:    hash,
	})
	return &RPCConfig{MethodConfig: parsed, Interceptor: combineInterceptors(interceptors)}, nil
}

func (cs *configSelector) releaseIfRetained(cluster string) {
	if cluster != "" {
		cs.resolver.clusterRefs.release(cluster)
	}
}

// generateHash folds the route's hash policies into one 64-bit value. Each
// contributing policy's hash is combined with the accumulator rotated left
// by one bit; a terminal policy stops the fold once anything contributed.
// When nothing contributes the hash is random, spreading the RPC across the
// ring.
func (cs *configSelector) generateHash(policies []*HashPolicy, headers map[string]string) uint64 {
	r := cs.resolver
	var hash uint64
	generated := false
	for _, policy := range policies {
		var policyHash uint64
		contributed := false
		switch policy.Type {
		case HashPolicyTypeHeader:
			if value, ok := headers[policy.HeaderName]; ok {
				if policy.Regex != nil {
					value = policy.Regex.ReplaceAllString(value, policy.RegexSubstitution)
				}
				policyHash = hashString(value)
				contributed = true
			}
		case HashPolicyTypeChannelID:
			policyHash = hashUint64(r.channelID)
			contributed = true
		}
		if contributed {
			var rotated uint64
			if generated {
				rotated = (hash << 1) | (hash >> 63)
			}
			hash = rotated ^ policyHash
			generated = true
		}
		if policy.Terminal && generated {
			break
		}
	}
	if !generated {
		return r.random.Uint64()
	}
	return hash
}

// pickWeightedCluster draws a cluster proportionally to its weight.
func pickWeightedCluster(weights []*ClusterWeight, rnd Random) *ClusterWeight {
	total := 0
	for _, cw := range weights {
		total += int(cw.Weight)
	}
	draw := rnd.Intn(total)
	accumulated := 0
	for _, cw := range weights {
		accumulated += int(cw.Weight)
		if draw < accumulated {
			return cw
		}
	}
	return weights[len(weights)-1]
}

func cloneOverrides(src map[string]FilterConfig) map[string]FilterConfig {
	out := make(map[string]FilterConfig, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func mergeOverrides(dst, src map[string]FilterConfig) {
	for k, v := range src {
		dst[k] = v
	}
}

// clusterSelectionInterceptor pins the picked cluster and routing hash onto
// the call context and holds the cluster reference until the RPC commits
// (headers received) or finishes.
type clusterSelectionInterceptor struct {
	refs    *clusterRefTable
	cluster string
	hash    uint64
}

func (i *clusterSelectionInterceptor) InterceptCall(ctx context.Context, info RPCInfo, next Channel) ClientCall {
	ctx = withPickedCluster(ctx, i.cluster)
	ctx = withRequestHash(ctx, i.hash)
	return &clusterRetainingCall{
		call:    next.NewCall(ctx, info),
		refs:    i.refs,
		cluster: i.cluster,
	}
}

type clusterRetainingCall struct {
	call    ClientCall
	refs    *clusterRefTable
	cluster string
	once    sync.Once
}

func (c *clusterRetainingCall) Start(lis CallListener, headers metadata.MD) {
	c.call.Start(&clusterReleasingListener{call: c, delegate: lis}, headers)
}

func (c *clusterRetainingCall) Cancel() {
	c.call.Cancel()
}

func (c *clusterRetainingCall) release() {
	c.once.Do(func() { c.refs.release(c.cluster) })
}

type clusterReleasingListener struct {
	call     *clusterRetainingCall
	delegate CallListener
}

// OnHeaders commits the RPC to its cluster: the reference drops as soon as
// the server responds, letting drained clusters leave the config without
// waiting for long-lived calls to end.
func (l *clusterReleasingListener) OnHeaders(md metadata.MD) {
	l.call.release()
	l.delegate.OnHeaders(md)
}

func (l *clusterReleasingListener) OnClose(st *status.Status, trailers metadata.MD) {
	l.call.release()
	l.delegate.OnClose(st, trailers)
}
