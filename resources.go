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
	"fmt"
	"regexp"
	"time"

	listenerType "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	routeType "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	matcherType "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	resourceType "github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"google.golang.org/protobuf/types/known/anypb"

	hcmType "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
)

// channelIDFilterStateKey is the filter_state key that selects the
// channel-id hash policy.
const channelIDFilterStateKey = "io.grpc.channel_id"

// ListenerUpdateFromProto translates an envoy client Listener (api_listener
// carrying an HttpConnectionManager) into an LdsUpdate. HTTP filters are
// parsed through registry; a nil registry disables filter support and leaves
// FilterChain nil.
func ListenerUpdateFromProto(lis *listenerType.Listener, registry *FilterRegistry) (LdsUpdate, error) {
	apiListener := lis.GetApiListener().GetApiListener()
	if apiListener == nil {
		return LdsUpdate{}, ErrUnsupportedResource(fmt.Sprintf("listener %q carries no api_listener", lis.GetName()))
	}
	hcm := &hcmType.HttpConnectionManager{}
	if err := apiListener.UnmarshalTo(hcm); err != nil {
		return LdsUpdate{}, ErrUnmarshalFailed(resourceType.ListenerType, err)
	}

	update := LdsUpdate{
		HTTPMaxStreamDuration: hcm.GetCommonHttpProtocolOptions().GetMaxStreamDuration().AsDuration(),
	}

	if registry != nil {
		chain, err := filterChainFromProto(hcm.GetHttpFilters(), registry)
		if err != nil {
			return LdsUpdate{}, err
		}
		update.FilterChain = chain
	}

	switch rs := hcm.GetRouteSpecifier().(type) {
	case *hcmType.HttpConnectionManager_Rds:
		update.RDSName = rs.Rds.GetRouteConfigName()
	case *hcmType.HttpConnectionManager_RouteConfig:
		vhs, err := virtualHostsFromProto(rs.RouteConfig.GetVirtualHosts(), registry)
		if err != nil {
			return LdsUpdate{}, err
		}
		update.VirtualHosts = vhs
	default:
		return LdsUpdate{}, ErrUnsupportedResource(fmt.Sprintf("listener %q has unsupported route specifier %T", lis.GetName(), rs))
	}
	return update, nil
}

// RouteConfigUpdateFromProto translates an envoy RouteConfiguration into an
// RdsUpdate.
func RouteConfigUpdateFromProto(rc *routeType.RouteConfiguration, registry *FilterRegistry) (RdsUpdate, error) {
	vhs, err := virtualHostsFromProto(rc.GetVirtualHosts(), registry)
	if err != nil {
		return RdsUpdate{}, err
	}
	return RdsUpdate{VirtualHosts: vhs}, nil
}

// filterChainFromProto parses the HTTP filter chain in listener order.
// Unknown filters marked optional are skipped; unknown required ones are an
// error.
func filterChainFromProto(filters []*hcmType.HttpFilter, registry *FilterRegistry) ([]NamedFilterConfig, error) {
	chain := make([]NamedFilterConfig, 0, len(filters))
	for _, hf := range filters {
		typedConfig := hf.GetTypedConfig()
		if typedConfig == nil {
			if hf.GetIsOptional() {
				continue
			}
			return nil, ErrFilterMissing(hf.GetName(), "")
		}
		filter := registry.Get(typedConfig.GetTypeUrl())
		if filter == nil {
			if hf.GetIsOptional() {
				continue
			}
			return nil, ErrFilterMissing(hf.GetName(), typedConfig.GetTypeUrl())
		}
		cfg, err := filter.ParseFilterConfig(typedConfig)
		if err != nil {
			return nil, err
		}
		chain = append(chain, NamedFilterConfig{Name: hf.GetName(), Config: cfg})
	}
	return chain, nil
}

func virtualHostsFromProto(vhs []*routeType.VirtualHost, registry *FilterRegistry) ([]*VirtualHost, error) {
	out := make([]*VirtualHost, 0, len(vhs))
	for _, vh := range vhs {
		overrides, err := overridesFromProto(vh.GetTypedPerFilterConfig(), registry)
		if err != nil {
			return nil, err
		}
		v := &VirtualHost{
			Name:                  vh.GetName(),
			Domains:               vh.GetDomains(),
			Routes:                make([]*Route, 0, len(vh.GetRoutes())),
			FilterConfigOverrides: overrides,
		}
		for _, r := range vh.GetRoutes() {
			route, err := routeFromProto(r, registry)
			if err != nil {
				return nil, err
			}
			v.Routes = append(v.Routes, route)
		}
		out = append(out, v)
	}
	return out, nil
}

func routeFromProto(r *routeType.Route, registry *FilterRegistry) (*Route, error) {
	match, err := routeMatchFromProto(r.GetMatch())
	if err != nil {
		return nil, err
	}
	routeAction, ok := r.GetAction().(*routeType.Route_Route)
	if !ok {
		return nil, ErrUnsupportedResource(fmt.Sprintf("route has unsupported action %T", r.GetAction()))
	}
	action, err := routeActionFromProto(routeAction.Route, registry)
	if err != nil {
		return nil, err
	}
	overrides, err := overridesFromProto(r.GetTypedPerFilterConfig(), registry)
	if err != nil {
		return nil, err
	}
	return &Route{Match: match, Action: action, FilterConfigOverrides: overrides}, nil
}

func routeMatchFromProto(m *routeType.RouteMatch) (*RouteMatch, error) {
	rm := &RouteMatch{Path: &PathMatcher{}}

	caseSensitive := true
	if m.GetCaseSensitive() != nil {
		caseSensitive = m.GetCaseSensitive().GetValue()
	}
	rm.Path.CaseInsensitive = !caseSensitive

	switch p := m.GetPathSpecifier().(type) {
	case *routeType.RouteMatch_Path:
		path := p.Path
		rm.Path.Path = &path
	case *routeType.RouteMatch_Prefix:
		prefix := p.Prefix
		rm.Path.Prefix = &prefix
	case *routeType.RouteMatch_SafeRegex:
		re, err := fullMatchRegex(p.SafeRegex.GetRegex())
		if err != nil {
			return nil, ErrUnsupportedResource(fmt.Sprintf("invalid path regex %q: %v", p.SafeRegex.GetRegex(), err))
		}
		rm.Path.Regex = re
	default:
		return nil, ErrUnsupportedResource(fmt.Sprintf("route match has unsupported path specifier %T", p))
	}

	for _, h := range m.GetHeaders() {
		hm, err := headerMatcherFromProto(h)
		if err != nil {
			return nil, err
		}
		rm.Headers = append(rm.Headers, hm)
	}

	if rf := m.GetRuntimeFraction().GetDefaultValue(); rf != nil {
		frac := fractionFromProto(rf)
		rm.Fraction = &FractionMatcher{
			Numerator:   int(frac.Numerator),
			Denominator: int(frac.Denominator),
		}
	}
	return rm, nil
}

func headerMatcherFromProto(h *routeType.HeaderMatcher) (*HeaderMatcher, error) {
	hm := &HeaderMatcher{
		Name:     h.GetName(),
		Inverted: h.GetInvertMatch(),
	}
	switch spec := h.GetHeaderMatchSpecifier().(type) {
	case *routeType.HeaderMatcher_ExactMatch: //nolint:staticcheck // deprecated but still served
		v := spec.ExactMatch //nolint:staticcheck
		hm.Exact = &v
	case *routeType.HeaderMatcher_SafeRegexMatch: //nolint:staticcheck
		re, err := fullMatchRegex(spec.SafeRegexMatch.GetRegex()) //nolint:staticcheck
		if err != nil {
			return nil, ErrUnsupportedResource(fmt.Sprintf("invalid header regex for %q: %v", h.GetName(), err))
		}
		hm.Regex = re
	case *routeType.HeaderMatcher_RangeMatch:
		hm.Range = &Int64Range{Start: spec.RangeMatch.GetStart(), End: spec.RangeMatch.GetEnd()}
	case *routeType.HeaderMatcher_PresentMatch:
		v := spec.PresentMatch
		hm.Present = &v
	case *routeType.HeaderMatcher_PrefixMatch: //nolint:staticcheck
		v := spec.PrefixMatch //nolint:staticcheck
		hm.Prefix = &v
	case *routeType.HeaderMatcher_SuffixMatch: //nolint:staticcheck
		v := spec.SuffixMatch //nolint:staticcheck
		hm.Suffix = &v
	case *routeType.HeaderMatcher_StringMatch:
		if err := stringMatchInto(hm, spec.StringMatch, h.GetName()); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedResource(fmt.Sprintf("header matcher for %q has unsupported specifier %T", h.GetName(), spec))
	}
	return hm, nil
}

func stringMatchInto(hm *HeaderMatcher, sm *matcherType.StringMatcher, name string) error {
	switch p := sm.GetMatchPattern().(type) {
	case *matcherType.StringMatcher_Exact:
		v := p.Exact
		hm.Exact = &v
	case *matcherType.StringMatcher_Prefix:
		v := p.Prefix
		hm.Prefix = &v
	case *matcherType.StringMatcher_Suffix:
		v := p.Suffix
		hm.Suffix = &v
	case *matcherType.StringMatcher_SafeRegex:
		re, err := fullMatchRegex(p.SafeRegex.GetRegex())
		if err != nil {
			return ErrUnsupportedResource(fmt.Sprintf("invalid header regex for %q: %v", name, err))
		}
		hm.Regex = re
	default:
		return ErrUnsupportedResource(fmt.Sprintf("header matcher for %q has unsupported string match %T", name, p))
	}
	return nil
}

func routeActionFromProto(a *routeType.RouteAction, registry *FilterRegistry) (*RouteAction, error) {
	action := &RouteAction{}

	switch c := a.GetClusterSpecifier().(type) {
	case *routeType.RouteAction_Cluster:
		action.Cluster = c.Cluster
	case *routeType.RouteAction_WeightedClusters:
		total := uint32(0)
		for _, cw := range c.WeightedClusters.GetClusters() {
			weight := cw.GetWeight().GetValue()
			if weight == 0 {
				return nil, ErrUnsupportedResource(fmt.Sprintf("weighted cluster %q has zero weight", cw.GetName()))
			}
			overrides, err := overridesFromProto(cw.GetTypedPerFilterConfig(), registry)
			if err != nil {
				return nil, err
			}
			action.WeightedClusters = append(action.WeightedClusters, &ClusterWeight{
				Name:                  cw.GetName(),
				Weight:                weight,
				FilterConfigOverrides: overrides,
			})
			total += weight
		}
		if total == 0 {
			return nil, ErrUnsupportedResource("weighted cluster action has zero total weight")
		}
	default:
		return nil, ErrUnsupportedResource(fmt.Sprintf("route action has unsupported cluster specifier %T", c))
	}

	if msd := a.GetMaxStreamDuration(); msd != nil {
		var d time.Duration
		if msd.GetGrpcTimeoutHeaderMax() != nil {
			d = msd.GetGrpcTimeoutHeaderMax().AsDuration()
		} else {
			d = msd.GetMaxStreamDuration().AsDuration()
		}
		action.Timeout = &d
	}

	for _, hp := range a.GetHashPolicy() {
		policy, ok := hashPolicyFromProto(hp)
		if !ok {
			continue
		}
		action.HashPolicies = append(action.HashPolicies, policy)
	}
	return action, nil
}

// hashPolicyFromProto translates one hash policy. Unsupported policy kinds
// (cookie, connection properties, query parameter, other filter-state keys)
// are skipped rather than rejected, matching how consistent-hash routing
// degrades.
func hashPolicyFromProto(hp *routeType.RouteAction_HashPolicy) (*HashPolicy, bool) {
	switch spec := hp.GetPolicySpecifier().(type) {
	case *routeType.RouteAction_HashPolicy_Header_:
		policy := &HashPolicy{
			Type:       HashPolicyTypeHeader,
			Terminal:   hp.GetTerminal(),
			HeaderName: spec.Header.GetHeaderName(),
		}
		if rr := spec.Header.GetRegexRewrite(); rr != nil {
			re, err := regexp.Compile(rr.GetPattern().GetRegex())
			if err != nil {
				return nil, false
			}
			policy.Regex = re
			policy.RegexSubstitution = rr.GetSubstitution()
		}
		return policy, true
	case *routeType.RouteAction_HashPolicy_FilterState_:
		if spec.FilterState.GetKey() != channelIDFilterStateKey {
			return nil, false
		}
		return &HashPolicy{Type: HashPolicyTypeChannelID, Terminal: hp.GetTerminal()}, true
	default:
		return nil, false
	}
}

func overridesFromProto(m map[string]*anypb.Any, registry *FilterRegistry) (map[string]FilterConfig, error) {
	if len(m) == 0 || registry == nil {
		return nil, nil
	}
	out := make(map[string]FilterConfig, len(m))
	for name, cfg := range m {
		filter := registry.Get(cfg.GetTypeUrl())
		if filter == nil {
			// Overrides for unknown filters cannot apply to anything.
			continue
		}
		parsed, err := filter.ParseFilterConfigOverride(cfg)
		if err != nil {
			return nil, err
		}
		out[name] = parsed
	}
	return out, nil
}
