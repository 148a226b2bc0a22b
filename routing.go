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
	"regexp"
	"time"
)

// VirtualHost is a named set of routes served for a set of domains.
type VirtualHost struct {
	Name    string
	Domains []string
	Routes  []*Route
	// FilterConfigOverrides holds per-filter config overrides keyed by
	// filter instance name.
	FilterConfigOverrides map[string]FilterConfig
}

// Route pairs a match predicate with a forwarding action.
type Route struct {
	Match                 *RouteMatch
	Action                *RouteAction
	FilterConfigOverrides map[string]FilterConfig
}

// RouteMatch is the predicate of a route. Path is required; Headers and
// Fraction further narrow the match.
type RouteMatch struct {
	Path     *PathMatcher
	Headers  []*HeaderMatcher
	Fraction *FractionMatcher
}

// PathMatcher matches the full method name of an RPC. Exactly one of Path,
// Prefix and Regex is set; a nil Prefix is distinct from an empty one (an
// empty prefix matches every method). Regex must be anchored at both ends so
// a match covers the whole method name; translated resources arrive that
// way.
type PathMatcher struct {
	Path   *string
	Prefix *string
	Regex  *regexp.Regexp
	// CaseInsensitive applies to Path and Prefix only.
	CaseInsensitive bool
}

// HeaderMatcher matches a single request header. Exactly one of Exact,
// Regex, Range, Present, Prefix and Suffix is set. Regex must be anchored at
// both ends, like PathMatcher's.
type HeaderMatcher struct {
	Name     string
	Exact    *string
	Regex    *regexp.Regexp
	Range    *Int64Range
	Present  *bool
	Prefix   *string
	Suffix   *string
	Inverted bool
}

// Int64Range is an inclusive [Start, End] integer range.
type Int64Range struct {
	Start int64
	End   int64
}

// FractionMatcher admits Numerator out of Denominator requests.
type FractionMatcher struct {
	Numerator   int
	Denominator int
}

// RouteAction says where a matched RPC goes. Exactly one of Cluster and
// WeightedClusters is set.
type RouteAction struct {
	Cluster          string
	WeightedClusters []*ClusterWeight
	// Timeout overrides the listener-level fallback when non-nil. A zero
	// value means "no timeout".
	Timeout      *time.Duration
	HashPolicies []*HashPolicy
}

// ClusterWeight is one arm of a weighted-cluster action.
type ClusterWeight struct {
	Name                  string
	Weight                uint32
	FilterConfigOverrides map[string]FilterConfig
}

// HashPolicyType enumerates the supported hash policy kinds.
type HashPolicyType int

const (
	// HashPolicyTypeHeader hashes the value of a request header.
	HashPolicyTypeHeader HashPolicyType = iota
	// HashPolicyTypeChannelID hashes the resolver's channel ID.
	HashPolicyTypeChannelID
)

// HashPolicy contributes to the per-RPC routing hash.
type HashPolicy struct {
	Type     HashPolicyType
	Terminal bool
	// HeaderName, Regex and RegexSubstitution apply to header policies only.
	// When Regex is set, every match in the header value is replaced with
	// RegexSubstitution before hashing.
	HeaderName        string
	Regex             *regexp.Regexp
	RegexSubstitution string
}

// LdsUpdate is the resolver-facing view of a listener resource. Exactly one
// of RDSName and VirtualHosts is set. A nil FilterChain means HTTP filter
// support is disabled.
type LdsUpdate struct {
	HTTPMaxStreamDuration time.Duration
	RDSName               string
	VirtualHosts          []*VirtualHost
	FilterChain           []NamedFilterConfig
}

// RdsUpdate is the resolver-facing view of a route configuration resource.
type RdsUpdate struct {
	VirtualHosts []*VirtualHost
}

// routingConfig is the immutable per-update snapshot the config selector
// reads. A nil filterChain means filter support is disabled (distinct from
// an empty chain).
type routingConfig struct {
	fallbackTimeout      time.Duration
	routes               []*Route
	filterChain          []NamedFilterConfig
	virtualHostOverrides map[string]FilterConfig
}

var emptyRoutingConfig = &routingConfig{}

// lame reports whether the snapshot's filter chain was capped with the lame
// filter because no router filter was present.
func (c *routingConfig) lame() bool {
	return len(c.filterChain) > 0 && c.filterChain[len(c.filterChain)-1] == lameFilterEntry
}
