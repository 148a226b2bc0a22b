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
	"strconv"
	"strings"

	"google.golang.org/grpc/metadata"
)

// MatchHostName reports whether pattern matches hostName. Both are
// lowercased first. A pattern without "*" must equal the host exactly. "*"
// alone matches everything. Otherwise the pattern may carry a single "*" at
// its leftmost or rightmost position, which must cover at least one
// character of the host.
//
// An empty hostName or pattern, or one with a leading or trailing dot, is an
// argument error.
func MatchHostName(hostName, pattern string) (bool, error) {
	if err := checkHostArg("hostName", hostName); err != nil {
		return false, err
	}
	if err := checkHostArg("pattern", pattern); err != nil {
		return false, err
	}
	hostName = strings.ToLower(hostName)
	pattern = strings.ToLower(pattern)

	if !strings.Contains(pattern, "*") {
		return hostName == pattern, nil
	}
	if pattern == "*" {
		return true, nil
	}
	// At most one wildcard, and only at an edge.
	if strings.Count(pattern, "*") > 1 {
		return false, nil
	}
	idx := strings.Index(pattern, "*")
	if idx != 0 && idx != len(pattern)-1 {
		return false, nil
	}
	// The wildcard must consume at least one character.
	if len(hostName) < len(pattern) {
		return false, nil
	}
	if idx == 0 {
		return strings.HasSuffix(hostName, pattern[1:]), nil
	}
	return strings.HasPrefix(hostName, pattern[:len(pattern)-1]), nil
}

func checkHostArg(what, v string) error {
	if v == "" {
		return ErrInvalidConfig(fmt.Sprintf("%s is empty", what))
	}
	if strings.HasPrefix(v, ".") || strings.HasSuffix(v, ".") {
		return ErrInvalidConfig(fmt.Sprintf("%s %q starts or ends with a dot", what, v))
	}
	return nil
}

// findVirtualHostForHostName selects the virtual host whose domains best
// match hostName. An exact domain wins outright; among wildcard matches the
// longest domain wins, and at equal length a suffix ("*X") pattern beats a
// prefix one. Returns nil when nothing matches. Malformed domain patterns
// are skipped.
func findVirtualHostForHostName(virtualHosts []*VirtualHost, hostName string) *VirtualHost {
	var selected *VirtualHost
	matchingLen := -1
	for _, vh := range virtualHosts {
		exact := false
		for _, domain := range vh.Domains {
			matched, err := MatchHostName(hostName, domain)
			if err != nil || !matched {
				continue
			}
			if !strings.Contains(domain, "*") {
				exact = true
				selected = vh
				break
			}
			if len(domain) > matchingLen ||
				(len(domain) == matchingLen && strings.HasPrefix(domain, "*")) {
				matchingLen = len(domain)
				selected = vh
			}
		}
		if exact {
			break
		}
	}
	return selected
}

// buildHeaderMap flattens outgoing metadata for matching: binary ("-bin")
// keys are dropped, multi-valued keys are joined with ",", and content-type
// is fixed to the grpc one since it is not set yet at selection time.
func buildHeaderMap(md metadata.MD) map[string]string {
	headers := make(map[string]string, len(md)+1)
	for k, vs := range md {
		if strings.HasSuffix(k, "-bin") {
			continue
		}
		headers[k] = strings.Join(vs, ",")
	}
	headers["content-type"] = "application/grpc"
	return headers
}

func matchPath(pm *PathMatcher, fullMethodName string) bool {
	switch {
	case pm.Path != nil:
		if pm.CaseInsensitive {
			return strings.EqualFold(fullMethodName, *pm.Path)
		}
		return fullMethodName == *pm.Path
	case pm.Prefix != nil:
		if pm.CaseInsensitive {
			return strings.HasPrefix(strings.ToLower(fullMethodName), strings.ToLower(*pm.Prefix))
		}
		return strings.HasPrefix(fullMethodName, *pm.Prefix)
	default:
		return pm.Regex.MatchString(fullMethodName)
	}
}

// matchHeader evaluates hm against value, where a nil value means the header
// is absent.
func matchHeader(hm *HeaderMatcher, value *string) bool {
	if hm.Present != nil {
		return (value == nil) == (*hm.Present == hm.Inverted)
	}
	if value == nil {
		return false
	}
	var matched bool
	switch {
	case hm.Exact != nil:
		matched = *value == *hm.Exact
	case hm.Regex != nil:
		matched = hm.Regex.MatchString(*value)
	case hm.Range != nil:
		if n, err := strconv.ParseInt(*value, 10, 64); err == nil {
			matched = n >= hm.Range.Start && n <= hm.Range.End
		}
	case hm.Prefix != nil:
		matched = strings.HasPrefix(*value, *hm.Prefix)
	case hm.Suffix != nil:
		matched = strings.HasSuffix(*value, *hm.Suffix)
	}
	return matched != hm.Inverted
}

// matchRoute reports whether the RPC identified by fullMethodName and
// headers passes the route predicate, drawing from rnd when the route
// carries a runtime fraction.
func matchRoute(rm *RouteMatch, fullMethodName string, headers map[string]string, rnd Random) bool {
	if !matchPath(rm.Path, fullMethodName) {
		return false
	}
	for _, hm := range rm.Headers {
		var value *string
		if v, ok := headers[hm.Name]; ok {
			value = &v
		}
		if !matchHeader(hm, value) {
			return false
		}
	}
	if rm.Fraction != nil {
		return rnd.Intn(rm.Fraction.Denominator) < rm.Fraction.Numerator
	}
	return true
}

// fullMatchRegex compiles pattern anchored at both ends, so MatchString
// reports whether the whole input matches, not just a substring.
func fullMatchRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`\A(?:` + pattern + `)\z`)
}
