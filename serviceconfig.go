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
	"strings"
	"time"
)

// lbServiceConfig builds the raw service config carrying one
// cds_experimental child policy per cluster under the experimental cluster
// manager.
func lbServiceConfig(clusters []string) map[string]any {
	childPolicy := make(map[string]any, len(clusters))
	for _, cluster := range clusters {
		childPolicy[cluster] = map[string]any{
			"lbPolicy": []any{
				map[string]any{
					"cds_experimental": map[string]any{"cluster": cluster},
				},
			},
		}
	}
	return map[string]any{
		"loadBalancingConfig": []any{
			map[string]any{
				"cluster_manager_experimental": map[string]any{
					"childPolicy": childPolicy,
				},
			},
		},
	}
}

// methodTimeoutServiceConfig builds the raw service config applying timeout
// to every method (the single empty name entry).
func methodTimeoutServiceConfig(timeout time.Duration) map[string]any {
	return map[string]any{
		"methodConfig": []any{
			map[string]any{
				"name":    []any{map[string]any{}},
				"timeout": formatTimeout(timeout),
			},
		},
	}
}

// formatTimeout renders a duration as "<seconds>.<nanos>s" with trailing
// zeros trimmed from the fractional part but at least one digit kept:
// 15s -> "15.0s", 1s1ns -> "1.000000001s".
func formatTimeout(d time.Duration) string {
	seconds := d.Nanoseconds() / int64(time.Second)
	nanos := d.Nanoseconds() % int64(time.Second)
	frac := strings.TrimRight(fmt.Sprintf("%09d", nanos), "0")
	if frac == "" {
		frac = "0"
	}
	return fmt.Sprintf("%d.%ss", seconds, frac)
}
