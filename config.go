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
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// envEnableTimeout gates emission of per-method timeout config. Unset,
// empty or "true" (in any case) enables it; anything else disables.
const envEnableTimeout = "GRPC_XDS_EXPERIMENTAL_ENABLE_TIMEOUT"

// Settings are the plain decodable resolver knobs, typically sourced from an
// application config map.
type Settings struct {
	// EnableTimeout overrides the GRPC_XDS_EXPERIMENTAL_ENABLE_TIMEOUT
	// environment flag when non-nil.
	EnableTimeout *bool `mapstructure:"enable_timeout"`
}

// DecodeSettings decodes Settings from a generic config map.
func DecodeSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if err := mapstructure.Decode(raw, &s); err != nil {
		return Settings{}, NewResolverError(ErrCodeInvalidConfig, "failed to decode resolver settings", err)
	}
	return s, nil
}

// Options configures a resolver. NewXdsClient and Parser are required.
type Options struct {
	// NewXdsClient creates the xDS session on Start. The returned func
	// closes it.
	NewXdsClient func() (XdsClient, func(), error)
	// Parser parses the raw service configs the resolver generates.
	Parser ServiceConfigParser
	// Logger defaults to the standard logrus logger.
	Logger logrus.FieldLogger
	// FilterRegistry defaults to one with the router and fault filters.
	FilterRegistry *FilterRegistry
	// Scheduler defaults to a time.AfterFunc-backed one.
	Scheduler Scheduler
	// Random defaults to a locked math/rand source.
	Random Random
	// Settings carries the decodable knobs.
	Settings Settings
}

// timeoutEnabled resolves the effective timeout flag from the settings
// override or the environment.
func timeoutEnabled(s Settings) bool {
	if s.EnableTimeout != nil {
		return *s.EnableTimeout
	}
	v := os.Getenv(envEnableTimeout)
	return v == "" || strings.EqualFold(v, "true")
}
