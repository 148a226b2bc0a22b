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
)

// ResolverError represents a resolver-internal error with a stable code.
//
// Watcher and per-RPC errors are grpc status errors instead; this type covers
// construction-time and resource-translation failures.
type ResolverError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ResolverError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("xdsresolver[%s]: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("xdsresolver[%s]: %s", e.Code, e.Message)
}

func (e *ResolverError) Unwrap() error {
	return e.Cause
}

// NewResolverError creates a new resolver error with the given code, message, and cause
func NewResolverError(code, message string, cause error) *ResolverError {
	return &ResolverError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

const (
	// ErrCodeInvalidConfig indicates invalid resolver configuration
	ErrCodeInvalidConfig = "INVALID_CONFIG"
	// ErrCodeUnmarshalFailed indicates resource unmarshaling failed
	ErrCodeUnmarshalFailed = "UNMARSHAL_FAILED"
	// ErrCodeUnsupportedResource indicates a resource uses a feature the resolver cannot route on
	ErrCodeUnsupportedResource = "UNSUPPORTED_RESOURCE"
	// ErrCodeFilterMissing indicates an HTTP filter had no registered implementation
	ErrCodeFilterMissing = "FILTER_MISSING"
)

// ErrInvalidConfig creates an error for invalid resolver configuration
func ErrInvalidConfig(message string) error {
	return NewResolverError(ErrCodeInvalidConfig, message, nil)
}

// ErrUnmarshalFailed creates an error for resource unmarshaling failures
func ErrUnmarshalFailed(resourceType string, cause error) error {
	return NewResolverError(ErrCodeUnmarshalFailed,
		fmt.Sprintf("failed to unmarshal %s resource", resourceType), cause)
}

// ErrUnsupportedResource creates an error for resources the resolver cannot consume
func ErrUnsupportedResource(detail string) error {
	return NewResolverError(ErrCodeUnsupportedResource, detail, nil)
}

// ErrFilterMissing creates an error for a required HTTP filter with no
// registered implementation
func ErrFilterMissing(name, typeURL string) error {
	return NewResolverError(ErrCodeFilterMissing,
		fmt.Sprintf("no filter registered for %s (type %s)", name, typeURL), nil)
}
