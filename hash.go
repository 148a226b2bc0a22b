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
	"encoding/binary"

	xxhash "github.com/cespare/xxhash/v2"
)

// hashString returns the zero-seeded xxHash64 of the ASCII bytes of s.
func hashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// hashUint64 returns the zero-seeded xxHash64 of the 8 little-endian bytes
// of v. Used for channel-id hash policies.
func hashUint64(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}
