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
	"testing"
)

func newHashTestSelector(t *testing.T, rnd Random) *configSelector {
	t.Helper()
	r, err := NewResolver(testAuthority, Options{
		NewXdsClient: func() (XdsClient, func(), error) { return &fakeXdsClient{}, func() {}, nil },
		Parser:       &testParser{},
		Logger:       discardLogger(),
		Random:       rnd,
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r.configSelector
}

func TestGenerateHashHeaderPolicy(t *testing.T) {
	cs := newHashTestSelector(t, &fakeRandom{})
	policies := []*HashPolicy{{Type: HashPolicyTypeHeader, HeaderName: "x-session"}}
	headers := map[string]string{"x-session": "abc123"}

	got := cs.generateHash(policies, headers)
	if want := hashString("abc123"); got != want {
		t.Errorf("generateHash() = %d, want %d", got, want)
	}
	// Unrelated headers must not disturb the hash.
	headers["x-other"] = "zzz"
	if again := cs.generateHash(policies, headers); again != got {
		t.Errorf("hash changed with unrelated header: %d != %d", again, got)
	}
}

func TestGenerateHashMissingHeaderFallsBackToRandom(t *testing.T) {
	cs := newHashTestSelector(t, &fakeRandom{uints: []uint64{7, 11}})
	policies := []*HashPolicy{{Type: HashPolicyTypeHeader, HeaderName: "x-session"}}

	// First Uint64 draw went to the channel ID at construction.
	if got := cs.generateHash(policies, map[string]string{}); got != 11 {
		t.Errorf("generateHash() = %d, want the random fallback 11", got)
	}
}

func TestGenerateHashChannelID(t *testing.T) {
	cs := newHashTestSelector(t, &fakeRandom{uints: []uint64{99}})
	policies := []*HashPolicy{{Type: HashPolicyTypeChannelID}}

	got := cs.generateHash(policies, map[string]string{})
	if want := hashUint64(99); got != want {
		t.Errorf("generateHash() = %d, want hash of channel id 99 = %d", got, want)
	}

	// A resolver with a different channel ID lands elsewhere.
	other := newHashTestSelector(t, &fakeRandom{uints: []uint64{100}})
	if otherHash := other.generateHash(policies, map[string]string{}); otherHash == got {
		t.Error("distinct channel ids should produce distinct hashes")
	}
}

func TestGenerateHashCombinesByRotation(t *testing.T) {
	cs := newHashTestSelector(t, &fakeRandom{})
	policies := []*HashPolicy{
		{Type: HashPolicyTypeHeader, HeaderName: "h1"},
		{Type: HashPolicyTypeHeader, HeaderName: "h2"},
	}
	headers := map[string]string{"h1": "one", "h2": "two"}

	h1 := hashString("one")
	h2 := hashString("two")
	want := ((h1 << 1) | (h1 >> 63)) ^ h2
	if got := cs.generateHash(policies, headers); got != want {
		t.Errorf("generateHash() = %d, want rotated combination %d", got, want)
	}
}

func TestGenerateHashTerminalStopsFold(t *testing.T) {
	cs := newHashTestSelector(t, &fakeRandom{})
	policies := []*HashPolicy{
		{Type: HashPolicyTypeHeader, HeaderName: "h1", Terminal: true},
		{Type: HashPolicyTypeHeader, HeaderName: "h2"},
	}
	headers := map[string]string{"h1": "one", "h2": "two"}

	if got, want := cs.generateHash(policies, headers), hashString("one"); got != want {
		t.Errorf("generateHash() = %d, want terminal-only %d", got, want)
	}

	// A terminal policy that contributed nothing does not stop the fold.
	delete(headers, "h1")
	if got, want := cs.generateHash(policies, headers), hashString("two"); got != want {
		t.Errorf("generateHash() = %d, want %d from the second policy", got, want)
	}
}

func TestGenerateHashRegexRewrite(t *testing.T) {
	cs := newHashTestSelector(t, &fakeRandom{})
	policies := []*HashPolicy{{
		Type:              HashPolicyTypeHeader,
		HeaderName:        ":path",
		Regex:             regexp.MustCompile(`/products/\d+`),
		RegexSubstitution: "/products",
	}}

	a := cs.generateHash(policies, map[string]string{":path": "/products/12345"})
	b := cs.generateHash(policies, map[string]string{":path": "/products/67890"})
	if a != b {
		t.Errorf("rewritten paths should hash identically: %d != %d", a, b)
	}
	if want := hashString("/products"); a != want {
		t.Errorf("generateHash() = %d, want hash of rewritten value %d", a, want)
	}
}
