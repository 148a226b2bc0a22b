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
	mrand "math/rand"
	"sync"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RPCInfo describes a single outgoing RPC at config-selection time.
type RPCInfo struct {
	// FullMethodName is the slash-prefixed method, e.g. "/pkg.Service/Method".
	FullMethodName string
	// Headers are the application-set outgoing metadata for the RPC.
	Headers metadata.MD
	// Context is the RPC's context.
	Context context.Context
}

// CallListener receives the terminal events of a ClientCall.
type CallListener interface {
	// OnHeaders is invoked at most once, when server headers arrive.
	OnHeaders(md metadata.MD)
	// OnClose is invoked exactly once with the final status.
	OnClose(st *status.Status, trailers metadata.MD)
}

// ClientCall is a started or startable RPC.
type ClientCall interface {
	Start(lis CallListener, headers metadata.MD)
	Cancel()
}

// Channel creates calls. Interceptors wrap a Channel to observe or replace
// the calls it creates.
type Channel interface {
	NewCall(ctx context.Context, info RPCInfo) ClientCall
}

// ClientInterceptor intercepts RPC creation. Implementations call
// next.NewCall (possibly with a derived context) to continue the chain, or
// return a call of their own to short-circuit it.
type ClientInterceptor interface {
	InterceptCall(ctx context.Context, info RPCInfo, next Channel) ClientCall
}

// ClientInterceptorFunc adapts a function to the ClientInterceptor interface.
type ClientInterceptorFunc func(ctx context.Context, info RPCInfo, next Channel) ClientCall

// InterceptCall implements ClientInterceptor.
func (f ClientInterceptorFunc) InterceptCall(ctx context.Context, info RPCInfo, next Channel) ClientCall {
	return f(ctx, info, next)
}

type interceptedChannel struct {
	interceptor ClientInterceptor
	next        Channel
}

func (c *interceptedChannel) NewCall(ctx context.Context, info RPCInfo) ClientCall {
	return c.interceptor.InterceptCall(ctx, info, c.next)
}

// combineInterceptors composes interceptors so that interceptors[0] is the
// outermost. A single interceptor is returned as-is.
func combineInterceptors(interceptors []ClientInterceptor) ClientInterceptor {
	if len(interceptors) == 1 {
		return interceptors[0]
	}
	return ClientInterceptorFunc(func(ctx context.Context, info RPCInfo, next Channel) ClientCall {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = &interceptedChannel{interceptor: interceptors[i], next: next}
		}
		return next.NewCall(ctx, info)
	})
}

type pickedClusterKey struct{}

type requestHashKey struct{}

func withPickedCluster(ctx context.Context, cluster string) context.Context {
	return context.WithValue(ctx, pickedClusterKey{}, cluster)
}

// PickedCluster returns the cluster name selected for the RPC carried by ctx.
// The downstream cluster-manager load balancer routes on it.
func PickedCluster(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(pickedClusterKey{}).(string)
	return c, ok
}

func withRequestHash(ctx context.Context, hash uint64) context.Context {
	return context.WithValue(ctx, requestHashKey{}, hash)
}

// RequestHash returns the 64-bit routing hash computed for the RPC carried by
// ctx. Consistent-hashing balancers (ring hash) use it as the pick key.
func RequestHash(ctx context.Context) (uint64, bool) {
	h, ok := ctx.Value(requestHashKey{}).(uint64)
	return h, ok
}

// Scheduler runs a task after a delay. The returned cancel func reports
// whether it prevented the task from running.
type Scheduler interface {
	Schedule(d time.Duration, task func()) (cancel func() bool)
}

type timerScheduler struct{}

func (timerScheduler) Schedule(d time.Duration, task func()) func() bool {
	t := time.AfterFunc(d, task)
	return t.Stop
}

// Random is the source of randomness for weighted picks, fraction matching,
// fault injection and hash fallback. Implementations must be safe for
// concurrent use.
type Random interface {
	Intn(n int) int
	Uint64() uint64
}

type lockedRand struct {
	mu sync.Mutex
	r  *mrand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{r: mrand.New(mrand.NewSource(time.Now().UnixNano()))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

func (l *lockedRand) Uint64() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Uint64()
}
