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
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	typepb "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	faultpb "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/fault/v3"
)

const faultFilterTypeURL = "type.googleapis.com/envoy.extensions.filters.http.fault.v3.HTTPFault"

// Header names through which callers can request faults at runtime, honored
// only when the filter config opts into header-driven delay/abort.
const (
	headerAbortHTTPStatus = "x-envoy-fault-abort-request"
	headerAbortGRPCStatus = "x-envoy-fault-abort-grpc-request"
	headerAbortPercentage = "x-envoy-fault-abort-request-percentage"
	headerDelayRequest    = "x-envoy-fault-delay-request"
	headerDelayPercentage = "x-envoy-fault-delay-request-percentage"
)

// FractionalPercent is Numerator out of Denominator, where Denominator is
// one of 100, 10000 or 1000000.
type FractionalPercent struct {
	Numerator   uint32
	Denominator uint32
}

// FaultDelay configures delay injection. HeaderDelay means the delay
// duration comes from the x-envoy-fault-delay-request header instead of
// Delay, and the percentage header may lower (never raise) Percent.
type FaultDelay struct {
	Delay       time.Duration
	HeaderDelay bool
	Percent     FractionalPercent
}

// FaultAbort configures abort injection. HeaderAbort means the abort status
// comes from the x-envoy-fault-abort-* headers instead of Status.
type FaultAbort struct {
	Status      *status.Status
	HeaderAbort bool
	Percent     FractionalPercent
}

// FaultConfig is the parsed HTTPFault filter configuration.
type FaultConfig struct {
	Delay           *FaultDelay
	Abort           *FaultAbort
	MaxActiveFaults *uint32
}

// TypeURL implements FilterConfig.
func (*FaultConfig) TypeURL() string { return faultFilterTypeURL }

// faultFilter injects delays and aborts into RPCs. The active-fault counter
// is shared across every chain the filter instance appears in.
type faultFilter struct {
	random       Random
	activeFaults atomic.Int64
}

func newFaultFilter(rnd Random) *faultFilter {
	return &faultFilter{random: rnd}
}

func (f *faultFilter) TypeURLs() []string { return []string{faultFilterTypeURL} }

// ParseFilterConfig decodes an envoy HTTPFault proto.
func (f *faultFilter) ParseFilterConfig(cfg *anypb.Any) (FilterConfig, error) {
	httpFault := &faultpb.HTTPFault{}
	if err := cfg.UnmarshalTo(httpFault); err != nil {
		return nil, ErrUnmarshalFailed(faultFilterTypeURL, err)
	}
	parsed := &FaultConfig{}
	if d := httpFault.GetDelay(); d != nil {
		delay := &FaultDelay{Percent: fractionFromProto(d.GetPercentage())}
		if d.GetHeaderDelay() != nil {
			delay.HeaderDelay = true
		} else {
			delay.Delay = d.GetFixedDelay().AsDuration()
		}
		parsed.Delay = delay
	}
	if a := httpFault.GetAbort(); a != nil {
		abort := &FaultAbort{Percent: fractionFromProto(a.GetPercentage())}
		switch errType := a.GetErrorType().(type) {
		case *faultpb.FaultAbort_HttpStatus:
			abort.Status = httpStatusToGrpcStatus(int(errType.HttpStatus))
		case *faultpb.FaultAbort_GrpcStatus:
			abort.Status = status.New(codes.Code(errType.GrpcStatus), "fault injected")
		case *faultpb.FaultAbort_HeaderAbort_:
			abort.HeaderAbort = true
		default:
			return nil, ErrUnsupportedResource("fault abort with no error type")
		}
		parsed.Abort = abort
	}
	if m := httpFault.GetMaxActiveFaults(); m != nil {
		v := m.GetValue()
		parsed.MaxActiveFaults = &v
	}
	return parsed, nil
}

// ParseFilterConfigOverride decodes a typed_per_filter_config override,
// which for the fault filter is the same HTTPFault proto.
func (f *faultFilter) ParseFilterConfigOverride(cfg *anypb.Any) (FilterConfig, error) {
	return f.ParseFilterConfig(cfg)
}

// BuildClientInterceptor draws the per-RPC fault decision up front and
// returns nil when neither a delay nor an abort fires. An override config
// replaces the chain config entirely.
func (f *faultFilter) BuildClientInterceptor(cfg, override FilterConfig, info RPCInfo, scheduler Scheduler) (ClientInterceptor, error) {
	config, ok := cfg.(*FaultConfig)
	if !ok {
		return nil, ErrInvalidConfig(fmt.Sprintf("unexpected fault filter config type %T", cfg))
	}
	if override != nil {
		if config, ok = override.(*FaultConfig); !ok {
			return nil, ErrInvalidConfig(fmt.Sprintf("unexpected fault filter override type %T", override))
		}
	}

	var delay time.Duration
	hasDelay := false
	if config.Delay != nil {
		dur, rate, ok := f.delayFor(config.Delay, info.Headers)
		if ok && f.fire(rate) {
			delay, hasDelay = dur, true
		}
	}
	var abort *status.Status
	if config.Abort != nil {
		st, rate := f.abortFor(config.Abort, info.Headers)
		if st != nil && f.fire(rate) {
			abort = st
		}
	}
	if !hasDelay && abort == nil {
		return nil, nil
	}

	maxActive := config.MaxActiveFaults
	return ClientInterceptorFunc(func(ctx context.Context, info RPCInfo, next Channel) ClientCall {
		if maxActive != nil && f.activeFaults.Load() >= int64(*maxActive) {
			return next.NewCall(ctx, info)
		}
		f.activeFaults.Add(1)
		return &faultingCall{
			filter:    f,
			ctx:       ctx,
			info:      info,
			next:      next,
			scheduler: scheduler,
			delay:     delay,
			hasDelay:  hasDelay,
			abort:     abort,
		}
	}), nil
}

// delayFor resolves the effective delay duration and rate, honoring the
// delay headers when the config allows them. ok is false when a
// header-driven delay has no usable header value.
func (f *faultFilter) delayFor(d *FaultDelay, md metadata.MD) (time.Duration, FractionalPercent, bool) {
	rate := d.Percent
	if !d.HeaderDelay {
		return d.Delay, rate, true
	}
	v := headerValue(md, headerDelayRequest)
	ms, err := strconv.Atoi(v)
	if v == "" || err != nil || ms < 0 {
		return 0, rate, false
	}
	capRate(&rate, headerValue(md, headerDelayPercentage))
	return time.Duration(ms) * time.Millisecond, rate, true
}

// abortFor resolves the effective abort status and rate. A nil status means
// no abort applies to this RPC. The HTTP status header takes precedence over
// the grpc one.
func (f *faultFilter) abortFor(a *FaultAbort, md metadata.MD) (*status.Status, FractionalPercent) {
	rate := a.Percent
	if !a.HeaderAbort {
		return a.Status, rate
	}
	var st *status.Status
	if v := headerValue(md, headerAbortHTTPStatus); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			st = status.New(codes.Unimplemented, fmt.Sprintf("HTTP status code %d", n))
		}
	} else if v := headerValue(md, headerAbortGRPCStatus); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			st = status.New(codes.Code(n), fmt.Sprintf("gRPC status code %d", n))
		}
	}
	if st != nil {
		capRate(&rate, headerValue(md, headerAbortPercentage))
	}
	return st, rate
}

// capRate lowers rate's numerator to the header-supplied percentage when
// that is smaller. Header percentages use the config's denominator unit.
func capRate(rate *FractionalPercent, header string) {
	if header == "" {
		return
	}
	if n, err := strconv.Atoi(header); err == nil && n >= 0 && uint32(n) < rate.Numerator {
		rate.Numerator = uint32(n)
	}
}

func (f *faultFilter) fire(rate FractionalPercent) bool {
	if rate.Denominator == 0 {
		return false
	}
	return uint32(f.random.Intn(int(rate.Denominator))) < rate.Numerator
}

func headerValue(md metadata.MD, key string) string {
	if vs := md.Get(key); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// faultingCall delays and/or aborts one RPC. The filter's active-fault
// counter is decremented exactly once, when the fault resolves: delay
// elapsed with no abort, abort delivered, or the call cancelled first.
type faultingCall struct {
	filter    *faultFilter
	ctx       context.Context
	info      RPCInfo
	next      Channel
	scheduler Scheduler
	delay     time.Duration
	hasDelay  bool
	abort     *status.Status

	mu          sync.Mutex
	listener    CallListener
	headers     metadata.MD
	cancelTimer func() bool
	delegate    ClientCall
	cancelled   bool
	finished    bool
}

func (c *faultingCall) Start(lis CallListener, headers metadata.MD) {
	c.mu.Lock()
	c.listener = lis
	c.headers = headers
	if c.hasDelay {
		c.cancelTimer = c.scheduler.Schedule(c.delay, c.onDelayElapsed)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.proceed()
}

func (c *faultingCall) onDelayElapsed() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.proceed()
}

func (c *faultingCall) proceed() {
	c.finishFault()
	if c.abort != nil {
		c.listener.OnClose(c.abort, metadata.MD{})
		return
	}
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	delegate := c.next.NewCall(c.ctx, c.info)
	c.delegate = delegate
	c.mu.Unlock()
	delegate.Start(c.listener, c.headers)
}

func (c *faultingCall) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	cancelTimer := c.cancelTimer
	delegate := c.delegate
	c.mu.Unlock()
	if cancelTimer != nil {
		cancelTimer()
	}
	c.finishFault()
	if delegate != nil {
		delegate.Cancel()
	}
}

func (c *faultingCall) finishFault() {
	c.mu.Lock()
	done := c.finished
	c.finished = true
	c.mu.Unlock()
	if !done {
		c.filter.activeFaults.Add(-1)
	}
}

// httpStatusToGrpcStatus maps an HTTP abort code to the grpc status an
// aborted RPC fails with.
func httpStatusToGrpcStatus(httpStatus int) *status.Status {
	var code codes.Code
	switch httpStatus {
	case 400:
		code = codes.Internal
	case 401:
		code = codes.Unauthenticated
	case 403:
		code = codes.PermissionDenied
	case 404:
		code = codes.Unimplemented
	case 429, 502, 503, 504:
		code = codes.Unavailable
	default:
		code = codes.Unknown
	}
	return status.New(code, fmt.Sprintf("HTTP status code %d", httpStatus))
}

func fractionFromProto(p *typepb.FractionalPercent) FractionalPercent {
	if p == nil {
		return FractionalPercent{Numerator: 100, Denominator: 100}
	}
	denom := uint32(100)
	switch p.GetDenominator() {
	case typepb.FractionalPercent_TEN_THOUSAND:
		denom = 10000
	case typepb.FractionalPercent_MILLION:
		denom = 1000000
	}
	return FractionalPercent{Numerator: p.GetNumerator(), Denominator: denom}
}
