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

// Package xdsresolver resolves an xDS target into per-RPC routing decisions.
//
// The resolver watches the listener resource named by the channel authority
// (and, when that listener delegates, its route configuration resource),
// translates the virtual host matching the authority into a routing
// snapshot, and hands the channel a load-balancing service config listing
// one cds child policy per referenced cluster together with a config
// selector. The selector matches each RPC against the snapshot's routes,
// picks a cluster (weighted picks included), computes the consistent-hash
// key, applies HTTP filters such as fault injection, and keeps the cluster
// referenced until the RPC commits so that route flips never orphan
// in-flight calls.
package xdsresolver

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// XdsResolver resolves one channel target. Not restartable: a closed
// resolver stays closed.
type XdsResolver struct {
	authority      string
	logger         logrus.FieldLogger
	parser         ServiceConfigParser
	newXdsClient   func() (XdsClient, func(), error)
	filterRegistry *FilterRegistry
	scheduler      Scheduler
	random         Random
	serializer     *syncContext
	enableTimeout  bool
	// channelID feeds channel-id hash policies. Random per resolver so
	// distinct channels land on distinct ring positions.
	channelID uint64

	clusterRefs    *clusterRefTable
	routingConfig  atomic.Pointer[routingConfig]
	configSelector *configSelector

	listener       UpdateListener
	xdsClient      XdsClient
	xdsClientClose func()
	resolveState   *resolveState
}

// NewResolver builds a resolver for the given channel authority.
func NewResolver(authority string, opts Options) (*XdsResolver, error) {
	if authority == "" {
		return nil, ErrInvalidConfig("authority is empty")
	}
	if opts.NewXdsClient == nil {
		return nil, ErrInvalidConfig("NewXdsClient is required")
	}
	if opts.Parser == nil {
		return nil, ErrInvalidConfig("Parser is required")
	}
	rnd := opts.Random
	if rnd == nil {
		rnd = newLockedRand()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	registry := opts.FilterRegistry
	if registry == nil {
		registry = newDefaultFilterRegistry(rnd)
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = timerScheduler{}
	}

	r := &XdsResolver{
		authority:      authority,
		logger:         logger.WithField("xds_authority", authority),
		parser:         opts.Parser,
		newXdsClient:   opts.NewXdsClient,
		filterRegistry: registry,
		scheduler:      scheduler,
		random:         rnd,
		serializer:     &syncContext{},
		enableTimeout:  timeoutEnabled(opts.Settings),
		channelID:      rnd.Uint64(),
	}
	r.routingConfig.Store(emptyRoutingConfig)
	r.clusterRefs = newClusterRefTable(r.serializer, r.updateResolutionResult)
	r.configSelector = &configSelector{resolver: r}
	return r, nil
}

// Authority returns the channel authority this resolver serves.
func (r *XdsResolver) Authority() string {
	return r.authority
}

// Start creates the xDS session and begins watching. A session that cannot
// be created is reported once through the listener and the resolver stays
// inert.
func (r *XdsResolver) Start(listener UpdateListener) {
	r.listener = listener
	client, closeFn, err := r.newXdsClient()
	if err != nil {
		r.logger.WithError(err).Error("failed to create xDS client")
		listener.OnError(status.Errorf(codes.Unavailable, "Failed to initialize xDS: %v", err))
		return
	}
	r.xdsClient = client
	r.xdsClientClose = closeFn
	r.resolveState = &resolveState{resolver: r}
	r.resolveState.start()
}

// Close cancels the watches and releases the xDS session.
func (r *XdsResolver) Close() {
	if r.resolveState != nil {
		r.resolveState.stop()
	}
	if r.xdsClientClose != nil {
		r.xdsClientClose()
	}
	r.logger.Debug("resolver closed")
}

// updateResolutionResult emits the LB service config for the cluster table's
// current membership, with the config selector attached. Serializer only.
func (r *XdsResolver) updateResolutionResult() {
	clusters := r.clusterRefs.names()
	parsed, err := r.parser.Parse(lbServiceConfig(clusters))
	if err != nil {
		r.logger.WithError(err).Error("failed to parse generated load balancing config")
		r.listener.OnError(status.Errorf(codes.Unavailable, "Failed to parse service config: %v", err))
		return
	}
	r.logger.WithField("clusters", clusters).Debug("emitting resolution result")
	r.listener.OnResult(ResolutionResult{ServiceConfig: parsed, ConfigSelector: r.configSelector})
}

// emitEmptyResult tells the channel nothing is routable: empty service
// config and no config selector. Serializer only.
func (r *XdsResolver) emitEmptyResult() {
	parsed, err := r.parser.Parse(map[string]any{})
	if err != nil {
		r.logger.WithError(err).Error("failed to parse empty service config")
		r.listener.OnError(status.Errorf(codes.Unavailable, "Failed to parse service config: %v", err))
		return
	}
	r.logger.Debug("emitting empty resolution result")
	r.listener.OnResult(ResolutionResult{ServiceConfig: parsed})
}
