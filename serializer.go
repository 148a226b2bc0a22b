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
	"sync"
)

// syncContext runs submitted tasks one at a time, in submission order. The
// first caller to submit drains the queue on its own goroutine; tasks
// submitted while draining (including reentrant submissions from a running
// task) are appended and run before the drain returns. No task ever runs
// concurrently with another.
//
// All resolver mutable state (routing config, cluster table membership,
// watcher state) is touched only from tasks on this queue.
type syncContext struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// Execute enqueues task and, unless another goroutine is already draining,
// drains the queue before returning.
func (s *syncContext) Execute(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}
