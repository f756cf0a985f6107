// Copyright 2024 The vaultfs Authors. All Rights Reserved.
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

// Package locker provides mutexes that can optionally check invariants on
// unlock and print debug messages on long waits. Both features are off by
// default and enabled process-wide: invariant checking by the mount
// command's --debug-invariants flag, debug messages by EnableDebugMessages.
package locker

import (
	"sync"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/vaultfs/vaultfs/internal/logger"
)

var gEnableInvariantsCheck bool
var gEnableDebugMessages bool

// EnableInvariantsCheck causes all future lockers to check invariants before
// every lock release.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
}

// EnableDebugMessages causes all future lockers to log when a lock is held
// for longer than 5 seconds.
func EnableDebugMessages() {
	gEnableDebugMessages = true
}

// A Locker is a sync.Locker attached to a named resource.
type Locker interface {
	Lock()
	Unlock()
}

// New creates a locker for the resource with the given name. The check
// function is invoked on every unlock when invariant checking is enabled; it
// must panic if an invariant is violated.
func New(name string, check func()) Locker {
	var l Locker = &simpleLocker{}
	if gEnableInvariantsCheck && check != nil {
		l = &invariantsLocker{mu: syncutil.NewInvariantMutex(check)}
	}
	if gEnableDebugMessages {
		l = &debugLocker{name: name, wrapped: l}
	}
	return l
}

type simpleLocker struct {
	mu sync.Mutex
}

func (sl *simpleLocker) Lock()   { sl.mu.Lock() }
func (sl *simpleLocker) Unlock() { sl.mu.Unlock() }

type invariantsLocker struct {
	mu syncutil.InvariantMutex
}

func (il *invariantsLocker) Lock() { il.mu.Lock() }

func (il *invariantsLocker) Unlock() { il.mu.Unlock() }

type debugLocker struct {
	name     string
	wrapped  Locker
	lockedAt time.Time
}

func (dl *debugLocker) Lock() {
	start := time.Now()
	dl.wrapped.Lock()
	dl.lockedAt = time.Now()

	if waited := time.Since(start); waited > 5*time.Second {
		logger.Tracef("Waited %v to acquire lock %q", waited, dl.name)
	}
}

func (dl *debugLocker) Unlock() {
	if held := time.Since(dl.lockedAt); held > 5*time.Second {
		logger.Tracef("Lock %q held for %v", dl.name, held)
	}
	dl.wrapped.Unlock()
}
