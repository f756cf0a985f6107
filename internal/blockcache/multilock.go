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

package blockcache

import "sync"

// A Key identifies one block of one inode.
type Key struct {
	Inode   int64
	BlockNo int64
}

// multiLock provides one logical mutex per key: distinct keys proceed in
// parallel, at most one holder per key. It is the lock that guarantees
// at-most-one builder per (inode, blockno).
type multiLock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked map[Key]struct{}
}

func newMultiLock() *multiLock {
	ml := &multiLock{locked: make(map[Key]struct{})}
	ml.cond = sync.NewCond(&ml.mu)
	return ml
}

// Lock blocks until the key is free, then takes it.
func (ml *multiLock) Lock(k Key) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for {
		if _, held := ml.locked[k]; !held {
			ml.locked[k] = struct{}{}
			return
		}
		ml.cond.Wait()
	}
}

// TryLock takes the key if it is free, without blocking.
func (ml *multiLock) TryLock(k Key) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if _, held := ml.locked[k]; held {
		return false
	}
	ml.locked[k] = struct{}{}
	return true
}

// Unlock releases the key and wakes waiters.
func (ml *multiLock) Unlock(k Key) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if _, held := ml.locked[k]; !held {
		panic("multiLock: unlock of unlocked key")
	}
	delete(ml.locked, k)
	ml.cond.Broadcast()
}
