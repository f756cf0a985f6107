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

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMultiLockDistinctKeysProceed(t *testing.T) {
	ml := newMultiLock()
	k1 := Key{Inode: 1, BlockNo: 0}
	k2 := Key{Inode: 1, BlockNo: 1}

	ml.Lock(k1)
	done := make(chan struct{})
	go func() {
		ml.Lock(k2)
		ml.Unlock(k2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct key blocked")
	}
	ml.Unlock(k1)
}

func TestMultiLockSameKeyExcludes(t *testing.T) {
	ml := newMultiLock()
	k := Key{Inode: 1, BlockNo: 0}

	ml.Lock(k)
	acquired := make(chan struct{})
	go func() {
		ml.Lock(k)
		close(acquired)
		ml.Unlock(k)
	}()

	select {
	case <-acquired:
		t.Fatal("same key acquired twice")
	case <-time.After(50 * time.Millisecond):
	}

	ml.Unlock(k)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestMultiLockTryLock(t *testing.T) {
	ml := newMultiLock()
	k := Key{Inode: 2, BlockNo: 3}

	assert.True(t, ml.TryLock(k))
	assert.False(t, ml.TryLock(k))
	ml.Unlock(k)
	assert.True(t, ml.TryLock(k))
	ml.Unlock(k)
}

func TestMultiLockStress(t *testing.T) {
	ml := newMultiLock()
	counters := make([]int, 8)

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := Key{Inode: int64(g % 8), BlockNo: 0}
				ml.Lock(k)
				counters[g%8]++
				ml.Unlock(k)
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range counters {
		total += c
	}
	assert.Equal(t, 3200, total)
}
