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

// Package inodecache provides a bounded write-behind cache of inode
// attribute rows. Attribute reads hit the cache; writes update the cached
// copy and mark it dirty. Dirty rows are written back on eviction and on
// explicit flushes.
//
// Callers serialize access to a given inode through the file system lock;
// this package only guards its own index so that flushes triggered by
// different transactions do not race.
package inodecache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/vaultfs/vaultfs/internal/meta"
)

// DefaultCapacity bounds the number of cached inode rows.
const DefaultCapacity = 4096

type entry struct {
	inode *meta.Inode
	dirty bool
	elem  *list.Element
}

// Cache is the write-behind inode cache.
type Cache struct {
	mu       sync.Mutex
	entries  map[int64]*entry
	lru      *list.List // front = most recently used; values are inode ids
	capacity int
}

// New creates a cache holding at most capacity rows.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		entries:  make(map[int64]*entry),
		lru:      list.New(),
		capacity: capacity,
	}
}

// Get returns the cached attributes of the inode, loading the row from the
// store on miss. The returned struct is shared: after mutating it, call
// MarkDirty. Returns meta.ErrNoRow if the inode does not exist.
func (c *Cache) Get(tx *meta.Tx, id int64) (*meta.Inode, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		return e.inode, nil
	}
	c.mu.Unlock()

	in, err := meta.GetInode(tx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		// Lost the race against another loader; keep the first copy so all
		// handlers share one struct.
		c.lru.MoveToFront(e.elem)
		return e.inode, nil
	}

	if err := c.makeRoomLocked(tx); err != nil {
		return nil, err
	}
	e := &entry{inode: in}
	e.elem = c.lru.PushFront(id)
	c.entries[id] = e
	return in, nil
}

// MarkDirty records that the cached row differs from the store.
func (c *Cache) MarkDirty(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.dirty = true
	}
}

// Create inserts a new inode row inside the caller's transaction and
// caches it. On id space exhaustion meta.ErrOutOfInodes is returned.
func (c *Cache) Create(tx *meta.Tx, in *meta.Inode) (*meta.Inode, error) {
	if err := meta.CreateInode(tx, in); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.makeRoomLocked(tx); err != nil {
		return nil, err
	}
	e := &entry{inode: in}
	e.elem = c.lru.PushFront(in.ID)
	c.entries[in.ID] = e
	return in, nil
}

// Drop removes the inode from the cache and deletes its row. Used when the
// last link and the last open handle are gone.
func (c *Cache) Drop(tx *meta.Tx, id int64) error {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, id)
	}
	c.mu.Unlock()
	return meta.DeleteInode(tx, id)
}

// Forget removes the inode from the cache without touching the store.
func (c *Cache) Forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, id)
	}
}

// makeRoomLocked evicts least-recently-used entries until there is room
// for one more, flushing dirty victims.
func (c *Cache) makeRoomLocked(tx *meta.Tx) error {
	for len(c.entries) >= c.capacity {
		back := c.lru.Back()
		if back == nil {
			return fmt.Errorf("inode cache capacity %d exhausted with no evictable entry", c.capacity)
		}
		id := back.Value.(int64)
		e := c.entries[id]
		if e.dirty {
			if err := meta.UpdateInode(tx, e.inode); err != nil {
				return err
			}
		}
		c.lru.Remove(back)
		delete(c.entries, id)
	}
	return nil
}

// FlushID writes back the row for one inode if it is dirty.
func (c *Cache) FlushID(tx *meta.Tx, id int64) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	dirty := ok && e.dirty
	var in *meta.Inode
	if dirty {
		in = e.inode
	}
	c.mu.Unlock()

	if !dirty {
		return nil
	}
	if err := meta.UpdateInode(tx, in); err != nil {
		return err
	}
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.dirty = false
	}
	c.mu.Unlock()
	return nil
}

// Flush writes back every dirty row.
func (c *Cache) Flush(tx *meta.Tx) error {
	c.mu.Lock()
	var dirty []*entry
	for _, e := range c.entries {
		if e.dirty {
			dirty = append(dirty, e)
		}
	}
	c.mu.Unlock()

	for _, e := range dirty {
		if err := meta.UpdateInode(tx, e.inode); err != nil {
			return err
		}
		c.mu.Lock()
		e.dirty = false
		c.mu.Unlock()
	}
	return nil
}

// Clear flushes all dirty rows and empties the cache.
func (c *Cache) Clear(tx *meta.Tx) error {
	if err := c.Flush(tx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int64]*entry)
	c.lru.Init()
	return nil
}
