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

// Package blockcache manages access to file blocks: creation, download,
// upload, deduplication and expiry. Each block is cached in a local file;
// a per-(inode, blockno) lock serializes access to one block while the
// global file system lock is released, so network I/O on one block does
// not stall unrelated operations.
//
// LOCK ORDERING
//
// Handlers enter holding the global file system lock. The cache acquires
// the per-key lock, then releases the global lock for the duration of any
// I/O, and re-acquires it before returning. The per-key lock is released
// last. The cache's own transactions never run while their holder also
// holds the global lock.
package blockcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/internal/meta"
	"github.com/vaultfs/vaultfs/internal/storage"
)

const (
	// MaxCacheEntries bounds the entry count in addition to the byte bound,
	// so thousands of tiny files cannot eat all file descriptors.
	MaxCacheEntries = 768

	// TransferWorkers bounds concurrent backend uploads and deletions.
	TransferWorkers = 25

	// consistencyWindow is how long a missing data object is re-polled
	// before the file system is declared damaged.
	consistencyWindow = 5 * time.Minute
)

// Config assembles a Cache.
type Config struct {
	// Backend must already carry the codec and retry layers.
	Backend storage.Backend
	DB      *meta.DB

	// Dir is the cache directory, one file per entry.
	Dir string

	// MaxSize bounds the total bytes of cached plaintext.
	MaxSize int64

	// MaxEntries bounds the number of entries; 0 means MaxCacheEntries.
	MaxEntries int

	// GlobalLock is the process-wide file system lock, released around
	// block I/O.
	GlobalLock sync.Locker

	// Damaged is the shared flag set when an unrecoverable error is
	// observed.
	Damaged *atomic.Bool

	// Workers overrides TransferWorkers; 0 means the default.
	Workers int

	// ConsistencyTimeout overrides consistencyWindow; 0 means the default.
	ConsistencyTimeout time.Duration
}

// Cache provides access to file blocks.
type Cache struct {
	backend storage.Backend
	db      *meta.DB
	dir     string
	fsLock  sync.Locker
	damaged *atomic.Bool

	maxSize    int64
	maxEntries int
	workers    int
	consWindow time.Duration

	mlock *multiLock

	mu      sync.Mutex
	entries map[Key]*Entry
	lru     *list.List // front = most recently used; values are Key
	size    int64

	// inTransit tracks uploads in flight; the channel closes on
	// completion. Guarded by mu.
	inTransit map[Key]chan struct{}

	// expireMu serializes expiry passes.
	expireMu sync.Mutex

	stopExpiry chan struct{}
	expiryDone chan struct{}
}

// New creates the block cache. The cache directory must exist.
func New(cfg Config) *Cache {
	c := &Cache{
		backend:    cfg.Backend,
		db:         cfg.DB,
		dir:        cfg.Dir,
		fsLock:     cfg.GlobalLock,
		damaged:    cfg.Damaged,
		maxSize:    cfg.MaxSize,
		maxEntries: cfg.MaxEntries,
		workers:    cfg.Workers,
		consWindow: cfg.ConsistencyTimeout,
		mlock:      newMultiLock(),
		entries:    make(map[Key]*Entry),
		lru:        list.New(),
		inTransit:  make(map[Key]chan struct{}),
	}
	if c.maxEntries == 0 {
		c.maxEntries = MaxCacheEntries
	}
	if c.workers == 0 {
		c.workers = TransferWorkers
	}
	if c.consWindow == 0 {
		c.consWindow = consistencyWindow
	}
	return c
}

// StartExpiration starts the background expiry loop.
func (c *Cache) StartExpiration() {
	c.stopExpiry = make(chan struct{})
	c.expiryDone = make(chan struct{})
	go c.expiryLoop()
}

// StopExpiration stops the background expiry loop and waits for it.
func (c *Cache) StopExpiration() {
	if c.stopExpiry == nil {
		return
	}
	close(c.stopExpiry)
	<-c.expiryDone
	c.stopExpiry = nil
}

func (c *Cache) expiryLoop() {
	defer close(c.expiryDone)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopExpiry:
			return
		case <-ticker.C:
			if err := c.expire(context.Background()); err != nil {
				logger.Errorf("Cache expiry failed: %v", err)
				c.markDamaged()
			}
		}
	}
}

func (c *Cache) markDamaged() {
	if c.damaged != nil {
		c.damaged.Store(true)
	}
}

// Len returns the number of cache entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the total bytes of cached plaintext.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) entryPath(k Key) string {
	return filepath.Join(c.dir, fmt.Sprintf("inode_%d_block_%d", k.Inode, k.BlockNo))
}

////////////////////////////////////////////////////////////////////////
// Entry access
////////////////////////////////////////////////////////////////////////

// With provides fn with exclusive access to the block (inode, blockno).
//
// The caller must hold the global file system lock. With acquires the
// per-key lock, releases the global lock for the duration of fn (so fn
// must not touch the metadata store or the inode cache), and re-acquires
// it before returning.
//
// LOCKS_REQUIRED(c.fsLock)
func (c *Cache) With(ctx context.Context, inode int64, blockno int64, fn func(e *Entry) error) error {
	k := Key{Inode: inode, BlockNo: blockno}

	c.mlock.Lock(k)
	c.fsLock.Unlock()
	defer func() {
		c.fsLock.Lock()
		c.mlock.Unlock(k)
	}()

	e, err := c.get(ctx, k)
	if err != nil {
		return err
	}

	oldSize := e.size
	fnErr := fn(e)

	c.mu.Lock()
	c.size += e.size - oldSize
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	over := c.size > c.maxSize || len(c.entries) > c.maxEntries
	c.mu.Unlock()

	if fnErr != nil {
		return fnErr
	}

	if over {
		// The global lock is still released here, so unrelated handlers
		// proceed while we wait for the cache to drain.
		if err := c.expire(ctx); err != nil {
			return err
		}
	}
	return nil
}

// get returns the entry for k, downloading or creating it on miss. The
// caller holds the per-key lock.
func (c *Cache) get(ctx context.Context, k Key) (*Entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	// Look up the committed block, if any.
	var blockID, objID int64
	err := c.db.Read(ctx, func(tx *meta.Tx) error {
		var err error
		blockID, objID, err = meta.GetInodeBlock(tx, k.Inode, k.BlockNo)
		if meta.IsNoRow(err) {
			blockID, objID = 0, 0
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(c.entryPath(k), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	e := &Entry{key: k, f: f, path: c.entryPath(k), state: Clean, blockID: blockID}

	if blockID != 0 {
		if err := c.download(ctx, e, objID); err != nil {
			e.close()
			return nil, err
		}
	}

	c.mu.Lock()
	e.elem = c.lru.PushFront(k)
	c.entries[k] = e
	c.size += e.size
	c.mu.Unlock()
	return e, nil
}

// download copies the plaintext of objID into the entry file. A missing
// object is re-polled for the consistency window before the file system is
// declared damaged.
func (c *Cache) download(ctx context.Context, e *Entry, objID int64) error {
	key := meta.DataKey(objID)
	deadline := time.Now().Add(c.consWindow)
	step := 200 * time.Millisecond

	for {
		rh, err := c.backend.OpenRead(ctx, key)
		if err == nil {
			n, err := io.Copy(e.f, rh)
			rh.Close()
			if err != nil {
				return err
			}
			e.size = n
			return nil
		}

		if !storage.IsNoSuchObject(err) {
			c.markDamaged()
			return err
		}
		if c.backend.IsGetConsistent() || time.Now().After(deadline) {
			logger.Errorf("Backend lost object %s (inode %d, block %d)",
				key, e.key.Inode, e.key.BlockNo)
			c.markDamaged()
			return err
		}
		logger.Warnf("Object %s not yet visible, retrying...", key)
		time.Sleep(step)
		if step < 10*time.Second {
			step *= 2
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Upload and deduplication
////////////////////////////////////////////////////////////////////////

// uploadTask describes the network work committed by prepareUpload.
type uploadTask struct {
	entry     *Entry
	snapshot  []byte // plaintext frozen at commit time
	objID     int64  // object to upload, 0 if deduplicated
	orphanObj int64  // object to delete from the backend, 0 if none
}

// prepareUpload commits the dirty entry's content to the metadata store
// and returns the remaining network work, or nil if there is none. The
// caller must hold the entry's per-key lock.
//
// The refcount changes commit before the upload happens: on a crash the
// store may reference an object that never appeared (repaired by fsck via
// lost+found), but an uploaded object can never outlive its last database
// reference unnoticed.
func (c *Cache) prepareUpload(ctx context.Context, e *Entry) (*uploadTask, error) {
	if e.getState() != Dirty {
		return nil, nil
	}

	snapshot := make([]byte, e.size)
	if _, err := e.f.ReadAt(snapshot, 0); err != nil && err != io.EOF {
		return nil, err
	}
	sum := sha256.Sum256(snapshot)
	hash := sum[:]

	old := e.blockID
	var newBlockID, uploadObj, orphanObj int64
	var needUpload bool

	err := c.db.Transaction(ctx, func(tx *meta.Tx) error {
		newBlockID, uploadObj, orphanObj = 0, 0, 0
		needUpload = false

		bid, oid, err := meta.FindBlockByHash(tx, hash)
		switch {
		case err == nil && bid == old:
			// Content reverted to what is already committed.
			newBlockID = old
			return nil
		case err == nil:
			if err := meta.IncBlockRef(tx, bid); err != nil {
				return err
			}
			newBlockID = bid
		case meta.IsNoRow(err):
			bid, oid, err = meta.CreateObjectAndBlock(tx, hash, int64(len(snapshot)))
			if err != nil {
				return err
			}
			needUpload = true
			newBlockID, uploadObj = bid, oid
		default:
			return err
		}

		if err := meta.SetInodeBlock(tx, e.key.Inode, e.key.BlockNo, newBlockID); err != nil {
			return err
		}
		if old != 0 {
			orphan, err := meta.DecBlockRef(tx, old)
			if err != nil {
				return err
			}
			orphanObj = orphan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.blockID = newBlockID
	e.setState(Dirty, InTransit)

	if !needUpload && orphanObj == 0 {
		// Nothing left to do on the network.
		c.completeUpload(e)
		return nil, nil
	}
	if !needUpload {
		uploadObj = 0
	}
	return &uploadTask{entry: e, snapshot: snapshot, objID: uploadObj, orphanObj: orphanObj}, nil
}

// registerTransit marks the entry's key as having an upload in flight.
func (c *Cache) registerTransit(k Key) {
	c.mu.Lock()
	if _, ok := c.inTransit[k]; !ok {
		c.inTransit[k] = make(chan struct{})
	}
	c.mu.Unlock()
}

// completeUpload transitions InTransit -> Clean (unless the entry was
// re-dirtied meanwhile) and wakes waiters.
func (c *Cache) completeUpload(e *Entry) {
	e.setState(InTransit, Clean)
	c.mu.Lock()
	if ch, ok := c.inTransit[e.key]; ok {
		close(ch)
		delete(c.inTransit, e.key)
	}
	c.mu.Unlock()
}

// performUpload executes the task's network work: upload first, then
// orphan deletion, in that order.
func (c *Cache) performUpload(ctx context.Context, t *uploadTask) error {
	defer c.completeUpload(t.entry)

	if t.objID != 0 {
		key := meta.DataKey(t.objID)
		wh, err := c.backend.OpenWrite(ctx, key, storage.Metadata{}, false)
		if err != nil {
			return err
		}
		if _, err := wh.Write(t.snapshot); err != nil {
			wh.Close()
			return err
		}
		if err := wh.Close(); err != nil {
			return err
		}

		comprSize := wh.ObjectSize()
		err = c.db.Transaction(ctx, func(tx *meta.Tx) error {
			return meta.SetObjectComprSize(tx, t.objID, comprSize)
		})
		if err != nil {
			return err
		}
	}

	if t.orphanObj != 0 {
		if err := c.deleteObject(ctx, t.orphanObj); err != nil {
			return err
		}
	}
	return nil
}

// deleteObject removes a data object from the backend, tolerating listing
// lag on eventually-consistent stores.
func (c *Cache) deleteObject(ctx context.Context, objID int64) error {
	err := c.backend.Delete(ctx, meta.DataKey(objID), false)
	if err == nil || !storage.IsNoSuchObject(err) {
		return err
	}
	if c.backend.IsGetConsistent() {
		// Definitively gone; nothing to delete.
		logger.Warnf("Object %s already gone from backend", meta.DataKey(objID))
		return nil
	}

	deadline := time.Now().Add(c.consWindow)
	step := 200 * time.Millisecond
	for {
		time.Sleep(step)
		err = c.backend.Delete(ctx, meta.DataKey(objID), false)
		if err == nil || !storage.IsNoSuchObject(err) {
			return err
		}
		if time.Now().After(deadline) {
			logger.Warnf("Giving up deleting object %s: never became visible", meta.DataKey(objID))
			return nil
		}
		if step < 10*time.Second {
			step *= 2
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Expiry
////////////////////////////////////////////////////////////////////////

// expire removes least-recently-used entries until both bounds are
// satisfied, uploading dirty victims first. Entries whose per-key lock is
// held are skipped. The caller must NOT hold the global lock.
func (c *Cache) expire(ctx context.Context) error {
	c.expireMu.Lock()
	defer c.expireMu.Unlock()

	over := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return (c.size > c.maxSize || len(c.entries) > c.maxEntries) && len(c.entries) > 0
	}

	for over() {
		n, err := c.expireBatch(ctx, false)
		if err != nil {
			return err
		}
		if n == 0 {
			// Every remaining candidate is checked out; try again later.
			return nil
		}
	}
	return nil
}

// evictAll synchronously evicts every entry, regardless of the configured
// bounds. Used by Clear.
func (c *Cache) evictAll(ctx context.Context) error {
	c.expireMu.Lock()
	defer c.expireMu.Unlock()

	nonEmpty := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.entries) > 0
	}
	for nonEmpty() {
		n, err := c.expireBatch(ctx, true)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("cache entries still checked out during clear")
		}
	}
	return nil
}

// expireBatch evicts up to one worker-pool's worth of victims in parallel.
// With ignoreBounds set, every entry is a candidate.
func (c *Cache) expireBatch(ctx context.Context, ignoreBounds bool) (int, error) {
	type victim struct {
		e *Entry
		t *uploadTask
	}
	var victims []victim

	c.mu.Lock()
	elem := c.lru.Back()
	for elem != nil && len(victims) < c.workers {
		if !ignoreBounds && c.size <= c.maxSize && len(c.entries) <= c.maxEntries {
			break
		}
		k := elem.Value.(Key)
		prev := elem.Prev()
		if !c.mlock.TryLock(k) {
			// In use; never evict an entry whose per-key lock is held.
			elem = prev
			continue
		}
		e, ok := c.entries[k]
		if !ok {
			c.mlock.Unlock(k)
			elem = prev
			continue
		}
		c.lru.Remove(elem)
		delete(c.entries, k)
		c.size -= e.size
		victims = append(victims, victim{e: e})
		elem = prev
	}
	c.mu.Unlock()

	if len(victims) == 0 {
		return 0, nil
	}

	// Commit dedup state for dirty victims while we still hold their key
	// locks, then run the network work in parallel.
	var g errgroup.Group
	var firstErr error
	for i := range victims {
		v := &victims[i]
		t, err := c.prepareUpload(ctx, v.e)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		v.t = t
		if t != nil {
			c.registerTransit(v.e.key)
		}
	}
	for i := range victims {
		v := victims[i]
		g.Go(func() error {
			defer c.mlock.Unlock(v.e.key)
			var err error
			if v.t != nil {
				err = c.performUpload(ctx, v.t)
			}
			if cerr := v.e.close(); cerr != nil && err == nil {
				err = cerr
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.markDamaged()
		if firstErr == nil {
			firstErr = err
		}
	}
	return len(victims), firstErr
}

////////////////////////////////////////////////////////////////////////
// Flushing
////////////////////////////////////////////////////////////////////////

func (c *Cache) keysOf(inode int64, all bool) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []Key
	for k := range c.entries {
		if all || k.Inode == inode {
			keys = append(keys, k)
		}
	}
	return keys
}

// Flush uploads all dirty entries belonging to inode. Entries stay in the
// cache. The caller must NOT hold the global lock.
func (c *Cache) Flush(ctx context.Context, inode int64) error {
	return c.flushKeys(ctx, c.keysOf(inode, false))
}

// FlushAll uploads every dirty entry.
func (c *Cache) FlushAll(ctx context.Context) error {
	return c.flushKeys(ctx, c.keysOf(0, true))
}

func (c *Cache) flushKeys(ctx context.Context, keys []Key) error {
	for _, k := range keys {
		c.mlock.Lock(k)
		c.mu.Lock()
		e, ok := c.entries[k]
		c.mu.Unlock()
		if !ok {
			c.mlock.Unlock(k)
			continue
		}
		t, err := c.prepareUpload(ctx, e)
		if err != nil {
			c.mlock.Unlock(k)
			return err
		}
		if t != nil {
			c.registerTransit(k)
			if err := c.performUpload(ctx, t); err != nil {
				c.mlock.Unlock(k)
				c.markDamaged()
				return err
			}
		}
		c.mlock.Unlock(k)
	}
	return nil
}

// InTransit reports whether an upload for the key is in flight.
func (c *Cache) InTransit(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inTransit[k]
	return ok
}

// WaitForTransit blocks until none of the given keys has an upload in
// flight. The caller must NOT hold the global lock.
func (c *Cache) WaitForTransit(keys []Key) {
	for _, k := range keys {
		c.mu.Lock()
		ch, ok := c.inTransit[k]
		c.mu.Unlock()
		if ok {
			<-ch
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Removal
////////////////////////////////////////////////////////////////////////

// Remove unlinks all blocks of inode with blockno >= fromBlock, dropping
// cache entries and database references. Objects whose refcount reaches
// zero are deleted from the backend by up to TransferWorkers parallel
// workers; Remove returns after all of them drain.
//
// The caller must NOT hold the global lock.
func (c *Cache) Remove(ctx context.Context, inode int64, fromBlock int64) error {
	// Drop matching cache entries first so a later download cannot
	// resurrect stale data.
	for _, k := range c.keysOf(inode, false) {
		if k.BlockNo < fromBlock {
			continue
		}
		c.mlock.Lock(k)
		c.mu.Lock()
		e, ok := c.entries[k]
		if ok {
			c.lru.Remove(e.elem)
			delete(c.entries, k)
			c.size -= e.size
		}
		c.mu.Unlock()
		if ok {
			e.setState(-1, Tombstoned)
			if err := e.close(); err != nil {
				logger.Warnf("Removing cache entry %v: %v", k, err)
			}
		}
		c.mlock.Unlock(k)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for {
		var orphanObj int64
		var found bool
		err := c.db.Transaction(ctx, func(tx *meta.Tx) error {
			orphanObj, found = 0, false
			blockno, blockID, err := meta.FirstInodeBlockFrom(tx, inode, fromBlock)
			if meta.IsNoRow(err) {
				return nil
			}
			if err != nil {
				return err
			}
			found = true
			if err := meta.RemoveInodeBlock(tx, inode, blockno); err != nil {
				return err
			}
			orphanObj, err = meta.DecBlockRef(tx, blockID)
			return err
		})
		if err != nil {
			g.Wait()
			return err
		}
		if !found {
			break
		}
		if orphanObj != 0 {
			objID := orphanObj
			g.Go(func() error {
				return c.deleteObject(gctx, objID)
			})
		}
	}

	if err := g.Wait(); err != nil {
		c.markDamaged()
		return err
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// Recover re-registers cache files left over from an unclean shutdown as
// dirty entries, so their content is committed on the next flush. Must run
// before any handler starts.
func (c *Cache) Recover(ctx context.Context) error {
	pattern := regexp.MustCompile(`^inode_(\d+)_block_(\d+)$`)

	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, de := range dirents {
		m := pattern.FindStringSubmatch(de.Name())
		if m == nil {
			return fmt.Errorf("unexpected file in cache directory: %s", de.Name())
		}
		inode, _ := strconv.ParseInt(m[1], 10, 64)
		blockno, _ := strconv.ParseInt(m[2], 10, 64)
		k := Key{Inode: inode, BlockNo: blockno}

		var blockID int64
		err := c.db.Read(ctx, func(tx *meta.Tx) error {
			var err error
			blockID, _, err = meta.GetInodeBlock(tx, inode, blockno)
			if meta.IsNoRow(err) {
				blockID = 0
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}

		f, err := os.OpenFile(filepath.Join(c.dir, de.Name()), os.O_RDWR, 0600)
		if err != nil {
			return err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		logger.Debugf("Recovering cache file %s", de.Name())
		e := &Entry{key: k, f: f, path: filepath.Join(c.dir, de.Name()),
			state: Dirty, blockID: blockID, size: fi.Size()}

		c.mu.Lock()
		e.elem = c.lru.PushFront(k)
		c.entries[k] = e
		c.size += e.size
		c.mu.Unlock()
	}
	return nil
}

// Clear uploads all dirty data, waits for pending uploads and deletions,
// and drops every cache entry. The caller must NOT hold the global lock.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.FlushAll(ctx); err != nil {
		return err
	}
	return c.evictAll(ctx)
}
