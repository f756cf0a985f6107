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
	"container/list"
	"fmt"
	"io"
	"os"
	"sync"
)

// State of one cache entry.
type State int

const (
	// Clean: matches the committed block in the store (or an empty, never
	// written block).
	Clean State = iota

	// Dirty: modified since the last commit; needs upload.
	Dirty

	// InTransit: picked up for upload. A write during this state moves the
	// entry back to Dirty and the just-uploaded object becomes garbage,
	// collected by refcount on the next commit.
	InTransit

	// Tombstoned: the owning inode is gone; the entry is unusable.
	Tombstoned
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case InTransit:
		return "in-transit"
	case Tombstoned:
		return "tombstoned"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// An Entry is the file-backed plaintext of one block. All methods require
// the entry's per-key lock, which With provides.
type Entry struct {
	key  Key
	f    *os.File
	path string

	// stateMu guards state: writers hold the per-key lock, but the upload
	// worker records completion without it.
	stateMu sync.Mutex
	state   State

	// blockID is the committed block row backing this entry, or 0 if the
	// content has never been committed.
	blockID int64

	size int64

	elem *list.Element // LRU position; kept while checked out
}

func (e *Entry) String() string {
	return fmt.Sprintf("<entry inode=%d blockno=%d state=%v block=%d>",
		e.key.Inode, e.key.BlockNo, e.state, e.blockID)
}

// Size returns the current length of the block's plaintext.
func (e *Entry) Size() int64 { return e.size }

// ReadAt reads from the block, zero-filling beyond the end of the data.
func (e *Entry) ReadAt(p []byte, off int64) (int, error) {
	if off >= e.size {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n, err := e.f.ReadAt(p, off)
	if err == io.EOF {
		// Short block; the remainder of the requested range is a hole.
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return len(p), nil
	}
	return n, err
}

// WriteAt writes into the block and marks the entry dirty.
func (e *Entry) WriteAt(p []byte, off int64) (int, error) {
	n, err := e.f.WriteAt(p, off)
	if n > 0 {
		if off+int64(n) > e.size {
			e.size = off + int64(n)
		}
		e.markDirty()
	}
	return n, err
}

// Truncate resizes the block and marks the entry dirty.
func (e *Entry) Truncate(size int64) error {
	if err := e.f.Truncate(size); err != nil {
		return err
	}
	e.size = size
	e.markDirty()
	return nil
}

func (e *Entry) markDirty() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	// InTransit -> Dirty: the in-flight upload completes normally; the next
	// commit re-runs deduplication and collects the orphaned object.
	if e.state == Clean || e.state == InTransit {
		e.state = Dirty
	}
}

func (e *Entry) getState() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// setState transitions the entry to next. When expect is >= 0 the
// transition only happens if the entry is still in that state; the actual
// resulting state is returned.
func (e *Entry) setState(expect State, next State) State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if expect < 0 || e.state == expect {
		e.state = next
	}
	return e.state
}

func (e *Entry) close() error {
	err := e.f.Close()
	if rerr := os.Remove(e.path); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
