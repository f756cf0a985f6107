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

package storage

import (
	"context"
	"time"

	"github.com/vaultfs/vaultfs/internal/logger"
)

const (
	// RetryTimeout is the total wall-clock budget for retrying a single
	// backend operation.
	RetryTimeout = 24 * time.Hour

	retryInitialDelay = 20 * time.Millisecond
	retryMaxDelay     = 5 * time.Minute
)

// Retrying wraps b so that every operation is re-attempted while
// b.IsTempFailure reports the error as temporary. The delay starts at 20 ms
// and doubles up to 5 minutes; a server-provided RetryAfter hint overrides
// the next delay. After RetryTimeout of wall time the last error is
// returned.
//
// Listing is wrapped separately: when iteration fails temporarily the
// underlying listing is restarted after the last yielded key, so the caller
// sees one continuous sequence.
func Retrying(b Backend) Backend {
	return &retryBackend{wrapped: b, sleep: sleepCtx}
}

type retryBackend struct {
	wrapped Backend

	// Injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// call runs op, retrying temporary failures per the backend retry policy.
func (b *retryBackend) call(ctx context.Context, name string, op func() error) error {
	interval := retryInitialDelay
	var waited time.Duration
	var retries int

	for {
		err := op()
		if err == nil || !b.wrapped.IsTempFailure(err) {
			return err
		}
		if waited > RetryTimeout {
			logger.Errorf("%s: retry timeout exceeded, giving up: %v", name, err)
			return err
		}

		retries++
		if retries <= 2 {
			logger.Debugf("%s: temporary failure (%v), retrying (attempt %d)", name, err, retries)
		} else {
			logger.Warnf("%s: temporary failure (%v), retrying (attempt %d)", name, err, retries)
		}

		if hint, ok := RetryAfter(err); ok {
			interval = hint
		}

		if err := b.sleep(ctx, interval); err != nil {
			return err
		}
		waited += interval
		interval *= 2
		if interval > retryMaxDelay {
			interval = retryMaxDelay
		}
	}
}

func (b *retryBackend) Fetch(ctx context.Context, key string) (data []byte, meta Metadata, err error) {
	err = b.call(ctx, "Fetch", func() (err error) {
		data, meta, err = b.wrapped.Fetch(ctx, key)
		return
	})
	return
}

func (b *retryBackend) Store(ctx context.Context, key string, data []byte, meta Metadata) error {
	return b.call(ctx, "Store", func() error {
		return b.wrapped.Store(ctx, key, data, meta)
	})
}

func (b *retryBackend) OpenRead(ctx context.Context, key string) (rh ReadHandle, err error) {
	err = b.call(ctx, "OpenRead", func() (err error) {
		rh, err = b.wrapped.OpenRead(ctx, key)
		return
	})
	return
}

func (b *retryBackend) OpenWrite(ctx context.Context, key string, meta Metadata, isCompressed bool) (wh WriteHandle, err error) {
	err = b.call(ctx, "OpenWrite", func() (err error) {
		wh, err = b.wrapped.OpenWrite(ctx, key, meta, isCompressed)
		return
	})
	return
}

func (b *retryBackend) Lookup(ctx context.Context, key string) (meta Metadata, err error) {
	err = b.call(ctx, "Lookup", func() (err error) {
		meta, err = b.wrapped.Lookup(ctx, key)
		return
	})
	return
}

func (b *retryBackend) GetSize(ctx context.Context, key string) (size int64, err error) {
	err = b.call(ctx, "GetSize", func() (err error) {
		size, err = b.wrapped.GetSize(ctx, key)
		return
	})
	return
}

func (b *retryBackend) List(ctx context.Context, prefix string, startAfter string) KeyIterator {
	return &retryIterator{
		backend:   b,
		ctx:       ctx,
		prefix:    prefix,
		lastKey:   startAfter,
		restarted: false,
	}
}

// retryIterator restarts the wrapped listing after the last yielded key
// whenever retrieving the next element fails temporarily.
type retryIterator struct {
	backend *retryBackend
	ctx     context.Context
	prefix  string

	inner     KeyIterator
	lastKey   string
	restarted bool
}

func (it *retryIterator) Next() (key string, err error) {
	err = it.backend.call(it.ctx, "List", func() error {
		if it.inner == nil {
			it.inner = it.backend.wrapped.List(it.ctx, it.prefix, it.lastKey)
		}
		k, err := it.inner.Next()
		if err != nil {
			if it.backend.wrapped.IsTempFailure(err) {
				// Restart the listing on the next attempt.
				it.inner = nil
			}
			return err
		}
		key = k
		return nil
	})
	if err != nil {
		return "", err
	}
	it.lastKey = key
	return key, nil
}

func (b *retryBackend) Delete(ctx context.Context, key string, force bool) error {
	return b.call(ctx, "Delete", func() error {
		return b.wrapped.Delete(ctx, key, force)
	})
}

func (b *retryBackend) Copy(ctx context.Context, src string, dst string, meta Metadata) error {
	return b.call(ctx, "Copy", func() error {
		return b.wrapped.Copy(ctx, src, dst, meta)
	})
}

func (b *retryBackend) UpdateMeta(ctx context.Context, key string, meta Metadata) error {
	return b.call(ctx, "UpdateMeta", func() error {
		return b.wrapped.UpdateMeta(ctx, key, meta)
	})
}

func (b *retryBackend) Clear(ctx context.Context) error {
	return b.call(ctx, "Clear", func() error {
		return b.wrapped.Clear(ctx)
	})
}

func (b *retryBackend) IsTempFailure(err error) bool {
	return b.wrapped.IsTempFailure(err)
}

func (b *retryBackend) HasNativeRename() bool        { return b.wrapped.HasNativeRename() }
func (b *retryBackend) IsGetConsistent() bool        { return b.wrapped.IsGetConsistent() }
func (b *retryBackend) IsListCreateConsistent() bool { return b.wrapped.IsListCreateConsistent() }
func (b *retryBackend) Close() error                 { return b.wrapped.Close() }
