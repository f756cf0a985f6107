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

// Package codec implements the framed compression + authenticated
// encryption pipeline applied to every object payload. It wraps a
// storage.Backend, so the rest of the file system reads and writes
// plaintext without knowing whether the store is encrypted.
//
// Payload layout for an encrypted object:
//
//	nonce(32) || AES-256-CTR(k, compressed plaintext) || HMAC-SHA256(k, plaintext)
//
// where k = SHA256(master || nonce). Unencrypted objects carry only the
// compressed stream. Every object's metadata records its own compression
// and encryption tags, so objects written by mounts with different
// settings coexist.
package codec

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/vaultfs/vaultfs/internal/storage"
)

// FormatVersion is the object payload format revision.
const FormatVersion = 1

// Config selects the pipeline for newly written objects.
type Config struct {
	Compression Algorithm

	// MasterKey enables encryption when non-nil.
	MasterKey []byte
}

// Backend applies the codec on top of a storage.Backend.
type Backend struct {
	storage.Backend

	cfg Config
}

// Wrap builds the codec layer. The inner backend should already carry the
// retry decorator.
func Wrap(inner storage.Backend, cfg Config) *Backend {
	return &Backend{Backend: inner, cfg: cfg}
}

func (b *Backend) encrypted() bool {
	return len(b.cfg.MasterKey) != 0
}

// writeMeta stamps the headers that influence decoding and the digest over
// all user metadata.
func (b *Backend) writeMeta(meta storage.Metadata) (storage.Metadata, error) {
	out := meta.Clone()
	if out == nil {
		out = storage.Metadata{}
	}
	out[storage.MetaCompression] = string(b.cfg.Compression)
	if b.encrypted() {
		out[storage.MetaEncryption] = "aes"
	} else {
		out[storage.MetaEncryption] = "none"
	}
	out[storage.MetaFormatVersion] = int64(FormatVersion)

	digest, err := out.Digest()
	if err != nil {
		return nil, err
	}
	out[storage.MetaDigest] = digest
	return out, nil
}

// checkMeta verifies the metadata digest and extracts the decode
// parameters.
func checkMeta(meta storage.Metadata, key string) (alg Algorithm, encrypted bool, err error) {
	want := meta.GetString(storage.MetaDigest)
	got, err := meta.Digest()
	if err != nil {
		return "", false, err
	}
	if want == "" || want != got {
		return "", false, &storage.BadDigestError{
			Msg: fmt.Sprintf("object %q: metadata digest mismatch", key),
		}
	}

	alg, err = ParseAlgorithm(meta.GetString(storage.MetaCompression))
	if err != nil {
		return "", false, &storage.CorruptedObjectError{
			Msg: fmt.Sprintf("object %q: %v", key, err),
		}
	}

	switch meta.GetString(storage.MetaEncryption) {
	case "aes":
		encrypted = true
	case "none":
		encrypted = false
	default:
		return "", false, &storage.CorruptedObjectError{
			Msg: fmt.Sprintf("object %q: unknown encryption tag", key),
		}
	}
	return alg, encrypted, nil
}

////////////////////////////////////////////////////////////////////////
// Write path
////////////////////////////////////////////////////////////////////////

// encodeWriter streams plaintext through the pipeline into the inner write
// handle.
type encodeWriter struct {
	inner storage.WriteHandle

	compressor io.WriteCloser

	// Encryption state; nil when the store is plain.
	mac hash.Hash

	closed bool
}

// streamEncrypter XORs the CTR stream over everything written through it.
type streamEncrypter struct {
	w      io.Writer
	stream cipher.Stream
}

func (se *streamEncrypter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	se.stream.XORKeyStream(buf, p)
	return se.w.Write(buf)
}

func (w *encodeWriter) Write(p []byte) (int, error) {
	if w.mac != nil {
		w.mac.Write(p)
	}
	n, err := w.compressor.Write(p)
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func (w *encodeWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.compressor.Close(); err != nil {
		return err
	}
	if w.mac != nil {
		// The authentication tag over the plaintext trails the compressed
		// stream, in the clear.
		if _, err := w.inner.Write(w.mac.Sum(nil)); err != nil {
			return err
		}
	}
	return w.inner.Close()
}

func (w *encodeWriter) ObjectSize() int64 { return w.inner.ObjectSize() }

func (b *Backend) OpenWrite(ctx context.Context, key string, meta storage.Metadata, isCompressed bool) (storage.WriteHandle, error) {
	stamped, err := b.writeMeta(meta)
	if err != nil {
		return nil, err
	}

	var nonce []byte
	if b.encrypted() {
		nonce = newNonce(key)
	}

	inner, err := b.Backend.OpenWrite(ctx, key, stamped, b.cfg.Compression != None)
	if err != nil {
		return nil, err
	}

	w := &encodeWriter{inner: inner}
	var compressTarget io.Writer = inner

	if b.encrypted() {
		if _, err := inner.Write(nonce); err != nil {
			inner.Close()
			return nil, err
		}
		k := objectKey(b.cfg.MasterKey, nonce)
		stream, err := ctrStream(k)
		if err != nil {
			inner.Close()
			return nil, err
		}
		w.mac = hmac.New(sha256.New, k)
		compressTarget = &streamEncrypter{w: inner, stream: stream}
	}

	w.compressor, err = newCompressor(b.cfg.Compression, compressTarget)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return w, nil
}

func (b *Backend) Store(ctx context.Context, key string, data []byte, meta storage.Metadata) error {
	wh, err := b.OpenWrite(ctx, key, meta, false)
	if err != nil {
		return err
	}
	if _, err := wh.Write(data); err != nil {
		wh.Close()
		return err
	}
	return wh.Close()
}

////////////////////////////////////////////////////////////////////////
// Read path
////////////////////////////////////////////////////////////////////////

type decodedReadHandle struct {
	r    io.Reader
	meta storage.Metadata

	// Plain objects are decompressed lazily; checkTail runs the extraneous
	// byte check once the logical end of the compressed stream is reached.
	checkTail func() error
	done      bool
}

func (rh *decodedReadHandle) Read(p []byte) (int, error) {
	n, err := rh.r.Read(p)
	if err == io.EOF && !rh.done {
		rh.done = true
		if rh.checkTail != nil {
			if terr := rh.checkTail(); terr != nil {
				return n, terr
			}
		}
	}
	return n, err
}

func (rh *decodedReadHandle) Close() error               { return nil }
func (rh *decodedReadHandle) Metadata() storage.Metadata { return rh.meta }

func (b *Backend) OpenRead(ctx context.Context, key string) (storage.ReadHandle, error) {
	inner, err := b.Backend.OpenRead(ctx, key)
	if err != nil {
		return nil, err
	}
	defer inner.Close()

	meta := inner.Metadata()
	alg, objEncrypted, err := checkMeta(meta, key)
	if err != nil {
		return nil, err
	}

	if objEncrypted != b.encrypted() {
		if objEncrypted {
			return nil, &storage.CorruptedObjectError{
				Msg: fmt.Sprintf("object %q is encrypted, but no passphrase is configured", key),
			}
		}
		return nil, &storage.CorruptedObjectError{
			Msg: fmt.Sprintf("object %q is not encrypted", key),
		}
	}

	if !objEncrypted {
		// Both paths read the whole payload into memory (objects are
		// bounded by the block size). The plain path decompresses it
		// lazily; encrypted objects, whose trailing tag must be separated
		// before verification, are decoded in full below.
		payload, err := io.ReadAll(inner)
		if err != nil {
			return nil, err
		}
		return b.decodePlain(payload, alg, meta, key)
	}

	payload, err := io.ReadAll(inner)
	if err != nil {
		return nil, err
	}
	plaintext, err := b.decodeEncrypted(payload, alg, key)
	if err != nil {
		return nil, err
	}
	return &decodedReadHandle{r: bytes.NewReader(plaintext), meta: meta, done: true}, nil
}

func (b *Backend) decodePlain(payload []byte, alg Algorithm, meta storage.Metadata, key string) (storage.ReadHandle, error) {
	src := bytes.NewReader(payload)
	dec, err := newDecompressor(alg, src)
	if err != nil {
		return nil, &storage.CorruptedObjectError{Msg: fmt.Sprintf("object %q: %v", key, err)}
	}
	rh := &decodedReadHandle{r: dec, meta: meta}
	rh.checkTail = func() error {
		if src.Len() != 0 {
			return &storage.CorruptedObjectError{
				Msg: fmt.Sprintf("object %q: %d extraneous bytes after compressed stream", key, src.Len()),
			}
		}
		return nil
	}
	return rh, nil
}

func (b *Backend) decodeEncrypted(payload []byte, alg Algorithm, key string) ([]byte, error) {
	if len(payload) < nonceLen+hmacLen {
		return nil, &storage.CorruptedObjectError{Msg: fmt.Sprintf("object %q: truncated payload", key)}
	}
	nonce := payload[:nonceLen]
	tag := payload[len(payload)-hmacLen:]
	ciphertext := payload[nonceLen : len(payload)-hmacLen]

	k := objectKey(b.cfg.MasterKey, nonce)
	stream, err := ctrStream(k)
	if err != nil {
		return nil, err
	}
	compressed := make([]byte, len(ciphertext))
	stream.XORKeyStream(compressed, ciphertext)

	src := bytes.NewReader(compressed)
	dec, err := newDecompressor(alg, src)
	if err != nil {
		return nil, &storage.CorruptedObjectError{Msg: fmt.Sprintf("object %q: %v", key, err)}
	}
	plaintext, err := io.ReadAll(dec)
	if err != nil {
		return nil, &storage.CorruptedObjectError{Msg: fmt.Sprintf("object %q: %v", key, err)}
	}
	if src.Len() != 0 {
		return nil, &storage.CorruptedObjectError{
			Msg: fmt.Sprintf("object %q: %d extraneous bytes after compressed stream", key, src.Len()),
		}
	}

	mac := hmac.New(sha256.New, k)
	mac.Write(plaintext)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, &storage.CorruptedObjectError{Msg: fmt.Sprintf("object %q: HMAC mismatch", key)}
	}
	return plaintext, nil
}

func (b *Backend) Fetch(ctx context.Context, key string) ([]byte, storage.Metadata, error) {
	rh, err := b.OpenRead(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer rh.Close()
	data, err := io.ReadAll(rh)
	if err != nil {
		return nil, nil, err
	}
	return data, rh.Metadata(), nil
}
