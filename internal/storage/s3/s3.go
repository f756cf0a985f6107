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

// Package s3 implements the backend against an S3 (or S3-compatible)
// bucket. One file system occupies one key prefix in the bucket.
package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"

	"github.com/vaultfs/vaultfs/internal/storage"
)

// metaHeader is the single S3 user-metadata entry under which the whole
// serialized metadata map travels.
const metaHeader = "Vaultfs-Meta"

// Config carries the credentials and location for one bucket prefix.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // non-AWS endpoints, e.g. minio
	Login    string
	Password string

	// SSE enables server-side encryption on stored objects.
	SSE bool
}

// Backend is an S3-backed storage.Backend.
type Backend struct {
	client *awss3.S3
	cfg    Config
}

var _ storage.Backend = (*Backend)(nil)

// ParseURL splits an s3:// storage URL into bucket and prefix.
// Accepted form: s3://bucket/prefix/.
func ParseURL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 storage URL: %q", raw)
	}
	prefix = strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return u.Host, prefix, nil
}

// New opens a connection to the bucket and verifies that it exists.
func New(cfg Config) (*Backend, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.Login != "" {
		awsCfg = awsCfg.WithCredentials(
			credentials.NewStaticCredentials(cfg.Login, cfg.Password, ""))
	}
	// The SDK's own retrier is disabled; retrying is handled by the
	// storage.Retrying decorator so that all backends behave the same.
	awsCfg = awsCfg.WithMaxRetries(0)

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	b := &Backend{client: awss3.New(sess), cfg: cfg}

	_, err = b.client.HeadBucket(&awss3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)})
	if err != nil {
		return nil, b.translate(err, "")
	}
	return b, nil
}

func (b *Backend) key(key string) string {
	return b.cfg.Prefix + key
}

// translate maps SDK errors onto the storage error taxonomy.
func (b *Backend) translate(err error, key string) error {
	if err == nil {
		return nil
	}
	var ae awserr.Error
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.Code() {
	case awss3.ErrCodeNoSuchKey, "NotFound":
		return &storage.NoSuchObject{Key: key}
	case awss3.ErrCodeNoSuchBucket:
		return &storage.DanglingStorageURL{URL: "s3://" + b.cfg.Bucket}
	case "AccessDenied":
		return &storage.AuthorizationError{Msg: ae.Message()}
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
		return &storage.AuthenticationError{Msg: ae.Message()}
	case "BadDigest", "XAmzContentSHA256Mismatch":
		return &storage.ChecksumError{Msg: ae.Message()}
	}
	if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() >= 400 {
		return &storage.HTTPError{Status: rf.StatusCode(), Msg: ae.Message()}
	}
	return err
}

func (b *Backend) IsTempFailure(err error) bool {
	var he *storage.HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500 || he.Status == 429
	}
	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case "RequestError", "RequestTimeout", "SlowDown", "Throttling",
			"ThrottlingException", "InternalError", "ServiceUnavailable":
			return true
		}
	}
	// Plain network errors surface as url/net errors.
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func encodeMeta(meta storage.Metadata) (map[string]*string, error) {
	if meta == nil {
		meta = storage.Metadata{}
	}
	wire, err := meta.Encode()
	if err != nil {
		return nil, err
	}
	return map[string]*string{
		metaHeader: aws.String(base64.StdEncoding.EncodeToString(wire)),
	}, nil
}

func decodeMeta(hdr map[string]*string, key string) (storage.Metadata, error) {
	raw, ok := hdr[metaHeader]
	if !ok || raw == nil {
		return storage.Metadata{}, nil
	}
	wire, err := base64.StdEncoding.DecodeString(*raw)
	if err != nil {
		return nil, &storage.ChecksumError{Msg: fmt.Sprintf("object %q: malformed metadata header", key)}
	}
	meta, err := storage.DecodeMetadata(wire)
	if err != nil {
		return nil, &storage.ChecksumError{Msg: fmt.Sprintf("object %q: %v", key, err)}
	}
	return meta, nil
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

func (b *Backend) Store(ctx context.Context, key string, data []byte, meta storage.Metadata) error {
	hdr, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	input := &awss3.PutObjectInput{
		Bucket:   aws.String(b.cfg.Bucket),
		Key:      aws.String(b.key(key)),
		Body:     bytes.NewReader(data),
		Metadata: hdr,
	}
	if b.cfg.SSE {
		input.ServerSideEncryption = aws.String("AES256")
	}
	_, err = b.client.PutObjectWithContext(ctx, input)
	return b.translate(err, key)
}

type readHandle struct {
	body io.ReadCloser
	meta storage.Metadata
}

func (rh *readHandle) Read(p []byte) (int, error) { return rh.body.Read(p) }
func (rh *readHandle) Close() error               { return rh.body.Close() }
func (rh *readHandle) Metadata() storage.Metadata { return rh.meta }

func (b *Backend) OpenRead(ctx context.Context, key string) (storage.ReadHandle, error) {
	out, err := b.client.GetObjectWithContext(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		return nil, b.translate(err, key)
	}
	meta, err := decodeMeta(out.Metadata, key)
	if err != nil {
		out.Body.Close()
		return nil, err
	}
	return &readHandle{body: out.Body, meta: meta}, nil
}

// writeHandle buffers the payload and performs one PutObject on Close. The
// SDK needs a seekable body for signing, so true streaming would require
// multipart uploads; block objects are bounded by the block size, which
// keeps the buffer acceptable.
type writeHandle struct {
	ctx     context.Context
	backend *Backend
	key     string
	meta    storage.Metadata
	buf     bytes.Buffer
	size    int64
}

func (wh *writeHandle) Write(p []byte) (int, error) { return wh.buf.Write(p) }

func (wh *writeHandle) Close() error {
	wh.size = int64(wh.buf.Len())
	return wh.backend.Store(wh.ctx, wh.key, wh.buf.Bytes(), wh.meta)
}

func (wh *writeHandle) ObjectSize() int64 { return wh.size }

func (b *Backend) OpenWrite(ctx context.Context, key string, meta storage.Metadata, isCompressed bool) (storage.WriteHandle, error) {
	return &writeHandle{ctx: ctx, backend: b, key: key, meta: meta}, nil
}

func (b *Backend) Lookup(ctx context.Context, key string) (storage.Metadata, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		return nil, b.translate(err, key)
	}
	return decodeMeta(out.Metadata, key)
}

func (b *Backend) GetSize(ctx context.Context, key string) (int64, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		return 0, b.translate(err, key)
	}
	return aws.Int64Value(out.ContentLength), nil
}

type keyIterator struct {
	backend *Backend
	ctx     context.Context
	prefix  string

	pending  []string
	nextTok  *string
	startKey string
	done     bool
}

func (it *keyIterator) Next() (string, error) {
	for len(it.pending) == 0 {
		if it.done {
			return "", io.EOF
		}
		input := &awss3.ListObjectsV2Input{
			Bucket:            aws.String(it.backend.cfg.Bucket),
			Prefix:            aws.String(it.backend.key(it.prefix)),
			ContinuationToken: it.nextTok,
		}
		if it.nextTok == nil && it.startKey != "" {
			input.StartAfter = aws.String(it.backend.key(it.startKey))
		}
		out, err := it.backend.client.ListObjectsV2WithContext(it.ctx, input)
		if err != nil {
			return "", it.backend.translate(err, "")
		}
		for _, o := range out.Contents {
			k := strings.TrimPrefix(aws.StringValue(o.Key), it.backend.cfg.Prefix)
			it.pending = append(it.pending, k)
		}
		if aws.BoolValue(out.IsTruncated) {
			it.nextTok = out.NextContinuationToken
		} else {
			it.done = true
		}
	}
	k := it.pending[0]
	it.pending = it.pending[1:]
	return k, nil
}

func (b *Backend) List(ctx context.Context, prefix string, startAfter string) storage.KeyIterator {
	return &keyIterator{backend: b, ctx: ctx, prefix: prefix, startKey: startAfter}
}

func (b *Backend) Delete(ctx context.Context, key string, force bool) error {
	// S3 DeleteObject is idempotent and does not report missing keys, which
	// satisfies the weak contract for force=false.
	_, err := b.client.DeleteObjectWithContext(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	return b.translate(err, key)
}

func (b *Backend) Copy(ctx context.Context, src string, dst string, meta storage.Metadata) error {
	input := &awss3.CopyObjectInput{
		Bucket:     aws.String(b.cfg.Bucket),
		CopySource: aws.String(b.cfg.Bucket + "/" + b.key(src)),
		Key:        aws.String(b.key(dst)),
	}
	if meta != nil {
		hdr, err := encodeMeta(meta)
		if err != nil {
			return err
		}
		input.Metadata = hdr
		input.MetadataDirective = aws.String("REPLACE")
	} else {
		input.MetadataDirective = aws.String("COPY")
	}
	_, err := b.client.CopyObjectWithContext(ctx, input)
	return b.translate(err, src)
}

func (b *Backend) UpdateMeta(ctx context.Context, key string, meta storage.Metadata) error {
	return b.Copy(ctx, key, key, meta)
}

func (b *Backend) Clear(ctx context.Context) error {
	it := b.List(ctx, "", "")
	for {
		key, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := b.Delete(ctx, key, true); err != nil {
			return err
		}
	}
}

func (b *Backend) HasNativeRename() bool        { return false }
func (b *Backend) IsGetConsistent() bool        { return false }
func (b *Backend) IsListCreateConsistent() bool { return false }
func (b *Backend) Close() error                 { return nil }
