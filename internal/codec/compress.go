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

package codec

import (
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz/lzma"
)

// Algorithm selects the compression applied before encryption. The
// algorithm is fixed per mount, but every object carries its own tag so
// that objects written by older mounts remain readable.
type Algorithm string

const (
	None  Algorithm = "none"
	Zlib  Algorithm = "zlib"
	Bzip2 Algorithm = "bzip2"
	LZMA  Algorithm = "lzma"
)

// ParseAlgorithm validates a user-supplied compression name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case None, Zlib, Bzip2, LZMA:
		return Algorithm(name), nil
	}
	return "", fmt.Errorf("unknown compression algorithm: %q", name)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// newCompressor returns a WriteCloser compressing into w. Closing the
// compressor flushes the stream but does not close w.
func newCompressor(alg Algorithm, w io.Writer) (io.WriteCloser, error) {
	switch alg {
	case None:
		return nopWriteCloser{w}, nil
	case Zlib:
		return zlib.NewWriter(w), nil
	case Bzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	case LZMA:
		return lzma.NewWriter(w)
	}
	return nil, fmt.Errorf("unknown compression algorithm: %q", alg)
}

// newDecompressor returns a Reader decompressing from r.
func newDecompressor(alg Algorithm, r io.Reader) (io.Reader, error) {
	switch alg {
	case None:
		return r, nil
	case Zlib:
		return zlib.NewReader(r)
	case Bzip2:
		return bzip2.NewReader(r, nil)
	case LZMA:
		return lzma.NewReader(r)
	}
	return nil, fmt.Errorf("unknown compression algorithm: %q", alg)
}
