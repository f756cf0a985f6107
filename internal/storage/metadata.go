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
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// Metadata is the set of small key/value attributes stored with every
// object. Keys are ASCII identifiers; values are restricted to int64,
// string, []byte, bool and float64 so that every driver can serialize them
// bit-exact.
type Metadata map[string]interface{}

// Well-known metadata keys.
const (
	MetaCompression   = "compression"
	MetaEncryption    = "encryption"
	MetaFormatVersion = "format_version"
	MetaDigest        = "md5"
	MetaNonce         = "nonce"
)

// Value type tags on the wire.
const (
	tagInt    = 0x01
	tagString = 0x02
	tagBytes  = 0x03
	tagBool   = 0x04
	tagFloat  = 0x05
)

// Clone returns a deep copy of m. Byte slice values are copied.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			out[k] = append([]byte(nil), b...)
			continue
		}
		out[k] = v
	}
	return out
}

// Encode serializes m into the length-prefixed wire format. The encoding is
// deterministic: entries are written in sorted key order.
func (m Metadata) Encode() ([]byte, error) {
	var buf bytes.Buffer
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(keys)))
	buf.Write(scratch[:4])

	for _, k := range keys {
		if len(k) > math.MaxUint16 {
			return nil, fmt.Errorf("metadata key too long: %d bytes", len(k))
		}
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(k)))
		buf.Write(scratch[:2])
		buf.WriteString(k)

		switch v := m[k].(type) {
		case int64:
			buf.WriteByte(tagInt)
			binary.BigEndian.PutUint64(scratch[:8], uint64(v))
			buf.Write(scratch[:8])
		case string:
			buf.WriteByte(tagString)
			binary.BigEndian.PutUint32(scratch[:4], uint32(len(v)))
			buf.Write(scratch[:4])
			buf.WriteString(v)
		case []byte:
			buf.WriteByte(tagBytes)
			binary.BigEndian.PutUint32(scratch[:4], uint32(len(v)))
			buf.Write(scratch[:4])
			buf.Write(v)
		case bool:
			buf.WriteByte(tagBool)
			if v {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case float64:
			buf.WriteByte(tagFloat)
			binary.BigEndian.PutUint64(scratch[:8], math.Float64bits(v))
			buf.Write(scratch[:8])
		default:
			return nil, fmt.Errorf("metadata key %q has unsupported type %T", k, m[k])
		}
	}

	return buf.Bytes(), nil
}

// DecodeMetadata parses the wire format produced by Encode.
func DecodeMetadata(data []byte) (Metadata, error) {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading entry count: %w", err)
	}

	m := make(Metadata, count)
	for i := uint32(0); i < count; i++ {
		var klen uint16
		if err := binary.Read(r, binary.BigEndian, &klen); err != nil {
			return nil, fmt.Errorf("reading key length: %w", err)
		}
		kbuf := make([]byte, klen)
		if _, err := io.ReadFull(r, kbuf); err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}

		tag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("reading value tag: %w", err)
		}

		switch tag {
		case tagInt:
			var v uint64
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, err
			}
			m[string(kbuf)] = int64(v)
		case tagString:
			var vlen uint32
			if err := binary.Read(r, binary.BigEndian, &vlen); err != nil {
				return nil, err
			}
			vbuf := make([]byte, vlen)
			if _, err := io.ReadFull(r, vbuf); err != nil {
				return nil, err
			}
			m[string(kbuf)] = string(vbuf)
		case tagBytes:
			var vlen uint32
			if err := binary.Read(r, binary.BigEndian, &vlen); err != nil {
				return nil, err
			}
			vbuf := make([]byte, vlen)
			if _, err := io.ReadFull(r, vbuf); err != nil {
				return nil, err
			}
			m[string(kbuf)] = vbuf
		case tagBool:
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			m[string(kbuf)] = b != 0
		case tagFloat:
			var v uint64
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, err
			}
			m[string(kbuf)] = math.Float64frombits(v)
		default:
			return nil, fmt.Errorf("unknown metadata value tag 0x%02x", tag)
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after metadata", r.Len())
	}

	return m, nil
}

// Digest computes the MD5 digest over all user metadata entries except the
// digest itself. The codec stores this under the "md5" key and verifies it
// on read to detect silent corruption of the header.
func (m Metadata) Digest() (string, error) {
	clean := make(Metadata, len(m))
	for k, v := range m {
		if k == MetaDigest {
			continue
		}
		clean[k] = v
	}
	wire, err := clean.Encode()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", md5.Sum(wire)), nil
}

// GetString returns the string stored under key, or "" if absent.
func (m Metadata) GetString(key string) string {
	v, _ := m[key].(string)
	return v
}

// GetInt returns the int64 stored under key, or 0 if absent.
func (m Metadata) GetInt(key string) int64 {
	v, _ := m[key].(int64)
	return v
}

// GetBytes returns the byte slice stored under key, or nil if absent.
func (m Metadata) GetBytes(key string) []byte {
	v, _ := m[key].([]byte)
	return v
}
