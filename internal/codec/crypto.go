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
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/vaultfs/vaultfs/internal/storage"
)

const (
	// MasterKeyLen is the length of the randomly generated file system
	// master key.
	MasterKeyLen = 32

	nonceLen = 32
	hmacLen  = sha256.Size
	saltLen  = 16

	// PassphraseObject is the backend key of the wrapped master key.
	PassphraseObject = "passphrase"

	pbkdf2Iterations = 65536
)

// RandomMasterKey generates a fresh 32-byte master key.
func RandomMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("gathering entropy: %w", err)
	}
	return key, nil
}

// newNonce builds a 32-byte nonce from the current time, the object key
// name and a random component. Uniqueness, not secrecy, is what matters:
// the nonce is stored in the clear at the front of the payload.
func newNonce(key string) []byte {
	nonce := make([]byte, nonceLen)
	binary.BigEndian.PutUint64(nonce[:8], uint64(time.Now().UnixNano()))
	keyHash := sha256.Sum256([]byte(key))
	copy(nonce[8:16], keyHash[:8])
	id := uuid.New()
	copy(nonce[16:], id[:])
	return nonce
}

// objectKey derives the per-object encryption key.
func objectKey(master, nonce []byte) []byte {
	h := sha256.New()
	h.Write(master)
	h.Write(nonce)
	return h.Sum(nil)
}

// ctrStream builds the AES-256-CTR stream for the given object key. The IV
// is zero: every object key is used exactly once.
func ctrStream(key []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	return cipher.NewCTR(block, iv), nil
}

// wrapKey derives the key-encryption key from the user passphrase.
func wrapKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdf2Iterations, MasterKeyLen, sha256.New)
}

// WrapMasterKey encrypts the master key under the passphrase. The result is
// stored as the distinguished "passphrase" object:
//
//	salt(16) || AES-256-CTR(kek, master) || HMAC-SHA256(kek, master)
func WrapMasterKey(master, passphrase []byte) ([]byte, error) {
	if len(master) != MasterKeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeyLen, len(master))
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("gathering entropy: %w", err)
	}
	kek := wrapKey(passphrase, salt)

	stream, err := ctrStream(kek)
	if err != nil {
		return nil, err
	}
	wrapped := make([]byte, MasterKeyLen)
	stream.XORKeyStream(wrapped, master)

	mac := hmac.New(sha256.New, kek)
	mac.Write(master)

	out := make([]byte, 0, saltLen+MasterKeyLen+hmacLen)
	out = append(out, salt...)
	out = append(out, wrapped...)
	out = append(out, mac.Sum(nil)...)
	return out, nil
}

// UnwrapMasterKey decrypts the master key. A wrong passphrase is reported
// as *storage.AuthenticationError.
func UnwrapMasterKey(payload, passphrase []byte) ([]byte, error) {
	if len(payload) != saltLen+MasterKeyLen+hmacLen {
		return nil, &storage.CorruptedObjectError{Msg: "malformed passphrase object"}
	}
	salt := payload[:saltLen]
	wrapped := payload[saltLen : saltLen+MasterKeyLen]
	tag := payload[saltLen+MasterKeyLen:]

	kek := wrapKey(passphrase, salt)
	stream, err := ctrStream(kek)
	if err != nil {
		return nil, err
	}
	master := make([]byte, MasterKeyLen)
	stream.XORKeyStream(master, wrapped)

	mac := hmac.New(sha256.New, kek)
	mac.Write(master)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, &storage.AuthenticationError{Msg: "wrong file system passphrase"}
	}
	return master, nil
}

// LoadMasterKey fetches and unwraps the master key from the backend.
// Returns nil (and no error) if the file system is not encrypted and no
// passphrase was supplied; a passphrase supplied for an unencrypted file
// system yields an AuthenticationError.
func LoadMasterKey(ctx context.Context, b storage.Backend, passphrase []byte) ([]byte, error) {
	payload, _, err := b.Fetch(ctx, PassphraseObject)
	if storage.IsNoSuchObject(err) {
		if len(passphrase) != 0 {
			return nil, &storage.AuthenticationError{Msg: "file system is not encrypted, but a passphrase was supplied"}
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, &storage.AuthenticationError{Msg: "file system is encrypted, passphrase required"}
	}
	return UnwrapMasterKey(payload, passphrase)
}

// StoreMasterKey wraps the master key under passphrase and uploads it.
// Changing the passphrase re-wraps the master key only; data objects are
// untouched.
func StoreMasterKey(ctx context.Context, b storage.Backend, master, passphrase []byte) error {
	payload, err := WrapMasterKey(master, passphrase)
	if err != nil {
		return err
	}
	return b.Store(ctx, PassphraseObject, payload, storage.Metadata{
		storage.MetaFormatVersion: int64(FormatVersion),
	})
}
