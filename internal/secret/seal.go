// Package secret seals persisted credentials at rest.
package secret

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
	keyFile   = "client.key"
)

// Keyring seals and opens small secrets with a machine-local key.
type Keyring struct {
	key [keySize]byte
}

// LoadKeyring loads the sealing key from dir, generating one on first use.
func LoadKeyring(dir string) (*Keyring, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(dir, keyFile)
	kr := &Keyring{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != keySize {
			return nil, fmt.Errorf("key file %s is corrupt", path)
		}
		copy(kr.key[:], data)
		return kr, nil
	case os.IsNotExist(err):
		if _, err := rand.Read(kr.key[:]); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if err := os.WriteFile(path, kr.key[:], 0o600); err != nil {
			return nil, fmt.Errorf("write key file: %w", err)
		}
		return kr, nil
	default:
		return nil, fmt.Errorf("read key file: %w", err)
	}
}

// Seal encrypts data. Format: [nonce (24 bytes)][ciphertext].
func (k *Keyring) Seal(data []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], data, &nonce, &k.key), nil
}

// Open decrypts data produced by Seal.
func (k *Keyring) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errors.New("sealed data too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	opened, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &k.key)
	if !ok {
		return nil, errors.New("decryption failed")
	}
	return opened, nil
}
