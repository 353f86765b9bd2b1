package unit

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrUnsealFailed is returned when a sealed blob was tampered with or sealed
// under a different key.
var ErrUnsealFailed = errors.New("credentials: unseal failed")

// Sealer encrypts credentials at rest with NaCl secretbox.
type Sealer struct {
	key [32]byte
}

func NewSealer(key [32]byte) *Sealer {
	return &Sealer{key: key}
}

// Seal encrypts creds with a fresh random nonce prepended to the box.
func (s *Sealer) Seal(creds Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(sealed []byte) (Credentials, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrUnsealFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrUnsealFailed
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}
