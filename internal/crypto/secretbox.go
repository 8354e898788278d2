package crypto

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Seal encrypts data using NaCl SecretBox (XSalsa20-Poly1305).
// Format: [nonce (24 bytes)][encrypted data + auth tag]
//
// []byte and json.RawMessage are sealed as-is, anything else is JSON encoded
// first.
func Seal(data interface{}, secret *[32]byte) ([]byte, error) {
	var plaintext []byte
	switch v := data.(type) {
	case json.RawMessage:
		plaintext = []byte(v)
	case []byte:
		plaintext = v
	default:
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		plaintext = encoded
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to the nonce slice so the result is nonce||box.
	return secretbox.Seal(nonce[:], plaintext, &nonce, secret), nil
}

// Open decrypts a box produced by Seal and returns the raw plaintext.
func Open(sealed []byte, secret *[32]byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("encrypted data too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, secret)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return plain, nil
}

// OpenJSON decrypts a box produced by Seal and unmarshals it into target.
func OpenJSON(sealed []byte, secret *[32]byte, target interface{}) error {
	plain, err := Open(sealed, secret)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, target); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return nil
}

// KeyFromBytes copies a 32-byte key into the array form secretbox expects.
func KeyFromBytes(key []byte) (*[32]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length: %d (expected 32)", len(key))
	}
	var out [32]byte
	copy(out[:], key)
	return &out, nil
}
