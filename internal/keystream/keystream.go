// Package keystream implements the xor layers that keep virtualized
// instructions opaque: a repeating 32 byte key for packed instructions at
// rest, and a single byte key derived from the offset of a call site frame.
package keystream

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"
)

const KeySize = 32

var ErrEmptyKey = errors.New("keystream: empty key")

// Apply xors data in place with the repeating key. The transform is its own
// inverse.
func Apply(data, key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	for i := range data {
		data[i] ^= key[i%len(key)]
	}
	return nil
}

// Obfuscate returns an obfuscated copy of data
func Obfuscate(data, key []byte) ([]byte, error) {
	out := append([]byte(nil), data...)
	if err := Apply(out, key); err != nil {
		return nil, err
	}
	return out, nil
}

// Deobfuscate returns the plain copy of data
func Deobfuscate(data, key []byte) ([]byte, error) {
	return Obfuscate(data, key)
}

// SiteKey single byte key of the frame starting at index in a call site buffer
func SiteKey(index int) byte {
	return byte(index)
}

// ApplySite xors data in place with the key of the frame at index
func ApplySite(data []byte, index int) {
	k := SiteKey(index)
	for i := range data {
		data[i] ^= k
	}
}

// Generator produces keys from a ChaCha20 keystream
type Generator struct {
	mu     sync.Mutex
	cipher *chacha20.Cipher
}

// NewGenerator returns a generator with a deterministic stream for seed
func NewGenerator(seed [chacha20.KeySize]byte) (*Generator, error) {
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, fmt.Errorf("keystream: %w", err)
	}
	return &Generator{cipher: c}, nil
}

// NewRandomGenerator seeds a generator from the operating system
func NewRandomGenerator() (*Generator, error) {
	var seed [chacha20.KeySize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("keystream: seed: %w", err)
	}
	return NewGenerator(seed)
}

// Key returns the next KeySize bytes of the stream
func (g *Generator) Key() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := make([]byte, KeySize)
	g.cipher.XORKeyStream(key, key)
	return key
}

var (
	defaultOnce sync.Once
	defaultGen  *Generator
	defaultErr  error
)

// NewKey draws a key from the process wide random generator
func NewKey() ([]byte, error) {
	defaultOnce.Do(func() {
		defaultGen, defaultErr = NewRandomGenerator()
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	return defaultGen.Key(), nil
}
