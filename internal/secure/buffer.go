// Package secure keeps secret values encrypted in memory (memguard
// enclaves) until the moment a child process needs them.
package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Buffer holds one secret. The zero value is an empty secret.
type Buffer struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// NewBuffer seals data into an enclave. data is wiped.
func NewBuffer(data []byte) *Buffer {
	b := &Buffer{}
	if len(data) > 0 {
		b.enclave = memguard.NewEnclave(data)
	}
	return b
}

// FromString seals s.
func FromString(s string) *Buffer {
	return NewBuffer([]byte(s))
}

// Reveal decrypts the secret into locked memory for the duration of fn.
// fn must not retain the slice. A destroyed buffer reveals nothing.
func (b *Buffer) Reveal(fn func([]byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed || b.enclave == nil {
		return fn(nil)
	}
	locked, err := b.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()
	return fn(locked.Bytes())
}

// String reveals the secret as a Go string, which lives in ordinary memory.
func (b *Buffer) String() (string, error) {
	var s string
	err := b.Reveal(func(p []byte) error {
		s = string(p)
		return nil
	})
	return s, err
}

// Len reports the secret length without revealing it.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.destroyed || b.enclave == nil {
		return 0
	}
	return b.enclave.Size()
}

// Destroy drops the enclave. It is idempotent.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enclave = nil
	b.destroyed = true
}

// DestroyAll destroys every buffer in m.
func DestroyAll(m map[string]*Buffer) {
	for _, b := range m {
		b.Destroy()
	}
}
