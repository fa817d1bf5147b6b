package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"kiosk-go/internal/kiosk"
)

// MemoryVault is an in-memory implementation of the EvidenceVault interface.
// It keeps every object in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	objects map[string][]byte
	mu      sync.RWMutex
}

// NewMemoryVault creates a new, empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{objects: make(map[string][]byte)}
}

// Put stores the object read from r under key.
func (m *MemoryVault) Put(_ context.Context, key string, r io.Reader, size int64) error {
	if err := checkKey(key); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}

	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = data
	return nil
}

// Get writes the object stored under key to w.
func (m *MemoryVault) Get(_ context.Context, key string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}

	return nil
}

// Delete removes the object stored under key.
func (m *MemoryVault) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryVault) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(context.Context) error {
	return nil
}

// Compile-time check that MemoryVault implements kiosk.EvidenceVault interface
var _ kiosk.EvidenceVault = (*MemoryVault)(nil)
