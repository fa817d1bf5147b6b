package testutil

import (
	"kiosk-go/internal/evidence"
)

// NewTestVault creates a new in-memory evidence vault for testing.
func NewTestVault() *evidence.MemoryVault {
	return evidence.NewMemoryVault()
}
