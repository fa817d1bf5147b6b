package testutil

import (
	"kiosk-go/internal/encryption"
	"kiosk-go/internal/kiosk"
)

// NewTestEncryptor creates a deterministic encryptor for testing.
func NewTestEncryptor() kiosk.Encryptor {
	return encryption.NewTestEncryptor()
}
