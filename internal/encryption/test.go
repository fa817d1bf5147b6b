package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"kiosk-go/internal/kiosk"
)

// testHeader marks data sealed by TestEncryptor.
var testHeader = []byte("KIOSKENC")

// TestEncryptor is a deterministic stand-in for AgeEncryptor. Sealing
// prepends testHeader and opening strips it. Once Setup has run, Unlock only
// accepts the same passphrase.
type TestEncryptor struct {
	passphrase string
	setup      bool
}

var _ kiosk.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a TestEncryptor that accepts any passphrase.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	if e.setup {
		return ErrKeysExist
	}
	e.passphrase = passphrase
	e.setup = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (kiosk.DecryptionContext, error) {
	if e.setup && passphrase != e.passphrase {
		return nil, errors.New("unlocking private key: incorrect passphrase")
	}
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext strips the header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ kiosk.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return errors.New("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
