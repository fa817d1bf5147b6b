package encryption

import (
	"bytes"
	"errors"
	"testing"

	"kiosk-go/internal/config"
)

func TestTestEncryptor_EncryptDecrypt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "binary data", input: []byte{0x00, 0xff, 0x01, 0xfe}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := NewTestEncryptor()
			var sealed bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &sealed); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !bytes.HasPrefix(sealed.Bytes(), testHeader) {
				t.Error("sealed output does not start with test header")
			}

			dc, err := e.Unlock("any-passphrase")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var opened bytes.Buffer
			if err := dc.Decrypt(&sealed, &opened); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(opened.Bytes(), tt.input) {
				t.Errorf("round trip: got %q, want %q", opened.Bytes(), tt.input)
			}
		})
	}
}

func TestTestEncryptor_SetupPinsPassphrase(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	if err := e.Setup("secret"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := e.Unlock("secret"); err != nil {
		t.Errorf("Unlock(secret) error = %v", err)
	}
	if _, err := e.Unlock("other"); err == nil {
		t.Error("Unlock(other) should return error after Setup")
	}
	if err := e.Setup("again"); !errors.Is(err, ErrKeysExist) {
		t.Errorf("second Setup() error = %v, want ErrKeysExist", err)
	}
}

func TestTestDecryptionContext_BadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "wrong header", input: []byte("NOT_VALID_HEADER_data")},
		{name: "truncated header", input: []byte("KIO")},
		{name: "empty", input: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dc := &TestDecryptionContext{}
			if err := dc.Decrypt(bytes.NewReader(tt.input), &bytes.Buffer{}); err == nil {
				t.Error("Decrypt() should return error")
			}
		})
	}
}

func TestNewEncryptorFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     string
		pub     string
		priv    string
		wantErr bool
	}{
		{name: "age", typ: "age", pub: "k.pub", priv: "k.key"},
		{name: "default is age", typ: "", pub: "k.pub", priv: "k.key"},
		{name: "age without paths", typ: "age", wantErr: true},
		{name: "test", typ: "test"},
		{name: "unknown", typ: "rot13", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := configFor(tt.typ, tt.pub, tt.priv)
			e, err := NewEncryptorFromConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptorFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && e == nil {
				t.Error("NewEncryptorFromConfig() returned nil")
			}
		})
	}
}

func configFor(typ, pub, priv string) config.EncryptionConfig {
	return config.EncryptionConfig{Type: typ, PublicKeyPath: pub, PrivateKeyPath: priv}
}
