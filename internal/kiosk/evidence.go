package kiosk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Evidence kinds, used as the first key segment.
const (
	EvidenceActivity   = "activity"
	EvidenceEnrollment = "enrollment"
)

// sealedSuffix marks evidence keys whose objects are encrypted.
const sealedSuffix = ".age"

// ErrNoVault is returned by evidence operations when no vault is configured.
var ErrNoVault = errors.New("no evidence vault configured")

// IsSealed reports whether the object under key is encrypted.
func IsSealed(key string) bool {
	return strings.HasSuffix(key, sealedSuffix)
}

// StoreEvidence persists a captured frame and returns its key. The frame is
// sealed with the encryptor when one is configured.
func (s *KioskService) StoreEvidence(ctx context.Context, kind string, data []byte) (string, error) {
	if s.evidence == nil {
		return "", ErrNoVault
	}
	switch kind {
	case EvidenceActivity, EvidenceEnrollment:
	default:
		return "", fmt.Errorf("unknown evidence kind: %s", kind)
	}

	key := fmt.Sprintf("%s/%s/%s.png", kind, s.clock.Now().Format("2006-01-02"), s.idgen.New())

	payload := data
	if s.encryptor != nil {
		var sealed bytes.Buffer
		if err := s.encryptor.Encrypt(bytes.NewReader(data), &sealed); err != nil {
			return "", fmt.Errorf("sealing evidence: %w", err)
		}
		payload = sealed.Bytes()
		key += sealedSuffix
	}

	if err := s.evidence.Put(ctx, key, bytes.NewReader(payload), int64(len(payload))); err != nil {
		return "", fmt.Errorf("storing evidence: %w", err)
	}

	s.logger.Debug("evidence stored", "key", key, "size", len(payload))
	return key, nil
}

// OpenEvidence writes the frame stored under key to w. decryptCtx is required
// for sealed evidence; pass nil for evidence stored in the clear.
func (s *KioskService) OpenEvidence(ctx context.Context, key string, decryptCtx DecryptionContext, w io.Writer) error {
	if s.evidence == nil {
		return ErrNoVault
	}
	if !IsSealed(key) {
		if err := s.evidence.Get(ctx, key, w); err != nil {
			return fmt.Errorf("reading evidence: %w", err)
		}
		return nil
	}

	if decryptCtx == nil {
		return fmt.Errorf("evidence %s is sealed: unlock the private key first", key)
	}
	var sealed bytes.Buffer
	if err := s.evidence.Get(ctx, key, &sealed); err != nil {
		return fmt.Errorf("reading evidence: %w", err)
	}
	if err := decryptCtx.Decrypt(&sealed, w); err != nil {
		return fmt.Errorf("unsealing evidence: %w", err)
	}
	return nil
}

// dropEvidence deletes an object that is no longer referenced. Failures are
// logged and otherwise ignored; an orphaned frame is harmless.
func (s *KioskService) dropEvidence(ctx context.Context, key string) {
	if key == "" || s.evidence == nil {
		return
	}
	if err := s.evidence.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to delete evidence", "key", key, "error", err)
	}
}
