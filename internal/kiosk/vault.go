package kiosk

import (
	"context"
	"io"
)

// EvidenceVault provides an interface for evidence storage backends.
// Objects are captured frames and database snapshots addressed by opaque keys;
// only keys cross into the identity store.
type EvidenceVault interface {
	// Put stores size bytes read from r under key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get writes the object stored under key to w.
	Get(ctx context.Context, key string, w io.Writer) error

	// Delete removes the object stored under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}
