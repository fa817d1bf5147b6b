package evidence

import (
	"context"
	"fmt"

	"kiosk-go/internal/config"
	"kiosk-go/internal/kiosk"
)

// NewVaultFromConfig creates an EvidenceVault implementation based on the evidence config type.
func NewVaultFromConfig(ctx context.Context, cfg config.EvidenceConfig) (kiosk.EvidenceVault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(), nil
	case "s3":
		return NewS3VaultFromConfig(ctx, cfg)
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem evidence vault requires root to be set")
		}
		return NewFileSystemVault(cfg.Root)
	default:
		return nil, fmt.Errorf("unknown evidence vault type: %s", cfg.Type)
	}
}
