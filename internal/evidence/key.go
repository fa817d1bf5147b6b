// Package evidence stores captured frames and database snapshots.
package evidence

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get when no object is stored under the key.
var ErrNotFound = errors.New("evidence not found")

// checkKey accepts slash-separated relative keys without dot segments, so a
// key can never name a path outside the vault.
func checkKey(key string) error {
	if key == "" {
		return errors.New("evidence key must not be empty")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) || path.Clean(key) != key {
		return fmt.Errorf("invalid evidence key: %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("invalid evidence key: %q", key)
		}
	}
	return nil
}
