package util

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// AppName is the directory created under the user cache dir.
const AppName = "featcache"

// DefaultCachePath returns <UserCacheDir>/featcache/precomputed/<name>_<uuid8>.db.
// The directory is not created.
func DefaultCachePath(name string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("featcache: resolve user cache dir: %w", err)
	}
	suffix := uuid.NewString()[:8]
	return filepath.Join(base, AppName, "precomputed", fmt.Sprintf("%s_%s.db", name, suffix)), nil
}
