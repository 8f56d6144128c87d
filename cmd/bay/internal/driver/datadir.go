package driver

import (
	"fmt"
	"os"
	"path/filepath"
)

// Ship containers run with arbitrary UIDs, so the data dirs are world
// writable.
const dataDirMode = 0o777

// ensureShipDirs creates the per-ship host directories mounted into the
// container and returns the home and metadata paths.
func ensureShipDirs(baseDir, shipID string) (home, metadata string, err error) {
	home = filepath.Join(baseDir, shipID, "home")
	metadata = filepath.Join(baseDir, shipID, "metadata")
	for _, dir := range []string{home, metadata} {
		if err := os.MkdirAll(dir, dataDirMode); err != nil {
			return "", "", fmt.Errorf("creating ship data dir %s: %w", dir, err)
		}
		// MkdirAll applies umask; force the mode.
		if err := os.Chmod(dir, dataDirMode); err != nil {
			return "", "", fmt.Errorf("setting mode on %s: %w", dir, err)
		}
	}
	return home, metadata, nil
}

// hostDataExists reports whether the ship's home directory survives on disk.
func hostDataExists(baseDir, shipID string) bool {
	info, err := os.Stat(filepath.Join(baseDir, shipID, "home"))
	return err == nil && info.IsDir()
}
