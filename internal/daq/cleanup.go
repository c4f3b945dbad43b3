package daq

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// scratchGlobs name this daemon's own transient artifacts. Only our
// prefix is scrubbed; these directories hold other processes' files.
var scratchGlobs = []string{
	"/tmp/mesh-daq-*",
	"/dev/shm/mesh-daq-*",
}

// cleanupScratch is a best-effort sweep run at shutdown.
func cleanupScratch(log *zap.Logger) {
	for _, pattern := range scratchGlobs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				log.Debug("scratch cleanup failed",
					zap.String("path", m), zap.Error(err))
			}
		}
	}
}
