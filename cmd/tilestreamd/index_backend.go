package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tilestream.ai/internal/persistence/indexdb"
)

// openRuntimeIndex returns nil when indexing is off; the index methods
// accept a nil receiver.
func openRuntimeIndex(dataDir string, disableDB bool) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "tilestream.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported TS_INDEX_BACKEND: %s", backend)
	}
}
