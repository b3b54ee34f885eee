package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance id from dataDir, or creates
// and persists a new UUIDv7. It keeps client ids and status documents
// stable across restarts.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return id.String(), nil
}
