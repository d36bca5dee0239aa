package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// The instance ID keeps client IDs stable across restarts, so a broker
// holding session state for this bridge recognises it.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}

// ClientID derives a per-worker MQTT client ID of the form
// <prefix>-<first 8 chars of instanceID>-<worker>. Two workers of one
// bridge must never share an ID or the broker will disconnect one of
// them on every connect.
func ClientID(prefix, instanceID, worker string) string {
	short := strings.ReplaceAll(instanceID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, short, worker} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}
