package imageio

import (
	"encoding/json"
	"fmt"
	"os"
)

// ManifestEntry represents one written image.
type ManifestEntry struct {
	Name  string  `json:"name"`
	Image string  `json:"image"`
	Step  int     `json:"step,omitempty"`
	Loss  float64 `json:"loss,omitempty"`
}

// WriteManifest writes the entries as indented JSON to path.
func WriteManifest(path string, entries []ManifestEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("imageio: marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("imageio: write %s: %w", path, err)
	}
	return nil
}
