package media

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadSnapshots reads a table snapshot manifest: a JSON array of
// {"image_path": ..., "text": ...} entries, produced by the ingestion
// pipeline alongside the rendered table images. Entries missing either
// field are skipped.
func LoadSnapshots(path string) ([]Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot manifest: %w", err)
	}

	var entries []struct {
		ImagePath string `json:"image_path"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse snapshot manifest: %w", err)
	}

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.ImagePath) == "" || strings.TrimSpace(e.Text) == "" {
			continue
		}
		out = append(out, Snapshot{ImagePath: e.ImagePath, Text: e.Text})
	}
	return out, nil
}
