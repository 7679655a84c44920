package media

import (
	"os"
	"path/filepath"
	"testing"

	"health-assistant-be/pkg/vector"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSnapshots(t *testing.T) {
	path := writeManifest(t, `[
		{"image_path": "tables/vaccine-schedule.png", "text": "| Vaccine | Dose |\n| HepB | 0.5ml |"},
		{"image_path": "", "text": "orphaned text"},
		{"image_path": "tables/empty.png", "text": "  "}
	]`)

	snaps, err := LoadSnapshots(path)
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1 (incomplete entries skipped)", len(snaps))
	}
	if snaps[0].ImagePath != "tables/vaccine-schedule.png" {
		t.Errorf("ImagePath = %q", snaps[0].ImagePath)
	}
}

func TestLoadSnapshotsMissingFile(t *testing.T) {
	if _, err := LoadSnapshots(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("want error for missing manifest")
	}
}

func TestLoadSnapshotsBadJSON(t *testing.T) {
	path := writeManifest(t, `{"not": "an array"`)
	if _, err := LoadSnapshots(path); err == nil {
		t.Error("want error for malformed manifest")
	}
}

func TestLoadedSnapshotsDriveFuzzyMatching(t *testing.T) {
	path := writeManifest(t, `[
		{"image_path": "tables/vaccine-schedule.png", "text": "| Vaccine | Dose | Schedule |\n| HepB | 0.5ml | birth, 1mo, 6mo |\n| MMR | 0.5ml | 12mo, 4yr |"}
	]`)
	snaps, err := LoadSnapshots(path)
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}

	m := newTestMatcher(snaps)
	doc := vector.Document{Name: "vaccines.md", Content: sampleTable}
	matches := m.MatchTables(doc)
	if len(matches) != 1 || matches[0].Path != "tables/vaccine-schedule.png" {
		t.Errorf("matches = %+v, want the loaded snapshot matched", matches)
	}
}
