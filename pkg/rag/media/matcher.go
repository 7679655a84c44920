package media

import (
	"log"
	"strings"
	"unicode"

	"health-assistant-be/pkg/vector"
)

// Match is one image attached to a document, with how it was found.
// Source is "metadata" for explicit chunk annotations (similarity 1.0)
// or "matching" for fuzzy table-text matches against the snapshot corpus.
type Match struct {
	Path       string
	Similarity float64
	Source     string
}

// Snapshot pairs a rendered table image with the text the table was
// extracted from, for fuzzy matching when chunk metadata is missing.
type Snapshot struct {
	ImagePath string
	Text      string
}

// Matcher resolves table and educational images for retrieved documents.
type Matcher struct {
	snapshots []Snapshot
	threshold float64
	logger    *log.Logger
}

func NewMatcher(snapshots []Snapshot, threshold float64, logger *log.Logger) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.75
	}
	return &Matcher{
		snapshots: snapshots,
		threshold: threshold,
		logger:    logger,
	}
}

// MatchTables finds table images for one document. Metadata annotations
// win outright; only when the chunk carries none does the matcher fall
// back to comparing the chunk's table fragments against the snapshot
// corpus. Results are deduplicated by path.
func (m *Matcher) MatchTables(doc vector.Document) []Match {
	if paths := splitPaths(doc.Metadata["table_images"]); len(paths) > 0 {
		return fromMetadata(paths)
	}

	fragments := tableFragments(doc.Content)
	if len(fragments) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var out []Match
	for _, frag := range fragments {
		normFrag := normalizeTableText(frag)
		if normFrag == "" {
			continue
		}
		for _, snap := range m.snapshots {
			if seen[snap.ImagePath] {
				continue
			}
			ratio := similarityRatio(normFrag, normalizeTableText(snap.Text))
			if ratio >= m.threshold {
				seen[snap.ImagePath] = true
				out = append(out, Match{Path: snap.ImagePath, Similarity: ratio, Source: "matching"})
				m.logger.Printf("DEBUG: table fragment in %s matched %s (ratio %.2f)", doc.Name, snap.ImagePath, ratio)
			}
		}
	}
	return out
}

// MatchEducational returns the document's annotated educational images.
// There is no fuzzy tier for these; without metadata there is nothing to
// match against.
func (m *Matcher) MatchEducational(doc vector.Document) []Match {
	return fromMetadata(splitPaths(doc.Metadata["edu_images"]))
}

func fromMetadata(paths []string) []Match {
	seen := make(map[string]bool, len(paths))
	var out []Match
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, Match{Path: p, Similarity: 1.0, Source: "metadata"})
	}
	return out
}

func splitPaths(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// tableFragments pulls contiguous pipe-table or grid-table blocks out of
// markdown-ish content.
func tableFragments(content string) []string {
	var fragments []string
	var current []string

	flush := func() {
		if len(current) >= 2 {
			fragments = append(fragments, strings.Join(current, "\n"))
		}
		current = nil
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if isTableRow(trimmed) {
			current = append(current, trimmed)
			continue
		}
		flush()
	}
	flush()
	return fragments
}

func isTableRow(line string) bool {
	if strings.HasPrefix(line, "|") && strings.Count(line, "|") >= 2 {
		return true
	}
	// Grid-table border rows like "+----+----+".
	if strings.HasPrefix(line, "+") && strings.Count(line, "+") >= 2 && strings.Count(line, "-") >= 2 {
		return true
	}
	return false
}

// normalizeTableText strips table punctuation and whitespace noise so two
// renderings of the same table compare equal-ish.
func normalizeTableText(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r) || r == '|' || r == '+' || r == '-' || r == ':':
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// similarityRatio is a Sorensen-Dice coefficient over word tokens, in
// [0, 1]. Token multiplicity counts, so repeated cells still weigh in.
func similarityRatio(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	counts := make(map[string]int, len(ta))
	for _, tok := range ta {
		counts[tok]++
	}
	common := 0
	for _, tok := range tb {
		if counts[tok] > 0 {
			counts[tok]--
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}
