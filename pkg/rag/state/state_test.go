package state

import (
	"testing"
)

func TestMergeSourceFirstInsertCopies(t *testing.T) {
	s := NewRequestState("u1", "s1", "question")
	rec := &SourceRecord{Content: "body", Score: 0.8, TableImages: []string{"t1.png"}}

	s.MergeSource("doc.md", rec, nil)

	rec.TableImages[0] = "mutated.png"
	if got := s.UsedSources["doc.md"].TableImages[0]; got != "t1.png" {
		t.Errorf("stored record shares backing array with caller: %q", got)
	}
}

func TestMergeSourceKeepsMinScoreAndOrsTable(t *testing.T) {
	s := NewRequestState("u1", "s1", "question")

	s.MergeSource("doc.md", &SourceRecord{Content: "a", Score: 0.9}, nil)
	s.MergeSource("doc.md", &SourceRecord{Content: "b", Score: 0.4, HasTable: true, TableImages: []string{"t.png"}}, func(existing, incoming string) string {
		return existing + "\n" + incoming
	})

	rec := s.UsedSources["doc.md"]
	if rec.Score != 0.4 {
		t.Errorf("Score = %v, want min 0.4", rec.Score)
	}
	if !rec.HasTable {
		t.Error("HasTable should be true after merge")
	}
	if rec.Content != "a\nb" {
		t.Errorf("Content = %q", rec.Content)
	}
	if len(rec.TableImages) != 1 || rec.TableImages[0] != "t.png" {
		t.Errorf("TableImages = %v", rec.TableImages)
	}
}

func TestMergeSourceIdempotentWithDedupCombine(t *testing.T) {
	s := NewRequestState("u1", "s1", "question")
	combine := func(existing, incoming string) string {
		if existing == incoming {
			return existing
		}
		return existing + "\n" + incoming
	}

	rec := &SourceRecord{Content: "same body", Score: 0.5, HasTable: true, TableImages: []string{"x.png"}}
	s.MergeSource("doc.md", rec, combine)
	s.MergeSource("doc.md", rec, combine)

	got := s.UsedSources["doc.md"]
	if got.Content != "same body" {
		t.Errorf("Content grew on repeated merge: %q", got.Content)
	}
	if len(got.TableImages) != 1 {
		t.Errorf("TableImages duplicated: %v", got.TableImages)
	}
}

func TestExhaustedCeilings(t *testing.T) {
	limits := Limits{MaxIterations: 5, MaxRetrievals: 2, MaxRetries: 1}

	cases := []struct {
		name string
		mut  func(*RequestState)
		want bool
	}{
		{"fresh", func(s *RequestState) {}, false},
		{"iterations at ceiling", func(s *RequestState) { s.IterationCount = 5 }, true},
		{"retrievals over ceiling", func(s *RequestState) { s.KnowledgeRetrievalCount = 3 }, true},
		{"retrievals at ceiling", func(s *RequestState) { s.KnowledgeRetrievalCount = 2 }, false},
		{"retries over ceiling", func(s *RequestState) { s.RetryCount = 2 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewRequestState("u", "s", "q")
			tc.mut(s)
			if got := s.Exhausted(limits); got != tc.want {
				t.Errorf("Exhausted() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAddImagesDeduplicates(t *testing.T) {
	s := NewRequestState("u", "s", "q")
	s.AddTableImages("a.png", "b.png")
	s.AddTableImages("b.png", "", "c.png")

	if len(s.MatchedTableImages) != 3 {
		t.Errorf("MatchedTableImages = %v, want 3 unique entries", s.MatchedTableImages)
	}
}
