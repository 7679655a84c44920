package clue

import (
	"strings"
	"testing"
)

func TestMergeContentDeduplicatesQAPairs(t *testing.T) {
	a := Render(&Clue{QAPairs: []QAPair{
		{Question: "Q1", Answer: "A1"},
		{Question: "Q2", Answer: "A2"},
	}})
	b := Render(&Clue{QAPairs: []QAPair{
		{Question: "Q1", Answer: "A1"},
		{Question: "Q3", Answer: "A3"},
	}})

	merged := MergeContent(a, b)
	qas, _ := parseBlocks(merged)
	if len(qas) != 3 {
		t.Fatalf("merged QA pairs = %d, want exactly 3", len(qas))
	}
	want := []QAPair{{"Q1", "A1"}, {"Q2", "A2"}, {"Q3", "A3"}}
	for i, qa := range want {
		if qas[i] != qa {
			t.Errorf("qa[%d] = %+v, want %+v", i, qas[i], qa)
		}
	}
}

func TestMergeContentSameQuestionDifferentAnswerKeepsBoth(t *testing.T) {
	a := Render(&Clue{QAPairs: []QAPair{{Question: "Q1", Answer: "A1"}}})
	b := Render(&Clue{QAPairs: []QAPair{{Question: "Q1", Answer: "A1-revised"}}})

	qas, _ := parseBlocks(MergeContent(a, b))
	if len(qas) != 2 {
		t.Errorf("QA pairs = %d, want 2 (dedup is by exact pair, not question)", len(qas))
	}
}

func TestMergeContentParagraphSignature(t *testing.T) {
	base := strings.Repeat("hepatitis B is transmitted through blood ", 3)
	// Same first 50 runes after whitespace normalization, different tail.
	a := Render(&Clue{Paragraphs: []string{base + "and perinatal exposure."}})
	b := Render(&Clue{Paragraphs: []string{"  " + base + "  and sexual contact."}})

	_, paras := parseBlocks(MergeContent(a, b))
	if len(paras) != 1 {
		t.Errorf("paragraphs = %d, want 1 (collapsed by 50-rune signature)", len(paras))
	}
}

func TestMergeContentQABeforeParagraphs(t *testing.T) {
	a := Render(&Clue{Paragraphs: []string{"some background paragraph"}})
	b := Render(&Clue{QAPairs: []QAPair{{Question: "Q1", Answer: "A1"}}})

	merged := MergeContent(a, b)
	if !strings.HasPrefix(merged, "Q: Q1") {
		t.Errorf("QA pairs must precede paragraphs, got:\n%s", merged)
	}
}

func TestMergeContentIdempotent(t *testing.T) {
	block := Render(&Clue{
		QAPairs:    []QAPair{{Question: "Q1", Answer: "A1"}},
		Paragraphs: []string{"a relevant paragraph"},
	})
	if got := MergeContent(block, block); got != block {
		t.Errorf("self-merge changed content:\n%s\nvs\n%s", got, block)
	}
}

func TestMergeContentDropsCitationsAndCaptions(t *testing.T) {
	a := "relevant finding about transmission"
	b := "[12] Smith J. Viral hepatitis. (2019)\n\nFigure 3: transmission routes\n\nanother relevant paragraph"

	merged := MergeContent(a, b)
	if strings.Contains(merged, "[12]") || strings.Contains(merged, "Figure 3") {
		t.Errorf("citations or captions leaked into merge:\n%s", merged)
	}
	_, paras := parseBlocks(merged)
	if len(paras) != 2 {
		t.Errorf("paragraphs = %d, want 2", len(paras))
	}
}
