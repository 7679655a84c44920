package answer

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"

	"health-assistant-be/pkg/llm/llmtest"
	"health-assistant-be/pkg/rag/state"
)

func stateWithSources() *state.RequestState {
	st := state.NewRequestState("u1", "s1", "how is hepatitis B transmitted")
	st.Knowledge = "### Source: hep-b.md\nTransmission is through blood and perinatal exposure."
	st.UsedSources["hep-b.md"] = &state.SourceRecord{Content: "clue text", Score: 0.9}
	st.UsedSources["hep-b-faq.md"] = &state.SourceRecord{Content: "more clue text", Score: 0.8}
	return st
}

func TestGenerateAppendsAuthoritativeReferences(t *testing.T) {
	g := NewGenerator(&llmtest.ConstProvider{Reply: "Transmission happens through blood contact."}, log.New(io.Discard, "", 0))
	st := stateWithSources()

	out, err := g.Generate(context.Background(), st, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(out, "References:\n- hep-b-faq.md\n- hep-b.md") {
		t.Errorf("missing sorted reference block:\n%s", out)
	}
}

func TestGenerateStripsModelWrittenReferences(t *testing.T) {
	reply := "Transmission happens through blood contact.\n\nReferences:\n- made-up-document.md"
	g := NewGenerator(&llmtest.ConstProvider{Reply: reply}, log.New(io.Discard, "", 0))
	st := stateWithSources()

	out, err := g.Generate(context.Background(), st, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.Contains(out, "made-up-document.md") {
		t.Errorf("fabricated citation survived:\n%s", out)
	}
	if !strings.Contains(out, "- hep-b.md") {
		t.Errorf("authoritative references missing:\n%s", out)
	}
}

func TestGenerateNoSourcesCannedReply(t *testing.T) {
	provider := llmtest.NewScriptedProvider() // must not be called
	g := NewGenerator(provider, log.New(io.Discard, "", 0))
	st := state.NewRequestState("u1", "s1", "question")

	out, err := g.Generate(context.Background(), st, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != InsufficientInfo {
		t.Errorf("out = %q, want canned insufficient-information reply", out)
	}
	if strings.Contains(out, "References:") {
		t.Error("canned reply must carry zero references")
	}
	if provider.Calls() != 0 {
		t.Errorf("model called %d times, want 0", provider.Calls())
	}
}

func TestGenerateStreamsBody(t *testing.T) {
	g := NewGenerator(&llmtest.ConstProvider{Reply: "streamed body"}, log.New(io.Discard, "", 0))
	st := stateWithSources()

	var streamed strings.Builder
	out, err := g.Generate(context.Background(), st, func(tok string) { streamed.WriteString(tok) })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if streamed.String() != "streamed body" {
		t.Errorf("streamed = %q", streamed.String())
	}
	if !strings.HasPrefix(out, "streamed body") || !strings.Contains(out, "References:") {
		t.Errorf("final text must be body plus references:\n%s", out)
	}
}

func TestImageBlockOrdering(t *testing.T) {
	st := stateWithSources()
	st.AddTableImages("tables/dosage.png")
	st.AddEducationalImages("edu/handwash.png")

	block := ImageBlock(st)
	tableIdx := strings.Index(block, "tables/dosage.png")
	eduIdx := strings.Index(block, "edu/handwash.png")
	if tableIdx == -1 || eduIdx == -1 || tableIdx > eduIdx {
		t.Errorf("image block wrong:\n%s", block)
	}
}

func TestFinalizeReattachesBlocks(t *testing.T) {
	st := stateWithSources()
	st.AddTableImages("tables/x.png")

	out := Finalize("refined body", st)
	if !strings.Contains(out, "References:") || !strings.Contains(out, "tables/x.png") {
		t.Errorf("Finalize dropped blocks:\n%s", out)
	}
}
