package answer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"health-assistant-be/pkg/llm"
	"health-assistant-be/pkg/rag/state"
)

// InsufficientInfo is the canned reply when the knowledge base yielded
// nothing usable. It carries zero references by construction.
const InsufficientInfo = "I could not find enough reliable information in the knowledge base to answer this question. Please rephrase it, or consult a healthcare professional directly."

// Generator produces the final answer from accumulated knowledge. The
// reference block is always rebuilt from the sources actually used; any
// reference section the model writes itself is stripped first, so the
// model can never cite a document that was not retrieved.
type Generator struct {
	provider llm.LLMProvider
	logger   *log.Logger
}

func NewGenerator(provider llm.LLMProvider, logger *log.Logger) *Generator {
	return &Generator{provider: provider, logger: logger}
}

// Generate writes the answer for the current state. When onToken is
// non-nil the model body streams through it; the reference and image
// blocks are appended to the returned text either way. With no usable
// sources the canned insufficient-information reply is returned without
// calling the model.
func (g *Generator) Generate(ctx context.Context, st *state.RequestState, onToken func(string)) (string, error) {
	if len(st.UsedSources) == 0 || strings.TrimSpace(st.Knowledge) == "" {
		if onToken != nil {
			onToken(InsufficientInfo)
		}
		return InsufficientInfo, nil
	}

	history := append([]llm.Message(nil), st.Messages...)
	history = append(history, llm.Message{Role: "user", Content: g.buildPrompt(st)})

	var body string
	var err error
	if onToken != nil {
		body, err = g.provider.ChatStream(ctx, history, onToken, llm.WithTemperature(0.3))
	} else {
		body, err = g.provider.Chat(ctx, history, llm.WithTemperature(0.3))
	}
	if err != nil {
		return "", fmt.Errorf("answer generation: %w", err)
	}

	body = stripModelReferences(strings.TrimSpace(body))
	if body == "" {
		g.logger.Printf("WARN: model returned an empty answer body")
		return InsufficientInfo, nil
	}

	return Finalize(body, st), nil
}

// Finalize attaches the authoritative reference and image blocks to an
// answer body. Also used after refinement, which can lose the blocks.
func Finalize(body string, st *state.RequestState) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(body))

	if refs := ReferenceBlock(st); refs != "" {
		sb.WriteString("\n\n")
		sb.WriteString(refs)
	}
	if images := ImageBlock(st); images != "" {
		sb.WriteString("\n\n")
		sb.WriteString(images)
	}
	return sb.String()
}

// ReferenceBlock lists the documents that actually contributed clues,
// sorted by name. Empty when no sources were used.
func ReferenceBlock(st *state.RequestState) string {
	if len(st.UsedSources) == 0 {
		return ""
	}
	names := make([]string, 0, len(st.UsedSources))
	for name := range st.UsedSources {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("References:")
	for _, name := range names {
		sb.WriteString("\n- ")
		sb.WriteString(name)
	}
	return sb.String()
}

// ImageBlock lists matched table and educational images.
func ImageBlock(st *state.RequestState) string {
	if len(st.MatchedTableImages) == 0 && len(st.MatchedEducationalImages) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Related figures:")
	for _, path := range st.MatchedTableImages {
		sb.WriteString("\n- ")
		sb.WriteString(path)
	}
	for _, path := range st.MatchedEducationalImages {
		sb.WriteString("\n- ")
		sb.WriteString(path)
	}
	return sb.String()
}

func (g *Generator) buildPrompt(st *state.RequestState) string {
	var sb strings.Builder
	sb.WriteString("You are a careful medical knowledge assistant. Answer the question using ONLY the source material below.\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("- Do not invent facts that are not in the material.\n")
	sb.WriteString("- If the material only partially covers the question, answer the covered part and say what is missing.\n")
	sb.WriteString("- Do not write a reference list; it is added separately.\n")
	sb.WriteString("- Answer in the language of the question.\n\n")

	if len(st.LongTermContext) > 0 {
		sb.WriteString("What you remember about this user:\n")
		for _, fragment := range st.LongTermContext {
			sb.WriteString("- ")
			sb.WriteString(fragment)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Source material:\n")
	sb.WriteString(st.Knowledge)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Question: %s", st.MainQuestion)
	return sb.String()
}

// stripModelReferences drops a trailing reference section the model wrote
// despite instructions.
func stripModelReferences(body string) string {
	lower := strings.ToLower(body)
	for _, marker := range []string{"\nreferences:", "\nreferences\n", "\nsources:", "\nbibliography:"} {
		if idx := strings.LastIndex(lower, marker); idx != -1 {
			// Only strip when it is genuinely a trailing section.
			if len(body)-idx < len(body)/2 || len(body)-idx < 400 {
				return strings.TrimSpace(body[:idx])
			}
		}
	}
	return body
}
