package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"health-assistant-be/pkg/llm"
	"health-assistant-be/pkg/rag/answer"
	"health-assistant-be/pkg/rag/state"
)

// Verdict is the validation outcome for one generated answer.
type Verdict struct {
	Result    state.ValidationResult
	Reasoning string
	// MissingInfo carries the follow-up search query when the result is
	// need_more_knowledge.
	MissingInfo string
	// FollowUps are suggested next questions surfaced to the user on pass.
	FollowUps []string
}

// Validator judges whether a generated answer actually answers the
// question, and can refine an answer in place from its own critique.
type Validator struct {
	provider llm.LLMProvider
	logger   *log.Logger
}

func NewValidator(provider llm.LLMProvider, logger *log.Logger) *Validator {
	return &Validator{provider: provider, logger: logger}
}

// Validate scores the current answer. Close to the iteration ceiling it
// fast-accepts without a model call so the request terminates inside its
// step budget. A validator failure also accepts: a lost validation must
// never block an answer that was already produced.
func (v *Validator) Validate(ctx context.Context, st *state.RequestState, limits state.Limits) *Verdict {
	if st.NearIterationCeiling(limits) {
		return &Verdict{Result: state.ValidationPass, Reasoning: "accepted near step ceiling"}
	}

	raw, err := v.provider.Generate(ctx, v.buildPrompt(st), llm.WithTemperature(0.0), llm.WithJSONMode())
	if err != nil {
		v.logger.Printf("WARN: validation call failed, accepting answer: %v", err)
		return &Verdict{Result: state.ValidationPass, Reasoning: "validator unavailable"}
	}

	var parsed struct {
		Result      string   `json:"result"`
		Reasoning   string   `json:"reasoning"`
		MissingInfo string   `json:"missing_info"`
		FollowUps   []string `json:"follow_ups"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		v.logger.Printf("WARN: validation parse failed, accepting answer: %v", err)
		return &Verdict{Result: state.ValidationPass, Reasoning: "validator output unparseable"}
	}

	verdict := &Verdict{
		Reasoning:   parsed.Reasoning,
		MissingInfo: strings.TrimSpace(parsed.MissingInfo),
		FollowUps:   cleanFollowUps(parsed.FollowUps),
	}
	switch strings.TrimSpace(strings.ToLower(parsed.Result)) {
	case "regenerate":
		verdict.Result = state.ValidationRegenerate
	case "need_more_knowledge":
		verdict.Result = state.ValidationNeedMoreKnowledge
		if verdict.MissingInfo == "" {
			// Nothing actionable to search for; accept instead of looping.
			verdict.Result = state.ValidationPass
		}
	case "out_of_scope":
		verdict.Result = state.ValidationOutOfScope
	default:
		verdict.Result = state.ValidationPass
	}
	return verdict
}

// Refine rewrites the answer according to the validator's critique and
// re-attaches the authoritative reference and image blocks, which a
// rewrite tends to drop. Failures keep the original answer.
func (v *Validator) Refine(ctx context.Context, st *state.RequestState, critique string) string {
	var sb strings.Builder
	sb.WriteString("Improve the answer below according to the critique. Keep every fact; fix only what the critique names. Do not add a reference list.\n\n")
	fmt.Fprintf(&sb, "Question: %s\n\n", st.MainQuestion)
	fmt.Fprintf(&sb, "Critique: %s\n\n", critique)
	fmt.Fprintf(&sb, "Answer:\n%s", st.Answer)

	out, err := v.provider.Generate(ctx, sb.String(), llm.WithTemperature(0.2))
	if err != nil || strings.TrimSpace(out) == "" {
		v.logger.Printf("WARN: answer refinement failed, keeping original: %v", err)
		return st.Answer
	}
	return answer.Finalize(strings.TrimSpace(out), st)
}

func (v *Validator) buildPrompt(st *state.RequestState) string {
	var sb strings.Builder
	sb.WriteString("You are reviewing an assistant's answer against the source material it was built from.\n")
	sb.WriteString("Pick exactly one result:\n")
	sb.WriteString("- \"pass\": the answer is faithful to the material and addresses the question\n")
	sb.WriteString("- \"regenerate\": the material covers the question but the answer misuses it\n")
	sb.WriteString("- \"need_more_knowledge\": the material itself is insufficient; set missing_info to the single most useful search query\n")
	sb.WriteString("- \"out_of_scope\": the question cannot be answered from this knowledge base at all\n\n")

	fmt.Fprintf(&sb, "Question: %s\n\n", st.MainQuestion)
	sb.WriteString("Source material:\n")
	sb.WriteString(st.Knowledge)
	sb.WriteString("\n\nAnswer under review:\n")
	sb.WriteString(st.Answer)
	sb.WriteString("\n\nRespond with JSON only:\n")
	sb.WriteString(`{"result": "...", "reasoning": "...", "missing_info": "", "follow_ups": ["..."]}`)
	return sb.String()
}

func cleanFollowUps(raw []string) []string {
	var out []string
	for _, f := range raw {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}

func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
