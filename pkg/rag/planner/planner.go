package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"health-assistant-be/pkg/cache"
	"health-assistant-be/pkg/llm"
	"health-assistant-be/pkg/rag/state"
)

// Planner decides whether a question needs decomposition into retrieval
// steps, and produces the steps when it does.
type Planner struct {
	provider llm.LLMProvider
	cache    *cache.Manager
	logger   *log.Logger
	maxSteps int
}

func NewPlanner(provider llm.LLMProvider, cacheManager *cache.Manager, logger *log.Logger) *Planner {
	return &Planner{
		provider: provider,
		cache:    cacheManager,
		logger:   logger,
		maxSteps: 5,
	}
}

// Plan returns the decomposition for the question. Results are cached per
// (question, context, user); the user id is always part of the key. A
// provider failure or unparseable plan degrades to a single-step plan
// (NeedsPlanning=false), and that fallback is cached too so a flaky model
// does not get re-asked every turn.
func (p *Planner) Plan(ctx context.Context, question, contextText, userID string) *state.PlanningResult {
	key := p.cache.PlanningKey(question, contextText, userID)
	if cached, ok := p.cache.GetPlanning(ctx, key); ok {
		var result state.PlanningResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			return &result
		}
		// Poisoned entry; fall through and re-plan.
	}

	result := p.planUncached(ctx, question, contextText)

	if payload, err := json.Marshal(result); err == nil {
		p.cache.SetPlanning(ctx, key, string(payload))
	}
	return result
}

func (p *Planner) planUncached(ctx context.Context, question, contextText string) *state.PlanningResult {
	prompt := p.buildPrompt(question, contextText)

	raw, err := p.provider.Generate(ctx, prompt, llm.WithTemperature(0.0), llm.WithJSONMode())
	if err != nil {
		p.logger.Printf("WARN: planning call failed, answering without decomposition: %v", err)
		return fallbackPlan()
	}

	var result state.PlanningResult
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		p.logger.Printf("WARN: planning parse failed, answering without decomposition: %v", err)
		return fallbackPlan()
	}

	result.Steps = sanitizeSteps(result.Steps, p.maxSteps)
	if len(result.Steps) == 0 {
		result.NeedsPlanning = false
	}
	if !result.NeedsPlanning {
		result.Steps = nil
	}
	return &result
}

// fallbackPlan answers the question as a single retrieval without
// decomposition.
func fallbackPlan() *state.PlanningResult {
	return &state.PlanningResult{
		NeedsPlanning: false,
		Reasoning:     "planning unavailable; treating as a single retrieval",
	}
}

func sanitizeSteps(steps []state.RetrievalStep, max int) []state.RetrievalStep {
	var out []state.RetrievalStep
	for _, step := range steps {
		step.Query = strings.TrimSpace(step.Query)
		if step.Query == "" {
			continue
		}
		step.Index = len(out) + 1
		out = append(out, step)
		if len(out) == max {
			break
		}
	}
	return out
}

func (p *Planner) buildPrompt(question, contextText string) string {
	var sb strings.Builder
	sb.WriteString("You are a retrieval planner for a medical knowledge assistant.\n")
	sb.WriteString("Decide whether the question must be split into independent sub-questions before searching the knowledge base.\n")
	sb.WriteString("Split only when the question genuinely contains multiple information needs (comparisons, multi-part questions, cause AND treatment, etc).\n")
	fmt.Fprintf(&sb, "Produce at most %d sub-questions, each self-contained and searchable on its own.\n\n", p.maxSteps)

	if contextText != "" {
		sb.WriteString("Conversation context:\n")
		sb.WriteString(contextText)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s\n\n", question)

	sb.WriteString("Respond with JSON only:\n")
	sb.WriteString(`{"needs_planning": true|false, "reasoning": "...", "steps": [{"index": 1, "query": "...", "purpose": "..."}]}`)
	return sb.String()
}

func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
