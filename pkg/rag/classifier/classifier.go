package classifier

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

// Classifier routes an incoming question to one of four handling paths
// and optionally rewrites it for retrieval precision.
type Classifier struct {
	provider llm.LLMProvider
	cache    *cache.Manager
	logger   *log.Logger
}

func NewClassifier(provider llm.LLMProvider, cacheManager *cache.Manager, logger *log.Logger) *Classifier {
	return &Classifier{
		provider: provider,
		cache:    cacheManager,
		logger:   logger,
	}
}

type classification struct {
	QueryType string `json:"query_type"`
	Reasoning string `json:"reasoning"`
}

// Classify decides how the question should be handled. Any provider or
// parse failure falls back to rag_needed so the pipeline still answers
// from the knowledge base rather than refusing.
func (c *Classifier) Classify(ctx context.Context, question string, history []llm.Message) state.QueryType {
	prompt := c.buildClassifyPrompt(question, history)

	raw, err := c.provider.Generate(ctx, prompt, llm.WithTemperature(0.0), llm.WithJSONMode())
	if err != nil {
		c.logger.Printf("WARN: classification call failed, defaulting to rag_needed: %v", err)
		return state.QueryRAGNeeded
	}

	var result classification
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		c.logger.Printf("WARN: classification parse failed, defaulting to rag_needed: %v", err)
		return state.QueryRAGNeeded
	}

	switch strings.TrimSpace(strings.ToLower(result.QueryType)) {
	case "greet":
		return state.QueryGreet
	case "out_of_scope":
		return state.QueryOutOfScope
	case "short_term":
		return state.QueryShortTerm
	case "rag_needed":
		return state.QueryRAGNeeded
	default:
		c.logger.Printf("WARN: classifier returned unknown type %q, defaulting to rag_needed", result.QueryType)
		return state.QueryRAGNeeded
	}
}

// Sharpen rewrites the question into a retrieval-friendly form: resolve
// pronouns from recent history, expand abbreviations, keep the original
// language. The result is cached per (question, history context, user);
// failures return the original question unchanged.
func (c *Classifier) Sharpen(ctx context.Context, question, userID string, history []llm.Message) string {
	historyContext := summarizeHistory(history)

	key := c.cache.QueryKey(question, historyContext, userID)
	if cached, ok := c.cache.GetQuery(ctx, key); ok {
		return cached
	}

	prompt := c.buildSharpenPrompt(question, historyContext)
	raw, err := c.provider.Generate(ctx, prompt, llm.WithTemperature(0.1))
	if err != nil {
		c.logger.Printf("WARN: query sharpening failed, keeping original: %v", err)
		return question
	}

	sharpened := strings.TrimSpace(raw)
	sharpened = strings.Trim(sharpened, "\"")
	if sharpened == "" || len(sharpened) > 4*len(question)+200 {
		// Reject empty or runaway rewrites.
		return question
	}

	c.cache.SetQuery(ctx, key, sharpened)
	return sharpened
}

func (c *Classifier) buildClassifyPrompt(question string, history []llm.Message) string {
	var sb strings.Builder
	sb.WriteString("You are a query router for a medical knowledge assistant.\n")
	sb.WriteString("Classify the user's message into exactly one category:\n")
	sb.WriteString("- \"greet\": greetings, thanks, small talk with no information need\n")
	sb.WriteString("- \"out_of_scope\": unrelated to health, medicine, or care procedures\n")
	sb.WriteString("- \"short_term\": answerable purely from the recent conversation below\n")
	sb.WriteString("- \"rag_needed\": requires looking up the knowledge base\n\n")

	if recent := summarizeHistory(history); recent != "" {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(recent)
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "User message: %s\n\n", question)
	sb.WriteString("Respond with JSON only: {\"query_type\": \"...\", \"reasoning\": \"...\"}")
	return sb.String()
}

func (c *Classifier) buildSharpenPrompt(question, historyContext string) string {
	var sb strings.Builder
	sb.WriteString("Rewrite the user's question so it is self-contained and precise for document retrieval.\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("- Resolve pronouns and references using the conversation context.\n")
	sb.WriteString("- Expand ambiguous abbreviations.\n")
	sb.WriteString("- Keep the original language and the original meaning. Do not answer.\n")
	sb.WriteString("- Output only the rewritten question, nothing else.\n\n")

	if historyContext != "" {
		sb.WriteString("Conversation context:\n")
		sb.WriteString(historyContext)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s", question)
	return sb.String()
}

// summarizeHistory renders the last few turns as plain text for prompt
// embedding and cache keying.
func summarizeHistory(history []llm.Message) string {
	const keep = 6
	if len(history) > keep {
		history = history[len(history)-keep:]
	}
	var sb strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	return strings.TrimSpace(sb.String())
}

// extractJSON pulls the first JSON object out of a model response that
// may be wrapped in prose or markdown fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
