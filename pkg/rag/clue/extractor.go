package clue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"health-assistant-be/pkg/cache"
	"health-assistant-be/pkg/llm"
	"health-assistant-be/pkg/vector"
)

// QAPair is one question/answer fragment lifted from a document.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Clue is the question-focused extraction from one document.
type Clue struct {
	QAPairs    []QAPair `json:"qa_pairs"`
	Paragraphs []string `json:"paragraphs"`
	Score      float64  `json:"score"`
	HasTable   bool     `json:"has_table"`
	NoClue     bool     `json:"no_clue"`
}

// Extractor pulls question-relevant fragments out of retrieved documents.
// Extractions are cached per user so a follow-up over the same documents
// does not re-run the model.
type Extractor struct {
	provider llm.LLMProvider
	cache    *cache.Manager
	logger   *log.Logger

	// fallbackRunes bounds the truncated-prefix clue produced when the
	// model response cannot be parsed.
	fallbackRunes int
}

func NewExtractor(provider llm.LLMProvider, cacheManager *cache.Manager, logger *log.Logger) *Extractor {
	return &Extractor{
		provider:      provider,
		cache:         cacheManager,
		logger:        logger,
		fallbackRunes: 600,
	}
}

// Extract returns the clue for one document. Relevance is judged against
// the user's main question and the sub-question that retrieved the
// document; both feed the prompt and the cache key. The document's
// reference section is stripped before the model sees it; a document that
// is nothing but references yields NoClue. Provider and parse failures
// degrade to a low-confidence truncated-prefix clue so one bad extraction
// never sinks the retrieval round.
func (e *Extractor) Extract(ctx context.Context, userID, mainQuestion, query string, doc vector.ScoredDocument) *Clue {
	key := e.cache.ClueKey(userID, questionMaterial(mainQuestion, query), []string{doc.Document.Name})
	if cached, ok := e.cache.GetClue(ctx, key); ok {
		var c Clue
		if err := json.Unmarshal([]byte(cached), &c); err == nil {
			return &c
		}
	}

	c := e.extractUncached(ctx, mainQuestion, query, doc)

	if payload, err := json.Marshal(c); err == nil {
		e.cache.SetClue(ctx, key, string(payload))
	}
	return c
}

func (e *Extractor) extractUncached(ctx context.Context, mainQuestion, query string, doc vector.ScoredDocument) *Clue {
	body, onlyReferences := StripReferences(doc.Document.Content)
	if onlyReferences || strings.TrimSpace(body) == "" {
		return &Clue{NoClue: true}
	}

	prompt := e.buildPrompt(mainQuestion, query, doc.Document.Name, body)

	raw, err := e.provider.Generate(ctx, prompt, llm.WithTemperature(0.0), llm.WithJSONMode())
	if err != nil {
		e.logger.Printf("WARN: clue extraction failed for %s, using truncated prefix: %v", doc.Document.Name, err)
		return e.fallbackClue(body, doc.Similarity)
	}

	var parsed struct {
		Relevant   bool     `json:"relevant"`
		QAPairs    []QAPair `json:"qa_pairs"`
		Paragraphs []string `json:"paragraphs"`
		HasTable   bool     `json:"has_table"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		e.logger.Printf("WARN: clue parse failed for %s, using truncated prefix: %v", doc.Document.Name, err)
		return e.fallbackClue(body, doc.Similarity)
	}

	c := &Clue{
		Score:    doc.Similarity,
		HasTable: parsed.HasTable || looksTabular(body),
	}
	for _, qa := range parsed.QAPairs {
		qa.Question = strings.TrimSpace(qa.Question)
		qa.Answer = strings.TrimSpace(qa.Answer)
		if qa.Question == "" || qa.Answer == "" {
			continue
		}
		c.QAPairs = append(c.QAPairs, qa)
	}
	for _, p := range parsed.Paragraphs {
		p = strings.TrimSpace(p)
		if p == "" || isCitationLine(p) || isFigureCaption(p) {
			continue
		}
		c.Paragraphs = append(c.Paragraphs, p)
	}

	if !parsed.Relevant || (len(c.QAPairs) == 0 && len(c.Paragraphs) == 0) {
		return &Clue{NoClue: true}
	}
	return c
}

// fallbackClue keeps the leading slice of the document as a single
// low-confidence paragraph.
func (e *Extractor) fallbackClue(body string, similarity float64) *Clue {
	prefix := truncateRunes(strings.TrimSpace(body), e.fallbackRunes)
	if prefix == "" {
		return &Clue{NoClue: true}
	}
	score := similarity * 0.5
	return &Clue{
		Paragraphs: []string{prefix},
		Score:      score,
		HasTable:   looksTabular(body),
	}
}

func (e *Extractor) buildPrompt(mainQuestion, query, docName, body string) string {
	var sb strings.Builder
	sb.WriteString("Extract only the fragments of the document that help answer the question.\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("- Prefer question/answer pairs when the document contains them.\n")
	sb.WriteString("- Otherwise copy relevant paragraphs verbatim. Do not paraphrase.\n")
	sb.WriteString("- Never include bibliography entries, citation lines, or figure captions.\n")
	sb.WriteString("- If nothing in the document is relevant, set \"relevant\" to false.\n\n")

	fmt.Fprintf(&sb, "Question: %s\n\n", mainQuestion)
	if query != "" && query != mainQuestion {
		fmt.Fprintf(&sb, "This document was retrieved for the sub-question: %s\n\n", query)
	}
	fmt.Fprintf(&sb, "Document (%s):\n%s\n\n", docName, body)

	sb.WriteString("Respond with JSON only:\n")
	sb.WriteString(`{"relevant": true|false, "qa_pairs": [{"question": "...", "answer": "..."}], "paragraphs": ["..."], "has_table": true|false}`)
	return sb.String()
}

// StripReferences removes the trailing reference section from a document.
// The second return value is true when the whole document is references,
// in which case it should be discarded.
func StripReferences(content string) (string, bool) {
	lines := strings.Split(content, "\n")

	cut := -1
	for i, line := range lines {
		if isReferenceHeading(line) {
			cut = i
			break
		}
	}
	if cut == -1 {
		// No heading; fall back to citation-line density over the tail.
		cut = denseCitationTail(lines)
	}
	if cut == -1 {
		return content, false
	}

	head := strings.TrimSpace(strings.Join(lines[:cut], "\n"))
	return head, head == ""
}

func isReferenceHeading(line string) bool {
	trimmed := strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "#*= "))
	lower := strings.ToLower(trimmed)
	switch lower {
	case "references", "reference", "bibliography", "works cited", "literature":
		return true
	}
	return trimmed == "参考文献" || trimmed == "文献"
}

// denseCitationTail returns the index where a run of citation-looking
// lines starts and continues to the end of the document, or -1.
func denseCitationTail(lines []string) int {
	const minRun = 3
	run := 0
	start := -1
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if isCitationLine(line) {
			run++
			start = i
			continue
		}
		break
	}
	if run >= minRun {
		return start
	}
	return -1
}

// isCitationLine recognizes common bibliography entry shapes: numeric
// markers like "[12]" or "3." followed by author-year text, DOI/journal
// fragments.
func isCitationLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "doi:") || strings.Contains(lower, "doi.org/") || strings.Contains(lower, "pmid") {
		return true
	}
	if strings.HasPrefix(trimmed, "[") {
		if end := strings.Index(trimmed, "]"); end > 1 && end <= 5 && allDigits(trimmed[1:end]) {
			return true
		}
	}
	// "12. Smith J, ..." with a year in parentheses or trailing.
	if dot := strings.Index(trimmed, ". "); dot > 0 && dot <= 3 && allDigits(trimmed[:dot]) {
		if strings.Contains(trimmed, "(19") || strings.Contains(trimmed, "(20") ||
			strings.Contains(trimmed, ", 19") || strings.Contains(trimmed, ", 20") {
			return true
		}
	}
	return false
}

// isFigureCaption recognizes figure/table caption lines.
func isFigureCaption(line string) bool {
	lower := strings.ToLower(strings.TrimSpace(line))
	for _, prefix := range []string{"figure ", "fig.", "fig ", "table ", "图", "表"} {
		if strings.HasPrefix(lower, prefix) {
			rest := lower[len(prefix):]
			if len(rest) > 0 && (rest[0] >= '0' && rest[0] <= '9') {
				return true
			}
		}
	}
	return false
}

func looksTabular(body string) bool {
	rows := 0
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 3 {
			rows++
			if rows >= 2 {
				return true
			}
		}
	}
	return false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// questionMaterial combines the main question and the retrieving
// sub-question into the cache key material. The separator keeps distinct
// pairs from colliding.
func questionMaterial(mainQuestion, query string) string {
	if query == "" || query == mainQuestion {
		return mainQuestion
	}
	return mainQuestion + "\x00" + query
}

func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
