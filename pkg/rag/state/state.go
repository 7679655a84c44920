package state

import (
	"health-assistant-be/pkg/llm"
)

// QueryType is the classifier's routing decision for one turn.
type QueryType string

const (
	QueryGreet      QueryType = "greet"
	QueryOutOfScope QueryType = "out_of_scope"
	QueryShortTerm  QueryType = "short_term"
	QueryRAGNeeded  QueryType = "rag_needed"
)

// ValidationResult is the validator's verdict on a generated answer.
type ValidationResult string

const (
	ValidationPass              ValidationResult = "pass"
	ValidationRegenerate        ValidationResult = "regenerate"
	ValidationNeedMoreKnowledge ValidationResult = "need_more_knowledge"
	ValidationOutOfScope        ValidationResult = "out_of_scope"
)

// RetrievalStep is one planned sub-query with its stated purpose.
type RetrievalStep struct {
	Index   int    `json:"index"`
	Query   string `json:"query"`
	Purpose string `json:"purpose"`
}

// PlanningResult is the planner's decomposition of a complex question.
// Immutable once produced.
type PlanningResult struct {
	NeedsPlanning bool            `json:"needs_planning"`
	Reasoning     string          `json:"reasoning"`
	Steps         []RetrievalStep `json:"steps"`
}

// SourceRecord is the per-document accumulation inside used_sources.
type SourceRecord struct {
	Content     string   `json:"content"`
	Score       float64  `json:"score"`
	HasTable    bool     `json:"has_table"`
	TableImages []string `json:"table_images,omitempty"`
}

// Limits carries the hard ceilings every cycle-forming edge must consult.
type Limits struct {
	MaxIterations int
	MaxRetrievals int
	MaxRetries    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxIterations: 20,
		MaxRetrievals: 3,
		MaxRetries:    2,
	}
}

// RequestState is the single mutable object flowing through one request.
// It is never shared between requests; every pipeline node reads and
// mutates it through the orchestrator.
type RequestState struct {
	UserID    string
	SessionID string

	Messages []llm.Message // short-term history loaded for this turn

	QueryType    QueryType
	UserMessage  string // the message exactly as the user typed it; what history stores
	MainQuestion string // working question, possibly sharpened; never a retrieval-cache key
	CurrentQuery string // possibly precision-rewritten

	Planning       *PlanningResult
	RetrievalSteps []RetrievalStep
	PendingQueries []string // sub-questions waiting for the next retrieval round

	Knowledge   string
	UsedSources map[string]*SourceRecord

	MatchedTableImages       []string
	MatchedEducationalImages []string

	DataSourceIDs  []string
	EnabledToolIDs []string

	ShortTermMemoryEnabled bool
	LongTermMemoryEnabled  bool
	LongTermContext        []string

	Answer     string
	Validation ValidationResult

	IterationCount          int
	KnowledgeRetrievalCount int
	RetryCount              int
}

func NewRequestState(userID, sessionID, question string) *RequestState {
	return &RequestState{
		UserID:       userID,
		SessionID:    sessionID,
		UserMessage:  question,
		MainQuestion: question,
		CurrentQuery: question,
		UsedSources:  make(map[string]*SourceRecord),
	}
}

// BumpIteration increments the global step counter. Counters only grow.
func (s *RequestState) BumpIteration() int {
	s.IterationCount++
	return s.IterationCount
}

func (s *RequestState) BumpRetrieval() int {
	s.KnowledgeRetrievalCount++
	return s.KnowledgeRetrievalCount
}

func (s *RequestState) BumpRetry() int {
	s.RetryCount++
	return s.RetryCount
}

// Exhausted reports whether any ceiling has been reached; the pipeline
// must then terminate with the canned out-of-scope result.
func (s *RequestState) Exhausted(limits Limits) bool {
	return s.IterationCount >= limits.MaxIterations ||
		s.KnowledgeRetrievalCount > limits.MaxRetrievals ||
		s.RetryCount > limits.MaxRetries
}

// NearIterationCeiling reports whether validation should fast-accept so
// the pipeline terminates before hitting the outer step budget.
func (s *RequestState) NearIterationCeiling(limits Limits) bool {
	return s.IterationCount >= limits.MaxIterations-2
}

// MergeSource folds one document record into used_sources. Merging the
// same document twice is idempotent: content is combined through the
// supplied combine function (which must deduplicate), the minimum score
// wins, has_table flags are OR-ed and image lists unioned.
func (s *RequestState) MergeSource(name string, rec *SourceRecord, combine func(existing, incoming string) string) {
	if rec == nil {
		return
	}
	existing, ok := s.UsedSources[name]
	if !ok {
		cp := *rec
		cp.TableImages = append([]string(nil), rec.TableImages...)
		s.UsedSources[name] = &cp
		return
	}

	if combine != nil {
		existing.Content = combine(existing.Content, rec.Content)
	}
	if rec.Score < existing.Score {
		existing.Score = rec.Score
	}
	existing.HasTable = existing.HasTable || rec.HasTable
	existing.TableImages = unionStrings(existing.TableImages, rec.TableImages)
}

// AddTableImages appends table image paths, dropping duplicates.
func (s *RequestState) AddTableImages(paths ...string) {
	s.MatchedTableImages = unionStrings(s.MatchedTableImages, paths)
}

// AddEducationalImages appends educational image paths, dropping duplicates.
func (s *RequestState) AddEducationalImages(paths ...string) {
	s.MatchedEducationalImages = unionStrings(s.MatchedEducationalImages, paths)
}

func unionStrings(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range extra {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		base = append(base, v)
	}
	return base
}
