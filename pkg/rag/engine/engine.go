package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"health-assistant-be/pkg/llm"
	"health-assistant-be/pkg/memory"
	"health-assistant-be/pkg/rag/answer"
	"health-assistant-be/pkg/rag/classifier"
	"health-assistant-be/pkg/rag/datasource"
	"health-assistant-be/pkg/rag/planner"
	"health-assistant-be/pkg/rag/retriever"
	"health-assistant-be/pkg/rag/state"
	"health-assistant-be/pkg/rag/validator"
)

// Canned replies for the terminal short-circuits. Deterministic on
// purpose; they are produced without a model call.
const (
	GreetingReply = "Hello! I can help with questions about health conditions, treatments, and care procedures. What would you like to know?"

	OutOfScopeReply = "This question falls outside what I can answer from my medical knowledge base. Please ask about health conditions, treatments, or care procedures."
)

// node is one step of the pipeline state machine.
type node int

const (
	nodeClassify node = iota
	nodePlan
	nodeRetrieve
	nodeGenerate
	nodeValidate
	nodeFinish
	nodeAbort
)

func (n node) String() string {
	switch n {
	case nodeClassify:
		return "classify"
	case nodePlan:
		return "plan"
	case nodeRetrieve:
		return "retrieve"
	case nodeGenerate:
		return "generate"
	case nodeValidate:
		return "validate"
	case nodeFinish:
		return "finish"
	case nodeAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// AskRequest is one user turn.
type AskRequest struct {
	UserID    string
	SessionID string
	Message   string

	ShortTermMemory bool
	LongTermMemory  bool

	DatasourceIDs  []string
	EnabledToolIDs []string
}

// AskResult is the terminal outcome of one turn.
type AskResult struct {
	Answer     string
	References []string
	FollowUps  []string

	MatchedTableImages       []string
	MatchedEducationalImages []string

	QueryType  state.QueryType
	Iterations int
}

// Engine wires the pipeline components into a bounded state machine.
// Every cycle-forming edge is guarded by a monotonic counter; when any
// ceiling is hit the request terminates with the canned out-of-scope
// reply rather than looping.
type Engine struct {
	provider   llm.LLMProvider
	classifier *classifier.Classifier
	planner    *planner.Planner
	retriever  *retriever.Retriever
	generator  *answer.Generator
	validator  *validator.Validator

	history  *memory.HistoryStore
	sessions *memory.SessionRepository
	longTerm memory.LongTermMemory

	limits   state.Limits
	scenario datasource.Scenario
	logger   *log.Logger
}

type Config struct {
	Limits   state.Limits
	Scenario datasource.Scenario
}

func New(
	provider llm.LLMProvider,
	cls *classifier.Classifier,
	pln *planner.Planner,
	ret *retriever.Retriever,
	gen *answer.Generator,
	val *validator.Validator,
	history *memory.HistoryStore,
	sessions *memory.SessionRepository,
	longTerm memory.LongTermMemory,
	cfg Config,
	logger *log.Logger,
) *Engine {
	if cfg.Limits == (state.Limits{}) {
		cfg.Limits = state.DefaultLimits()
	}
	if cfg.Scenario == "" {
		cfg.Scenario = datasource.ScenarioMedical
	}
	return &Engine{
		provider:   provider,
		classifier: cls,
		planner:    pln,
		retriever:  ret,
		generator:  gen,
		validator:  val,
		history:    history,
		sessions:   sessions,
		longTerm:   longTerm,
		limits:     cfg.Limits,
		scenario:   cfg.Scenario,
		logger:     logger,
	}
}

// Ask runs one turn end to end. onToken, when non-nil, receives the
// accepted answer text: streamed live from the model when acceptance is
// already determined, otherwise emitted once after validation settles.
// The returned result is always non-nil on a nil error.
func (e *Engine) Ask(ctx context.Context, req AskRequest, onToken func(string)) (*AskResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("empty message")
	}

	st := state.NewRequestState(req.UserID, req.SessionID, strings.TrimSpace(req.Message))
	st.ShortTermMemoryEnabled = req.ShortTermMemory
	st.LongTermMemoryEnabled = req.LongTermMemory
	st.DataSourceIDs = req.DatasourceIDs
	st.EnabledToolIDs = req.EnabledToolIDs

	e.loadMemory(ctx, st)

	var verdict *validator.Verdict
	streamed := false

	current := nodeClassify
	for {
		if current != nodeFinish && current != nodeAbort && st.Exhausted(e.limits) {
			e.logger.Printf("INFO: ceilings hit (iter=%d retrieval=%d retry=%d), aborting",
				st.IterationCount, st.KnowledgeRetrievalCount, st.RetryCount)
			current = nodeAbort
		}

		switch current {
		case nodeClassify:
			st.BumpIteration()
			st.QueryType = e.classifier.Classify(ctx, st.MainQuestion, st.Messages)
			switch st.QueryType {
			case state.QueryGreet:
				st.Answer = GreetingReply
				current = nodeFinish
			case state.QueryOutOfScope:
				st.Answer = OutOfScopeReply
				current = nodeFinish
			case state.QueryShortTerm:
				if e.answerFromHistory(ctx, st) {
					current = nodeFinish
				} else {
					// History was not enough after all; fall through to
					// the full pipeline.
					st.QueryType = state.QueryRAGNeeded
					current = nodePlan
				}
			default:
				sharpened := e.classifier.Sharpen(ctx, st.MainQuestion, st.UserID, st.Messages)
				st.MainQuestion = sharpened
				st.CurrentQuery = sharpened
				current = nodePlan
			}

		case nodePlan:
			st.BumpIteration()
			st.Planning = e.planner.Plan(ctx, st.MainQuestion, historyContext(st.Messages), st.UserID)
			if st.Planning.NeedsPlanning && len(st.Planning.Steps) > 0 {
				st.RetrievalSteps = st.Planning.Steps
				for _, step := range st.Planning.Steps {
					st.PendingQueries = append(st.PendingQueries, step.Query)
				}
			} else {
				st.PendingQueries = []string{st.MainQuestion}
			}
			current = nodeRetrieve

		case nodeRetrieve:
			st.BumpIteration()
			st.BumpRetrieval()
			queries := st.PendingQueries
			st.PendingQueries = nil

			// With nothing found the generator later produces the canned
			// insufficient-information reply, which finishes the turn.
			for _, q := range queries {
				if _, err := e.retriever.Retrieve(ctx, st, q, e.scenario); err != nil {
					e.logger.Printf("WARN: retrieval round failed for %q: %v", q, err)
				}
			}
			current = nodeGenerate

		case nodeGenerate:
			st.BumpIteration()
			// Stream live only when acceptance is already decided; the
			// validation loop may otherwise discard this draft.
			var sink func(string)
			if onToken != nil && st.NearIterationCeiling(e.limits) {
				sink = onToken
				streamed = true
			}
			text, err := e.generator.Generate(ctx, st, sink)
			if err != nil {
				return nil, err
			}
			st.Answer = text
			if text == answer.InsufficientInfo {
				// Canned reply: nothing to validate, zero references.
				current = nodeFinish
				break
			}
			current = nodeValidate

		case nodeValidate:
			st.BumpIteration()
			verdict = e.validator.Validate(ctx, st, e.limits)
			st.Validation = verdict.Result

			switch verdict.Result {
			case state.ValidationPass:
				current = nodeFinish
			case state.ValidationRegenerate:
				st.BumpRetry()
				if st.Exhausted(e.limits) {
					current = nodeAbort
					break
				}
				st.Answer = e.validator.Refine(ctx, st, verdict.Reasoning)
				current = nodeValidate
			case state.ValidationNeedMoreKnowledge:
				// Another round would breach the retrieval ceiling; abort
				// now rather than run a fan-out whose results get discarded.
				if st.KnowledgeRetrievalCount >= e.limits.MaxRetrievals {
					current = nodeAbort
					break
				}
				st.PendingQueries = []string{verdict.MissingInfo}
				current = nodeRetrieve
			case state.ValidationOutOfScope:
				current = nodeAbort
			}

		case nodeFinish:
			if onToken != nil && !streamed {
				onToken(st.Answer)
			}
			e.persistTurn(ctx, st)
			return e.result(st, verdict), nil

		case nodeAbort:
			st.Answer = OutOfScopeReply
			st.UsedSources = map[string]*state.SourceRecord{}
			st.MatchedTableImages = nil
			st.MatchedEducationalImages = nil
			if onToken != nil && !streamed {
				onToken(st.Answer)
			}
			e.persistTurn(ctx, st)
			return e.result(st, nil), nil
		}
	}
}

func (e *Engine) result(st *state.RequestState, verdict *validator.Verdict) *AskResult {
	res := &AskResult{
		Answer:                   st.Answer,
		MatchedTableImages:       st.MatchedTableImages,
		MatchedEducationalImages: st.MatchedEducationalImages,
		QueryType:                st.QueryType,
		Iterations:               st.IterationCount,
	}
	for name := range st.UsedSources {
		res.References = append(res.References, name)
	}
	sort.Strings(res.References)
	if verdict != nil {
		res.FollowUps = verdict.FollowUps
	}
	return res
}

// loadMemory pulls short-term history and long-term fragments into the
// state. Both loads are best-effort.
func (e *Engine) loadMemory(ctx context.Context, st *state.RequestState) {
	if st.ShortTermMemoryEnabled && e.history != nil {
		msgs, err := e.history.Recent(ctx, st.UserID, st.SessionID, 10)
		if err != nil {
			e.logger.Printf("WARN: loading history failed: %v", err)
		} else {
			st.Messages = msgs
		}
	}
	if st.LongTermMemoryEnabled && e.longTerm != nil {
		fragments, err := e.longTerm.Search(ctx, st.MainQuestion, st.UserID, 3)
		if err != nil {
			e.logger.Printf("WARN: long-term memory search failed: %v", err)
		} else {
			st.LongTermContext = fragments
		}
	}
}

// persistTurn writes the finished turn back to the memory stores.
func (e *Engine) persistTurn(ctx context.Context, st *state.RequestState) {
	if st.ShortTermMemoryEnabled && e.history != nil {
		// History stores the message as typed, not the sharpened rewrite.
		if err := e.history.Append(ctx, st.UserID, st.SessionID, llm.Message{Role: "user", Content: st.UserMessage}); err != nil {
			e.logger.Printf("WARN: persisting user turn failed: %v", err)
		}
		if err := e.history.Append(ctx, st.UserID, st.SessionID, llm.Message{Role: "assistant", Content: st.Answer}); err != nil {
			e.logger.Printf("WARN: persisting answer failed: %v", err)
		}
	}
	if st.LongTermMemoryEnabled && e.longTerm != nil && st.QueryType == state.QueryRAGNeeded {
		fragment := fmt.Sprintf("asked about: %s", st.MainQuestion)
		if err := e.longTerm.Add(ctx, fragment, st.UserID, map[string]string{"session": st.SessionID}); err != nil {
			e.logger.Printf("WARN: long-term memory add failed: %v", err)
		}
	}
	if e.sessions != nil {
		e.sessions.Save(&memory.Session{
			ID:            st.SessionID,
			UserID:        st.UserID,
			LastQueryType: string(st.QueryType),
			LastQuestion:  st.MainQuestion,
			LastAnswer:    st.Answer,
			UpdatedAt:     time.Now(),
		})
	}
}

// answerFromHistory serves a short_term question straight from the loaded
// conversation. Returns false when there is no history to answer from or
// the model call fails, so the caller can fall back to retrieval.
func (e *Engine) answerFromHistory(ctx context.Context, st *state.RequestState) bool {
	if len(st.Messages) == 0 {
		return false
	}

	var sb strings.Builder
	sb.WriteString("Answer the user's question using only the conversation so far. Be brief.\n\n")
	fmt.Fprintf(&sb, "Question: %s", st.MainQuestion)

	history := append([]llm.Message(nil), st.Messages...)
	history = append(history, llm.Message{Role: "user", Content: sb.String()})

	out, err := e.provider.Chat(ctx, history, llm.WithTemperature(0.2))
	if err != nil || strings.TrimSpace(out) == "" {
		e.logger.Printf("WARN: short-term answer failed, falling back to retrieval: %v", err)
		return false
	}
	st.Answer = strings.TrimSpace(out)
	return true
}

func historyContext(messages []llm.Message) string {
	const keep = 6
	if len(messages) > keep {
		messages = messages[len(messages)-keep:]
	}
	var sb strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	return strings.TrimSpace(sb.String())
}
