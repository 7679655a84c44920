package engine

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"health-assistant-be/pkg/cache"
	"health-assistant-be/pkg/llm"
	"health-assistant-be/pkg/llm/llmtest"
	"health-assistant-be/pkg/memory"
	"health-assistant-be/pkg/rag/answer"
	"health-assistant-be/pkg/rag/classifier"
	"health-assistant-be/pkg/rag/clue"
	"health-assistant-be/pkg/rag/datasource"
	"health-assistant-be/pkg/rag/media"
	"health-assistant-be/pkg/rag/planner"
	"health-assistant-be/pkg/rag/retriever"
	"health-assistant-be/pkg/rag/state"
	"health-assistant-be/pkg/rag/validator"
	"health-assistant-be/pkg/vector"
)

const (
	ragNeededReply    = `{"query_type": "rag_needed", "reasoning": "needs lookup"}`
	noPlanReply       = `{"needs_planning": false, "reasoning": "simple"}`
	relevantClueReply = `{"relevant": true, "qa_pairs": [], "paragraphs": ["relevant finding"], "has_table": false}`
	noClueReply       = `{"relevant": false, "qa_pairs": [], "paragraphs": []}`
	passReply         = `{"result": "pass", "reasoning": "ok", "follow_ups": ["next question?"]}`
	regenerateReply   = `{"result": "regenerate", "reasoning": "imprecise"}`
)

type countingSearcher struct {
	mu    sync.Mutex
	docs  []vector.ScoredDocument
	calls int
}

func (s *countingSearcher) Search(ctx context.Context, collection, query string, k int) ([]vector.ScoredDocument, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.docs, nil
}

func (s *countingSearcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type deps struct {
	classify llm.LLMProvider
	plan     llm.LLMProvider
	extract  llm.LLMProvider
	generate llm.LLMProvider
	validate llm.LLMProvider
	chat     llm.LLMProvider

	searcher vector.Searcher
	history  *memory.HistoryStore
	limits   state.Limits
}

func buildEngine(t *testing.T, d deps) *Engine {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	manager := cache.NewManager(cache.NewLocalBackend(256, time.Minute), cache.TTLConfig{})

	registry := datasource.NewRegistry()
	if err := registry.Register(datasource.DataSource{ID: "kb", Collection: "kb", Enabled: true, Medical: true}); err != nil {
		t.Fatal(err)
	}

	if d.searcher == nil {
		d.searcher = &countingSearcher{docs: []vector.ScoredDocument{{
			Document:   vector.Document{Name: "kb-doc.md", Content: "knowledge body", SourceFile: "kb-doc.md"},
			Similarity: 0.8,
		}}}
	}
	if d.chat == nil {
		d.chat = &llmtest.ConstProvider{Reply: "chat reply"}
	}
	if d.limits == (state.Limits{}) {
		d.limits = state.Limits{MaxIterations: 20, MaxRetrievals: 3, MaxRetries: 2}
	}

	extractor := clue.NewExtractor(d.extract, manager, logger)
	matcher := media.NewMatcher(nil, 0.75, logger)
	ret := retriever.NewRetriever(d.searcher, registry, extractor, matcher, manager, d.chat, logger, retriever.Options{})

	return New(
		d.chat,
		classifier.NewClassifier(d.classify, manager, logger),
		planner.NewPlanner(d.plan, manager, logger),
		ret,
		answer.NewGenerator(d.generate, logger),
		validator.NewValidator(d.validate, logger),
		d.history,
		memory.NewSessionRepository(),
		memory.NewInProcessLongTerm(),
		Config{Limits: d.limits},
		logger,
	)
}

func TestAskGreetShortCircuits(t *testing.T) {
	searcher := &countingSearcher{}
	e := buildEngine(t, deps{
		classify: &llmtest.ConstProvider{Reply: `{"query_type": "greet"}`},
		searcher: searcher,
	})

	res, err := e.Ask(context.Background(), AskRequest{UserID: "u1", SessionID: "s1", Message: "hello there"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer != GreetingReply {
		t.Errorf("Answer = %q, want canned greeting", res.Answer)
	}
	if res.QueryType != state.QueryGreet || len(res.References) != 0 {
		t.Errorf("res = %+v", res)
	}
	if searcher.count() != 0 {
		t.Errorf("searches = %d, want 0 for greetings", searcher.count())
	}
}

func TestAskOutOfScopeShortCircuits(t *testing.T) {
	e := buildEngine(t, deps{
		classify: &llmtest.ConstProvider{Reply: `{"query_type": "out_of_scope"}`},
	})
	res, err := e.Ask(context.Background(), AskRequest{UserID: "u1", SessionID: "s1", Message: "who won the game"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer != OutOfScopeReply || len(res.References) != 0 {
		t.Errorf("res = %+v, want canned out-of-scope with zero references", res)
	}
}

func TestAskHappyPath(t *testing.T) {
	e := buildEngine(t, deps{
		classify: llmtest.NewScriptedProvider(
			llmtest.Text(ragNeededReply),
			llmtest.Text("what are the transmission routes of hepatitis B"),
		),
		plan:     &llmtest.ConstProvider{Reply: noPlanReply},
		extract:  &llmtest.ConstProvider{Reply: relevantClueReply},
		generate: &llmtest.ConstProvider{Reply: "Transmission happens through blood."},
		validate: &llmtest.ConstProvider{Reply: passReply},
	})

	var emitted []string
	res, err := e.Ask(context.Background(),
		AskRequest{UserID: "u1", SessionID: "s1", Message: "how does it spread"},
		func(tok string) { emitted = append(emitted, tok) })
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if res.QueryType != state.QueryRAGNeeded {
		t.Errorf("QueryType = %q", res.QueryType)
	}
	if !strings.Contains(res.Answer, "Transmission happens through blood.") ||
		!strings.Contains(res.Answer, "References:\n- kb-doc.md") {
		t.Errorf("Answer:\n%s", res.Answer)
	}
	if len(res.References) != 1 || res.References[0] != "kb-doc.md" {
		t.Errorf("References = %v", res.References)
	}
	if len(res.FollowUps) != 1 {
		t.Errorf("FollowUps = %v", res.FollowUps)
	}
	if len(emitted) != 1 || emitted[0] != res.Answer {
		t.Errorf("accepted answer must be emitted exactly once, got %d emissions", len(emitted))
	}
}

func TestAskNeedMoreKnowledgeBoundedRounds(t *testing.T) {
	searcher := &countingSearcher{docs: []vector.ScoredDocument{{
		Document:   vector.Document{Name: "kb-doc.md", Content: "knowledge body", SourceFile: "kb-doc.md"},
		Similarity: 0.8,
	}}}
	validate := llmtest.NewScriptedProvider(
		llmtest.Text(`{"result": "need_more_knowledge", "missing_info": "incubation period"}`),
		llmtest.Text(`{"result": "need_more_knowledge", "missing_info": "complication rates"}`),
		llmtest.Text(passReply),
	)
	e := buildEngine(t, deps{
		classify: llmtest.NewScriptedProvider(llmtest.Text(ragNeededReply), llmtest.Text("sharpened question")),
		plan:     &llmtest.ConstProvider{Reply: noPlanReply},
		extract:  &llmtest.ConstProvider{Reply: relevantClueReply},
		generate: &llmtest.ConstProvider{Reply: "answer body"},
		validate: validate,
		searcher: searcher,
	})

	res, err := e.Ask(context.Background(), AskRequest{UserID: "u1", SessionID: "s1", Message: "question"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer == OutOfScopeReply {
		t.Fatal("pipeline aborted instead of accepting on the third validation")
	}
	// One initial round plus exactly two knowledge top-ups.
	if searcher.count() != 3 {
		t.Errorf("retrieval rounds = %d, want 3", searcher.count())
	}
	if validate.Calls() != 3 {
		t.Errorf("validations = %d, want 3", validate.Calls())
	}
}

func TestAskRegenerateExhaustsRetries(t *testing.T) {
	e := buildEngine(t, deps{
		classify: llmtest.NewScriptedProvider(llmtest.Text(ragNeededReply), llmtest.Text("sharpened")),
		plan:     &llmtest.ConstProvider{Reply: noPlanReply},
		extract:  &llmtest.ConstProvider{Reply: relevantClueReply},
		generate: &llmtest.ConstProvider{Reply: "answer body"},
		validate: &llmtest.ConstProvider{Reply: regenerateReply},
	})

	res, err := e.Ask(context.Background(), AskRequest{UserID: "u1", SessionID: "s1", Message: "question"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer != OutOfScopeReply {
		t.Errorf("Answer = %q, want canned out-of-scope after retry ceiling", res.Answer)
	}
	if len(res.References) != 0 || len(res.MatchedTableImages) != 0 {
		t.Error("aborted turn must carry zero references and images")
	}
}

func TestAskAllNoClueYieldsCannedReply(t *testing.T) {
	generate := llmtest.NewScriptedProvider() // must not be called
	e := buildEngine(t, deps{
		classify: llmtest.NewScriptedProvider(llmtest.Text(ragNeededReply), llmtest.Text("sharpened")),
		plan:     &llmtest.ConstProvider{Reply: noPlanReply},
		extract:  &llmtest.ConstProvider{Reply: noClueReply},
		generate: generate,
		validate: &llmtest.ConstProvider{Reply: passReply},
	})

	res, err := e.Ask(context.Background(), AskRequest{UserID: "u1", SessionID: "s1", Message: "question"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer != answer.InsufficientInfo {
		t.Errorf("Answer = %q, want canned insufficient-information reply", res.Answer)
	}
	if len(res.References) != 0 {
		t.Errorf("References = %v, want none", res.References)
	}
	if generate.Calls() != 0 {
		t.Errorf("generator model called %d times, want 0", generate.Calls())
	}
}

func TestAskTerminatesAgainstAdversarialValidator(t *testing.T) {
	limits := state.Limits{MaxIterations: 20, MaxRetrievals: 3, MaxRetries: 2}
	e := buildEngine(t, deps{
		classify: llmtest.NewScriptedProvider(llmtest.Text(ragNeededReply), llmtest.Text("sharpened")),
		plan:     &llmtest.ConstProvider{Reply: noPlanReply},
		extract:  &llmtest.ConstProvider{Reply: relevantClueReply},
		generate: &llmtest.ConstProvider{Reply: "answer body"},
		// Always demands more knowledge; the retrieval ceiling must stop it.
		validate: &llmtest.ConstProvider{Reply: `{"result": "need_more_knowledge", "missing_info": "more"}`},
		limits:   limits,
	})

	done := make(chan *AskResult, 1)
	go func() {
		res, err := e.Ask(context.Background(), AskRequest{UserID: "u1", SessionID: "s1", Message: "question"}, nil)
		if err != nil {
			t.Errorf("Ask: %v", err)
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res.Answer != OutOfScopeReply {
			t.Errorf("Answer = %q, want canned out-of-scope at the retrieval ceiling", res.Answer)
		}
		if res.Iterations > limits.MaxIterations {
			t.Errorf("Iterations = %d, exceeded ceiling %d", res.Iterations, limits.MaxIterations)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not terminate")
	}
}

func TestAskNoRetrievalRoundBeyondCeiling(t *testing.T) {
	searcher := &countingSearcher{docs: []vector.ScoredDocument{{
		Document:   vector.Document{Name: "kb-doc.md", Content: "knowledge body", SourceFile: "kb-doc.md"},
		Similarity: 0.8,
	}}}
	limits := state.Limits{MaxIterations: 40, MaxRetrievals: 3, MaxRetries: 2}
	e := buildEngine(t, deps{
		classify: llmtest.NewScriptedProvider(llmtest.Text(ragNeededReply), llmtest.Text("sharpened")),
		plan:     &llmtest.ConstProvider{Reply: noPlanReply},
		extract:  &llmtest.ConstProvider{Reply: relevantClueReply},
		generate: &llmtest.ConstProvider{Reply: "answer body"},
		validate: &llmtest.ConstProvider{Reply: `{"result": "need_more_knowledge", "missing_info": "more"}`},
		searcher: searcher,
		limits:   limits,
	})

	res, err := e.Ask(context.Background(), AskRequest{UserID: "u1", SessionID: "s1", Message: "question"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer != OutOfScopeReply {
		t.Errorf("Answer = %q, want canned out-of-scope at the retrieval ceiling", res.Answer)
	}
	// The ceiling-breaching round must never run its search fan-out; its
	// results would only be discarded by the abort.
	if searcher.count() != limits.MaxRetrievals {
		t.Errorf("retrieval rounds = %d, want exactly %d", searcher.count(), limits.MaxRetrievals)
	}
}

func TestAskPlannedDecomposition(t *testing.T) {
	searcher := &countingSearcher{docs: []vector.ScoredDocument{{
		Document:   vector.Document{Name: "kb-doc.md", Content: "knowledge body", SourceFile: "kb-doc.md"},
		Similarity: 0.8,
	}}}
	e := buildEngine(t, deps{
		classify: llmtest.NewScriptedProvider(llmtest.Text(ragNeededReply), llmtest.Text("sharpened")),
		plan: &llmtest.ConstProvider{Reply: `{
			"needs_planning": true, "reasoning": "two needs",
			"steps": [
				{"index": 1, "query": "symptoms", "purpose": "a"},
				{"index": 2, "query": "treatment", "purpose": "b"}
			]}`},
		extract:  &llmtest.ConstProvider{Reply: relevantClueReply},
		generate: &llmtest.ConstProvider{Reply: "answer body"},
		validate: &llmtest.ConstProvider{Reply: passReply},
		searcher: searcher,
	})

	res, err := e.Ask(context.Background(), AskRequest{UserID: "u1", SessionID: "s1", Message: "symptoms and treatment?"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if searcher.count() != 2 {
		t.Errorf("searches = %d, want one per planned sub-question", searcher.count())
	}
	if len(res.References) != 1 {
		t.Errorf("References = %v, want the shared document merged once", res.References)
	}
}
