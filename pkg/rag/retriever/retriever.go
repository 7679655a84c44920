package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"health-assistant-be/pkg/cache"
	"health-assistant-be/pkg/llm"
	"health-assistant-be/pkg/rag/clue"
	"health-assistant-be/pkg/rag/datasource"
	"health-assistant-be/pkg/rag/media"
	"health-assistant-be/pkg/rag/state"
	"health-assistant-be/pkg/vector"
)

// Options tunes one Retriever instance.
type Options struct {
	// MaxConcurrent bounds parallel searches and clue extractions.
	MaxConcurrent int
	// KnowledgeBudget is the rune ceiling for the assembled knowledge
	// text before compression kicks in.
	KnowledgeBudget int
	// SummarizeTimeout bounds the compression call; on expiry the text is
	// hard-truncated instead.
	SummarizeTimeout time.Duration
}

func (o *Options) defaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.KnowledgeBudget <= 0 {
		o.KnowledgeBudget = 12000
	}
	if o.SummarizeTimeout <= 0 {
		o.SummarizeTimeout = 20 * time.Second
	}
}

// Retriever runs one retrieval round: federated vector search across the
// selected datasources, entity-exclusion filtering, clue extraction,
// media matching, and the merge into the request's accumulated sources.
type Retriever struct {
	searcher  vector.Searcher
	registry  *datasource.Registry
	extractor *clue.Extractor
	media     *media.Matcher
	cache     *cache.Manager
	provider  llm.LLMProvider
	logger    *log.Logger
	opts      Options
}

func NewRetriever(
	searcher vector.Searcher,
	registry *datasource.Registry,
	extractor *clue.Extractor,
	matcher *media.Matcher,
	cacheManager *cache.Manager,
	provider llm.LLMProvider,
	logger *log.Logger,
	opts Options,
) *Retriever {
	opts.defaults()
	return &Retriever{
		searcher:  searcher,
		registry:  registry,
		extractor: extractor,
		media:     matcher,
		cache:     cacheManager,
		provider:  provider,
		logger:    logger,
		opts:      opts,
	}
}

// sourceResult keeps one datasource's documents in its selection slot so
// the merge order stays deterministic regardless of goroutine scheduling.
type sourceResult struct {
	source datasource.DataSource
	docs   []vector.ScoredDocument
}

// Retrieve runs one round for the given query and folds the findings into
// the request state. It returns whether any document yielded a clue. A
// single failing datasource is logged and skipped; the round only errors
// when every selected source fails.
func (r *Retriever) Retrieve(ctx context.Context, st *state.RequestState, query string, scenario datasource.Scenario) (bool, error) {
	sources := r.registry.Select(st.DataSourceIDs, scenario)
	if len(sources) == 0 {
		return false, fmt.Errorf("no datasource available for scenario %q", scenario)
	}

	results := make([]sourceResult, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.MaxConcurrent)

	failures := 0
	var failMu sync.Mutex

	for i, src := range sources {
		i, src := i, src
		results[i].source = src
		g.Go(func() error {
			docs, err := r.searchSource(gctx, src, query, st.MainQuestion)
			if err != nil {
				r.logger.Printf("WARN: datasource %s failed for this round: %v", src.ID, err)
				failMu.Lock()
				failures++
				failMu.Unlock()
				return nil // isolate: other sources continue
			}
			results[i].docs = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	if failures == len(sources) {
		return false, fmt.Errorf("all %d datasources failed", len(sources))
	}

	// Flatten in registration/selection order, then filter out documents
	// that belong to a mutually exclusive sibling entity. The entity is
	// resolved from the main question: planned sub-queries often drop the
	// entity name, and the filter must not switch off when they do.
	asked, siblings := r.registry.Exclusion(st.MainQuestion)
	var docs []vector.ScoredDocument
	for _, res := range results {
		for _, doc := range res.docs {
			if excludedBySibling(doc.Document, asked, siblings) {
				r.logger.Printf("DEBUG: dropped %s, names a sibling of %q", doc.Document.Name, asked)
				continue
			}
			docs = append(docs, doc)
		}
	}
	docs = dedupeDocs(docs)
	docs = append(docs, r.resolveCompanions(ctx, docs, asked, siblings)...)

	if len(docs) == 0 {
		return false, nil
	}

	clues := r.extractClues(ctx, st.UserID, st.MainQuestion, query, docs)

	found := false
	for i, doc := range docs {
		c := clues[i]
		if c == nil || c.NoClue {
			continue
		}
		found = true

		rec := &state.SourceRecord{
			Content:  clue.Render(c),
			Score:    c.Score,
			HasTable: c.HasTable,
		}
		for _, match := range r.media.MatchTables(doc.Document) {
			rec.TableImages = append(rec.TableImages, match.Path)
			st.AddTableImages(match.Path)
		}
		for _, match := range r.media.MatchEducational(doc.Document) {
			st.AddEducationalImages(match.Path)
		}
		st.MergeSource(doc.Document.Name, rec, clue.MergeContent)
	}

	if found {
		if err := r.rebuildKnowledge(ctx, st); err != nil {
			return found, err
		}
	}
	return found, nil
}

// searchSource fetches one datasource's documents, going through the
// retrieval cache unless the query is the user's main question. The main
// question is never written to the shared retrieval cache; only derived
// sub-questions are eligible.
func (r *Retriever) searchSource(ctx context.Context, src datasource.DataSource, query, mainQuestion string) ([]vector.ScoredDocument, error) {
	cacheable := query != mainQuestion

	var key string
	if cacheable {
		key = r.cache.RetrievalKey(query, []string{src.ID})
		if raw, ok := r.cache.GetRetrieval(ctx, key); ok {
			var docs []vector.ScoredDocument
			if err := json.Unmarshal([]byte(raw), &docs); err == nil {
				return docs, nil
			}
		}
	}

	docs, err := r.searcher.Search(ctx, src.Collection, query, src.DefaultK)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if payload, err := json.Marshal(docs); err == nil {
			r.cache.SetRetrieval(ctx, key, string(payload))
		}
	}
	return docs, nil
}

// resolveCompanions follows companion_doc metadata pointers. A companion
// is fetched by name from the same collection it was referenced from and
// goes through the same exclusion filter.
func (r *Retriever) resolveCompanions(ctx context.Context, docs []vector.ScoredDocument, asked string, siblings []string) []vector.ScoredDocument {
	have := make(map[string]bool, len(docs))
	for _, doc := range docs {
		have[doc.Document.Name] = true
	}

	var extra []vector.ScoredDocument
	for _, doc := range docs {
		companion := strings.TrimSpace(doc.Document.Metadata["companion_doc"])
		if companion == "" || have[companion] {
			continue
		}
		collection := doc.Document.Metadata["collection"]
		if collection == "" {
			continue
		}
		found, err := r.searcher.Search(ctx, collection, companion, 1)
		if err != nil || len(found) == 0 {
			if err != nil {
				r.logger.Printf("WARN: companion lookup %q failed: %v", companion, err)
			}
			continue
		}
		if found[0].Document.Name != companion {
			continue
		}
		if excludedBySibling(found[0].Document, asked, siblings) {
			continue
		}
		have[companion] = true
		extra = append(extra, found[0])
	}
	return extra
}

// extractClues fans out clue extraction across documents, preserving
// per-document slots. A nil slot means extraction was skipped or failed
// catastrophically; the extractor itself degrades softly on model errors.
func (r *Retriever) extractClues(ctx context.Context, userID, mainQuestion, query string, docs []vector.ScoredDocument) []*clue.Clue {
	clues := make([]*clue.Clue, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.MaxConcurrent)

	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			clues[i] = r.extractor.Extract(gctx, userID, mainQuestion, query, doc)
			return nil
		})
	}
	_ = g.Wait()
	return clues
}

// rebuildKnowledge renders the accumulated sources into the knowledge
// text, compressing through the model when the budget is exceeded.
func (r *Retriever) rebuildKnowledge(ctx context.Context, st *state.RequestState) error {
	names := make([]string, 0, len(st.UsedSources))
	for name := range st.UsedSources {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "### Source: %s\n%s\n\n", name, st.UsedSources[name].Content)
	}
	knowledge := strings.TrimSpace(sb.String())

	if utf8.RuneCountInString(knowledge) > r.opts.KnowledgeBudget {
		knowledge = r.compress(ctx, st.MainQuestion, knowledge)
	}
	st.Knowledge = knowledge
	return nil
}

func (r *Retriever) compress(ctx context.Context, question, knowledge string) string {
	cctx, cancel := context.WithTimeout(ctx, r.opts.SummarizeTimeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Condense the following source material, keeping every fact relevant to the question and the \"### Source:\" markers. Drop repetition and filler. Do not add information.\n\n")
	fmt.Fprintf(&sb, "Question: %s\n\nMaterial:\n%s", question, knowledge)

	out, err := r.provider.Generate(cctx, sb.String(), llm.WithTemperature(0.0))
	if err != nil || strings.TrimSpace(out) == "" {
		r.logger.Printf("WARN: knowledge compression failed, truncating: %v", err)
		return truncateRunes(knowledge, r.opts.KnowledgeBudget)
	}
	// The model can still overshoot; the budget is a hard ceiling.
	return truncateRunes(strings.TrimSpace(out), r.opts.KnowledgeBudget)
}

// excludedBySibling reports whether a document belongs to a mutually
// exclusive sibling of the asked entity: its source file or leading
// content names a sibling without naming the asked entity itself.
func excludedBySibling(doc vector.Document, asked string, siblings []string) bool {
	if asked == "" || len(siblings) == 0 {
		return false
	}
	askedLower := strings.ToLower(asked)
	head := strings.ToLower(truncateRunes(doc.Content, 300))
	file := strings.ToLower(doc.SourceFile)

	for _, sibling := range siblings {
		sib := strings.ToLower(sibling)
		if strings.Contains(file, sib) && !strings.Contains(file, askedLower) {
			return true
		}
		if strings.Contains(head, sib) && !strings.Contains(head, askedLower) {
			return true
		}
	}
	return false
}

func dedupeDocs(docs []vector.ScoredDocument) []vector.ScoredDocument {
	seen := make(map[string]bool, len(docs))
	out := docs[:0]
	for _, doc := range docs {
		if seen[doc.Document.Name] {
			continue
		}
		seen[doc.Document.Name] = true
		out = append(out, doc)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
