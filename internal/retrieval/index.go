package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/queryloom/queryloom/internal/embed"
	"github.com/queryloom/queryloom/internal/observability"
)

var ErrNoExamples = errors.New("retrieval: no examples in corpus")

type Options struct {
	DenseWeight         float64
	LexicalWeight       float64
	SimilarityThreshold float64
	RetryBackoff        time.Duration
}

// Result carries the selected few-shot examples. MatchedIndices are the
// underlying corpus positions, exposed for audit. SimilarityFlag reports
// whether the best fused score cleared the relevance threshold; Degraded
// reports a lexical-only fallback.
type Result struct {
	Examples       map[string]string
	MatchedIndices []int
	SimilarityFlag bool
	Degraded       bool
}

// Index ranks corpus examples with a fused dense and lexical signal.
// Built once at startup and read-only afterwards.
type Index struct {
	corpus   []ExampleRecord
	vectors  [][]float64
	lexical  *bm25
	embedder embed.Embedder
	opts     Options
	logger   *slog.Logger
	sleep    func(time.Duration)
}

func NewIndex(corpus []ExampleRecord, embedder embed.Embedder, opts Options, logger *slog.Logger) (*Index, error) {
	if len(corpus) == 0 {
		return nil, ErrNoExamples
	}
	if opts.DenseWeight <= 0 && opts.LexicalWeight <= 0 {
		opts.DenseWeight, opts.LexicalWeight = 0.6, 0.4
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}

	questions := make([]string, len(corpus))
	for i, example := range corpus {
		questions[i] = example.Question
	}

	return &Index{
		corpus:   corpus,
		lexical:  newBM25(questions),
		embedder: embedder,
		opts:     opts,
		logger:   logger,
		sleep:    time.Sleep,
	}, nil
}

// BuildDenseIndex embeds every corpus question. Failure leaves the dense
// side empty; retrieval then runs lexical-only and reports Degraded.
func (ix *Index) BuildDenseIndex(ctx context.Context) error {
	if ix.embedder == nil {
		return fmt.Errorf("embedder is not configured")
	}
	vectors := make([][]float64, len(ix.corpus))
	for i, example := range ix.corpus {
		vector, err := ix.embedder.Embed(ctx, example.Question)
		if err != nil {
			return fmt.Errorf("embed corpus question %d: %w", example.Index, err)
		}
		vectors[i] = vector
	}
	ix.vectors = vectors
	return nil
}

func (ix *Index) Retrieve(ctx context.Context, question string, topK int) (Result, error) {
	if topK < 1 {
		return Result{}, fmt.Errorf("top_k must be positive")
	}
	if topK > len(ix.corpus) {
		topK = len(ix.corpus)
	}

	lexicalScores := normalizeScores(ix.lexical.Scores(question))

	degraded := false
	var denseScores []float64
	if len(ix.vectors) == 0 || ix.embedder == nil {
		degraded = true
	} else {
		queryVector, err := ix.embedQuery(ctx, question)
		if err != nil {
			if ix.logger != nil {
				ix.logger.WarnContext(ctx, "embedding unavailable, falling back to lexical ranking",
					slog.String("error", err.Error()),
				)
			}
			degraded = true
		} else {
			raw := make([]float64, len(ix.vectors))
			for i, vector := range ix.vectors {
				raw[i] = embed.Dot(queryVector, vector)
			}
			denseScores = normalizeScores(raw)
		}
	}
	if degraded {
		observability.IncrementRetrievalDegraded()
	}

	fused := make([]float64, len(ix.corpus))
	for i := range fused {
		if degraded {
			fused[i] = lexicalScores[i]
			continue
		}
		fused[i] = ix.opts.DenseWeight*denseScores[i] + ix.opts.LexicalWeight*lexicalScores[i]
	}

	order := make([]int, len(fused))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if fused[order[a]] != fused[order[b]] {
			return fused[order[a]] > fused[order[b]]
		}
		return order[a] < order[b]
	})

	result := Result{
		Examples:       map[string]string{},
		MatchedIndices: make([]int, 0, topK),
		Degraded:       degraded,
	}
	for slot, idx := range order[:topK] {
		example := ix.corpus[idx]
		result.MatchedIndices = append(result.MatchedIndices, example.Index)
		result.Examples[fmt.Sprintf("example_%d_question", slot+1)] = example.Question
		result.Examples[fmt.Sprintf("example_%d_sql", slot+1)] = example.SQL
	}
	if len(order) > 0 && fused[order[0]] > ix.opts.SimilarityThreshold {
		result.SimilarityFlag = true
	}
	return result, nil
}

// embedQuery retries exactly once after a fixed backoff.
func (ix *Index) embedQuery(ctx context.Context, question string) ([]float64, error) {
	vector, err := ix.embedder.Embed(ctx, question)
	if err == nil {
		return vector, nil
	}
	ix.sleep(ix.opts.RetryBackoff)
	vector, retryErr := ix.embedder.Embed(ctx, question)
	if retryErr != nil {
		return nil, fmt.Errorf("embed query after retry: %w", retryErr)
	}
	return vector, nil
}

func normalizeScores(scores []float64) []float64 {
	if len(scores) == 0 {
		return scores
	}
	minScore, maxScore := scores[0], scores[0]
	for _, score := range scores[1:] {
		if score < minScore {
			minScore = score
		}
		if score > maxScore {
			maxScore = score
		}
	}
	normalized := make([]float64, len(scores))
	spread := maxScore - minScore
	if spread == 0 {
		return normalized
	}
	for i, score := range scores {
		normalized[i] = (score - minScore) / spread
	}
	return normalized
}
