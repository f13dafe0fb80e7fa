package retrieval

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/rewind/internal/memory"
	"github.com/felixgeelhaar/rewind/internal/observe"
	"github.com/felixgeelhaar/rewind/internal/provider"
)

// DefaultRecencyPenalty is the score lost per hour of record age.
const DefaultRecencyPenalty = 0.01

// Source is the part of memory.Store the retriever reads.
type Source interface {
	Records(statuses ...memory.Status) []memory.Record
	Stats() memory.Stats
}

// Outcome tells an empty corpus apart from a search that found nothing.
type Outcome int

const (
	Matched Outcome = iota
	NoMatch
	NothingIndexed
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case NoMatch:
		return "no_match"
	case NothingIndexed:
		return "nothing_indexed"
	}
	return "unknown"
}

// Result is one ranked record. Similarity is the raw cosine similarity;
// Score is what the ranking used.
type Result struct {
	Record     memory.Record
	Similarity float64
	Score      float64
}

// Answer is the outcome of one query.
type Answer struct {
	Query   string
	Results []Result
	Outcome Outcome
	// Indexed and Unindexed count records at query time, so callers can
	// warn that the answer covers only part of the store.
	Indexed   int
	Unindexed int
}

// Options configures ranking.
type Options struct {
	// RecencyPenalty is subtracted from the similarity per hour of age.
	RecencyPenalty float64
	// MinSimilarity drops weaker matches when positive.
	MinSimilarity float64
	Clock         func() time.Time
	Observer      *observe.Observer
}

// DefaultOptions returns the standard ranking options.
func DefaultOptions() Options {
	return Options{RecencyPenalty: DefaultRecencyPenalty}
}

// Retriever answers top-K queries over completed records.
type Retriever struct {
	src      Source
	embedder provider.Embedder
	opts     Options
	obs      *observe.Observer
}

// New returns a Retriever. embedder must be the provider that indexed src.
func New(src Source, embedder provider.Embedder, opts Options) *Retriever {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RecencyPenalty < 0 {
		opts.RecencyPenalty = 0
	}
	return &Retriever{
		src:      src,
		embedder: embedder,
		opts:     opts,
		obs:      observe.OrNop(opts.Observer),
	}
}

// Retrieve ranks completed records by similarity to query, penalized by age,
// and returns at most k of them. Records that are not completed are never
// candidates.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (ans Answer, err error) {
	const op = "retrieval.retrieve"

	ctx, span := r.obs.StartSpan(ctx, op, attribute.Int("k", k))
	defer func() { r.obs.EndSpan(span, err) }()

	if k < 1 {
		return Answer{}, memory.NewInvariantError(op, "k must be at least 1")
	}
	if query == "" {
		return Answer{}, memory.NewInvariantError(op, "query is empty")
	}

	stats := r.src.Stats()
	ans = Answer{Query: query, Unindexed: stats.Unindexed()}

	var candidates []memory.Record
	for _, rec := range r.src.Records(memory.StatusCompleted) {
		if rec.Indexed() {
			candidates = append(candidates, rec)
		}
	}
	ans.Indexed = len(candidates)
	if len(candidates) == 0 {
		ans.Outcome = NothingIndexed
		return ans, nil
	}

	qvec, err := r.embedder.Embed(ctx, query)
	if err == nil && len(qvec) == 0 {
		err = errors.New("provider returned an empty embedding")
	}
	if err != nil {
		return Answer{}, memory.NewProviderError(op, err)
	}

	now := r.opts.Clock()
	results := make([]Result, 0, len(candidates))
	for _, rec := range candidates {
		sim, err := Cosine(qvec, rec.Embedding)
		if err != nil {
			return Answer{}, err
		}
		if r.opts.MinSimilarity > 0 && sim < r.opts.MinSimilarity {
			continue
		}
		age := now.Sub(rec.CaptureTime).Hours()
		if age < 0 {
			age = 0
		}
		results = append(results, Result{
			Record:     rec,
			Similarity: sim,
			Score:      sim - r.opts.RecencyPenalty*age,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.CaptureTime.Equal(b.Record.CaptureTime) {
			return a.Record.CaptureTime.After(b.Record.CaptureTime)
		}
		return a.Record.ID > b.Record.ID
	})
	if len(results) > k {
		results = results[:k]
	}

	ans.Results = results
	ans.Outcome = Matched
	if len(results) == 0 {
		ans.Outcome = NoMatch
	}
	span.SetAttributes(attribute.Int("results", len(results)), attribute.Int("candidates", len(candidates)))
	return ans, nil
}
