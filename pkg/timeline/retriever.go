package timeline

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RetrieverConfig tunes evidence ranking. KeywordBonus and KeywordBase
// control how exact literal matches blend with semantic rank; whatever
// the weights, a literal match is never excluded by low semantic rank.
type RetrieverConfig struct {
	TopK           int
	CandidateLimit int
	KeywordBonus   float64
	KeywordBase    float64
	MaxEvidence    int
}

func (c *RetrieverConfig) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 500
	}
	if c.KeywordBonus <= 0 {
		c.KeywordBonus = 0.25
	}
	if c.KeywordBase <= 0 {
		c.KeywordBase = 0.45
	}
	if c.MaxEvidence <= 0 {
		c.MaxEvidence = 10
	}
}

// Retriever combines time-window filtering, semantic top-k search and
// exact keyword matching into one ranked evidence set.
type Retriever struct {
	store Store
	index *IndexManager
	cfg   RetrieverConfig
}

func NewRetriever(store Store, index *IndexManager, cfg RetrieverConfig) *Retriever {
	cfg.applyDefaults()
	return &Retriever{store: store, index: index, cfg: cfg}
}

// Retrieve ranks events against the parsed query. An empty candidate
// set (nothing recorded in the hinted window) returns empty evidence,
// which the composer renders as "no memory in that window".
func (r *Retriever) Retrieve(ctx context.Context, q ParsedQuery) (RankedEvidence, error) {
	var from, to time.Time
	if q.Time.Bounded {
		from, to = q.Time.Start, q.Time.End
	}
	candidates, err := r.store.ListEvents(ctx, from, to, r.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: list candidates: %v", ErrStoreUnavailable, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	allowed := make(map[string]struct{}, len(candidates))
	byID := make(map[string]MemoryEvent, len(candidates))
	for _, ev := range candidates {
		allowed[ev.ID] = struct{}{}
		byID[ev.ID] = ev
	}

	semantic, err := r.index.SearchSemantic(ctx, r.index.EmbedQuery(q.FreeText), r.cfg.TopK, allowed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	keyword, err := r.index.SearchKeyword(ctx, q.LiteralTerms, allowed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	scored := map[string]*ScoredEvent{}
	for _, hit := range semantic {
		ev := byID[hit.EventID]
		// Cosine similarity maps to [0,1] before blending.
		s := (hit.Score + 1) / 2
		scored[hit.EventID] = &ScoredEvent{Event: ev, Score: s, SemanticScore: s}
	}
	for id, hits := range keyword {
		if se, ok := scored[id]; ok {
			se.KeywordHits = hits
			se.Score += r.cfg.KeywordBonus * float64(minInt(hits, 2))
			continue
		}
		// Outside the semantic top-k: kept with a keyword-derived
		// score so exact literals are never lost to semantic ranking.
		scored[id] = &ScoredEvent{
			Event:       byID[id],
			Score:       r.cfg.KeywordBase + 0.1*float64(minInt(hits, 3)),
			KeywordHits: hits,
		}
	}
	if len(scored) == 0 {
		return nil, nil
	}

	out := make(RankedEvidence, 0, len(scored))
	for _, se := range scored {
		out = append(out, *se)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			if out[i].Event.End.Equal(out[j].Event.End) {
				return out[i].Event.ID < out[j].Event.ID
			}
			return out[i].Event.End.After(out[j].Event.End)
		}
		return out[i].Score > out[j].Score
	})
	if len(out) > r.cfg.MaxEvidence {
		out = out[:r.cfg.MaxEvidence]
	}
	return out, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
