package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

const eventCollection = "events"

// SemanticHit is one vector-search result.
type SemanticHit struct {
	EventID string
	Score   float64
	EndMS   int64
}

// IndexManager maintains the semantic vector index (chromem-go) and
// the keyword term index (event_terms table) over memory events. Both
// are derived state, rebuildable from the event table. Upserts and
// searches may run concurrently from fusion workers and query
// handlers; the RWMutex guarantees a search observes an event's old
// index state or its fully-upserted new state, never a mix.
type IndexManager struct {
	mu    sync.RWMutex
	db    *chromem.DB
	col   *chromem.Collection
	store Store
	embed Embedder
	norm  Normalizer
}

// NewIndexManager opens (or creates) the vector index. An empty path
// keeps vectors in memory, which tests use.
func NewIndexManager(path string, store Store, embed Embedder, norm Normalizer) (*IndexManager, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	}
	col, err := db.GetOrCreateCollection(eventCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open vector collection: %w", err)
	}
	return &IndexManager{db: db, col: col, store: store, embed: embed, norm: norm}, nil
}

// EmbedQuery embeds free text with the index's embedder.
func (m *IndexManager) EmbedQuery(text string) []float32 {
	return m.embed.Embed(text)
}

// EventTerms derives the normalized keyword terms for an event from
// its summary and entity values.
func (m *IndexManager) EventTerms(ev MemoryEvent) []string {
	seen := map[string]struct{}{}
	out := []string{}
	collect := func(text string) {
		for _, term := range m.norm.Terms(text) {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			out = append(out, term)
		}
	}
	collect(ev.Summary)
	for _, vals := range ev.Entities {
		for _, v := range vals {
			collect(v)
		}
	}
	return out
}

// Upsert replaces the event's entries in both indexes. The update is
// durable in the keyword index and process-visible in the vector index
// once Upsert returns; callers must not assume durability earlier.
func (m *IndexManager) Upsert(ctx context.Context, ev MemoryEvent) error {
	emb := ev.Embedding
	if len(emb) == 0 {
		emb = m.embed.Embed(EventText(ev))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_ = m.col.Delete(ctx, nil, nil, ev.ID)
	doc := chromem.Document{
		ID:        ev.ID,
		Content:   EventText(ev),
		Embedding: emb,
		Metadata: map[string]string{
			"start_ms": strconv.FormatInt(ev.Start.UnixMilli(), 10),
			"end_ms":   strconv.FormatInt(ev.End.UnixMilli(), 10),
		},
	}
	if err := m.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index vector upsert %s: %w", ev.ID, err)
	}
	if err := m.store.ReplaceEventTerms(ctx, ev.ID, m.EventTerms(ev)); err != nil {
		return fmt.Errorf("index term upsert %s: %w", ev.ID, err)
	}
	return nil
}

// Remove drops the event from both indexes.
func (m *IndexManager) Remove(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.col.Delete(ctx, nil, nil, eventID); err != nil {
		return fmt.Errorf("index vector remove %s: %w", eventID, err)
	}
	if err := m.store.RemoveEventTerms(ctx, eventID); err != nil {
		return fmt.Errorf("index term remove %s: %w", eventID, err)
	}
	return nil
}

// SearchSemantic returns up to k events by cosine similarity,
// descending, ties broken by more recent event end. A non-nil allowed
// set restricts results to those event ids; the restricted search
// scores every allowed event against its stored embedding, so events
// inside the set are never crowded out by better matches outside it.
func (m *IndexManager) SearchSemantic(ctx context.Context, vec []float32, k int, allowed map[string]struct{}) ([]SemanticHit, error) {
	if k <= 0 {
		k = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []SemanticHit
	if allowed != nil {
		hits = make([]SemanticHit, 0, len(allowed))
		for id := range allowed {
			ev, err := m.store.GetEvent(ctx, id)
			if err != nil {
				if errors.Is(err, ErrEventNotFound) {
					continue
				}
				return nil, fmt.Errorf("semantic search: %w", err)
			}
			emb := ev.Embedding
			if len(emb) == 0 {
				emb = m.embed.Embed(EventText(ev))
			}
			hits = append(hits, SemanticHit{EventID: id, Score: cosineSimilarity(vec, emb), EndMS: ev.End.UnixMilli()})
		}
	} else {
		count := m.col.Count()
		if count == 0 {
			return nil, nil
		}
		n := k
		if n > count {
			n = count
		}
		results, err := m.col.QueryEmbedding(ctx, vec, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("semantic search: %w", err)
		}
		hits = make([]SemanticHit, 0, len(results))
		for _, res := range results {
			endMS, _ := strconv.ParseInt(res.Metadata["end_ms"], 10, 64)
			hits = append(hits, SemanticHit{EventID: res.ID, Score: float64(res.Similarity), EndMS: endMS})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].EndMS > hits[j].EndMS
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SearchKeyword returns, per matching event id, how many of the given
// normalized terms it matched. Matching is exact on normalized tokens.
func (m *IndexManager) SearchKeyword(ctx context.Context, terms []string, allowed map[string]struct{}) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits, err := m.store.EventIDsByTerms(ctx, terms)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	if allowed == nil {
		return hits, nil
	}
	out := make(map[string]int, len(hits))
	for id, n := range hits {
		if _, ok := allowed[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

// Rebuild repopulates both indexes from the full event set, in event
// start order. Membership matches incremental upserts; floating-point
// tie-break order may differ.
func (m *IndexManager) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.DeleteCollection(eventCollection); err != nil {
		return fmt.Errorf("rebuild drop collection: %w", err)
	}
	col, err := m.db.GetOrCreateCollection(eventCollection, nil, nil)
	if err != nil {
		return fmt.Errorf("rebuild create collection: %w", err)
	}
	m.col = col

	events, err := m.store.ListEvents(ctx, time.Time{}, time.Time{}, 1<<20)
	if err != nil {
		return fmt.Errorf("rebuild list events: %w", err)
	}
	for _, ev := range events {
		emb := ev.Embedding
		if len(emb) == 0 {
			emb = m.embed.Embed(EventText(ev))
		}
		doc := chromem.Document{
			ID:        ev.ID,
			Content:   EventText(ev),
			Embedding: emb,
			Metadata: map[string]string{
				"start_ms": strconv.FormatInt(ev.Start.UnixMilli(), 10),
				"end_ms":   strconv.FormatInt(ev.End.UnixMilli(), 10),
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("rebuild vector %s: %w", ev.ID, err)
		}
		if err := m.store.ReplaceEventTerms(ctx, ev.ID, m.EventTerms(ev)); err != nil {
			return fmt.Errorf("rebuild terms %s: %w", ev.ID, err)
		}
	}
	return nil
}
