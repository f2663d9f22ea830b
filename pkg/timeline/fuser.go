package timeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"
)

// FuserConfig exposes the temporal-clustering thresholds. They are the
// primary tuning surface and are tested independently of the service.
type FuserConfig struct {
	MergeGap           time.Duration
	OverlapFraction    float64
	MinLabelConfidence float64
	SummaryMaxLen      int
}

func (c *FuserConfig) applyDefaults() {
	if c.MergeGap <= 0 {
		c.MergeGap = 5 * time.Second
	}
	if c.OverlapFraction <= 0 {
		c.OverlapFraction = 0.5
	}
	if c.MinLabelConfidence <= 0 {
		c.MinLabelConfidence = 0.4
	}
	if c.SummaryMaxLen <= 0 {
		c.SummaryMaxLen = 240
	}
}

// WindowFuser merges one window's observations into memory events.
// Fuse is deterministic: re-running it over an unchanged observation
// set yields the same event ids, summaries and entities, so a window
// may be retried after a crash without duplicating events.
type WindowFuser struct {
	store  Store
	embed  Embedder
	cfg    FuserConfig
	logger *slog.Logger
}

func NewWindowFuser(store Store, embed Embedder, cfg FuserConfig, logger *slog.Logger) *WindowFuser {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowFuser{store: store, embed: embed, cfg: cfg, logger: logger}
}

// Fuse processes all observations with timestamps in [window.Start,
// window.End). The output set commits atomically; a store failure
// leaves nothing partially written and the caller retries with
// backoff.
func (f *WindowFuser) Fuse(ctx context.Context, window FusionWindow) (FusionResult, error) {
	obs, err := f.store.ListObservations(ctx, window.Start, window.End)
	if err != nil {
		return FusionResult{}, fmt.Errorf("%w: list observations: %v", ErrStoreUnavailable, err)
	}

	valid := make([]Observation, 0, len(obs))
	skipped := 0
	for _, o := range obs {
		if verr := validateObservation(o); verr != nil {
			skipped++
			f.logger.Warn("skipping malformed observation", "observation", o.ID, "err", verr)
			continue
		}
		valid = append(valid, o)
	}

	result := FusionResult{Skipped: skipped}
	if len(valid) == 0 {
		if err := f.store.ApplyFusion(ctx, window, nil, nil); err != nil {
			return FusionResult{}, fmt.Errorf("%w: commit empty window: %v", ErrStoreUnavailable, err)
		}
		return result, nil
	}

	open, err := f.store.ListOpenEvents(ctx, time.Time{}, window.End.Add(f.cfg.MergeGap))
	if err != nil {
		return FusionResult{}, fmt.Errorf("%w: list open events: %v", ErrStoreUnavailable, err)
	}

	created := []MemoryEvent{}
	updated := map[string]MemoryEvent{}
	working := make([]MemoryEvent, len(open))
	copy(working, open)
	existing := map[string]MemoryEvent{}
	for _, ev := range open {
		existing[ev.ID] = ev
	}

	for _, cluster := range clusterByGap(valid, f.cfg.MergeGap) {
		cstart := cluster[0].Timestamp
		cend := cluster[len(cluster)-1].Timestamp

		targetIdx := f.pickMergeTarget(working, cstart, cend)
		if targetIdx < 0 {
			// Observations already sealed into an event outside the
			// open set (typically frozen) stay where they are; only
			// unclaimed observations form a new event.
			fresh := make([]Observation, 0, len(cluster))
			for _, o := range cluster {
				if o.EventID != "" {
					if _, isOpen := existing[o.EventID]; !isOpen {
						continue
					}
				}
				fresh = append(fresh, o)
			}
			if len(fresh) == 0 {
				continue
			}
			ev := f.buildEvent(fresh)
			created = append(created, ev)
			working = append(working, ev)
			continue
		}

		target := working[targetIdx]
		merged, err := f.mergeInto(ctx, target, cluster)
		if err != nil {
			return FusionResult{}, err
		}
		working[targetIdx] = merged

		if prior, wasExisting := existing[merged.ID]; wasExisting {
			if eventsEquivalent(prior, merged) {
				// Retry of an already-applied window; nothing changed.
				continue
			}
			merged.Revision = prior.Revision + 1
			working[targetIdx] = merged
			updated[merged.ID] = merged
			continue
		}
		// Target was created earlier in this pass; fold the merge into
		// the pending creation.
		for i := range created {
			if created[i].ID == merged.ID {
				created[i] = merged
				break
			}
		}
	}

	updatedList := make([]MemoryEvent, 0, len(updated))
	for _, ev := range updated {
		updatedList = append(updatedList, ev)
	}
	sort.Slice(updatedList, func(i, j int) bool { return updatedList[i].ID < updatedList[j].ID })

	if err := f.store.ApplyFusion(ctx, window, created, updatedList); err != nil {
		return FusionResult{}, fmt.Errorf("%w: commit window: %v", ErrStoreUnavailable, err)
	}

	result.Created = created
	result.Updated = updatedList
	return result, nil
}

// validateObservation rejects payloads unusable for their modality.
func validateObservation(o Observation) error {
	if o.Confidence < 0 || o.Confidence > 1 {
		return &MalformedObservationError{ObservationID: o.ID, Modality: o.Modality, Reason: "confidence out of range"}
	}
	switch o.Modality {
	case ModalitySpeech, ModalityOCR:
		if strings.TrimSpace(o.Payload.Text) == "" {
			return &MalformedObservationError{ObservationID: o.ID, Modality: o.Modality, Reason: "empty text"}
		}
	case ModalityCaption:
		if strings.TrimSpace(o.Payload.Text) == "" && strings.TrimSpace(o.Payload.Label) == "" {
			return &MalformedObservationError{ObservationID: o.ID, Modality: o.Modality, Reason: "empty caption"}
		}
	case ModalityObject:
		if strings.TrimSpace(o.Payload.Label) == "" && strings.TrimSpace(o.Payload.ClusterID) == "" {
			return &MalformedObservationError{ObservationID: o.ID, Modality: o.Modality, Reason: "no label or cluster"}
		}
	default:
		return &MalformedObservationError{ObservationID: o.ID, Modality: o.Modality, Reason: "unknown modality"}
	}
	return nil
}

// clusterByGap groups time-ordered observations into clusters where
// consecutive members are at most gap apart, across modalities.
func clusterByGap(obs []Observation, gap time.Duration) [][]Observation {
	if len(obs) == 0 {
		return nil
	}
	clusters := [][]Observation{}
	current := []Observation{obs[0]}
	for _, o := range obs[1:] {
		prev := current[len(current)-1]
		if o.Timestamp.Sub(prev.Timestamp) <= gap {
			current = append(current, o)
			continue
		}
		clusters = append(clusters, current)
		current = []Observation{o}
	}
	clusters = append(clusters, current)
	return clusters
}

// pickMergeTarget finds the open event whose range the cluster
// overlaps by more than the configured fraction. The fraction is
// measured against the cluster's own duration; a zero-duration cluster
// counts as fully overlapping when its point lies inside the event.
// Ties resolve to the largest overlap, then the earliest event start,
// then the smallest id, so merging is deterministic.
func (f *WindowFuser) pickMergeTarget(events []MemoryEvent, cstart, cend time.Time) int {
	best := -1
	var bestOverlap time.Duration = -1
	for i, ev := range events {
		if ev.Frozen {
			continue
		}
		ovStart := maxTime(cstart, ev.Start)
		ovEnd := minTime(cend, ev.End)
		if ovEnd.Before(ovStart) {
			continue
		}
		overlap := ovEnd.Sub(ovStart)
		cdur := cend.Sub(cstart)
		if cdur == 0 {
			// Point cluster inside the event range.
		} else if float64(overlap) <= f.cfg.OverlapFraction*float64(cdur) {
			continue
		}
		if overlap > bestOverlap {
			best, bestOverlap = i, overlap
			continue
		}
		if overlap == bestOverlap && best >= 0 {
			cur := events[best]
			if ev.Start.Before(cur.Start) || (ev.Start.Equal(cur.Start) && ev.ID < cur.ID) {
				best = i
			}
		}
	}
	return best
}

// buildEvent creates a new event from one cluster. The id derives from
// the first evidence observation so retried windows regenerate the
// same id.
func (f *WindowFuser) buildEvent(cluster []Observation) MemoryEvent {
	ev := MemoryEvent{
		ID:       eventIDFor(cluster[0].ID),
		Start:    cluster[0].Timestamp,
		End:      cluster[len(cluster)-1].Timestamp,
		Entities: extractEntities(cluster, f.cfg.MinLabelConfidence),
		Revision: 1,
	}
	ev.Summary = buildSummary(cluster, f.cfg.SummaryMaxLen)
	for _, o := range cluster {
		ev.EvidenceRefs = append(ev.EvidenceRefs, o.ID)
	}
	ev.Embedding = f.embed.Embed(EventText(ev))
	return ev
}

// mergeInto folds a cluster into an existing event: evidence is
// unioned and the summary, entities, range and embedding are
// recomputed over the union.
func (f *WindowFuser) mergeInto(ctx context.Context, target MemoryEvent, cluster []Observation) (MemoryEvent, error) {
	union := map[string]Observation{}
	for _, o := range cluster {
		union[o.ID] = o
	}
	missing := []string{}
	for _, id := range target.EvidenceRefs {
		if _, ok := union[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		prior, err := f.store.GetObservations(ctx, missing)
		if err != nil {
			return MemoryEvent{}, fmt.Errorf("%w: load merged evidence: %v", ErrStoreUnavailable, err)
		}
		for id, o := range prior {
			union[id] = o
		}
	}

	all := make([]Observation, 0, len(union))
	for _, o := range union {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].ID < all[j].ID
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	merged := target
	merged.Start = minTime(target.Start, all[0].Timestamp)
	merged.End = maxTime(target.End, all[len(all)-1].Timestamp)
	merged.Entities = extractEntities(all, f.cfg.MinLabelConfidence)
	merged.Summary = buildSummary(all, f.cfg.SummaryMaxLen)
	merged.EvidenceRefs = make([]string, 0, len(all))
	for _, o := range all {
		merged.EvidenceRefs = append(merged.EvidenceRefs, o.ID)
	}
	merged.Embedding = f.embed.Embed(EventText(merged))
	return merged, nil
}

// buildSummary concatenates the highest-confidence caption and speech
// text, bounded to maxLen.
func buildSummary(cluster []Observation, maxLen int) string {
	texts := []Observation{}
	for _, o := range cluster {
		if o.Modality != ModalityCaption && o.Modality != ModalitySpeech {
			continue
		}
		if strings.TrimSpace(o.Payload.Text) == "" {
			continue
		}
		texts = append(texts, o)
	}
	sort.SliceStable(texts, func(i, j int) bool {
		if texts[i].Confidence == texts[j].Confidence {
			if texts[i].Timestamp.Equal(texts[j].Timestamp) {
				return texts[i].ID < texts[j].ID
			}
			return texts[i].Timestamp.Before(texts[j].Timestamp)
		}
		return texts[i].Confidence > texts[j].Confidence
	})

	var b strings.Builder
	for _, o := range texts {
		piece := strings.TrimSpace(o.Payload.Text)
		if b.Len() > 0 {
			if b.Len()+len(piece)+2 > maxLen {
				break
			}
			b.WriteString("; ")
		}
		b.WriteString(piece)
		if b.Len() >= maxLen {
			break
		}
	}
	out := b.String()
	if len(out) > maxLen {
		out = strings.TrimSpace(out[:maxLen])
	}
	if out == "" {
		// Object-only clusters still need a searchable summary.
		labels := []string{}
		for _, o := range cluster {
			if o.Payload.Label != "" {
				labels = append(labels, strings.ToLower(o.Payload.Label))
			}
		}
		sort.Strings(labels)
		out = strings.Join(dedupeStrings(labels), ", ")
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func eventIDFor(firstObservationID string) string {
	h := sha1.Sum([]byte("evt|" + firstObservationID))
	return "evt-" + hex.EncodeToString(h[:8])
}

// eventsEquivalent ignores revision and embedding: embeddings derive
// from summary+entities, which are compared directly.
func eventsEquivalent(a, b MemoryEvent) bool {
	return a.ID == b.ID &&
		a.Start.Equal(b.Start) &&
		a.End.Equal(b.End) &&
		a.Summary == b.Summary &&
		reflect.DeepEqual(normalizeEntityMap(a.Entities), normalizeEntityMap(b.Entities)) &&
		reflect.DeepEqual(a.EvidenceRefs, b.EvidenceRefs)
}

func normalizeEntityMap(m map[EntityKind][]string) map[EntityKind][]string {
	if len(m) == 0 {
		return map[EntityKind][]string{}
	}
	return m
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
