package timeline

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "timeline.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestFuser(store *SQLiteStore) *WindowFuser {
	return NewWindowFuser(store, NewEmbedder(""), FuserConfig{}, nil)
}

func mustAppend(t *testing.T, store *SQLiteStore, obs Observation) {
	t.Helper()
	if _, err := store.AppendObservation(context.Background(), obs); err != nil {
		t.Fatalf("append %s: %v", obs.ID, err)
	}
}

func baseTime() time.Time {
	return time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
}

func TestWindowFuser_FusesMultimodalPriceScene(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fuser := newTestFuser(store)
	t0 := baseTime()

	mustAppend(t, store, Observation{
		ID: "obs-speech", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0,
		Payload:   ObservationPayload{Text: "These shoes cost forty-two dollars"},
		Confidence: 0.9,
	})
	mustAppend(t, store, Observation{
		ID: "obs-ocr", FragmentID: "frag-1", Modality: ModalityOCR,
		Timestamp: t0.Add(1 * time.Second),
		Payload:   ObservationPayload{Text: "$42.00"},
		Confidence: 0.95,
	})
	mustAppend(t, store, Observation{
		ID: "obs-object", FragmentID: "frag-1", Modality: ModalityObject,
		Timestamp: t0.Add(2 * time.Second),
		Payload:   ObservationPayload{Label: "store"},
		Confidence: 0.8,
	})
	mustAppend(t, store, Observation{
		ID: "obs-caption", FragmentID: "frag-1", Modality: ModalityCaption,
		Timestamp: t0.Add(3 * time.Second),
		Payload:   ObservationPayload{Text: "Checking out at a shoe store"},
		Confidence: 0.7,
	})

	win := FusionWindow{Stream: "cam-0", Start: t0, End: t0.Add(10 * time.Second)}
	res, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if len(res.Created) != 1 || len(res.Updated) != 0 {
		t.Fatalf("expected 1 created event, got created=%d updated=%d", len(res.Created), len(res.Updated))
	}

	ev := res.Created[0]
	if got := ev.Entities[EntityPrice]; !reflect.DeepEqual(got, []string{"$42.00"}) {
		t.Fatalf("price entities = %v, want [$42.00]", got)
	}
	if got := ev.Entities[EntityLocation]; !reflect.DeepEqual(got, []string{"store"}) {
		t.Fatalf("location entities = %v, want [store]", got)
	}
	wantRefs := []string{"obs-speech", "obs-ocr", "obs-object", "obs-caption"}
	if !reflect.DeepEqual(ev.EvidenceRefs, wantRefs) {
		t.Fatalf("evidence refs = %v, want %v", ev.EvidenceRefs, wantRefs)
	}
	if !ev.Start.Equal(t0) || !ev.End.Equal(t0.Add(3*time.Second)) {
		t.Fatalf("event range = [%v, %v]", ev.Start, ev.End)
	}
	if ev.Summary == "" {
		t.Fatal("expected a non-empty summary")
	}
	if len(ev.Embedding) == 0 {
		t.Fatal("expected an embedding")
	}

	stored, err := store.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Revision != 1 {
		t.Fatalf("stored revision = %d, want 1", stored.Revision)
	}
}

func TestWindowFuser_RetryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fuser := newTestFuser(store)
	t0 := baseTime()

	mustAppend(t, store, Observation{
		ID: "obs-a", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0, Payload: ObservationPayload{Text: "coffee with Dana"}, Confidence: 0.8,
	})
	mustAppend(t, store, Observation{
		ID: "obs-b", FragmentID: "frag-1", Modality: ModalityCaption,
		Timestamp: t0.Add(2 * time.Second), Payload: ObservationPayload{Text: "two people at a table"}, Confidence: 0.6,
	})

	win := FusionWindow{Stream: "cam-0", Start: t0, End: t0.Add(10 * time.Second)}
	first, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("first fuse: %v", err)
	}
	if len(first.Created) != 1 {
		t.Fatalf("first fuse created %d events", len(first.Created))
	}

	second, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("second fuse: %v", err)
	}
	if len(second.Created) != 0 || len(second.Updated) != 0 {
		t.Fatalf("retry changed state: created=%d updated=%d", len(second.Created), len(second.Updated))
	}

	events, err := store.ListEvents(ctx, time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event after retry, got %d", len(events))
	}
	if events[0].Revision != 1 {
		t.Fatalf("retry bumped revision to %d", events[0].Revision)
	}
	if events[0].ID != first.Created[0].ID {
		t.Fatalf("retry produced a different event id: %s vs %s", events[0].ID, first.Created[0].ID)
	}
}

func TestWindowFuser_LateObservationMergesIntoEvent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fuser := newTestFuser(store)
	t0 := baseTime()

	mustAppend(t, store, Observation{
		ID: "obs-a", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0, Payload: ObservationPayload{Text: "unpacking groceries"}, Confidence: 0.8,
	})
	mustAppend(t, store, Observation{
		ID: "obs-b", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0.Add(4 * time.Second), Payload: ObservationPayload{Text: "milk goes in the fridge"}, Confidence: 0.7,
	})

	win := FusionWindow{Stream: "cam-0", Start: t0, End: t0.Add(10 * time.Second)}
	first, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("first fuse: %v", err)
	}
	if len(first.Created) != 1 {
		t.Fatalf("first fuse created %d events", len(first.Created))
	}
	evID := first.Created[0].ID

	// A slow producer delivers after the window already fused.
	mustAppend(t, store, Observation{
		ID: "obs-late", FragmentID: "frag-1", Modality: ModalityObject,
		Timestamp: t0.Add(2 * time.Second), Payload: ObservationPayload{Label: "kitchen"}, Confidence: 0.9,
	})

	second, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("second fuse: %v", err)
	}
	if len(second.Created) != 0 || len(second.Updated) != 1 {
		t.Fatalf("expected 1 updated event, got created=%d updated=%d", len(second.Created), len(second.Updated))
	}

	merged := second.Updated[0]
	if merged.ID != evID {
		t.Fatalf("merge created a new event %s instead of updating %s", merged.ID, evID)
	}
	if merged.Revision != 2 {
		t.Fatalf("merged revision = %d, want 2", merged.Revision)
	}
	wantRefs := []string{"obs-a", "obs-late", "obs-b"}
	if !reflect.DeepEqual(merged.EvidenceRefs, wantRefs) {
		t.Fatalf("merged refs = %v, want %v", merged.EvidenceRefs, wantRefs)
	}
	if got := merged.Entities[EntityLocation]; !reflect.DeepEqual(got, []string{"kitchen"}) {
		t.Fatalf("merged location = %v, want [kitchen]", got)
	}
}

func TestWindowFuser_GapSplitsClusters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fuser := newTestFuser(store)
	t0 := baseTime()

	mustAppend(t, store, Observation{
		ID: "obs-a", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0, Payload: ObservationPayload{Text: "locking the front door"}, Confidence: 0.8,
	})
	mustAppend(t, store, Observation{
		ID: "obs-b", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0.Add(30 * time.Second), Payload: ObservationPayload{Text: "starting the car"}, Confidence: 0.8,
	})

	win := FusionWindow{Stream: "cam-0", Start: t0, End: t0.Add(60 * time.Second)}
	res, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if len(res.Created) != 2 {
		t.Fatalf("expected 2 events across the gap, got %d", len(res.Created))
	}
	if res.Created[0].ID == res.Created[1].ID {
		t.Fatal("gap clusters collapsed into one event")
	}
}

func TestWindowFuser_SkipsMalformedObservations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fuser := newTestFuser(store)
	t0 := baseTime()

	mustAppend(t, store, Observation{
		ID: "obs-bad", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0, Payload: ObservationPayload{Text: "   "}, Confidence: 0.8,
	})
	mustAppend(t, store, Observation{
		ID: "obs-good", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0.Add(time.Second), Payload: ObservationPayload{Text: "watering the plants"}, Confidence: 0.8,
	})

	win := FusionWindow{Stream: "cam-0", Start: t0, End: t0.Add(10 * time.Second)}
	res, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if res.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", res.Skipped)
	}
	if len(res.Created) != 1 {
		t.Fatalf("expected the valid observation to fuse, created=%d", len(res.Created))
	}
	if !reflect.DeepEqual(res.Created[0].EvidenceRefs, []string{"obs-good"}) {
		t.Fatalf("evidence refs = %v", res.Created[0].EvidenceRefs)
	}
}

func TestWindowFuser_EmptyWindowCommits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fuser := newTestFuser(store)
	t0 := baseTime()

	win := FusionWindow{Stream: "cam-0", Start: t0, End: t0.Add(10 * time.Second), Status: WindowPending}
	if err := store.UpsertWindow(ctx, win); err != nil {
		t.Fatalf("upsert window: %v", err)
	}

	res, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if len(res.Created) != 0 || res.Skipped != 0 {
		t.Fatalf("empty window produced created=%d skipped=%d", len(res.Created), res.Skipped)
	}

	pending, err := store.ListWindows(ctx, WindowPending, 10)
	if err != nil {
		t.Fatalf("list windows: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("window still pending after empty fuse: %v", pending)
	}
}

func TestWindowFuser_DoesNotMergeIntoFrozenEvent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fuser := newTestFuser(store)
	t0 := baseTime()

	mustAppend(t, store, Observation{
		ID: "obs-a", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0, Payload: ObservationPayload{Text: "morning run in the park"}, Confidence: 0.8,
	})
	win := FusionWindow{Stream: "cam-0", Start: t0, End: t0.Add(10 * time.Second)}
	first, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("first fuse: %v", err)
	}
	if len(first.Created) != 1 {
		t.Fatalf("first fuse created %d events", len(first.Created))
	}

	if _, err := store.FreezeEventsEndingBefore(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	mustAppend(t, store, Observation{
		ID: "obs-late", FragmentID: "frag-1", Modality: ModalitySpeech,
		Timestamp: t0.Add(time.Second), Payload: ObservationPayload{Text: "stretching by the gate"}, Confidence: 0.8,
	})

	second, err := fuser.Fuse(ctx, win)
	if err != nil {
		t.Fatalf("second fuse: %v", err)
	}
	if len(second.Updated) != 0 {
		t.Fatalf("frozen event was updated: %v", second.Updated)
	}
	if len(second.Created) != 1 {
		t.Fatalf("expected a fresh event beside the frozen one, created=%d", len(second.Created))
	}
	if second.Created[0].ID == first.Created[0].ID {
		t.Fatal("new event reused the frozen event's id")
	}
}
