package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent timeline storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the timeline database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create timeline db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process service. One shared connection avoids writer lock
	// contention with SQLite under concurrent fusion workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS fragments (
			id TEXT PRIMARY KEY,
			stream TEXT NOT NULL DEFAULT 'main',
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'observed',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS fragments_time_idx ON fragments(start_ms, end_ms);`,
		`CREATE TABLE IF NOT EXISTS observations (
			id TEXT PRIMARY KEY,
			fragment_id TEXT NOT NULL,
			modality TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			confidence REAL NOT NULL DEFAULT 0,
			source_model TEXT NOT NULL DEFAULT '',
			idem_key TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS observations_ts_idx ON observations(ts_ms, id);`,
		`CREATE INDEX IF NOT EXISTS observations_fragment_idx ON observations(fragment_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS observations_idem_idx ON observations(idem_key) WHERE idem_key <> '';`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			entities_json TEXT NOT NULL DEFAULT '{}',
			embedding_json TEXT NOT NULL DEFAULT '[]',
			revision INTEGER NOT NULL DEFAULT 1,
			frozen INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS events_time_idx ON events(start_ms, end_ms);`,
		`CREATE INDEX IF NOT EXISTS events_open_idx ON events(frozen, end_ms);`,
		`CREATE TABLE IF NOT EXISTS event_evidence (
			event_id TEXT NOT NULL,
			observation_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY(event_id, observation_id)
		);`,
		`CREATE INDEX IF NOT EXISTS event_evidence_event_idx ON event_evidence(event_id, position);`,
		`CREATE TABLE IF NOT EXISTS event_terms (
			term TEXT NOT NULL,
			event_id TEXT NOT NULL,
			PRIMARY KEY(term, event_id)
		);`,
		`CREATE INDEX IF NOT EXISTS event_terms_event_idx ON event_terms(event_id);`,
		`CREATE TABLE IF NOT EXISTS fusion_windows (
			stream TEXT NOT NULL,
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(stream, start_ms, end_ms)
		);`,
		`CREATE INDEX IF NOT EXISTS fusion_windows_status_idx ON fusion_windows(status, start_ms);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(stmt string) string {
	line := strings.TrimSpace(stmt)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func encodePayload(p ObservationPayload) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodePayload(raw string) (ObservationPayload, error) {
	var p ObservationPayload
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return ObservationPayload{}, err
	}
	return p, nil
}

func encodeEntities(m map[EntityKind][]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeEntities(raw string) map[EntityKind][]string {
	out := map[EntityKind][]string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[EntityKind][]string{}
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *SQLiteStore) UpsertFragment(ctx context.Context, frag Fragment) error {
	if strings.TrimSpace(frag.ID) == "" {
		return fmt.Errorf("upsert fragment: empty id")
	}
	if frag.Stream == "" {
		frag.Stream = "main"
	}
	if frag.Status == "" {
		frag.Status = FragmentObserved
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fragments(id, stream, start_ms, end_ms, path, status, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	stream = excluded.stream,
	start_ms = excluded.start_ms,
	end_ms = excluded.end_ms,
	path = CASE WHEN excluded.path <> '' THEN excluded.path ELSE fragments.path END,
	status = excluded.status`,
		frag.ID, frag.Stream, frag.Start.UnixMilli(), frag.End.UnixMilli(), frag.Path, frag.Status, nowMS())
	if err != nil {
		return fmt.Errorf("upsert fragment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFragment(ctx context.Context, id string) (Fragment, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, stream, start_ms, end_ms, path, status FROM fragments WHERE id = ?`, id)
	var out Fragment
	var startMS, endMS int64
	if err := row.Scan(&out.ID, &out.Stream, &startMS, &endMS, &out.Path, &out.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Fragment{}, ErrFragmentNotFound
		}
		return Fragment{}, fmt.Errorf("get fragment: %w", err)
	}
	out.Start = time.UnixMilli(startMS)
	out.End = time.UnixMilli(endMS)
	return out, nil
}

func (s *SQLiteStore) ListFragments(ctx context.Context, limit int) ([]Fragment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, stream, start_ms, end_ms, path, status
FROM fragments ORDER BY start_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	out := make([]Fragment, 0, limit)
	for rows.Next() {
		var f Fragment
		var startMS, endMS int64
		if err := rows.Scan(&f.ID, &f.Stream, &startMS, &endMS, &f.Path, &f.Status); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		f.Start = time.UnixMilli(startMS)
		f.End = time.UnixMilli(endMS)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragments: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SetFragmentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE fragments SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set fragment status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendObservation(ctx context.Context, obs Observation) (bool, error) {
	if strings.TrimSpace(obs.ID) == "" {
		return false, fmt.Errorf("append observation: empty id")
	}
	if strings.TrimSpace(obs.FragmentID) == "" {
		return false, fmt.Errorf("append observation: empty fragment_id")
	}
	if obs.Timestamp.IsZero() {
		return false, fmt.Errorf("append observation: zero timestamp")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO observations(id, fragment_id, modality, ts_ms, payload_json, confidence, source_model, idem_key, event_id, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, '', ?)
ON CONFLICT(id) DO NOTHING`,
		obs.ID, obs.FragmentID, string(obs.Modality), obs.Timestamp.UnixMilli(),
		encodePayload(obs.Payload), obs.Confidence, obs.SourceModel, obs.IdempotencyKey, nowMS())
	if err != nil {
		// Producer redelivery lands here via the idem_key unique index.
		if obs.IdempotencyKey != "" && strings.Contains(err.Error(), "observations_idem_idx") {
			return false, nil
		}
		if obs.IdempotencyKey != "" && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, nil
		}
		return false, fmt.Errorf("append observation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListObservations(ctx context.Context, from, to time.Time) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, fragment_id, modality, ts_ms, payload_json, confidence, source_model, idem_key, event_id
FROM observations
WHERE ts_ms >= ? AND ts_ms < ?
ORDER BY ts_ms, id`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

func (s *SQLiteStore) GetObservations(ctx context.Context, ids []string) (map[string]Observation, error) {
	out := make(map[string]Observation, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, fragment_id, modality, ts_ms, payload_json, confidence, source_model, idem_key, event_id
FROM observations WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get observations: %w", err)
	}
	defer rows.Close()
	list, err := scanObservations(rows)
	if err != nil {
		return nil, err
	}
	for _, obs := range list {
		out[obs.ID] = obs
	}
	return out, nil
}

func scanObservations(rows *sql.Rows) ([]Observation, error) {
	out := []Observation{}
	for rows.Next() {
		var obs Observation
		var modality, payloadRaw string
		var tsMS int64
		if err := rows.Scan(&obs.ID, &obs.FragmentID, &modality, &tsMS, &payloadRaw, &obs.Confidence, &obs.SourceModel, &obs.IdempotencyKey, &obs.EventID); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs.Modality = Modality(modality)
		obs.Timestamp = time.UnixMilli(tsMS)
		payload, err := decodePayload(payloadRaw)
		if err != nil {
			// Keep the row; fusion classifies it as malformed.
			payload = ObservationPayload{}
		}
		obs.Payload = payload
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return out, nil
}

const eventColumns = `id, start_ms, end_ms, summary, entities_json, embedding_json, revision, frozen`

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (MemoryEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryEvent{}, ErrEventNotFound
		}
		return MemoryEvent{}, fmt.Errorf("get event: %w", err)
	}
	if err := s.attachEvidence(ctx, []*MemoryEvent{&ev}); err != nil {
		return MemoryEvent{}, err
	}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (MemoryEvent, error) {
	var ev MemoryEvent
	var startMS, endMS int64
	var entitiesRaw, embeddingRaw string
	var frozen int
	if err := row.Scan(&ev.ID, &startMS, &endMS, &ev.Summary, &entitiesRaw, &embeddingRaw, &ev.Revision, &frozen); err != nil {
		return MemoryEvent{}, err
	}
	ev.Start = time.UnixMilli(startMS)
	ev.End = time.UnixMilli(endMS)
	ev.Entities = decodeEntities(entitiesRaw)
	ev.Embedding = decodeVector(embeddingRaw)
	ev.Frozen = frozen != 0
	return ev, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, from, to time.Time, limit int) ([]MemoryEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	fromMS := msOrZero(from)
	toMS := msOrZero(to)
	if toMS == 0 {
		toMS = int64(1) << 62
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+eventColumns+` FROM events
WHERE end_ms >= ? AND start_ms <= ?
ORDER BY start_ms, id LIMIT ?`, fromMS, toMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return s.collectEvents(ctx, rows)
}

func (s *SQLiteStore) ListOpenEvents(ctx context.Context, from, to time.Time) ([]MemoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+eventColumns+` FROM events
WHERE frozen = 0 AND end_ms >= ? AND start_ms <= ?
ORDER BY start_ms, id`, msOrZero(from), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list open events: %w", err)
	}
	defer rows.Close()
	return s.collectEvents(ctx, rows)
}

func (s *SQLiteStore) collectEvents(ctx context.Context, rows *sql.Rows) ([]MemoryEvent, error) {
	out := []MemoryEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	refs := make([]*MemoryEvent, len(out))
	for i := range out {
		refs[i] = &out[i]
	}
	if err := s.attachEvidence(ctx, refs); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) attachEvidence(ctx context.Context, events []*MemoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	byID := make(map[string]*MemoryEvent, len(events))
	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
		placeholders = append(placeholders, "?")
		args = append(args, ev.ID)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, observation_id
FROM event_evidence
WHERE event_id IN (`+strings.Join(placeholders, ",")+`)
ORDER BY event_id, position`, args...)
	if err != nil {
		return fmt.Errorf("load evidence: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventID, obsID string
		if err := rows.Scan(&eventID, &obsID); err != nil {
			return fmt.Errorf("scan evidence: %w", err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.EvidenceRefs = append(ev.EvidenceRefs, obsID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate evidence: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ApplyFusion(ctx context.Context, window FusionWindow, created, updated []MemoryEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply fusion begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	for _, ev := range created {
		if err := upsertEventTx(ctx, tx, ev, now, false); err != nil {
			return err
		}
	}
	for _, ev := range updated {
		if err := upsertEventTx(ctx, tx, ev, now, true); err != nil {
			return err
		}
	}

	window.Status = WindowFused
	if _, err := tx.ExecContext(ctx, `
INSERT INTO fusion_windows(stream, start_ms, end_ms, status, attempts, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(stream, start_ms, end_ms) DO UPDATE SET
	status = excluded.status,
	attempts = fusion_windows.attempts + 1,
	updated_at_ms = excluded.updated_at_ms`,
		window.Stream, window.Start.UnixMilli(), window.End.UnixMilli(), window.Status, window.Attempts, now); err != nil {
		return fmt.Errorf("apply fusion record window: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply fusion commit: %w", err)
	}
	return nil
}

// upsertEventTx writes one event with a revision guard. When an update
// loses the revision race, its unique evidence references are still
// merged so no observation link is dropped.
func upsertEventTx(ctx context.Context, tx *sql.Tx, ev MemoryEvent, now int64, revisionGuard bool) error {
	guard := ""
	if revisionGuard {
		guard = " WHERE excluded.revision > events.revision"
	}
	frozen := 0
	if ev.Frozen {
		frozen = 1
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO events(id, start_ms, end_ms, summary, entities_json, embedding_json, revision, frozen, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	start_ms = excluded.start_ms,
	end_ms = excluded.end_ms,
	summary = excluded.summary,
	entities_json = excluded.entities_json,
	embedding_json = excluded.embedding_json,
	revision = excluded.revision,
	frozen = excluded.frozen,
	updated_at_ms = excluded.updated_at_ms`+guard,
		ev.ID, ev.Start.UnixMilli(), ev.End.UnixMilli(), ev.Summary,
		encodeEntities(ev.Entities), encodeVector(ev.Embedding), ev.Revision, frozen, now, now)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", ev.ID, err)
	}

	for i, obsID := range ev.EvidenceRefs {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO event_evidence(event_id, observation_id, position)
VALUES(?, ?, ?)
ON CONFLICT(event_id, observation_id) DO NOTHING`, ev.ID, obsID, i); err != nil {
			return fmt.Errorf("upsert evidence %s/%s: %w", ev.ID, obsID, err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE observations SET event_id = ? WHERE id = ?`, ev.ID, obsID); err != nil {
			return fmt.Errorf("backref observation %s: %w", obsID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) FreezeEventsEndingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE events SET frozen = 1 WHERE frozen = 0 AND end_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("freeze events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteEventsWithin(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM events WHERE start_ms >= ? AND end_ms <= ?`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("select deletable events: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, s.deleteEventsByID(ctx, ids)
}

func (s *SQLiteStore) DeleteAllEvents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM events`)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, s.deleteEventsByID(ctx, ids)
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *SQLiteStore) deleteEventsByID(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete events begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_evidence WHERE event_id = ?`, id); err != nil {
			return fmt.Errorf("delete evidence %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_terms WHERE event_id = ?`, id); err != nil {
			return fmt.Errorf("delete terms %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE observations SET event_id = '' WHERE event_id = ?`, id); err != nil {
			return fmt.Errorf("clear backrefs %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete event %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete events commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceEventTerms(ctx context.Context, eventID string, terms []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace terms begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_terms WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("clear terms %s: %w", eventID, err)
	}
	for _, term := range terms {
		term = strings.TrimSpace(strings.ToLower(term))
		if term == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO event_terms(term, event_id) VALUES(?, ?)
ON CONFLICT(term, event_id) DO NOTHING`, term, eventID); err != nil {
			return fmt.Errorf("insert term %q: %w", term, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace terms commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveEventTerms(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_terms WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("remove terms %s: %w", eventID, err)
	}
	return nil
}

func (s *SQLiteStore) EventIDsByTerms(ctx context.Context, terms []string) (map[string]int, error) {
	out := map[string]int{}
	if len(terms) == 0 {
		return out, nil
	}
	placeholders := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms))
	seen := map[string]struct{}{}
	for _, term := range terms {
		term = strings.TrimSpace(strings.ToLower(term))
		if term == "" {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		placeholders = append(placeholders, "?")
		args = append(args, term)
	}
	if len(args) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, COUNT(DISTINCT term)
FROM event_terms
WHERE term IN (`+strings.Join(placeholders, ",")+`)
GROUP BY event_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("search terms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var hits int
		if err := rows.Scan(&id, &hits); err != nil {
			return nil, fmt.Errorf("scan term hit: %w", err)
		}
		out[id] = hits
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate term hits: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertWindow(ctx context.Context, win FusionWindow) error {
	if win.Stream == "" {
		win.Stream = "main"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fusion_windows(stream, start_ms, end_ms, status, attempts, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(stream, start_ms, end_ms) DO UPDATE SET
	status = excluded.status,
	attempts = excluded.attempts,
	updated_at_ms = excluded.updated_at_ms`,
		win.Stream, win.Start.UnixMilli(), win.End.UnixMilli(), win.Status, win.Attempts, nowMS())
	if err != nil {
		return fmt.Errorf("upsert window: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListWindows(ctx context.Context, status string, limit int) ([]FusionWindow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT stream, start_ms, end_ms, status, attempts
FROM fusion_windows
WHERE (? = '' OR status = ?)
ORDER BY start_ms LIMIT ?`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer rows.Close()

	out := []FusionWindow{}
	for rows.Next() {
		var w FusionWindow
		var startMS, endMS int64
		if err := rows.Scan(&w.Stream, &startMS, &endMS, &w.Status, &w.Attempts); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		w.Start = time.UnixMilli(startMS)
		w.End = time.UnixMilli(endMS)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}
	return out, nil
}
