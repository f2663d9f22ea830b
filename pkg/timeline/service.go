package timeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dgraph-io/ristretto"

	"github.com/lifetrace-ai/lifetrace/pkg/bus"
)

// ServiceConfig configures the timeline pipeline.
type ServiceConfig struct {
	Workspace         string
	EmbedModel        string
	Fuser             FuserConfig
	Retriever         RetrieverConfig
	Composer          ComposerConfig
	FusionWorkers     int
	FuseRetries       int
	FuseBackoff       time.Duration
	FreezeAfter       time.Duration
	AnswerCacheTTL    time.Duration
	BusCapacity       int
	SweepPoll         time.Duration
	RetentionSchedule string
	RetentionHorizon  time.Duration
}

func (c *ServiceConfig) applyDefaults() {
	if c.FusionWorkers <= 0 {
		c.FusionWorkers = 2
	}
	if c.FuseRetries <= 0 {
		c.FuseRetries = 5
	}
	if c.FuseBackoff <= 0 {
		c.FuseBackoff = 250 * time.Millisecond
	}
	if c.FreezeAfter <= 0 {
		c.FreezeAfter = 2 * time.Minute
	}
	if c.AnswerCacheTTL <= 0 {
		c.AnswerCacheTTL = 20 * time.Second
	}
	if c.BusCapacity <= 0 {
		c.BusCapacity = 100
	}
	if c.SweepPoll <= 0 {
		c.SweepPoll = 30 * time.Second
	}
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	WindowsFused         uint64 `json:"windows_fused"`
	WindowsFailed        uint64 `json:"windows_failed"`
	ObservationsSkipped  uint64 `json:"observations_skipped"`
	EventsCreated        uint64 `json:"events_created"`
	EventsUpdated        uint64 `json:"events_updated"`
	EventsDeleted        uint64 `json:"events_deleted"`
	AnswerCacheHits      uint64 `json:"answer_cache_hits"`
	AnswerCacheMisses    uint64 `json:"answer_cache_misses"`
	DroppedFragmentNotes uint64 `json:"dropped_fragment_notices"`
}

type counters struct {
	windowsFused        atomic.Uint64
	windowsFailed       atomic.Uint64
	observationsSkipped atomic.Uint64
	eventsCreated       atomic.Uint64
	eventsUpdated       atomic.Uint64
	eventsDeleted       atomic.Uint64
	cacheHits           atomic.Uint64
	cacheMisses         atomic.Uint64
}

// Service owns the whole pipeline: observation ingest, a bounded pool
// of fusion workers fed by the fragment bus, both indexes, and the
// synchronous parse/retrieve/compose query path. Queries run fully in
// parallel with fusion; the index manager provides the consistency
// boundary between them.
type Service struct {
	cfg       ServiceConfig
	store     Store
	index     *IndexManager
	fuser     *WindowFuser
	parser    *QueryParser
	retriever *Retriever
	composer  *Composer
	fragBus   *bus.FragmentBus
	cache     *ristretto.Cache
	logger    *slog.Logger
	gron      *gronx.Gronx

	workers []chan bus.FragmentNotice
	stopCh  chan struct{}
	wg      sync.WaitGroup

	retentionMu   sync.Mutex
	lastRetention time.Time

	stats counters

	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Workspace) == "" {
		return nil, fmt.Errorf("timeline workspace is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	gron := gronx.New()
	if cfg.RetentionSchedule != "" && !gron.IsValid(cfg.RetentionSchedule) {
		return nil, fmt.Errorf("invalid retention schedule %q", cfg.RetentionSchedule)
	}

	store, err := NewSQLiteStore(filepath.Join(cfg.Workspace, "state", "timeline.db"))
	if err != nil {
		return nil, err
	}
	embed := NewEmbedder(cfg.EmbedModel)
	norm := NewDefaultNormalizer()
	index, err := NewIndexManager(filepath.Join(cfg.Workspace, "state", "vectors"), store, embed, norm)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init answer cache: %w", err)
	}

	svc := &Service{
		cfg:       cfg,
		store:     store,
		index:     index,
		fuser:     NewWindowFuser(store, embed, cfg.Fuser, logger),
		parser:    NewQueryParser(norm),
		retriever: NewRetriever(store, index, cfg.Retriever),
		composer:  NewComposer(cfg.Composer),
		fragBus:   bus.NewFragmentBus(cfg.BusCapacity),
		cache:     cache,
		logger:    logger,
		gron:      gron,
		stopCh:    make(chan struct{}),
	}

	svc.workers = make([]chan bus.FragmentNotice, cfg.FusionWorkers)
	for i := range svc.workers {
		svc.workers[i] = make(chan bus.FragmentNotice, 16)
		svc.wg.Add(1)
		go svc.runFusionWorker(svc.workers[i])
	}
	svc.wg.Add(2)
	go svc.runDispatcher()
	go svc.runSweeper()

	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.fragBus.Close()
		s.wg.Wait()
		s.cache.Close()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// IngestObservation records one producer observation. Redelivered
// observations (same idempotency key) are absorbed silently.
func (s *Service) IngestObservation(ctx context.Context, obs Observation) (bool, error) {
	if err := validateObservation(obs); err != nil {
		return false, err
	}
	return s.store.AppendObservation(ctx, obs)
}

// FragmentComplete is the fusion-trigger hook the ingestion layer
// invokes once a fragment's observations are believed complete. The
// window is recorded durably before the notice is published, so a
// dropped notice is recovered by the sweeper.
func (s *Service) FragmentComplete(ctx context.Context, frag Fragment) error {
	if err := s.store.UpsertFragment(ctx, frag); err != nil {
		return err
	}
	win := FusionWindow{Stream: frag.Stream, Start: frag.Start, End: frag.End, Status: WindowPending}
	if err := s.store.UpsertWindow(ctx, win); err != nil {
		return err
	}
	s.fragBus.Publish(bus.FragmentNotice{
		FragmentID: frag.ID,
		Stream:     frag.Stream,
		Start:      frag.Start,
		End:        frag.End,
	})
	return nil
}

// Ask answers a free-text question against current memory state. It
// returns an error only for infrastructure failure; "didn't know" is a
// structured uncertain Answer.
func (s *Service) Ask(ctx context.Context, question string, now time.Time) (Answer, error) {
	if now.IsZero() {
		now = time.Now()
	}
	key := answerCacheKey(question, now)
	if v, ok := s.cache.Get(key); ok {
		if ans, ok := v.(Answer); ok {
			s.stats.cacheHits.Add(1)
			return ans, nil
		}
	}
	s.stats.cacheMisses.Add(1)

	q := s.parser.Parse(question, now)
	evidence, err := s.retriever.Retrieve(ctx, q)
	if err != nil {
		return Answer{}, err
	}
	ans := s.composer.Compose(q, evidence)
	s.cache.SetWithTTL(key, ans, 1, s.cfg.AnswerCacheTTL)
	return ans, nil
}

// DeleteRange cascades deletion to events whose time range lies fully
// inside [start,end] and to their index entries. Partially-overlapping
// events survive untouched.
func (s *Service) DeleteRange(ctx context.Context, start, end time.Time) (int, error) {
	ids, err := s.store.DeleteEventsWithin(ctx, start, end)
	if err != nil {
		return 0, err
	}
	return s.finishDelete(ctx, ids)
}

func (s *Service) DeleteAll(ctx context.Context) (int, error) {
	ids, err := s.store.DeleteAllEvents(ctx)
	if err != nil {
		return 0, err
	}
	return s.finishDelete(ctx, ids)
}

func (s *Service) finishDelete(ctx context.Context, ids []string) (int, error) {
	for _, id := range ids {
		if err := s.index.Remove(ctx, id); err != nil {
			s.logger.Warn("index removal failed", "event", id, "err", err)
		}
	}
	s.stats.eventsDeleted.Add(uint64(len(ids)))
	s.cache.Clear()
	return len(ids), nil
}

// Rebuild regenerates both indexes from the event table, for recovery
// after index corruption.
func (s *Service) Rebuild(ctx context.Context) error {
	if err := s.index.Rebuild(ctx); err != nil {
		return err
	}
	s.cache.Clear()
	return nil
}

func (s *Service) Events(ctx context.Context, from, to time.Time, limit int) ([]MemoryEvent, error) {
	return s.store.ListEvents(ctx, from, to, limit)
}

func (s *Service) Fragments(ctx context.Context, limit int) ([]Fragment, error) {
	return s.store.ListFragments(ctx, limit)
}

func (s *Service) Stats() Stats {
	return Stats{
		WindowsFused:         s.stats.windowsFused.Load(),
		WindowsFailed:        s.stats.windowsFailed.Load(),
		ObservationsSkipped:  s.stats.observationsSkipped.Load(),
		EventsCreated:        s.stats.eventsCreated.Load(),
		EventsUpdated:        s.stats.eventsUpdated.Load(),
		EventsDeleted:        s.stats.eventsDeleted.Load(),
		AnswerCacheHits:      s.stats.cacheHits.Load(),
		AnswerCacheMisses:    s.stats.cacheMisses.Load(),
		DroppedFragmentNotes: s.fragBus.Dropped(),
	}
}

func (s *Service) runDispatcher() {
	defer s.wg.Done()
	defer func() {
		for _, ch := range s.workers {
			close(ch)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		notice, ok := s.fragBus.Consume(ctx)
		if !ok {
			return
		}
		// Same stream always lands on the same worker so windows fuse
		// in arrival order per stream.
		h := fnv.New32a()
		_, _ = h.Write([]byte(notice.Stream))
		idx := int(h.Sum32()) % len(s.workers)
		if idx < 0 {
			idx = -idx
		}
		select {
		case s.workers[idx] <- notice:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) runFusionWorker(ch chan bus.FragmentNotice) {
	defer s.wg.Done()
	for notice := range ch {
		s.fuseWithRetry(notice)
	}
}

func (s *Service) fuseWithRetry(notice bus.FragmentNotice) {
	ctx := context.Background()
	win := FusionWindow{Stream: notice.Stream, Start: notice.Start, End: notice.End, Status: WindowPending}
	backoff := s.cfg.FuseBackoff

	for attempt := 1; attempt <= s.cfg.FuseRetries; attempt++ {
		win.Attempts = attempt
		res, err := s.fuser.Fuse(ctx, win)
		if err == nil {
			s.afterFusion(ctx, notice, win, res)
			return
		}
		s.logger.Error("fusion pass failed", "stream", win.Stream, "window_start", win.Start, "attempt", attempt, "err", err)
		select {
		case <-time.After(backoff):
		case <-s.stopCh:
			return
		}
		backoff *= 2
	}

	// Degraded-mode skip: mark the window for re-fusion by the sweeper.
	s.stats.windowsFailed.Add(1)
	win.Status = WindowFailed
	if err := s.store.UpsertWindow(ctx, win); err != nil {
		s.logger.Error("failed to record failed window", "stream", win.Stream, "err", err)
	}
}

func (s *Service) afterFusion(ctx context.Context, notice bus.FragmentNotice, win FusionWindow, res FusionResult) {
	for _, ev := range res.Created {
		if err := s.index.Upsert(ctx, ev); err != nil {
			s.logger.Warn("index upsert failed", "event", ev.ID, "err", err)
		}
	}
	for _, ev := range res.Updated {
		if err := s.index.Upsert(ctx, ev); err != nil {
			s.logger.Warn("index upsert failed", "event", ev.ID, "err", err)
		}
	}
	if notice.FragmentID != "" {
		if err := s.store.SetFragmentStatus(ctx, notice.FragmentID, FragmentFused); err != nil {
			s.logger.Warn("fragment status update failed", "fragment", notice.FragmentID, "err", err)
		}
	}
	if n, err := s.store.FreezeEventsEndingBefore(ctx, win.Start.Add(-s.cfg.FreezeAfter)); err != nil {
		s.logger.Warn("freeze pass failed", "err", err)
	} else if n > 0 {
		s.logger.Debug("froze events", "count", n)
	}

	s.stats.windowsFused.Add(1)
	s.stats.observationsSkipped.Add(uint64(res.Skipped))
	s.stats.eventsCreated.Add(uint64(len(res.Created)))
	s.stats.eventsUpdated.Add(uint64(len(res.Updated)))
}

func (s *Service) runSweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepPoll)
	defer ticker.Stop()

	// Run once at startup so windows pending from a prior process
	// lifetime begin fusing immediately.
	s.sweep()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	ctx := context.Background()

	for _, status := range []string{WindowPending, WindowFailed} {
		wins, err := s.store.ListWindows(ctx, status, 64)
		if err != nil {
			s.logger.Warn("sweep window list failed", "status", status, "err", err)
			continue
		}
		for _, win := range wins {
			// Fusion is idempotent, so requeueing a window that is
			// already in flight is safe.
			s.fragBus.Publish(bus.FragmentNotice{
				Stream: win.Stream,
				Start:  win.Start,
				End:    win.End,
			})
		}
	}

	s.maybeSweepRetention(ctx)
}

func (s *Service) maybeSweepRetention(ctx context.Context) {
	if s.cfg.RetentionSchedule == "" || s.cfg.RetentionHorizon <= 0 {
		return
	}
	now := time.Now()

	s.retentionMu.Lock()
	defer s.retentionMu.Unlock()
	if now.Truncate(time.Minute).Equal(s.lastRetention) {
		return
	}
	due, err := s.gron.IsDue(s.cfg.RetentionSchedule, now)
	if err != nil || !due {
		return
	}
	s.lastRetention = now.Truncate(time.Minute)

	cutoff := now.Add(-s.cfg.RetentionHorizon)
	n, err := s.DeleteRange(ctx, time.UnixMilli(0), cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention sweep removed events", "count", n, "cutoff", cutoff)
	}
}

func answerCacheKey(question string, now time.Time) string {
	return strings.ToLower(strings.TrimSpace(question)) + "|" + strconv.FormatInt(now.Truncate(10*time.Second).Unix(), 10)
}
