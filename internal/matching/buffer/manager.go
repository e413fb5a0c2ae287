// Package buffer keeps a per-user, cursor-addressed list of ranked candidates
// and refills it in the background before it runs dry.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"study-match/internal/common/config"
	"study-match/internal/common/logger"
	"study-match/internal/common/metrics"
	"study-match/internal/matching/scorecache"
	"study-match/internal/models"
)

var ErrQueueFull = errors.New("refill queue full")

// CandidateSource produces a ranked page of candidates for userID that
// contains none of excludeIDs.
type CandidateSource interface {
	FetchCandidates(ctx context.Context, userID string, excludeIDs []string, limit int) ([]models.ScoredCandidate, error)
}

// Cache is the slice of the score cache the buffer depends on.
type Cache interface {
	GetCandidateBatch(ctx context.Context, userID string, excludedIDs []string) (*models.CachedMatchBatch, bool)
	CacheCandidateBatch(ctx context.Context, userID string, excludedIDs []string, candidates []models.ScoredCandidate)
	ExcludeFromUserBatches(ctx context.Context, userID string, targetIDs []string)
	SaveBufferState(ctx context.Context, userID string, snapshot *scorecache.BufferSnapshot)
	LoadBufferState(ctx context.Context, userID string) (*scorecache.BufferSnapshot, bool)
	DeleteBufferState(ctx context.Context, userID string)
}

type Options struct {
	BatchSize        int
	RefillThreshold  int
	PrefetchCooldown time.Duration
	MaxBuffers       int
	Workers          int
	QueueSize        int
	RefillTimeout    time.Duration
}

func OptionsFromConfig(cfg config.BufferConfig) Options {
	return Options{
		BatchSize:        cfg.BatchSize,
		RefillThreshold:  cfg.RefillThreshold,
		PrefetchCooldown: config.GetDuration(cfg.PrefetchCooldown),
		MaxBuffers:       cfg.MaxBuffers,
		Workers:          cfg.RefillWorkers,
		QueueSize:        cfg.QueueSize,
		RefillTimeout:    config.GetDuration(cfg.RefillTimeout),
	}
}

// Stats is a point-in-time view of one buffer.
type Stats struct {
	Initialized bool      `json:"initialized"`
	Total       int       `json:"total"`
	Cursor      int       `json:"cursor"`
	Remaining   int       `json:"remaining"`
	HasMore     bool      `json:"hasMore"`
	IsLoading   bool      `json:"isLoading"`
	LastFetch   time.Time `json:"lastFetch"`
}

// InitResult describes how InitializeBuffer seeded the buffer.
type InitResult struct {
	FromCache bool
	Size      int
	HasMore   bool
}

type refillKind string

const (
	kindRefill   refillKind = "refill"
	kindPrefetch refillKind = "prefetch"
)

type refillTask struct {
	userID     string
	generation uint64
	kind       refillKind
}

// Manager owns every in-memory buffer. Operations on one user are
// serialized by that user's mutex; different users proceed in parallel.
type Manager struct {
	source  CandidateSource
	cache   Cache
	opts    Options
	logger  logger.Logger
	buffers *lru.Cache[string, *userBuffer]
	now     func() time.Time

	// inUse pins buffers held by a caller so that an LRU eviction cannot
	// split one user across two instances. Guarded by mu.
	inUse map[string]*userBuffer

	tasks    chan refillTask
	pending  sync.WaitGroup
	workers  sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopping chan struct{}
}

func NewManager(source CandidateSource, cache Cache, opts Options, log logger.Logger) (*Manager, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.MaxBuffers <= 0 {
		opts.MaxBuffers = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.RefillTimeout <= 0 {
		opts.RefillTimeout = 15 * time.Second
	}

	buffers, err := lru.NewWithEvict[string, *userBuffer](opts.MaxBuffers, func(string, *userBuffer) {
		metrics.BuffersActive.Dec()
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		source:   source,
		cache:    cache,
		opts:     opts,
		logger:   logger.ForComponent(log, "buffer-manager"),
		buffers:  buffers,
		now:      time.Now,
		inUse:    make(map[string]*userBuffer),
		tasks:    make(chan refillTask, opts.QueueSize),
		stopping: make(chan struct{}),
	}, nil
}

// Start launches the refill workers. They exit when ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	for i := 0; i < m.opts.Workers; i++ {
		m.workers.Add(1)
		go m.runWorker(ctx)
	}
	m.logger.Info("buffer refill workers started", map[string]interface{}{"workers": m.opts.Workers})
}

// Stop waits for queued refills to finish and shuts the workers down.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.Wait()
	close(m.stopping)
	m.workers.Wait()
	m.logger.Info("buffer refill workers stopped", nil)
}

// Wait blocks until every queued refill has run.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) runWorker(ctx context.Context) {
	defer m.workers.Done()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			m.drain()
			return
		case <-m.stopping:
			return
		case task := <-m.tasks:
			m.runRefill(ctx, task)
			m.pending.Done()
		}
	}
}

// drain releases tasks that will never run so Wait does not block forever.
func (m *Manager) drain() {
	for {
		select {
		case task := <-m.tasks:
			m.abandon(task)
			m.pending.Done()
		default:
			return
		}
	}
}

// InitializeBuffer starts a new buffer lifetime for userID. A fresh cached
// batch seeds it directly; otherwise the first page is fetched now.
func (m *Manager) InitializeBuffer(ctx context.Context, userID string, excludedIDs []string) (InitResult, error) {
	b := m.acquire(ctx, userID)
	defer m.release(userID, b)

	b.mu.Lock()
	b.reset(excludedIDs)
	generation := b.generation

	if batch, ok := m.cache.GetCandidateBatch(ctx, userID, excludedIDs); ok {
		b.appendUnique(batch.Candidates)
		b.hasMore = true
		b.lastFetch = batch.Timestamp
		result := InitResult{FromCache: true, Size: len(b.candidates), HasMore: b.hasMore}
		m.persist(ctx, userID, b)
		b.mu.Unlock()

		metrics.BufferRefills.WithLabelValues("initial", "cache").Inc()
		return result, nil
	}

	b.isLoading = true
	b.mu.Unlock()

	page, err := m.source.FetchCandidates(ctx, userID, excludedIDs, m.opts.BatchSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.generation != generation {
		// A newer initialize or clear owns the buffer now.
		return InitResult{Size: len(b.candidates), HasMore: b.hasMore}, nil
	}
	b.isLoading = false
	if err != nil {
		metrics.BufferRefills.WithLabelValues("initial", "error").Inc()
		return InitResult{}, err
	}

	b.appendUnique(page)
	b.hasMore = len(page) == m.opts.BatchSize
	b.lastFetch = m.now()
	metrics.BufferRefills.WithLabelValues("initial", "ok").Inc()

	if len(b.candidates) > 0 {
		m.cache.CacheCandidateBatch(ctx, userID, excludedIDs, b.candidates)
	}
	m.persist(ctx, userID, b)

	return InitResult{Size: len(b.candidates), HasMore: b.hasMore}, nil
}

// GetNextMatch returns the candidate under the cursor and advances it.
func (m *Manager) GetNextMatch(ctx context.Context, userID string) (*models.ScoredCandidate, bool) {
	b := m.acquire(ctx, userID)
	defer m.release(userID, b)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil, false
	}
	defer m.checkRefill(userID, b)

	if b.cursor >= len(b.candidates) {
		return nil, false
	}
	next := b.candidates[b.cursor]
	b.cursor++
	m.persist(ctx, userID, b)
	return &next, true
}

// GetMatches returns up to count candidates from the cursor onwards and
// advances the cursor by the number returned.
func (m *Manager) GetMatches(ctx context.Context, userID string, count int) []models.ScoredCandidate {
	b := m.acquire(ctx, userID)
	defer m.release(userID, b)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized || count <= 0 {
		return nil
	}
	defer m.checkRefill(userID, b)

	end := b.cursor + count
	if end > len(b.candidates) {
		end = len(b.candidates)
	}
	out := make([]models.ScoredCandidate, end-b.cursor)
	copy(out, b.candidates[b.cursor:end])
	b.cursor = end

	if len(out) > 0 {
		m.persist(ctx, userID, b)
	}
	return out
}

// ProcessAction records an outcome for targetID. It reports whether a
// background refill was queued.
func (m *Manager) ProcessAction(ctx context.Context, userID, targetID string, action models.Action) bool {
	m.logger.Debug("processing action", map[string]interface{}{
		"userId":   userID,
		"targetId": targetID,
		"action":   string(action),
	})
	return m.ApplyOutcomes(ctx, userID, []string{targetID})
}

// ApplyOutcomes removes every target from the buffer and the user's cached
// batches, then checks the refill threshold once for the whole set.
func (m *Manager) ApplyOutcomes(ctx context.Context, userID string, targetIDs []string) bool {
	if len(targetIDs) == 0 {
		return false
	}

	b := m.acquire(ctx, userID)
	defer m.release(userID, b)
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range targetIDs {
		b.remove(id)
		b.processed[id] = struct{}{}
	}
	m.cache.ExcludeFromUserBatches(ctx, userID, targetIDs)

	if !b.initialized {
		return false
	}
	m.persist(ctx, userID, b)
	return m.checkRefill(userID, b)
}

// Prefetch queues a low-priority refill if the cooldown since the last fetch
// has passed.
func (m *Manager) Prefetch(ctx context.Context, userID string) bool {
	b := m.acquire(ctx, userID)
	defer m.release(userID, b)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized || !b.hasMore || b.isLoading {
		return false
	}
	if m.now().Sub(b.lastFetch) < m.opts.PrefetchCooldown {
		return false
	}
	return m.enqueue(userID, b, kindPrefetch)
}

// Refill queues a normal refill when the buffer is at or below the
// threshold, can still grow and has nothing in flight.
func (m *Manager) Refill(ctx context.Context, userID string) bool {
	b := m.acquire(ctx, userID)
	defer m.release(userID, b)
	b.mu.Lock()
	defer b.mu.Unlock()
	return m.checkRefill(userID, b)
}

// Stats reports the current state of userID's buffer.
func (m *Manager) Stats(ctx context.Context, userID string) Stats {
	b := m.acquire(ctx, userID)
	defer m.release(userID, b)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats()
}

// Clear drops userID's buffer, its exclusion history and its snapshot.
func (m *Manager) Clear(ctx context.Context, userID string) {
	if b, ok := m.pin(userID); ok {
		b.mu.Lock()
		b.reset(nil)
		b.initialized = false
		b.mu.Unlock()
		m.release(userID, b)
	}
	m.buffers.Remove(userID)
	m.cache.DeleteBufferState(ctx, userID)
}

// acquire returns the in-memory buffer for userID pinned for the caller,
// restoring a persisted snapshot the first time the user is seen by this
// process. Every acquire must be paired with release.
func (m *Manager) acquire(ctx context.Context, userID string) *userBuffer {
	m.mu.Lock()
	if b, ok := m.inUse[userID]; ok {
		b.refs++
		if _, cached := m.buffers.Get(userID); !cached {
			// Evicted while pinned: put the live instance back.
			m.buffers.Add(userID, b)
			metrics.BuffersActive.Inc()
		}
		m.mu.Unlock()
		return b
	}
	if b, ok := m.buffers.Get(userID); ok {
		b.refs++
		m.inUse[userID] = b
		m.mu.Unlock()
		return b
	}

	fresh := newUserBuffer()
	fresh.refs = 1
	fresh.mu.Lock()
	m.inUse[userID] = fresh
	m.buffers.Add(userID, fresh)
	metrics.BuffersActive.Inc()
	m.mu.Unlock()

	if snap, ok := m.cache.LoadBufferState(ctx, userID); ok {
		fresh.restore(snap)
	}
	fresh.mu.Unlock()
	return fresh
}

// pin is acquire without creation.
func (m *Manager) pin(userID string) (*userBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.inUse[userID]
	if !ok {
		if b, ok = m.buffers.Peek(userID); !ok {
			return nil, false
		}
		m.inUse[userID] = b
	}
	b.refs++
	return b, true
}

func (m *Manager) release(userID string, b *userBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.refs--
	if b.refs <= 0 && m.inUse[userID] == b {
		delete(m.inUse, userID)
	}
}

// checkRefill must be called with b.mu held.
func (m *Manager) checkRefill(userID string, b *userBuffer) bool {
	if !b.initialized || !b.hasMore || b.isLoading {
		return false
	}
	if b.remaining() > m.opts.RefillThreshold {
		return false
	}
	return m.enqueue(userID, b, kindRefill)
}

// enqueue must be called with b.mu held.
func (m *Manager) enqueue(userID string, b *userBuffer, kind refillKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		m.logger.Warn("refill skipped, workers not running", map[string]interface{}{"userId": userID})
		return false
	}

	b.isLoading = true
	m.pending.Add(1)
	select {
	case m.tasks <- refillTask{userID: userID, generation: b.generation, kind: kind}:
		return true
	default:
		m.pending.Done()
		b.isLoading = false
		metrics.BufferRefills.WithLabelValues(string(kind), "dropped").Inc()
		m.logger.Warn("refill dropped", map[string]interface{}{
			"userId": userID,
			"kind":   string(kind),
			"error":  ErrQueueFull,
		})
		return false
	}
}

func (m *Manager) runRefill(parent context.Context, task refillTask) {
	b, ok := m.pin(task.userID)
	if !ok {
		return
	}
	defer m.release(task.userID, b)

	b.mu.Lock()
	if b.generation != task.generation {
		b.mu.Unlock()
		return
	}
	exclude := b.exclusionSet()
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, m.opts.RefillTimeout)
	defer cancel()

	page, err := m.source.FetchCandidates(ctx, task.userID, exclude, m.opts.BatchSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.generation != task.generation {
		return
	}
	b.isLoading = false

	if err != nil {
		metrics.BufferRefills.WithLabelValues(string(task.kind), "error").Inc()
		m.logger.Warn("background refill failed", map[string]interface{}{
			"userId": task.userID,
			"kind":   string(task.kind),
			"error":  err,
		})
		return
	}

	added := b.appendUnique(page)
	b.hasMore = len(page) == m.opts.BatchSize
	b.lastFetch = m.now()
	m.persist(ctx, task.userID, b)

	metrics.BufferRefills.WithLabelValues(string(task.kind), "ok").Inc()
	m.logger.Debug("buffer refilled", map[string]interface{}{
		"userId":    task.userID,
		"kind":      string(task.kind),
		"returned":  len(page),
		"added":     added,
		"remaining": b.remaining(),
		"hasMore":   b.hasMore,
	})
}

func (m *Manager) abandon(task refillTask) {
	if b, ok := m.pin(task.userID); ok {
		b.mu.Lock()
		if b.generation == task.generation {
			b.isLoading = false
		}
		b.mu.Unlock()
		m.release(task.userID, b)
	}
}

// persist must be called with b.mu held.
func (m *Manager) persist(ctx context.Context, userID string, b *userBuffer) {
	m.cache.SaveBufferState(ctx, userID, b.snapshot())
}
