// Package precompute keeps the pairwise score cache warm by scoring active
// users against their candidate pool in bounded background jobs.
package precompute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"study-match/internal/common/config"
	apperrors "study-match/internal/common/errors"
	"study-match/internal/common/logger"
	"study-match/internal/common/metrics"
	"study-match/internal/common/observability"
	"study-match/internal/matching/scorecache"
	"study-match/internal/matching/scoring"
	"study-match/internal/models"
	"study-match/internal/store"
)

var ErrStopped = errors.New("precompute: service stopped")

const markerLookupParallelism = 16

// Store is the relational read side the jobs need.
type Store interface {
	FindUserByID(ctx context.Context, userID string) (*models.Profile, error)
	FindCandidates(ctx context.Context, requesterID string, excludeIDs []string, filters models.CandidateFilters, limit int) ([]models.Profile, error)
	FindActiveUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error)
}

type Cache interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, bool)
	CacheProfile(ctx context.Context, profile *models.Profile)
	BatchGetScores(ctx context.Context, requesterID string, candidateIDs []string) map[string]models.MatchScore
	BatchCacheScores(ctx context.Context, pairs []scorecache.ScorePair)
	MarkPrecomputed(ctx context.Context, userID string, at time.Time)
	LastPrecomputed(ctx context.Context, userID string) (time.Time, bool)
}

type Options struct {
	MaxConcurrentJobs   int
	Staleness           time.Duration
	ActiveWithin        time.Duration
	MaxActiveUsers      int
	UserBatchSize       int
	InterBatchDelay     time.Duration
	CandidatePoolLimit  int
	SubBatchSize        int
	SubBatchDelay       time.Duration
	NormalPriorityDelay time.Duration
	LowPriorityDelay    time.Duration
	JobRetention        time.Duration
	SweepSchedule       string
	CleanupSchedule     string
	StoreRetries        int
	RetryInterval       time.Duration
}

func OptionsFromConfig(cfg config.PrecomputeConfig) Options {
	day := 24 * time.Hour
	return Options{
		MaxConcurrentJobs:   cfg.MaxConcurrentJobs,
		Staleness:           time.Duration(cfg.StalenessDays) * day,
		ActiveWithin:        time.Duration(cfg.ActiveWithinDays) * day,
		MaxActiveUsers:      cfg.MaxActiveUsers,
		UserBatchSize:       cfg.UserBatchSize,
		InterBatchDelay:     config.GetDuration(cfg.InterBatchDelay),
		CandidatePoolLimit:  cfg.CandidatePoolLimit,
		SubBatchSize:        cfg.SubBatchSize,
		SubBatchDelay:       config.GetDuration(cfg.SubBatchDelay),
		NormalPriorityDelay: config.GetDuration(cfg.NormalPriorityDelay),
		LowPriorityDelay:    config.GetDuration(cfg.LowPriorityDelay),
		JobRetention:        config.Minutes(cfg.JobRetention),
		SweepSchedule:       cfg.SweepSchedule,
		CleanupSchedule:     cfg.CleanupSchedule,
		StoreRetries:        3,
		RetryInterval:       200 * time.Millisecond,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = 3
	}
	if o.Staleness <= 0 {
		o.Staleness = 24 * time.Hour
	}
	if o.ActiveWithin <= 0 {
		o.ActiveWithin = 30 * 24 * time.Hour
	}
	if o.MaxActiveUsers <= 0 {
		o.MaxActiveUsers = 10000
	}
	if o.UserBatchSize <= 0 {
		o.UserBatchSize = 50
	}
	if o.CandidatePoolLimit <= 0 {
		o.CandidatePoolLimit = 5000
	}
	if o.SubBatchSize <= 0 {
		o.SubBatchSize = 100
	}
	if o.JobRetention <= 0 {
		o.JobRetention = time.Hour
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
}

// Service owns the job table and the background goroutines running jobs.
type Service struct {
	store  Store
	cache  Cache
	scorer *scoring.Scorer
	opts   Options
	obs    *observability.Observability
	logger logger.Logger

	sem  *semaphore.Weighted
	cron *cron.Cron

	mu   sync.RWMutex
	jobs map[string]*Job

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	now func() time.Time
}

func NewService(st Store, cache Cache, scorer *scoring.Scorer, opts Options, obs *observability.Observability, log logger.Logger) *Service {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:  st,
		cache:  cache,
		scorer: scorer,
		opts:   opts,
		obs:    obs,
		logger: logger.ForComponent(log, "precompute"),
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start registers the sweep and cleanup schedules. Either schedule may be
// empty to disable it.
func (s *Service) Start() error {
	cl := cronLogger{log: s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if s.opts.SweepSchedule != "" {
		if _, err := c.AddFunc(s.opts.SweepSchedule, s.sweep); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", s.opts.SweepSchedule, err)
		}
	}
	if s.opts.CleanupSchedule != "" {
		if _, err := c.AddFunc(s.opts.CleanupSchedule, func() { s.CleanupCompletedJobs() }); err != nil {
			return fmt.Errorf("schedule cleanup %q: %w", s.opts.CleanupSchedule, err)
		}
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()

	s.logger.Info("precomputation scheduler started", map[string]interface{}{
		"sweep":         s.opts.SweepSchedule,
		"cleanup":       s.opts.CleanupSchedule,
		"maxConcurrent": s.opts.MaxConcurrentJobs,
	})
	return nil
}

// Stop halts the schedules, abandons pending jobs and waits for running
// ones to return.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		c := s.cron
		s.cancel()
		s.mu.Unlock()

		if c != nil {
			<-c.Stop().Done()
		}
		s.wg.Wait()
		s.logger.Info("precomputation scheduler stopped", nil)
	})
}

func (s *Service) sweep() {
	jobIDs, err := s.RunBatchPrecomputation(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("precomputation sweep failed", map[string]interface{}{"error": err})
		return
	}
	s.logger.Info("precomputation sweep finished", map[string]interface{}{"scheduled": len(jobIDs)})
}

// SchedulePrecomputation queues a job for userID and returns its id. A user
// with a pending or processing job gets that job's id back.
func (s *Service) SchedulePrecomputation(userID string, priority Priority) (string, error) {
	if userID == "" {
		return "", apperrors.NewInvalidInputError("userId is required")
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return "", apperrors.NewInvalidInputError(fmt.Sprintf("unknown priority %q", priority))
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	for _, j := range s.jobs {
		if j.UserID == userID && !j.Status.Terminal() {
			s.mu.Unlock()
			return j.ID, nil
		}
	}
	job := &Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	s.jobs[job.ID] = job
	metrics.PrecomputeJobs.WithLabelValues(string(StatusPending)).Inc()
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(job.ID, job.UserID, s.delayFor(priority))

	s.logger.Debug("precomputation scheduled", map[string]interface{}{
		"jobId":    job.ID,
		"userId":   userID,
		"priority": string(priority),
	})
	return job.ID, nil
}

func (s *Service) delayFor(p Priority) time.Duration {
	switch p {
	case PriorityNormal:
		return s.opts.NormalPriorityDelay
	case PriorityLow:
		return s.opts.LowPriorityDelay
	default:
		return 0
	}
}

// RunBatchPrecomputation schedules low-priority jobs for every active user
// whose precomputed marker is missing or stale.
func (s *Service) RunBatchPrecomputation(ctx context.Context) ([]string, error) {
	since := s.now().Add(-s.opts.ActiveWithin)
	userIDs, err := retry(ctx, s.opts, func() ([]string, error) {
		return s.store.FindActiveUserIDs(ctx, since, s.opts.MaxActiveUsers)
	})
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError(err)
	}

	stale, err := s.staleUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	s.logger.Info("precomputation sweep started", map[string]interface{}{
		"activeUsers": len(userIDs),
		"staleUsers":  len(stale),
	})

	jobIDs := make([]string, 0, len(stale))
	for start := 0; start < len(stale); start += s.opts.UserBatchSize {
		if start > 0 {
			if err := sleep(ctx, s.opts.InterBatchDelay); err != nil {
				return jobIDs, err
			}
		}
		end := start + s.opts.UserBatchSize
		if end > len(stale) {
			end = len(stale)
		}
		for _, userID := range stale[start:end] {
			jobID, err := s.SchedulePrecomputation(userID, PriorityLow)
			if err != nil {
				return jobIDs, err
			}
			jobIDs = append(jobIDs, jobID)
		}
	}
	return jobIDs, nil
}

// staleUsers keeps the ids whose marker is absent or older than the
// staleness threshold, preserving input order.
func (s *Service) staleUsers(ctx context.Context, userIDs []string) ([]string, error) {
	stale := make([]bool, len(userIDs))
	cutoff := s.now().Add(-s.opts.Staleness)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(markerLookupParallelism)
	for i, id := range userIDs {
		g.Go(func() error {
			at, ok := s.cache.LastPrecomputed(gctx, id)
			stale[i] = !ok || at.Before(cutoff)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(userIDs))
	for i, id := range userIDs {
		if stale[i] {
			out = append(out, id)
		}
	}
	return out, nil
}

// GetJobStatus returns a copy of the job.
func (s *Service) GetJobStatus(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.NewJobNotFoundError(jobID)
	}
	cp := *j
	return &cp, nil
}

// CancelJob fails a job that has not started yet.
func (s *Service) CancelJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return apperrors.NewJobNotFoundError(jobID)
	}
	if j.Status != StatusPending {
		return apperrors.NewJobNotCancellableError(jobID, string(j.Status))
	}
	s.transition(j, StatusFailed)
	j.Error = cancelledMessage
	now := s.now()
	j.CompletedAt = &now
	s.logger.Info("precomputation cancelled", map[string]interface{}{"jobId": jobID, "userId": j.UserID})
	return nil
}

// CleanupCompletedJobs forgets finished jobs older than the retention window.
func (s *Service) CleanupCompletedJobs() int {
	cutoff := s.now().Add(-s.opts.JobRetention)

	s.mu.Lock()
	removed := 0
	for id, j := range s.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil || j.CompletedAt.After(cutoff) {
			continue
		}
		metrics.PrecomputeJobs.WithLabelValues(string(j.Status)).Dec()
		delete(s.jobs, id)
		removed++
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("precomputation jobs cleaned up", map[string]interface{}{"removed": removed})
	}
	return removed
}

func (s *Service) GetPerformanceStats() PerformanceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := PerformanceStats{TotalJobs: len(s.jobs), MaxConcurrentJobs: s.opts.MaxConcurrentJobs}
	var hits, misses, timed int
	var elapsed int64
	for _, j := range s.jobs {
		switch j.Status {
		case StatusPending:
			stats.PendingJobs++
		case StatusProcessing:
			stats.ProcessingJobs++
		case StatusCompleted:
			stats.CompletedJobs++
		case StatusFailed:
			stats.FailedJobs++
		}
		if j.Status.Terminal() && j.StartedAt != nil {
			elapsed += j.Metrics.ElapsedMs
			timed++
		}
		stats.TotalScoresComputed += j.Metrics.ScoresComputed
		hits += j.Metrics.CacheHits
		misses += j.Metrics.CacheMisses
	}
	if timed > 0 {
		stats.AverageDurationMs = float64(elapsed) / float64(timed)
	}
	if hits+misses > 0 {
		stats.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	return stats
}

func (s *Service) run(jobID, userID string, delay time.Duration) {
	defer s.wg.Done()

	if err := sleep(s.ctx, delay); err != nil {
		s.abort(jobID)
		return
	}
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.abort(jobID)
		return
	}
	defer s.sem.Release(1)

	start := s.now()
	if !s.begin(jobID, start) {
		return
	}

	err := s.execute(s.ctx, jobID, userID)
	elapsed := s.now().Sub(start)

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	}
	s.finish(jobID, status, err, elapsed)
	s.obs.RecordJobProcessed(s.ctx, string(status))
	s.obs.RecordJobDuration(s.ctx, elapsed, string(status))

	if err != nil {
		s.logger.Error("precomputation failed", map[string]interface{}{
			"jobId":     jobID,
			"userId":    userID,
			"elapsedMs": elapsed.Milliseconds(),
			"error":     apperrors.NewPrecomputationFailedError(jobID, err),
		})
		return
	}
	s.logger.Info("precomputation completed", map[string]interface{}{
		"jobId":     jobID,
		"userId":    userID,
		"elapsedMs": elapsed.Milliseconds(),
	})
}

// begin moves a pending job to processing; false means it was cancelled.
func (s *Service) begin(jobID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != StatusPending {
		return false
	}
	s.transition(j, StatusProcessing)
	j.StartedAt = &at
	return true
}

func (s *Service) finish(jobID string, status Status, err error, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return
	}
	s.transition(j, status)
	j.Metrics.ElapsedMs = elapsed.Milliseconds()
	if err != nil {
		j.Error = err.Error()
	} else {
		j.Progress = 100
	}
	now := s.now()
	j.CompletedAt = &now
}

// abort fails a job that never started because the service is stopping.
func (s *Service) abort(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != StatusPending {
		return
	}
	s.transition(j, StatusFailed)
	j.Error = ErrStopped.Error()
	now := s.now()
	j.CompletedAt = &now
}

// transition must be called with s.mu held.
func (s *Service) transition(j *Job, to Status) {
	metrics.PrecomputeJobs.WithLabelValues(string(j.Status)).Dec()
	metrics.PrecomputeJobs.WithLabelValues(string(to)).Inc()
	j.Status = to
}

func (s *Service) progress(jobID string, processed, total int, delta JobMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if total > 0 {
		j.Progress = float64(processed) / float64(total) * 100
	}
	j.Metrics.CandidatesConsidered += delta.CandidatesConsidered
	j.Metrics.ScoresComputed += delta.ScoresComputed
	j.Metrics.CacheHits += delta.CacheHits
	j.Metrics.CacheMisses += delta.CacheMisses
}

// execute scores userID against its candidate pool sub-batch by sub-batch,
// writing new scores back once a full sub-batch has accumulated.
func (s *Service) execute(ctx context.Context, jobID, userID string) error {
	since := s.now().Add(-s.opts.ActiveWithin)

	var requester *models.Profile
	var pool []models.Profile
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.profile(gctx, userID)
		requester = p
		return err
	})
	g.Go(func() error {
		p, err := retry(gctx, s.opts, func() ([]models.Profile, error) {
			return s.store.FindCandidates(gctx, userID, nil, models.CandidateFilters{ActiveSince: &since}, s.opts.CandidatePoolLimit)
		})
		pool = p
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	total := len(pool)
	var pending []scorecache.ScorePair
	for start := 0; start < total; start += s.opts.SubBatchSize {
		end := start + s.opts.SubBatchSize
		if end > total {
			end = total
		}
		sub := pool[start:end]

		ids := make([]string, len(sub))
		for i := range sub {
			ids[i] = sub[i].ID
		}
		cached := s.cache.BatchGetScores(ctx, userID, ids)

		computed := 0
		for i := range sub {
			if _, ok := cached[sub[i].ID]; ok {
				continue
			}
			pending = append(pending, scorecache.ScorePair{
				UserA: userID,
				UserB: sub[i].ID,
				Score: s.scorer.Score(requester, &sub[i]),
			})
			computed++
		}
		if len(pending) >= s.opts.SubBatchSize || end == total {
			s.cache.BatchCacheScores(ctx, pending)
			pending = nil
		}

		s.progress(jobID, end, total, JobMetrics{
			CandidatesConsidered: len(sub),
			ScoresComputed:       computed,
			CacheHits:            len(cached),
			CacheMisses:          len(sub) - len(cached),
		})
		s.obs.RecordScores(ctx, "cached", len(cached))
		s.obs.RecordScores(ctx, "computed", computed)

		if end < total {
			if err := sleep(ctx, s.opts.SubBatchDelay); err != nil {
				return err
			}
		}
	}

	s.cache.MarkPrecomputed(ctx, userID, s.now())
	return nil
}

// profile resolves the target user through the cache, then the store.
func (s *Service) profile(ctx context.Context, userID string) (*models.Profile, error) {
	if p, ok := s.cache.GetProfile(ctx, userID); ok {
		return p, nil
	}
	p, err := retry(ctx, s.opts, func() (*models.Profile, error) {
		return s.store.FindUserByID(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	s.cache.CacheProfile(ctx, p)
	return p, nil
}

// retry runs a store read with exponential backoff. Missing profiles are
// not retried.
func retry[T any](ctx context.Context, opts Options, op func() (T, error)) (T, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.RetryInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if errors.Is(err, store.ErrProfileNotFound) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(uint(opts.StoreRetries+1)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own messages through the service logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, pairs(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := pairs(keysAndValues)
	fields["error"] = err
	l.log.Error("cron: "+msg, fields)
}

func pairs(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
