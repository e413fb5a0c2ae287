package precompute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "study-match/internal/common/errors"
	"study-match/internal/common/logger"
	"study-match/internal/common/observability"
	"study-match/internal/matching/scorecache"
	"study-match/internal/matching/scoring"
	"study-match/internal/models"
	"study-match/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	profiles    []models.Profile
	active      []string
	profileErrs []error
	profileHits int
	poolCalls   int
	block       chan struct{}
}

func newFakeStore(n int) *fakeStore {
	s := &fakeStore{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("u%02d", i)
		s.profiles = append(s.profiles, models.Profile{
			ID:         id,
			University: "MIT",
			Major:      "Physics",
			Year:       1 + i%4,
			Interests:  []string{"quantum"},
		})
		s.active = append(s.active, id)
	}
	return s
}

func (s *fakeStore) FindUserByID(ctx context.Context, userID string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profileHits++
	if len(s.profileErrs) > 0 {
		err := s.profileErrs[0]
		s.profileErrs = s.profileErrs[1:]
		return nil, err
	}
	for i := range s.profiles {
		if s.profiles[i].ID == userID {
			p := s.profiles[i]
			return &p, nil
		}
	}
	return nil, store.ErrProfileNotFound
}

func (s *fakeStore) FindCandidates(ctx context.Context, requesterID string, excludeIDs []string, filters models.CandidateFilters, limit int) ([]models.Profile, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poolCalls++
	var out []models.Profile
	for _, p := range s.profiles {
		if p.ID == requesterID {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) FindActiveUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) > limit {
		return append([]string(nil), s.active[:limit]...), nil
	}
	return append([]string(nil), s.active...), nil
}

func (s *fakeStore) profileCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profileHits
}

func newTestCache(t *testing.T) *scorecache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return scorecache.New(rdb, scorecache.Options{
		KeyPrefix:  "match:",
		ScoreTTL:   time.Hour,
		BatchTTL:   time.Hour,
		ProfileTTL: time.Hour,
		BufferTTL:  time.Hour,
		MarkerTTL:  time.Hour,
	}, logger.NewNoOpLogger())
}

func testOptions() Options {
	return Options{
		MaxConcurrentJobs:   2,
		Staleness:           24 * time.Hour,
		ActiveWithin:        7 * 24 * time.Hour,
		MaxActiveUsers:      100,
		UserBatchSize:       2,
		InterBatchDelay:     time.Millisecond,
		CandidatePoolLimit:  100,
		SubBatchSize:        3,
		SubBatchDelay:       time.Millisecond,
		NormalPriorityDelay: time.Millisecond,
		LowPriorityDelay:    time.Hour,
		JobRetention:        time.Minute,
		StoreRetries:        2,
		RetryInterval:       time.Millisecond,
	}
}

func newTestService(t *testing.T, st Store, cache Cache, opts Options) *Service {
	t.Helper()
	s := NewService(st, cache, scoring.New(), opts, observability.Noop(), logger.NewTestLogger(t))
	t.Cleanup(s.Stop)
	return s
}

func waitTerminal(t *testing.T, s *Service, jobID string) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := s.GetJobStatus(jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestSchedulePrecomputation_WarmsScoreCache(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	st := newFakeStore(8)
	s := newTestService(t, st, cache, testOptions())

	// Two pairs are already cached and must not be recomputed.
	cache.CacheScore(ctx, "u00", "u01", models.MatchScore{CandidateID: "u01", Score: 11})
	cache.CacheScore(ctx, "u05", "u00", models.MatchScore{CandidateID: "u05", Score: 12})

	jobID, err := s.SchedulePrecomputation("u00", PriorityHigh)
	require.NoError(t, err)
	job := waitTerminal(t, s, jobID)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, float64(100), job.Progress)
	assert.Equal(t, 7, job.Metrics.CandidatesConsidered)
	assert.Equal(t, 2, job.Metrics.CacheHits)
	assert.Equal(t, 5, job.Metrics.CacheMisses)
	assert.Equal(t, 5, job.Metrics.ScoresComputed)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	for i := 1; i < 8; i++ {
		_, ok := cache.GetScore(ctx, "u00", fmt.Sprintf("u%02d", i))
		assert.True(t, ok, "score u00/u%02d cached", i)
	}
	kept, ok := cache.GetScore(ctx, "u00", "u01")
	require.True(t, ok)
	assert.Equal(t, 11, kept.Score)

	_, marked := cache.LastPrecomputed(ctx, "u00")
	assert.True(t, marked)
	_, cachedProfile := cache.GetProfile(ctx, "u00")
	assert.True(t, cachedProfile)
}

func TestSchedulePrecomputation_ValidatesInput(t *testing.T) {
	s := newTestService(t, newFakeStore(1), newTestCache(t), testOptions())

	_, err := s.SchedulePrecomputation("", PriorityHigh)
	std, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, std.Code)

	_, err = s.SchedulePrecomputation("u00", "urgent")
	assert.Error(t, err)
}

func TestSchedulePrecomputation_ReusesActiveJob(t *testing.T) {
	s := newTestService(t, newFakeStore(3), newTestCache(t), testOptions())

	first, err := s.SchedulePrecomputation("u01", PriorityLow)
	require.NoError(t, err)
	second, err := s.SchedulePrecomputation("u01", PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestJob_FailsOnUnknownUserWithoutRetry(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	st := newFakeStore(3)
	s := newTestService(t, st, cache, testOptions())

	jobID, err := s.SchedulePrecomputation("ghost", PriorityHigh)
	require.NoError(t, err)
	job := waitTerminal(t, s, jobID)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "profile not found")
	assert.Equal(t, 1, st.profileCalls())
	_, marked := cache.LastPrecomputed(ctx, "ghost")
	assert.False(t, marked)
}

func TestJob_RetriesTransientStoreErrors(t *testing.T) {
	st := newFakeStore(4)
	st.profileErrs = []error{errors.New("conn reset"), errors.New("conn reset")}
	s := newTestService(t, st, newTestCache(t), testOptions())

	jobID, err := s.SchedulePrecomputation("u00", PriorityHigh)
	require.NoError(t, err)
	job := waitTerminal(t, s, jobID)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 3, st.profileCalls())
}

func TestJob_GivesUpAfterRetries(t *testing.T) {
	st := newFakeStore(4)
	st.profileErrs = []error{errors.New("down"), errors.New("down"), errors.New("down")}
	s := newTestService(t, st, newTestCache(t), testOptions())

	jobID, err := s.SchedulePrecomputation("u00", PriorityHigh)
	require.NoError(t, err)
	job := waitTerminal(t, s, jobID)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "down")
	assert.Equal(t, 3, st.profileCalls())

	stats := s.GetPerformanceStats()
	assert.Equal(t, 1, stats.FailedJobs)
}

func TestCancelJob(t *testing.T) {
	s := newTestService(t, newFakeStore(3), newTestCache(t), testOptions())

	jobID, err := s.SchedulePrecomputation("u01", PriorityLow)
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(jobID))
	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "job cancelled", job.Error)

	err = s.CancelJob(jobID)
	std, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeJobNotCancellable, std.Code)

	err = s.CancelJob("missing")
	std, ok = apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeJobNotFound, std.Code)

	_, err = s.GetJobStatus("missing")
	assert.Error(t, err)
}

func TestConcurrencyCap(t *testing.T) {
	st := newFakeStore(5)
	st.block = make(chan struct{})
	opts := testOptions()
	opts.MaxConcurrentJobs = 1
	s := newTestService(t, st, newTestCache(t), opts)

	a, err := s.SchedulePrecomputation("u00", PriorityHigh)
	require.NoError(t, err)
	b, err := s.SchedulePrecomputation("u01", PriorityHigh)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.GetPerformanceStats().ProcessingJobs == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	stats := s.GetPerformanceStats()
	assert.Equal(t, 1, stats.ProcessingJobs)
	assert.Equal(t, 1, stats.PendingJobs)

	close(st.block)
	assert.Equal(t, StatusCompleted, waitTerminal(t, s, a).Status)
	assert.Equal(t, StatusCompleted, waitTerminal(t, s, b).Status)
}

func TestRunBatchPrecomputation_SchedulesStaleUsersOnly(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	st := newFakeStore(5)
	s := newTestService(t, st, cache, testOptions())

	cache.MarkPrecomputed(ctx, "u00", time.Now())
	cache.MarkPrecomputed(ctx, "u01", time.Now().Add(-48*time.Hour))

	jobIDs, err := s.RunBatchPrecomputation(ctx)
	require.NoError(t, err)
	require.Len(t, jobIDs, 4)

	var users []string
	for _, id := range jobIDs {
		job, err := s.GetJobStatus(id)
		require.NoError(t, err)
		assert.Equal(t, PriorityLow, job.Priority)
		assert.Equal(t, StatusPending, job.Status, "low priority jobs wait before running")
		users = append(users, job.UserID)
	}
	assert.Equal(t, []string{"u01", "u02", "u03", "u04"}, users)
}

func TestRunBatchPrecomputation_HonoursCancellation(t *testing.T) {
	st := newFakeStore(5)
	opts := testOptions()
	opts.InterBatchDelay = time.Hour
	s := newTestService(t, st, newTestCache(t), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	jobIDs, err := s.RunBatchPrecomputation(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, jobIDs, 2, "only the first batch was scheduled")
}

func TestCleanupCompletedJobs(t *testing.T) {
	s := newTestService(t, newFakeStore(3), newTestCache(t), testOptions())

	done, err := s.SchedulePrecomputation("u00", PriorityHigh)
	require.NoError(t, err)
	waitTerminal(t, s, done)
	pending, err := s.SchedulePrecomputation("u01", PriorityLow)
	require.NoError(t, err)

	assert.Zero(t, s.CleanupCompletedJobs(), "inside retention window")

	s.mu.Lock()
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	s.mu.Unlock()

	assert.Equal(t, 1, s.CleanupCompletedJobs())
	_, err = s.GetJobStatus(done)
	assert.Error(t, err)
	_, err = s.GetJobStatus(pending)
	assert.NoError(t, err)
}

func TestGetPerformanceStats(t *testing.T) {
	s := newTestService(t, newFakeStore(4), newTestCache(t), testOptions())

	a, err := s.SchedulePrecomputation("u00", PriorityHigh)
	require.NoError(t, err)
	waitTerminal(t, s, a)
	_, err = s.SchedulePrecomputation("u01", PriorityLow)
	require.NoError(t, err)

	stats := s.GetPerformanceStats()
	assert.Equal(t, 2, stats.TotalJobs)
	assert.Equal(t, 1, stats.CompletedJobs)
	assert.Equal(t, 1, stats.PendingJobs)
	assert.Equal(t, 3, stats.TotalScoresComputed)
	assert.Equal(t, float64(0), stats.CacheHitRate)
	assert.Equal(t, 2, stats.MaxConcurrentJobs)
}

func TestStop_AbortsPendingAndRejectsNewJobs(t *testing.T) {
	s := NewService(newFakeStore(3), newTestCache(t), scoring.New(), testOptions(), nil, logger.NewNoOpLogger())

	jobID, err := s.SchedulePrecomputation("u01", PriorityLow)
	require.NoError(t, err)

	s.Stop()

	job, err := s.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)

	_, err = s.SchedulePrecomputation("u02", PriorityHigh)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	opts := testOptions()
	opts.SweepSchedule = "every now and then"
	s := newTestService(t, newFakeStore(1), newTestCache(t), opts)
	assert.Error(t, s.Start())

	opts.SweepSchedule = "@every 6h"
	opts.CleanupSchedule = "@every 1h"
	ok := newTestService(t, newFakeStore(1), newTestCache(t), opts)
	require.NoError(t, ok.Start())
}
