package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "study-match/internal/common/errors"
	"study-match/internal/common/logger"
	"study-match/internal/matching/scorecache"
	"study-match/internal/matching/scoring"
	"study-match/internal/models"
	"study-match/internal/presence"
	"study-match/internal/rerank"
	"study-match/internal/store"
)

// memStore is an in-memory ProfileStore and RelationshipStore.
type memStore struct {
	mu        sync.Mutex
	profiles  []models.Profile
	edges     []models.Relationship
	findCalls int
	findErr   error
	edgeErr   error

	// gate, when set, holds every FindCandidates call after the first
	// gateAfter until it is closed.
	gate      chan struct{}
	gateAfter int
}

func newMemStore(requester models.Profile, others int) *memStore {
	s := &memStore{profiles: []models.Profile{requester}}
	for i := 0; i < others; i++ {
		s.profiles = append(s.profiles, models.Profile{
			ID:         fmt.Sprintf("p%02d", i),
			University: "MIT",
			Major:      "Computer Science",
			Year:       2 + i%3,
			Interests:  []string{"ai"},
		})
	}
	return s
}

func (s *memStore) FindUserByID(ctx context.Context, userID string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.profiles {
		if s.profiles[i].ID == userID {
			p := s.profiles[i]
			return &p, nil
		}
	}
	return nil, store.ErrProfileNotFound
}

func (s *memStore) FindCandidates(ctx context.Context, requesterID string, excludeIDs []string, filters models.CandidateFilters, limit int) ([]models.Profile, error) {
	s.mu.Lock()
	s.findCalls++
	if s.gate != nil && s.findCalls > s.gateAfter {
		gate := s.gate
		s.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}

	skip := map[string]struct{}{requesterID: {}}
	for _, id := range excludeIDs {
		skip[id] = struct{}{}
	}
	for _, e := range s.edges {
		if !excludedStatus(e.Status) {
			continue
		}
		if e.SenderID == requesterID {
			skip[e.ReceiverID] = struct{}{}
		}
		if e.ReceiverID == requesterID {
			skip[e.SenderID] = struct{}{}
		}
	}

	var out []models.Profile
	for _, p := range s.profiles {
		if _, ok := skip[p.ID]; ok {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func excludedStatus(status models.RelationshipStatus) bool {
	for _, s := range models.ExcludedStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *memStore) FindRelationship(ctx context.Context, senderID, receiverID string) (*models.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edgeErr != nil {
		return nil, s.edgeErr
	}
	for i := range s.edges {
		if s.edges[i].SenderID == senderID && s.edges[i].ReceiverID == receiverID {
			e := s.edges[i]
			return &e, nil
		}
	}
	return nil, store.ErrRelationshipNotFound
}

func (s *memStore) CreateEdge(ctx context.Context, senderID, receiverID string, status models.RelationshipStatus) (*models.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.edges {
		if e.SenderID == senderID && e.ReceiverID == receiverID {
			return nil, store.ErrRelationshipExists
		}
	}
	e := models.Relationship{ID: uuid.NewString(), SenderID: senderID, ReceiverID: receiverID, Status: status}
	s.edges = append(s.edges, e)
	return &e, nil
}

func (s *memStore) UpdateEdgeStatus(ctx context.Context, edgeID string, status models.RelationshipStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.edges {
		if s.edges[i].ID == edgeID {
			s.edges[i].Status = status
			return nil
		}
	}
	return store.ErrRelationshipNotFound
}

func (s *memStore) edge(senderID, receiverID string) (models.Relationship, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.edges {
		if e.SenderID == senderID && e.ReceiverID == receiverID {
			return e, true
		}
	}
	return models.Relationship{}, false
}

func (s *memStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findCalls
}

type stubReranker struct {
	rankings []rerank.Ranking
	err      error
	calls    int
}

func (r *stubReranker) Enabled() bool { return true }

func (r *stubReranker) Rerank(ctx context.Context, requester *models.Profile, candidates []models.ScoredCandidate) ([]rerank.Ranking, error) {
	r.calls++
	return r.rankings, r.err
}

type testEnv struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	cache    *scorecache.Cache
	presence *presence.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return &testEnv{
		mr:  mr,
		rdb: rdb,
		cache: scorecache.New(rdb, scorecache.Options{
			KeyPrefix:  "match:",
			ScoreTTL:   time.Hour,
			BatchTTL:   time.Hour,
			ProfileTTL: time.Hour,
			BufferTTL:  time.Hour,
			MarkerTTL:  time.Hour,
		}, logger.NewNoOpLogger()),
		presence: presence.NewTracker(rdb, "match:", time.Minute, logger.NewNoOpLogger()),
	}
}

func requesterProfile() models.Profile {
	return models.Profile{
		ID:         "me",
		University: "MIT",
		Major:      "Computer Science",
		Year:       3,
		Interests:  []string{"ai"},
	}
}

func TestLoader_ScoresAndRanksPool(t *testing.T) {
	env := newTestEnv(t)
	db := newMemStore(requesterProfile(), 30)
	l := NewLoader(db, env.cache, scoring.New(), nil, env.presence, 50, logger.NewTestLogger(t))

	got, err := l.FetchCandidates(context.Background(), "me", []string{"p00"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Match.Score, got[i].Match.Score)
	}
	for _, c := range got {
		assert.NotEqual(t, "p00", c.ID())
		assert.Equal(t, c.ID(), c.Match.CandidateID)
	}

	// Every scored pair of the pool is written back to the cache.
	_, ok := env.cache.GetScore(context.Background(), "me", "p29")
	assert.True(t, ok)
}

func TestLoader_ReusesCachedScores(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	db := newMemStore(requesterProfile(), 5)
	l := NewLoader(db, env.cache, scoring.New(), nil, nil, 50, logger.NewNoOpLogger())

	env.cache.CacheScore(ctx, "me", "p04", models.MatchScore{CandidateID: "p04", Score: 100})

	got, err := l.FetchCandidates(ctx, "me", nil, 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "p04", got[0].ID())
	assert.Equal(t, 100, got[0].Match.Score)
}

func TestLoader_RerankReordersTopCandidates(t *testing.T) {
	env := newTestEnv(t)
	db := newMemStore(requesterProfile(), 10)
	rr := &stubReranker{rankings: []rerank.Ranking{{CandidateID: "p09", Score: 0.99, Reasoning: "same goals"}}}
	l := NewLoader(db, env.cache, scoring.New(), rr, nil, 50, logger.NewNoOpLogger())

	got, err := l.FetchCandidates(context.Background(), "me", nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, "p09", got[0].ID())
	assert.Equal(t, "same goals", got[0].Reasoning)
	assert.Equal(t, 1, rr.calls)
}

func TestLoader_RerankFailureKeepsLocalOrder(t *testing.T) {
	env := newTestEnv(t)
	db := newMemStore(requesterProfile(), 10)
	plain := NewLoader(db, env.cache, scoring.New(), nil, nil, 50, logger.NewNoOpLogger())
	want, err := plain.FetchCandidates(context.Background(), "me", nil, 10)
	require.NoError(t, err)

	rr := &stubReranker{err: errors.New("upstream 503")}
	l := NewLoader(db, env.cache, scoring.New(), rr, nil, 50, logger.NewTestLogger(t))
	got, err := l.FetchCandidates(context.Background(), "me", nil, 10)
	require.NoError(t, err)

	assert.Equal(t, candidateIDs(want), candidateIDs(got))
	assert.Equal(t, 1, rr.calls)
}

func TestLoader_MarksOnlineCandidates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	db := newMemStore(requesterProfile(), 3)
	l := NewLoader(db, env.cache, scoring.New(), nil, env.presence, 50, logger.NewNoOpLogger())

	env.presence.Touch(ctx, "p01")

	got, err := l.FetchCandidates(ctx, "me", nil, 3)
	require.NoError(t, err)
	for _, c := range got {
		assert.Equal(t, c.ID() == "p01", c.IsOnline, c.ID())
	}
}

func TestLoader_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown requester", func(t *testing.T) {
		env := newTestEnv(t)
		l := NewLoader(newMemStore(requesterProfile(), 3), env.cache, scoring.New(), nil, nil, 50, logger.NewNoOpLogger())

		_, err := l.FetchCandidates(ctx, "ghost", nil, 10)
		std, ok := apperrors.AsStandardError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeProfileNotFound, std.Code)
	})

	t.Run("query failure", func(t *testing.T) {
		env := newTestEnv(t)
		db := newMemStore(requesterProfile(), 3)
		db.findErr = errors.New("connection reset")
		l := NewLoader(db, env.cache, scoring.New(), nil, nil, 50, logger.NewNoOpLogger())

		_, err := l.FetchCandidates(ctx, "me", nil, 10)
		std, ok := apperrors.AsStandardError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeDatabaseQueryFailed, std.Code)
	})

	t.Run("query timeout passes through", func(t *testing.T) {
		env := newTestEnv(t)
		db := newMemStore(requesterProfile(), 3)
		db.findErr = fmt.Errorf("find candidates: %w", context.DeadlineExceeded)
		l := NewLoader(db, env.cache, scoring.New(), nil, nil, 50, logger.NewNoOpLogger())

		_, err := l.FetchCandidates(ctx, "me", nil, 10)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("empty pool", func(t *testing.T) {
		env := newTestEnv(t)
		l := NewLoader(newMemStore(requesterProfile(), 0), env.cache, scoring.New(), nil, nil, 50, logger.NewNoOpLogger())

		got, err := l.FetchCandidates(ctx, "me", nil, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestLoader_ProfileIsCached(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	l := NewLoader(newMemStore(requesterProfile(), 0), env.cache, scoring.New(), nil, nil, 50, logger.NewNoOpLogger())

	p, err := l.Profile(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, "MIT", p.University)

	cached, ok := env.cache.GetProfile(ctx, "me")
	require.True(t, ok)
	assert.Equal(t, "me", cached.ID)
}

func candidateIDs(cands []models.ScoredCandidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ID()
	}
	return out
}
