package scorecache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-match/internal/common/logger"
	"study-match/internal/models"
)

func testOptions() Options {
	return Options{
		KeyPrefix:         "match:",
		ScoreTTL:          7 * 24 * time.Hour,
		BatchTTL:          2 * time.Hour,
		ProfileTTL:        time.Hour,
		BufferTTL:         2 * time.Hour,
		MarkerTTL:         30 * 24 * time.Hour,
		PipelineThreshold: 5,
	}
}

func newMiniCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, testOptions(), logger.NewTestLogger(t)), mr
}

func candidate(id string, score int) models.ScoredCandidate {
	return models.ScoredCandidate{
		Profile: models.Profile{ID: id},
		Match:   models.MatchScore{CandidateID: id, Score: score},
	}
}

func TestKeys_OrderIndependent(t *testing.T) {
	k := keyspace{prefix: "match:"}

	assert.Equal(t, k.scoreKey("alice", "bob"), k.scoreKey("bob", "alice"))
	assert.Equal(t, "match:score:alice:bob", k.scoreKey("bob", "alice"))
	assert.Equal(t,
		k.batchKey("u1", []string{"c", "a", "b"}),
		k.batchKey("u1", []string{"b", "c", "a", "a"}),
	)
	assert.NotEqual(t, k.batchKey("u1", []string{"a"}), k.batchKey("u1", []string{"b"}))
	assert.NotEqual(t, k.batchKey("u1", nil), k.batchKey("u2", nil))
}

func TestCacheScore_RoundTripBothDirections(t *testing.T) {
	c, mr := newMiniCache(t)
	ctx := context.Background()

	c.CacheScore(ctx, "a", "b", models.MatchScore{CandidateID: "b", Score: 72, Breakdown: models.Breakdown{MajorMatch: 0.7}})

	got, ok := c.GetScore(ctx, "b", "a")
	require.True(t, ok)
	assert.Equal(t, "a", got.CandidateID)
	assert.Equal(t, 72, got.Score)
	assert.Equal(t, 0.7, got.Breakdown.MajorMatch)

	assert.Equal(t, 7*24*time.Hour, mr.TTL("match:score:a:b"))

	_, ok = c.GetScore(ctx, "a", "zzz")
	assert.False(t, ok)
}

func TestBatchScores_PipelinedWriteAndMGet(t *testing.T) {
	c, _ := newMiniCache(t)
	ctx := context.Background()

	var pairs []ScorePair
	ids := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	for i, id := range ids {
		pairs = append(pairs, ScorePair{UserA: "req", UserB: id, Score: models.MatchScore{CandidateID: id, Score: 50 + i}})
	}
	c.BatchCacheScores(ctx, pairs)

	got := c.BatchGetScores(ctx, "req", append(ids, "missing"))
	require.Len(t, got, len(ids))
	assert.Equal(t, 56, got["c7"].Score)
	assert.Equal(t, "c7", got["c7"].CandidateID)
	_, ok := got["missing"]
	assert.False(t, ok)
}

func TestBatchCacheScores_UsesSinglePipeline(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := New(rdb, testOptions(), logger.NewNoOpLogger())
	ctx := context.Background()

	var pairs []ScorePair
	for _, id := range []string{"b", "c", "d", "e", "f", "g"} {
		pairs = append(pairs, ScorePair{UserA: "a", UserB: id, Score: models.MatchScore{Score: 40}})
	}

	data, _ := json.Marshal(storedScore{Score: 40})
	for _, id := range []string{"b", "c", "d", "e", "f", "g"} {
		mock.ExpectSet("match:score:a:"+id, data, 7*24*time.Hour).SetVal("OK")
	}

	c.BatchCacheScores(ctx, pairs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_DegradesWhenStoreFails(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := New(rdb, testOptions(), logger.NewNoOpLogger())
	ctx := context.Background()

	mock.ExpectGet("match:score:a:b").SetErr(errors.New("connection refused"))
	mock.ExpectMGet("match:score:a:b").SetErr(errors.New("connection refused"))
	mock.ExpectGet("match:profile:u1").SetErr(errors.New("i/o timeout"))

	_, ok := c.GetScore(ctx, "a", "b")
	assert.False(t, ok)
	assert.Empty(t, c.BatchGetScores(ctx, "a", []string{"b"}))
	_, ok = c.GetProfile(ctx, "u1")
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandidateBatch_FreshnessAndKeying(t *testing.T) {
	c, _ := newMiniCache(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.CacheCandidateBatch(ctx, "u1", []string{"x", "y"}, []models.ScoredCandidate{candidate("c1", 90), candidate("c2", 80)})

	batch, ok := c.GetCandidateBatch(ctx, "u1", []string{"y", "x"})
	require.True(t, ok)
	assert.Len(t, batch.Candidates, 2)
	assert.Equal(t, []string{"x", "y"}, batch.ExcludedIDs)

	_, ok = c.GetCandidateBatch(ctx, "u1", []string{"x"})
	assert.False(t, ok, "different exclusion set must miss")

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, ok = c.GetCandidateBatch(ctx, "u1", []string{"x", "y"})
	assert.False(t, ok, "batch at exactly the ttl is stale")
}

func TestExcludeFromUserBatches(t *testing.T) {
	c, mr := newMiniCache(t)
	ctx := context.Background()

	c.CacheCandidateBatch(ctx, "u1", nil, []models.ScoredCandidate{candidate("c1", 90), candidate("c2", 80)})
	c.CacheCandidateBatch(ctx, "u1", []string{"z"}, []models.ScoredCandidate{candidate("c2", 80), candidate("c3", 70)})
	c.CacheCandidateBatch(ctx, "u2", nil, []models.ScoredCandidate{candidate("c2", 80)})
	mr.FastForward(time.Hour)

	c.ExcludeFromUserBatches(ctx, "u1", []string{"c2"})

	first, ok := c.GetCandidateBatch(ctx, "u1", nil)
	require.True(t, ok)
	assert.Equal(t, "c1", first.Candidates[0].ID())
	assert.Len(t, first.Candidates, 1)

	second, ok := c.GetCandidateBatch(ctx, "u1", []string{"z"})
	require.True(t, ok)
	assert.Len(t, second.Candidates, 1)

	other, ok := c.GetCandidateBatch(ctx, "u2", nil)
	require.True(t, ok)
	assert.Len(t, other.Candidates, 1)

	assert.Equal(t, time.Hour, mr.TTL(c.BatchKey("u1", nil)), "rewrite keeps remaining ttl")
}

func TestExcludeFromUserBatches_ManyTargets(t *testing.T) {
	c, _ := newMiniCache(t)
	ctx := context.Background()

	c.CacheCandidateBatch(ctx, "u1", nil, []models.ScoredCandidate{
		candidate("c1", 90), candidate("c2", 80), candidate("c3", 70), candidate("c4", 60),
	})
	c.CacheCandidateBatch(ctx, "u1", []string{"z"}, []models.ScoredCandidate{candidate("c3", 70), candidate("c5", 50)})

	c.ExcludeFromUserBatches(ctx, "u1", []string{"c2", "c3", "c9"})

	first, ok := c.GetCandidateBatch(ctx, "u1", nil)
	require.True(t, ok)
	assert.Equal(t, "c1", first.Candidates[0].ID())
	assert.Equal(t, "c4", first.Candidates[1].ID())
	assert.Len(t, first.Candidates, 2)

	second, ok := c.GetCandidateBatch(ctx, "u1", []string{"z"})
	require.True(t, ok)
	require.Len(t, second.Candidates, 1)
	assert.Equal(t, "c5", second.Candidates[0].ID())
}

func TestExcludeFromUserBatches_OneScanAndOneWritePerBatch(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := New(rdb, testOptions(), logger.NewNoOpLogger())
	ctx := context.Background()

	key := c.BatchKey("u1", nil)
	stored := models.CachedMatchBatch{
		Candidates: []models.ScoredCandidate{candidate("c1", 90), candidate("c2", 80), candidate("c3", 70)},
		Timestamp:  time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(stored)
	require.NoError(t, err)

	var rewritten models.CachedMatchBatch
	require.NoError(t, json.Unmarshal(raw, &rewritten))
	rewritten.Candidates = rewritten.Candidates[1:2]
	want, err := json.Marshal(rewritten)
	require.NoError(t, err)

	mock.ExpectScan(0, "match:batch:u1:*", scanCount).SetVal([]string{key}, 0)
	mock.ExpectMGet(key).SetVal([]interface{}{string(raw)})
	mock.ExpectSet(key, want, redis.KeepTTL).SetVal("OK")

	c.ExcludeFromUserBatches(ctx, "u1", []string{"c1", "c3"})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPatterns_EscapeGlobCharacters(t *testing.T) {
	k := keyspace{prefix: "match:"}
	assert.Equal(t, `match:batch:a\*\?\[x\]:*`, k.batchPattern("a*?[x]"))
	assert.Equal(t, "match:batch:plain:*", k.batchPattern("plain"))

	c, mr := newMiniCache(t)
	ctx := context.Background()

	c.CacheScore(ctx, "a*", "x", models.MatchScore{Score: 1})
	c.CacheScore(ctx, "ab", "y", models.MatchScore{Score: 2})
	c.CacheScore(ctx, "q", "a?", models.MatchScore{Score: 3})
	c.CacheScore(ctx, "q", "ac", models.MatchScore{Score: 4})
	c.CacheCandidateBatch(ctx, "a*", nil, []models.ScoredCandidate{candidate("x", 1)})
	c.CacheCandidateBatch(ctx, "ab", nil, []models.ScoredCandidate{candidate("y", 1)})

	assert.Equal(t, 1, c.InvalidateScoresInvolving(ctx, "a*"))
	assert.True(t, mr.Exists("match:score:ab:y"))
	assert.Equal(t, 1, c.InvalidateScoresInvolving(ctx, "a?"))
	assert.True(t, mr.Exists("match:score:ac:q"))

	assert.Equal(t, 1, c.InvalidateUserMatches(ctx, "a*"))
	_, ok := c.GetCandidateBatch(ctx, "ab", nil)
	assert.True(t, ok, "other user's batch untouched")
}

func TestInvalidation(t *testing.T) {
	c, mr := newMiniCache(t)
	ctx := context.Background()

	c.CacheScore(ctx, "u1", "a", models.MatchScore{Score: 1})
	c.CacheScore(ctx, "z", "u1", models.MatchScore{Score: 2})
	c.CacheScore(ctx, "a", "b", models.MatchScore{Score: 3})
	c.CacheCandidateBatch(ctx, "u1", nil, []models.ScoredCandidate{candidate("a", 1)})
	c.SaveBufferState(ctx, "u1", &BufferSnapshot{Cursor: 1})

	assert.Equal(t, 2, c.InvalidateScoresInvolving(ctx, "u1"))
	assert.True(t, mr.Exists("match:score:a:b"))

	assert.Equal(t, 2, c.InvalidateUserMatches(ctx, "u1"))
	_, ok := c.LoadBufferState(ctx, "u1")
	assert.False(t, ok)

	c.CacheProfile(ctx, &models.Profile{ID: "p"})
	assert.Equal(t, 2, c.Clear(ctx))
	assert.Empty(t, mr.Keys())
}

func TestProfilesBuffersAndMarkers(t *testing.T) {
	c, mr := newMiniCache(t)
	ctx := context.Background()

	c.CacheProfile(ctx, &models.Profile{ID: "u1", Major: "Physics", Interests: []string{"optics"}})
	p, ok := c.GetProfile(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, "Physics", p.Major)
	assert.Equal(t, time.Hour, mr.TTL("match:profile:u1"))

	c.SaveBufferState(ctx, "u1", &BufferSnapshot{Candidates: []models.ScoredCandidate{candidate("c1", 10)}, Cursor: 1, HasMore: true})
	snap, ok := c.LoadBufferState(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Cursor)
	assert.True(t, snap.HasMore)
	c.DeleteBufferState(ctx, "u1")
	_, ok = c.LoadBufferState(ctx, "u1")
	assert.False(t, ok)

	_, ok = c.LastPrecomputed(ctx, "u1")
	assert.False(t, ok)
	at := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	c.MarkPrecomputed(ctx, "u1", at)
	got, ok := c.LastPrecomputed(ctx, "u1")
	require.True(t, ok)
	assert.True(t, at.Equal(got))
}

func TestHealthy(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := New(rdb, testOptions(), logger.NewNoOpLogger())

	assert.True(t, c.Healthy(context.Background()))
	mr.Close()
	assert.False(t, c.Healthy(context.Background()))
}
