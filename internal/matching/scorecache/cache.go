// Package scorecache is the typed Redis layer shared by discovery and
// precomputation. Every failure degrades to a logged miss or no-op.
package scorecache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"study-match/internal/common/config"
	"study-match/internal/common/logger"
	"study-match/internal/common/metrics"
	"study-match/internal/models"
)

const scanCount = 200

// Options carries TTLs and tuning for a Cache.
type Options struct {
	KeyPrefix         string
	ScoreTTL          time.Duration
	BatchTTL          time.Duration
	ProfileTTL        time.Duration
	BufferTTL         time.Duration
	MarkerTTL         time.Duration
	PipelineThreshold int
}

// OptionsFromConfig converts the minute-based config section.
func OptionsFromConfig(cfg config.CacheConfig) Options {
	return Options{
		KeyPrefix:         cfg.KeyPrefix,
		ScoreTTL:          config.Minutes(cfg.ScoreTTL),
		BatchTTL:          config.Minutes(cfg.BatchTTL),
		ProfileTTL:        config.Minutes(cfg.ProfileTTL),
		BufferTTL:         config.Minutes(cfg.BufferTTL),
		MarkerTTL:         config.Minutes(cfg.MarkerTTL),
		PipelineThreshold: cfg.PipelineThreshold,
	}
}

// Cache wraps a shared Redis client.
type Cache struct {
	rdb    redis.UniversalClient
	keys   keyspace
	opts   Options
	logger logger.Logger
	now    func() time.Time
}

// ScorePair is one pairwise score to write.
type ScorePair struct {
	UserA string
	UserB string
	Score models.MatchScore
}

// BufferSnapshot is the persisted form of a candidate buffer.
type BufferSnapshot struct {
	Candidates   []models.ScoredCandidate `json:"candidates"`
	Cursor       int                      `json:"cursor"`
	HasMore      bool                     `json:"hasMore"`
	LastFetch    time.Time                `json:"lastFetch"`
	ExcludedIDs  []string                 `json:"excludedIds"`
	ProcessedIDs []string                 `json:"processedIds"`
}

// storedScore omits the candidate id so one entry serves both directions.
type storedScore struct {
	Score     int              `json:"score"`
	Breakdown models.Breakdown `json:"breakdown"`
}

func New(rdb redis.UniversalClient, opts Options, log logger.Logger) *Cache {
	if opts.PipelineThreshold <= 0 {
		opts.PipelineThreshold = 5
	}
	return &Cache{
		rdb:    rdb,
		keys:   keyspace{prefix: opts.KeyPrefix},
		opts:   opts,
		logger: logger.ForComponent(log, "score-cache"),
		now:    time.Now,
	}
}

// BatchTTL is the freshness window for cached candidate batches.
func (c *Cache) BatchTTL() time.Duration {
	return c.opts.BatchTTL
}

// ScoreKey exposes the pairwise key derivation.
func (c *Cache) ScoreKey(a, b string) string {
	return c.keys.scoreKey(a, b)
}

// BatchKey exposes the candidate batch key derivation.
func (c *Cache) BatchKey(userID string, excludedIDs []string) string {
	return c.keys.batchKey(userID, excludedIDs)
}

// CacheScore stores the score between a and b.
func (c *Cache) CacheScore(ctx context.Context, a, b string, score models.MatchScore) {
	data, err := json.Marshal(storedScore{Score: score.Score, Breakdown: score.Breakdown})
	if err != nil {
		c.writeFailed(categoryScore, err)
		return
	}
	if err := c.rdb.Set(ctx, c.keys.scoreKey(a, b), data, c.opts.ScoreTTL).Err(); err != nil {
		c.writeFailed(categoryScore, err)
	}
}

// GetScore returns the cached score of b for a.
func (c *Cache) GetScore(ctx context.Context, a, b string) (*models.MatchScore, bool) {
	var stored storedScore
	if !c.getJSON(ctx, categoryScore, c.keys.scoreKey(a, b), &stored) {
		return nil, false
	}
	return &models.MatchScore{CandidateID: b, Score: stored.Score, Breakdown: stored.Breakdown}, true
}

// BatchCacheScores writes all pairs, in a single pipeline once the batch is
// larger than the pipeline threshold.
func (c *Cache) BatchCacheScores(ctx context.Context, pairs []ScorePair) {
	if len(pairs) == 0 {
		return
	}
	if len(pairs) <= c.opts.PipelineThreshold {
		for _, p := range pairs {
			c.CacheScore(ctx, p.UserA, p.UserB, p.Score)
		}
		return
	}

	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range pairs {
			data, err := json.Marshal(storedScore{Score: p.Score.Score, Breakdown: p.Score.Breakdown})
			if err != nil {
				return err
			}
			pipe.Set(ctx, c.keys.scoreKey(p.UserA, p.UserB), data, c.opts.ScoreTTL)
		}
		return nil
	})
	if err != nil {
		c.writeFailed(categoryScore, err)
		return
	}
	c.logger.Debug("pipelined score write", map[string]interface{}{"count": len(pairs)})
}

// BatchGetScores looks up requester's score against every candidate in one
// MGET. Missing or unreadable entries are absent from the result.
func (c *Cache) BatchGetScores(ctx context.Context, requesterID string, candidateIDs []string) map[string]models.MatchScore {
	out := make(map[string]models.MatchScore, len(candidateIDs))
	if len(candidateIDs) == 0 {
		return out
	}

	keys := make([]string, len(candidateIDs))
	for i, id := range candidateIDs {
		keys[i] = c.keys.scoreKey(requesterID, id)
	}

	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.readFailed(categoryScore, err)
		return out
	}

	misses := 0
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			misses++
			continue
		}
		var stored storedScore
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			misses++
			continue
		}
		out[candidateIDs[i]] = models.MatchScore{
			CandidateID: candidateIDs[i],
			Score:       stored.Score,
			Breakdown:   stored.Breakdown,
		}
	}

	metrics.CacheRequests.WithLabelValues(categoryScore, "hit").Add(float64(len(out)))
	metrics.CacheRequests.WithLabelValues(categoryScore, "miss").Add(float64(misses))
	return out
}

// CacheCandidateBatch stores a ranked batch for the given exclusion set.
func (c *Cache) CacheCandidateBatch(ctx context.Context, userID string, excludedIDs []string, candidates []models.ScoredCandidate) {
	batch := models.CachedMatchBatch{
		Candidates:  candidates,
		Timestamp:   c.now(),
		ExcludedIDs: normalizeIDs(excludedIDs),
	}
	c.setJSON(ctx, categoryBatch, c.keys.batchKey(userID, excludedIDs), batch, c.opts.BatchTTL)
}

// GetCandidateBatch returns a batch only while it is still fresh.
func (c *Cache) GetCandidateBatch(ctx context.Context, userID string, excludedIDs []string) (*models.CachedMatchBatch, bool) {
	var batch models.CachedMatchBatch
	if !c.getJSON(ctx, categoryBatch, c.keys.batchKey(userID, excludedIDs), &batch) {
		return nil, false
	}
	if !batch.IsFresh(c.now(), c.opts.BatchTTL) {
		c.logger.Debug("stale candidate batch ignored", map[string]interface{}{
			"userId":    userID,
			"timestamp": batch.Timestamp,
		})
		return nil, false
	}
	return &batch, true
}

// ExcludeFromUserBatches removes every target from each cached batch owned
// by userID, keeping each entry's remaining TTL. Each batch is read and
// rewritten at most once however many targets are given.
func (c *Cache) ExcludeFromUserBatches(ctx context.Context, userID string, targetIDs []string) {
	if len(targetIDs) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(targetIDs))
	for _, id := range targetIDs {
		drop[id] = struct{}{}
	}

	keys, err := c.scanKeys(ctx, c.keys.batchPattern(userID))
	if err != nil {
		c.writeFailed(categoryBatch, err)
		return
	}
	if len(keys) == 0 {
		return
	}

	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.readFailed(categoryBatch, err)
		return
	}

	rewrites := make(map[string][]byte)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var batch models.CachedMatchBatch
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			continue
		}

		kept := batch.Candidates[:0]
		for _, cand := range batch.Candidates {
			if _, gone := drop[cand.ID()]; !gone {
				kept = append(kept, cand)
			}
		}
		if len(kept) == len(batch.Candidates) {
			continue
		}
		batch.Candidates = kept

		data, err := json.Marshal(batch)
		if err != nil {
			c.writeFailed(categoryBatch, err)
			continue
		}
		rewrites[keys[i]] = data
	}
	if len(rewrites) == 0 {
		return
	}

	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, data := range rewrites {
			pipe.Set(ctx, key, data, redis.KeepTTL)
		}
		return nil
	})
	if err != nil {
		c.writeFailed(categoryBatch, err)
	}
}

// CacheProfile stores a profile snapshot.
func (c *Cache) CacheProfile(ctx context.Context, profile *models.Profile) {
	if profile == nil || profile.ID == "" {
		return
	}
	c.setJSON(ctx, categoryProfile, c.keys.profileKey(profile.ID), profile, c.opts.ProfileTTL)
}

func (c *Cache) GetProfile(ctx context.Context, userID string) (*models.Profile, bool) {
	var profile models.Profile
	if !c.getJSON(ctx, categoryProfile, c.keys.profileKey(userID), &profile) {
		return nil, false
	}
	return &profile, true
}

func (c *Cache) SaveBufferState(ctx context.Context, userID string, snapshot *BufferSnapshot) {
	c.setJSON(ctx, categoryBuffer, c.keys.bufferKey(userID), snapshot, c.opts.BufferTTL)
}

func (c *Cache) LoadBufferState(ctx context.Context, userID string) (*BufferSnapshot, bool) {
	var snapshot BufferSnapshot
	if !c.getJSON(ctx, categoryBuffer, c.keys.bufferKey(userID), &snapshot) {
		return nil, false
	}
	return &snapshot, true
}

func (c *Cache) DeleteBufferState(ctx context.Context, userID string) {
	if err := c.rdb.Del(ctx, c.keys.bufferKey(userID)).Err(); err != nil {
		c.writeFailed(categoryBuffer, err)
	}
}

// MarkPrecomputed records when userID's scores were last warmed.
func (c *Cache) MarkPrecomputed(ctx context.Context, userID string, at time.Time) {
	if err := c.rdb.Set(ctx, c.keys.markerKey(userID), at.UTC().Format(time.RFC3339), c.opts.MarkerTTL).Err(); err != nil {
		c.writeFailed(categoryMarker, err)
	}
}

// LastPrecomputed returns the marker written by MarkPrecomputed.
func (c *Cache) LastPrecomputed(ctx context.Context, userID string) (time.Time, bool) {
	raw, err := c.rdb.Get(ctx, c.keys.markerKey(userID)).Result()
	if err != nil {
		c.recordReadErr(categoryMarker, err)
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		metrics.CacheRequests.WithLabelValues(categoryMarker, "miss").Inc()
		return time.Time{}, false
	}
	metrics.CacheRequests.WithLabelValues(categoryMarker, "hit").Inc()
	return at, true
}

// InvalidateUserMatches drops every cached batch and the buffer snapshot of
// userID. It returns the number of keys removed.
func (c *Cache) InvalidateUserMatches(ctx context.Context, userID string) int {
	keys, err := c.scanKeys(ctx, c.keys.batchPattern(userID))
	if err != nil {
		c.writeFailed(categoryBatch, err)
	}
	keys = append(keys, c.keys.bufferKey(userID))
	return c.deleteKeys(ctx, keys)
}

// InvalidateScoresInvolving drops every pairwise score with userID on either side.
func (c *Cache) InvalidateScoresInvolving(ctx context.Context, userID string) int {
	base := c.keys.prefix + categoryScore + ":"
	var keys []string
	id := escapeGlob(userID)
	for _, pattern := range []string{base + id + ":*", base + "*:" + id} {
		found, err := c.scanKeys(ctx, pattern)
		if err != nil {
			c.writeFailed(categoryScore, err)
			continue
		}
		keys = append(keys, found...)
	}
	return c.deleteKeys(ctx, keys)
}

// Clear removes every key under the cache prefix.
func (c *Cache) Clear(ctx context.Context) int {
	keys, err := c.scanKeys(ctx, c.keys.prefix+"*")
	if err != nil {
		c.writeFailed("all", err)
	}
	removed := c.deleteKeys(ctx, keys)
	c.logger.Info("cache cleared", map[string]interface{}{"removed": removed})
	return removed
}

// Healthy reports whether the backing store answers a ping.
func (c *Cache) Healthy(ctx context.Context) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	return c.rdb.Ping(ctx).Err() == nil
}

func (c *Cache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return keys, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (c *Cache) deleteKeys(ctx context.Context, keys []string) int {
	if len(keys) == 0 {
		return 0
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.writeFailed("delete", err)
		return 0
	}
	return int(n)
}

func (c *Cache) setJSON(ctx context.Context, category, key string, v interface{}, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.writeFailed(category, err)
		return
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.writeFailed(category, err)
	}
}

func (c *Cache) getJSON(ctx context.Context, category, key string, dst interface{}) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		c.recordReadErr(category, err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("discarding unreadable cache entry", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		metrics.CacheRequests.WithLabelValues(category, "miss").Inc()
		return false
	}
	metrics.CacheRequests.WithLabelValues(category, "hit").Inc()
	return true
}

func (c *Cache) recordReadErr(category string, err error) {
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues(category, "miss").Inc()
		return
	}
	c.readFailed(category, err)
}

func (c *Cache) readFailed(category string, err error) {
	metrics.CacheRequests.WithLabelValues(category, "error").Inc()
	c.logger.Warn("cache read failed, treating as miss", map[string]interface{}{
		"category": category,
		"error":    err,
	})
}

func (c *Cache) writeFailed(category string, err error) {
	metrics.CacheWriteErrors.WithLabelValues(category).Inc()
	c.logger.Warn("cache write dropped", map[string]interface{}{
		"category": category,
		"error":    err,
	})
}
