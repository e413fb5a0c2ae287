package discovery

import (
	"context"
	"errors"

	apperrors "study-match/internal/common/errors"
	"study-match/internal/common/logger"
	"study-match/internal/common/metrics"
	"study-match/internal/matching/scorecache"
	"study-match/internal/matching/scoring"
	"study-match/internal/models"
	"study-match/internal/rerank"
	"study-match/internal/store"
)

// ProfileStore is the read side of the relational collaborator.
type ProfileStore interface {
	FindUserByID(ctx context.Context, userID string) (*models.Profile, error)
	FindCandidates(ctx context.Context, requesterID string, excludeIDs []string, filters models.CandidateFilters, limit int) ([]models.Profile, error)
}

// ScoreCache is what the loader needs from the score cache.
type ScoreCache interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, bool)
	CacheProfile(ctx context.Context, profile *models.Profile)
	BatchGetScores(ctx context.Context, requesterID string, candidateIDs []string) map[string]models.MatchScore
	BatchCacheScores(ctx context.Context, pairs []scorecache.ScorePair)
}

type Reranker interface {
	Enabled() bool
	Rerank(ctx context.Context, requester *models.Profile, candidates []models.ScoredCandidate) ([]rerank.Ranking, error)
}

type Presence interface {
	Touch(ctx context.Context, userID string)
	Online(ctx context.Context, userIDs []string) map[string]bool
}

// Loader builds ranked candidate pages from the database. It is the
// buffer's CandidateSource.
type Loader struct {
	profiles  ProfileStore
	cache     ScoreCache
	scorer    *scoring.Scorer
	reranker  Reranker
	presence  Presence
	poolLimit int
	logger    logger.Logger
}

func NewLoader(profiles ProfileStore, cache ScoreCache, scorer *scoring.Scorer, reranker Reranker, presence Presence, poolLimit int, log logger.Logger) *Loader {
	return &Loader{
		profiles:  profiles,
		cache:     cache,
		scorer:    scorer,
		reranker:  reranker,
		presence:  presence,
		poolLimit: poolLimit,
		logger:    logger.ForComponent(log, "candidate-loader"),
	}
}

// FetchCandidates queries a bounded pool excluding excludeIDs, scores it
// (reusing cached pairwise scores), keeps the best limit candidates and
// lets the re-ranker reorder them.
func (l *Loader) FetchCandidates(ctx context.Context, userID string, excludeIDs []string, limit int) ([]models.ScoredCandidate, error) {
	requester, err := l.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	poolSize := l.poolLimit
	if poolSize < limit {
		poolSize = limit
	}
	pool, err := l.profiles.FindCandidates(ctx, userID, excludeIDs, models.CandidateFilters{}, poolSize)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperrors.NewDatabaseQueryFailedError(err)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	ranked := l.score(ctx, requester, pool)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	ranked = l.rerank(ctx, requester, ranked)
	l.annotatePresence(ctx, ranked)

	return ranked, nil
}

// Profile resolves a profile through the cache, falling back to the store.
func (l *Loader) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	if p, ok := l.cache.GetProfile(ctx, userID); ok {
		return p, nil
	}
	p, err := l.profiles.FindUserByID(ctx, userID)
	if errors.Is(err, store.ErrProfileNotFound) {
		return nil, apperrors.NewProfileNotFoundError(userID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseQueryFailedError(err)
	}
	l.cache.CacheProfile(ctx, p)
	return p, nil
}

func (l *Loader) score(ctx context.Context, requester *models.Profile, pool []models.Profile) []models.ScoredCandidate {
	ids := make([]string, len(pool))
	for i := range pool {
		ids[i] = pool[i].ID
	}
	cached := l.cache.BatchGetScores(ctx, requester.ID, ids)

	out := make([]models.ScoredCandidate, len(pool))
	var fresh []scorecache.ScorePair
	for i := range pool {
		match, ok := cached[pool[i].ID]
		if !ok {
			match = l.scorer.Score(requester, &pool[i])
			fresh = append(fresh, scorecache.ScorePair{UserA: requester.ID, UserB: pool[i].ID, Score: match})
		}
		out[i] = models.ScoredCandidate{Profile: pool[i], Match: match}
	}
	l.cache.BatchCacheScores(ctx, fresh)

	scoring.SortByScore(out)
	return out
}

func (l *Loader) rerank(ctx context.Context, requester *models.Profile, ranked []models.ScoredCandidate) []models.ScoredCandidate {
	if l.reranker == nil || !l.reranker.Enabled() || len(ranked) < 2 {
		return ranked
	}
	rankings, err := l.reranker.Rerank(ctx, requester, ranked)
	if err != nil {
		metrics.RerankFallbacks.Inc()
		l.logger.Warn("re-ranking unavailable, keeping local order", map[string]interface{}{
			"userId": requester.ID,
			"error":  apperrors.NewRerankFailedError(err),
		})
		return ranked
	}
	return rerank.Apply(ranked, rankings)
}

func (l *Loader) annotatePresence(ctx context.Context, ranked []models.ScoredCandidate) {
	if l.presence == nil || len(ranked) == 0 {
		return
	}
	ids := make([]string, len(ranked))
	for i := range ranked {
		ids[i] = ranked[i].ID()
	}
	online := l.presence.Online(ctx, ids)
	for i := range ranked {
		ranked[i].IsOnline = online[ranked[i].ID()]
	}
}
