// Package discovery coordinates request-time candidate discovery and outcome
// recording on top of the buffer, the score cache and the stores.
package discovery

import (
	"context"
	"errors"
	"time"

	"study-match/internal/common/config"
	apperrors "study-match/internal/common/errors"
	"study-match/internal/common/logger"
	"study-match/internal/common/metrics"
	"study-match/internal/matching/buffer"
	"study-match/internal/models"
	"study-match/internal/store"
)

// Discovery sources reported to callers.
const (
	SourceCache = "cache"
	SourceMiss  = "miss"
	SourceEmpty = "empty"
)

const (
	MessageNoMoreUsers = "no more users available"
	messageTimedOut    = "candidate lookup timed out, try again shortly"
	messageRecycled    = "showing previously passed users"
	messageRefilling   = "loading more users, try again shortly"
)

// Buffer is the buffer manager surface used by the orchestrator.
type Buffer interface {
	Stats(ctx context.Context, userID string) buffer.Stats
	InitializeBuffer(ctx context.Context, userID string, excludedIDs []string) (buffer.InitResult, error)
	GetMatches(ctx context.Context, userID string, count int) []models.ScoredCandidate
	ApplyOutcomes(ctx context.Context, userID string, targetIDs []string) bool
	Prefetch(ctx context.Context, userID string) bool
	Refill(ctx context.Context, userID string) bool
	Clear(ctx context.Context, userID string)
}

// StateCache drops a user's cached batches.
type StateCache interface {
	InvalidateUserMatches(ctx context.Context, userID string) int
}

// RelationshipStore is the write side of the relational collaborator.
type RelationshipStore interface {
	FindRelationship(ctx context.Context, senderID, receiverID string) (*models.Relationship, error)
	CreateEdge(ctx context.Context, senderID, receiverID string, status models.RelationshipStatus) (*models.Relationship, error)
	UpdateEdgeStatus(ctx context.Context, edgeID string, status models.RelationshipStatus) error
}

type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	MaxOutcomeBatch int
}

func OptionsFromConfig(cfg config.DiscoveryConfig) Options {
	return Options{
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
		MaxOutcomeBatch: cfg.MaxOutcomeBatch,
	}
}

type DiscoverRequest struct {
	UserID     string
	Limit      int
	ExcludeIDs []string
	Refresh    bool
}

type DiscoverResult struct {
	Candidates      []models.ScoredCandidate `json:"candidates"`
	TotalAvailable  int                      `json:"totalAvailable"`
	Remaining       int                      `json:"remaining"`
	HasMore         bool                     `json:"hasMore"`
	Source          string                   `json:"source"`
	ExecutionTimeMs int64                    `json:"executionTimeMs"`
	Message         string                   `json:"message,omitempty"`
}

type OutcomeInput struct {
	TargetID string        `json:"targetId"`
	Action   models.Action `json:"action"`
}

type OutcomeItemResult struct {
	TargetID  string        `json:"targetId"`
	Action    models.Action `json:"action"`
	Success   bool          `json:"success"`
	Matched   bool          `json:"matched"`
	ErrorCode string        `json:"errorCode,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type OutcomeResult struct {
	Results         []OutcomeItemResult `json:"results"`
	Processed       int                 `json:"processed"`
	Failed          int                 `json:"failed"`
	RefillTriggered bool                `json:"refillTriggered"`
}

type Orchestrator struct {
	buffer        Buffer
	cache         StateCache
	relationships RelationshipStore
	presence      Presence
	opts          Options
	logger        logger.Logger
	now           func() time.Time
}

func NewOrchestrator(buf Buffer, cache StateCache, relationships RelationshipStore, presence Presence, opts Options, log logger.Logger) *Orchestrator {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 10
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 50
	}
	if opts.MaxOutcomeBatch <= 0 {
		opts.MaxOutcomeBatch = 50
	}
	return &Orchestrator{
		buffer:        buf,
		cache:         cache,
		relationships: relationships,
		presence:      presence,
		opts:          opts,
		logger:        logger.ForComponent(log, "discovery"),
		now:           time.Now,
	}
}

// Discover returns the next page of candidates for the requester.
func (o *Orchestrator) Discover(ctx context.Context, req DiscoverRequest) (*DiscoverResult, error) {
	start := o.now()
	if req.UserID == "" {
		return nil, apperrors.NewInvalidInputError("userId is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = o.opts.DefaultPageSize
	}
	if limit > o.opts.MaxPageSize {
		limit = o.opts.MaxPageSize
	}
	if o.presence != nil {
		o.presence.Touch(ctx, req.UserID)
	}

	if !req.Refresh {
		if st := o.buffer.Stats(ctx, req.UserID); st.Initialized {
			return o.serveLive(ctx, req, limit, start)
		}
	}

	init, err := o.buffer.InitializeBuffer(ctx, req.UserID, req.ExcludeIDs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return o.empty(req.UserID, messageTimedOut, start), nil
		}
		return nil, err
	}
	if init.Size == 0 {
		return o.recycle(ctx, req.UserID, limit, len(req.ExcludeIDs), start)
	}

	source := SourceMiss
	if init.FromCache {
		source = SourceCache
	}
	return o.page(ctx, req.UserID, limit, source, start), nil
}

// serveLive answers from a buffer that already exists. An empty buffer that
// can still grow is a "try again shortly"; one that cannot is exhausted and
// only then are passed users recycled.
func (o *Orchestrator) serveLive(ctx context.Context, req DiscoverRequest, limit int, start time.Time) (*DiscoverResult, error) {
	if len(req.ExcludeIDs) > 0 {
		o.buffer.ApplyOutcomes(ctx, req.UserID, req.ExcludeIDs)
	}

	st := o.buffer.Stats(ctx, req.UserID)
	switch {
	case st.Remaining > 0:
		result := o.page(ctx, req.UserID, limit, SourceCache, start)
		o.buffer.Prefetch(ctx, req.UserID)
		return result, nil

	case st.IsLoading || st.HasMore:
		// A refill that failed or was lost with a restart leaves hasMore set
		// with nothing queued.
		if !st.IsLoading {
			o.buffer.Refill(ctx, req.UserID)
		}
		metrics.DiscoveryRequests.WithLabelValues(SourceCache).Inc()
		o.logger.Debug("buffer empty while refilling", map[string]interface{}{"userId": req.UserID})
		return &DiscoverResult{
			Candidates:      []models.ScoredCandidate{},
			TotalAvailable:  st.Total,
			HasMore:         true,
			Source:          SourceCache,
			ExecutionTimeMs: o.now().Sub(start).Milliseconds(),
			Message:         messageRefilling,
		}, nil
	}

	return o.recycle(ctx, req.UserID, limit, len(req.ExcludeIDs), start)
}

// recycle handles an exhausted pool: the user's cached state, buffer and
// exclusion history are dropped and the pool is loaded again from scratch.
func (o *Orchestrator) recycle(ctx context.Context, userID string, limit, excluded int, start time.Time) (*DiscoverResult, error) {
	o.logger.Info("candidate pool exhausted, clearing exclusions and retrying", map[string]interface{}{
		"userId":   userID,
		"excluded": excluded,
	})
	o.cache.InvalidateUserMatches(ctx, userID)
	o.buffer.Clear(ctx, userID)

	init, err := o.buffer.InitializeBuffer(ctx, userID, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return o.empty(userID, messageTimedOut, start), nil
		}
		return nil, err
	}
	if init.Size == 0 {
		return o.empty(userID, MessageNoMoreUsers, start), nil
	}

	source := SourceMiss
	if init.FromCache {
		source = SourceCache
	}
	result := o.page(ctx, userID, limit, source, start)
	result.Message = messageRecycled
	return result, nil
}

func (o *Orchestrator) page(ctx context.Context, userID string, limit int, source string, start time.Time) *DiscoverResult {
	candidates := o.buffer.GetMatches(ctx, userID, limit)
	st := o.buffer.Stats(ctx, userID)
	metrics.DiscoveryRequests.WithLabelValues(source).Inc()

	if candidates == nil {
		candidates = []models.ScoredCandidate{}
	}
	return &DiscoverResult{
		Candidates:      candidates,
		TotalAvailable:  st.Total,
		Remaining:       st.Remaining,
		HasMore:         st.HasMore,
		Source:          source,
		ExecutionTimeMs: o.now().Sub(start).Milliseconds(),
	}
}

func (o *Orchestrator) empty(userID, message string, start time.Time) *DiscoverResult {
	metrics.DiscoveryRequests.WithLabelValues(SourceEmpty).Inc()
	o.logger.Info("no candidates available", map[string]interface{}{"userId": userID, "reason": message})
	return &DiscoverResult{
		Candidates:      []models.ScoredCandidate{},
		Source:          SourceEmpty,
		ExecutionTimeMs: o.now().Sub(start).Milliseconds(),
		Message:         message,
	}
}

// RecordOutcomes persists a batch of like/pass decisions. Item failures are
// reported per item; the buffer is updated once for every accepted item.
func (o *Orchestrator) RecordOutcomes(ctx context.Context, userID string, items []OutcomeInput) (*OutcomeResult, error) {
	if userID == "" {
		return nil, apperrors.NewInvalidInputError("userId is required")
	}
	if len(items) == 0 {
		return nil, apperrors.NewInvalidInputError("at least one outcome is required")
	}
	if len(items) > o.opts.MaxOutcomeBatch {
		return nil, apperrors.NewInvalidInputError("too many outcomes in one batch")
	}

	result := &OutcomeResult{Results: make([]OutcomeItemResult, 0, len(items))}
	seen := make(map[string]struct{}, len(items))
	var accepted []string

	for _, item := range items {
		res := OutcomeItemResult{TargetID: item.TargetID, Action: item.Action}

		var itemErr *apperrors.StandardError
		switch {
		case item.TargetID == "":
			itemErr = apperrors.NewInvalidOutcomeError("targetId is required")
		case item.TargetID == userID:
			itemErr = apperrors.NewInvalidOutcomeError("cannot act on own profile")
		case !item.Action.Valid():
			itemErr = apperrors.NewInvalidOutcomeError("action must be LIKE or PASS")
		default:
			if _, dup := seen[item.TargetID]; dup {
				itemErr = apperrors.NewInvalidOutcomeError("duplicate targetId in batch")
			}
		}
		if itemErr == nil {
			seen[item.TargetID] = struct{}{}
			res.Matched, itemErr = o.persistOutcome(ctx, userID, item)
		}

		if itemErr != nil {
			res.ErrorCode = string(itemErr.Code)
			res.Error = itemErr.Message
			if itemErr.Details != "" {
				res.Error += ": " + itemErr.Details
			}
			result.Failed++
		} else {
			res.Success = true
			result.Processed++
			accepted = append(accepted, item.TargetID)
		}
		result.Results = append(result.Results, res)
	}

	if len(accepted) > 0 {
		result.RefillTriggered = o.buffer.ApplyOutcomes(ctx, userID, accepted)
	}

	o.logger.Info("outcomes recorded", map[string]interface{}{
		"userId":          userID,
		"processed":       result.Processed,
		"failed":          result.Failed,
		"refillTriggered": result.RefillTriggered,
	})
	return result, nil
}

// persistOutcome writes the edge for one decision. A LIKE answering a
// pending LIKE from the target accepts both edges.
func (o *Orchestrator) persistOutcome(ctx context.Context, userID string, item OutcomeInput) (bool, *apperrors.StandardError) {
	_, err := o.relationships.FindRelationship(ctx, userID, item.TargetID)
	switch {
	case err == nil:
		return false, apperrors.NewRelationshipExistsError(userID, item.TargetID)
	case !errors.Is(err, store.ErrRelationshipNotFound):
		return false, apperrors.NewDatabaseQueryFailedError(err)
	}

	reverse, err := o.relationships.FindRelationship(ctx, item.TargetID, userID)
	if err != nil && !errors.Is(err, store.ErrRelationshipNotFound) {
		return false, apperrors.NewDatabaseQueryFailedError(err)
	}

	status := models.StatusPending
	if item.Action == models.ActionPass {
		status = models.StatusRejected
	}
	matched := false

	if reverse != nil && reverse.Status == models.StatusPending {
		answer := models.StatusRejected
		if item.Action == models.ActionLike {
			answer = models.StatusAccepted
			status = models.StatusAccepted
			matched = true
		}
		if err := o.relationships.UpdateEdgeStatus(ctx, reverse.ID, answer); err != nil {
			return false, apperrors.NewDatabaseQueryFailedError(err)
		}
	}

	if _, err := o.relationships.CreateEdge(ctx, userID, item.TargetID, status); err != nil {
		if errors.Is(err, store.ErrRelationshipExists) {
			return false, apperrors.NewRelationshipExistsError(userID, item.TargetID)
		}
		return false, apperrors.NewDatabaseQueryFailedError(err)
	}
	return matched, nil
}
