// Package rerank calls the external re-ranking service that reorders a
// candidate batch for a requester.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"study-match/internal/common/config"
	commonhttp "study-match/internal/common/http"
	"study-match/internal/common/logger"
	"study-match/internal/models"
)

var ErrDisabled = errors.New("re-ranking disabled")

const rerankPath = "/api/ai/rerank"

// Ranking is one entry of the service's ordered answer.
type Ranking struct {
	CandidateID string  `json:"candidateId"`
	Score       float64 `json:"score"`
	Reasoning   string  `json:"reasoning"`
}

type rerankRequest struct {
	Requester  *models.Profile   `json:"requester"`
	Candidates []rerankCandidate `json:"candidates"`
}

type rerankCandidate struct {
	Profile            models.Profile   `json:"profile"`
	CompatibilityScore int              `json:"compatibilityScore"`
	Breakdown          models.Breakdown `json:"breakdown"`
}

type rerankResponse struct {
	Rankings []Ranking `json:"rankings"`
}

type Options struct {
	Enabled       bool
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

func OptionsFromConfig(cfg config.APIsConfig) Options {
	return Options{
		Enabled:       cfg.Rerank.Enabled,
		BaseURL:       cfg.Rerank.BaseURL,
		APIKey:        cfg.Rerank.APIKey,
		Timeout:       config.GetDuration(cfg.Rerank.Timeout),
		MaxRetries:    cfg.Rerank.MaxRetries,
		RetryInterval: 200 * time.Millisecond,
	}
}

type Client struct {
	http   *commonhttp.Client
	opts   Options
	logger logger.Logger
}

func NewClient(opts Options, log logger.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	hc := commonhttp.NewClient(opts.Timeout)
	if opts.APIKey != "" {
		hc = hc.WithHeader("Authorization", "Bearer "+opts.APIKey)
	}
	return &Client{
		http:   hc,
		opts:   opts,
		logger: logger.ForComponent(log, "rerank-client"),
	}
}

// Enabled reports whether calls will reach the service.
func (c *Client) Enabled() bool {
	return c != nil && c.opts.Enabled && c.opts.BaseURL != ""
}

// Rerank asks the service to order candidates for requester. Transport
// errors and 5xx/429 answers are retried up to MaxRetries times.
func (c *Client) Rerank(ctx context.Context, requester *models.Profile, candidates []models.ScoredCandidate) ([]Ranking, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	req := rerankRequest{Requester: requester, Candidates: make([]rerankCandidate, len(candidates))}
	for i, cand := range candidates {
		req.Candidates[i] = rerankCandidate{
			Profile:            cand.Profile,
			CompatibilityScore: cand.Match.Score,
			Breakdown:          cand.Match.Breakdown,
		}
	}
	url := strings.TrimRight(c.opts.BaseURL, "/") + rerankPath

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.RetryInterval

	attempt := 0
	rankings, err := backoff.Retry(ctx, func() ([]Ranking, error) {
		attempt++
		var resp rerankResponse
		if err := c.http.PostJSON(ctx, url, req, &resp); err != nil {
			var statusErr *commonhttp.StatusError
			if errors.As(err, &statusErr) && !statusErr.Retryable() {
				return nil, backoff.Permanent(err)
			}
			c.logger.Debug("rerank attempt failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err,
			})
			return nil, err
		}
		return resp.Rankings, nil
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(uint(c.opts.MaxRetries+1)))
	if err != nil {
		return nil, fmt.Errorf("rerank after %d attempt(s): %w", attempt, err)
	}
	return rankings, nil
}

// Apply reorders candidates to follow rankings. Ranked candidates come first
// in ranking order with their re-rank score and reasoning attached; any
// candidate the service left out keeps its relative order after them.
// Unknown and repeated ids in rankings are ignored.
func Apply(candidates []models.ScoredCandidate, rankings []Ranking) []models.ScoredCandidate {
	index := make(map[string]int, len(candidates))
	for i, c := range candidates {
		index[c.ID()] = i
	}

	used := make([]bool, len(candidates))
	out := make([]models.ScoredCandidate, 0, len(candidates))
	for _, r := range rankings {
		i, ok := index[r.CandidateID]
		if !ok || used[i] {
			continue
		}
		used[i] = true
		c := candidates[i]
		score := r.Score
		c.RerankScore = &score
		c.Reasoning = r.Reasoning
		out = append(out, c)
	}
	for i, c := range candidates {
		if !used[i] {
			out = append(out, c)
		}
	}
	return out
}
