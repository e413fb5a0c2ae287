package discovercandidates

import "study-match/internal/models"

type Input struct {
	UserID     string   `json:"userId"`
	Limit      int      `json:"limit,omitempty"`
	ExcludeIDs []string `json:"excludeIds,omitempty"`
	Refresh    bool     `json:"refresh,omitempty"`
}

type Output struct {
	Candidates      []models.ScoredCandidate `json:"candidates"`
	TotalAvailable  int                      `json:"totalAvailable"`
	Remaining       int                      `json:"remaining"`
	HasMore         bool                     `json:"hasMore"`
	Source          string                   `json:"source"`
	ExecutionTimeMs int64                    `json:"executionTimeMs"`
	Message         string                   `json:"message,omitempty"`
}
