package models

import "time"

// Breakdown holds the per-factor compatibility values, each in [0, 1].
type Breakdown struct {
	UniversityMatch   float64 `json:"universityMatch"`
	MajorMatch        float64 `json:"majorMatch"`
	YearCompatibility float64 `json:"yearCompatibility"`
	InterestsMatch    float64 `json:"interestsMatch"`
	SkillsMatch       float64 `json:"skillsMatch"`
	StudyTimeMatch    float64 `json:"studyTimeMatch"`
	LanguageMatch     float64 `json:"languageMatch"`
}

// MatchScore is the derived compatibility of a candidate for a requester.
type MatchScore struct {
	CandidateID string    `json:"candidateId"`
	Score       int       `json:"score"`
	Breakdown   Breakdown `json:"breakdown"`
}

// ScoredCandidate is a buffered candidate: profile snapshot plus its score.
type ScoredCandidate struct {
	Profile     Profile    `json:"profile"`
	Match       MatchScore `json:"match"`
	RerankScore *float64   `json:"rerankScore,omitempty"`
	Reasoning   string     `json:"reasoning,omitempty"`
	IsOnline    bool       `json:"isOnline"`
}

// ID returns the candidate's user id.
func (c ScoredCandidate) ID() string {
	return c.Profile.ID
}

// CachedMatchBatch is the serialized form of a buffer stored in the shared cache.
type CachedMatchBatch struct {
	Candidates  []ScoredCandidate `json:"candidates"`
	Timestamp   time.Time         `json:"timestamp"`
	ExcludedIDs []string          `json:"excludedIds"`
}

// IsFresh reports whether the batch is still inside its TTL at now.
func (b *CachedMatchBatch) IsFresh(now time.Time, ttl time.Duration) bool {
	return b != nil && now.Sub(b.Timestamp) < ttl
}

// Action is a requester's decision about a delivered candidate.
type Action string

const (
	ActionLike Action = "LIKE"
	ActionPass Action = "PASS"
)

// Valid reports whether a is a supported action.
func (a Action) Valid() bool {
	return a == ActionLike || a == ActionPass
}
