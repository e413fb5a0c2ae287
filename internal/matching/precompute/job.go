package precompute

import "time"

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Status moves forward only: pending -> processing -> completed|failed.
// A pending job may also be cancelled straight to failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const cancelledMessage = "job cancelled"

type JobMetrics struct {
	CandidatesConsidered int   `json:"candidatesConsidered"`
	ScoresComputed       int   `json:"scoresComputed"`
	CacheHits            int   `json:"cacheHits"`
	CacheMisses          int   `json:"cacheMisses"`
	ElapsedMs            int64 `json:"elapsedMs"`
}

// Job is one precomputation run for a single user.
type Job struct {
	ID          string     `json:"jobId"`
	UserID      string     `json:"userId"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	Metrics     JobMetrics `json:"metrics"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// PerformanceStats summarizes every job the service still tracks.
type PerformanceStats struct {
	TotalJobs           int     `json:"totalJobs"`
	PendingJobs         int     `json:"pendingJobs"`
	ProcessingJobs      int     `json:"processingJobs"`
	CompletedJobs       int     `json:"completedJobs"`
	FailedJobs          int     `json:"failedJobs"`
	AverageDurationMs   float64 `json:"averageDurationMs"`
	TotalScoresComputed int     `json:"totalScoresComputed"`
	CacheHitRate        float64 `json:"cacheHitRate"`
	MaxConcurrentJobs   int     `json:"maxConcurrentJobs"`
}
