package precomputationstatus

import "study-match/internal/matching/precompute"

// Input asks for one job when JobID is set, otherwise for service stats.
type Input struct {
	JobID string `json:"jobId,omitempty"`
}

type Output struct {
	Job   *precompute.Job              `json:"job,omitempty"`
	Stats *precompute.PerformanceStats `json:"stats,omitempty"`
}
