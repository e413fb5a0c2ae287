package scheduleprecomputation

import "study-match/internal/matching/precompute"

// Input selects one mode: CancelJobID cancels, Batch runs a sweep, and
// otherwise UserID is scheduled with Priority.
type Input struct {
	UserID      string              `json:"userId,omitempty"`
	Priority    precompute.Priority `json:"priority,omitempty"`
	Batch       bool                `json:"batch,omitempty"`
	CancelJobID string              `json:"cancelJobId,omitempty"`
}

type Output struct {
	Mode      string   `json:"mode"`
	JobIDs    []string `json:"jobIds"`
	Scheduled int      `json:"scheduled"`
	Cancelled string   `json:"cancelledJobId,omitempty"`
}

const (
	ModeSingle = "single"
	ModeBatch  = "batch"
	ModeCancel = "cancel"
)
