package recordmatchoutcome

import (
	"study-match/internal/matching/discovery"
	"study-match/internal/models"
)

// Input carries either a batch in Outcomes or a single TargetID/Action pair.
type Input struct {
	UserID   string                   `json:"userId"`
	Outcomes []discovery.OutcomeInput `json:"outcomes,omitempty"`
	TargetID string                   `json:"targetId,omitempty"`
	Action   string                   `json:"action,omitempty"`
}

// Items returns the outcomes to record, folding the single form into a batch.
func (in *Input) Items() []discovery.OutcomeInput {
	if len(in.Outcomes) > 0 || in.TargetID == "" {
		return in.Outcomes
	}
	return []discovery.OutcomeInput{{TargetID: in.TargetID, Action: models.Action(in.Action)}}
}

type Output struct {
	Results         []discovery.OutcomeItemResult `json:"results"`
	Processed       int                           `json:"processed"`
	Failed          int                           `json:"failed"`
	RefillTriggered bool                          `json:"refillTriggered"`
	Matched         []string                      `json:"matched"`
}
