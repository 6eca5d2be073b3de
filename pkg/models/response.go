package models

// CompletionReason records why a session reached a terminal state.
type CompletionReason string

const (
	ReasonTier1           CompletionReason = "tier1"
	ReasonTier2           CompletionReason = "tier2"
	ReasonTier3           CompletionReason = "tier3"
	ReasonHardStop        CompletionReason = "hardStop"
	ReasonStagnation      CompletionReason = "stagnation"
	ReasonCriticalPersist CompletionReason = "criticalPersist"
	ReasonFailed          CompletionReason = "failed"
)

// ShipReason reports whether the reason is a ship tier (successful close)
// as opposed to a kill switch.
func (r CompletionReason) ShipReason() bool {
	switch r {
	case ReasonTier1, ReasonTier2, ReasonTier3:
		return true
	}
	return false
}

// CompletionStatus summarizes the session's terminal-state evaluation for the caller.
type CompletionStatus struct {
	IsComplete  bool             `json:"isComplete"`
	Reason      CompletionReason `json:"reason,omitempty"`
	CurrentLoop int              `json:"currentLoop"`
	Score       int              `json:"score"`
	Threshold   int              `json:"threshold"`
}

// Response is the wire-level result of one audit submission.
type Response struct {
	ThoughtNumber     int               `json:"thoughtNumber"`
	TotalThoughts     int               `json:"totalThoughts"`
	NextThoughtNeeded bool              `json:"nextThoughtNeeded"`
	SessionID         string            `json:"sessionId"`
	Review            Review            `json:"review"`
	CompletionStatus  *CompletionStatus `json:"completionStatus,omitempty"`
}
