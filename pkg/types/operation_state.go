package types

import "strings"

// keySeparator is the composite-key separator for OperationState rows (§3).
const keySeparator = "::"

// OperationStateKey builds a composite key "{service}::{org}[::scope]::{suffix}".
func OperationStateKey(service, orgID, scope, suffix string) string {
	parts := []string{service, orgID}
	if scope != "" {
		parts = append(parts, scope)
	}
	parts = append(parts, suffix)
	return strings.Join(parts, keySeparator)
}

// OperationState is a uniformly-keyed JSON-shaped record (§3).
type OperationState struct {
	Key       string                 `json:"key" db:"key"`
	OrgID     string                 `json:"org_id" db:"org_id"`
	Payload   map[string]interface{} `json:"payload" db:"payload"`
	UpdatedAt int64                  `json:"updated_at" db:"updated_at"`
}

// BatchStatus is the progress-tracking status for long-running jobs (§4.6).
type BatchStatus string

const (
	BatchInProgress BatchStatus = "IN_PROGRESS"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
	BatchCancelled  BatchStatus = "CANCELLED"
)

// UserFailure records one user's failure within a batch job (§4.6).
type UserFailure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// Progress is the payload shape stored at "{service}::{org}::progress" (§3, §4.6).
type Progress struct {
	Status             BatchStatus   `json:"status"`
	StartedAt          int64         `json:"started_at"`
	CompletedAt        *int64        `json:"completed_at,omitempty"`
	TotalUsers         int           `json:"total_users"`
	ProcessedUsers     int           `json:"processed_users"`
	FailedUsers        int           `json:"failed_users"`
	CurrentUserID      string        `json:"current_user_id,omitempty"`
	ProcessedUserIDs   []string      `json:"processed_user_ids,omitempty"`
	FailedUserIDs      []UserFailure `json:"failed_user_ids,omitempty"`
	ProgressPercentage float64       `json:"progress_percentage"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	RequestParams      map[string]interface{} `json:"request_params,omitempty"`
}

// PercentComplete recomputes ProgressPercentage from the current counters.
func (p *Progress) PercentComplete() float64 {
	if p.TotalUsers == 0 {
		return 100
	}
	done := p.ProcessedUsers + p.FailedUsers
	return (float64(done) / float64(p.TotalUsers)) * 100
}

// Lock is the payload shape stored at "...::lock" (§3, §4.7).
type Lock struct {
	HolderRequestID  string `json:"holder_request_id"`
	AcquiredAt       int64  `json:"acquired_at"`
	PendingRequestID string `json:"pending_request_id,omitempty"`
}

// Bookmark is the payload shape stored at "...::{extractor_name}" (§3, §4.2).
type Bookmark struct {
	LastProcessedInteractionID string `json:"last_processed_interaction_id"`
	LastProcessedTS            int64  `json:"last_processed_ts"`
}

// ClusterFingerprints is the payload shape stored at "...::clusters" (§3, §4.4).
type ClusterFingerprints struct {
	// Fingerprint -> feedback_id
	Map map[string]string `json:"map"`
}

// Cancellation is the payload shape stored at "...::cancellation" (§3, §4.6).
type Cancellation struct {
	RequestedAt int64  `json:"requested_at"`
	Reason      string `json:"reason"`
}

// SimpleLock is the payload shape stored at "...::simple-lock" (§3).
type SimpleLock struct {
	AcquiredAt int64 `json:"acquired_at"`
}
