package model

import "time"

// RescoreStatus is the lifecycle state of a RescoreRequest.
type RescoreStatus string

const (
	RescoreRunning RescoreStatus = "RUNNING"
	RescoreSuccess RescoreStatus = "SUCCESS"
	RescoreFailed  RescoreStatus = "FAILED"
)

// RescoreRequest tracks a bulk recomputation of community scores.
type RescoreRequest struct {
	ID                   string
	AccountID            int64
	Status               RescoreStatus
	CommunitiesRequested int
	CommunitiesProcessed int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Done reports whether the request reached a terminal state.
func (r RescoreRequest) Done() bool {
	return r.Status != RescoreRunning
}

// RescoreJob is one unit of rescoring work: all passports of a community.
type RescoreJob struct {
	RequestID   string
	CommunityID int64
}
