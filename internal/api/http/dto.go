package http

import (
	"time"

	"image-broker/internal/domain"
)

// BlacklistWorkerRequest is the body of PUT /workers/{id}/blacklist.
type BlacklistWorkerRequest struct {
	Reason string `json:"reason" validate:"required,min=1,max=512"`
}

// WorkerTrustResponse is returned by GET /workers/{id}/trust.
type WorkerTrustResponse struct {
	WorkerID      string     `json:"workerId"`
	Trustworthy   bool       `json:"trustworthy"`
	Reason        string     `json:"reason,omitempty"`
	BlacklistedAt *time.Time `json:"blacklistedAt,omitempty"`
}

func newWorkerTrustResponse(workerID string, trustworthy bool, entry *domain.BlacklistEntry) WorkerTrustResponse {
	resp := WorkerTrustResponse{WorkerID: workerID, Trustworthy: trustworthy}
	if entry != nil {
		at := entry.CreatedAt
		resp.Reason = entry.Reason
		resp.BlacklistedAt = &at
	}
	return resp
}

// OpenRequestsResponse is returned by GET /requests/.
type OpenRequestsResponse struct {
	OlderThan string                      `json:"olderThan"`
	Requests  []*domain.GenerationRequest `json:"requests"`
}
