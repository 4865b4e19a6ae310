// internal/domain/generation_request.go
package domain

import (
	"errors"
	"time"
)

var (
	// ErrRequestNotFound is returned by the ledger when no entry exists for an id.
	ErrRequestNotFound = errors.New("generation request not found")
	// ErrAlreadyFinalized is returned when a patch tries to write the outcome
	// of a request whose outcome is already recorded.
	ErrAlreadyFinalized = errors.New("generation request already finalized")
	// ErrWorkerAlreadyAssigned is returned when a patch tries to set the
	// worker of a request that already has one.
	ErrWorkerAlreadyAssigned = errors.New("generation request already has a worker")
)

// GenerationParams are the requester-supplied generation parameters.
// They are copied verbatim from the inbound message.
type GenerationParams struct {
	Prompt   string `json:"prompt" validate:"required"`
	NumSteps int    `json:"numSteps" validate:"required"`
	Height   int    `json:"height" validate:"required"`
	Width    int    `json:"width" validate:"required"`
}

// WorkerPayload is what the assigned worker receives: the requester's
// parameters plus the broker-chosen seed.
type WorkerPayload struct {
	Prompt   string `json:"prompt"`
	Seed     int64  `json:"seed"`
	NumSteps int    `json:"numSteps"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
}

// GenerationRequest is the ledger record of one inbound generation request.
type GenerationRequest struct {
	ID            string     `json:"id"`
	ImageInbox    string     `json:"imageInbox"`
	Prompt        string     `json:"prompt"`
	NumSteps      int        `json:"numSteps"`
	Height        int        `json:"height"`
	Width         int        `json:"width"`
	Seed          int64      `json:"seed"`
	WorkerID      string     `json:"workerId,omitempty"`
	Successful    *bool      `json:"successful,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	Start         time.Time  `json:"start"`
	End           *time.Time `json:"end,omitempty"`
}

// NewGenerationRequest assembles the record that is handed to the ledger on create.
func NewGenerationRequest(imageInbox string, params GenerationParams, seed int64, start time.Time) *GenerationRequest {
	return &GenerationRequest{
		ImageInbox: imageInbox,
		Prompt:     params.Prompt,
		NumSteps:   params.NumSteps,
		Height:     params.Height,
		Width:      params.Width,
		Seed:       seed,
		Start:      start,
	}
}

// WorkerPayload builds the payload forwarded to the assigned worker.
func (r *GenerationRequest) WorkerPayload() WorkerPayload {
	return WorkerPayload{
		Prompt:   r.Prompt,
		Seed:     r.Seed,
		NumSteps: r.NumSteps,
		Height:   r.Height,
		Width:    r.Width,
	}
}

// Finalized reports whether the outcome of the request has been recorded.
func (r *GenerationRequest) Finalized() bool {
	return r.Successful != nil
}

// RequestPatch is a partial update of a GenerationRequest. Nil fields are left untouched.
type RequestPatch struct {
	WorkerID      *string
	Successful    *bool
	FailureReason *string
	End           *time.Time
}

// AssignWorker returns the patch recording the assigned worker.
func AssignWorker(workerID string) RequestPatch {
	return RequestPatch{WorkerID: &workerID}
}

// Outcome returns the patch that finalizes a request. A non-empty reason is
// only recorded for failures.
func Outcome(successful bool, reason string, end time.Time) RequestPatch {
	p := RequestPatch{Successful: &successful, End: &end}
	if !successful && reason != "" {
		p.FailureReason = &reason
	}
	return p
}

// IsFinal reports whether the patch writes the request outcome.
func (p RequestPatch) IsFinal() bool {
	return p.Successful != nil
}

// Apply merges the patch into r. The worker is set at most once and the
// outcome is written at most once; violating either returns the matching
// sentinel error and leaves r unchanged.
func (r *GenerationRequest) Apply(p RequestPatch) error {
	if p.WorkerID != nil && r.WorkerID != "" && r.WorkerID != *p.WorkerID {
		return ErrWorkerAlreadyAssigned
	}
	if p.IsFinal() && r.Finalized() {
		return ErrAlreadyFinalized
	}
	if p.WorkerID != nil {
		r.WorkerID = *p.WorkerID
	}
	if p.Successful != nil {
		v := *p.Successful
		r.Successful = &v
	}
	if p.FailureReason != nil {
		r.FailureReason = *p.FailureReason
	}
	if p.End != nil {
		v := *p.End
		r.End = &v
	}
	return nil
}
