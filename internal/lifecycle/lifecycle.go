// Package lifecycle owns the pickup job status graph. Every status write in
// the system goes through CanTransition before it reaches the store, so the
// legal edges live in exactly one place.
package lifecycle

import (
	"fmt"

	"github.com/ak-badjie/mbalit/internal/models"
)

// transitions lists the legal next statuses per current status. Terminal
// statuses have no edges. Cancellation is reachable from every live status.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobPending:    {models.JobAssigned, models.JobCancelled},
	models.JobAssigned:   {models.JobAccepted, models.JobCancelled},
	models.JobAccepted:   {models.JobInProgress, models.JobCancelled},
	models.JobInProgress: {models.JobArrived, models.JobCancelled},
	models.JobArrived:    {models.JobCompleted, models.JobCancelled},
	models.JobCompleted:  nil,
	models.JobCancelled:  nil,
}

// InvalidTransitionError reports a status move outside the legal graph.
type InvalidTransitionError struct {
	From models.JobStatus
	To   models.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("job is %s: this order can no longer be changed", e.From)
	}
	return fmt.Sprintf("cannot move job from %s to %s", e.From, e.To)
}

// CanTransition returns nil when from->to is a legal edge, otherwise an
// *InvalidTransitionError.
func CanTransition(from, to models.JobStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// CollectorAdvance reports whether to is a progress step a collector may
// request directly. Assignment belongs to the dispatcher and cancellation
// carries a reason through its own path.
func CollectorAdvance(to models.JobStatus) bool {
	switch to {
	case models.JobAccepted, models.JobInProgress, models.JobArrived, models.JobCompleted:
		return true
	}
	return false
}
