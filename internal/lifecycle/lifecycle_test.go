package lifecycle

import (
	"errors"
	"testing"

	"github.com/ak-badjie/mbalit/internal/models"
)

func TestHappyPathChain(t *testing.T) {
	chain := []models.JobStatus{
		models.JobPending,
		models.JobAssigned,
		models.JobAccepted,
		models.JobInProgress,
		models.JobArrived,
		models.JobCompleted,
	}
	for i := 0; i < len(chain)-1; i++ {
		if err := CanTransition(chain[i], chain[i+1]); err != nil {
			t.Fatalf("%s -> %s should be legal: %v", chain[i], chain[i+1], err)
		}
	}
}

func TestCancelFromEveryLiveStatus(t *testing.T) {
	live := []models.JobStatus{
		models.JobPending,
		models.JobAssigned,
		models.JobAccepted,
		models.JobInProgress,
		models.JobArrived,
	}
	for _, s := range live {
		if err := CanTransition(s, models.JobCancelled); err != nil {
			t.Fatalf("%s -> cancelled should be legal: %v", s, err)
		}
	}
}

func TestSkippingStepsRejected(t *testing.T) {
	bad := [][2]models.JobStatus{
		{models.JobPending, models.JobAccepted},
		{models.JobPending, models.JobCompleted},
		{models.JobAssigned, models.JobInProgress},
		{models.JobAccepted, models.JobArrived},
		{models.JobInProgress, models.JobCompleted},
		{models.JobAssigned, models.JobPending}, // no going back
	}
	for _, pair := range bad {
		err := CanTransition(pair[0], pair[1])
		if err == nil {
			t.Fatalf("%s -> %s should be rejected", pair[0], pair[1])
		}
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("expected InvalidTransitionError, got %T", err)
		}
		if ite.From != pair[0] || ite.To != pair[1] {
			t.Fatalf("error fields %s -> %s, want %s -> %s", ite.From, ite.To, pair[0], pair[1])
		}
	}
}

func TestTerminalStatusesRejectEverything(t *testing.T) {
	all := []models.JobStatus{
		models.JobPending,
		models.JobAssigned,
		models.JobAccepted,
		models.JobInProgress,
		models.JobArrived,
		models.JobCompleted,
		models.JobCancelled,
	}
	for _, terminal := range []models.JobStatus{models.JobCompleted, models.JobCancelled} {
		for _, to := range all {
			if err := CanTransition(terminal, to); err == nil {
				t.Fatalf("%s -> %s should be rejected", terminal, to)
			}
		}
	}
}

func TestCollectorAdvanceTargets(t *testing.T) {
	if CollectorAdvance(models.JobAssigned) {
		t.Fatal("collectors must not self-assign")
	}
	if CollectorAdvance(models.JobCancelled) {
		t.Fatal("cancellation must go through its own path")
	}
	if CollectorAdvance(models.JobPending) {
		t.Fatal("pending is not a collector target")
	}
	for _, ok := range []models.JobStatus{models.JobAccepted, models.JobInProgress, models.JobArrived, models.JobCompleted} {
		if !CollectorAdvance(ok) {
			t.Fatalf("%s should be a collector step", ok)
		}
	}
}
