package orchestrator

import (
	"errors"
	"testing"
	"time"
)

func TestRunStepRecordsFailure(t *testing.T) {
	report := &ShutdownReport{}
	runStep(report, "flaky", func() error { return errors.New("disk full") })

	if report.AllPassed() {
		t.Fatal("a failed step must make AllPassed false")
	}
	if report.Steps[0].Error != "disk full" {
		t.Fatalf("got error %q", report.Steps[0].Error)
	}
}

func TestRunStepTimeoutSurrendersButKeepsGoing(t *testing.T) {
	report := &ShutdownReport{}
	started := make(chan struct{})

	runStepTimeout(report, "slow", 10*time.Millisecond, func() error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	<-started
	if report.Steps[0].Passed {
		t.Fatal("expected the step to be recorded as failed once its timeout elapses")
	}

	runStep(report, "next", func() error { return nil })
	if !report.Steps[1].Passed {
		t.Fatal("a timed-out step must not block the next step from running")
	}
}

func TestShutdownOnUnbootstrappedOrchestratorIsNoop(t *testing.T) {
	o := New(Options{})
	report := o.shutdown(nil)

	if !report.AllPassed() {
		t.Fatalf("shutdown before init should have nothing to fail: %+v", report.Steps)
	}
	if len(report.Steps) == 0 {
		t.Fatal("expected every shutdown step to be recorded even with nothing wired up")
	}
}
