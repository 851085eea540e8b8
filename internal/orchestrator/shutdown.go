package orchestrator

import (
	"fmt"
	"time"
)

// ShutdownStep is one independent step of the graceful shutdown
// sequence: a timeout in one step never blocks the rest.
type ShutdownStep struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// ShutdownReport is returned to the host once every step has run (or
// surrendered to its timeout).
type ShutdownReport struct {
	Steps []ShutdownStep `json:"steps"`
}

func (r *ShutdownReport) AllPassed() bool {
	for _, s := range r.Steps {
		if !s.Passed {
			return false
		}
	}
	return true
}

// runStep executes fn and records pass/fail without a deadline.
func runStep(report *ShutdownReport, name string, fn func() error) {
	step := ShutdownStep{Name: name, Passed: true}
	if err := fn(); err != nil {
		step.Passed = false
		step.Error = err.Error()
	}
	report.Steps = append(report.Steps, step)
}

// runStepTimeout executes fn on its own goroutine and surrenders after
// timeout, recording a failed step but letting the sequence continue;
// fn keeps running in the background even past the deadline.
func runStepTimeout(report *ShutdownReport, name string, timeout time.Duration, fn func() error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		step := ShutdownStep{Name: name, Passed: err == nil}
		if err != nil {
			step.Error = err.Error()
		}
		report.Steps = append(report.Steps, step)
	case <-time.After(timeout):
		report.Steps = append(report.Steps, ShutdownStep{
			Name:   name,
			Passed: false,
			Error:  fmt.Sprintf("timed out after %s", timeout),
		})
	}
}
