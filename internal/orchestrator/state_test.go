package orchestrator

import "testing"

func TestStateMachineWhitelistOutsideReady(t *testing.T) {
	var sm stateMachine
	sm.set(StateUninitialized)

	allowed := []Kind{KindInit, KindCheckModel, KindGetDiagnostics}
	for _, k := range allowed {
		if !sm.allows(k) {
			t.Errorf("expected %q to be allowed in state %s", k, sm.get())
		}
	}

	if sm.allows(KindSearch) {
		t.Errorf("search should not be allowed before the orchestrator reaches ready")
	}
}

func TestStateMachineAllowsEverythingInReady(t *testing.T) {
	var sm stateMachine
	sm.set(StateReady)

	for _, k := range []Kind{KindSearch, KindStats, KindEnqueue, KindShutdown, KindInit} {
		if !sm.allows(k) {
			t.Errorf("expected %q to be allowed in state ready", k)
		}
	}
}

func TestStateMachineBlocksAfterShutdown(t *testing.T) {
	var sm stateMachine
	sm.set(StateTerminated)

	if sm.allows(KindSearch) {
		t.Error("a terminated orchestrator should not accept a search request")
	}
	if !sm.allows(KindGetDiagnostics) {
		t.Error("diagnostics should still be reachable after termination")
	}
}
