package subscription

import "testing"

func TestPublisherAddRemoveRelay(t *testing.T) {
	p := NewPublisher([]string{"wss://one.example"})

	if added := p.AddRelay("wss://two.example"); !added {
		t.Fatal("expected AddRelay to report newly added")
	}
	if added := p.AddRelay("wss://two.example"); added {
		t.Fatal("expected AddRelay to report already present on duplicate")
	}
	if got := p.Relays(); len(got) != 2 {
		t.Fatalf("Relays() = %v, want 2 entries", got)
	}

	if removed := p.RemoveRelay("wss://one.example"); !removed {
		t.Fatal("expected RemoveRelay to report removed")
	}
	if removed := p.RemoveRelay("wss://one.example"); removed {
		t.Fatal("expected RemoveRelay to report not-present on second call")
	}
	if got := p.Relays(); len(got) != 1 || got[0] != "wss://two.example" {
		t.Fatalf("Relays() after removal = %v, want [wss://two.example]", got)
	}
}

func TestRelayCircuitOpensAfterThresholdFailures(t *testing.T) {
	SetCircuitBreakerThreshold(3)
	p := NewPublisher([]string{"wss://flaky.example"})

	cb := p.getCircuit("wss://flaky.example")
	for i := 0; i < 2; i++ {
		if opened := cb.recordFailure(); opened {
			t.Fatalf("circuit opened too early on failure #%d", i+1)
		}
	}
	if opened := cb.recordFailure(); !opened {
		t.Fatal("expected circuit to open on the 3rd consecutive failure")
	}

	statuses := p.RelayStatuses()
	if len(statuses) != 1 || !statuses[0].CircuitOpen {
		t.Fatalf("RelayStatuses() = %v, want one open circuit", statuses)
	}
}

func TestRelayCircuitResetClearsState(t *testing.T) {
	SetCircuitBreakerThreshold(1)
	p := NewPublisher([]string{"wss://flaky.example"})

	cb := p.getCircuit("wss://flaky.example")
	cb.recordFailure()
	if !cb.isOpen() {
		t.Fatal("expected circuit to be open after one failure at threshold 1")
	}

	p.ResetCircuit("wss://flaky.example")
	if cb.isOpen() {
		t.Fatal("expected circuit to be closed after ResetCircuit")
	}
}

func TestRecordSuccessClearsFailures(t *testing.T) {
	SetCircuitBreakerThreshold(5)
	cb := &relayCircuit{}
	cb.recordFailure()
	cb.recordFailure()

	if was := cb.recordSuccess(); !was {
		t.Fatal("expected recordSuccess to report a prior non-clean state")
	}
	if cb.isOpen() {
		t.Fatal("expected circuit to be closed after recordSuccess")
	}
}

func TestQuerierQueryRelaysDedupesAndMerges(t *testing.T) {
	q := NewQuerier(
		[]string{"wss://main.example", "wss://shared.example"},
		[]string{"wss://shared.example", "wss://meta.example"},
	)

	got := q.queryRelays()
	want := map[string]bool{"wss://main.example": true, "wss://shared.example": true, "wss://meta.example": true}
	if len(got) != len(want) {
		t.Fatalf("queryRelays() = %v, want %d unique relays", got, len(want))
	}
	for _, r := range got {
		if !want[r] {
			t.Errorf("unexpected relay %q in queryRelays() result", r)
		}
	}
}

func TestQuerierQueryRelaysWithNoMetadataRelays(t *testing.T) {
	q := NewQuerier([]string{"wss://main.example"}, nil)
	got := q.queryRelays()
	if len(got) != 1 || got[0] != "wss://main.example" {
		t.Fatalf("queryRelays() = %v, want [wss://main.example]", got)
	}
}
