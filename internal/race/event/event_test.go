package event

import "testing"

func TestKindNameRoundTrip(t *testing.T) {
	for k := Kind(0); k < numKinds; k++ {
		name := k.String()
		if name == "" || name == "UNKNOWN" {
			t.Fatalf("kind %d has no name", k)
		}
		got, ok := KindByName(name)
		if !ok || got != k {
			t.Errorf("KindByName(%q) = (%v, %v), want (%v, true)", name, got, ok, k)
		}
	}
}

func TestKindByNameUnknown(t *testing.T) {
	if _, ok := KindByName("NOT_A_THING"); ok {
		t.Error("unknown name resolved")
	}
}

func TestClassifiers(t *testing.T) {
	if !(Event{Kind: Read}).IsAccess() || !(Event{Kind: Write}).IsAccess() {
		t.Error("READ/WRITE must classify as accesses")
	}
	if (Event{Kind: Signal}).IsAccess() {
		t.Error("SIGNAL is not an access")
	}
	if !(Event{Kind: ThrStart}).IsLifecycle() || !(Event{Kind: ThrJoinAfter}).IsLifecycle() {
		t.Error("thread events must classify as lifecycle")
	}
	if !(Event{Kind: WriterLock}).IsSync() || !(Event{Kind: PCQGet}).IsSync() {
		t.Error("lock/queue events must classify as sync")
	}
	if (Event{Kind: Read}).IsSync() {
		t.Error("READ is not sync")
	}
	if !(Event{Kind: Write}).IsThreadLocal() {
		t.Error("WRITE is thread-local")
	}
	if (Event{Kind: BenignRace}).IsThreadLocal() {
		t.Error("annotations have cross-thread effect")
	}
}
