package anomaly

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecorder_RingKeepsNewest(t *testing.T) {
	r := NewRecorder(3)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		r.Report(Anomaly{Kind: InvalidTransition, OrderID: id, Time: time.Unix(int64(i), 0)})
	}

	got := r.Recent()
	if len(got) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(got))
	}
	want := []string{"c", "d", "e"}
	for i := range want {
		if got[i].OrderID != want[i] {
			t.Errorf("recent[%d] = %s, want %s", i, got[i].OrderID, want[i])
		}
	}
	if r.Count(InvalidTransition) != 5 {
		t.Errorf("count = %d, want 5", r.Count(InvalidTransition))
	}
	if r.Count(DecodeFailure) != 0 {
		t.Errorf("unexpected decode failures")
	}
}

func TestRecorder_PartialFill(t *testing.T) {
	r := NewRecorder(4)
	r.Report(Anomaly{Kind: OpenOrderEvicted, OrderID: "x"})
	got := r.Recent()
	if len(got) != 1 || got[0].OrderID != "x" {
		t.Fatalf("recent = %+v", got)
	}
}

func TestTee_SkipsNil(t *testing.T) {
	a, b := NewRecorder(2), NewRecorder(2)
	tee := Tee(a, nil, b)
	tee.Report(Anomaly{Kind: BackendUnavailable})

	if a.Count(BackendUnavailable) != 1 || b.Count(BackendUnavailable) != 1 {
		t.Fatalf("tee did not reach every reporter")
	}
}

func TestLogReporter_WritesWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := LogReporter{Log: zap.New(core).Sugar()}

	r.Report(Anomaly{Kind: InvalidTransition, OrderID: "o-1", Previous: "FILLED", Attempted: "ACCEPTED"})

	entries := logs.FilterMessage("cache_anomaly").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["order_id"] != "o-1" {
		t.Errorf("order_id field = %v", fields["order_id"])
	}
}
