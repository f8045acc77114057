package activity

import "testing"

func TestBeginEnd(t *testing.T) {
	tracker := New()
	done := tracker.Begin(NotificationsLoad)
	if !tracker.Busy(NotificationsLoad) || !tracker.Any() {
		t.Fatal("expected load to be busy")
	}
	done()
	done()
	if tracker.Busy(NotificationsLoad) || tracker.Any() {
		t.Fatal("expected load to be idle after done")
	}
}

func TestOverlappingOperations(t *testing.T) {
	tracker := New()
	first := tracker.Begin(NotificationsRead)
	second := tracker.Begin(NotificationsRead)
	other := tracker.Begin(SessionInit)

	first()
	if !tracker.Busy(NotificationsRead) {
		t.Fatal("expected markRead to stay busy while one call is in flight")
	}
	snapshot := tracker.Snapshot()
	if !snapshot[NotificationsRead] || !snapshot[SessionInit] || len(snapshot) != 2 {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}
	second()
	other()
	if len(tracker.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot, got %v", tracker.Snapshot())
	}
}

func TestNilTracker(t *testing.T) {
	var tracker *Tracker
	tracker.Begin("x")()
	if tracker.Busy("x") || tracker.Any() || len(tracker.Snapshot()) != 0 {
		t.Fatal("nil tracker should report idle")
	}
}
