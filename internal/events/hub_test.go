package events_test

import (
	"testing"
	"time"

	"vidatlas/internal/events"
	"vidatlas/internal/job"
	"vidatlas/internal/logging"
)

func runningJob(id string, phase string, progress float64) *job.Job {
	return &job.Job{
		ID:          id,
		Fingerprint: "fp-" + id,
		Status:      job.StatusRunning,
		Phase:       phase,
		Progress:    progress,
	}
}

func recvEvent(t *testing.T, sub *events.Subscriber) events.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("event channel closed before expected event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func recvClosed(t *testing.T, sub *events.Subscriber) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected closed channel, got %s event", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSubscribeDeliversSnapshot(t *testing.T) {
	hub := events.NewHub(8, logging.NewNop())
	defer hub.Shutdown()

	sub := hub.Subscribe(runningJob("job-1", "summary", 40))

	ev := recvEvent(t, sub)
	if ev.Type != events.TypePhaseUpdate {
		t.Fatalf("snapshot type = %q, want %q", ev.Type, events.TypePhaseUpdate)
	}
	if ev.JobID != "job-1" || ev.Phase != "summary" || ev.Progress != 40 {
		t.Fatalf("snapshot = %+v, want job-1/summary/40", ev)
	}

	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected second event %s before any publish", extra.Type)
	default:
	}
}

func TestSubscribeSettledJobClosesImmediately(t *testing.T) {
	hub := events.NewHub(8, logging.NewNop())
	defer hub.Shutdown()

	done := &job.Job{ID: "job-2", Status: job.StatusDone, Phase: "geocode", Progress: 100}
	sub := hub.Subscribe(done)

	if ev := recvEvent(t, sub); ev.Type != events.TypePhaseUpdate || ev.Progress != 100 {
		t.Fatalf("first event = %+v, want phase_update snapshot at 100", ev)
	}
	final := recvEvent(t, sub)
	if final.Type != events.TypeCompleted || final.Status != job.StatusDone {
		t.Fatalf("final event = %+v, want completed/done", final)
	}
	recvClosed(t, sub)

	if count := hub.SubscriberCount("job-2"); count != 0 {
		t.Fatalf("settled subscribe left %d live subscribers", count)
	}
}

func TestPublishFansOut(t *testing.T) {
	hub := events.NewHub(8, logging.NewNop())
	defer hub.Shutdown()

	j := runningJob("job-3", "metadata", 5)
	first := hub.Subscribe(j)
	second := hub.Subscribe(j)
	recvEvent(t, first)
	recvEvent(t, second)

	j.SetProgress("compression", 25)
	hub.Publish(events.PhaseUpdate(j))

	for _, sub := range []*events.Subscriber{first, second} {
		ev := recvEvent(t, sub)
		if ev.Phase != "compression" || ev.Progress != 25 {
			t.Fatalf("subscriber got %+v, want compression/25", ev)
		}
	}
	if hub.Active() != 2 {
		t.Fatalf("Active() = %d, want 2", hub.Active())
	}
}

func TestTerminalClosesAllSubscribers(t *testing.T) {
	hub := events.NewHub(8, logging.NewNop())
	defer hub.Shutdown()

	j := runningJob("job-4", "geocode", 90)
	first := hub.Subscribe(j)
	second := hub.Subscribe(j)
	recvEvent(t, first)
	recvEvent(t, second)

	j.SetDone()
	hub.Publish(events.Settled(j))

	for _, sub := range []*events.Subscriber{first, second} {
		ev := recvEvent(t, sub)
		if ev.Type != events.TypeCompleted || ev.Progress != 100 {
			t.Fatalf("terminal event = %+v, want completed at 100", ev)
		}
		recvClosed(t, sub)
	}
	if count := hub.SubscriberCount("job-4"); count != 0 {
		t.Fatalf("terminal publish left %d subscribers", count)
	}
}

func TestErrorEventForFailedJob(t *testing.T) {
	hub := events.NewHub(8, logging.NewNop())
	defer hub.Shutdown()

	j := runningJob("job-5", "metadata", 10)
	sub := hub.Subscribe(j)
	recvEvent(t, sub)

	j.SetFailed("transient-exhausted", "metadata fetch kept timing out")
	hub.Publish(events.Settled(j))

	ev := recvEvent(t, sub)
	if ev.Type != events.TypeError {
		t.Fatalf("event type = %q, want %q", ev.Type, events.TypeError)
	}
	if ev.Error == nil || ev.Error.Kind != "transient-exhausted" {
		t.Fatalf("event error = %+v, want transient-exhausted", ev.Error)
	}
	recvClosed(t, sub)
}

func TestTerminalSurvivesFullQueue(t *testing.T) {
	hub := events.NewHub(2, logging.NewNop())
	defer hub.Shutdown()

	j := runningJob("job-6", "summary", 50)
	sub := hub.Subscribe(j)

	// Snapshot holds one slot; this fills the second.
	j.SetProgress("summary", 60)
	hub.Publish(events.PhaseUpdate(j))

	j.SetDone()
	hub.Publish(events.Settled(j))

	if ev := recvEvent(t, sub); ev.Progress != 50 {
		t.Fatalf("first drained event progress = %v, want 50", ev.Progress)
	}
	if ev := recvEvent(t, sub); ev.Progress != 60 {
		t.Fatalf("second drained event progress = %v, want 60", ev.Progress)
	}
	recvClosed(t, sub)

	parked := sub.Terminal()
	if parked == nil {
		t.Fatal("Terminal() = nil, want the parked completed event")
	}
	if parked.Type != events.TypeCompleted || parked.Status != job.StatusDone {
		t.Fatalf("parked terminal = %+v, want completed/done", parked)
	}
}

func TestBackpressureDropsIntermediateEvents(t *testing.T) {
	hub := events.NewHub(2, logging.NewNop())
	defer hub.Shutdown()

	j := runningJob("job-7", "metadata", 5)
	sub := hub.Subscribe(j)

	// Snapshot plus the first publish fill the queue; the next two publishes
	// are dropped without disconnecting the subscriber.
	for _, progress := range []float64{10, 20, 30} {
		j.SetProgress("metadata", progress)
		hub.Publish(events.PhaseUpdate(j))
	}

	if ev := recvEvent(t, sub); ev.Progress != 5 {
		t.Fatalf("drained snapshot progress = %v, want 5", ev.Progress)
	}
	if ev := recvEvent(t, sub); ev.Progress != 10 {
		t.Fatalf("drained event progress = %v, want 10", ev.Progress)
	}
	if count := hub.SubscriberCount("job-7"); count != 1 {
		t.Fatalf("subscriber count = %d, want 1 after transient drops", count)
	}

	// With room again, delivery resumes.
	j.SetProgress("compression", 40)
	hub.Publish(events.PhaseUpdate(j))
	if ev := recvEvent(t, sub); ev.Progress != 40 {
		t.Fatalf("post-drop event progress = %v, want 40", ev.Progress)
	}
}

func TestChronicallyFullSubscriberDisconnected(t *testing.T) {
	hub := events.NewHub(2, logging.NewNop())
	defer hub.Shutdown()

	j := runningJob("job-8", "metadata", 1)
	sub := hub.Subscribe(j)

	// Never drain; enough consecutive drops must disconnect the subscriber.
	for i := 0; i < 64; i++ {
		j.SetProgress("metadata", float64(i+2))
		hub.Publish(events.PhaseUpdate(j))
	}

	if count := hub.SubscriberCount("job-8"); count != 0 {
		t.Fatalf("subscriber count = %d, want 0 after chronic backpressure", count)
	}

	// Buffered events remain readable, then the channel closes with no
	// terminal event.
	recvEvent(t, sub)
	recvEvent(t, sub)
	recvClosed(t, sub)
	if sub.Terminal() != nil {
		t.Fatal("Terminal() should be nil for a force-disconnected subscriber")
	}
}

func TestStaleProgressFiltered(t *testing.T) {
	hub := events.NewHub(8, logging.NewNop())
	defer hub.Shutdown()

	sub := hub.Subscribe(runningJob("job-9", "summary", 40))
	if ev := recvEvent(t, sub); ev.Progress != 40 {
		t.Fatalf("snapshot progress = %v, want 40", ev.Progress)
	}

	// A publish that raced the subscribe carries lower progress and must not
	// reach the subscriber.
	stale := runningJob("job-9", "summary", 35)
	hub.Publish(events.PhaseUpdate(stale))

	fresh := runningJob("job-9", "summary", 45)
	hub.Publish(events.PhaseUpdate(fresh))

	if ev := recvEvent(t, sub); ev.Progress != 45 {
		t.Fatalf("next event progress = %v, want 45 (stale 35 filtered)", ev.Progress)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := events.NewHub(8, logging.NewNop())
	defer hub.Shutdown()

	j := runningJob("job-10", "metadata", 0)
	sub := hub.Subscribe(j)
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	if count := hub.SubscriberCount("job-10"); count != 0 {
		t.Fatalf("subscriber count = %d, want 0", count)
	}

	// Unsubscribing after a terminal publish already closed the channel must
	// not panic either.
	other := hub.Subscribe(runningJob("job-11", "metadata", 0))
	done := &job.Job{ID: "job-11", Status: job.StatusDone, Progress: 100}
	hub.Publish(events.Settled(done))
	hub.Unsubscribe(other)
}

func TestShutdownClosesEverything(t *testing.T) {
	hub := events.NewHub(8, logging.NewNop())

	first := hub.Subscribe(runningJob("job-12", "metadata", 0))
	second := hub.Subscribe(runningJob("job-13", "summary", 70))
	recvEvent(t, first)
	recvEvent(t, second)

	hub.Shutdown()
	recvClosed(t, first)
	recvClosed(t, second)

	if hub.Active() != 0 {
		t.Fatalf("Active() = %d after shutdown, want 0", hub.Active())
	}

	// Publishing and subscribing after shutdown are no-ops.
	hub.Publish(events.PhaseUpdate(runningJob("job-12", "metadata", 50)))
	late := hub.Subscribe(runningJob("job-14", "metadata", 0))
	recvClosed(t, late)
}
