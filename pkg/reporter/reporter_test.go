package reporter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/pkg/relay"
)

type fakeStore struct {
	mu            sync.Mutex
	finalized     []CallFinal
	terminal      map[string]bool
	failuresLeft  int
	recordings    map[string]string
	recordingErrs int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		terminal:   make(map[string]bool),
		recordings: make(map[string]string),
	}
}

func (s *fakeStore) FinalizeCall(ctx context.Context, final CallFinal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return false, errors.New("store unavailable")
	}
	s.finalized = append(s.finalized, final)
	if s.terminal[final.CallSID] {
		return false, nil
	}
	s.terminal[final.CallSID] = true
	return true, nil
}

func (s *fakeStore) AttachRecording(ctx context.Context, callSID, recordingURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordingErrs > 0 {
		s.recordingErrs--
		return errors.New("store unavailable")
	}
	s.recordings[callSID] = recordingURL
	return nil
}

func (s *fakeStore) finalizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finalized)
}

type countingNotifier struct {
	mu         sync.Mutex
	finals     []CallFinal
	recordings [][2]string
}

func (n *countingNotifier) NotifyFinal(final CallFinal) {
	n.mu.Lock()
	n.finals = append(n.finals, final)
	n.mu.Unlock()
}

func (n *countingNotifier) NotifyRecording(callSID, recordingURL string) {
	n.mu.Lock()
	n.recordings = append(n.recordings, [2]string{callSID, recordingURL})
	n.mu.Unlock()
}

func testOutcome(callSID string) relay.Outcome {
	started := time.Now().Add(-time.Minute)
	active := started.Add(2 * time.Second)
	return relay.Outcome{
		StreamSID: "stream-1",
		CallSID:   callSID,
		AgentID:   "agent-1",
		Reason:    relay.OutcomeCompleted,
		StartedAt: started,
		ActiveAt:  active,
		EndedAt:   started.Add(30 * time.Second),
		FramesUp:  10,
	}
}

func TestDuplicateFinalIsNotReNotified(t *testing.T) {
	store := newFakeStore()
	notifier := &countingNotifier{}
	r := New(Config{RetryBackoff: time.Millisecond}, store, notifier)

	r.Report(testOutcome("CA1"))
	r.Report(testOutcome("CA1"))
	r.Close()

	if got := store.finalizeCalls(); got != 2 {
		t.Fatalf("expected 2 store writes, got %d", got)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.finals) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notifier.finals))
	}
	if notifier.finals[0].CallSID != "CA1" || notifier.finals[0].Reason != "completed" {
		t.Fatalf("unexpected notification %+v", notifier.finals[0])
	}
	if notifier.finals[0].DurationMS != 28000 {
		t.Fatalf("expected active duration 28000ms, got %d", notifier.finals[0].DurationMS)
	}
}

func TestFinalizeRetriesTransientStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.failuresLeft = 2
	notifier := &countingNotifier{}
	r := New(Config{RetryMax: 2, RetryBackoff: time.Millisecond}, store, notifier)

	r.Report(testOutcome("CA1"))
	r.Close()

	if got := store.finalizeCalls(); got != 1 {
		t.Fatalf("expected final write after retries, got %d", got)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.finals) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.finals))
	}
}

func TestRecordingReadyAttachesAndNotifies(t *testing.T) {
	store := newFakeStore()
	notifier := &countingNotifier{}
	r := New(Config{RetryBackoff: time.Millisecond}, store, notifier)

	r.RecordingReady("CA1", "https://recordings/RE1")
	r.RecordingReady("", "https://recordings/RE2") // ignored
	r.Close()

	store.mu.Lock()
	url := store.recordings["CA1"]
	count := len(store.recordings)
	store.mu.Unlock()
	if url != "https://recordings/RE1" {
		t.Fatalf("expected recording attached, got %q", url)
	}
	if count != 1 {
		t.Fatalf("expected one recording, got %d", count)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.recordings) != 1 {
		t.Fatalf("expected one recording notification, got %d", len(notifier.recordings))
	}
}

func TestReportAfterCloseIsDroppedNotPanicking(t *testing.T) {
	store := newFakeStore()
	r := New(Config{}, store, nil)
	r.Close()

	r.Report(testOutcome("CA1"))
	if r.Dropped() != 1 {
		t.Fatalf("expected dropped outcome, got %d", r.Dropped())
	}
	if store.finalizeCalls() != 0 {
		t.Fatalf("expected no writes after close")
	}
}

func TestNeverConnectedOutcomeHasZeroDuration(t *testing.T) {
	o := testOutcome("CA1")
	o.ActiveAt = time.Time{}
	o.Reason = relay.OutcomeNeverConnected
	final := finalFromOutcome(o)
	if final.DurationMS != 0 {
		t.Fatalf("expected zero duration, got %d", final.DurationMS)
	}
	if final.Reason != "never_connected" {
		t.Fatalf("unexpected reason %q", final.Reason)
	}
}
