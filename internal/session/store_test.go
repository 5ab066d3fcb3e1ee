package session

import (
	"testing"

	"github.com/pursuingf/pigeon/internal/layout"
)

func testNamespace(t *testing.T) layout.Namespace {
	t.Helper()
	ns := layout.New(t.TempDir(), "default")
	if err := ns.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	return ns
}

func TestCreate_FailsOnDuplicate(t *testing.T) {
	ns := testNamespace(t)
	req := Request{SessionID: "1-aaaaaaaaaaaa", Command: []string{"echo", "hi"}, CWD: "/tmp"}

	if _, err := Create(ns, req); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := Create(ns, req); err != ErrSessionExists {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestCreate_InitialStatusPending(t *testing.T) {
	ns := testNamespace(t)
	req := Request{SessionID: "1-aaaaaaaaaaaa", Command: []string{"echo"}, CWD: "/tmp"}
	paths, err := Create(ns, req)
	if err != nil {
		t.Fatal(err)
	}
	st, err := ReadStatus(paths)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StatePending {
		t.Fatalf("state = %q, want pending", st.State)
	}
}

func TestUpdateStatus_MergeAndMonotonicity(t *testing.T) {
	ns := testNamespace(t)
	req := Request{SessionID: "1-bbbbbbbbbbbb", Command: []string{"echo"}, CWD: "/tmp"}
	paths, err := Create(ns, req)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := UpdateStatus(paths, func(s *Status) {
		s.State = StateRunning
		s.StartedAt = Now()
	}); err != nil {
		t.Fatal(err)
	}

	code := 0
	if _, err := UpdateStatus(paths, func(s *Status) {
		s.State = StateSucceeded
		s.ExitCode = &code
		s.FinishedAt = Now()
	}); err != nil {
		t.Fatal(err)
	}

	final, err := ReadStatus(paths)
	if err != nil {
		t.Fatal(err)
	}
	if final.StartedAt == "" {
		t.Fatal("expected StartedAt to survive the merge from the running update")
	}
	if final.State != StateSucceeded {
		t.Fatalf("state = %q, want succeeded", final.State)
	}

	// Attempting to move backwards out of a terminal state must fail.
	if _, err := UpdateStatus(paths, func(s *Status) {
		s.State = StateRunning
	}); err == nil {
		t.Fatal("expected error transitioning out of terminal state")
	}
}

func TestUpdateStatus_RejectsRunningToPending(t *testing.T) {
	ns := testNamespace(t)
	req := Request{SessionID: "1-dddddddddddd", Command: []string{"echo"}, CWD: "/tmp"}
	paths, err := Create(ns, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UpdateStatus(paths, func(s *Status) {
		s.State = StateRunning
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := UpdateStatus(paths, func(s *Status) {
		s.State = StatePending
	}); err == nil {
		t.Fatal("expected error moving from running back to pending")
	}
}

func TestClaim_AtMostOnce(t *testing.T) {
	ns := testNamespace(t)
	req := Request{SessionID: "1-cccccccccccc", Command: []string{"echo"}, CWD: "/tmp"}
	paths, err := Create(ns, req)
	if err != nil {
		t.Fatal(err)
	}

	if err := Claim(paths, "host-a", 100); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := Claim(paths, "host-b", 200); err != ErrClaimed {
		t.Fatalf("expected ErrClaimed, got %v", err)
	}
}

func TestClaim_Concurrent_AtMostOneWinner(t *testing.T) {
	ns := testNamespace(t)
	req := Request{SessionID: "1-dddddddddddd", Command: []string{"echo"}, CWD: "/tmp"}
	paths, err := Create(ns, req)
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			results <- Claim(paths, "host", i)
		}(i)
	}
	wins := 0
	for i := 0; i < n; i++ {
		if err := <-results; err == nil {
			wins++
		} else if err != ErrClaimed {
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", wins)
	}
}

func TestAppendAndTailStream(t *testing.T) {
	ns := testNamespace(t)
	req := Request{SessionID: "1-eeeeeeeeeeee", Command: []string{"echo"}, CWD: "/tmp"}
	paths, err := Create(ns, req)
	if err != nil {
		t.Fatal(err)
	}

	if err := AppendStream(paths, StreamRecord{Type: RecordTypeEvent, Event: EventStarted, TS: Now()}); err != nil {
		t.Fatal(err)
	}
	seq := 0
	if err := AppendStream(paths, StreamRecord{
		Type: RecordTypeOutput, TS: Now(), Seq: &seq, Channel: ChannelPTY, DataB64: "aGk=",
	}); err != nil {
		t.Fatal(err)
	}

	off, recs, err := TailStream(paths, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Event != EventStarted || recs[1].Channel != ChannelPTY {
		t.Fatalf("unexpected records: %+v", recs)
	}

	off2, recs2, err := TailStream(paths, off)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs2) != 0 || off2 != off {
		t.Fatalf("expected no new records at steady offset")
	}
}

func TestListSessionIDs_Sorted(t *testing.T) {
	ns := testNamespace(t)
	for _, id := range []string{"3-aaaaaaaaaaaa", "1-aaaaaaaaaaaa", "2-aaaaaaaaaaaa"} {
		if _, err := Create(ns, Request{SessionID: id, Command: []string{"echo"}, CWD: "/tmp"}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := ListSessionIDs(ns)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1-aaaaaaaaaaaa", "2-aaaaaaaaaaaa", "3-aaaaaaaaaaaa"}
	if len(ids) != len(want) {
		t.Fatalf("got %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d] = %q, want %q (got %v)", i, ids[i], want[i], ids)
		}
	}
}
