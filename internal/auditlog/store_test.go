package auditlog

import (
	"testing"
)

func TestAppendAndList(t *testing.T) {
	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Append(Entry{Action: "thread_created", ThreadID: "th_1"})
	s.Append(Entry{Action: "approval_decided", ThreadID: "th_1", ApprovalID: "appr_1", Detail: map[string]any{"decision": "accept"}})

	entries, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Action != "approval_decided" || entries[0].ApprovalID != "appr_1" {
		t.Fatalf("unexpected newest entry: %+v", entries[0])
	}
	if entries[1].Action != "thread_created" || entries[1].Status != "success" {
		t.Fatalf("unexpected default status: %+v", entries[1])
	}
}

func TestAppendRotatesOverMaxBytes(t *testing.T) {
	s, err := New(Options{StateDir: t.TempDir(), MaxBytes: 64, MaxBackups: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 20; i++ {
		s.Append(Entry{Action: "job_finished", ThreadID: "th_1", JobID: "job_1"})
	}

	entries, err := s.List(1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected entries to survive rotation")
	}
}
