package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	snap := &Snapshot{
		Sessions: []PersistedSession{
			{
				PlatformID:     "slack",
				ThreadID:       "T1",
				SessionID:      "s-1",
				ChildSessionID: "c-abc",
				WorkingDir:     "/home/dev/proj",
				StartedBy:      "u1",
				AllowedUsers:   []string{"u1", "u2"},
				StartedAt:      time.Now().Add(-time.Hour).Truncate(time.Second),
				LastActivityAt: time.Now().Truncate(time.Second),
				PlanApproved:   true,
				MessageCount:   7,
				LifecycleState: "paused",
			},
		},
		PlatformEnabled: map[string]bool{"slack": true, "mattermost": false},
	}

	if err := s.Save(snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(got.Sessions))
	}
	sess := got.Sessions[0]
	if sess.SessionID != "s-1" || sess.ChildSessionID != "c-abc" || !sess.PlanApproved {
		t.Errorf("round-tripped session mismatch: %+v", sess)
	}
	if len(sess.AllowedUsers) != 2 {
		t.Errorf("allowedUsers = %v", sess.AllowedUsers)
	}
	if !got.PlatformEnabled["slack"] || got.PlatformEnabled["mattermost"] {
		t.Errorf("platformEnabled = %v", got.PlatformEnabled)
	}
}

func TestLoadMissingFile(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Sessions) != 0 || snap.PlatformEnabled == nil {
		t.Errorf("empty snapshot expected, got %+v", snap)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Save(&Snapshot{PlatformEnabled: map[string]bool{}}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("stray temp file: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want just the snapshot", len(entries))
	}
}
