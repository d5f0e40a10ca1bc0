package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/fileutil"
	"github.com/inercia/verso/internal/transcript"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func userMsg(text string) *transcript.Message {
	m := transcript.NewUserMessage(text)
	return &m
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)

	rec := NewRecord("sess-1", "proj-a", engine.KindStreamJSON)
	rec.Title = "Fix the parser"
	rec.Model = "test-model"
	rec.ResumeID = "engine-side-id"
	rec.CostUSD = 0.42
	rec.Messages = []*transcript.Message{
		userMsg("hello"),
		{ID: "m2", Role: transcript.RoleAssistant, Text: "hi there"},
	}

	if err := s.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Session directory and both files should exist.
	dir := filepath.Join(s.BaseDir(), "sess-1")
	for _, name := range []string{recordFileName, messagesFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	got, err := s.Load("sess-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.ID != "sess-1" {
		t.Errorf("ID = %q, want %q", got.ID, "sess-1")
	}
	if got.ProjectID != "proj-a" {
		t.Errorf("ProjectID = %q, want %q", got.ProjectID, "proj-a")
	}
	if got.Title != "Fix the parser" {
		t.Errorf("Title = %q, want %q", got.Title, "Fix the parser")
	}
	if got.Engine != engine.KindStreamJSON {
		t.Errorf("Engine = %q, want %q", got.Engine, engine.KindStreamJSON)
	}
	if got.ResumeID != "engine-side-id" {
		t.Errorf("ResumeID = %q, want %q", got.ResumeID, "engine-side-id")
	}
	if got.CostUSD != 0.42 {
		t.Errorf("CostUSD = %v, want %v", got.CostUSD, 0.42)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt was not stamped")
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	if got.Messages[0].Text != "hello" {
		t.Errorf("Messages[0].Text = %q, want %q", got.Messages[0].Text, "hello")
	}
	if got.Messages[1].Role != transcript.RoleAssistant {
		t.Errorf("Messages[1].Role = %q, want %q", got.Messages[1].Role, transcript.RoleAssistant)
	}
}

func TestStore_SaveOverwritesMessages(t *testing.T) {
	s := newTestStore(t)

	rec := NewRecord("sess-1", "proj-a", engine.KindACP)
	rec.Messages = []*transcript.Message{userMsg("one")}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rec.Messages = append(rec.Messages, userMsg("two"))
	if err := s.Save(rec); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := s.Load("sess-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(got.Messages))
	}
}

func TestStore_SaveEmptyID(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(&Record{}); err == nil {
		t.Error("Save with empty ID should fail")
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
}

func TestStore_LoadMissingMessagesFile(t *testing.T) {
	s := newTestStore(t)

	rec := NewRecord("sess-1", "proj-a", engine.KindThreads)
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := os.Remove(filepath.Join(s.BaseDir(), "sess-1", messagesFileName)); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	got, err := s.Load("sess-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got.Messages) != 0 {
		t.Errorf("got %d messages, want 0", len(got.Messages))
	}
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		rec := NewRecord(id, "proj-1", engine.KindStreamJSON)
		if id == "c" {
			rec.ProjectID = "proj-2"
		}
		if err := s.Save(rec); err != nil {
			t.Fatalf("Save(%s) failed: %v", id, err)
		}
		// Saves stamp UpdatedAt; keep them strictly ordered.
		time.Sleep(5 * time.Millisecond)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d sessions, want 3", len(all))
	}
	// Newest first.
	if all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("order = [%s %s %s], want [c b a]", all[0].ID, all[1].ID, all[2].ID)
	}
	// List does not load messages.
	if all[0].Messages != nil {
		t.Error("List should not load messages")
	}

	scoped, err := s.List("proj-1")
	if err != nil {
		t.Fatalf("List(proj-1) failed: %v", err)
	}
	if len(scoped) != 2 {
		t.Errorf("got %d sessions for proj-1, want 2", len(scoped))
	}
}

func TestStore_ListSkipsInvalid(t *testing.T) {
	s := newTestStore(t)

	rec := NewRecord("good", "proj", engine.KindACP)
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A directory without a record file must not break listing.
	if err := os.MkdirAll(filepath.Join(s.BaseDir(), "stray"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	got, err := s.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "good" {
		t.Errorf("List = %v, want just the valid session", got)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)

	rec := NewRecord("sess-1", "proj", engine.KindStreamJSON)
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.Delete("sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.Exists("sess-1") {
		t.Error("session still exists after Delete")
	}
	if err := s.Delete("sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_Rename(t *testing.T) {
	s := newTestStore(t)

	rec := NewRecord("draft-1", "proj", engine.KindThreads)
	rec.Messages = []*transcript.Message{userMsg("hi")}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.Rename("draft-1", "real-1"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	if s.Exists("draft-1") {
		t.Error("old session ID still exists")
	}
	got, err := s.Load("real-1")
	if err != nil {
		t.Fatalf("Load after rename failed: %v", err)
	}
	if got.ID != "real-1" {
		t.Errorf("stored ID = %q, want %q", got.ID, "real-1")
	}
	if len(got.Messages) != 1 {
		t.Errorf("got %d messages after rename, want 1", len(got.Messages))
	}
}

func TestStore_RenameMissing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Rename("nope", "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename error = %v, want ErrNotFound", err)
	}
}

func TestStore_RenameCollision(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		if err := s.Save(NewRecord(id, "proj", engine.KindACP)); err != nil {
			t.Fatalf("Save(%s) failed: %v", id, err)
		}
	}
	if err := s.Rename("a", "b"); err == nil {
		t.Error("Rename onto existing session should fail")
	}
}

func TestStore_Cleanup(t *testing.T) {
	s := newTestStore(t)

	old := NewRecord("old", "proj", engine.KindStreamJSON)
	if err := s.Save(old); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// Backdate the record past the retention window.
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	if err := writeBackdatedRecord(s, old); err != nil {
		t.Fatalf("backdating record failed: %v", err)
	}

	fresh := NewRecord("fresh", "proj", engine.KindStreamJSON)
	if err := s.Save(fresh); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	removed, err := s.Cleanup("1d")
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if s.Exists("old") {
		t.Error("expired session was not removed")
	}
	if !s.Exists("fresh") {
		t.Error("fresh session was removed")
	}
}

func TestStore_CleanupDisabled(t *testing.T) {
	s := newTestStore(t)

	rec := NewRecord("sess", "proj", engine.KindACP)
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for _, retention := range []string{"", "never"} {
		removed, err := s.Cleanup(retention)
		if err != nil {
			t.Fatalf("Cleanup(%q) failed: %v", retention, err)
		}
		if removed != 0 {
			t.Errorf("Cleanup(%q) removed = %d, want 0", retention, removed)
		}
	}
}

func TestParseRetentionPeriod(t *testing.T) {
	tests := []struct {
		retention string
		want      time.Duration
		wantErr   bool
	}{
		{"", 0, false},
		{"never", 0, false},
		{"1d", 24 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"1m", 30 * 24 * time.Hour, false},
		{"3m", 90 * 24 * time.Hour, false},
		{"2y", 0, true},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := parseRetentionPeriod(tt.retention)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRetentionPeriod(%q) error = %v, wantErr %v", tt.retention, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseRetentionPeriod(%q) = %v, want %v", tt.retention, got, tt.want)
		}
	}
}

func TestStore_Closed(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := s.Save(NewRecord("x", "p", engine.KindACP)); !errors.Is(err, ErrClosed) {
		t.Errorf("Save error = %v, want ErrClosed", err)
	}
	if _, err := s.Load("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Load error = %v, want ErrClosed", err)
	}
	if _, err := s.List(""); !errors.Is(err, ErrClosed) {
		t.Errorf("List error = %v, want ErrClosed", err)
	}
	if s.Exists("x") {
		t.Error("Exists should report false on a closed store")
	}
}

// writeBackdatedRecord rewrites a record file directly, bypassing the
// UpdatedAt stamping that Save performs.
func writeBackdatedRecord(s *Store, rec *Record) error {
	return fileutil.WriteJSONAtomic(s.recordPath(rec.ID), rec, 0644)
}
