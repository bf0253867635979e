package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gemini-chat-backend/internal/models"
)

func newTestRepo(t *testing.T, maxAge time.Duration) (*HistoryRepo, *time.Time) {
	t.Helper()
	repo, err := NewHistoryRepo(t.TempDir(), maxAge)
	if err != nil {
		t.Fatalf("NewHistoryRepo: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	return repo, &now
}

func TestHistoryRepo_SaveThenLoadRoundTrips(t *testing.T) {
	repo, _ := newTestRepo(t, time.Hour)
	ctx := context.Background()

	turns := []models.Turn{
		{Query: "hi", Response: "hello"},
		{Query: "what is 2+2?", Response: "4"},
	}
	if err := repo.Save(ctx, "abc", turns); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec := repo.Load(ctx, "abc")
	if len(rec.Turns) != len(turns) {
		t.Fatalf("expected %d turns, got %d", len(turns), len(rec.Turns))
	}
	for i := range turns {
		if rec.Turns[i] != turns[i] {
			t.Errorf("turn %d: expected %+v, got %+v", i, turns[i], rec.Turns[i])
		}
	}
	if rec.LastWrittenAt.IsZero() {
		t.Errorf("expected timestamp to be set")
	}
}

func TestHistoryRepo_FileLayout(t *testing.T) {
	repo, now := newTestRepo(t, time.Hour)
	if err := repo.Save(context.Background(), "layout", []models.Turn{{Query: "q", Response: "r"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(repo.dir, "layout.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var raw struct {
		History   [][]string `json:"history"`
		Timestamp int64      `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(raw.History) != 1 || raw.History[0][0] != "q" || raw.History[0][1] != "r" {
		t.Errorf("unexpected history: %v", raw.History)
	}
	if raw.Timestamp != now.UnixMilli() {
		t.Errorf("expected timestamp %d, got %d", now.UnixMilli(), raw.Timestamp)
	}
}

func TestHistoryRepo_AppendedTurnsKeepOrder(t *testing.T) {
	repo, _ := newTestRepo(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := repo.Load(ctx, "order")
		rec.Turns = append(rec.Turns, models.Turn{Query: string(rune('a' + i)), Response: "ok"})
		if err := repo.Save(ctx, "order", rec.Turns); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	rec := repo.Load(ctx, "order")
	if len(rec.Turns) != 5 {
		t.Fatalf("expected 5 turns, got %d", len(rec.Turns))
	}
	for i, turn := range rec.Turns {
		if turn.Query != string(rune('a'+i)) {
			t.Errorf("turn %d out of order: %q", i, turn.Query)
		}
	}
}

func TestHistoryRepo_ClearThenLoadIsEmpty(t *testing.T) {
	repo, _ := newTestRepo(t, time.Hour)
	ctx := context.Background()

	if err := repo.Save(ctx, "c1", []models.Turn{{Query: "q", Response: "r"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Clear(ctx, "c1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	rec := repo.Load(ctx, "c1")
	if len(rec.Turns) != 0 || !rec.LastWrittenAt.IsZero() {
		t.Fatalf("expected empty record, got %+v", rec)
	}
}

func TestHistoryRepo_ClearMissingSucceeds(t *testing.T) {
	repo, _ := newTestRepo(t, time.Hour)
	if err := repo.Clear(context.Background(), "never-written"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestHistoryRepo_ClearSurfacesOtherFailures(t *testing.T) {
	repo, _ := newTestRepo(t, time.Hour)

	// A non-empty directory in place of the file cannot be removed with os.Remove.
	dir := filepath.Join(repo.dir, "stuck.json")
	if err := os.MkdirAll(filepath.Join(dir, "child"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := repo.Clear(context.Background(), "stuck"); err == nil {
		t.Fatalf("expected error deleting non-empty directory")
	}
}

func TestHistoryRepo_LoadExpiredDeletesFile(t *testing.T) {
	repo, now := newTestRepo(t, time.Hour)
	ctx := context.Background()

	if err := repo.Save(ctx, "old", []models.Turn{{Query: "q", Response: "r"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	*now = now.Add(2 * time.Hour)

	rec := repo.Load(ctx, "old")
	if len(rec.Turns) != 0 {
		t.Fatalf("expected expired record to be absent, got %d turns", len(rec.Turns))
	}
	if _, err := os.Stat(filepath.Join(repo.dir, "old.json")); !os.IsNotExist(err) {
		t.Fatalf("expected expired file to be removed, stat err=%v", err)
	}
}

func TestHistoryRepo_LoadWithinWindowKeepsRecord(t *testing.T) {
	repo, now := newTestRepo(t, time.Hour)
	ctx := context.Background()

	if err := repo.Save(ctx, "fresh", []models.Turn{{Query: "q", Response: "r"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	*now = now.Add(59 * time.Minute)

	if rec := repo.Load(ctx, "fresh"); len(rec.Turns) != 1 {
		t.Fatalf("expected record within window, got %d turns", len(rec.Turns))
	}
}

func TestHistoryRepo_LoadCorruptOrMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{{{"},
		{"wrong shape", `{"history": "nope"}`},
		{"short pair", `{"history": [["only-query"]], "timestamp": 1}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo, _ := newTestRepo(t, time.Hour)
			if err := os.WriteFile(filepath.Join(repo.dir, "bad.json"), []byte(tc.content), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			rec := repo.Load(context.Background(), "bad")
			if len(rec.Turns) != 0 || !rec.LastWrittenAt.IsZero() {
				t.Fatalf("expected empty record, got %+v", rec)
			}
		})
	}
}

func TestHistoryRepo_LoadWithoutTimestampIsFresh(t *testing.T) {
	repo, _ := newTestRepo(t, time.Hour)
	content := `{"history": [["q", "r"]]}`
	if err := os.WriteFile(filepath.Join(repo.dir, "legacy.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rec := repo.Load(context.Background(), "legacy")
	if len(rec.Turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(rec.Turns))
	}
	if !rec.LastWrittenAt.IsZero() {
		t.Fatalf("expected zero timestamp, got %v", rec.LastWrittenAt)
	}
}

func TestHistoryRepo_SaveLeavesNoTempFiles(t *testing.T) {
	repo, _ := newTestRepo(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.Save(ctx, "tmpcheck", []models.Turn{{Query: "q", Response: "r"}}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	entries, err := os.ReadDir(repo.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "tmpcheck.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("unexpected directory contents: %s", strings.Join(names, ", "))
	}
}

func TestHistoryRepo_InvalidChatID(t *testing.T) {
	repo, _ := newTestRepo(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"", ".", "..", "../escape", "a/b", `a\b`, ".tmp-reserved"} {
		if err := repo.Save(ctx, id, nil); err != ErrInvalidChatID {
			t.Errorf("Save(%q): expected ErrInvalidChatID, got %v", id, err)
		}
		if rec := repo.Load(ctx, id); len(rec.Turns) != 0 {
			t.Errorf("Load(%q): expected empty record", id)
		}
	}
}

func TestHistoryRepo_SweepExpired(t *testing.T) {
	repo, now := newTestRepo(t, time.Hour)
	ctx := context.Background()

	if err := repo.Save(ctx, "stale", []models.Turn{{Query: "q", Response: "r"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	*now = now.Add(90 * time.Minute)
	if err := repo.Save(ctx, "recent", []models.Turn{{Query: "q", Response: "r"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Stray files that are not history records must be left alone.
	if err := os.WriteFile(filepath.Join(repo.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	removed, err := repo.SweepExpired(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(repo.dir, "stale.json")); !os.IsNotExist(err) {
		t.Errorf("expected stale.json removed")
	}
	if _, err := os.Stat(filepath.Join(repo.dir, "recent.json")); err != nil {
		t.Errorf("expected recent.json kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo.dir, "notes.txt")); err != nil {
		t.Errorf("expected notes.txt kept: %v", err)
	}
}

func TestHistoryRepo_SweepFallsBackToModTime(t *testing.T) {
	repo, now := newTestRepo(t, time.Hour)

	path := filepath.Join(repo.dir, "nots.json")
	if err := os.WriteFile(path, []byte(`{"history": []}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	old := now.Add(-3 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := repo.SweepExpired(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected file without timestamp to be aged by mtime, removed=%d", removed)
	}
}

func TestHistoryRepo_SweepIncludesDotPrefixedIDs(t *testing.T) {
	repo, now := newTestRepo(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{".hidden", "plain"} {
		if !ValidChatID(id) {
			t.Fatalf("expected %q to be a valid chat id", id)
		}
		if err := repo.Save(ctx, id, []models.Turn{{Query: "q", Response: "r"}}); err != nil {
			t.Fatalf("Save(%q): %v", id, err)
		}
	}
	*now = now.Add(3 * time.Hour)

	removed, err := repo.SweepExpired(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	for _, name := range []string{".hidden.json", "plain.json"} {
		if _, err := os.Stat(filepath.Join(repo.dir, name)); !os.IsNotExist(err) {
			t.Errorf("expected %s removed, stat err=%v", name, err)
		}
	}
}

func TestHistoryRepo_SweepRemovesOrphanedTempFiles(t *testing.T) {
	repo, now := newTestRepo(t, time.Hour)

	stale := filepath.Join(repo.dir, tempFilePrefix+"crashed-123")
	fresh := filepath.Join(repo.dir, tempFilePrefix+"writing-456")
	for _, path := range []string{stale, fresh} {
		if err := os.WriteFile(path, []byte(`{"history": [`), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	old := now.Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := os.Chtimes(fresh, *now, *now); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := repo.SweepExpired(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 0 {
		t.Fatalf("temp files are not records, expected removed=0, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("expected stale temp file removed, stat err=%v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("expected in-flight temp file kept: %v", err)
	}
}
