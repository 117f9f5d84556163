package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id, caller string, created time.Time) *storage.Record {
	return &storage.Record{
		ID:        id,
		RequestID: "req-" + id,
		Caller:    caller,
		Language:  "javascript",
		Code:      `console.log("ok")`,
		Result: sandbox.Result{
			Stdout:   "ok\n",
			Status:   sandbox.Exited(0),
			Duration: 42 * time.Millisecond,
		},
		CreatedAt: created,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("abc12345-0000-0000-0000-000000000000", "alice", time.Now().UTC())
	rec.Result.Stderr = strings.Repeat("warning\n", 500)
	rec.Result.StderrTruncated = true

	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "", rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Caller != "alice" || got.Language != "javascript" || got.Code != rec.Code {
		t.Errorf("got %+v", got)
	}
	if got.Result.Stdout != "ok\n" {
		t.Errorf("stdout = %q", got.Result.Stdout)
	}
	if got.Result.Stderr != rec.Result.Stderr || !got.Result.StderrTruncated {
		t.Error("stderr did not round-trip through compression")
	}
	if got.Result.Status != sandbox.Exited(0) {
		t.Errorf("status = %+v", got.Result.Status)
	}
	if got.Result.Duration != 42*time.Millisecond {
		t.Errorf("duration = %s", got.Result.Duration)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at = %s, want %s", got.CreatedAt, rec.CreatedAt)
	}
}

func TestSaveNonExitStatuses(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	statuses := []sandbox.ExitStatus{sandbox.TimedOut(), sandbox.Signaled(9), sandbox.SpawnFailed()}
	for i, st := range statuses {
		rec := testRecord(fmt.Sprintf("rec-%d", i), "bob", time.Now())
		rec.Result = sandbox.Result{Status: st, Message: "m"}
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save(%v): %v", st, err)
		}
		got, err := s.Get(ctx, "", rec.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Result.Status != st {
			t.Errorf("status = %+v, want %+v", got.Result.Status, st)
		}
		if got.Result.Stdout != "" || got.Result.Stderr != "" {
			t.Error("empty streams should stay empty")
		}
	}
}

func TestGetByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("abc12345-0000-0000-0000-000000000000", "alice", time.Now())
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "alice", "abc12345")
	if err != nil {
		t.Fatalf("Get by prefix: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("got ID %q, want %q", got.ID, rec.ID)
	}
}

func TestGetAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc-1", "abc-2"} {
		if err := s.Save(ctx, testRecord(id, "alice", time.Now())); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	if _, err := s.Get(ctx, "alice", "abc"); !errors.Is(err, storage.ErrAmbiguous) {
		t.Errorf("err = %v, want ErrAmbiguous", err)
	}
}

func TestGetScopedToCaller(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, r := range []struct{ id, caller string }{
		{"abc111", "alice"},
		{"abc222", "bob"},
		{"xyz999", "bob"},
	} {
		if err := s.Save(ctx, testRecord(r.id, r.caller, time.Now())); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	tests := []struct {
		caller, id string
		want       string
		err        error
	}{
		{"alice", "abc", "abc111", nil},
		{"bob", "abc", "abc222", nil},
		{"", "abc", "", storage.ErrAmbiguous},
		{"alice", "xyz999", "", storage.ErrNotFound},
		{"alice", "abc222", "", storage.ErrNotFound},
		{"", "xyz", "xyz999", nil},
		// LIKE wildcards must match literally.
		{"bob", "xy_", "", storage.ErrNotFound},
		{"", "%9", "", storage.ErrNotFound},
		{"", "%", "", storage.ErrNotFound},
		{"", "", "", storage.ErrNotFound},
	}
	for _, tt := range tests {
		got, err := s.Get(ctx, tt.caller, tt.id)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("Get(%q, %q) err = %v, want %v", tt.caller, tt.id, err, tt.err)
			}
			continue
		}
		if err != nil || got.ID != tt.want {
			t.Errorf("Get(%q, %q) = %v, %v, want %s", tt.caller, tt.id, got, err, tt.want)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(context.Background(), "", "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFindByCallerNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := range 3 {
		rec := testRecord(fmt.Sprintf("alice-%d", i), "alice", base.Add(time.Duration(i)*time.Millisecond))
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := s.Save(ctx, testRecord("bob-0", "bob", base.Add(time.Hour))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.FindByCaller(ctx, "alice", storage.ListOptions{})
	if err != nil {
		t.Fatalf("FindByCaller: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, want := range []string{"alice-2", "alice-1", "alice-0"} {
		if got[i].ID != want {
			t.Errorf("records[%d] = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestFindByCallerPagination(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := range 5 {
		if err := s.Save(ctx, testRecord(fmt.Sprintf("r-%d", i), "alice", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := s.FindByCaller(ctx, "alice", storage.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("FindByCaller: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r-3" || got[1].ID != "r-2" {
		t.Errorf("page = %v", ids(got))
	}
}

func TestFindByCallerUnknown(t *testing.T) {
	s := testStore(t)

	got, err := s.FindByCaller(context.Background(), "nobody", storage.ListOptions{})
	if err != nil {
		t.Fatalf("FindByCaller: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records, want none", len(got))
	}
}

func TestSaveDuplicateID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("dup", "alice", time.Now())
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, rec); err == nil {
		t.Error("saving the same id twice should fail")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "coderun.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(ctx, testRecord("persisted", "alice", time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(ctx, "", "persisted"); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}

func ids(records []storage.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
