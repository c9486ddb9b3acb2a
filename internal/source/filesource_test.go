package source

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "postbot/pkg/logx"
)

func writeItems(t *testing.T, items []WorkItem) Tenant {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.json")
	b, err := json.Marshal(items)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return Tenant{ID: "alpha", SourceRef: path, Enabled: true, PostsPerDay: 1}
}

func TestFileSourceListCandidates(t *testing.T) {
	t.Parallel()
	tenant := writeItems(t, []WorkItem{
		{ID: "w1", Payload: "hello", Eligible: true},
		{ID: "w2", Payload: "hi", Eligible: true, LocationRef: "loc-2"},
	})
	src := NewFileSource(logx.Nop())

	items, err := src.ListCandidates(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].LocationRef != "w1" {
		t.Errorf("missing location ref should fall back to id, got %q", items[0].LocationRef)
	}
	if items[1].LocationRef != "loc-2" {
		t.Errorf("explicit location ref overwritten: %q", items[1].LocationRef)
	}
}

func TestFileSourceMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	tenant := Tenant{ID: "alpha", SourceRef: filepath.Join(t.TempDir(), "absent.json")}
	src := NewFileSource(logx.Nop())

	items, err := src.ListCandidates(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items = %v, want none", items)
	}
}

func TestFileSourceMarkExecuted(t *testing.T) {
	t.Parallel()
	tenant := writeItems(t, []WorkItem{
		{ID: "w1", Eligible: true, ExecutionCount: 2},
		{ID: "w2", Eligible: true},
	})
	src := NewFileSource(logx.Nop())
	at := time.Date(2026, 9, 1, 10, 30, 0, 0, time.FixedZone("X", 7*3600))

	if err := src.MarkExecuted(context.Background(), tenant, "w1", at); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}

	items, err := src.ListCandidates(context.Background(), tenant)
	if err != nil {
		t.Fatal(err)
	}
	if items[0].ExecutionCount != 3 {
		t.Errorf("count = %d, want 3", items[0].ExecutionCount)
	}
	if !items[0].LastExecutedAt.Equal(at) {
		t.Errorf("last executed = %s, want %s", items[0].LastExecutedAt, at)
	}
	if loc := items[0].LastExecutedAt.Location(); loc != time.UTC {
		t.Errorf("timestamp persisted in %v, want UTC", loc)
	}
	if items[1].ExecutionCount != 0 {
		t.Error("untouched item mutated")
	}

	// No temp file left behind.
	matches, _ := filepath.Glob(tenant.SourceRef + ".tmp")
	if len(matches) != 0 {
		t.Errorf("temp files left: %v", matches)
	}
}

func TestFileSourceMarkExecutedUnknownRef(t *testing.T) {
	t.Parallel()
	tenant := writeItems(t, []WorkItem{{ID: "w1", Eligible: true}})
	src := NewFileSource(logx.Nop())

	if err := src.MarkExecuted(context.Background(), tenant, "ghost", time.Now()); err == nil {
		t.Fatal("unknown location ref accepted")
	}
	if err := src.MarkExecuted(context.Background(), tenant, "  ", time.Now()); err == nil {
		t.Fatal("blank location ref accepted")
	}
}
