package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "postbot/pkg/logx"
)

// FileSource is a JSON-file-backed Source for local deployments and tests.
//
// Each tenant's SourceRef is a path to a JSON array of work items. Updates
// rewrite the whole file via write-to-temp-then-rename so a crash mid-write
// never leaves a truncated item list behind.
type FileSource struct {
	log logx.Logger

	mu sync.Mutex
}

func NewFileSource(log logx.Logger) *FileSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileSource{log: log}
}

func (s *FileSource) ListCandidates(ctx context.Context, tenant Tenant) ([]WorkItem, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(tenant)
}

func (s *FileSource) MarkExecuted(ctx context.Context, tenant Tenant, locationRef string, at time.Time) error {
	_ = ctx
	locationRef = strings.TrimSpace(locationRef)
	if locationRef == "" {
		return errors.New("location ref required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.readLocked(tenant)
	if err != nil {
		return err
	}
	found := false
	for i := range items {
		if items[i].LocationRef == locationRef {
			items[i].ExecutionCount++
			items[i].LastExecutedAt = at.UTC()
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("work item %q not found for tenant %s", locationRef, tenant.ID)
	}
	return s.writeLocked(tenant, items)
}

func (s *FileSource) readLocked(tenant Tenant) ([]WorkItem, error) {
	path := strings.TrimSpace(tenant.SourceRef)
	if path == "" {
		return nil, fmt.Errorf("tenant %s has no source_ref", tenant.ID)
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []WorkItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// Items without an explicit location ref fall back to their id.
	for i := range items {
		if items[i].LocationRef == "" {
			items[i].LocationRef = items[i].ID
		}
	}
	return items, nil
}

func (s *FileSource) writeLocked(tenant Tenant, items []WorkItem) error {
	path := strings.TrimSpace(tenant.SourceRef)
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
