package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "postbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files (derived from Config.Path by stripping its extension):
//   - <prefix>.records.json  tenant id -> last execution time (RFC3339 UTC)
//   - <prefix>.plans.json    ISO date -> slot array
//
// Every write lands in a temp file first and is renamed into place, so a
// crash mid-write leaves the previous state intact.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	recordsPath string
	plansPath   string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &fileStore{
		log:         log,
		recordsPath: prefix + ".records.json",
		plansPath:   prefix + ".plans.json",
	}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) LoadRecords(ctx context.Context) (Records, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw map[string]time.Time
	if err := readJSON(s.recordsPath, &raw); err != nil {
		return nil, err
	}
	recs := make(Records, len(raw))
	for k, v := range raw {
		recs[k] = v.UTC()
	}
	return recs, nil
}

func (s *fileStore) SaveRecords(ctx context.Context, recs Records) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(recs))
	for k, v := range recs {
		out[k] = v.UTC()
	}
	return writeJSONAtomic(s.recordsPath, out)
}

func (s *fileStore) LoadPlan(ctx context.Context, date string) ([]PlanSlot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	plans, err := s.loadPlansLocked()
	if err != nil {
		return nil, err
	}
	return plans[date], nil
}

func (s *fileStore) SavePlan(ctx context.Context, date string, slots []PlanSlot) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	plans, err := s.loadPlansLocked()
	if err != nil {
		return err
	}
	if plans == nil {
		plans = map[string][]PlanSlot{}
	}
	norm := make([]PlanSlot, len(slots))
	for i, sl := range slots {
		sl.At = sl.At.UTC()
		norm[i] = sl
	}
	plans[date] = norm
	return writeJSONAtomic(s.plansPath, plans)
}

func (s *fileStore) loadPlansLocked() (map[string][]PlanSlot, error) {
	var plans map[string][]PlanSlot
	if err := readJSON(s.plansPath, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

func readJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
