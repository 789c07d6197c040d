package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

// fileStore keeps everything in plain files.
//
// Files:
//   - <path>                 (status snapshot, JSON object keyed by task id)
//   - <prefix>.runs.jsonl    (append-only run history, JSON Lines)
//
// Both the snapshot and a pruned history are written to a temp file in the
// same directory and renamed over the target.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	runsPath     string
	runsFile     *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("status.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	// Left over from a crash between create and rename; never authoritative.
	if stale, _ := filepath.Glob(path + ".tmp-*"); len(stale) > 0 {
		for _, p := range stale {
			_ = os.Remove(p)
		}
		log.Debug("removed stale snapshot temp files", logx.Int("count", len(stale)))
	}

	return &fileStore{log: log, snapshotPath: path, runsPath: runsPath, runsFile: rf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) LoadStatus(ctx context.Context) (map[string]task.Status, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]task.Status{}
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.snapshotPath, err)
	}
	for id, st := range out {
		if st.TaskID == "" {
			st.TaskID = id
			out[id] = st
		}
	}
	return out, nil
}

func (s *fileStore) SaveStatus(ctx context.Context, table map[string]task.Status) error {
	_ = ctx
	if table == nil {
		table = map[string]task.Status{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return writeAtomic(s.snapshotPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(table)
	})
}

func (s *fileStore) AppendRun(ctx context.Context, r task.RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) ListRuns(ctx context.Context, f RunFilter) ([]task.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []task.RunRecord
	err := s.scanRunsLocked(func(r task.RunRecord) {
		if f.match(r) {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fileStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return 0, ErrClosed
	}

	var keep []task.RunRecord
	removed := 0
	err := s.scanRunsLocked(func(r task.RunRecord) {
		if r.FinishedAt.Before(before) {
			removed++
			return
		}
		keep = append(keep, r)
	})
	if err != nil || removed == 0 {
		return 0, err
	}

	err = writeAtomic(s.runsPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, r := range keep {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	// The old descriptor points at the replaced inode.
	_ = s.runsFile.Close()
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.runsFile = nil
		return removed, err
	}
	s.runsFile = rf
	return removed, nil
}

func (s *fileStore) scanRunsLocked(fn func(task.RunRecord)) error {
	f, err := os.Open(s.runsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var r task.RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash; skip it.
			continue
		}
		if r.TaskID == "" {
			continue
		}
		fn(r)
	}
	return sc.Err()
}

// writeAtomic writes through a synced temp file in the target directory and
// renames it over path.
func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UTC().UnixNano())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// Persist the rename itself. Not supported everywhere; best effort.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
