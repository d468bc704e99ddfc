package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "kvexec/pkg/logx"
)

// fileStore is the dependency-free backend: one jsonl file per record type,
// trimmed opportunistically.
type fileStore struct {
	log  logx.Logger
	keep int

	mu       sync.Mutex
	runsPath string
	snapPath string
	appends  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	base := cfg.Path
	if base == "" {
		base = "./kvexec-history"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	keep := cfg.HistorySize
	if keep <= 0 {
		keep = 200
	}
	return &fileStore{
		log:      log,
		keep:     keep,
		runsPath: filepath.Join(base, "runs.jsonl"),
		snapPath: filepath.Join(base, "snapshots.jsonl"),
	}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendJSON(s.runsPath, r); err != nil {
		return err
	}
	s.appends++
	if s.appends%500 == 0 {
		s.trimLocked()
	}
	return nil
}

func (s *fileStore) AppendStatSnapshot(_ context.Context, snap StatSnapshot) error {
	if snap.At.IsZero() {
		snap.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendJSON(s.snapPath, snap)
}

func (s *fileStore) RecentRuns(_ context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := readLines(s.runsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]RunRecord, 0, len(lines))
	// Newest first, to match the sqlite backend.
	for i := len(lines) - 1; i >= 0; i-- {
		var r RunRecord
		if err := json.Unmarshal([]byte(lines[i]), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// trimLocked rewrites the runs file keeping only the newest records.
func (s *fileStore) trimLocked() {
	lines, err := readLines(s.runsPath)
	if err != nil || len(lines) <= s.keep {
		return
	}
	lines = lines[len(lines)-s.keep:]
	tmp := s.runsPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		_, _ = w.WriteString(l)
		_ = w.WriteByte('\n')
	}
	_ = w.Flush()
	_ = f.Close()
	if err := os.Rename(tmp, s.runsPath); err != nil {
		_ = os.Remove(tmp)
	}
}

func appendJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b = append(b, '\n')
	_, err = f.Write(b)
	return err
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			lines = append(lines, sc.Text())
		}
	}
	return lines, sc.Err()
}
