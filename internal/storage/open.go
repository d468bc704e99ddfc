package storage

import (
	"context"
	"fmt"
	"strings"

	logx "kvexec/pkg/logx"
)

// Open builds the configured store. Unknown drivers are an error; a
// disabled config yields a no-op store rather than nil so callers never
// have to branch.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nopStore{}, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

type nopStore struct{}

func (nopStore) AppendRun(context.Context, RunRecord) error             { return nil }
func (nopStore) AppendStatSnapshot(context.Context, StatSnapshot) error { return nil }
func (nopStore) RecentRuns(context.Context, int) ([]RunRecord, error)   { return nil, ErrDisabled }
func (nopStore) Close() error                                           { return nil }
