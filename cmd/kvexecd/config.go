package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	logx "kvexec/pkg/logx"
)

// daemonConfig is the process-level configuration. Engine parameters proper
// live in the registry; this file only carries what is needed before the
// registry exists, plus the bucket roster.
type daemonConfig struct {
	Log struct {
		Level   string `json:"level"`
		Console *bool  `json:"console"`
		File    struct {
			Enabled bool   `json:"enabled"`
			Path    string `json:"path"`
		} `json:"file"`
	} `json:"log"`

	// EngineParams is a semicolon-delimited key=value string applied to the
	// registry at startup.
	EngineParams string `json:"engine_params"`

	// ParamFile optionally points at a parameter file that is applied at
	// startup and watched for changes.
	ParamFile string `json:"param_file"`

	Storage struct {
		Driver      string `json:"driver"`
		Path        string `json:"path"`
		HistorySize int    `json:"history_size"`
	} `json:"storage"`

	Buckets []bucketConfig `json:"buckets"`
}

type bucketConfig struct {
	Name     string `json:"name"`
	GID      uint64 `json:"gid"`
	Priority string `json:"priority"` // "low" or "high"
	Shards   int    `json:"shards"`
}

func loadDaemonConfig(path string) (*daemonConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg daemonConfig
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse %s: trailing data", path)
		}
		return nil, err
	}

	if len(cfg.Buckets) == 0 {
		cfg.Buckets = []bucketConfig{{Name: "default", GID: 0, Priority: "high", Shards: 4}}
	}
	seen := map[uint64]string{}
	for _, bc := range cfg.Buckets {
		if bc.Name == "" {
			return nil, fmt.Errorf("bucket with gid %d has no name", bc.GID)
		}
		if prev, dup := seen[bc.GID]; dup {
			return nil, fmt.Errorf("buckets %q and %q share gid %d", prev, bc.Name, bc.GID)
		}
		seen[bc.GID] = bc.Name
	}
	return &cfg, nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the
// strict JSON decoder (DisallowUnknownFields) for both formats.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

func (c *daemonConfig) logConfig() logx.Config {
	lc := logx.Config{Level: c.Log.Level, Console: true}
	if c.Log.Console != nil {
		lc.Console = *c.Log.Console
	}
	lc.File.Enabled = c.Log.File.Enabled
	lc.File.Path = c.Log.File.Path
	return lc
}
