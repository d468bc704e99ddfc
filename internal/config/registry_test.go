package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "kvexec/pkg/logx"
)

func newTestRegistry() *Registry { return New(logx.Nop()) }

func TestIntegerRoundTrip(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	if err := reg.SetInteger("max_size", 1048576); err != nil {
		t.Fatalf("SetInteger: %v", err)
	}
	got, err := reg.GetInteger("max_size")
	if err != nil {
		t.Fatalf("GetInteger: %v", err)
	}
	if got != 1048576 {
		t.Fatalf("max_size = %d, want 1048576", got)
	}
}

func TestKindMismatch(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	if _, err := reg.GetBool("max_size"); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("GetBool(max_size): err = %v, want ErrKindMismatch", err)
	}
	if _, err := reg.GetString("defragmenter_enabled"); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("GetString(defragmenter_enabled): err = %v, want ErrKindMismatch", err)
	}

	// Absent keys read as the kind's zero, not an error.
	if v, err := reg.GetInteger("no_such_key"); err != nil || v != 0 {
		t.Fatalf("GetInteger(no_such_key) = %d, %v; want 0, nil", v, err)
	}
}

// The alias is write-side only: setting cache_size lands on max_size, while
// reads of cache_size keep returning zero.
func TestCacheSizeAlias(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	if err := reg.SetInteger("cache_size", 4096); err != nil {
		t.Fatalf("SetInteger(cache_size): %v", err)
	}
	if got, _ := reg.GetInteger("max_size"); got != 4096 {
		t.Fatalf("max_size = %d, want 4096", got)
	}
	if got, _ := reg.GetInteger("cache_size"); got != 0 {
		t.Fatalf("cache_size = %d, want 0 (alias is write-side only)", got)
	}
}

func TestValidatorRejectsAndNothingFires(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	if err := reg.SetInteger("max_size", 1024); err != nil {
		t.Fatalf("seed max_size: %v", err)
	}

	fired := 0
	reg.AddValueChangedListener("max_size", func(string, Value) { fired++ })
	prev := reg.SetValueValidator("max_size", SizeRange(1, 1<<40))
	if prev != nil {
		t.Fatal("expected no previous validator")
	}

	err := reg.SetInteger("max_size", 0)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if got, _ := reg.GetInteger("max_size"); got != 1024 {
		t.Fatalf("max_size = %d after rejected set, want 1024", got)
	}
	if fired != 0 {
		t.Fatalf("listener fired %d times on rejected set, want 0", fired)
	}

	if err := reg.SetInteger("max_size", 2048); err != nil {
		t.Fatalf("valid set: %v", err)
	}
	if fired != 1 {
		t.Fatalf("listener fired %d times, want 1", fired)
	}
}

// Listeners fire in insertion order, after the write is visible to readers.
func TestListenerOrderAndVisibility(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	var order []string
	reg.AddValueChangedListener("exp_pager_stime", func(key string, v Value) {
		if got, _ := reg.GetInteger(key); got != v.Size {
			t.Errorf("listener observed %d, committed %d", got, v.Size)
		}
		order = append(order, "first")
	})
	reg.AddValueChangedListener("exp_pager_stime", func(string, Value) {
		order = append(order, "second")
	})

	if err := reg.SetInteger("exp_pager_stime", 7200); err != nil {
		t.Fatalf("SetInteger: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("listener order = %v, want [first second]", order)
	}

	// Unknown key: listener registration is a silent no-op.
	reg.AddValueChangedListener("no_such_key", func(string, Value) {
		t.Error("listener on unknown key fired")
	})
}

func TestStatsSurface(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	got := map[string]string{}
	reg.Stats(func(key, value string) { got[key] = value })

	if v, ok := got["ep_defragmenter_enabled"]; !ok || v != "true" {
		t.Fatalf("ep_defragmenter_enabled = %q (present=%v), want \"true\"", v, ok)
	}
	if v, ok := got["ep_bucket_type"]; !ok || v != "persistent" {
		t.Fatalf("ep_bucket_type = %q, want \"persistent\"", v)
	}
	for k := range got {
		if !strings.HasPrefix(k, "ep_") {
			t.Fatalf("stat key %q lacks ep_ prefix", k)
		}
	}
}

func TestParseConfiguration(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	text := "max_size=128m;defragmenter_enabled=false;bucket_type=ephemeral;stat_snap_interval=30"
	if err := reg.ParseConfiguration(text, &DefaultParser{}); err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}

	if got, _ := reg.GetInteger("max_size"); got != 128<<20 {
		t.Fatalf("max_size = %d, want %d", got, 128<<20)
	}
	if got, _ := reg.GetBool("defragmenter_enabled"); got {
		t.Fatal("defragmenter_enabled = true, want false")
	}
	if got, _ := reg.GetString("bucket_type"); got != "ephemeral" {
		t.Fatalf("bucket_type = %q, want \"ephemeral\"", got)
	}
	if got, _ := reg.GetInteger("stat_snap_interval"); got != 30 {
		t.Fatalf("stat_snap_interval = %d, want 30", got)
	}
}

// Listeners fire for parse-driven sets just as for direct ones, and the
// cache_size alias applies.
func TestParseConfigurationNotifiesAndAliases(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	fired := 0
	reg.AddValueChangedListener("stat_snap_interval", func(string, Value) { fired++ })

	if err := reg.ParseConfiguration("cache_size=2048;stat_snap_interval=45", &DefaultParser{}); err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}
	if got, _ := reg.GetInteger("max_size"); got != 2048 {
		t.Fatalf("max_size = %d, want 2048 (via cache_size)", got)
	}
	if fired != 1 {
		t.Fatalf("listener fired %d times, want 1", fired)
	}
}

func TestParseConfigurationConfigFile(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	path := filepath.Join(t.TempDir(), "engine.params")
	body := "max_size=4096\ndefragmenter_interval=120\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write param file: %v", err)
	}

	if err := reg.ParseConfiguration("config_file="+path+";conn_manager_interval=9", &DefaultParser{}); err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}
	if got, _ := reg.GetInteger("max_size"); got != 4096 {
		t.Fatalf("max_size = %d, want 4096", got)
	}
	if got, _ := reg.GetInteger("defragmenter_interval"); got != 120 {
		t.Fatalf("defragmenter_interval = %d, want 120", got)
	}
	if got, _ := reg.GetInteger("conn_manager_interval"); got != 9 {
		t.Fatalf("conn_manager_interval = %d, want 9", got)
	}
}

// A parser that leaves a config_file item marked found is a programmer
// error; the registry refuses to store it.
func TestConfigFileSurvivingParseIsInvariantViolation(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	err := reg.ParseConfiguration("anything", badParser{})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
}

type badParser struct{}

func (badParser) Parse(_ string, items []*Item) error {
	for _, it := range items {
		if it.Kind == KindConfigFile {
			it.Found = true
		}
	}
	return nil
}

func TestValidatorReplacementReturnsPrevious(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	first := SizeRange(1, 10)
	if prev := reg.SetValueValidator("max_size", first); prev != nil {
		t.Fatal("expected nil previous validator")
	}
	if prev := reg.SetValueValidator("max_size", SizeRange(1, 100)); prev == nil {
		t.Fatal("expected previous validator back")
	}
	// Replacement is live: 50 passes under the new range.
	if err := reg.SetInteger("max_size", 50); err != nil {
		t.Fatalf("SetInteger under replaced validator: %v", err)
	}
}
