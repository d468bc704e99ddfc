package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"kvexec/internal/bucket"
	"kvexec/internal/config"
	"kvexec/internal/eventbus"
	"kvexec/internal/executor"
	"kvexec/internal/storage"
	"kvexec/internal/tasks"
	logx "kvexec/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./kvexecd.yaml", "path to daemon config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := loadDaemonConfig(cfgPath)
	if err != nil {
		return err
	}

	logSvc, log := logx.New(cfg.logConfig())
	defer logSvc.Close()

	bus := eventbus.New()
	reg := config.New(log)

	// Apply the inline parameter string, then the parameter file (which wins
	// where both set a key).
	if strings.TrimSpace(cfg.EngineParams) != "" {
		if err := reg.ParseConfiguration(cfg.EngineParams, &config.DefaultParser{}); err != nil {
			return fmt.Errorf("engine_params: %w", err)
		}
	}
	if cfg.ParamFile != "" {
		if b, err := os.ReadFile(cfg.ParamFile); err == nil {
			flat := strings.NewReplacer("\r\n", ";", "\n", ";").Replace(string(b))
			if err := reg.ParseConfiguration(flat, &config.DefaultParser{}); err != nil {
				return fmt.Errorf("param_file %s: %w", cfg.ParamFile, err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("param_file %s: %w", cfg.ParamFile, err)
		}
	}

	store, err := openStore(cfg, reg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	pool := executor.NewPool(poolConfig(reg, log, bus))
	executor.Install(pool)
	defer executor.Reset()

	tasks.BindPoolSizing(reg, pool)

	// Bucket roster.
	deps := tasks.Deps{Pool: pool, Reg: reg, Store: store}
	buckets := make([]*bucket.Bucket, 0, len(cfg.Buckets))
	for _, bc := range cfg.Buckets {
		prio := executor.LowBucketPriority
		if strings.EqualFold(bc.Priority, "high") {
			prio = executor.HighBucketPriority
		}
		shards := bc.Shards
		if shards <= 0 {
			shards = 4
		}
		b := bucket.New(bc.Name, bc.GID, executor.WorkloadPolicy{Priority: prio, Shards: shards}, log, bus)
		b.StartHistory(store)
		if err := pool.RegisterTaskable(b); err != nil {
			return err
		}
		if _, err := tasks.StartBucketTasks(deps, b); err != nil {
			return err
		}
		buckets = append(buckets, b)
	}

	// Watch the parameter file so edits retune the running engine.
	if cfg.ParamFile != "" {
		w := config.NewWatcher(cfg.ParamFile, reg, log, bus)
		go func() { _ = w.Watch(ctx) }()
	}

	// Trace engine events at debug level.
	events, unsub := bus.Subscribe(64)
	defer unsub()
	go func() {
		for e := range events {
			log.Debug("event", logx.String("type", string(e.Type)), logx.Any("data", e.Data))
		}
	}()

	notifySystemd(ctx, log)

	log.Info("kvexecd up",
		logx.Int("buckets", pool.NumBuckets()),
		logx.Int("readers", pool.NumReaders()),
		logx.Int("writers", pool.NumWriters()),
		logx.Int("auxio", pool.NumAuxIO()),
		logx.Int("nonio", pool.NumNonIO()))

	<-ctx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	for _, b := range buckets {
		b.BeginShutdown()
	}
	pool.Shutdown()
	// Workers are joined; no further telemetry arrives.
	for _, b := range buckets {
		b.StopHistory()
	}
	log.Info("kvexecd stopped")
	return nil
}

// poolConfig derives the executor sizing from the registry. Zero values fall
// back to the in-pool defaults.
func poolConfig(reg *config.Registry, log logx.Logger, bus eventbus.Bus) executor.Config {
	size := func(key string) int {
		v, err := reg.GetInteger(key)
		if err != nil {
			return 0
		}
		return int(v)
	}
	return executor.Config{
		MaxThreads: size("max_threads"),
		MaxReaders: size("num_reader_threads"),
		MaxWriters: size("num_writer_threads"),
		MaxAuxIO:   size("num_auxio_threads"),
		MaxNonIO:   size("num_nonio_threads"),
		Logger:     log,
		Bus:        bus,
	}
}

// openStore prefers the daemon config, falling back to the registry's
// history settings.
func openStore(cfg *daemonConfig, reg *config.Registry, log logx.Logger) (storage.Store, error) {
	sc := storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		HistorySize: cfg.Storage.HistorySize,
		BusyTimeout: 250 * time.Millisecond,
	}
	if sc.Driver == "" {
		sc.Driver, _ = reg.GetString("history_driver")
	}
	if sc.Path == "" {
		dbname, _ := reg.GetString("dbname")
		sc.Path = dbname + "/history.db"
	}
	if sc.HistorySize == 0 {
		if n, err := reg.GetInteger("history_size"); err == nil {
			sc.HistorySize = int(n)
		}
	}
	return storage.Open(sc, log)
}

// notifySystemd reports readiness and keeps the watchdog fed when running
// under systemd; outside systemd both calls are no-ops.
func notifySystemd(ctx context.Context, log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		log.Debug("systemd notified ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
