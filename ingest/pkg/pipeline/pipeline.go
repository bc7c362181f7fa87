// Package pipeline composes the fetcher, reconciler and loaders into one ingestion run:
// sync the window into storage, then merge every stored period into a single dataset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/triplake/ingest/pkg/fetcher"
	"github.com/malbeclabs/triplake/ingest/pkg/metrics"
	"github.com/malbeclabs/triplake/ingest/pkg/objstore"
	"github.com/malbeclabs/triplake/ingest/pkg/reconcile"
	"github.com/malbeclabs/triplake/ingest/pkg/tabular"
	"github.com/malbeclabs/triplake/utils/pkg/retry"
	"golang.org/x/sync/errgroup"
)

// Warehouse receives the merged dataset.
type Warehouse interface {
	Replace(ctx context.Context, ds *tabular.Dataset) error
	Table() string
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Store   objstore.Store
	Archive fetcher.Archive
	Layout  fetcher.Layout

	WindowSize int
	// ReferenceTime anchors the window. Zero means the clock's now at sync time.
	ReferenceTime         time.Time
	IncludeReferenceMonth bool
	ExistenceCheckFailure fetcher.CheckFailurePolicy
	MaxConcurrency        int

	// MergedKey is where the merged parquet is written. Defaults to
	// {folder}/merged/{prefix}_merged.parquet.
	MergedKey string
	// SourceColumn, when set, records each merged row's file in a string column.
	SourceColumn   string
	ConflictPolicy reconcile.ConflictPolicy
	// Warehouse is optional.
	Warehouse Warehouse

	ReadRetry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Archive == nil {
		return errors.New("archive is required")
	}
	if err := cfg.Layout.Validate(); err != nil {
		return fmt.Errorf("invalid layout: %w", err)
	}
	if cfg.WindowSize <= 0 {
		return errors.New("window size must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MergedKey == "" {
		cfg.MergedKey = DefaultMergedKey(cfg.Layout)
	}
	if _, ok := cfg.Layout.ParseStorageKey(cfg.MergedKey); ok {
		return fmt.Errorf("merged key %q collides with a period key", cfg.MergedKey)
	}
	if cfg.ReadRetry.MaxAttempts <= 0 {
		cfg.ReadRetry = retry.DefaultConfig()
	}
	return nil
}

// DefaultMergedKey returns {folder}/merged/{prefix}_merged.parquet.
func DefaultMergedKey(l fetcher.Layout) string {
	name := "merged/" + l.DatasetPrefix + "_merged.parquet"
	if folder := strings.Trim(l.DestinationFolder, "/"); folder != "" {
		return folder + "/" + name
	}
	return name
}

type Pipeline struct {
	log        *slog.Logger
	cfg        Config
	reconciler *reconcile.Reconciler
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	reconciler, err := reconcile.New(reconcile.Config{
		Logger:         cfg.Logger,
		ConflictPolicy: cfg.ConflictPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}
	p := &Pipeline{log: cfg.Logger, cfg: cfg, reconciler: reconciler}
	if _, err := p.newFetcher(cfg.Logger); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) newFetcher(log *slog.Logger) (*fetcher.Fetcher, error) {
	f, err := fetcher.New(fetcher.Config{
		Logger:                log,
		Clock:                 p.cfg.Clock,
		Storage:               p.cfg.Store,
		Archive:               p.cfg.Archive,
		Layout:                p.cfg.Layout,
		ExistenceCheckFailure: p.cfg.ExistenceCheckFailure,
		MaxConcurrency:        p.cfg.MaxConcurrency,
		IncludeReferenceMonth: p.cfg.IncludeReferenceMonth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}
	return f, nil
}

// Stages selects which parts of a run execute.
type Stages struct {
	Sync  bool
	Merge bool
}

var AllStages = Stages{Sync: true, Merge: true}

// MergeResult describes the merged output.
type MergeResult struct {
	// Files are the merged storage keys, oldest first.
	Files   []string
	Key     string
	Rows    int
	Columns int
	Report  *reconcile.Report
	// Table is the warehouse table loaded, empty when no warehouse is configured.
	Table string
}

type RunReport struct {
	RunID    string
	Outcomes []fetcher.Outcome
	Summary  fetcher.Summary
	// Merge is nil when the merge stage did not run.
	Merge    *MergeResult
	Duration time.Duration
}

// Run syncs the window and then merges everything stored.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	return p.RunStages(ctx, AllStages)
}

// RunStages runs the selected stages under one run id. A sync that is aborted or
// cancelled prevents the merge; per-period failures do not.
func (p *Pipeline) RunStages(ctx context.Context, stages Stages) (*RunReport, error) {
	start := time.Now()
	report := &RunReport{RunID: uuid.NewString()}
	log := p.log.With("run_id", report.RunID)
	log.Info("pipeline: run started", "sync", stages.Sync, "merge", stages.Merge)

	defer func() {
		metrics.RunDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	}()

	if stages.Sync {
		outcomes, err := p.sync(ctx, log)
		report.Outcomes = outcomes
		report.Summary = fetcher.Summarize(outcomes)
		if err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("failed to sync window: %w", err)
		}
	}

	if stages.Merge {
		res, err := p.merge(ctx, log)
		report.Merge = res
		if err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("failed to merge: %w", err)
		}
	}

	report.Duration = time.Since(start)
	log.Info("pipeline: run finished", "duration", report.Duration)
	return report, nil
}

// Sync brings storage up to date with the configured window.
func (p *Pipeline) Sync(ctx context.Context) ([]fetcher.Outcome, error) {
	return p.sync(ctx, p.log.With("run_id", uuid.NewString()))
}

// Merge reconciles and merges every stored period. It is a no-op, returning an empty
// result, when nothing is stored.
func (p *Pipeline) Merge(ctx context.Context) (*MergeResult, error) {
	return p.merge(ctx, p.log.With("run_id", uuid.NewString()))
}

func (p *Pipeline) sync(ctx context.Context, log *slog.Logger) ([]fetcher.Outcome, error) {
	start := time.Now()
	defer func() {
		metrics.RunDuration.WithLabelValues("sync").Observe(time.Since(start).Seconds())
	}()

	f, err := p.newFetcher(log)
	if err != nil {
		return nil, err
	}
	return f.SyncWindow(ctx, p.cfg.WindowSize, p.cfg.ReferenceTime)
}

func (p *Pipeline) merge(ctx context.Context, log *slog.Logger) (*MergeResult, error) {
	start := time.Now()
	defer func() {
		metrics.RunDuration.WithLabelValues("merge").Observe(time.Since(start).Seconds())
	}()

	keys, err := p.storedPeriodKeys(ctx)
	if err != nil {
		return nil, err
	}
	res := &MergeResult{Key: p.cfg.MergedKey}
	if len(keys) == 0 {
		log.Info("pipeline: no stored periods, nothing to merge", "prefix", p.cfg.Layout.KeyPrefix())
		return res, nil
	}
	res.Files = keys

	coll, err := p.load(ctx, log, keys)
	if err != nil {
		return res, err
	}

	rep, err := p.reconciler.Reconcile(coll)
	if err != nil {
		return res, fmt.Errorf("failed to reconcile schemas: %w", err)
	}
	res.Report = rep

	merged, err := tabular.Concat(coll, keys, tabular.ConcatOptions{SourceColumn: p.cfg.SourceColumn})
	if err != nil {
		return res, fmt.Errorf("failed to concatenate datasets: %w", err)
	}
	res.Rows = merged.NumRows()
	res.Columns = len(merged.Columns)

	data, err := tabular.EncodeParquet(merged)
	if err != nil {
		return res, fmt.Errorf("failed to encode merged dataset: %w", err)
	}
	if err := retry.Do(ctx, p.retryConfig(log, p.cfg.MergedKey), func() error {
		return p.cfg.Store.Put(ctx, p.cfg.MergedKey, data)
	}); err != nil {
		return res, fmt.Errorf("failed to write merged dataset: %w", err)
	}
	log.Info("pipeline: merged dataset written", "key", p.cfg.MergedKey, "files", len(keys),
		"rows", res.Rows, "columns", res.Columns, "bytes", len(data))

	if p.cfg.Warehouse != nil {
		if err := p.cfg.Warehouse.Replace(ctx, merged); err != nil {
			return res, fmt.Errorf("failed to load warehouse: %w", err)
		}
		res.Table = p.cfg.Warehouse.Table()
	}
	return res, nil
}

// storedPeriodKeys lists period files, ignoring other objects under the same prefix.
func (p *Pipeline) storedPeriodKeys(ctx context.Context) ([]string, error) {
	listed, err := retry.DoValue(ctx, p.retryConfig(p.log, p.cfg.Layout.KeyPrefix()), func() ([]string, error) {
		return p.cfg.Store.List(ctx, p.cfg.Layout.KeyPrefix())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stored periods: %w", err)
	}
	keys := make([]string, 0, len(listed))
	for _, key := range listed {
		if _, ok := p.cfg.Layout.ParseStorageKey(key); ok {
			keys = append(keys, key)
		}
	}
	// Keys share a prefix and end in YYYY-MM, so sorted order is chronological.
	return keys, nil
}

func (p *Pipeline) load(ctx context.Context, log *slog.Logger, keys []string) (tabular.Collection, error) {
	datasets := make([]*tabular.Dataset, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			data, err := retry.DoValue(gctx, p.retryConfig(log, key), func() ([]byte, error) {
				return p.cfg.Store.Get(gctx, key)
			})
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", key, err)
			}
			ds, err := tabular.ReadParquet(gctx, data)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", key, err)
			}
			datasets[i] = ds
			log.Debug("pipeline: period loaded", "key", key, "rows", ds.NumRows(), "columns", len(ds.Columns))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	coll := make(tabular.Collection, len(keys))
	for i, key := range keys {
		coll[key] = datasets[i]
	}
	return coll, nil
}

func (p *Pipeline) retryConfig(log *slog.Logger, key string) retry.Config {
	cfg := p.cfg.ReadRetry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("pipeline: retrying storage operation", "key", key, "attempt", attempt, "backoff", backoff, "error", err)
	}
	return cfg
}
