// Package fetcher keeps destination storage in sync with the trailing window of monthly
// archive files. Storage is the only record of what has been ingested.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/triplake/ingest/pkg/archive"
	"github.com/malbeclabs/triplake/ingest/pkg/metrics"
	"github.com/malbeclabs/triplake/ingest/pkg/period"
	"golang.org/x/sync/errgroup"
)

var ErrExistenceCheck = errors.New("existence check failed")

// Storage is the destination capability the fetcher needs.
type Storage interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Archive is the source capability the fetcher needs.
type Archive interface {
	Get(ctx context.Context, url string) (*archive.Response, error)
}

// CheckFailurePolicy decides what a failed existence check means.
type CheckFailurePolicy int

const (
	// TreatAsMissing logs a warning and fetches the period anyway.
	TreatAsMissing CheckFailurePolicy = iota
	// Abort stops the run with ErrExistenceCheck.
	Abort
)

func (p CheckFailurePolicy) String() string {
	switch p {
	case TreatAsMissing:
		return "treat-as-missing"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("CheckFailurePolicy(%d)", int(p))
}

// ParseCheckFailurePolicy accepts the String forms.
func ParseCheckFailurePolicy(s string) (CheckFailurePolicy, error) {
	switch s {
	case "", "treat-as-missing":
		return TreatAsMissing, nil
	case "abort":
		return Abort, nil
	}
	return 0, fmt.Errorf("unknown existence check failure policy %q", s)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Storage Storage
	Archive Archive
	Layout  Layout

	ExistenceCheckFailure CheckFailurePolicy
	// MaxConcurrency bounds periods processed at once. 1 processes strictly newest to
	// oldest.
	MaxConcurrency        int
	IncludeReferenceMonth bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Storage == nil {
		return errors.New("storage is required")
	}
	if cfg.Archive == nil {
		return errors.New("archive is required")
	}
	if err := cfg.Layout.Validate(); err != nil {
		return fmt.Errorf("invalid layout: %w", err)
	}
	if cfg.ExistenceCheckFailure != TreatAsMissing && cfg.ExistenceCheckFailure != Abort {
		return fmt.Errorf("invalid existence check failure policy %d", cfg.ExistenceCheckFailure)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return nil
}

type Fetcher struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Fetcher{log: cfg.Logger, cfg: cfg}, nil
}

// SyncWindow brings storage up to date with the windowSize periods preceding
// referenceTime (the clock's now when zero). Per-period failures are recorded in the
// outcomes and do not stop the run.
//
// Cancelling ctx stops the run between periods: periods already started complete, and
// the outcomes of completed periods are returned with ctx's error. Outcomes are always
// in window order, newest first.
func (f *Fetcher) SyncWindow(ctx context.Context, windowSize int, referenceTime time.Time) ([]Outcome, error) {
	if referenceTime.IsZero() {
		referenceTime = f.cfg.Clock.Now()
	}
	periods, err := period.Window(referenceTime, windowSize, period.WindowOptions{
		IncludeReferenceMonth: f.cfg.IncludeReferenceMonth,
	})
	if err != nil {
		return nil, err
	}

	f.log.Info("fetcher: sync started", "reference", referenceTime.Format(time.DateOnly), "window", windowSize,
		"newest", periods[0].String(), "oldest", periods[len(periods)-1].String())

	outcomes := make([]Outcome, len(periods))
	done := make([]bool, len(periods))
	firstIndex := map[string]int{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.MaxConcurrency)

	for i, p := range periods {
		if gctx.Err() != nil {
			break
		}

		key := f.cfg.Layout.StorageKey(p)
		if _, seen := firstIndex[key]; seen {
			// The status is resolved from the first occurrence once it has run.
			outcomes[i] = Outcome{
				Period:    p,
				URL:       f.cfg.Layout.SourceURLFor(p),
				Key:       key,
				Duplicate: true,
			}
			done[i] = true
			f.log.Debug("fetcher: period repeated in window", "period", p.String(), "key", key)
			continue
		}
		firstIndex[key] = i

		g.Go(func() error {
			// The slot may open after cancellation; do not start new work then.
			if gctx.Err() != nil {
				return nil
			}
			// Started periods run to completion so a period is never left half done.
			o, err := f.syncPeriod(context.WithoutCancel(gctx), p)
			outcomes[i] = o
			done[i] = true
			return err
		})
	}

	runErr := g.Wait()

	completed := make([]Outcome, 0, len(periods))
	for i, o := range outcomes {
		if done[i] {
			if o.Duplicate {
				// A duplicate only counts once its original has been handled.
				first := firstIndex[o.Key]
				if !done[first] {
					continue
				}
				o = duplicateOf(outcomes[first], o)
			}
			completed = append(completed, o)
		}
	}

	summary := Summarize(completed)
	for _, o := range completed {
		metrics.PeriodOutcomesTotal.WithLabelValues(string(o.Status)).Inc()
	}

	if runErr != nil {
		f.log.Error("fetcher: sync aborted", "error", runErr, "summary", summary)
		return completed, runErr
	}
	if err := ctx.Err(); err != nil {
		f.log.Warn("fetcher: sync interrupted", "error", err, "summary", summary)
		return completed, err
	}

	f.log.Info("fetcher: sync finished", "summary", summary)
	return completed, nil
}

// duplicateOf resolves a repeated period from its first occurrence: skipped when the key
// is now stored, otherwise the same failure.
func duplicateOf(first, dup Outcome) Outcome {
	switch first.Status {
	case StatusDownloaded, StatusSkipped:
		dup.Status = StatusSkipped
	default:
		dup.Status = first.Status
		dup.StatusCode = first.StatusCode
		dup.CheckErr = first.CheckErr
		dup.Err = first.Err
	}
	return dup
}

// syncPeriod runs check, fetch and upload for one period. The returned error is only
// non-nil when the whole run must stop.
func (f *Fetcher) syncPeriod(ctx context.Context, p period.Period) (Outcome, error) {
	start := f.cfg.Clock.Now()
	o := Outcome{
		Period: p,
		URL:    f.cfg.Layout.SourceURLFor(p),
		Key:    f.cfg.Layout.StorageKey(p),
	}
	log := f.log.With("period", p.String(), "key", o.Key)

	checkStart := time.Now()
	exists, err := f.cfg.Storage.Exists(ctx, o.Key)
	metrics.PeriodDuration.WithLabelValues("check").Observe(time.Since(checkStart).Seconds())
	if err != nil {
		if f.cfg.ExistenceCheckFailure == Abort {
			o.Status = StatusCheckFailed
			o.Err = err
			o.Duration = f.cfg.Clock.Since(start)
			log.Error("fetcher: existence check failed", "error", err)
			return o, fmt.Errorf("%w for %s: %w", ErrExistenceCheck, o.Key, err)
		}
		log.Warn("fetcher: existence check failed, treating period as missing", "error", err)
		o.CheckErr = err
		exists = false
	}
	if exists {
		o.Status = StatusSkipped
		o.Duration = f.cfg.Clock.Since(start)
		log.Info("fetcher: period already stored")
		return o, nil
	}

	fetchStart := time.Now()
	resp, err := f.cfg.Archive.Get(ctx, o.URL)
	metrics.PeriodDuration.WithLabelValues("fetch").Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		o.Status = StatusFetchFailed
		o.Err = fmt.Errorf("failed to fetch %s: %w", o.URL, err)
		o.Duration = f.cfg.Clock.Since(start)
		log.Warn("fetcher: fetch failed", "url", o.URL, "error", err)
		return o, nil
	}
	o.StatusCode = resp.StatusCode
	if !resp.OK() {
		o.Status = StatusFetchFailed
		o.Err = fmt.Errorf("archive returned status %d for %s", resp.StatusCode, o.URL)
		o.Duration = f.cfg.Clock.Since(start)
		log.Warn("fetcher: archive returned non-success status", "url", o.URL, "status_code", resp.StatusCode)
		return o, nil
	}
	metrics.PeriodFetchBytesTotal.Add(float64(len(resp.Body)))

	uploadStart := time.Now()
	err = f.cfg.Storage.Put(ctx, o.Key, resp.Body)
	metrics.PeriodDuration.WithLabelValues("upload").Observe(time.Since(uploadStart).Seconds())
	if err != nil {
		o.Status = StatusUploadFailed
		o.Err = fmt.Errorf("failed to upload %s: %w", o.Key, err)
		o.Duration = f.cfg.Clock.Since(start)
		log.Error("fetcher: upload failed", "error", err)
		return o, nil
	}

	o.Status = StatusDownloaded
	o.Bytes = int64(len(resp.Body))
	o.Duration = f.cfg.Clock.Since(start)
	log.Info("fetcher: period downloaded", "bytes", o.Bytes)
	return o, nil
}
