// Package warehouse loads merged datasets into ClickHouse.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/malbeclabs/triplake/ingest/pkg/clickhouse"
	"github.com/malbeclabs/triplake/ingest/pkg/metrics"
	"github.com/malbeclabs/triplake/ingest/pkg/tabular"
)

const defaultBatchSize = 100_000

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
	Table      string
	// OrderBy is the MergeTree sorting key. Empty means no key.
	OrderBy   []string
	BatchSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse client is required")
	}
	if cfg.Table == "" {
		return errors.New("table is required")
	}
	if !tableNameRe.MatchString(cfg.Table) {
		return fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return nil
}

// Loader replaces a table's contents with a dataset.
type Loader struct {
	log *slog.Logger
	cfg Config
}

func NewLoader(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Loader{log: cfg.Logger, cfg: cfg}, nil
}

func (l *Loader) Table() string {
	return l.cfg.Table
}

func (l *Loader) stagingTable() string {
	return l.cfg.Table + "_staging"
}

// Replace loads ds into a staging table and swaps it with the target, so readers see
// either the old or the new contents. The target's schema follows ds.
func (l *Loader) Replace(ctx context.Context, ds *tabular.Dataset) error {
	if err := ds.Validate(); err != nil {
		return fmt.Errorf("invalid dataset: %w", err)
	}
	// Render DDL first so unsupported types fail before anything is touched.
	createSQL, err := createTableSQL(l.stagingTable(), ds, l.cfg.OrderBy)
	if err != nil {
		return err
	}

	start := time.Now()
	conn, err := l.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	staging := quoteIdent(l.stagingTable())
	target := quoteIdent(l.cfg.Table)

	if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+staging); err != nil {
		return fmt.Errorf("failed to drop stale staging table: %w", err)
	}
	if err := conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	if err := l.insert(clickhouse.ContextWithSyncInsert(ctx), conn, staging, ds); err != nil {
		l.dropStaging(conn, staging)
		return err
	}

	if err := conn.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS %s", target, staging)); err != nil {
		l.dropStaging(conn, staging)
		return fmt.Errorf("failed to ensure target table: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", staging, target)); err != nil {
		l.dropStaging(conn, staging)
		return fmt.Errorf("failed to exchange tables: %w", err)
	}
	// After the exchange the staging name holds the previous contents.
	l.dropStaging(conn, staging)

	metrics.WarehouseRowsLoadedTotal.WithLabelValues(l.cfg.Table).Add(float64(ds.NumRows()))
	l.log.Info("warehouse: table exchanged", "table", l.cfg.Table, "rows", ds.NumRows(),
		"columns", len(ds.Columns), "duration", time.Since(start))
	return nil
}

func (l *Loader) insert(ctx context.Context, conn clickhouse.Connection, table string, ds *tabular.Dataset) error {
	rows := ds.NumRows()
	for offset := 0; offset < rows; offset += l.cfg.BatchSize {
		end := min(offset+l.cfg.BatchSize, rows)

		batch, err := conn.PrepareBatch(ctx, "INSERT INTO "+table)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}

		for i := offset; i < end; i++ {
			select {
			case <-ctx.Done():
				batch.Close()
				return fmt.Errorf("context cancelled during batch insert: %w", ctx.Err())
			default:
			}
			row := make([]any, len(ds.Columns))
			for j, c := range ds.Columns {
				row[j] = c.Values[i]
			}
			if err := batch.Append(row...); err != nil {
				batch.Close()
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}

		if err := batch.Send(); err != nil {
			batch.Close()
			return fmt.Errorf("failed to send batch: %w", err)
		}
		l.log.Debug("warehouse: batch sent", "table", table, "rows", end-offset)
	}
	return nil
}

func (l *Loader) dropStaging(conn clickhouse.Connection, staging string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+staging); err != nil {
		l.log.Warn("warehouse: failed to drop staging table", "table", staging, "error", err)
	}
}
