package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/triplake/ingest/pkg/archive"
	"github.com/malbeclabs/triplake/ingest/pkg/clickhouse"
	"github.com/malbeclabs/triplake/ingest/pkg/fetcher"
	"github.com/malbeclabs/triplake/ingest/pkg/metrics"
	"github.com/malbeclabs/triplake/ingest/pkg/objstore"
	"github.com/malbeclabs/triplake/ingest/pkg/pipeline"
	"github.com/malbeclabs/triplake/ingest/pkg/reconcile"
	"github.com/malbeclabs/triplake/ingest/pkg/server"
	"github.com/malbeclabs/triplake/ingest/pkg/warehouse"
	"github.com/malbeclabs/triplake/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultSourceURL = "https://d37ci6vzurychx.cloudfront.net/trip-data/green_tripdata_"

var errPeriodFailures = errors.New("one or more periods failed")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logJSONFlag := flag.Bool("log-json", false, "emit JSON log lines (or set TRIPLAKE_LOG_JSON=true env var)")

	// Stages
	syncFlag := flag.Bool("sync", false, "Run the window sync stage (both stages run when neither is set)")
	mergeFlag := flag.Bool("merge", false, "Run the reconcile and merge stage (both stages run when neither is set)")

	// Window and layout
	windowSizeFlag := flag.Int("window-size", 12, "Number of monthly periods to keep in sync (or set TRIPLAKE_WINDOW_SIZE env var)")
	referenceDateFlag := flag.String("reference-date", "", "Reference date for the window, YYYY-MM-DD (or set TRIPLAKE_REFERENCE_DATE env var, empty = today)")
	includeReferenceMonthFlag := flag.Bool("include-reference-month", false, "Include the reference month itself in the window")
	sourceURLFlag := flag.String("source-url", defaultSourceURL, "Archive base URL or template with {year}/{month} (or set TRIPLAKE_SOURCE_URL env var)")
	destinationFolderFlag := flag.String("destination-folder", "Green_Taxi_Trip_Data", "Destination folder in storage (or set TRIPLAKE_DESTINATION_FOLDER env var)")
	datasetPrefixFlag := flag.String("dataset-prefix", "green_tripdata", "Dataset prefix of stored file names (or set TRIPLAKE_DATASET_PREFIX env var)")
	existenceCheckFailureFlag := flag.String("existence-check-failure", fetcher.TreatAsMissing.String(), "What a failed existence check means: treat-as-missing or abort")
	maxConcurrencyFlag := flag.Int("max-concurrency", 1, "Maximum periods processed at once (or set TRIPLAKE_MAX_CONCURRENCY env var)")
	failOnPeriodErrorFlag := flag.Bool("fail-on-period-error", false, "Exit with an error when any period failed")

	// Merge
	mergedKeyFlag := flag.String("merged-key", "", "Storage key of the merged parquet (default {folder}/merged/{prefix}_merged.parquet)")
	sourceColumnFlag := flag.String("source-column", "", "Add a column with each row's source file to the merged dataset")
	conflictPolicyFlag := flag.String("conflict-policy", reconcile.CoerceToString.String(), "Type conflict handling: coerce-to-string or reject (or set TRIPLAKE_CONFLICT_POLICY env var)")

	// Storage
	storageBackendFlag := flag.String("storage-backend", string(objstore.BackendS3), "Storage backend: s3, minio or local (or set TRIPLAKE_STORAGE_BACKEND env var)")
	bucketFlag := flag.String("bucket", "", "Destination bucket (or set TRIPLAKE_BUCKET env var)")
	regionFlag := flag.String("region", "", "Storage region (or set AWS_REGION env var)")
	storageEndpointFlag := flag.String("storage-endpoint", "", "S3-compatible endpoint URL (or set TRIPLAKE_STORAGE_ENDPOINT env var)")
	storagePathStyleFlag := flag.Bool("storage-path-style", false, "Use path-style bucket addressing")
	storageSSLFlag := flag.Bool("storage-ssl", true, "Use TLS for the minio backend")
	localRootFlag := flag.String("local-root", "", "Root directory of the local backend (or set TRIPLAKE_LOCAL_ROOT env var)")

	// Archive politeness
	requestsPerSecondFlag := flag.Float64("requests-per-second", 1, "Maximum archive requests per second (0 = unlimited)")
	httpTimeoutFlag := flag.Duration("http-timeout", 60*time.Second, "Timeout of a single archive download")
	maxBodyBytesFlag := flag.Int64("max-body-bytes", 1<<30, "Largest archive file accepted, in bytes")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	clickhouseTableFlag := flag.String("clickhouse-table", "", "Load the merged dataset into this table; empty disables the warehouse load (or set CLICKHOUSE_TABLE env var)")
	clickhouseOrderByFlag := flag.StringSlice("clickhouse-order-by", nil, "Sorting key columns of the warehouse table")

	// Metrics
	pushgatewayURLFlag := flag.String("pushgateway-url", "", "Prometheus Pushgateway URL; empty disables the push (or set PUSHGATEWAY_URL env var)")
	listenAddrFlag := flag.String("listen-addr", "", "Serve /healthz, /readyz, /version and /metrics on this address during the run (or set TRIPLAKE_LISTEN_ADDR env var)")

	flag.Parse()

	env := &envOverrides{getenv: os.Getenv}
	env.Bool(logJSONFlag, "TRIPLAKE_LOG_JSON")
	env.Int(windowSizeFlag, "TRIPLAKE_WINDOW_SIZE")
	env.String(referenceDateFlag, "TRIPLAKE_REFERENCE_DATE")
	env.String(sourceURLFlag, "TRIPLAKE_SOURCE_URL")
	env.String(destinationFolderFlag, "TRIPLAKE_DESTINATION_FOLDER")
	env.String(datasetPrefixFlag, "TRIPLAKE_DATASET_PREFIX")
	env.String(existenceCheckFailureFlag, "TRIPLAKE_EXISTENCE_CHECK_FAILURE")
	env.Int(maxConcurrencyFlag, "TRIPLAKE_MAX_CONCURRENCY")
	env.String(mergedKeyFlag, "TRIPLAKE_MERGED_KEY")
	env.String(sourceColumnFlag, "TRIPLAKE_SOURCE_COLUMN")
	env.String(conflictPolicyFlag, "TRIPLAKE_CONFLICT_POLICY")
	env.String(storageBackendFlag, "TRIPLAKE_STORAGE_BACKEND")
	env.String(bucketFlag, "TRIPLAKE_BUCKET")
	env.String(regionFlag, "AWS_REGION")
	env.String(storageEndpointFlag, "TRIPLAKE_STORAGE_ENDPOINT")
	env.Bool(storagePathStyleFlag, "TRIPLAKE_STORAGE_PATH_STYLE")
	env.Bool(storageSSLFlag, "TRIPLAKE_STORAGE_SSL")
	env.String(localRootFlag, "TRIPLAKE_LOCAL_ROOT")
	env.Float64(requestsPerSecondFlag, "TRIPLAKE_REQUESTS_PER_SECOND")
	env.Duration(httpTimeoutFlag, "TRIPLAKE_HTTP_TIMEOUT")
	env.Int64(maxBodyBytesFlag, "TRIPLAKE_MAX_BODY_BYTES")
	env.String(clickhouseAddrFlag, "CLICKHOUSE_ADDR_TCP")
	env.String(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	env.String(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	env.String(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	env.Bool(clickhouseSecureFlag, "CLICKHOUSE_SECURE")
	env.String(clickhouseTableFlag, "CLICKHOUSE_TABLE")
	env.StringSlice(clickhouseOrderByFlag, "CLICKHOUSE_ORDER_BY")
	env.String(pushgatewayURLFlag, "PUSHGATEWAY_URL")
	env.String(listenAddrFlag, "TRIPLAKE_LISTEN_ADDR")
	if env.err != nil {
		return env.err
	}

	var log *slog.Logger
	if *logJSONFlag {
		log = logger.NewJSON(*verboseFlag)
	} else {
		log = logger.New(*verboseFlag)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized", "environment", os.Getenv("SENTRY_ENVIRONMENT"))
	}

	stages := pipeline.Stages{Sync: *syncFlag, Merge: *mergeFlag}
	if !stages.Sync && !stages.Merge {
		stages = pipeline.AllStages
	}

	referenceTime, err := parseReferenceDate(*referenceDateFlag)
	if err != nil {
		return err
	}
	checkPolicy, err := fetcher.ParseCheckFailurePolicy(*existenceCheckFailureFlag)
	if err != nil {
		return err
	}
	conflictPolicy, err := reconcile.ParseConflictPolicy(*conflictPolicyFlag)
	if err != nil {
		return err
	}

	// Set up signal handling; the period in flight completes before the run stops.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var ready atomic.Bool
	if *listenAddrFlag != "" {
		srv, err := server.New(server.Config{
			Logger:      log,
			ListenAddr:  *listenAddrFlag,
			VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
			Ready:       ready.Load,
		})
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		srvCtx, srvCancel := context.WithCancel(context.Background())
		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			if err := srv.Run(srvCtx); err != nil {
				log.Error("server stopped", "error", err)
			}
		}()
		defer func() {
			srvCancel()
			<-srvDone
		}()
	}

	store, err := objstore.New(ctx, objstore.Config{
		Logger:       log,
		Backend:      objstore.Backend(*storageBackendFlag),
		Bucket:       *bucketFlag,
		Region:       *regionFlag,
		Endpoint:     *storageEndpointFlag,
		AccessKey:    os.Getenv("TRIPLAKE_STORAGE_ACCESS_KEY"),
		SecretKey:    os.Getenv("TRIPLAKE_STORAGE_SECRET_KEY"),
		UsePathStyle: *storagePathStyleFlag,
		UseSSL:       *storageSSLFlag,
		LocalRoot:    *localRootFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	arch, err := archive.NewClient(archive.Config{
		Logger:            log,
		HTTPClient:        &http.Client{Timeout: *httpTimeoutFlag},
		RequestsPerSecond: *requestsPerSecondFlag,
		MaxBodyBytes:      *maxBodyBytesFlag,
		UserAgent:         "triplake/" + version,
	})
	if err != nil {
		return fmt.Errorf("failed to create archive client: %w", err)
	}

	cfg := pipeline.Config{
		Logger:  log,
		Store:   store,
		Archive: arch,
		Layout: fetcher.Layout{
			SourceURL:         *sourceURLFlag,
			DestinationFolder: *destinationFolderFlag,
			DatasetPrefix:     *datasetPrefixFlag,
		},
		WindowSize:            *windowSizeFlag,
		ReferenceTime:         referenceTime,
		IncludeReferenceMonth: *includeReferenceMonthFlag,
		ExistenceCheckFailure: checkPolicy,
		MaxConcurrency:        *maxConcurrencyFlag,
		MergedKey:             *mergedKeyFlag,
		SourceColumn:          *sourceColumnFlag,
		ConflictPolicy:        conflictPolicy,
	}

	if *clickhouseTableFlag != "" && stages.Merge {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-table")
		}
		chClient, err := clickhouse.NewClient(ctx, clickhouse.Config{
			Logger:   log,
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		defer chClient.Close()

		loader, err := warehouse.NewLoader(warehouse.Config{
			Logger:     log,
			ClickHouse: chClient,
			Table:      *clickhouseTableFlag,
			OrderBy:    *clickhouseOrderByFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create warehouse loader: %w", err)
		}
		cfg.Warehouse = loader
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	ready.Store(true)
	report, runErr := p.RunStages(ctx, stages)

	if *pushgatewayURLFlag != "" {
		// The run context may already be cancelled; the push gets its own deadline.
		if err := metrics.Push(context.WithoutCancel(ctx), *pushgatewayURLFlag, report.RunID); err != nil {
			log.Warn("failed to push metrics", "error", err)
		}
	}

	if runErr == nil && *failOnPeriodErrorFlag && report.Summary.HasFailures() {
		runErr = periodFailureError(report.Summary)
	}
	if runErr != nil {
		sentry.CaptureException(runErr)
		return runErr
	}
	return nil
}

// periodFailureError counts distinct periods; repeated periods in the window are left out.
func periodFailureError(s fetcher.Summary) error {
	return fmt.Errorf("%w: %d of %d periods", errPeriodFailures, len(s.Failed), s.Total-s.Duplicates)
}
