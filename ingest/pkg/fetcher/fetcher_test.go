package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/triplake/ingest/pkg/archive"
	"github.com/malbeclabs/triplake/ingest/pkg/period"
	triplaketesting "github.com/malbeclabs/triplake/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockStorage struct {
	mu         sync.Mutex
	objects    map[string][]byte
	existsCall []string
	putCall    []string

	existsFunc func(key string) (bool, error)
	putFunc    func(key string, data []byte) error
}

func newMockStorage() *mockStorage {
	return &mockStorage{objects: map[string][]byte{}}
}

func (m *mockStorage) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	m.existsCall = append(m.existsCall, key)
	fn := m.existsFunc
	_, ok := m.objects[key]
	m.mu.Unlock()
	if fn != nil {
		return fn(key)
	}
	return ok, nil
}

func (m *mockStorage) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	m.putCall = append(m.putCall, key)
	fn := m.putFunc
	m.mu.Unlock()
	if fn != nil {
		if err := fn(key, data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *mockStorage) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type mockArchive struct {
	mu    sync.Mutex
	calls []string

	getFunc func(ctx context.Context, url string) (*archive.Response, error)
}

func (m *mockArchive) Get(ctx context.Context, url string) (*archive.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, url)
	m.mu.Unlock()
	if m.getFunc != nil {
		return m.getFunc(ctx, url)
	}
	body := []byte("parquet:" + url)
	return &archive.Response{StatusCode: http.StatusOK, Body: body, ContentLength: int64(len(body))}, nil
}

func (m *mockArchive) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var testLayout = Layout{
	SourceURL:         "https://archive.test/trip-data/green_tripdata_",
	DestinationFolder: "Green_Taxi_Trip_Data",
	DatasetPrefix:     "green_tripdata",
}

var sept7 = time.Date(2025, time.September, 7, 0, 0, 0, 0, time.UTC)

func newTestFetcher(t *testing.T, storage Storage, arch Archive, mutate ...func(*Config)) *Fetcher {
	t.Helper()
	cfg := Config{
		Logger:  triplaketesting.NewLogger(),
		Clock:   clockwork.NewFakeClockAt(sept7),
		Storage: storage,
		Archive: arch,
		Layout:  testLayout,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func statuses(outcomes []Outcome) []Status {
	out := make([]Status, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Status
	}
	return out
}

func TestTriplake_Fetcher_New(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "missing logger", cfg: Config{Storage: newMockStorage(), Archive: &mockArchive{}, Layout: testLayout}, want: "logger is required"},
		{name: "missing storage", cfg: Config{Logger: triplaketesting.NewLogger(), Archive: &mockArchive{}, Layout: testLayout}, want: "storage is required"},
		{name: "missing archive", cfg: Config{Logger: triplaketesting.NewLogger(), Storage: newMockStorage(), Layout: testLayout}, want: "archive is required"},
		{name: "invalid layout", cfg: Config{Logger: triplaketesting.NewLogger(), Storage: newMockStorage(), Archive: &mockArchive{}}, want: "invalid layout"},
		{name: "invalid policy", cfg: Config{Logger: triplaketesting.NewLogger(), Storage: newMockStorage(), Archive: &mockArchive{}, Layout: testLayout, ExistenceCheckFailure: 7}, want: "invalid existence check failure policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := New(tt.cfg)
			require.Error(t, err)
			require.Nil(t, f)
			require.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		f, err := New(Config{Logger: triplaketesting.NewLogger(), Storage: newMockStorage(), Archive: &mockArchive{}, Layout: testLayout})
		require.NoError(t, err)
		require.NotNil(t, f.cfg.Clock)
		require.Equal(t, 1, f.cfg.MaxConcurrency)
		require.Equal(t, TreatAsMissing, f.cfg.ExistenceCheckFailure)
	})
}

func TestTriplake_Fetcher_SyncWindow(t *testing.T) {
	t.Parallel()

	t.Run("empty store downloads every period", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		arch := &mockArchive{}
		f := newTestFetcher(t, storage, arch)

		outcomes, err := f.SyncWindow(context.Background(), 3, sept7)
		require.NoError(t, err)
		require.Equal(t, []Status{StatusDownloaded, StatusDownloaded, StatusDownloaded}, statuses(outcomes))
		require.Equal(t, []string{
			"https://archive.test/trip-data/green_tripdata_2025-08.parquet",
			"https://archive.test/trip-data/green_tripdata_2025-07.parquet",
			"https://archive.test/trip-data/green_tripdata_2025-06.parquet",
		}, arch.calls)
		require.Equal(t, []string{
			"Green_Taxi_Trip_Data/green_tripdata_2025-06.parquet",
			"Green_Taxi_Trip_Data/green_tripdata_2025-07.parquet",
			"Green_Taxi_Trip_Data/green_tripdata_2025-08.parquet",
		}, storage.keys())

		body := storage.objects["Green_Taxi_Trip_Data/green_tripdata_2025-08.parquet"]
		require.Equal(t, []byte("parquet:https://archive.test/trip-data/green_tripdata_2025-08.parquet"), body)
		require.Equal(t, int64(len(body)), outcomes[0].Bytes)
		require.Equal(t, http.StatusOK, outcomes[0].StatusCode)
	})

	t.Run("second run is idempotent", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		arch := &mockArchive{}
		f := newTestFetcher(t, storage, arch)

		_, err := f.SyncWindow(context.Background(), 12, sept7)
		require.NoError(t, err)
		firstCalls := arch.callCount()
		firstPuts := len(storage.putCall)

		outcomes, err := f.SyncWindow(context.Background(), 12, sept7)
		require.NoError(t, err)
		require.Len(t, outcomes, 12)
		for _, o := range outcomes {
			require.Equal(t, StatusSkipped, o.Status)
		}
		require.Equal(t, firstCalls, arch.callCount())
		require.Equal(t, firstPuts, len(storage.putCall))
	})

	t.Run("zero reference time uses the clock", func(t *testing.T) {
		t.Parallel()
		arch := &mockArchive{}
		f := newTestFetcher(t, newMockStorage(), arch)

		outcomes, err := f.SyncWindow(context.Background(), 1, time.Time{})
		require.NoError(t, err)
		require.Equal(t, period.Period{Year: 2025, Month: time.August}, outcomes[0].Period)
	})

	t.Run("existing periods are skipped without fetching", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		storage.objects["Green_Taxi_Trip_Data/green_tripdata_2025-07.parquet"] = []byte("old")
		arch := &mockArchive{}
		f := newTestFetcher(t, storage, arch)

		outcomes, err := f.SyncWindow(context.Background(), 3, sept7)
		require.NoError(t, err)
		require.Equal(t, []Status{StatusDownloaded, StatusSkipped, StatusDownloaded}, statuses(outcomes))
		require.Equal(t, 2, arch.callCount())
		require.Equal(t, []byte("old"), storage.objects["Green_Taxi_Trip_Data/green_tripdata_2025-07.parquet"])
	})

	t.Run("non-success status is a reported failure and the run continues", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		arch := &mockArchive{getFunc: func(ctx context.Context, url string) (*archive.Response, error) {
			if url == "https://archive.test/trip-data/green_tripdata_2025-08.parquet" {
				return &archive.Response{StatusCode: http.StatusForbidden}, nil
			}
			return &archive.Response{StatusCode: http.StatusOK, Body: []byte("x")}, nil
		}}
		f := newTestFetcher(t, storage, arch)

		outcomes, err := f.SyncWindow(context.Background(), 3, sept7)
		require.NoError(t, err)
		require.Equal(t, []Status{StatusFetchFailed, StatusDownloaded, StatusDownloaded}, statuses(outcomes))
		require.Equal(t, http.StatusForbidden, outcomes[0].StatusCode)
		require.ErrorContains(t, outcomes[0].Err, "status 403")
		require.Len(t, storage.keys(), 2)
		require.Equal(t, 3, arch.callCount(), "no fetch is retried")
	})

	t.Run("transport error is a fetch failure", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("dial tcp: connection refused")
		arch := &mockArchive{getFunc: func(ctx context.Context, url string) (*archive.Response, error) {
			return nil, boom
		}}
		f := newTestFetcher(t, newMockStorage(), arch)

		outcomes, err := f.SyncWindow(context.Background(), 2, sept7)
		require.NoError(t, err)
		require.Equal(t, []Status{StatusFetchFailed, StatusFetchFailed}, statuses(outcomes))
		require.ErrorIs(t, outcomes[0].Err, boom)
		require.Zero(t, outcomes[0].StatusCode)
	})

	t.Run("upload failure does not stop remaining periods", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		boom := errors.New("write failed")
		storage.putFunc = func(key string, data []byte) error {
			if key == "Green_Taxi_Trip_Data/green_tripdata_2025-07.parquet" {
				return boom
			}
			return nil
		}
		f := newTestFetcher(t, storage, &mockArchive{})

		outcomes, err := f.SyncWindow(context.Background(), 3, sept7)
		require.NoError(t, err)
		require.Equal(t, []Status{StatusDownloaded, StatusUploadFailed, StatusDownloaded}, statuses(outcomes))
		require.ErrorIs(t, outcomes[1].Err, boom)
		require.Equal(t, []string{
			"Green_Taxi_Trip_Data/green_tripdata_2025-06.parquet",
			"Green_Taxi_Trip_Data/green_tripdata_2025-08.parquet",
		}, storage.keys())
	})

	t.Run("failed existence check is treated as missing by default", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		denied := errors.New("access denied")
		storage.existsFunc = func(key string) (bool, error) { return false, denied }
		f := newTestFetcher(t, storage, &mockArchive{})

		outcomes, err := f.SyncWindow(context.Background(), 2, sept7)
		require.NoError(t, err)
		require.Equal(t, []Status{StatusDownloaded, StatusDownloaded}, statuses(outcomes))
		require.ErrorIs(t, outcomes[0].CheckErr, denied)
		require.Len(t, storage.keys(), 2)
	})

	t.Run("failed existence check aborts when configured", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		denied := errors.New("access denied")
		storage.existsFunc = func(key string) (bool, error) {
			if key == "Green_Taxi_Trip_Data/green_tripdata_2025-07.parquet" {
				return false, denied
			}
			return false, nil
		}
		arch := &mockArchive{}
		f := newTestFetcher(t, storage, arch, func(cfg *Config) {
			cfg.ExistenceCheckFailure = Abort
		})

		outcomes, err := f.SyncWindow(context.Background(), 3, sept7)
		require.ErrorIs(t, err, ErrExistenceCheck)
		require.ErrorIs(t, err, denied)
		require.Equal(t, []Status{StatusDownloaded, StatusCheckFailed}, statuses(outcomes))
		require.Equal(t, 1, arch.callCount())
		require.Equal(t, []string{"Green_Taxi_Trip_Data/green_tripdata_2025-08.parquet"}, storage.keys())
	})

	t.Run("repeated period in window is skipped as duplicate", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		arch := &mockArchive{}
		f := newTestFetcher(t, storage, arch)

		// From 2025-03-01 the 30 day steps land on Jan, Dec, Dec.
		ref := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
		outcomes, err := f.SyncWindow(context.Background(), 3, ref)
		require.NoError(t, err)
		require.Equal(t, []Status{StatusDownloaded, StatusDownloaded, StatusSkipped}, statuses(outcomes))
		require.True(t, outcomes[2].Duplicate)
		require.Equal(t, outcomes[1].Key, outcomes[2].Key)
		require.Equal(t, 2, arch.callCount())
		require.Len(t, storage.existsCall, 2)

		s := Summarize(outcomes)
		require.Equal(t, 1, s.Duplicates)
		require.Len(t, s.Downloaded, 2)
		require.Empty(t, s.Skipped)
	})

	t.Run("repeated period inherits the failure of its first occurrence", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		dec := "https://archive.test/trip-data/green_tripdata_2024-12.parquet"
		arch := &mockArchive{}
		arch.getFunc = func(ctx context.Context, url string) (*archive.Response, error) {
			if url == dec {
				return &archive.Response{StatusCode: http.StatusNotFound}, nil
			}
			return &archive.Response{StatusCode: http.StatusOK, Body: []byte("x")}, nil
		}
		f := newTestFetcher(t, storage, arch)

		ref := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
		outcomes, err := f.SyncWindow(context.Background(), 3, ref)
		require.NoError(t, err)
		require.Equal(t, []Status{StatusDownloaded, StatusFetchFailed, StatusFetchFailed}, statuses(outcomes))
		require.True(t, outcomes[2].Duplicate)
		require.Equal(t, http.StatusNotFound, outcomes[2].StatusCode)
		require.Error(t, outcomes[2].Err)
		require.Equal(t, 2, arch.callCount())
		require.Equal(t, []string{"Green_Taxi_Trip_Data/green_tripdata_2025-01.parquet"}, storage.keys())

		dec24 := period.Period{Year: 2024, Month: time.December}
		s := Summarize(outcomes)
		require.Equal(t, []period.Period{dec24}, s.Failed)
		require.Empty(t, s.Skipped)
		require.Equal(t, 1, s.Duplicates)
		require.Equal(t, 2, s.ByStatus[StatusFetchFailed])
		require.True(t, s.HasFailures())
	})

	t.Run("cancellation stops between periods", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		ctx, cancel := context.WithCancel(context.Background())
		arch := &mockArchive{}
		arch.getFunc = func(c context.Context, url string) (*archive.Response, error) {
			if arch.callCount() == 2 {
				cancel()
			}
			// The in-flight period finishes even though the run was cancelled.
			require.NoError(t, c.Err())
			return &archive.Response{StatusCode: http.StatusOK, Body: []byte("x")}, nil
		}
		f := newTestFetcher(t, storage, arch)

		outcomes, err := f.SyncWindow(ctx, 6, sept7)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, []Status{StatusDownloaded, StatusDownloaded}, statuses(outcomes))
		require.Len(t, storage.keys(), 2)
	})

	t.Run("concurrent periods keep window order", func(t *testing.T) {
		t.Parallel()
		storage := newMockStorage()
		arch := &mockArchive{getFunc: func(ctx context.Context, url string) (*archive.Response, error) {
			time.Sleep(5 * time.Millisecond)
			return &archive.Response{StatusCode: http.StatusOK, Body: []byte(url)}, nil
		}}
		f := newTestFetcher(t, storage, arch, func(cfg *Config) {
			cfg.MaxConcurrency = 4
		})

		outcomes, err := f.SyncWindow(context.Background(), 12, sept7)
		require.NoError(t, err)
		require.Len(t, outcomes, 12)
		for i := 1; i < len(outcomes); i++ {
			require.False(t, outcomes[i-1].Period.Before(outcomes[i].Period))
		}
		require.Len(t, storage.keys(), 12)
	})

	t.Run("invalid window size", func(t *testing.T) {
		t.Parallel()
		f := newTestFetcher(t, newMockStorage(), &mockArchive{})
		_, err := f.SyncWindow(context.Background(), 0, sept7)
		require.ErrorIs(t, err, period.ErrInvalidWindow)
	})
}

func TestTriplake_Fetcher_Summarize(t *testing.T) {
	t.Parallel()

	aug := period.Period{Year: 2025, Month: time.August}
	jul := period.Period{Year: 2025, Month: time.July}
	jun := period.Period{Year: 2025, Month: time.June}
	may := period.Period{Year: 2025, Month: time.May}

	s := Summarize([]Outcome{
		{Period: aug, Status: StatusDownloaded, Bytes: 10},
		{Period: jul, Status: StatusSkipped},
		{Period: jun, Status: StatusFetchFailed},
		{Period: may, Status: StatusUploadFailed},
		{Period: may, Status: StatusUploadFailed, Duplicate: true},
	})
	require.Equal(t, 5, s.Total)
	require.Equal(t, 1, s.Duplicates)
	require.Equal(t, []period.Period{aug}, s.Downloaded)
	require.Equal(t, []period.Period{jul}, s.Skipped)
	require.Equal(t, []period.Period{jun, may}, s.Failed)
	require.Equal(t, int64(10), s.Bytes)
	require.True(t, s.HasFailures())
	require.Equal(t, 2, s.ByStatus[StatusUploadFailed])

	require.False(t, Summarize(nil).HasFailures())
}

func TestTriplake_Fetcher_ParseCheckFailurePolicy(t *testing.T) {
	t.Parallel()

	for _, p := range []CheckFailurePolicy{TreatAsMissing, Abort} {
		got, err := ParseCheckFailurePolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	got, err := ParseCheckFailurePolicy("")
	require.NoError(t, err)
	require.Equal(t, TreatAsMissing, got)
	_, err = ParseCheckFailurePolicy("retry")
	require.Error(t, err)
}
