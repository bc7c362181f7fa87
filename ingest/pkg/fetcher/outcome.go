package fetcher

import (
	"log/slog"
	"time"

	"github.com/malbeclabs/triplake/ingest/pkg/period"
)

type Status string

const (
	StatusSkipped      Status = "skipped"
	StatusDownloaded   Status = "downloaded"
	StatusFetchFailed  Status = "fetch_failed"
	StatusUploadFailed Status = "upload_failed"
	StatusCheckFailed  Status = "check_failed"
)

func (s Status) Failed() bool {
	return s == StatusFetchFailed || s == StatusUploadFailed || s == StatusCheckFailed
}

// Outcome is the result of one period in a sync run. It is reported, never persisted.
type Outcome struct {
	Period period.Period
	URL    string
	Key    string
	Status Status

	// Bytes is the size of the uploaded file for downloaded periods.
	Bytes int64
	// StatusCode is the archive response code, zero when no response was received.
	StatusCode int
	// Duplicate marks a skip caused by the key appearing earlier in the same window.
	Duplicate bool
	// CheckErr is set when the existence check failed and the period was treated as
	// missing.
	CheckErr error
	Err      error
	Duration time.Duration
}

func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("period", o.Period.String()),
		slog.String("status", string(o.Status)),
		slog.String("key", o.Key),
	}
	if o.Bytes > 0 {
		attrs = append(attrs, slog.Int64("bytes", o.Bytes))
	}
	if o.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status_code", o.StatusCode))
	}
	if o.Duplicate {
		attrs = append(attrs, slog.Bool("duplicate", true))
	}
	if o.Err != nil {
		attrs = append(attrs, slog.String("error", o.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Summary is the run-level report of a sync. Each period is listed once: repeated
// periods are counted in Duplicates and ByStatus but not in the period lists.
type Summary struct {
	Total      int
	Duplicates int
	Downloaded []period.Period
	Skipped    []period.Period
	Failed     []period.Period
	Bytes      int64
	ByStatus   map[Status]int
}

func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes), ByStatus: map[Status]int{}}
	for _, o := range outcomes {
		s.ByStatus[o.Status]++
		if o.Duplicate {
			s.Duplicates++
			continue
		}
		switch {
		case o.Status == StatusDownloaded:
			s.Downloaded = append(s.Downloaded, o.Period)
			s.Bytes += o.Bytes
		case o.Status == StatusSkipped:
			s.Skipped = append(s.Skipped, o.Period)
		case o.Status.Failed():
			s.Failed = append(s.Failed, o.Period)
		}
	}
	return s
}

func (s Summary) HasFailures() bool {
	return len(s.Failed) > 0
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("total", s.Total),
		slog.Int("downloaded", len(s.Downloaded)),
		slog.Int("skipped", len(s.Skipped)),
		slog.Int("failed", len(s.Failed)),
		slog.Int("duplicates", s.Duplicates),
		slog.Int64("bytes", s.Bytes),
		slog.Any("failed_periods", periodStrings(s.Failed)),
	)
}

func periodStrings(ps []period.Period) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}
