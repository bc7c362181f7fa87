package fetcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/triplake/ingest/pkg/period"
)

// Layout derives the archive URL and the storage key of a period. Both are pure
// functions of the period and the layout; storage keys must stay stable across runs for
// the existence check to deduplicate.
type Layout struct {
	// SourceURL is either a template containing {year} and {month} placeholders, or a
	// base URL to which "{year}-{month}.parquet" is appended.
	SourceURL         string
	DestinationFolder string
	DatasetPrefix     string
}

func (l Layout) Validate() error {
	if l.SourceURL == "" {
		return errors.New("source url is required")
	}
	if l.DatasetPrefix == "" {
		return errors.New("dataset prefix is required")
	}
	return nil
}

func (l Layout) SourceURLFor(p period.Period) string {
	year := fmt.Sprintf("%04d", p.Year)
	month := fmt.Sprintf("%02d", int(p.Month))
	if strings.Contains(l.SourceURL, "{year}") || strings.Contains(l.SourceURL, "{month}") {
		return strings.NewReplacer("{year}", year, "{month}", month).Replace(l.SourceURL)
	}
	return l.SourceURL + year + "-" + month + ".parquet"
}

// StorageKey returns {folder}/{prefix}_{YYYY}-{MM}.parquet.
func (l Layout) StorageKey(p period.Period) string {
	return l.KeyPrefix() + p.String() + ".parquet"
}

// KeyPrefix is the common prefix of every period key, used to list stored periods.
func (l Layout) KeyPrefix() string {
	folder := strings.Trim(l.DestinationFolder, "/")
	if folder == "" {
		return l.DatasetPrefix + "_"
	}
	return folder + "/" + l.DatasetPrefix + "_"
}

// ParseStorageKey reports the period encoded in a key produced by StorageKey.
func (l Layout) ParseStorageKey(key string) (period.Period, bool) {
	rest, ok := strings.CutPrefix(key, l.KeyPrefix())
	if !ok {
		return period.Period{}, false
	}
	rest, ok = strings.CutSuffix(rest, ".parquet")
	if !ok || len(rest) != len("2006-01") || rest[4] != '-' {
		return period.Period{}, false
	}
	var year, month int
	if _, err := fmt.Sscanf(rest, "%04d-%02d", &year, &month); err != nil || month < 1 || month > 12 {
		return period.Period{}, false
	}
	p := period.Period{Year: year, Month: time.Month(month)}
	if l.StorageKey(p) != key {
		return period.Period{}, false
	}
	return p, true
}
