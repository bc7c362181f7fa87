package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTriplake_Period_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "2025-08", Period{Year: 2025, Month: time.August}.String())
	require.Equal(t, "0999-12", Period{Year: 999, Month: time.December}.String())
}

func TestTriplake_Period_Compare(t *testing.T) {
	t.Parallel()

	jun := Period{Year: 2025, Month: time.June}
	aug := Period{Year: 2025, Month: time.August}
	dec := Period{Year: 2024, Month: time.December}

	require.Equal(t, -1, jun.Compare(aug))
	require.Equal(t, 1, aug.Compare(jun))
	require.Equal(t, 0, aug.Compare(aug))
	require.True(t, dec.Before(jun))
	require.False(t, jun.Before(dec))
	require.Equal(t, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), jun.Start())
}

func TestTriplake_Period_Window(t *testing.T) {
	t.Parallel()

	t.Run("periods immediately preceding the reference month", func(t *testing.T) {
		t.Parallel()
		ref := time.Date(2025, time.September, 7, 15, 30, 0, 0, time.UTC)
		got, err := Window(ref, 3, WindowOptions{})
		require.NoError(t, err)
		require.Equal(t, []Period{
			{Year: 2025, Month: time.August},
			{Year: 2025, Month: time.July},
			{Year: 2025, Month: time.June},
		}, got)
	})

	t.Run("include reference month", func(t *testing.T) {
		t.Parallel()
		ref := time.Date(2025, time.September, 7, 0, 0, 0, 0, time.UTC)
		got, err := Window(ref, 2, WindowOptions{IncludeReferenceMonth: true})
		require.NoError(t, err)
		require.Equal(t, []Period{
			{Year: 2025, Month: time.September},
			{Year: 2025, Month: time.August},
		}, got)
	})

	t.Run("crosses year boundary", func(t *testing.T) {
		t.Parallel()
		ref := time.Date(2025, time.February, 14, 0, 0, 0, 0, time.UTC)
		got, err := Window(ref, 3, WindowOptions{})
		require.NoError(t, err)
		require.Equal(t, []Period{
			{Year: 2025, Month: time.January},
			{Year: 2024, Month: time.December},
			{Year: 2024, Month: time.November},
		}, got)
	})

	t.Run("thirty day steps can repeat a month", func(t *testing.T) {
		t.Parallel()
		// 2025-03-01 minus 30 days is 2025-01-30, minus 60 is 2024-12-31, minus 90 is 2024-12-01.
		ref := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
		got, err := Window(ref, 12, WindowOptions{})
		require.NoError(t, err)
		require.Len(t, got, 12)
		require.Equal(t, Period{Year: 2025, Month: time.January}, got[0])
		require.Equal(t, Period{Year: 2024, Month: time.December}, got[1])
		require.Equal(t, Period{Year: 2024, Month: time.December}, got[2])

		seen := map[Period]struct{}{}
		for _, p := range got {
			seen[p] = struct{}{}
		}
		require.Less(t, len(seen), 12)
	})

	t.Run("exactly size entries non-increasing", func(t *testing.T) {
		t.Parallel()
		start := time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)
		for d := 0; d < 800; d += 7 {
			ref := start.AddDate(0, 0, d)
			for _, size := range []int{1, 3, 12, 36} {
				got, err := Window(ref, size, WindowOptions{})
				require.NoError(t, err)
				require.Len(t, got, size)
				for i := 1; i < len(got); i++ {
					require.False(t, got[i-1].Before(got[i]), "ref=%s i=%d", ref, i)
				}
				require.True(t, got[0].Before(Of(ref)))
			}
		}
	})

	t.Run("reference location is ignored beyond its calendar month", func(t *testing.T) {
		t.Parallel()
		loc := time.FixedZone("UTC-5", -5*3600)
		ref := time.Date(2025, time.September, 30, 22, 0, 0, 0, loc)
		got, err := Window(ref, 1, WindowOptions{})
		require.NoError(t, err)
		require.Equal(t, []Period{{Year: 2025, Month: time.August}}, got)
	})

	t.Run("invalid size", func(t *testing.T) {
		t.Parallel()
		for _, size := range []int{0, -1} {
			_, err := Window(time.Now(), size, WindowOptions{})
			require.ErrorIs(t, err, ErrInvalidWindow)
		}
	})
}
