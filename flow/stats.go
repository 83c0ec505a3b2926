package flow

import (
	"slices"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// PassStat records one run of a pass: on a function for function passes, on the whole module
// (empty Function) for module passes.
type PassStat struct {
	// PassIndex is the position of the pass in the pipeline.
	PassIndex     int64  `parquet:"pass_index"`
	Pass          string `parquet:"pass,dict"`
	Function      string `parquet:"function,dict"`
	DurationNanos int64  `parquet:"duration_nanos"`
	OpsBefore     int64  `parquet:"ops_before"`
	OpsAfter      int64  `parquet:"ops_after"`
	Failed        bool   `parquet:"failed"`
}

// Duration of the pass run.
func (s PassStat) Duration() time.Duration { return time.Duration(s.DurationNanos) }

// Stats accumulates PassStat records. It is safe for concurrent use.
type Stats struct {
	mu      sync.Mutex
	records []PassStat
}

// Add records a pass run.
func (s *Stats) Add(stat PassStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, stat)
}

// Records returns the pass runs recorded, ordered by pass index and function name.
func (s *Stats) Records() []PassStat {
	s.mu.Lock()
	records := slices.Clone(s.records)
	s.mu.Unlock()
	slices.SortStableFunc(records, func(a, b PassStat) int {
		if a.PassIndex != b.PassIndex {
			return int(a.PassIndex - b.PassIndex)
		}
		switch {
		case a.Function < b.Function:
			return -1
		case a.Function > b.Function:
			return 1
		}
		return 0
	})
	return records
}

// TotalDuration returns the time spent in each pass, summed over functions.
func (s *Stats) TotalDuration() map[string]time.Duration {
	totals := make(map[string]time.Duration)
	for _, r := range s.Records() {
		totals[r.Pass] += r.Duration()
	}
	return totals
}

// WriteParquet writes the records to a parquet file.
func (s *Stats) WriteParquet(path string) error {
	if err := parquet.WriteFile(path, s.Records()); err != nil {
		return errors.Wrapf(err, "failed to write pass statistics to %s", path)
	}
	return nil
}

// ReadStatsParquet reads pass statistics written by Stats.WriteParquet.
func ReadStatsParquet(path string) ([]PassStat, error) {
	records, err := parquet.ReadFile[PassStat](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pass statistics from %s", path)
	}
	return records, nil
}
