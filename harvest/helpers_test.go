package harvest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/researchaccelerator-hub/parcel-harvester/chunk"
	"github.com/researchaccelerator-hub/parcel-harvester/config"
	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memSink is an in-memory RecordSink
type memSink struct {
	mu        sync.Mutex
	existing  []string
	records   []model.Record
	flushes   int
	appendErr error
}

func (s *memSink) LoadIDs(ctx context.Context) ([]string, error) {
	return s.existing, nil
}

func (s *memSink) Append(ctx context.Context, records []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *memSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.ID)
	}
	sort.Strings(out)
	return out
}

// MockFetcher is a testify mock of client.Fetcher
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, point model.QueryPoint) model.Outcome {
	args := m.Called(ctx, point)
	return args.Get(0).(model.Outcome)
}

func record(t *testing.T, id string, extra string) model.Record {
	t.Helper()
	raw := fmt.Sprintf(`{"id":%q}`, id)
	if extra != "" {
		raw = fmt.Sprintf(`{"id":%q,%s}`, id, extra)
	}
	r, err := model.NewRecord([]byte(raw))
	require.NoError(t, err)
	return r
}

func validPoint(index int64) model.QueryPoint {
	return model.QueryPoint{Index: index, Lat: 30 + float64(index), Lon: 50 + float64(index), Valid: true}
}

// writePoints writes n rows named p<i> at lat 30+i, lon 50+i. Indices in
// blank get empty coordinates.
func writePoints(t *testing.T, dir string, n int, blank ...int) string {
	t.Helper()
	missing := map[int]bool{}
	for _, b := range blank {
		missing[b] = true
	}
	path := filepath.Join(dir, "points.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write([]string{"Name", "Lat", "Long"}))
	for i := 0; i < n; i++ {
		lat, lon := fmt.Sprint(30+i), fmt.Sprint(50+i)
		if missing[i] {
			lat, lon = "", ""
		}
		require.NoError(t, w.Write([]string{fmt.Sprintf("p%d", i), lat, lon}))
	}
	w.Flush()
	require.NoError(t, w.Error())
	require.NoError(t, f.Close())
	return path
}

func testConfig(dir, input string, chunkSize, maxPasses, threshold int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Input.Path = input
	cfg.Pipeline.ChunkSize = chunkSize
	cfg.Pipeline.MaxPasses = maxPasses
	cfg.Pipeline.FailureThreshold = threshold
	cfg.Pipeline.Concurrency = 4
	cfg.Failures.Dir = dir
	cfg.State.CheckpointPath = filepath.Join(dir, "checkpoint.txt")
	cfg.Sink.Path = filepath.Join(dir, "buildings.json")
	return cfg
}

func openSource(t *testing.T, cfg *config.Config) *chunk.Source {
	t.Helper()
	src, err := chunk.Open(cfg.Input.Path, chunk.Options{
		LatColumn: cfg.Input.LatColumn,
		LonColumn: cfg.Input.LonColumn,
		IDColumn:  cfg.Input.IDColumn,
		ChunkSize: cfg.Pipeline.ChunkSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

// readReport returns Name -> Failure Count from a failure CSV.
func readReport(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	require.Equal(t, "Failure Count", rows[0][len(rows[0])-1])
	out := map[string]string{}
	for _, row := range rows[1:] {
		out[row[0]] = row[len(row)-1]
	}
	return out
}
