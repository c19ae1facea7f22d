// Package harvest drives query points through the fetch, retry and resume
// pipeline.
package harvest

import (
	"context"
	"fmt"
	"sort"

	"github.com/researchaccelerator-hub/parcel-harvester/chunk"
	"github.com/researchaccelerator-hub/parcel-harvester/client"
	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/researchaccelerator-hub/parcel-harvester/sink"
	"github.com/researchaccelerator-hub/parcel-harvester/state"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PassStats are the counts produced by one or more passes.
type PassStats struct {
	Attempted  int `json:"attempted"`
	Succeeded  int `json:"succeeded"`
	Empty      int `json:"empty"`
	Failed     int `json:"failed"`
	Invalid    int `json:"invalid"`
	Skipped    int `json:"skipped"`
	NewRecords int `json:"new_records"`
}

// Add accumulates other into s.
func (s *PassStats) Add(other PassStats) {
	s.Attempted += other.Attempted
	s.Succeeded += other.Succeeded
	s.Empty += other.Empty
	s.Failed += other.Failed
	s.Invalid += other.Invalid
	s.Skipped += other.Skipped
	s.NewRecords += other.NewRecords
}

// PassResult is what one pass over a set of points produced.
type PassResult struct {
	Stats PassStats
	// Remaining are the points that failed this pass but are still below the
	// threshold, in index order.
	Remaining []model.QueryPoint
	// Failed lists every index that failed this pass, including points with
	// missing input.
	Failed []int64
}

// Dispatcher fans a set of points out to the fetcher and folds the
// completions into the dedup store, the failure tracker and the sink.
type Dispatcher struct {
	fetcher     client.Fetcher
	dedup       *state.DedupStore
	tracker     *state.FailureTracker
	sink        sink.RecordSink
	concurrency int
}

// NewDispatcher creates a dispatcher with at most concurrency fetches in flight.
func NewDispatcher(fetcher client.Fetcher, dedup *state.DedupStore, tracker *state.FailureTracker, recordSink sink.RecordSink, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		fetcher:     fetcher,
		dedup:       dedup,
		tracker:     tracker,
		sink:        recordSink,
		concurrency: concurrency,
	}
}

// RunPass fetches every eligible point once. Points without coordinates are
// marked permanently failed and never dispatched; points already permanently
// failed are skipped. The returned error is non-nil when points repeats an
// index, before anything is dispatched, or when the sink rejects an append.
func (d *Dispatcher) RunPass(ctx context.Context, points []model.QueryPoint) (PassResult, error) {
	var res PassResult

	byIndex := make(map[int64]model.QueryPoint, len(points))
	dispatch := make([]model.QueryPoint, 0, len(points))
	for _, p := range points {
		if _, dup := byIndex[p.Index]; dup {
			return res, fmt.Errorf("%w: %d", chunk.ErrDuplicateIndex, p.Index)
		}
		if d.tracker.IsPermanentlyFailed(p.Index) {
			res.Stats.Skipped++
			continue
		}
		if !p.Valid {
			d.tracker.MarkPermanent(p.Index)
			res.Stats.Invalid++
			res.Failed = append(res.Failed, p.Index)
			continue
		}
		byIndex[p.Index] = p
		dispatch = append(dispatch, p)
	}
	if len(dispatch) == 0 {
		return res, nil
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan model.Outcome, d.concurrency)
	go func() {
		g, gctx := errgroup.WithContext(fetchCtx)
		g.SetLimit(d.concurrency)
		for _, p := range dispatch {
			p := p
			g.Go(func() error {
				outcomes <- d.fetcher.Fetch(gctx, p)
				return nil
			})
		}
		_ = g.Wait()
		close(outcomes)
	}()

	var sinkErr error
	for out := range outcomes {
		p, ok := byIndex[out.Index]
		if !ok {
			log.Error().Int64("index", out.Index).Msg("Completion for unknown point index, ignoring")
			continue
		}
		delete(byIndex, out.Index)
		res.Stats.Attempted++

		if sinkErr != nil {
			continue
		}
		if err := d.complete(ctx, p, out, &res); err != nil {
			sinkErr = err
			cancel()
		}
	}
	if sinkErr != nil {
		return res, sinkErr
	}

	sort.Slice(res.Remaining, func(i, j int) bool { return res.Remaining[i].Index < res.Remaining[j].Index })
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i] < res.Failed[j] })
	return res, nil
}

func (d *Dispatcher) complete(ctx context.Context, p model.QueryPoint, out model.Outcome, res *PassResult) error {
	if !out.Succeeded() {
		count := d.tracker.RecordOutcome(out)
		res.Stats.Failed++
		res.Failed = append(res.Failed, p.Index)
		if count < d.tracker.Threshold() {
			res.Remaining = append(res.Remaining, p)
		}
		log.Debug().
			Int64("index", p.Index).
			Int("failure_count", count).
			Int("attempts", out.Attempts).
			Str("reason", out.Reason()).
			Msg("Point failed")
		return nil
	}

	if out.Kind == model.OutcomeEmpty {
		res.Stats.Empty++
	} else {
		res.Stats.Succeeded++
	}

	admitted := d.dedup.Admit(out.Records)
	if len(admitted) > 0 {
		if err := d.sink.Append(ctx, admitted); err != nil {
			return fmt.Errorf("failed to append records for point %d: %w", p.Index, err)
		}
		res.Stats.NewRecords += len(admitted)
	}
	d.tracker.RecordOutcome(out)
	return nil
}
