package harvest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/researchaccelerator-hub/parcel-harvester/chunk"
	"github.com/researchaccelerator-hub/parcel-harvester/client"
	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/researchaccelerator-hub/parcel-harvester/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errUpstream = fmt.Errorf("%w: status 500", model.ErrHTTPStatus)

func TestRunPassCorrelatesOutOfOrderCompletions(t *testing.T) {
	var points []model.QueryPoint
	for i := int64(0); i < 40; i++ {
		points = append(points, validPoint(i))
	}

	fetcher := client.FetcherFunc(func(ctx context.Context, p model.QueryPoint) model.Outcome {
		// later points finish first
		time.Sleep(time.Duration(40-p.Index) * time.Millisecond / 4)
		if p.Index%2 == 1 {
			return model.Failure(p.Index, errUpstream)
		}
		r, _ := model.NewRecord([]byte(fmt.Sprintf(`{"id":"b%d","lat":%v}`, p.Index, p.Lat)))
		return model.Success(p.Index, []model.Record{r})
	})

	sink := &memSink{}
	tracker := state.NewFailureTracker(3)
	d := NewDispatcher(fetcher, state.NewDedupStore(nil), tracker, sink, 8)

	res, err := d.RunPass(context.Background(), points)
	require.NoError(t, err)

	assert.Equal(t, 40, res.Stats.Attempted)
	assert.Equal(t, 20, res.Stats.Succeeded)
	assert.Equal(t, 20, res.Stats.Failed)
	assert.Equal(t, 20, res.Stats.NewRecords)
	require.Len(t, res.Remaining, 20)
	for i, p := range res.Remaining {
		assert.Equal(t, int64(2*i+1), p.Index)
		assert.Equal(t, 1, tracker.Count(p.Index))
	}
	for i := int64(0); i < 40; i += 2 {
		assert.Equal(t, 0, tracker.Count(i))
	}
	for _, r := range sink.records {
		var idx int64
		_, err := fmt.Sscanf(r.ID, "b%d", &idx)
		require.NoError(t, err)
		assert.Contains(t, string(r.Raw), fmt.Sprintf(`"lat":%v`, 30+idx))
	}
}

func TestRunPassRespectsConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	fetcher := client.FetcherFunc(func(ctx context.Context, p model.QueryPoint) model.Outcome {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(3)+1) * time.Millisecond)
		inFlight.Add(-1)
		return model.Success(p.Index, nil)
	})

	var points []model.QueryPoint
	for i := int64(0); i < 60; i++ {
		points = append(points, validPoint(i))
	}
	d := NewDispatcher(fetcher, state.NewDedupStore(nil), state.NewFailureTracker(3), &memSink{}, 3)
	res, err := d.RunPass(context.Background(), points)
	require.NoError(t, err)
	assert.Equal(t, 60, res.Stats.Empty)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunPassInvalidPointsNeverDispatched(t *testing.T) {
	fetcher := new(MockFetcher)
	fetcher.On("Fetch", mock.Anything, validPoint(1)).Return(model.Success(1, nil)).Once()

	tracker := state.NewFailureTracker(4)
	d := NewDispatcher(fetcher, state.NewDedupStore(nil), tracker, &memSink{}, 2)

	res, err := d.RunPass(context.Background(), []model.QueryPoint{{Index: 0}, validPoint(1)})
	require.NoError(t, err)

	fetcher.AssertExpectations(t)
	assert.Equal(t, 1, res.Stats.Invalid)
	assert.Equal(t, 1, res.Stats.Attempted)
	assert.Equal(t, []int64{0}, res.Failed)
	assert.Empty(t, res.Remaining)
	assert.True(t, tracker.IsPermanentlyFailed(0))
	assert.Equal(t, 4, tracker.Count(0))
}

func TestRunPassSkipsPermanentlyFailed(t *testing.T) {
	fetcher := new(MockFetcher)
	tracker := state.NewFailureTracker(2)
	tracker.MarkPermanent(5)

	d := NewDispatcher(fetcher, state.NewDedupStore(nil), tracker, &memSink{}, 2)
	res, err := d.RunPass(context.Background(), []model.QueryPoint{validPoint(5)})
	require.NoError(t, err)

	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	assert.Equal(t, 1, res.Stats.Skipped)
	assert.Equal(t, 0, res.Stats.Attempted)
}

func TestRunPassDeduplicatesAcrossPoints(t *testing.T) {
	fetcher := client.FetcherFunc(func(ctx context.Context, p model.QueryPoint) model.Outcome {
		r, _ := model.NewRecord([]byte(`{"id":"same-building"}`))
		own, _ := model.NewRecord([]byte(fmt.Sprintf(`{"id":"own-%d"}`, p.Index)))
		return model.Success(p.Index, []model.Record{r, own, r})
	})

	sink := &memSink{existing: []string{"own-2"}}
	dedup, err := state.LoadDedupStore(context.Background(), sink)
	require.NoError(t, err)
	d := NewDispatcher(fetcher, dedup, state.NewFailureTracker(3), sink, 4)

	res, err := d.RunPass(context.Background(), []model.QueryPoint{validPoint(0), validPoint(1), validPoint(2)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stats.NewRecords)
	assert.Equal(t, []string{"own-0", "own-1", "same-building"}, sink.ids())

	// replaying the same pass admits nothing
	res, err = d.RunPass(context.Background(), []model.QueryPoint{validPoint(0), validPoint(1), validPoint(2)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.NewRecords)
	assert.Len(t, sink.ids(), 3)
}

func TestRunPassEmptyIsNotFailure(t *testing.T) {
	fetcher := client.FetcherFunc(func(ctx context.Context, p model.QueryPoint) model.Outcome {
		return model.Success(p.Index, nil)
	})
	tracker := state.NewFailureTracker(3)
	sink := &memSink{}
	d := NewDispatcher(fetcher, state.NewDedupStore(nil), tracker, sink, 1)

	origin := model.QueryPoint{Index: 0, Lat: 0, Lon: 0, Valid: true}
	res, err := d.RunPass(context.Background(), []model.QueryPoint{origin})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Empty)
	assert.Equal(t, 0, res.Stats.Failed)
	assert.Equal(t, 0, res.Stats.NewRecords)
	assert.Empty(t, res.Remaining)
	assert.Equal(t, 0, tracker.Len())
	assert.Empty(t, sink.records)
}

func TestRunPassSinkErrorIsFatal(t *testing.T) {
	fetcher := client.FetcherFunc(func(ctx context.Context, p model.QueryPoint) model.Outcome {
		r, _ := model.NewRecord([]byte(fmt.Sprintf(`{"id":%d}`, p.Index)))
		return model.Success(p.Index, []model.Record{r})
	})
	sink := &memSink{appendErr: errors.New("disk full")}
	d := NewDispatcher(fetcher, state.NewDedupStore(nil), state.NewFailureTracker(3), sink, 2)

	_, err := d.RunPass(context.Background(), []model.QueryPoint{validPoint(0), validPoint(1), validPoint(2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunPassRejectsDuplicateIndex(t *testing.T) {
	var calls atomic.Int32
	fetcher := client.FetcherFunc(func(ctx context.Context, p model.QueryPoint) model.Outcome {
		calls.Add(1)
		return model.Success(p.Index, nil)
	})
	d := NewDispatcher(fetcher, state.NewDedupStore(nil), state.NewFailureTracker(3), &memSink{}, 2)
	_, err := d.RunPass(context.Background(), []model.QueryPoint{validPoint(1), validPoint(2), validPoint(1)})
	require.ErrorIs(t, err, chunk.ErrDuplicateIndex)
	assert.Equal(t, int32(0), calls.Load())
}
