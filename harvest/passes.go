package harvest

import (
	"context"

	"github.com/researchaccelerator-hub/parcel-harvester/model"
)

// PassLoopResult summarises the passes run over one set of points.
type PassLoopResult struct {
	Passes    int
	Stats     PassStats
	Remaining []model.QueryPoint
}

// Resolved reports whether every point ended up succeeded or permanently failed.
func (r PassLoopResult) Resolved() bool {
	return len(r.Remaining) == 0
}

// AfterPassFunc is called once per completed pass, before the next one starts.
type AfterPassFunc func(pass int, res PassResult) error

// RunPasses re-dispatches the points that are still retryable until a pass
// has no failures, nothing remains, or maxPasses is reached. A cancelled
// context stops the loop before afterPass sees the interrupted pass.
func RunPasses(ctx context.Context, d *Dispatcher, points []model.QueryPoint, maxPasses int, afterPass AfterPassFunc) (PassLoopResult, error) {
	var out PassLoopResult
	pending := points

	for pass := 1; pass <= maxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		res, err := d.RunPass(ctx, pending)
		if err != nil {
			return out, err
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		out.Passes = pass
		out.Stats.Add(res.Stats)
		out.Remaining = res.Remaining
		pending = res.Remaining

		if afterPass != nil {
			if err := afterPass(pass, res); err != nil {
				return out, err
			}
		}

		if res.Stats.Failed+res.Stats.Invalid == 0 || len(pending) == 0 {
			break
		}
	}
	return out, nil
}
