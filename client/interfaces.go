package client

import (
	"context"

	"github.com/researchaccelerator-hub/parcel-harvester/model"
)

// Fetcher performs the remote lookup for a single query point.
//
// Implementations never return a Go error for per-point problems; every
// transport, status and decode problem is folded into a failure Outcome so a
// single bad point cannot abort a run. Fetch must not touch the dedup store
// or failure tracker.
type Fetcher interface {
	Fetch(ctx context.Context, point model.QueryPoint) model.Outcome
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, point model.QueryPoint) model.Outcome

// Fetch implements Fetcher
func (f FetcherFunc) Fetch(ctx context.Context, point model.QueryPoint) model.Outcome {
	return f(ctx, point)
}
