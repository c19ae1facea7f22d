package harvest

import (
	"context"
	"fmt"

	"github.com/researchaccelerator-hub/parcel-harvester/model"
)

// RecoveryDecider decides whether the permanently failed points get another
// chance at the end of a run.
type RecoveryDecider interface {
	ShouldRecover(ctx context.Context, permanent int) (bool, error)
}

// StaticDecider answers every question with the same value.
type StaticDecider bool

// ShouldRecover implements RecoveryDecider
func (s StaticDecider) ShouldRecover(ctx context.Context, permanent int) (bool, error) {
	return bool(s), nil
}

// DeciderFunc adapts a function to RecoveryDecider.
type DeciderFunc func(ctx context.Context, permanent int) (bool, error)

// ShouldRecover implements RecoveryDecider
func (f DeciderFunc) ShouldRecover(ctx context.Context, permanent int) (bool, error) {
	return f(ctx, permanent)
}

// RecoveryStats describes one recovery sweep.
type RecoveryStats struct {
	Attempted    bool      `json:"attempted"`
	Candidates   int       `json:"candidates"`
	Passes       int       `json:"passes"`
	Recovered    int       `json:"recovered"`
	StillFailing int       `json:"still_failing"`
	Stats        PassStats `json:"stats"`
}

// Recover re-runs every permanently failed point from a zero failure count
// for the configured number of recovery passes, if the decider agrees.
func (r *Runner) Recover(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats

	permanent := r.tracker.Permanent()
	stats.Candidates = len(permanent)
	if len(permanent) == 0 {
		return stats, nil
	}

	ok, err := r.decider.ShouldRecover(ctx, len(permanent))
	if err != nil {
		return stats, fmt.Errorf("recovery decision failed: %w", err)
	}
	if !ok {
		r.logger.Info().Int("permanently_failed", len(permanent)).Msg("Skipping recovery sweep")
		return stats, nil
	}

	rows, err := r.source.Lookup(ctx, permanent)
	if err != nil {
		return stats, fmt.Errorf("failed to look up permanently failed rows: %w", err)
	}

	// Indices missing from the input keep their count and stay in the report.
	found := make([]int64, 0, len(rows))
	points := make([]model.QueryPoint, 0, len(rows))
	for _, row := range rows {
		found = append(found, row.Index)
		points = append(points, r.source.Point(row))
	}
	r.tracker.Reset(found)

	r.logger.Info().
		Int("candidates", len(points)).
		Int("passes", r.cfg.Recovery.Passes).
		Msg("Starting recovery sweep")

	result, err := RunPasses(ctx, r.dispatcher, points, r.cfg.Recovery.Passes, func(pass int, res PassResult) error {
		r.logger.Info().
			Int("recovery_pass", pass).
			Int("attempted", res.Stats.Attempted).
			Int("succeeded", res.Stats.Succeeded).
			Int("empty", res.Stats.Empty).
			Int("failed", res.Stats.Failed).
			Int("new_records", res.Stats.NewRecords).
			Msg("Recovery pass complete")
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("recovery sweep: %w", err)
	}
	if err := r.sink.Flush(ctx); err != nil {
		return stats, fmt.Errorf("failed to flush sink after recovery: %w", err)
	}

	stats.Attempted = true
	stats.Passes = result.Passes
	stats.Stats = result.Stats
	for _, idx := range permanent {
		if r.tracker.Count(idx) == 0 {
			stats.Recovered++
		} else {
			stats.StillFailing++
		}
	}

	r.logger.Info().
		Int("recovered", stats.Recovered).
		Int("still_failing", stats.StillFailing).
		Msg("Recovery sweep complete")
	return stats, nil
}
