package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/researchaccelerator-hub/parcel-harvester/chunk"
	"github.com/researchaccelerator-hub/parcel-harvester/client"
	"github.com/researchaccelerator-hub/parcel-harvester/config"
	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/researchaccelerator-hub/parcel-harvester/sink"
	"github.com/researchaccelerator-hub/parcel-harvester/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PointSource is the ordered, chunked input the runner consumes.
type PointSource interface {
	Header() []string
	Next(ctx context.Context) (*chunk.Chunk, error)
	Skip(ctx context.Context, n int) (int, error)
	Points(c *chunk.Chunk) []model.QueryPoint
	Point(row chunk.Row) model.QueryPoint
	Lookup(ctx context.Context, indices []int64) ([]chunk.Row, error)
}

// ResumeFromCheckpoint tells Run to derive the start chunk from the checkpoint.
const ResumeFromCheckpoint = -1

// Summary describes a finished run. PermanentlyFailed counts the points at
// the threshold once every chunk is done, before a recovery sweep resets
// them; StillFailing counts the rows of the final report.
type Summary struct {
	RunID             string         `json:"run_id"`
	StartChunk        int            `json:"start_chunk"`
	ChunksProcessed   int            `json:"chunks_processed"`
	ChunksUnresolved  int            `json:"chunks_unresolved"`
	Checkpoint        int            `json:"checkpoint"`
	Stats             PassStats      `json:"stats"`
	Recovery          *RecoveryStats `json:"recovery,omitempty"`
	RestoredFailures  int            `json:"restored_failures"`
	KnownRecords      int            `json:"known_records"`
	PermanentlyFailed int            `json:"permanently_failed"`
	StillFailing      int            `json:"still_failing"`
	FinalReport       string         `json:"final_report"`
	Duration          time.Duration  `json:"duration"`
}

// Runner is the chunk loop: it walks the source chunk by chunk, runs the
// pass loop on each, writes per-pass failure reports, flushes the sink and
// advances the checkpoint, then hands over to the recovery sweep.
type Runner struct {
	cfg         *config.Config
	runID       string
	source      PointSource
	sink        sink.RecordSink
	checkpoints state.CheckpointStore
	decider     RecoveryDecider
	dedup       *state.DedupStore
	tracker     *state.FailureTracker
	dispatcher  *Dispatcher
	logger      zerolog.Logger
}

// NewRunner wires the pipeline and rebuilds the dedup store from the sink.
func NewRunner(ctx context.Context, cfg *config.Config, runID string, source PointSource, fetcher client.Fetcher, recordSink sink.RecordSink, checkpoints state.CheckpointStore, decider RecoveryDecider) (*Runner, error) {
	dedup, err := state.LoadDedupStore(ctx, recordSink)
	if err != nil {
		return nil, err
	}
	if decider == nil {
		decider = StaticDecider(cfg.Recovery.Enabled)
	}
	tracker := state.NewFailureTracker(cfg.Pipeline.FailureThreshold)

	return &Runner{
		cfg:         cfg,
		runID:       runID,
		source:      source,
		sink:        recordSink,
		checkpoints: checkpoints,
		decider:     decider,
		dedup:       dedup,
		tracker:     tracker,
		dispatcher:  NewDispatcher(fetcher, dedup, tracker, recordSink, cfg.Pipeline.Concurrency),
		logger:      log.With().Str("run_id", runID).Logger(),
	}, nil
}

// Tracker exposes the run's failure tracker.
func (r *Runner) Tracker() *state.FailureTracker {
	return r.tracker
}

// ResolveStart returns the first chunk to process: the override when it is
// not ResumeFromCheckpoint, otherwise checkpoint+1, otherwise 0.
func (r *Runner) ResolveStart(ctx context.Context, override int) (start int, checkpoint int, err error) {
	checkpoint = -1
	last, ok, err := r.checkpoints.Load(ctx)
	if err != nil {
		return 0, -1, err
	}
	if ok {
		checkpoint = last
	}
	switch {
	case override >= 0:
		return override, checkpoint, nil
	case ok:
		return last + 1, checkpoint, nil
	default:
		return 0, checkpoint, nil
	}
}

// Run processes the input from the resolved start chunk to the end, then
// runs the recovery sweep and writes the final failure report.
func (r *Runner) Run(ctx context.Context, startOverride int) (Summary, error) {
	started := time.Now()
	summary := Summary{RunID: r.runID, Checkpoint: -1}

	start, checkpoint, err := r.ResolveStart(ctx, startOverride)
	if err != nil {
		return summary, err
	}
	summary.StartChunk = start
	summary.Checkpoint = checkpoint

	// Counts from chunks before the start keep earlier permanent failures in
	// this run's report and recovery sweep.
	restored, err := r.checkpoints.LoadFailures(ctx)
	if err != nil {
		return summary, err
	}
	if len(restored) > 0 {
		r.tracker.Restore(restored)
		summary.RestoredFailures = len(restored)
		r.logger.Info().
			Int("failing", len(restored)).
			Int("permanently_failed", len(r.tracker.Permanent())).
			Msg("Restored failure counts")
	}

	if start > 0 {
		skipped, err := r.source.Skip(ctx, start)
		if err != nil {
			return summary, fmt.Errorf("failed to skip to chunk %d: %w", start, err)
		}
		r.logger.Info().Int("start_chunk", start).Int("skipped", skipped).Int("checkpoint", checkpoint).Msg("Resuming")
	}

	// Once a chunk is left unresolved the watermark stays behind it for the
	// rest of the run.
	watermarkBlocked := false

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		c, err := r.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("failed to read input: %w", err)
		}

		result, err := r.processChunk(ctx, c)
		if err != nil {
			return summary, err
		}
		summary.ChunksProcessed++
		summary.Stats.Add(result.Stats)

		if err := r.sink.Flush(ctx); err != nil {
			return summary, fmt.Errorf("failed to flush sink after chunk %d: %w", c.Index, err)
		}

		if !result.Resolved() {
			summary.ChunksUnresolved++
			if !watermarkBlocked {
				r.logger.Warn().
					Int("chunk", c.Index).
					Int("remaining", len(result.Remaining)).
					Int("checkpoint", summary.Checkpoint).
					Msg("Chunk left unresolved, checkpoint will not advance past it this run")
			}
			watermarkBlocked = true
			continue
		}
		if watermarkBlocked {
			continue
		}
		if err := r.checkpoints.SaveFailures(ctx, r.tracker.Snapshot()); err != nil {
			return summary, fmt.Errorf("failed to save failure counts for chunk %d: %w", c.Index, err)
		}
		if err := r.checkpoints.Save(ctx, c.Index); err != nil {
			return summary, fmt.Errorf("failed to save checkpoint %d: %w", c.Index, err)
		}
		summary.Checkpoint = c.Index
	}

	summary.PermanentlyFailed = len(r.tracker.Permanent())

	recovery, err := r.Recover(ctx)
	if err != nil {
		return summary, err
	}
	if recovery.Attempted {
		summary.Recovery = &recovery
		// Unresolved chunks are redone next run, so their counts are not saved.
		if !watermarkBlocked {
			if err := r.checkpoints.SaveFailures(ctx, r.tracker.Snapshot()); err != nil {
				return summary, fmt.Errorf("failed to save failure counts after recovery: %w", err)
			}
		}
	}

	finalPath, still, err := r.writeFinalReport(ctx)
	if err != nil {
		return summary, err
	}
	summary.FinalReport = finalPath
	summary.StillFailing = still
	summary.KnownRecords = r.dedup.Len()
	summary.Duration = time.Since(started)

	r.logger.Info().
		Int("chunks", summary.ChunksProcessed).
		Int("unresolved_chunks", summary.ChunksUnresolved).
		Int("checkpoint", summary.Checkpoint).
		Int("new_records", summary.Stats.NewRecords).
		Int("still_failing", summary.StillFailing).
		Int("permanently_failed", summary.PermanentlyFailed).
		Dur("duration", summary.Duration).
		Msg("Harvest finished")
	return summary, nil
}

func (r *Runner) processChunk(ctx context.Context, c *chunk.Chunk) (PassLoopResult, error) {
	rows := make(map[int64]chunk.Row, len(c.Rows))
	for _, row := range c.Rows {
		rows[row.Index] = row
	}
	points := r.source.Points(c)

	r.logger.Info().Int("chunk", c.Index).Int("points", len(points)).Msg("Processing chunk")

	result, err := RunPasses(ctx, r.dispatcher, points, r.cfg.Pipeline.MaxPasses, func(pass int, res PassResult) error {
		r.logger.Info().
			Int("chunk", c.Index).
			Int("pass", pass).
			Int("attempted", res.Stats.Attempted).
			Int("succeeded", res.Stats.Succeeded).
			Int("empty", res.Stats.Empty).
			Int("failed", res.Stats.Failed).
			Int("invalid", res.Stats.Invalid).
			Int("new_records", res.Stats.NewRecords).
			Int("remaining", len(res.Remaining)).
			Msg("Pass complete")

		if len(res.Failed) == 0 {
			return nil
		}
		failed := make([]sink.FailureRow, 0, len(res.Failed))
		for _, idx := range res.Failed {
			failed = append(failed, sink.FailureRow{Fields: rows[idx].Fields, Count: r.tracker.Count(idx)})
		}
		path := filepath.Join(r.cfg.Failures.Dir, sink.IntermediateReportName(c.Index, pass))
		if err := sink.WriteFailureReport(path, r.source.Header(), failed); err != nil {
			return err
		}
		r.logger.Info().Str("path", path).Int("rows", len(failed)).Msg("Wrote intermediate failure report")
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("chunk %d: %w", c.Index, err)
	}

	r.logger.Info().
		Int("chunk", c.Index).
		Int("passes", result.Passes).
		Int("new_records", result.Stats.NewRecords).
		Int("remaining", len(result.Remaining)).
		Bool("resolved", result.Resolved()).
		Msg("Chunk complete")
	return result, nil
}

// writeFinalReport writes every index still carrying a failure count, with
// its source row, to the final report.
func (r *Runner) writeFinalReport(ctx context.Context) (string, int, error) {
	failing := r.tracker.Failing()
	rows, err := r.source.Lookup(ctx, failing)
	if err != nil {
		return "", 0, fmt.Errorf("failed to look up failed rows: %w", err)
	}

	report := make([]sink.FailureRow, 0, len(rows))
	for _, row := range rows {
		report = append(report, sink.FailureRow{Fields: row.Fields, Count: r.tracker.Count(row.Index)})
	}

	path := r.cfg.Failures.FinalReport
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.cfg.Failures.Dir, path)
	}
	if err := sink.WriteFailureReport(path, r.source.Header(), report); err != nil {
		return "", 0, err
	}
	r.logger.Info().Str("path", path).Int("rows", len(report)).Msg("Wrote final failure report")
	return path, len(failing), nil
}
