package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/researchaccelerator-hub/parcel-harvester/chunk"
	"github.com/researchaccelerator-hub/parcel-harvester/client"
	"github.com/researchaccelerator-hub/parcel-harvester/common"
	"github.com/researchaccelerator-hub/parcel-harvester/config"
	"github.com/researchaccelerator-hub/parcel-harvester/harvest"
	"github.com/researchaccelerator-hub/parcel-harvester/sink"
	"github.com/researchaccelerator-hub/parcel-harvester/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Harvest failed")
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "harvest",
		Short:         "Resumable bulk building lookup by coordinate",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			setupLogging(level)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newRunCmd(v, &configFile))
	rootCmd.AddCommand(newMergeFailuresCmd())
	rootCmd.AddCommand(newConvertCmd())
	return rootCmd
}

func newRunCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var (
		startChunk  int
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the input chunk by chunk, resuming from the last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			if level, _ := cmd.Flags().GetString("log-level"); level == "" {
				setupLogging(cfg.Log.Level)
			}

			var decider harvest.RecoveryDecider = harvest.StaticDecider(cfg.Recovery.Enabled)
			if interactive {
				if term.IsTerminal(int(os.Stdin.Fd())) {
					decider = promptDecider(os.Stdin, os.Stderr)
				} else {
					log.Warn().Msg("--interactive ignored, stdin is not a terminal")
				}
			}

			summary, err := runHarvest(cmd.Context(), cfg, startChunk, decider)
			if err != nil {
				return err
			}
			log.Info().Interface("summary", summary).Msg("Run summary")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&startChunk, "start-chunk", harvest.ResumeFromCheckpoint, "Chunk to start from (default: checkpoint + 1)")
	flags.BoolVar(&interactive, "interactive", false, "Ask before retrying permanently failed points")
	flags.String("input", "", "Input CSV path or http(s) URL")
	flags.Int("chunk-size", 0, "Rows per chunk")
	flags.Int("concurrency", 0, "Maximum concurrent requests")
	flags.Int("failure-threshold", 0, "Failures before a point is abandoned")
	flags.Int("max-passes", 0, "Passes per chunk")
	flags.String("sink-format", "", "Record sink: ndjson, array or postgres")
	flags.String("sink-path", "", "Record sink file")
	flags.Bool("recover", false, "Retry permanently failed points at the end of the run")

	bindings := map[string]string{
		"input.path":                 "input",
		"pipeline.chunk_size":        "chunk-size",
		"pipeline.concurrency":       "concurrency",
		"pipeline.failure_threshold": "failure-threshold",
		"pipeline.max_passes":        "max-passes",
		"sink.format":                "sink-format",
		"sink.path":                  "sink-path",
		"recovery.enabled":           "recover",
	}
	for key, name := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func runHarvest(ctx context.Context, cfg *config.Config, startChunk int, decider harvest.RecoveryDecider) (harvest.Summary, error) {
	runID := common.GenerateRunID()
	log.Info().Str("run_id", runID).Str("input", cfg.Input.Path).Msg("Starting harvest")

	inputPath, err := common.ResolveInputPath(ctx, cfg.Input.Path)
	if err != nil {
		return harvest.Summary{}, err
	}
	if inputPath != cfg.Input.Path {
		defer os.Remove(inputPath)
	}

	source, err := chunk.Open(inputPath, chunk.Options{
		LatColumn: cfg.Input.LatColumn,
		LonColumn: cfg.Input.LonColumn,
		IDColumn:  cfg.Input.IDColumn,
		ChunkSize: cfg.Pipeline.ChunkSize,
	})
	if err != nil {
		return harvest.Summary{}, err
	}
	defer source.Close()

	fetcher, err := client.NewBuildingsClientFromConfig(cfg.Fetch, cfg.Pipeline.Concurrency)
	if err != nil {
		return harvest.Summary{}, err
	}

	recordSink, err := sink.New(ctx, cfg.Sink)
	if err != nil {
		return harvest.Summary{}, err
	}
	defer func() {
		if err := recordSink.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close record sink")
		}
	}()

	checkpoints, err := (&state.DefaultCheckpointStoreFactory{}).Create(cfg.State)
	if err != nil {
		return harvest.Summary{}, err
	}
	defer checkpoints.Close()

	runner, err := harvest.NewRunner(ctx, cfg, runID, source, fetcher, recordSink, checkpoints, decider)
	if err != nil {
		return harvest.Summary{}, err
	}
	return runner.Run(ctx, startChunk)
}

// promptDecider asks the operator on in/out whether to retry permanent failures.
func promptDecider(in io.Reader, out io.Writer) harvest.DeciderFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, permanent int) (bool, error) {
		fmt.Fprintf(out, "%d points failed permanently. Retry them now? [y/N]: ", permanent)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

func newMergeFailuresCmd() *cobra.Command {
	var dir, pattern, out string

	cmd := &cobra.Command{
		Use:   "merge-failures",
		Short: "Merge intermediate failure reports into one CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := sink.MergeFailures(dir, pattern, out)
			if err != nil {
				return err
			}
			log.Info().Int("files", len(res.Files)).Int("rows", res.Rows).Str("out", out).Msg("Merged failure reports")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory holding the reports")
	cmd.Flags().StringVar(&pattern, "pattern", sink.DefaultFailurePattern, "Report file glob")
	cmd.Flags().StringVar(&out, "out", "failures.csv", "Merged output file")
	return cmd
}

func newConvertCmd() *cobra.Command {
	var in, out string

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Rewrite a newline-delimited record file as one JSON array",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := sink.ConvertToArray(in, out)
			if err != nil {
				return err
			}
			log.Info().Int("records", n).Str("out", out).Msg("Converted records")
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "buildings.json", "Newline-delimited input")
	cmd.Flags().StringVar(&out, "out", "buildings_array.json", "JSON array output")
	return cmd
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
