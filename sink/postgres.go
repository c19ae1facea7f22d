package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/researchaccelerator-hub/parcel-harvester/config"
	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/rs/zerolog/log"
)

const postgresBatchSize = 200

// PostgresSink stores each record as a jsonb payload keyed by id. Inserts
// use ON CONFLICT DO NOTHING so a replayed append never duplicates a row.
type PostgresSink struct {
	pool  *pgxpool.Pool
	table string
}

// OpenPostgres connects, creates the table if missing and returns the sink.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*PostgresSink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 2
	}
	poolCfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresSink{pool: pool, table: quoteTable(cfg.Table)}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Str("table", cfg.Table).Int("max_conns", maxConns).Str("format", "postgres").Msg("Opened record sink")
	return s, nil
}

func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func (s *PostgresSink) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		id          text PRIMARY KEY,
		payload     jsonb NOT NULL,
		inserted_at timestamptz NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

// LoadIDs implements RecordSink
func (s *PostgresSink) LoadIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM `+s.table)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read ids: %w", err)
	}
	return ids, nil
}

// Append inserts the records in batches. Rows are committed before it returns.
func (s *PostgresSink) Append(ctx context.Context, records []model.Record) error {
	_, err := s.insert(ctx, records)
	return err
}

func (s *PostgresSink) insert(ctx context.Context, records []model.Record) (int, error) {
	total := 0
	for i := 0; i < len(records); i += postgresBatchSize {
		j := i + postgresBatchSize
		if j > len(records) {
			j = len(records)
		}

		b := &pgx.Batch{}
		count := 0
		for _, r := range records[i:j] {
			if r.ID == "" {
				continue
			}
			b.Queue(`INSERT INTO `+s.table+` (id, payload) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, r.ID, string(r.Raw))
			count++
		}
		if count == 0 {
			continue
		}

		br := s.pool.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, fmt.Errorf("failed to insert records: %w", err)
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, fmt.Errorf("failed to insert records: %w", err)
		}
	}
	return total, nil
}

// Flush implements RecordSink. Appends are already committed.
func (s *PostgresSink) Flush(ctx context.Context) error {
	return nil
}

// Close implements RecordSink
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
