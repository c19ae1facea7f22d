// Package sink persists harvested records and failure reports
package sink

import (
	"context"
	"fmt"

	"github.com/researchaccelerator-hub/parcel-harvester/config"
	"github.com/researchaccelerator-hub/parcel-harvester/model"
)

// RecordSink is the append-only store of committed records.
//
// LoadIDs enumerates ids already stored so the dedup store can be rebuilt on
// startup. Append must make records durable enough that a later Flush
// cannot lose them; Flush is called once per chunk before the checkpoint
// advances.
type RecordSink interface {
	LoadIDs(ctx context.Context) ([]string, error)
	Append(ctx context.Context, records []model.Record) error
	Flush(ctx context.Context) error
	Close() error
}

// New opens the sink selected by cfg.Format.
func New(ctx context.Context, cfg config.SinkConfig) (RecordSink, error) {
	switch cfg.Format {
	case config.SinkNDJSON, "":
		return OpenNDJSON(cfg.Path)
	case config.SinkArray:
		return OpenArray(cfg.Path)
	case config.SinkPostgres:
		return OpenPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown sink format %q", cfg.Format)
	}
}

func idsOf(records []model.Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
