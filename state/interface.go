package state

import (
	"context"

	"github.com/researchaccelerator-hub/parcel-harvester/config"
)

// CheckpointStore persists the index of the last fully resolved chunk and
// the failure counts carried by the chunks up to it. Load reports ok=false
// when no checkpoint has been written yet; LoadFailures returns an empty map
// when no counts have been saved.
type CheckpointStore interface {
	Load(ctx context.Context) (chunk int, ok bool, err error)
	Save(ctx context.Context, chunk int) error
	LoadFailures(ctx context.Context) (map[int64]int, error)
	SaveFailures(ctx context.Context, counts map[int64]int) error
	Close() error
}

// CheckpointStoreFactory creates the appropriate checkpoint store implementation
type CheckpointStoreFactory interface {
	// Create returns a checkpoint store based on the given configuration
	Create(cfg config.StateConfig) (CheckpointStore, error)
}

// IDLoader is anything that can enumerate the record ids already committed,
// typically a record sink.
type IDLoader interface {
	LoadIDs(ctx context.Context) ([]string, error)
}
