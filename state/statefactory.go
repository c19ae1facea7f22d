package state

import (
	"fmt"

	"github.com/researchaccelerator-hub/parcel-harvester/config"
)

// DefaultCheckpointStoreFactory is the default implementation of CheckpointStoreFactory
type DefaultCheckpointStoreFactory struct{}

// Create returns a checkpoint store implementation based on the configuration
func (f *DefaultCheckpointStoreFactory) Create(cfg config.StateConfig) (CheckpointStore, error) {
	switch cfg.Backend {
	case config.BackendDapr:
		return NewDaprCheckpointStore(cfg.Dapr.StoreName, cfg.Dapr.Key)
	case config.BackendFile, "":
		return NewFileCheckpointStore(cfg.CheckpointPath), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}
