package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/rs/zerolog/log"
)

// DedupStore is the set of record ids already committed to the sink. It is
// the only authority on whether a fetched record is new.
type DedupStore struct {
	mutex sync.Mutex
	ids   map[string]struct{}
}

// NewDedupStore creates a store seeded with the given ids. Empty ids are ignored.
func NewDedupStore(ids []string) *DedupStore {
	d := &DedupStore{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			d.ids[id] = struct{}{}
		}
	}
	return d
}

// LoadDedupStore scans the existing sink once and builds the store from it.
func LoadDedupStore(ctx context.Context, loader IDLoader) (*DedupStore, error) {
	ids, err := loader.LoadIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing record ids: %w", err)
	}
	d := NewDedupStore(ids)
	log.Info().Int("ids", d.Len()).Msg("Loaded dedup store from existing records")
	return d, nil
}

// Admit returns the records whose id is non-empty and not yet present,
// inserting those ids. Duplicates inside the same batch are admitted once.
func (d *DedupStore) Admit(records []model.Record) []model.Record {
	if len(records) == 0 {
		return nil
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	var admitted []model.Record
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, seen := d.ids[rec.ID]; seen {
			continue
		}
		d.ids[rec.ID] = struct{}{}
		admitted = append(admitted, rec)
	}
	return admitted
}

func (d *DedupStore) contains(id string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	_, ok := d.ids[id]
	return ok
}

// Len returns the number of known ids.
func (d *DedupStore) Len() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.ids)
}
