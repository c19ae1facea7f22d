package sink

import (
	"encoding/json"
	"fmt"

	"github.com/researchaccelerator-hub/parcel-harvester/common"
	"github.com/researchaccelerator-hub/parcel-harvester/model"
)

// ConvertToArray reads records from in (either format) and writes them to out
// as one indented JSON array. It returns the number of records written.
func ConvertToArray(in, out string) (int, error) {
	records := make([]model.Record, 0)
	if err := ForEachRecord(in, func(r model.Record) { records = append(records, r) }); err != nil {
		return 0, err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode records: %w", err)
	}
	data = append(data, '\n')
	if err := common.WriteFileAtomic(out, data); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", out, err)
	}
	return len(records), nil
}
