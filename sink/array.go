package sink

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/researchaccelerator-hub/parcel-harvester/common"
	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/rs/zerolog/log"
)

// ArraySink keeps every record in memory and rewrites the whole file as a
// single JSON array on Flush. Only suitable for small corpora.
type ArraySink struct {
	mutex   sync.Mutex
	path    string
	records []model.Record
	dirty   bool
}

// OpenArray loads the existing file (either format) into memory.
func OpenArray(path string) (*ArraySink, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Str("format", "array").Int("existing", len(records)).Msg("Opened record sink")
	return &ArraySink{path: path, records: records}, nil
}

// LoadIDs implements RecordSink
func (s *ArraySink) LoadIDs(ctx context.Context) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return idsOf(s.records), nil
}

// Append implements RecordSink
func (s *ArraySink) Append(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.records = append(s.records, records...)
	s.dirty = true
	return nil
}

// Flush rewrites the file atomically when anything changed.
func (s *ArraySink) Flush(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.dirty {
		return nil
	}
	data, err := encodeArray(s.records)
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to rewrite %s: %w", s.path, err)
	}
	s.dirty = false
	return nil
}

// Close flushes pending records.
func (s *ArraySink) Close() error {
	return s.Flush(context.Background())
}

func encodeArray(records []model.Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		if len(r.Raw) == 0 {
			return nil, fmt.Errorf("record %q has no payload", r.ID)
		}
		buf.Write(r.Raw)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
