package sink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/rs/zerolog/log"
)

// NDJSONSink appends one JSON object per line.
type NDJSONSink struct {
	mutex sync.Mutex
	path  string
	file  *os.File
}

// OpenNDJSON opens (creating if needed) the file at path for appending.
func OpenNDJSON(path string) (*NDJSONSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("format", "ndjson").Msg("Opened record sink")
	return &NDJSONSink{path: path, file: f}, nil
}

// LoadIDs implements RecordSink
func (s *NDJSONSink) LoadIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := ForEachRecord(s.path, func(r model.Record) {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	})
	return ids, err
}

// Append writes the records in one write call.
func (s *NDJSONSink) Append(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, r := range records {
		buf.Write(r.Raw)
		buf.WriteByte('\n')
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append to %s: %w", s.path, err)
	}
	return nil
}

// Flush fsyncs the file.
func (s *NDJSONSink) Flush(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", s.path, err)
	}
	return nil
}

// Close implements RecordSink
func (s *NDJSONSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
