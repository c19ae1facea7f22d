package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// QueryPoint is one row of the input source. Index is the row position in the
// source (or the value of the configured id column) and never changes.
type QueryPoint struct {
	Index int64   `json:"index"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Valid bool    `json:"valid"`
}

// Record is a remote object. Only the id is interpreted; Raw is written back
// byte for byte.
type Record struct {
	ID  string
	Raw json.RawMessage
}

// NewRecord wraps a raw JSON object and extracts its id. A record without a
// usable id gets an empty ID and is never admitted by the dedup store.
func NewRecord(raw json.RawMessage) (Record, error) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Record{}, fmt.Errorf("record is not a JSON object: %w", err)
	}
	compacted := new(bytes.Buffer)
	if err := json.Compact(compacted, raw); err != nil {
		return Record{}, fmt.Errorf("failed to compact record: %w", err)
	}
	return Record{ID: idString(probe.ID), Raw: compacted.Bytes()}, nil
}

func idString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		s, err := strconv.Unquote(string(raw))
		if err != nil {
			return ""
		}
		return s
	}
	return string(raw)
}

// MarshalJSON emits the original payload.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// UnmarshalJSON keeps the payload and extracts the id.
func (r *Record) UnmarshalJSON(data []byte) error {
	rec, err := NewRecord(data)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// OutcomeKind is the tri-state result of a single lookup.
type OutcomeKind int

const (
	OutcomeFailure OutcomeKind = iota
	OutcomeSuccess
	OutcomeEmpty
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmpty:
		return "empty"
	default:
		return "failure"
	}
}

// Outcome is what a fetch for one QueryPoint produced. Index identifies the
// point the outcome belongs to; completions are correlated by it, never by
// arrival order.
type Outcome struct {
	Index    int64
	Kind     OutcomeKind
	Records  []Record
	Err      error
	Attempts int
}

// Succeeded reports whether the outcome counts as success (including empty).
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeEmpty
}

// Reason is a short human readable failure description.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Success builds a success outcome, collapsing an empty record list to OutcomeEmpty.
func Success(index int64, records []Record) Outcome {
	if len(records) == 0 {
		return Outcome{Index: index, Kind: OutcomeEmpty}
	}
	return Outcome{Index: index, Kind: OutcomeSuccess, Records: records}
}

// Failure builds a failure outcome.
func Failure(index int64, err error) Outcome {
	return Outcome{Index: index, Kind: OutcomeFailure, Err: err}
}

// Failure taxonomy. Outcome.Err wraps one of these.
var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrNotFound         = errors.New("404 not found")
	ErrHTTPStatus       = errors.New("non-2xx response")
	ErrDecode           = errors.New("decode error")
	ErrMissingInput     = errors.New("missing input coordinates")
)
