// Package chunk reads the query point CSV as an ordered sequence of fixed-size chunks.
package chunk

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/rs/zerolog/log"
)

// Row is one data row of the input, kept verbatim for failure reports.
type Row struct {
	Index  int64
	Fields []string
}

// Chunk is a contiguous slice of rows processed as a unit before checkpointing.
type Chunk struct {
	Index int
	Rows  []Row
}

// Options configures column lookup and chunking.
type Options struct {
	LatColumn string
	LonColumn string
	IDColumn  string // empty: row position is the index
	ChunkSize int
}

// Source is a sequential reader over the input CSV.
type Source struct {
	path      string
	opts      Options
	file      *os.File
	reader    *csv.Reader
	header    []string
	latCol    int
	lonCol    int
	idCol     int
	position  int64
	nextChunk int
	seen      map[int64]int64 // explicit id -> row position
}

// ErrDuplicateIndex is returned when two rows resolve to the same index.
var ErrDuplicateIndex = errors.New("duplicate row index")

// Open opens the CSV at path and resolves the coordinate columns from its header.
func Open(path string, opts Options) (*Source, error) {
	if opts.ChunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be at least 1, got %d", opts.ChunkSize)
	}
	s := &Source{path: path, opts: opts}
	if err := s.open(); err != nil {
		return nil, err
	}

	s.latCol = columnIndex(s.header, opts.LatColumn)
	s.lonCol = columnIndex(s.header, opts.LonColumn)
	s.idCol = -1
	if opts.IDColumn != "" {
		s.idCol = columnIndex(s.header, opts.IDColumn)
		if s.idCol < 0 {
			s.Close()
			return nil, fmt.Errorf("id column %q not found in %s", opts.IDColumn, path)
		}
	}
	if s.latCol < 0 || s.lonCol < 0 {
		// Every row will be classified as missing input; keep going so the
		// rows still land in the failure report.
		log.Warn().
			Str("path", path).
			Str("lat_column", opts.LatColumn).
			Str("lon_column", opts.LonColumn).
			Strs("header", s.header).
			Msg("Coordinate columns not found in input header")
	}
	return s, nil
}

func (s *Source) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening csv %s: %w", s.path, err)
	}

	br := bufio.NewReader(f)
	if first3, _ := br.Peek(3); len(first3) == 3 && first3[0] == 0xEF && first3[1] == 0xBB && first3[2] == 0xBF {
		_, _ = br.Discard(3)
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		f.Close()
		return fmt.Errorf("reading csv header of %s: %w", s.path, err)
	}

	s.file = f
	s.reader = r
	s.header = header
	s.position = 0
	s.nextChunk = 0
	s.seen = nil
	return nil
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

// Header returns the input's column names.
func (s *Source) Header() []string {
	return append([]string(nil), s.header...)
}

// Next returns the next chunk, or io.EOF once the input is exhausted. With an
// explicit id column, a repeated id fails with ErrDuplicateIndex.
func (s *Source) Next(ctx context.Context) (*Chunk, error) {
	rows := make([]Row, 0, min(s.opts.ChunkSize, 4096))
	for len(rows) < s.opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := s.readRow()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}

	c := &Chunk{Index: s.nextChunk, Rows: rows}
	s.nextChunk++
	return c, nil
}

// Skip advances past n chunks without retaining their rows. It returns the
// number of chunks actually skipped, which is lower than n only at end of input.
func (s *Source) Skip(ctx context.Context, n int) (int, error) {
	skipped := 0
	for skipped < n {
		read := 0
		for read < s.opts.ChunkSize {
			if err := ctx.Err(); err != nil {
				return skipped, err
			}
			if _, err := s.readRow(); err != nil {
				if errors.Is(err, io.EOF) {
					if read > 0 {
						s.nextChunk++
						skipped++
					}
					return skipped, nil
				}
				return skipped, err
			}
			read++
		}
		s.nextChunk++
		skipped++
	}
	return skipped, nil
}

func (s *Source) readRow() (Row, error) {
	fields, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Row{}, io.EOF
		}
		return Row{}, fmt.Errorf("reading csv row %d of %s: %w", s.position, s.path, err)
	}
	row := Row{Index: s.rowIndex(fields), Fields: fields}
	if s.idCol >= 0 {
		if s.seen == nil {
			s.seen = make(map[int64]int64)
		}
		if first, dup := s.seen[row.Index]; dup {
			return Row{}, fmt.Errorf("%w: %d at rows %d and %d of %s", ErrDuplicateIndex, row.Index, first, s.position, s.path)
		}
		s.seen[row.Index] = s.position
	}
	s.position++
	return row, nil
}

func (s *Source) rowIndex(fields []string) int64 {
	if s.idCol < 0 || s.idCol >= len(fields) {
		return s.position
	}
	id, err := strconv.ParseInt(strings.TrimSpace(fields[s.idCol]), 10, 64)
	if err != nil {
		log.Warn().Int64("position", s.position).Str("value", fields[s.idCol]).Msg("Unparsable id column, using row position")
		return s.position
	}
	return id
}

// Point converts a row to a query point. Rows with missing or unparsable
// coordinates come back with Valid=false.
func (s *Source) Point(row Row) model.QueryPoint {
	p := model.QueryPoint{Index: row.Index}
	lat, okLat := parseCoord(row.Fields, s.latCol)
	lon, okLon := parseCoord(row.Fields, s.lonCol)
	if okLat && okLon {
		p.Lat, p.Lon, p.Valid = lat, lon, true
	}
	return p
}

// Points converts every row of the chunk.
func (s *Source) Points(c *Chunk) []model.QueryPoint {
	points := make([]model.QueryPoint, 0, len(c.Rows))
	for _, row := range c.Rows {
		points = append(points, s.Point(row))
	}
	return points
}

func parseCoord(fields []string, col int) (float64, bool) {
	if col < 0 || col >= len(fields) {
		return 0, false
	}
	raw := strings.TrimSpace(fields[col])
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Lookup re-reads the input from the top and returns the rows whose index is
// in indices, in input order. The sequential position of the source is not
// disturbed.
func (s *Source) Lookup(ctx context.Context, indices []int64) ([]Row, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	wanted := make(map[int64]struct{}, len(indices))
	for _, idx := range indices {
		wanted[idx] = struct{}{}
	}

	scan := &Source{path: s.path, opts: s.opts, idCol: s.idCol, latCol: s.latCol, lonCol: s.lonCol}
	if err := scan.open(); err != nil {
		return nil, err
	}
	defer scan.Close()

	rows := make([]Row, 0, len(indices))
	for len(wanted) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := scan.readRow()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if _, ok := wanted[row.Index]; ok {
			rows = append(rows, row)
			delete(wanted, row.Index)
		}
	}
	if len(wanted) > 0 {
		log.Warn().Int("missing", len(wanted)).Str("path", s.path).Msg("Some failed indices were not found in the input")
	}
	return rows, nil
}

// Close releases the file handle.
func (s *Source) Close() error {
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
