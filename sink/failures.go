package sink

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/researchaccelerator-hub/parcel-harvester/common"
	"github.com/rs/zerolog/log"
)

// FailureCountColumn is appended to the source header in every failure report.
const FailureCountColumn = "Failure Count"

// DefaultFailurePattern matches the per-pass intermediate reports.
const DefaultFailurePattern = "intermediate_failures_batch*_pass*.csv"

// FailureRow is one failed source row and its failure count.
type FailureRow struct {
	Fields []string
	Count  int
}

// IntermediateReportName returns the file name of the failure report for a
// chunk and pass.
func IntermediateReportName(chunk, pass int) string {
	return fmt.Sprintf("intermediate_failures_batch%d_pass%d.csv", chunk, pass)
}

// WriteFailureReport writes header plus the failure count column, then one
// line per row. The file is replaced atomically.
func WriteFailureReport(path string, header []string, rows []FailureRow) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	out := make([]string, 0, len(header)+1)
	out = append(out, header...)
	out = append(out, FailureCountColumn)
	if err := w.Write(out); err != nil {
		return fmt.Errorf("failed to encode failure report header: %w", err)
	}

	for _, row := range rows {
		fields := make([]string, len(header), len(header)+1)
		copy(fields, row.Fields)
		fields = append(fields, strconv.Itoa(row.Count))
		if err := w.Write(fields); err != nil {
			return fmt.Errorf("failed to encode failure row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode failure report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report dir %s: %w", dir, err)
		}
	}
	if err := common.WriteFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write failure report %s: %w", path, err)
	}
	return nil
}

// MergeResult summarises a MergeFailures call.
type MergeResult struct {
	Files  []string
	Header []string
	Rows   int
}

// MergeFailures concatenates every report in dir matching pattern into out.
// Headers are unioned in first-seen order; files are read in sorted order.
func MergeFailures(dir, pattern, out string) (MergeResult, error) {
	if pattern == "" {
		pattern = DefaultFailurePattern
	}
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return MergeResult{}, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	sort.Strings(files)

	absOut, _ := filepath.Abs(out)
	result := MergeResult{}
	columns := map[string]int{}
	var merged []map[string]string

	for _, path := range files {
		if abs, _ := filepath.Abs(path); abs == absOut {
			continue
		}
		header, rows, err := readCSV(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Str("log_tag", "merge_failures").Msg("Error reading failure report")
			return result, err
		}
		if len(header) == 0 {
			continue
		}
		for _, h := range header {
			if _, ok := columns[h]; !ok {
				columns[h] = len(result.Header)
				result.Header = append(result.Header, h)
			}
		}
		for _, row := range rows {
			m := make(map[string]string, len(header))
			for i, h := range header {
				if i < len(row) {
					m[h] = row[i]
				}
			}
			merged = append(merged, m)
		}
		result.Files = append(result.Files, path)
		log.Info().Str("path", path).Int("rows", len(rows)).Str("log_tag", "merge_failures").Msg("Merged failure report")
	}

	if len(result.Files) == 0 {
		return result, fmt.Errorf("no failure reports matching %s in %s", pattern, dir)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(result.Header); err != nil {
		return result, err
	}
	for _, m := range merged {
		line := make([]string, len(result.Header))
		for i, h := range result.Header {
			line[i] = m[h]
		}
		if err := w.Write(line); err != nil {
			return result, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return result, err
	}
	if err := common.WriteFileAtomic(out, buf.Bytes()); err != nil {
		return result, fmt.Errorf("failed to write %s: %w", out, err)
	}
	result.Rows = len(merged)
	return result, nil
}

func readCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(skipBOM(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[0], all[1:], nil
}
