package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/rs/zerolog/log"
)

const maxLineBytes = 64 << 20

// ForEachRecord streams the records stored at path to fn. The file may be a
// single JSON array or one JSON object per line; the array form is tried
// first and the line form is used when it does not parse. A missing file
// yields no records.
func ForEachRecord(path string, fn func(model.Record)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	first, err := firstByte(f)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if first == '[' {
		var buffered []model.Record
		arrErr := decodeArray(f, func(r model.Record) { buffered = append(buffered, r) })
		if arrErr == nil {
			for _, r := range buffered {
				fn(r)
			}
			return nil
		}
		log.Warn().Err(arrErr).Str("path", path).Str("log_tag", "sink_read").Msg("Not a JSON array, falling back to line format")
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", path, err)
	}
	return decodeLines(path, f, fn)
}

// ReadRecords loads every record stored at path.
func ReadRecords(path string) ([]model.Record, error) {
	var out []model.Record
	err := ForEachRecord(path, func(r model.Record) { out = append(out, r) })
	return out, err
}

func firstByte(f *os.File) (byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(f)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case 0xEF:
			// UTF-8 BOM
			_, _ = r.Discard(2)
			continue
		}
		return b, nil
	}
}

func decodeArray(f *os.File, fn func(model.Record)) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	dec := json.NewDecoder(bufio.NewReader(skipBOM(f)))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("expected array, got %v", tok)
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		rec, err := model.NewRecord(raw)
		if err != nil {
			return err
		}
		fn(rec)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after array")
	}
	return nil
}

func skipBOM(f *os.File) io.Reader {
	br := bufio.NewReader(f)
	if b, err := br.Peek(3); err == nil && bytes.Equal(b, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	return br
}

func decodeLines(path string, f *os.File, fn func(model.Record)) error {
	scanner := bufio.NewScanner(skipBOM(f))
	scanner.Buffer(make([]byte, 0, 1<<20), maxLineBytes)

	lineNo, skipped := 0, 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := model.NewRecord(append([]byte(nil), line...))
		if err != nil {
			skipped++
			log.Debug().Err(err).Str("path", path).Int("line", lineNo).Msg("Skipping malformed line")
			continue
		}
		fn(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}
	if skipped > 0 {
		log.Warn().Str("path", path).Int("skipped", skipped).Str("log_tag", "sink_read").Msg("Skipped malformed lines")
	}
	return nil
}
