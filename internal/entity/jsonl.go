package entity

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ReadJSONL decodes one entity per line, skipping blanks. Lines that fail
// to parse abort with the offending line number.
func ReadJSONL(r io.Reader, kind Kind) ([]Entity, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	var out []Entity
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entity
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		e.Kind = kind
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteJSONL emits one entity per line in deterministic order: metadata
// normalized per entity, entities sorted by created_at then id.
func WriteJSONL(w io.Writer, entities []Entity) error {
	sorted := make([]Entity, len(entities))
	for i, e := range entities {
		c := e.Clone()
		c.NormalizeMetadata()
		sorted[i] = c
	}
	Sort(sorted)
	for _, e := range sorted {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}
