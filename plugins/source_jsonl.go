package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

// jsonlSource reads one JSON object per line. Lines that do not parse
// or fail the declared schema come out quarantined.
type jsonlSource struct {
	path      string
	out       *schema.Schema
	onFailure string
}

// NewJSONLSource builds the jsonl source from options: path (required),
// schema, on_validation_failure.
func NewJSONLSource(options map[string]any) (plugin.Source, error) {
	path, err := requireString(options, "path")
	if err != nil {
		return nil, err
	}
	out, err := optSchema(options, "schema")
	if err != nil {
		return nil, err
	}
	onFailure, err := optString(options, "on_validation_failure", "")
	if err != nil {
		return nil, err
	}
	return &jsonlSource{path: path, out: out, onFailure: onFailure}, nil
}

func (s *jsonlSource) Name() string                 { return "jsonl" }
func (s *jsonlSource) OutputSchema() *schema.Schema { return s.out }
func (s *jsonlSource) OnValidationFailure() string  { return s.onFailure }

func (s *jsonlSource) Load(context.Context, *plugin.Context) (plugin.SourceIterator, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl source: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &jsonlIterator{file: f, scanner: scanner, out: s.out}, nil
}

type jsonlIterator struct {
	file    *os.File
	scanner *bufio.Scanner
	out     *schema.Schema
	pos     int
}

func (it *jsonlIterator) Next(_ context.Context) (plugin.SourceRow, bool, error) {
	for it.scanner.Scan() {
		line := strings.TrimSpace(it.scanner.Text())
		if line == "" {
			continue
		}
		it.pos++

		var row plugin.Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return plugin.SourceRow{
				Row:         plugin.Row{"_raw": line},
				Position:    it.pos,
				Quarantined: true,
				Error:       fmt.Sprintf("invalid json: %v", err),
			}, true, nil
		}

		if !it.out.IsDynamic() {
			it.out.ApplyDefaults(row)
			if errs := it.out.ValidateRow(row); len(errs) > 0 {
				parts := make([]string, 0, len(errs))
				for _, e := range errs {
					parts = append(parts, e.Error())
				}
				return plugin.SourceRow{
					Row:         row,
					Position:    it.pos,
					Quarantined: true,
					Error:       strings.Join(parts, "; "),
				}, true, nil
			}
		}

		return plugin.SourceRow{Row: row, Position: it.pos}, true, nil
	}

	if err := it.scanner.Err(); err != nil {
		return plugin.SourceRow{}, false, fmt.Errorf("read jsonl: %w", err)
	}
	return plugin.SourceRow{}, false, nil
}

func (it *jsonlIterator) Close() error {
	return it.file.Close()
}
