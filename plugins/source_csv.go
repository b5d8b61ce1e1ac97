package plugins

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

// csvSource reads rows from a headered CSV file, coercing cells to the
// declared schema types. Rows that fail coercion come out quarantined
// instead of stopping the read.
type csvSource struct {
	path      string
	delimiter rune
	out       *schema.Schema
	onFailure string
}

// NewCSVSource builds the csv source from options: path (required),
// delimiter, schema, on_validation_failure.
func NewCSVSource(options map[string]any) (plugin.Source, error) {
	path, err := requireString(options, "path")
	if err != nil {
		return nil, err
	}
	delim, err := optString(options, "delimiter", ",")
	if err != nil {
		return nil, err
	}
	if len([]rune(delim)) != 1 {
		return nil, plugin.Configf("option \"delimiter\": want a single character, got %q", delim)
	}
	out, err := optSchema(options, "schema")
	if err != nil {
		return nil, err
	}
	onFailure, err := optString(options, "on_validation_failure", "")
	if err != nil {
		return nil, err
	}

	return &csvSource{
		path:      path,
		delimiter: []rune(delim)[0],
		out:       out,
		onFailure: onFailure,
	}, nil
}

func (s *csvSource) Name() string                 { return "csv" }
func (s *csvSource) OutputSchema() *schema.Schema { return s.out }
func (s *csvSource) OnValidationFailure() string  { return s.onFailure }

func (s *csvSource) Load(_ context.Context, pctx *plugin.Context) (plugin.SourceIterator, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open csv source: %w", err)
	}

	reader := csv.NewReader(f)
	reader.Comma = s.delimiter
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	if pctx != nil && pctx.Log != nil {
		pctx.Log.Info("csv source opened", "path", s.path, "columns", len(header))
	}

	return &csvIterator{
		file:   f,
		reader: reader,
		header: header,
		out:    s.out,
	}, nil
}

type csvIterator struct {
	file   *os.File
	reader *csv.Reader
	header []string
	out    *schema.Schema
	pos    int
}

func (it *csvIterator) Next(_ context.Context) (plugin.SourceRow, bool, error) {
	record, err := it.reader.Read()
	if err == io.EOF {
		return plugin.SourceRow{}, false, nil
	}
	if err != nil {
		return plugin.SourceRow{}, false, fmt.Errorf("read csv record: %w", err)
	}
	it.pos++

	raw := make(plugin.Row, len(it.header))
	for i, col := range it.header {
		if i < len(record) {
			raw[col] = record[i]
		}
	}

	row, convErr := coerceRow(raw, it.out)
	if convErr != "" {
		return plugin.SourceRow{
			Row:         raw,
			Position:    it.pos,
			Quarantined: true,
			Error:       convErr,
		}, true, nil
	}
	return plugin.SourceRow{Row: row, Position: it.pos}, true, nil
}

func (it *csvIterator) Close() error {
	return it.file.Close()
}

// coerceRow converts string cells to the schema's declared types and
// validates the result. Returns the error text for quarantine, empty
// on success.
func coerceRow(raw plugin.Row, s *schema.Schema) (plugin.Row, string) {
	if s.IsDynamic() {
		return raw, ""
	}

	row := raw.Clone()
	for _, f := range s.Fields {
		v, present := row[f.Name]
		if !present {
			continue
		}
		text, ok := v.(string)
		if !ok {
			continue
		}
		converted, err := coerceValue(text, f.Type)
		if err != nil {
			return nil, fmt.Sprintf("%s: %v", f.Name, err)
		}
		row[f.Name] = converted
	}

	s.ApplyDefaults(row)
	if errs := s.ValidateRow(row); len(errs) > 0 {
		parts := make([]string, 0, len(errs))
		for _, e := range errs {
			parts = append(parts, e.Error())
		}
		return nil, strings.Join(parts, "; ")
	}
	return row, ""
}

func coerceValue(text string, t schema.FieldType) (any, error) {
	text = strings.TrimSpace(text)
	switch t {
	case schema.TypeInt:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", text)
		}
		return n, nil
	case schema.TypeFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", text)
		}
		return f, nil
	case schema.TypeBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", text)
		}
		return b, nil
	default:
		return text, nil
	}
}
