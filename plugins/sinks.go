package plugins

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

// csvSink appends rows to a CSV file. The header is fixed on the first
// write from that row's sorted field names; later rows emit only those
// columns.
type csvSink struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	header []string
}

// NewCSVSink builds the csv sink from options: path (required).
func NewCSVSink(options map[string]any) (plugin.Sink, error) {
	path, err := requireString(options, "path")
	if err != nil {
		return nil, err
	}
	return &csvSink{path: path}, nil
}

func (s *csvSink) Name() string                    { return "csv" }
func (s *csvSink) InputSchema() *schema.Schema     { return nil }
func (s *csvSink) Idempotent() bool                { return false }
func (s *csvSink) Determinism() plugin.Determinism { return plugin.Deterministic }

func (s *csvSink) Write(_ context.Context, row plugin.Row, _ *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := os.Create(s.path)
		if err != nil {
			return fmt.Errorf("create csv sink: %w", err)
		}
		s.file = f
		s.writer = csv.NewWriter(f)

		s.header = make([]string, 0, len(row))
		for k := range row {
			s.header = append(s.header, k)
		}
		sort.Strings(s.header)
		if err := s.writer.Write(s.header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}

	record := make([]string, len(s.header))
	for i, col := range s.header {
		record[i] = cellText(row[col])
	}
	if err := s.writer.Write(record); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	return nil
}

func (s *csvSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush csv sink: %w", err)
	}
	return nil
}

func (s *csvSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return fmt.Errorf("flush csv sink: %w", err)
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func cellText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// jsonlSink appends one JSON object per line.
type jsonlSink struct {
	path string

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewJSONLSink builds the jsonl sink from options: path (required).
func NewJSONLSink(options map[string]any) (plugin.Sink, error) {
	path, err := requireString(options, "path")
	if err != nil {
		return nil, err
	}
	return &jsonlSink{path: path}, nil
}

func (s *jsonlSink) Name() string                    { return "jsonl" }
func (s *jsonlSink) InputSchema() *schema.Schema     { return nil }
func (s *jsonlSink) Idempotent() bool                { return false }
func (s *jsonlSink) Determinism() plugin.Determinism { return plugin.Deterministic }

func (s *jsonlSink) Write(_ context.Context, row plugin.Row, _ *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := os.Create(s.path)
		if err != nil {
			return fmt.Errorf("create jsonl sink: %w", err)
		}
		s.file = f
		s.encoder = json.NewEncoder(f)
	}

	if err := s.encoder.Encode(map[string]any(row)); err != nil {
		return fmt.Errorf("write jsonl record: %w", err)
	}
	return nil
}

func (s *jsonlSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync jsonl sink: %w", err)
	}
	return nil
}

func (s *jsonlSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// MemorySink buffers rows in memory. Used by tests and dry runs.
type MemorySink struct {
	mu   sync.Mutex
	rows []plugin.Row
}

// NewMemorySink builds the memory sink; it takes no options.
func NewMemorySink(map[string]any) (plugin.Sink, error) {
	return &MemorySink{}, nil
}

func (s *MemorySink) Name() string                    { return "memory" }
func (s *MemorySink) InputSchema() *schema.Schema     { return nil }
func (s *MemorySink) Idempotent() bool                { return true }
func (s *MemorySink) Determinism() plugin.Determinism { return plugin.Deterministic }
func (s *MemorySink) Flush(context.Context) error     { return nil }
func (s *MemorySink) Close(context.Context) error     { return nil }

func (s *MemorySink) Write(_ context.Context, row plugin.Row, _ *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row.Clone())
	return nil
}

// Rows returns a snapshot of everything written
func (s *MemorySink) Rows() []plugin.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]plugin.Row(nil), s.rows...)
}
