package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
default_sink: output
source:
  plugin: csv
  options:
    path: input.csv
  on_validation_failure: quarantine
pipeline:
  - transform:
      plugin: field_mapper
      options:
        mapping:
          amt: amount
      on_error: errors
      retry:
        max_attempts: 3
        backoff: 500ms
  - gate:
      plugin: condition
      options:
        condition: row.amount > 100.0
        fork_to: [fast, slow]
  - coalesce:
      name: join_paths
      branches: [fast, slow]
      policy: require_all
      strategy: union
      timeout: 5s
  - aggregation:
      plugin: totals
      trigger:
        type: count
        count: 100
sinks:
  output:
    plugin: csv
    options:
      path: out.csv
  quarantine:
    plugin: jsonl
    options:
      path: quarantine.jsonl
  errors:
    plugin: jsonl
    options:
      path: errors.jsonl
rate_limits:
  geocoder:
    per_second: 5
    burst: 2
telemetry:
  mode: drop
  buffer: 512
`

func TestLoadValidDocument(t *testing.T) {
	doc, err := Load([]byte(validDoc))
	require.NoError(t, err)

	assert.Equal(t, "output", doc.DefaultSink)
	assert.Equal(t, "csv", doc.Source.Plugin)
	assert.Equal(t, "quarantine", doc.Source.OnValidationFailure)
	assert.Len(t, doc.Pipeline, 4)
	assert.Len(t, doc.Sinks, 3)
	assert.Equal(t, "drop", doc.Telemetry.Mode)
	assert.Equal(t, 5.0, doc.RateLimits["geocoder"].PerSecond)
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "missing default sink declaration",
			doc: `
default_sink: nowhere
source: {plugin: csv}
sinks:
  output: {plugin: csv}
`,
			wantErr: "default_sink",
		},
		{
			name: "reserved sink name",
			doc: `
default_sink: output
source: {plugin: csv}
sinks:
  output: {plugin: csv}
  __quarantine__: {plugin: jsonl}
`,
			wantErr: "reserved",
		},
		{
			name: "reserved coalesce branch",
			doc: `
default_sink: output
source: {plugin: csv}
pipeline:
  - coalesce:
      name: join
      branches: ["__fast__"]
sinks:
  output: {plugin: csv}
`,
			wantErr: "reserved",
		},
		{
			name: "on_error targets unknown sink",
			doc: `
default_sink: output
source: {plugin: csv}
pipeline:
  - transform:
      plugin: noop
      on_error: missing
sinks:
  output: {plugin: csv}
`,
			wantErr: "not a declared sink",
		},
		{
			name: "bad retry backoff",
			doc: `
default_sink: output
source: {plugin: csv}
pipeline:
  - transform:
      plugin: noop
      retry: {backoff: fast}
sinks:
  output: {plugin: csv}
`,
			wantErr: "backoff",
		},
		{
			name: "count trigger without count",
			doc: `
default_sink: output
source: {plugin: csv}
pipeline:
  - aggregation:
      plugin: totals
      trigger: {type: count}
sinks:
  output: {plugin: csv}
`,
			wantErr: "count",
		},
		{
			name: "quorum out of range",
			doc: `
default_sink: output
source: {plugin: csv}
pipeline:
  - coalesce:
      name: join
      branches: [a, b]
      policy: quorum
      quorum: 3
sinks:
  output: {plugin: csv}
`,
			wantErr: "quorum",
		},
		{
			name: "unknown top-level key",
			doc: `
default_sink: output
source: {plugin: csv}
sinks:
  output: {plugin: csv}
sink: {}
`,
			wantErr: "invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFingerprintStable(t *testing.T) {
	doc1, err := Load([]byte(validDoc))
	require.NoError(t, err)
	doc2, err := Load([]byte(validDoc))
	require.NoError(t, err)

	fp1, err := doc1.Fingerprint()
	require.NoError(t, err)
	fp2, err := doc2.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	changed := validDoc + "\nexperiments: []\n"
	doc3, err := Load([]byte(changed))
	require.NoError(t, err)
	fp3, err := doc3.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}
