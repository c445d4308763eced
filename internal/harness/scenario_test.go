package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenarioYAML = `
name: minimal
description: "One credit and a balance read"
setup:
  - action: credit
    args: { holder: alice, asset: FIRE, amount: 10 }
flow:
  - invoke: balance
    args: { holder: alice, asset: FIRE }
    expect:
      case: ok
      result: { amount: 10 }
assertions:
  - type: trace_count
    action: balance
    count: 1
`

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(validScenarioYAML))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Setup, 1)
	assert.Equal(t, ActionCredit, s.Setup[0].Action)
	assert.Equal(t, 10, s.Setup[0].Args["amount"])

	require.Len(t, s.Flow, 1)
	require.NotNil(t, s.Flow[0].Expect)
	assert.Equal(t, CaseOK, s.Flow[0].Expect.Case)
	assert.Equal(t, 10, s.Flow[0].Expect.Result["amount"])

	assert.Nil(t, s.DefaultCeiling)
	assert.False(t, s.SignerUninitialized)
}

func TestParseScenario_DefaultCeiling(t *testing.T) {
	s, err := ParseScenario([]byte(validScenarioYAML + "default_ceiling: 250\nsigner_uninitialized: true\n"))
	require.NoError(t, err)

	require.NotNil(t, s.DefaultCeiling)
	assert.Equal(t, int64(250), *s.DefaultCeiling)
	assert.True(t, s.SignerUninitialized)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nflow: [{invoke: balance, args: {}}]\nassertions: [{type: trace_count, action: balance, count: 1}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nflow: [{invoke: balance, args: {}}]\nassertions: [{type: trace_count, action: balance, count: 1}]\n",
			wantErr: "description is required",
		},
		{
			name:    "empty flow",
			yaml:    "name: n\ndescription: d\nflow: []\nassertions: [{type: trace_count, action: balance, count: 1}]\n",
			wantErr: "flow list is required",
		},
		{
			name:    "missing assertions",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: balance, args: {}}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown flow action",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: withdraw, args: {}}]\nassertions: [{type: trace_count, action: balance, count: 1}]\n",
			wantErr: `flow[0]: unknown action "withdraw"`,
		},
		{
			name:    "flow without args",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: balance}]\nassertions: [{type: trace_count, action: balance, count: 1}]\n",
			wantErr: "flow[0]: args is required",
		},
		{
			name:    "unknown setup action",
			yaml:    "name: n\ndescription: d\nsetup: [{action: mint, args: {}}]\nflow: [{invoke: balance, args: {}}]\nassertions: [{type: trace_count, action: balance, count: 1}]\n",
			wantErr: `setup[0]: unknown action "mint"`,
		},
		{
			name:    "expect without case",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: balance, args: {}, expect: {result: {amount: 1}}}]\nassertions: [{type: trace_count, action: balance, count: 1}]\n",
			wantErr: "flow[0].expect: case is required",
		},
		{
			name:    "negative default ceiling",
			yaml:    "name: n\ndescription: d\ndefault_ceiling: -1\nflow: [{invoke: balance, args: {}}]\nassertions: [{type: trace_count, action: balance, count: 1}]\n",
			wantErr: "default_ceiling must be non-negative",
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: balance, args: {}}]\nassertions: [{type: eventually}]\n",
			wantErr: `unknown assertion type "eventually"`,
		},
		{
			name:    "final_state without expect",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: balance, args: {}}]\nassertions: [{type: final_state, table: balances}]\n",
			wantErr: "expect is required for final_state",
		},
		{
			name:    "row_count without table",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: balance, args: {}}]\nassertions: [{type: row_count, count: 1}]\n",
			wantErr: "table is required for row_count",
		},
		{
			name:    "trace_order without actions",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: balance, args: {}}]\nassertions: [{type: trace_order}]\n",
			wantErr: "actions list is required for trace_order",
		},
		{
			name:    "negative trace count",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: balance, args: {}}]\nassertions: [{type: trace_count, action: balance, count: -1}]\n",
			wantErr: "count must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_UnknownFieldsRejected(t *testing.T) {
	_, err := ParseScenario([]byte(validScenarioYAML + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_MalformedYAML(t *testing.T) {
	_, err := ParseScenario([]byte("name: [unclosed\n"))
	require.Error(t, err)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenarioYAML), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
}

func TestLoadScenario_ShippedScenarios(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios", "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			// Golden files are keyed by scenario name.
			base := filepath.Base(path)
			assert.Equal(t, base[:len(base)-len(filepath.Ext(base))], s.Name)
		})
	}
}
