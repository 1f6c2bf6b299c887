package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestConsolidateResults(t *testing.T) {
	tests := map[string]struct {
		orderedInputs []string
		jobInputs     []string
		jobResults    []json.RawMessage
		cached        []CachedResult
		expected      []json.RawMessage
	}{
		"cached and computed keep input order": {
			orderedInputs: []string{"a", "b", "c"},
			jobInputs:     []string{"b", "c"},
			jobResults:    []json.RawMessage{raw(`{"r":2}`), raw(`{"r":3}`)},
			cached:        []CachedResult{{Input: "a", Result: raw(`{"r":1}`)}},
			expected:      []json.RawMessage{raw(`{"r":1}`), raw(`{"r":2}`), raw(`{"r":3}`)},
		},
		"input in neither set is null": {
			orderedInputs: []string{"a", "b", "c"},
			jobInputs:     []string{"c"},
			jobResults:    []json.RawMessage{raw(`{"r":3}`)},
			cached:        []CachedResult{{Input: "a", Result: raw(`{"r":1}`)}},
			expected:      []json.RawMessage{raw(`{"r":1}`), raw(`null`), raw(`{"r":3}`)},
		},
		"fewer results than job inputs": {
			orderedInputs: []string{"a", "b"},
			jobInputs:     []string{"a", "b"},
			jobResults:    []json.RawMessage{raw(`1`)},
			expected:      []json.RawMessage{raw(`1`), raw(`null`)},
		},
		"all cached": {
			orderedInputs: []string{"x", "y"},
			cached: []CachedResult{
				{Input: "y", Result: raw(`"Y"`)},
				{Input: "x", Result: raw(`"X"`)},
			},
			expected: []json.RawMessage{raw(`"X"`), raw(`"Y"`)},
		},
		"repeated input gets the same result": {
			orderedInputs: []string{"a", "a"},
			jobInputs:     []string{"a"},
			jobResults:    []json.RawMessage{raw(`7`)},
			expected:      []json.RawMessage{raw(`7`), raw(`7`)},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result := ConsolidateResults(tc.orderedInputs, tc.jobInputs, tc.jobResults, tc.cached)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestSplitCached(t *testing.T) {
	misses := SplitCached([]string{"a", "b", "c"}, []CachedResult{{Input: "b", Result: raw(`1`)}})
	assert.Equal(t, []string{"a", "c"}, misses)

	assert.Equal(t, []string{}, SplitCached([]string{"a"}, []CachedResult{{Input: "a"}}))
}

func TestIsEmptyResult(t *testing.T) {
	assert.True(t, IsEmptyResult(nil))
	assert.True(t, IsEmptyResult([]json.RawMessage{raw(`null`), raw(` null `), nil}))
	assert.False(t, IsEmptyResult([]json.RawMessage{raw(`null`), raw(`{}`)}))
}

func TestResultsToCsv(t *testing.T) {
	results := []json.RawMessage{
		raw(`{"smiles":"CCO","score":0.5,"tags":["a","b"]}`),
		raw(`null`),
		raw(`{"score":1,"smiles":"C,N","tags":null}`),
	}

	csv, err := ResultsToCsv(results)
	require.NoError(t, err)
	assert.Equal(t,
		"smiles,score,tags\n"+
			"CCO,0.5,\"[\"\"a\"\",\"\"b\"\"]\"\n"+
			",,\n"+
			"\"C,N\",1,\n",
		csv)
}

func TestResultsToCsv_Empty(t *testing.T) {
	csv, err := ResultsToCsv([]json.RawMessage{raw(`null`)})
	require.NoError(t, err)
	assert.Equal(t, "", csv)
}

func TestResultsToCsv_RejectsNonObjects(t *testing.T) {
	_, err := ResultsToCsv([]json.RawMessage{raw(`[1,2]`)})
	assert.Error(t, err)
}
