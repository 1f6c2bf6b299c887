package domain

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
)

var nullResult = json.RawMessage("null")

// CachedResult is a previously computed result for one input.
type CachedResult struct {
	Input  string          `json:"input"`
	Result json.RawMessage `json:"result"`
}

// ConsolidateResults merges the results computed by a job with cached results, in the order of orderedInputs.
// jobResults[i] is the result of jobInputs[i]. Inputs found in neither set get a null result.
func ConsolidateResults(
	orderedInputs []string,
	jobInputs []string,
	jobResults []json.RawMessage,
	cached []CachedResult,
) []json.RawMessage {
	byInput := make(map[string]json.RawMessage, len(jobInputs)+len(cached))
	for _, c := range cached {
		if len(c.Result) > 0 {
			byInput[c.Input] = c.Result
		}
	}
	for i, input := range jobInputs {
		if i >= len(jobResults) {
			break
		}
		if len(jobResults[i]) > 0 {
			byInput[input] = jobResults[i]
		}
	}

	results := make([]json.RawMessage, len(orderedInputs))
	for i, input := range orderedInputs {
		if result, ok := byInput[input]; ok {
			results[i] = result
		} else {
			results[i] = nullResult
		}
	}
	return results
}

// SplitCached returns the inputs without a cached result, keeping their order.
func SplitCached(inputs []string, cached []CachedResult) []string {
	hits := make(map[string]bool, len(cached))
	for _, c := range cached {
		hits[c.Input] = true
	}
	misses := make([]string, 0, len(inputs))
	for _, input := range inputs {
		if !hits[input] {
			misses = append(misses, input)
		}
	}
	return misses
}

// IsEmptyResult reports whether no result carries a value.
func IsEmptyResult(results []json.RawMessage) bool {
	for _, r := range results {
		if len(r) > 0 && !bytes.Equal(bytes.TrimSpace(r), nullResult) {
			return false
		}
	}
	return true
}

// ResultsToCsv flattens a list of JSON objects into a header line followed by one line per result.
// Columns follow the key order of the first non-null result; null results produce empty lines of values.
func ResultsToCsv(results []json.RawMessage) (string, error) {
	var header []string
	rows := make([]map[string]string, len(results))
	for i, raw := range results {
		if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), nullResult) {
			continue
		}
		keys, values, err := flattenObject(raw)
		if err != nil {
			return "", errors.WithStack(&huberrors.ErrInvalidArgument{
				Name:    "result",
				Value:   i,
				Message: err.Error(),
			})
		}
		if header == nil {
			header = keys
		}
		rows[i] = values
	}
	if header == nil {
		return "", nil
	}

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return "", errors.WithStack(err)
	}
	for _, row := range rows {
		line := make([]string, len(header))
		for j, key := range header {
			line[j] = row[key]
		}
		if err := w.Write(line); err != nil {
			return "", errors.WithStack(err)
		}
	}
	w.Flush()
	return buf.String(), errors.WithStack(w.Error())
}

// flattenObject decodes a JSON object keeping the order of its keys.
// String values are returned unquoted, any other value as compact JSON.
func flattenObject(raw json.RawMessage) ([]string, map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, errors.New("result is not a JSON object")
	}

	var keys []string
	values := map[string]string{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key := keyTok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, nil, err
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = renderValue(value)
	}
	return keys, values, nil
}

func renderValue(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	if bytes.Equal(value, nullResult) {
		return ""
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		return string(value)
	}
	return compact.String()
}
