package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// listKeys are the wrapper keys a list response may be nested under, in
// the order they are tried.
var listKeys = []string{"data", "jobs", "items", "results"}

const maxEnvelopeDepth = 4

var ErrUnknownEnvelope = errors.New("jobsync: unrecognised response envelope")

// UnwrapList returns the entries of a list response. It accepts a bare array
// or an array nested under the usual wrapper keys, e.g. {"data": [...]} or a
// paginated {"data": {"data": [...]}}. null and an empty body are an empty list.
func UnwrapList(raw json.RawMessage) ([]json.RawMessage, error) {
	return unwrapList(raw, 0)
}

func unwrapList(raw json.RawMessage, depth int) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []json.RawMessage{}, nil
	}
	if depth > maxEnvelopeDepth {
		return nil, fmt.Errorf("%w: nested too deep", ErrUnknownEnvelope)
	}

	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return items, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		for _, k := range listKeys {
			if inner, ok := obj[k]; ok {
				return unwrapList(inner, depth+1)
			}
		}
		return nil, fmt.Errorf("%w: keys %s", ErrUnknownEnvelope, strings.Join(keys(obj), ","))
	default:
		return nil, fmt.Errorf("%w: not a list or object", ErrUnknownEnvelope)
	}
}

// Pick returns the first non-null value found at the given dotted paths.
func Pick(raw json.RawMessage, paths ...string) (json.RawMessage, bool) {
	for _, p := range paths {
		if v, ok := lookup(raw, strings.Split(p, ".")); ok {
			return v, true
		}
	}
	return nil, false
}

func lookup(raw json.RawMessage, path []string) (json.RawMessage, bool) {
	cur := raw
	for _, seg := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil || obj == nil {
			return nil, false
		}
		next, ok := obj[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	cur = bytes.TrimSpace(cur)
	if len(cur) == 0 || bytes.Equal(cur, []byte("null")) {
		return nil, false
	}
	return cur, true
}

func keys(obj map[string]json.RawMessage) []string {
	out := make([]string, 0, len(obj))
	for k := range obj {
		out = append(out, k)
	}
	return out
}
