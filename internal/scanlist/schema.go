package scanlist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const FieldDelimiter = ","

type PayloadKind string

const (
	PayloadStructured PayloadKind = "structured"
	PayloadDelimited  PayloadKind = "delimited"
)

// Payload is the classified form of a decoded scan. Structured payloads keep
// their keys in encounter order; Delimited payloads only carry Fields.
type Payload struct {
	Kind   PayloadKind
	Keys   []string
	Values []string
	Fields []string
}

// Classify never fails: anything that is not a single JSON object starting
// with '{' is treated as delimiter-separated text.
func Classify(raw string) Payload {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "{") {
		if keys, values, ok := decodeOrderedObject(text); ok {
			return Payload{Kind: PayloadStructured, Keys: keys, Values: values}
		}
	}
	return Payload{Kind: PayloadDelimited, Fields: splitFields(text)}
}

// Resolve aligns a raw payload to a list's columns. With no existing columns
// the payload defines them; otherwise the existing columns are returned
// unchanged and values follow them (structured by key, delimited by position,
// keeping overflow fields).
func Resolve(raw string, existing []string) (columns []string, values []string) {
	return resolvePayload(Classify(raw), existing)
}

func resolvePayload(p Payload, existing []string) ([]string, []string) {
	switch p.Kind {
	case PayloadStructured:
		if len(existing) == 0 {
			return append([]string{}, p.Keys...), append([]string{}, p.Values...)
		}
		byKey := make(map[string]string, len(p.Keys))
		for i, key := range p.Keys {
			byKey[key] = p.Values[i]
		}
		values := make([]string, len(existing))
		for i, column := range existing {
			values[i] = byKey[column]
		}
		return append([]string{}, existing...), values
	default:
		fields := p.Fields
		if len(existing) == 0 {
			columns := make([]string, len(fields))
			for i := range fields {
				columns[i] = syntheticColumn(i)
			}
			return columns, append([]string{}, fields...)
		}
		size := len(fields)
		if size < len(existing) {
			size = len(existing)
		}
		values := make([]string, size)
		copy(values, fields)
		return append([]string{}, existing...), values
	}
}

type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Draft is a resolved payload opened for editing before it is committed.
type Draft struct {
	Kind  PayloadKind `json:"kind"`
	Pairs []Pair      `json:"pairs"`
	Extra []string    `json:"extra,omitempty"`
}

func Preview(raw string, existing []string) Draft {
	p := Classify(raw)
	columns, values := resolvePayload(p, existing)
	draft := Draft{Kind: p.Kind, Pairs: make([]Pair, len(columns))}
	for i, column := range columns {
		draft.Pairs[i] = Pair{Key: column, Value: values[i]}
	}
	if len(values) > len(columns) {
		draft.Extra = append([]string(nil), values[len(columns):]...)
	}
	return draft
}

// Commit re-derives columns and values from an edited draft. Keys missing
// from existing are appended as new columns. Keys are trimmed and blank keys
// are ignored.
func Commit(draft Draft, existing []string) (columns []string, values []string) {
	columns = append([]string{}, existing...)
	seen := make(map[string]struct{}, len(existing))
	for _, column := range existing {
		seen[column] = struct{}{}
	}
	byKey := make(map[string]string, len(draft.Pairs))
	for _, pair := range draft.Pairs {
		key := strings.TrimSpace(pair.Key)
		if key == "" {
			continue
		}
		byKey[key] = pair.Value
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		columns = append(columns, key)
	}
	values = make([]string, len(columns), len(columns)+len(draft.Extra))
	for i, column := range columns {
		values[i] = byKey[column]
	}
	values = append(values, draft.Extra...)
	return columns, values
}

func syntheticColumn(index int) string {
	return fmt.Sprintf("Field %d", index+1)
}

func splitFields(text string) []string {
	parts := strings.Split(text, FieldDelimiter)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func decodeOrderedObject(text string) ([]string, []string, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, false
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, false
	}
	keys := []string{}
	values := []string{}
	index := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, false
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, false
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, false
		}
		value, ok := stringifyJSONValue(raw)
		if !ok {
			return nil, nil, false
		}
		if i, dup := index[key]; dup {
			values[i] = value
			continue
		}
		index[key] = len(keys)
		keys = append(keys, key)
		values = append(values, value)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, nil, false
	}
	return keys, values, true
}

func stringifyJSONValue(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	case 'n':
		return "", true
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", false
		}
		return buf.String(), true
	default:
		return string(trimmed), true
	}
}
