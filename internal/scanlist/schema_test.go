package scanlist

import (
	"reflect"
	"testing"
)

func TestResolveStructuredPayloadDefinesColumns(t *testing.T) {
	columns, values := Resolve(`{"nome":"Ana","idade":"30"}`, nil)
	if !reflect.DeepEqual(columns, []string{"nome", "idade"}) {
		t.Fatalf("expected columns [nome idade], got %v", columns)
	}
	if !reflect.DeepEqual(values, []string{"Ana", "30"}) {
		t.Fatalf("expected values [Ana 30], got %v", values)
	}
}

func TestResolveDelimitedPayloadKeepsOverflow(t *testing.T) {
	columns, values := Resolve("x,y,z", []string{"a", "b"})
	if !reflect.DeepEqual(columns, []string{"a", "b"}) {
		t.Fatalf("expected columns unchanged, got %v", columns)
	}
	if !reflect.DeepEqual(values, []string{"x", "y", "z"}) {
		t.Fatalf("expected overflow value retained, got %v", values)
	}
	row := Row{Date: "2024-01-02", Time: "10:00:00", Fields: values}
	aligned, extra := row.Split(columns)
	if !reflect.DeepEqual(aligned, []string{"x", "y"}) || !reflect.DeepEqual(extra, []string{"z"}) {
		t.Fatalf("expected aligned [x y] and extra [z], got %v / %v", aligned, extra)
	}
}

func TestResolveDelimitedSynthesizesColumnsAndTrims(t *testing.T) {
	columns, values := Resolve("  alpha , beta,gamma  ", nil)
	if !reflect.DeepEqual(columns, []string{"Field 1", "Field 2", "Field 3"}) {
		t.Fatalf("unexpected synthesized columns: %v", columns)
	}
	if !reflect.DeepEqual(values, []string{"alpha", "beta", "gamma"}) {
		t.Fatalf("expected trimmed values, got %v", values)
	}
}

func TestResolveDelimitedPadsMissingFields(t *testing.T) {
	_, values := Resolve("only", []string{"a", "b", "c"})
	if !reflect.DeepEqual(values, []string{"only", "", ""}) {
		t.Fatalf("expected padded values, got %v", values)
	}
}

func TestResolveStructuredAgainstExistingColumns(t *testing.T) {
	columns, values := Resolve(`{"b":"2","unknown":"x","a":1}`, []string{"a", "b", "c"})
	if !reflect.DeepEqual(columns, []string{"a", "b", "c"}) {
		t.Fatalf("expected existing columns, got %v", columns)
	}
	if !reflect.DeepEqual(values, []string{"1", "2", ""}) {
		t.Fatalf("expected values looked up by key, got %v", values)
	}
}

func TestClassifyFallsBackToDelimited(t *testing.T) {
	cases := map[string]PayloadKind{
		`{"a":"1"}`:          PayloadStructured,
		`  {"a":"1"}  `:      PayloadStructured,
		`{"a":"1"`:           PayloadDelimited,
		`{"a":"1"} trailing`: PayloadDelimited,
		`{"a":1}{"b":2}`:     PayloadDelimited,
		`[1,2,3]`:            PayloadDelimited,
		`"quoted"`:           PayloadDelimited,
		`a,b,c`:              PayloadDelimited,
		`{not json, at all}`: PayloadDelimited,
	}
	for payload, want := range cases {
		if got := Classify(payload).Kind; got != want {
			t.Fatalf("classify %q: expected %s, got %s", payload, want, got)
		}
	}
	p := Classify(`{not json, at all}`)
	if !reflect.DeepEqual(p.Fields, []string{"{not json", "at all}"}) {
		t.Fatalf("expected malformed object split on delimiter, got %v", p.Fields)
	}
}

func TestClassifyStringifiesValuesInKeyOrder(t *testing.T) {
	p := Classify(`{"z":null,"n":12.50,"ok":true,"list":[1, 2],"obj":{"k": "v"},"z":"last"}`)
	if p.Kind != PayloadStructured {
		t.Fatalf("expected structured payload")
	}
	if !reflect.DeepEqual(p.Keys, []string{"z", "n", "ok", "list", "obj"}) {
		t.Fatalf("unexpected key order: %v", p.Keys)
	}
	want := []string{"last", "12.50", "true", "[1,2]", `{"k":"v"}`}
	if !reflect.DeepEqual(p.Values, want) {
		t.Fatalf("expected values %v, got %v", want, p.Values)
	}
}

func TestResolveValueCountMatchesColumns(t *testing.T) {
	payloads := []string{"a", "a,b", "a,b,c,d", `{"x":"1"}`, `{"x":"1","y":"2","z":"3"}`}
	existing := [][]string{nil, {"one"}, {"one", "two", "three"}}
	for _, payload := range payloads {
		for _, cols := range existing {
			columns, values := Resolve(payload, cols)
			if len(cols) == 0 {
				if len(columns) != len(values) {
					t.Fatalf("payload %q: expected one value per derived column, got %d/%d", payload, len(columns), len(values))
				}
				continue
			}
			found := len(Classify(payload).Fields)
			if Classify(payload).Kind == PayloadStructured {
				found = 0
			}
			want := found
			if len(cols) > want {
				want = len(cols)
			}
			if len(values) != want {
				t.Fatalf("payload %q cols %v: expected %d values, got %d", payload, cols, want, len(values))
			}
		}
	}
}

func TestCommitOfUneditedPreviewMatchesResolve(t *testing.T) {
	payloads := []string{"x,y,z", "solo", `{"nome":"Ana","idade":"30"}`, `{"b":"2","zz":"9"}`, "{broken"}
	existing := [][]string{nil, {"a", "b"}, {"nome"}}
	for _, payload := range payloads {
		for _, cols := range existing {
			wantCols, wantValues := Resolve(payload, cols)
			gotCols, gotValues := Commit(Preview(payload, cols), cols)
			if !reflect.DeepEqual(gotCols, wantCols) || !reflect.DeepEqual(gotValues, wantValues) {
				t.Fatalf("payload %q cols %v: commit gave %v/%v, resolve gave %v/%v", payload, cols, gotCols, gotValues, wantCols, wantValues)
			}
		}
	}
}

func TestCommitAppendsEditedKeys(t *testing.T) {
	draft := Preview(`{"nome":"Ana"}`, []string{"nome"})
	draft.Pairs = append(draft.Pairs, Pair{Key: "cidade", Value: "Recife"}, Pair{Key: "  ", Value: "ignored"})
	columns, values := Commit(draft, []string{"nome"})
	if !reflect.DeepEqual(columns, []string{"nome", "cidade"}) {
		t.Fatalf("expected new key appended, got %v", columns)
	}
	if !reflect.DeepEqual(values, []string{"Ana", "Recife"}) {
		t.Fatalf("expected aligned values, got %v", values)
	}
}

func TestCommitTrimsEditedKeys(t *testing.T) {
	draft := Draft{Kind: PayloadStructured, Pairs: []Pair{
		{Key: " a ", Value: "1"},
		{Key: "b ", Value: "2"},
	}}
	columns, values := Commit(draft, []string{"a"})
	if !reflect.DeepEqual(columns, []string{"a", "b"}) {
		t.Fatalf("expected trimmed keys to match existing columns, got %v", columns)
	}
	if !reflect.DeepEqual(values, []string{"1", "2"}) {
		t.Fatalf("expected values aligned to trimmed keys, got %v", values)
	}
}

func TestPreviewCarriesOverflowAsExtra(t *testing.T) {
	draft := Preview("1,2,3", []string{"a"})
	if draft.Kind != PayloadDelimited {
		t.Fatalf("expected delimited draft, got %s", draft.Kind)
	}
	if len(draft.Pairs) != 1 || draft.Pairs[0] != (Pair{Key: "a", Value: "1"}) {
		t.Fatalf("unexpected pairs: %+v", draft.Pairs)
	}
	if !reflect.DeepEqual(draft.Extra, []string{"2", "3"}) {
		t.Fatalf("expected extra [2 3], got %v", draft.Extra)
	}
}
