package rules

import "testing"

func TestMatchesLiteralEquality(t *testing.T) {
	event := map[string]any{"from": "alice@x.com", "count": float64(3)}

	if !MatchesJSON(`{"from": "alice@x.com"}`, event) {
		t.Error("exact string literal should match")
	}
	if MatchesJSON(`{"from": "bob@x.com"}`, event) {
		t.Error("different literal should not match")
	}
	if !MatchesJSON(`{"count": 3}`, event) {
		t.Error("numeric literal should match decoded float64")
	}
	if !MatchesJSON(`{"count": "3"}`, event) {
		t.Error("scalar comparison is by canonical string form")
	}
}

func TestMatchesOperators(t *testing.T) {
	cases := []struct {
		name       string
		conditions string
		event      map[string]any
		want       bool
	}{
		{
			name:       "contains hit",
			conditions: `{"subject": {"operator":"contains","value":"invoice"}}`,
			event:      map[string]any{"subject": "Your invoice #42"},
			want:       true,
		},
		{
			name:       "contains miss",
			conditions: `{"subject": {"operator":"contains","value":"invoice"}}`,
			event:      map[string]any{"subject": "Meeting notes"},
			want:       false,
		},
		{
			name:       "starts_with hit",
			conditions: `{"subject": {"operator":"starts_with","value":"RE:"}}`,
			event:      map[string]any{"subject": "RE: proposal"},
			want:       true,
		},
		{
			name:       "starts_with is not contains",
			conditions: `{"subject": {"operator":"starts_with","value":"proposal"}}`,
			event:      map[string]any{"subject": "RE: proposal"},
			want:       false,
		},
		{
			name:       "equals operator object",
			conditions: `{"status": {"operator":"equals","value":"confirmed"}}`,
			event:      map[string]any{"status": "confirmed"},
			want:       true,
		},
		{
			name:       "unknown operator fails closed",
			conditions: `{"subject": {"operator":"regex","value":".*"}}`,
			event:      map[string]any{"subject": "anything at all"},
			want:       false,
		},
		{
			name:       "contains string-casts non-string actual",
			conditions: `{"attendees": {"operator":"contains","value":"bob"}}`,
			event:      map[string]any{"attendees": []any{"alice", "bob"}},
			want:       true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchesJSON(tc.conditions, tc.event); got != tc.want {
				t.Errorf("MatchesJSON(%s) = %v, want %v", tc.conditions, got, tc.want)
			}
		})
	}
}

func TestMatchesConjunction(t *testing.T) {
	event := map[string]any{"from": "alice@x.com", "subject": "invoice attached"}

	both := `{"from": "alice@x.com", "subject": {"operator":"contains","value":"invoice"}}`
	if !MatchesJSON(both, event) {
		t.Error("all conditions hold, rule should fire")
	}

	oneFails := `{"from": "alice@x.com", "subject": {"operator":"contains","value":"receipt"}}`
	if MatchesJSON(oneFails, event) {
		t.Error("conditions are AND-ed, one miss should block the rule")
	}
}

func TestMatchesEmptyConditions(t *testing.T) {
	event := map[string]any{"anything": "at all"}
	for _, doc := range []string{"", "{}", "  "} {
		if !MatchesJSON(doc, event) {
			t.Errorf("empty condition set %q should always match", doc)
		}
	}
}

func TestMatchesDotPaths(t *testing.T) {
	event := map[string]any{
		"payload": map[string]any{
			"sender": map[string]any{"email": "alice@x.com"},
		},
	}
	if !MatchesJSON(`{"payload.sender.email": "alice@x.com"}`, event) {
		t.Error("nested path should resolve")
	}
	if MatchesJSON(`{"payload.sender.phone": "555"}`, event) {
		t.Error("missing leaf should not match")
	}
	if MatchesJSON(`{"payload.sender.email.domain": "x.com"}`, event) {
		t.Error("traversing through a scalar should not match")
	}
	if MatchesJSON(`{"absent.path": "x"}`, event) {
		t.Error("missing root should not match")
	}
}

func TestMatchesMalformedConditions(t *testing.T) {
	if MatchesJSON(`{not json`, map[string]any{"a": 1}) {
		t.Error("undecodable conditions must fail closed")
	}
}

func TestResolve(t *testing.T) {
	event := map[string]any{"a": map[string]any{"b": "c"}}
	if v, ok := Resolve(event, "a.b"); !ok || v != "c" {
		t.Errorf("Resolve(a.b) = %v, %v", v, ok)
	}
	if _, ok := Resolve(event, ""); ok {
		t.Error("empty path should not resolve")
	}
	if v, ok := Resolve(event, "a"); !ok || v == nil {
		t.Errorf("Resolve(a) = %v, %v, want the nested map", v, ok)
	}
}
