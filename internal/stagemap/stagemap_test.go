package stagemap

import (
	"reflect"
	"strings"
	"testing"
)

type literalQuoter struct{}

func (literalQuoter) QuoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func buyerStages(t *testing.T) *Mapping {
	t.Helper()
	m, err := New(map[string]string{
		"PENDING":       "ASSIGNED",
		"AWAITING_PICK": "AWAITING_PICK",
		"PICKED":        "MATCHED",
		"DECLINED":      "DECLINED",
	}, "ASSIGNED")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestMap(t *testing.T) {
	m := buyerStages(t)

	tests := []struct {
		legacy string
		want   string
	}{
		{"AWAITING_PICK", "AWAITING_PICK"},
		{"PENDING", "ASSIGNED"},
		{"PICKED", "MATCHED"},
		{"FOO", "ASSIGNED"},
		{"", "ASSIGNED"},
		{"pending", "ASSIGNED"},
	}

	for _, tt := range tests {
		t.Run(tt.legacy, func(t *testing.T) {
			if got := m.Map(tt.legacy); got != tt.want {
				t.Errorf("Map(%q) = %q, want %q", tt.legacy, got, tt.want)
			}
		})
	}
}

// Every legacy value, known or not, maps to exactly one canonical value the
// mapping declares.
func TestMapIsTotal(t *testing.T) {
	m := buyerStages(t)
	canonical := map[string]bool{}
	for _, c := range m.Canonical() {
		canonical[c] = true
	}

	inputs := append(m.Legacy(), "FOO", "WITHDRAWN", "", "\x00", strings.Repeat("X", 1000))
	for _, in := range inputs {
		got := m.Map(in)
		if !canonical[got] {
			t.Errorf("Map(%q) = %q, not a declared canonical value", in, got)
		}
		if !m.Known(in) && got != m.Default() {
			t.Errorf("unknown %q mapped to %q, want default %q", in, got, m.Default())
		}
	}
}

func TestNewRequiresDefault(t *testing.T) {
	if _, err := New(map[string]string{"A": "B"}, ""); err == nil {
		t.Error("expected error for missing default")
	}
	if _, err := New(map[string]string{"A": ""}, "B"); err == nil {
		t.Error("expected error for empty canonical value")
	}
}

func TestCaseExpr(t *testing.T) {
	m, err := New(map[string]string{"PENDING": "ASSIGNED", "AWAITING_PICK": "AWAITING_PICK"}, "ASSIGNED")
	if err != nil {
		t.Fatal(err)
	}

	got := m.CaseExpr(literalQuoter{}, `m."status"`)
	want := `CASE m."status" WHEN 'AWAITING_PICK' THEN 'AWAITING_PICK' WHEN 'PENDING' THEN 'ASSIGNED' ELSE 'ASSIGNED' END`
	if got != want {
		t.Errorf("CaseExpr() =\n%s\nwant\n%s", got, want)
	}
}

func TestUnmappedPredicate(t *testing.T) {
	m := buyerStages(t)
	got := m.UnmappedPredicate(literalQuoter{}, "m.s")
	want := "(m.s IS NULL OR m.s NOT IN ('AWAITING_PICK', 'DECLINED', 'PENDING', 'PICKED'))"
	if got != want {
		t.Errorf("UnmappedPredicate() = %s", got)
	}

	empty, _ := New(nil, "ASSIGNED")
	if got := empty.UnmappedPredicate(literalQuoter{}, "x"); got != "1 = 1" {
		t.Errorf("empty mapping predicate = %s", got)
	}
}

func TestCanonical(t *testing.T) {
	m := buyerStages(t)
	want := []string{"ASSIGNED", "AWAITING_PICK", "DECLINED", "MATCHED"}
	if got := m.Canonical(); !reflect.DeepEqual(got, want) {
		t.Errorf("Canonical() = %v, want %v", got, want)
	}
}
