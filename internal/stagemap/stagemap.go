// Package stagemap translates legacy discrete states into canonical ones.
//
// A Mapping is total: every input, including values added to the legacy
// type after the mapping was written and NULL, yields exactly one canonical
// value. Unknown inputs fall through to the mapping's Default.
package stagemap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Mapping is a total function from legacy state to canonical state.
type Mapping struct {
	entries map[string]string
	def     string
}

// New builds a mapping. The default is mandatory.
func New(entries map[string]string, def string) (*Mapping, error) {
	if def == "" {
		return nil, errors.New("stage mapping requires a default canonical value")
	}
	m := &Mapping{entries: make(map[string]string, len(entries)), def: def}
	for legacy, canonical := range entries {
		if canonical == "" {
			return nil, fmt.Errorf("legacy stage %q maps to an empty canonical value", legacy)
		}
		m.entries[legacy] = canonical
	}
	return m, nil
}

// Map returns the canonical value for a legacy value, never failing.
func (m *Mapping) Map(legacy string) string {
	if canonical, ok := m.entries[legacy]; ok {
		return canonical
	}
	return m.def
}

// Known reports whether legacy has an explicit entry.
func (m *Mapping) Known(legacy string) bool {
	_, ok := m.entries[legacy]
	return ok
}

// Default is the fallback canonical value.
func (m *Mapping) Default() string { return m.def }

// Legacy returns the explicitly mapped legacy values, sorted.
func (m *Mapping) Legacy() []string {
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Canonical returns every canonical value the mapping can produce, sorted.
func (m *Mapping) Canonical() []string {
	seen := map[string]bool{m.def: true}
	for _, v := range m.entries {
		seen[v] = true
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Quoter renders SQL string literals.
type Quoter interface {
	QuoteLiteral(value string) string
}

// CaseExpr renders the mapping as a SQL CASE over expr. NULL and unknown
// values hit the ELSE branch.
func (m *Mapping) CaseExpr(q Quoter, expr string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CASE %s", expr)
	for _, legacy := range m.Legacy() {
		fmt.Fprintf(&sb, " WHEN %s THEN %s", q.QuoteLiteral(legacy), q.QuoteLiteral(m.entries[legacy]))
	}
	fmt.Fprintf(&sb, " ELSE %s END", q.QuoteLiteral(m.def))
	return sb.String()
}

// UnmappedPredicate renders a SQL condition true when expr would fall
// through to the default.
func (m *Mapping) UnmappedPredicate(q Quoter, expr string) string {
	legacy := m.Legacy()
	if len(legacy) == 0 {
		return "1 = 1"
	}
	quoted := make([]string, len(legacy))
	for i, l := range legacy {
		quoted[i] = q.QuoteLiteral(l)
	}
	return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", expr, expr, strings.Join(quoted, ", "))
}
