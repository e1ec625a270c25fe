package confirm

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lockplane/consolidate/internal/planner"
)

func cleanupBundle() *planner.Bundle {
	return &planner.Bundle{
		ID:          "20250301090013_plan_buyers_cleanup",
		Kind:        planner.KindCleanup,
		Description: "Drop legacy columns, tables and types",
		Forward:     []planner.Statement{{SQL: `DROP TABLE IF EXISTS "waitlist_buyers"`}},
		Reverse:     planner.CannotUndo("requires a full backup restore"),
		Archive:     []string{"waitlist_buyers"},
	}
}

func typeText(m tea.Model, text string) tea.Model {
	for _, r := range text {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m
}

func TestModelConfirmsExactID(t *testing.T) {
	b := cleanupBundle()

	var m tea.Model = New(b)
	m = typeText(m, b.ID)
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})

	if !m.(Model).Confirmed() {
		t.Fatal("expected confirmation after typing the bundle id")
	}
	if cmd == nil {
		t.Fatal("expected the prompt to quit")
	}
}

func TestModelRejectsOtherInput(t *testing.T) {
	b := cleanupBundle()

	var m tea.Model = New(b)
	m = typeText(m, "cleanup")
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})

	if m.(Model).Confirmed() {
		t.Fatal("a partial id must not confirm")
	}
	view := m.View()
	if !strings.Contains(view, "not the bundle id") {
		t.Errorf("expected mismatch message, got:\n%s", view)
	}
	if !strings.Contains(view, "requires a full backup restore") {
		t.Errorf("expected the irreversibility reason, got:\n%s", view)
	}
}

func TestModelEscDeclines(t *testing.T) {
	var m tea.Model = New(cleanupBundle())
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if m.(Model).Confirmed() || cmd == nil {
		t.Fatal("esc should decline and quit")
	}
}

func TestApproved(t *testing.T) {
	b := cleanupBundle()
	ok, err := Approved("other", b.ID)(context.Background(), b)
	if err != nil || !ok {
		t.Errorf("Approved() = %v, %v", ok, err)
	}
	ok, _ = Approved("other")(context.Background(), b)
	if ok {
		t.Error("unlisted bundle must not be approved")
	}
}
