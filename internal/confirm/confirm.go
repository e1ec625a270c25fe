// Package confirm asks an operator to approve a destructive bundle, either
// interactively by typing its id or up front with --confirm.
package confirm

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/lockplane/consolidate/internal/planner"
)

// Model is the bubbletea model of the confirmation prompt.
type Model struct {
	bundle    *planner.Bundle
	input     textinput.Model
	mismatch  bool
	confirmed bool
	done      bool
}

// New returns a prompt for b.
func New(b *planner.Bundle) Model {
	ti := textinput.New()
	ti.Placeholder = b.ID
	ti.CharLimit = len(b.ID) + 16
	ti.Width = len(b.ID) + 2
	ti.Focus()
	return Model{bundle: b, input: ti}
}

// Confirmed reports whether the operator typed the bundle id.
func (m Model) Confirmed() bool { return m.confirmed }

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.done = true
			return m, tea.Quit
		case tea.KeyEnter:
			if strings.TrimSpace(m.input.Value()) == m.bundle.ID {
				m.confirmed = true
				m.done = true
				return m, tea.Quit
			}
			m.mismatch = true
			m.input.SetValue("")
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.done {
		return ""
	}
	b := m.bundle

	var sb strings.Builder
	sb.WriteString(renderHeader("Irreversible bundle " + b.ID))
	sb.WriteString("\n")
	sb.WriteString(labelStyle.Render(b.Description))
	sb.WriteString("\n")

	sb.WriteString(renderSectionHeader("Statements"))
	sb.WriteString("\n")
	for _, stmt := range b.Forward {
		sb.WriteString(statementStyle.Render(stmt.SQL))
		sb.WriteString("\n")
	}

	if len(b.Archive) > 0 {
		sb.WriteString(renderSectionHeader(iconArchive + " Archived before dropping"))
		sb.WriteString("\n")
		sb.WriteString(statementStyle.Render(strings.Join(b.Archive, ", ")))
		sb.WriteString("\n")
	}

	reason := b.Reverse.Describe()
	if b.Reverse.Irreversible != nil {
		reason = b.Reverse.Irreversible.Reason
	}
	sb.WriteString(renderWarning(fmt.Sprintf("This cannot be rolled back: %s.", reason)))
	sb.WriteString("\n\n")
	sb.WriteString("Type the bundle id to continue:\n")
	sb.WriteString(m.input.View())
	sb.WriteString("\n")
	if m.mismatch {
		sb.WriteString(renderError("That is not the bundle id."))
		sb.WriteString("\n")
	}
	sb.WriteString(renderStatusBar("enter to confirm • esc to abort"))
	sb.WriteString("\n")
	return sb.String()
}

// Prompt runs the interactive prompt for b on in and out.
func Prompt(ctx context.Context, b *planner.Bundle, in io.Reader, out io.Writer) (bool, error) {
	p := tea.NewProgram(New(b), tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("confirmation prompt failed: %w", err)
	}
	m, ok := final.(Model)
	return ok && m.Confirmed(), nil
}

// Interactive returns a confirmation function that prompts on in and out.
func Interactive(in io.Reader, out io.Writer) func(context.Context, *planner.Bundle) (bool, error) {
	return func(ctx context.Context, b *planner.Bundle) (bool, error) {
		return Prompt(ctx, b, in, out)
	}
}

// Approved returns a confirmation function that accepts exactly the listed
// bundle ids and never prompts.
func Approved(ids ...string) func(context.Context, *planner.Bundle) (bool, error) {
	return func(_ context.Context, b *planner.Bundle) (bool, error) {
		return slices.Contains(ids, b.ID), nil
	}
}
