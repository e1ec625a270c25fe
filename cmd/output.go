package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/lockplane/consolidate/internal/executor"
	"github.com/lockplane/consolidate/internal/planner"
)

var (
	headColor    = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	dimColor     = color.New(color.Faint)
)

func printBundleHeader(w io.Writer, b *planner.Bundle) {
	_, _ = headColor.Fprintf(w, "%s", b.ID)
	mode := "autocommit"
	if b.Atomic {
		mode = "atomic"
	}
	_, _ = dimColor.Fprintf(w, "  [%s, %s]\n", b.Kind, mode)
	_, _ = fmt.Fprintf(w, "  %s\n", b.Description)
}

func printReverse(w io.Writer, b *planner.Bundle) {
	if b.Reverse.IsReversible() {
		_, _ = fmt.Fprintf(w, "  reverse: %s\n", b.Reverse.Describe())
		return
	}
	_, _ = errorColor.Fprintf(w, "  reverse: %s\n", b.Reverse.Describe())
}

func printChecks(w io.Writer, label string, checks []planner.Check) {
	if len(checks) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "  %s:\n", label)
	for _, c := range checks {
		_, _ = fmt.Fprintf(w, "    - %s (%s)\n", c.Name, c.Kind)
	}
}

func printResult(w io.Writer, res *executor.Result) {
	b := res.Bundle
	_, _ = successColor.Fprintf(w, "✓ %s", b.ID)
	_, _ = dimColor.Fprintf(w, "  %s, %d row(s)", res.Run.FinishedAt.Sub(res.Run.StartedAt).Round(time.Millisecond), res.Run.RowsAffected)
	if res.Skipped > 0 {
		_, _ = dimColor.Fprintf(w, ", %d statement(s) skipped", res.Skipped)
	}
	_, _ = fmt.Fprintln(w)
	for _, o := range res.Observations {
		if o.Rows > 0 {
			_, _ = warnColor.Fprintf(w, "  ! %s: %d row(s)\n", o.Name, o.Rows)
		}
	}
	for _, exp := range res.Archived {
		_, _ = dimColor.Fprintf(w, "  archived %s (%d rows) to %s\n", exp.Table, exp.Rows, exp.Location)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
