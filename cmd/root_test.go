package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lockplane/consolidate/internal/executor"
	"github.com/lockplane/consolidate/internal/failure"
	"github.com/lockplane/consolidate/internal/planner"
)

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "consolidate" {
		t.Errorf("expected Use to be 'consolidate', got %q", rootCmd.Use)
	}
	if rootCmd.Version == "" {
		t.Error("rootCmd.Version should not be empty")
	}
}

func TestCommandsRegistered(t *testing.T) {
	expectedCommands := map[string]bool{
		"init":     false,
		"plan":     false,
		"apply":    false,
		"verify":   false,
		"status":   false,
		"rollback": false,
		"ack":      false,
		"history":  false,
		"activity": false,
		"version":  false,
	}

	for _, cmd := range rootCmd.Commands() {
		if _, exists := expectedCommands[cmd.Name()]; exists {
			expectedCommands[cmd.Name()] = true
		}
	}

	for cmdName, registered := range expectedCommands {
		if !registered {
			t.Errorf("expected command %q to be registered", cmdName)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), exitError},
		{"blocked", fmt.Errorf("%w: cleanup failed", planner.ErrBlocked), exitBlocked},
		{"verification gate", fmt.Errorf("apply: %w", executor.ErrVerificationGate), exitBlocked},
		{"check", failure.CheckFailed(failure.ClassDataQuality, "cutover", "members_unlinked", errors.New("3 rows")), exitCheck},
		{"irreversible", failure.Wrap(failure.ClassIrreversible, "cleanup", errors.New("cannot undo")), exitIrreversal},
		{"fatal", failure.Fatalf("catalog", "type missing"), exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
