package planner

import (
	"encoding/json"
	"fmt"
)

// Reverse is how a bundle is undone: either concrete statements (possibly
// none, meaning there is nothing to undo) or an explicit statement that the
// bundle cannot be undone.
//
// Exactly one of Reversible and Irreversible is set.
type Reverse struct {
	Reversible   *Reversible
	Irreversible *Irreversible
}

// Reversible carries the undo statements of a bundle.
type Reversible struct {
	Statements []Statement `json:"statements,omitempty"`
	Note       string      `json:"note,omitempty"`
}

// Irreversible marks a bundle that can only be recovered from a backup.
type Irreversible struct {
	Reason string `json:"reason"`
}

// Undo builds a reversible Reverse.
func Undo(note string, statements ...Statement) Reverse {
	return Reverse{Reversible: &Reversible{Statements: statements, Note: note}}
}

// CannotUndo builds an irreversible Reverse.
func CannotUndo(reason string) Reverse {
	return Reverse{Irreversible: &Irreversible{Reason: reason}}
}

// IsReversible reports whether the bundle has an undo path.
func (r Reverse) IsReversible() bool {
	return r.Reversible != nil && r.Irreversible == nil
}

// IsNoop reports whether undoing requires no statements.
func (r Reverse) IsNoop() bool {
	return r.IsReversible() && len(r.Reversible.Statements) == 0
}

// Describe returns a one-line human summary.
func (r Reverse) Describe() string {
	switch {
	case r.Irreversible != nil:
		return "irreversible: " + r.Irreversible.Reason
	case r.Reversible == nil:
		return "unset"
	case len(r.Reversible.Statements) == 0:
		if r.Reversible.Note != "" {
			return "no-op: " + r.Reversible.Note
		}
		return "no-op"
	default:
		return fmt.Sprintf("%d statement(s)", len(r.Reversible.Statements))
	}
}

type reverseJSON struct {
	Kind       string      `json:"kind"`
	Statements []Statement `json:"statements,omitempty"`
	Note       string      `json:"note,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

func (r Reverse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Irreversible != nil && r.Reversible != nil:
		return nil, fmt.Errorf("reverse is both reversible and irreversible")
	case r.Irreversible != nil:
		return json.Marshal(reverseJSON{Kind: "irreversible", Reason: r.Irreversible.Reason})
	case r.Reversible != nil:
		return json.Marshal(reverseJSON{Kind: "reversible", Statements: r.Reversible.Statements, Note: r.Reversible.Note})
	default:
		return []byte("null"), nil
	}
}

func (r *Reverse) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Reverse{}
		return nil
	}
	var raw reverseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "irreversible":
		if raw.Reason == "" {
			return fmt.Errorf("irreversible reverse requires a reason")
		}
		*r = CannotUndo(raw.Reason)
	case "reversible":
		*r = Undo(raw.Note, raw.Statements...)
	default:
		return fmt.Errorf("unknown reverse kind %q", raw.Kind)
	}
	return nil
}
