package planner

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the phase a bundle belongs to.
type Kind string

const (
	KindCatalogExpand Kind = "catalog_expand"
	KindBackfill      Kind = "backfill"
	KindStageMap      Kind = "stage_map"
	KindOrphanRepair  Kind = "orphan_repair"
	KindCutover       Kind = "cutover"
	KindCleanup       Kind = "cleanup"
	KindConsolidate   Kind = "consolidate"
)

// IsDataPhase reports whether bundles of this kind move rows between the
// legacy and canonical shapes. A verification must follow the last data
// phase before cutover.
func (k Kind) IsDataPhase() bool {
	switch k {
	case KindBackfill, KindStageMap, KindOrphanRepair:
		return true
	}
	return false
}

// Plan is the ordered list of bundles generated from one mapping document.
type Plan struct {
	Name       string    `json:"name"`
	Dialect    string    `json:"dialect"`
	SourceHash string    `json:"source_hash"`
	Bundles    []*Bundle `json:"bundles"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// Bundle is one separately deployable unit: a forward statement list, its
// reverse, and the checks guarding it.
type Bundle struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
	// Atomic bundles run inside a single transaction. Non-atomic bundles run
	// each statement in autocommit mode.
	Atomic  bool        `json:"atomic"`
	Forward []Statement `json:"forward,omitempty"`
	Reverse Reverse     `json:"reverse"`
	// Program names a Go statement generator run instead of (or after) Forward.
	Program string `json:"program,omitempty"`
	// Source is the activity source name for consolidate bundles.
	Source string `json:"source,omitempty"`

	Preconditions  []Check `json:"preconditions,omitempty"`
	Postconditions []Check `json:"postconditions,omitempty"`
	// Observations are counted and logged as data-quality warnings; they never fail a run.
	Observations []Check `json:"observations,omitempty"`

	DependsOn  []string       `json:"depends_on,omitempty"`
	Introduces []CatalogValue `json:"introduces,omitempty"`
	Uses       []CatalogValue `json:"uses,omitempty"`
	// Archive lists tables exported before a destructive bundle runs.
	Archive []string `json:"archive,omitempty"`

	Checksum string `json:"checksum,omitempty"`
}

// Statement is a single SQL statement. When Unless is set, it is a count
// query and the statement is skipped if it returns a non-zero count.
type Statement struct {
	SQL    string `json:"sql"`
	Unless string `json:"unless,omitempty"`
}

// CatalogValue is one value of an enumerated type.
type CatalogValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (v CatalogValue) String() string {
	return fmt.Sprintf("%s.%s", v.Type, v.Value)
}

// CheckKind enumerates the supported pre/postcondition kinds.
type CheckKind string

const (
	CheckZeroRows         CheckKind = "zero_rows"
	CheckTypeExists       CheckKind = "type_exists"
	CheckConstraintExists CheckKind = "constraint_exists"
	CheckBundleCommitted  CheckKind = "bundle_committed"
	CheckVerified         CheckKind = "verified"
	CheckBakeIn           CheckKind = "bake_in"
	CheckObserve          CheckKind = "observe"
)

// Check is a named condition evaluated against the store or the history ledger.
type Check struct {
	Kind CheckKind `json:"kind"`
	Name string    `json:"name"`
	// Query is a single-column count query (zero_rows, type_exists,
	// constraint_exists, observe).
	Query string `json:"query,omitempty"`
	// Target is a bundle id (bundle_committed, verified, bake_in).
	Target   string   `json:"target,omitempty"`
	Duration Duration `json:"duration,omitempty"`
}

// Duration marshals as a Go duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Bundle lookup helpers

// Find returns the bundle with the given id.
func (p *Plan) Find(id string) (*Bundle, bool) {
	for _, b := range p.Bundles {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// Index returns the position of the bundle in plan order, or -1.
func (p *Plan) Index(id string) int {
	for i, b := range p.Bundles {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// OfKind returns the bundles of kind k in plan order.
func (p *Plan) OfKind(k Kind) []*Bundle {
	var out []*Bundle
	for _, b := range p.Bundles {
		if b.Kind == k {
			out = append(out, b)
		}
	}
	return out
}
