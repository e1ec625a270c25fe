// Package mapping loads the document describing one legacy-to-canonical
// consolidation.
//
// SQL expressions in the document ("from" fields) may reference the fixed
// aliases m (legacy member), g (legacy group), p (canonical parent) and
// c (canonical child).
package mapping

import (
	"time"

	"github.com/lockplane/consolidate/internal/stagemap"
)

// Fixed SQL aliases available to "from" expressions.
const (
	AliasMember = "m"
	AliasGroup  = "g"
	AliasParent = "p"
	AliasChild  = "c"
)

const (
	IDStrategyUUID     = "uuid"
	IDStrategyDatabase = "database"

	TargetParent   = "parent"
	TargetChild    = "child"
	TargetLedger   = "ledger"
	TargetTimeline = "timeline"

	DefaultBakeIn          = 168 * time.Hour
	DefaultOrphanBatchSize = 500
	DefaultLedgerTable     = "activity_ledger"
	DefaultTimelineTable   = "activity_timeline"
)

// Document is a parsed mapping document.
type Document struct {
	Name            string           `yaml:"name" json:"name"`
	Epoch           string           `yaml:"epoch" json:"epoch"`
	Catalog         Catalog          `yaml:"catalog" json:"catalog"`
	Legacy          Legacy           `yaml:"legacy" json:"legacy"`
	Canonical       Canonical        `yaml:"canonical" json:"canonical"`
	ColumnBackfills []ColumnBackfill `yaml:"column_backfills" json:"column_backfills"`
	OrphanRepair    OrphanRepair     `yaml:"orphan_repair" json:"orphan_repair"`
	Cutover         Cutover          `yaml:"cutover" json:"cutover"`
	Cleanup         Cleanup          `yaml:"cleanup" json:"cleanup"`
	Activity        Activity         `yaml:"activity" json:"activity"`
}

// Catalog lists additive catalog changes.
type Catalog struct {
	EnumValues []EnumValues    `yaml:"enum_values" json:"enum_values"`
	Columns    []CatalogColumn `yaml:"columns" json:"columns"`
	Tables     []CatalogTable  `yaml:"tables" json:"tables"`
}

// EnumValues adds values to an enumerated type. With Create, the type is
// created first when missing.
type EnumValues struct {
	Type   string   `yaml:"type" json:"type"`
	Values []string `yaml:"values" json:"values"`
	Create bool     `yaml:"create" json:"create"`
}

// CatalogColumn is a new nullable column.
type CatalogColumn struct {
	Table string `yaml:"table" json:"table"`
	Name  string `yaml:"name" json:"name"`
	Type  string `yaml:"type" json:"type"`
}

// CatalogTable is a new table.
type CatalogTable struct {
	Name    string        `yaml:"name" json:"name"`
	Columns []TableColumn `yaml:"columns" json:"columns"`
}

type TableColumn struct {
	Name       string `yaml:"name" json:"name"`
	Type       string `yaml:"type" json:"type"`
	Nullable   bool   `yaml:"nullable" json:"nullable"`
	PrimaryKey bool   `yaml:"primary_key" json:"primary_key"`
}

type Legacy struct {
	Group  Group  `yaml:"group" json:"group"`
	Member Member `yaml:"member" json:"member"`
}

// Group is the legacy grouping entity. CanonicalRef is its nullable bridge
// key to the canonical parent.
type Group struct {
	Table        string `yaml:"table" json:"table"`
	Key          string `yaml:"key" json:"key"`
	CanonicalRef string `yaml:"canonical_ref" json:"canonical_ref"`
}

// Member is the legacy sub-entity. LegacyFK names the constraint from
// GroupRef to the group, dropped at cutover.
type Member struct {
	Table        string `yaml:"table" json:"table"`
	Key          string `yaml:"key" json:"key"`
	GroupRef     string `yaml:"group_ref" json:"group_ref"`
	CanonicalRef string `yaml:"canonical_ref" json:"canonical_ref"`
	LegacyFK     string `yaml:"legacy_fk" json:"legacy_fk"`
}

type Canonical struct {
	Parent Parent `yaml:"parent" json:"parent"`
	Child  Child  `yaml:"child" json:"child"`
}

type Parent struct {
	Table      string `yaml:"table" json:"table"`
	Key        string `yaml:"key" json:"key"`
	IDStrategy string `yaml:"id_strategy" json:"id_strategy"`
}

// Child is the canonical sub-entity. LegacyRef carries the member key it
// was created from.
type Child struct {
	Table      string       `yaml:"table" json:"table"`
	Key        string       `yaml:"key" json:"key"`
	IDStrategy string       `yaml:"id_strategy" json:"id_strategy"`
	ParentRef  string       `yaml:"parent_ref" json:"parent_ref"`
	LegacyRef  string       `yaml:"legacy_ref" json:"legacy_ref"`
	Columns    []ColumnExpr `yaml:"columns" json:"columns"`
	Stage      *Stage       `yaml:"stage" json:"stage"`
}

// ColumnExpr assigns a SQL expression to a column.
type ColumnExpr struct {
	Name string `yaml:"name" json:"name"`
	From string `yaml:"from" json:"from"`
}

// Stage maps a legacy state expression onto the child's stage column.
type Stage struct {
	Column  string            `yaml:"column" json:"column"`
	From    string            `yaml:"from" json:"from"`
	Cast    string            `yaml:"cast" json:"cast"`
	Mapping map[string]string `yaml:"mapping" json:"mapping"`
	Default string            `yaml:"default" json:"default"`
}

// ColumnBackfill fills a canonical column from legacy data, first writer wins.
type ColumnBackfill struct {
	Target string `yaml:"target" json:"target"`
	Column string `yaml:"column" json:"column"`
	From   string `yaml:"from" json:"from"`
}

// OrphanRepair describes the minimal parent synthesized for an orphan group.
type OrphanRepair struct {
	ParentColumns []ColumnExpr `yaml:"parent_columns" json:"parent_columns"`
	Status        *StatusValue `yaml:"status" json:"status"`
	BatchSize     int          `yaml:"batch_size" json:"batch_size"`
}

// StatusValue is the terminal lifecycle value given to synthesized parents.
type StatusValue struct {
	Column string `yaml:"column" json:"column"`
	Value  string `yaml:"value" json:"value"`
	Cast   string `yaml:"cast" json:"cast"`
}

type Cutover struct {
	BakeIn string `yaml:"bake_in" json:"bake_in"`
}

type Cleanup struct {
	DropColumns   []ColumnRef `yaml:"drop_columns" json:"drop_columns"`
	DropTables    []string    `yaml:"drop_tables" json:"drop_tables"`
	DropEnumTypes []string    `yaml:"drop_enum_types" json:"drop_enum_types"`
}

type ColumnRef struct {
	Table string `yaml:"table" json:"table"`
	Name  string `yaml:"name" json:"name"`
}

// IsEmpty reports whether cleanup drops nothing.
func (c Cleanup) IsEmpty() bool {
	return len(c.DropColumns) == 0 && len(c.DropTables) == 0 && len(c.DropEnumTypes) == 0
}

// Activity configures the Activity/Audit Consolidator.
type Activity struct {
	LedgerTable   string           `yaml:"ledger_table" json:"ledger_table"`
	TimelineTable string           `yaml:"timeline_table" json:"timeline_table"`
	Sources       []ActivitySource `yaml:"sources" json:"sources"`
}

// ActivitySource projects one legacy event table. Values starting with "="
// are literals; other non-empty values name source columns. Title and
// Description may contain {column} placeholders.
type ActivitySource struct {
	Name        string   `yaml:"name" json:"name"`
	Table       string   `yaml:"table" json:"table"`
	Key         string   `yaml:"key" json:"key"`
	Target      string   `yaml:"target" json:"target"`
	EntityType  string   `yaml:"entity_type" json:"entity_type"`
	EntityID    string   `yaml:"entity_id" json:"entity_id"`
	OccurredAt  string   `yaml:"occurred_at" json:"occurred_at"`
	Actor       string   `yaml:"actor" json:"actor"`
	Field       string   `yaml:"field" json:"field"`
	OldValue    string   `yaml:"old_value" json:"old_value"`
	NewValue    string   `yaml:"new_value" json:"new_value"`
	Kind        string   `yaml:"kind" json:"kind"`
	Category    string   `yaml:"category" json:"category"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description"`
	Metadata    []string `yaml:"metadata" json:"metadata"`
}

// EpochTime returns the parsed epoch.
func (d *Document) EpochTime() (time.Time, error) {
	return time.Parse(time.RFC3339, d.Epoch)
}

// BakeIn returns the cutover bake-in period.
func (d *Document) BakeIn() (time.Duration, error) {
	if d.Cutover.BakeIn == "" {
		return DefaultBakeIn, nil
	}
	return time.ParseDuration(d.Cutover.BakeIn)
}

// OrphanBatchSize returns the number of orphan groups scanned per batch.
func (d *Document) OrphanBatchSize() int {
	if d.OrphanRepair.BatchSize > 0 {
		return d.OrphanRepair.BatchSize
	}
	return DefaultOrphanBatchSize
}

// StageMapping returns the child's stage mapping, or nil when the child has no stage.
func (d *Document) StageMapping() (*stagemap.Mapping, error) {
	if d.Canonical.Child.Stage == nil {
		return nil, nil
	}
	s := d.Canonical.Child.Stage
	return stagemap.New(s.Mapping, s.Default)
}

// Ledger returns the configured ledger table name or its default.
func (a Activity) Ledger() string {
	if a.LedgerTable != "" {
		return a.LedgerTable
	}
	return DefaultLedgerTable
}

// Timeline returns the configured timeline table name or its default.
func (a Activity) Timeline() string {
	if a.TimelineTable != "" {
		return a.TimelineTable
	}
	return DefaultTimelineTable
}

// Uses reports whether any source writes to target.
func (a Activity) Uses(target string) bool {
	for _, s := range a.Sources {
		if s.Target == target {
			return true
		}
	}
	return false
}
