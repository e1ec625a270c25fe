package mapping

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	doc, err := Load(filepath.Join("testdata", "buyers.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if doc.Name != "plan_buyers" {
		t.Errorf("Name = %q", doc.Name)
	}
	epoch, err := doc.EpochTime()
	if err != nil {
		t.Fatalf("EpochTime() error = %v", err)
	}
	if !epoch.Equal(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("EpochTime() = %v", epoch)
	}
	if doc.Legacy.Member.LegacyFK != "waitlist_buyers_waitlist_id_fkey" {
		t.Errorf("LegacyFK = %q", doc.Legacy.Member.LegacyFK)
	}
	if got := doc.OrphanBatchSize(); got != 200 {
		t.Errorf("OrphanBatchSize() = %d, want 200", got)
	}
	bakeIn, err := doc.BakeIn()
	if err != nil || bakeIn != 336*time.Hour {
		t.Errorf("BakeIn() = %v, %v", bakeIn, err)
	}

	stages, err := doc.StageMapping()
	if err != nil {
		t.Fatalf("StageMapping() error = %v", err)
	}
	if got := stages.Map("AWAITING_PICK"); got != "AWAITING_PICK" {
		t.Errorf("Map(AWAITING_PICK) = %q", got)
	}
	if got := stages.Map("FOO"); got != "ASSIGNED" {
		t.Errorf("Map(FOO) = %q, want default", got)
	}

	if len(doc.Activity.Sources) != 2 {
		t.Fatalf("expected 2 activity sources, got %d", len(doc.Activity.Sources))
	}
	if doc.Activity.Ledger() != DefaultLedgerTable || doc.Activity.Timeline() != DefaultTimelineTable {
		t.Errorf("unexpected activity tables %s, %s", doc.Activity.Ledger(), doc.Activity.Timeline())
	}
	if !doc.Activity.Uses(TargetLedger) || !doc.Activity.Uses(TargetTimeline) {
		t.Error("both targets should be in use")
	}
}

func TestDefaults(t *testing.T) {
	doc := &Document{}
	if got, _ := doc.BakeIn(); got != DefaultBakeIn {
		t.Errorf("BakeIn() = %v, want %v", got, DefaultBakeIn)
	}
	if got := doc.OrphanBatchSize(); got != DefaultOrphanBatchSize {
		t.Errorf("OrphanBatchSize() = %d", got)
	}
	if m, err := doc.StageMapping(); m != nil || err != nil {
		t.Errorf("StageMapping() without stage = %v, %v", m, err)
	}
}

const minimal = `
name: buyers
epoch: "2025-01-01T00:00:00Z"
legacy:
  group: {table: groups, key: id, canonical_ref: parent_id}
  member: {table: members, key: id, group_ref: group_id, canonical_ref: parent_id}
canonical:
  parent: {table: parents, key: id}
  child: {table: children, key: id, parent_ref: parent_id, legacy_ref: member_id}
`

func TestParse_Minimal(t *testing.T) {
	doc, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.Canonical.Child.LegacyRef != "member_id" {
		t.Errorf("LegacyRef = %q", doc.Canonical.Child.LegacyRef)
	}
	if !doc.Cleanup.IsEmpty() {
		t.Error("cleanup should be empty")
	}
}

func TestParse_JSON(t *testing.T) {
	data := `{"name":"buyers","epoch":"2025-01-01T00:00:00Z",
  "legacy":{"group":{"table":"groups","key":"id","canonical_ref":"parent_id"},
            "member":{"table":"members","key":"id","group_ref":"group_id","canonical_ref":"parent_id"}},
  "canonical":{"parent":{"table":"parents","key":"id"},
               "child":{"table":"children","key":"id","parent_ref":"parent_id","legacy_ref":"member_id"}}}`
	if _, err := Parse([]byte(data)); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		replace [2]string
		wantErr string
	}{
		{
			name:    "unknown field",
			extra:   "bogus: true\n",
			wantErr: "does not match schema",
		},
		{
			name:    "bad name",
			replace: [2]string{"name: buyers", "name: Buyers"},
			wantErr: "does not match schema",
		},
		{
			name:    "bad epoch",
			replace: [2]string{`"2025-01-01T00:00:00Z"`, "yesterday"},
			wantErr: "RFC 3339",
		},
		{
			name:    "stage without default",
			extra:   "",
			replace: [2]string{"legacy_ref: member_id}", "legacy_ref: member_id, stage: {column: stage, from: m.status, mapping: {A: B}}}"},
			wantErr: "does not match schema",
		},
		{
			name:    "bad bake in",
			extra:   "cutover: {bake_in: forever}\n",
			wantErr: "cutover.bake_in",
		},
		{
			name:    "cleanup drops canonical table",
			extra:   "cleanup: {drop_tables: [children]}\n",
			wantErr: "still read after cleanup",
		},
		{
			name:    "cleanup drops canonical key",
			extra:   "cleanup: {drop_columns: [{table: children, name: parent_id}]}\n",
			wantErr: "still read after cleanup",
		},
		{
			name: "duplicate source",
			extra: `activity:
  sources:
    - {name: notes, table: notes, key: id, target: timeline, entity_type: "=x", entity_id: x_id}
    - {name: notes, table: other_notes, key: id, target: timeline, entity_type: "=x", entity_id: x_id}
`,
			wantErr: "duplicate source name",
		},
		{
			name: "same table twice into one target",
			extra: `activity:
  sources:
    - {name: a, table: notes, key: id, target: timeline, entity_type: "=x", entity_id: x_id}
    - {name: b, table: notes, key: id, target: timeline, entity_type: "=y", entity_id: y_id}
`,
			wantErr: "both import notes",
		},
		{
			name:    "cleanup drops activity table",
			extra:   "cleanup: {drop_tables: [activity_timeline]}\nactivity:\n  sources:\n    - {name: a, table: notes, key: id, target: timeline, entity_type: \"=x\", entity_id: x_id}\n",
			wantErr: "still read after cleanup",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := minimal
			if tt.replace[0] != "" {
				data = strings.Replace(data, tt.replace[0], tt.replace[1], 1)
			}
			data += tt.extra
			_, err := Parse([]byte(data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := Parse([]byte("")); err == nil {
		t.Error("expected error for empty document")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read mapping") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestLoad_ReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("name: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), path) {
		t.Errorf("Load() error = %v, want path in message", err)
	}
}
