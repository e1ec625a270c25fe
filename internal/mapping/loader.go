package mapping

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed mapping.schema.json
var schemaJSON []byte

var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Load reads and validates a mapping document from a YAML or JSON file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse validates data against the embedded JSON Schema, decodes it and
// checks the semantic rules. JSON is accepted as a subset of YAML.
func Parse(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse mapping: %w", err)
	}
	if raw == nil {
		return nil, errors.New("mapping document is empty")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(normalize(raw)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate mapping: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("mapping does not match schema:\n  %s", strings.Join(msgs, "\n  "))
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode mapping: %w", err)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// normalize converts YAML-decoded values into JSON-compatible ones.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// Validate checks rules the JSON Schema cannot express.
func (d *Document) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slugPattern.MatchString(d.Name) {
		add("name %q must match %s", d.Name, slugPattern)
	}
	if _, err := d.EpochTime(); err != nil {
		add("epoch %q is not an RFC 3339 timestamp", d.Epoch)
	}
	if _, err := d.BakeIn(); err != nil {
		add("cutover.bake_in: %v", err)
	}

	if d.Canonical.Child.Stage != nil {
		if _, err := d.StageMapping(); err != nil {
			add("canonical.child.stage: %v", err)
		}
	}

	for _, b := range d.ColumnBackfills {
		if b.Target != TargetParent && b.Target != TargetChild {
			add("column_backfills: target %q must be parent or child", b.Target)
		}
	}

	or := d.OrphanRepair
	if d.Canonical.Parent.IDStrategy == IDStrategyDatabase && len(or.ParentColumns) == 0 && or.Status == nil {
		add("orphan_repair: parent_columns or status is required when canonical.parent.id_strategy is database")
	}

	// Cleanup must not remove anything the canonical model or the
	// consolidated logs still need.
	protected := map[string]bool{
		d.Canonical.Parent.Table: true,
		d.Canonical.Child.Table:  true,
	}
	if len(d.Activity.Sources) > 0 {
		protected[d.Activity.Ledger()] = true
		protected[d.Activity.Timeline()] = true
	}
	for _, table := range d.Cleanup.DropTables {
		if protected[table] {
			add("cleanup.drop_tables: %q is still read after cleanup", table)
		}
	}
	protectedColumns := map[ColumnRef]bool{
		{Table: d.Canonical.Parent.Table, Name: d.Canonical.Parent.Key}:     true,
		{Table: d.Canonical.Child.Table, Name: d.Canonical.Child.Key}:       true,
		{Table: d.Canonical.Child.Table, Name: d.Canonical.Child.ParentRef}: true,
	}
	for _, col := range d.Cleanup.DropColumns {
		if protectedColumns[col] {
			add("cleanup.drop_columns: %s.%s is still read after cleanup", col.Table, col.Name)
		}
	}

	seen := map[string]bool{}
	provenance := map[[2]string]string{}
	for _, s := range d.Activity.Sources {
		if seen[s.Name] {
			add("activity.sources: duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		// The provenance key is (source table, row id), so one table may
		// feed each destination only once.
		key := [2]string{s.Table, s.Target}
		if other, ok := provenance[key]; ok {
			add("activity.sources: %q and %q both import %s into the %s", other, s.Name, s.Table, s.Target)
		}
		provenance[key] = s.Name
	}

	return errors.Join(errs...)
}
