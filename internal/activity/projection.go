package activity

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lockplane/consolidate/internal/mapping"
)

// Row is one source row keyed by column name.
type Row map[string]any

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Project maps a source row onto the consolidated fields of src's target.
// It never fails: absent columns and NULLs project to nil. entity_type is
// the one required field and falls back to the source table name.
func Project(src mapping.ActivitySource, row Row) map[string]any {
	out := make(map[string]any, len(Fields(src.Target)))
	for _, f := range Fields(src.Target) {
		var v any
		switch f {
		case "entity_type":
			v = text(resolve(src.EntityType, row))
			if v == nil {
				v = src.Table
			}
		case "entity_id":
			v = text(resolve(src.EntityID, row))
		case "field":
			v = text(resolve(src.Field, row))
		case "old_value":
			v = text(resolve(src.OldValue, row))
		case "new_value":
			v = text(resolve(src.NewValue, row))
		case "actor":
			v = text(resolve(src.Actor, row))
		case "kind":
			v = text(resolve(src.Kind, row))
		case "category":
			v = text(resolve(src.Category, row))
		case "title":
			v = render(src.Title, row)
		case "description":
			v = text(resolve(src.Description, row))
		case "metadata":
			v = metadata(src.Metadata, row)
		case "occurred_at":
			v = resolve(src.OccurredAt, row)
		}
		out[f] = v
	}
	return out
}

// RowID renders a source key the way CAST(key AS TEXT) does.
func RowID(v any) string {
	if s, ok := text(v).(string); ok {
		return s
	}
	return ""
}

// resolve returns the literal after "=", the named column, or nil.
func resolve(spec string, row Row) any {
	switch {
	case spec == "":
		return nil
	case strings.HasPrefix(spec, "="):
		return spec[1:]
	default:
		v, ok := row[spec]
		if !ok {
			return nil
		}
		if b, isBytes := v.([]byte); isBytes {
			return string(b)
		}
		return v
	}
}

// render resolves a title. Specs with {column} placeholders are templates;
// anything else resolves like a plain field.
func render(spec string, row Row) any {
	if !placeholder.MatchString(spec) || strings.HasPrefix(spec, "=") {
		return text(resolve(spec, row))
	}
	return placeholder.ReplaceAllStringFunc(spec, func(m string) string {
		s, _ := text(resolve(m[1:len(m)-1], row)).(string)
		return s
	})
}

// metadata encodes the listed columns as a JSON object, or nil when none are listed.
func metadata(cols []string, row Row) any {
	if len(cols) == 0 {
		return nil
	}
	m := make(map[string]any, len(cols))
	for _, c := range cols {
		v := resolve(c, row)
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		m[c] = v
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

// text converts a driver value to its text form, keeping nil as nil.
func text(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
