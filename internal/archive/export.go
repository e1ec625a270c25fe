package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/dialect"
)

// Export describes one archived table.
type Export struct {
	Table    string
	Rows     int64
	Location string
}

// Key is the object key a table of bundleID is archived under.
func Key(plan, bundleID, table string) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", plan, bundleID, dialect.Unquote(table))
}

// maxAttempts bounds the numbered copies kept for one table of one bundle.
const maxAttempts = 100

// attemptKey is key for the first export and key with a numeric suffix for
// later exports of a re-run bundle.
func attemptKey(key string, n int) string {
	if n == 0 {
		return key
	}
	return fmt.Sprintf("%s.%d.jsonl", strings.TrimSuffix(key, ".jsonl"), n)
}

// ExportTables writes every row of each table to sink as JSON lines. Rows are
// spooled to a temporary file first so the sink receives a seekable body.
func ExportTables(ctx context.Context, sess database.Session, d dialect.Dialect, sink Sink, plan, bundleID string, tables []string) ([]Export, error) {
	out := make([]Export, 0, len(tables))
	for _, table := range tables {
		exp, err := exportTable(ctx, sess, d, sink, Key(plan, bundleID, table), table)
		if err != nil {
			return out, fmt.Errorf("failed to archive %s: %w", table, err)
		}
		out = append(out, exp)
	}
	return out, nil
}

func exportTable(ctx context.Context, sess database.Session, d dialect.Dialect, sink Sink, key, table string) (Export, error) {
	tmp, err := os.CreateTemp("", "consolidate-archive-*.jsonl")
	if err != nil {
		return Export{}, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	n, err := WriteRows(ctx, sess, d, tmp, table)
	if err != nil {
		return Export{}, err
	}
	// A re-run after a failed cleanup keeps the earlier export and writes
	// the next numbered copy.
	for attempt := 0; ; attempt++ {
		if attempt == maxAttempts {
			return Export{}, fmt.Errorf("%w: %d copies of %s", ErrExists, maxAttempts, key)
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return Export{}, err
		}
		err := sink.Put(ctx, attemptKey(key, attempt), tmp)
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return Export{}, err
		}
		key = attemptKey(key, attempt)
		break
	}
	return Export{Table: table, Rows: n, Location: sink.Location(key)}, nil
}

// WriteRows streams SELECT * FROM table to w as JSON lines.
func WriteRows(ctx context.Context, sess database.Session, d dialect.Dialect, w io.Writer, table string) (int64, error) {
	rows, err := sess.QueryContext(ctx, "SELECT * FROM "+d.QuoteIdent(table))
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var n int64
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return n, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		if err := enc.Encode(row); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}
