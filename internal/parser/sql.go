// Package parser inspects PostgreSQL statements with pg_query.
//
// The planner uses it to prove catalog and destructive changes are placed in
// the right kind of bundle: it finds ALTER TYPE ... ADD VALUE, DROP statements,
// concurrent index builds, transaction control and string literals.
package parser

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// EnumAddition is an ALTER TYPE ... ADD VALUE statement.
type EnumAddition struct {
	Type  string
	Value string
}

// Drop is a destructive statement.
type Drop struct {
	// Object is TABLE, TYPE, INDEX, COLUMN or CONSTRAINT.
	Object string
	Name   string
}

// Analysis summarizes one or more statements.
type Analysis struct {
	Statements     int
	EnumAdditions  []EnumAddition
	Drops          []Drop
	Concurrent     bool // CREATE/DROP INDEX CONCURRENTLY
	TransactionCtl bool // BEGIN/COMMIT/ROLLBACK inside the text
	Literals       []string
}

// Analyze parses sql and summarizes what it does.
func Analyze(sql string) (*Analysis, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQL: %w", err)
	}

	a := &Analysis{}
	for _, raw := range tree.Stmts {
		if raw.Stmt == nil {
			continue
		}
		a.Statements++

		switch node := raw.Stmt.Node.(type) {
		case *pg_query.Node_AlterEnumStmt:
			stmt := node.AlterEnumStmt
			// ALTER TYPE ... RENAME VALUE sets OldVal
			if stmt.NewVal != "" && stmt.OldVal == "" {
				a.EnumAdditions = append(a.EnumAdditions, EnumAddition{
					Type:  qualifiedName(stmt.TypeName),
					Value: stmt.NewVal,
				})
			}

		case *pg_query.Node_DropStmt:
			stmt := node.DropStmt
			if stmt.Concurrent {
				a.Concurrent = true
			}
			object := objectTypeName(stmt.RemoveType)
			for _, obj := range stmt.Objects {
				a.Drops = append(a.Drops, Drop{Object: object, Name: dropObjectName(obj)})
			}

		case *pg_query.Node_AlterTableStmt:
			stmt := node.AlterTableStmt
			table := ""
			if stmt.Relation != nil {
				table = stmt.Relation.Relname
			}
			for _, cmdNode := range stmt.Cmds {
				cmd, ok := cmdNode.Node.(*pg_query.Node_AlterTableCmd)
				if !ok {
					continue
				}
				switch cmd.AlterTableCmd.Subtype {
				case pg_query.AlterTableType_AT_DropColumn:
					a.Drops = append(a.Drops, Drop{Object: "COLUMN", Name: table + "." + cmd.AlterTableCmd.Name})
				case pg_query.AlterTableType_AT_DropConstraint:
					a.Drops = append(a.Drops, Drop{Object: "CONSTRAINT", Name: table + "." + cmd.AlterTableCmd.Name})
				}
			}

		case *pg_query.Node_IndexStmt:
			if node.IndexStmt.Concurrent {
				a.Concurrent = true
			}

		case *pg_query.Node_TransactionStmt:
			a.TransactionCtl = true
		}
	}

	literals, err := StringLiterals(sql)
	if err != nil {
		return nil, err
	}
	a.Literals = literals

	return a, nil
}

// StringLiterals returns every single-quoted string constant in sql, unescaped.
func StringLiterals(sql string) ([]string, error) {
	scan, err := pg_query.Scan(sql)
	if err != nil {
		return nil, fmt.Errorf("failed to scan SQL: %w", err)
	}

	var out []string
	for _, tok := range scan.Tokens {
		if tok.Token != pg_query.Token_SCONST {
			continue
		}
		start, end := int(tok.Start), int(tok.End)
		if start < 0 || end > len(sql) || end-start < 2 {
			continue
		}
		text := sql[start:end]
		// E'...' strings are reported with their prefix
		if text[0] != '\'' {
			if idx := strings.IndexByte(text, '\''); idx >= 0 {
				text = text[idx:]
			}
		}
		if len(text) < 2 {
			continue
		}
		out = append(out, strings.ReplaceAll(text[1:len(text)-1], "''", "'"))
	}
	return out, nil
}

// Split splits a multi-statement string into individual statements.
func Split(sql string) ([]string, error) {
	parts, err := pg_query.SplitWithParser(sql, true)
	if err != nil {
		return nil, fmt.Errorf("failed to split SQL: %w", err)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// IsDestructive reports whether the analysis contains any drop.
func (a *Analysis) IsDestructive() bool {
	return len(a.Drops) > 0
}

// ContainsLiteral reports whether value appears as a string constant.
func (a *Analysis) ContainsLiteral(value string) bool {
	for _, l := range a.Literals {
		if l == value {
			return true
		}
	}
	return false
}

func qualifiedName(nodes []*pg_query.Node) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if s, ok := n.Node.(*pg_query.Node_String_); ok {
			parts = append(parts, s.String_.Sval)
		}
	}
	return strings.Join(parts, ".")
}

func dropObjectName(obj *pg_query.Node) string {
	switch n := obj.Node.(type) {
	case *pg_query.Node_List:
		return qualifiedName(n.List.Items)
	case *pg_query.Node_TypeName:
		return qualifiedName(n.TypeName.Names)
	case *pg_query.Node_String_:
		return n.String_.Sval
	default:
		return ""
	}
}

func objectTypeName(t pg_query.ObjectType) string {
	switch t {
	case pg_query.ObjectType_OBJECT_TABLE:
		return "TABLE"
	case pg_query.ObjectType_OBJECT_TYPE:
		return "TYPE"
	case pg_query.ObjectType_OBJECT_INDEX:
		return "INDEX"
	case pg_query.ObjectType_OBJECT_TRIGGER:
		return "TRIGGER"
	default:
		return strings.TrimPrefix(t.String(), "OBJECT_")
	}
}
