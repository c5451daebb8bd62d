package catalog

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

// BuildCreateTable produces an idempotent CREATE TABLE for def. Every
// identifier is sanitized; an invalid one aborts before any SQL is returned.
func BuildCreateTable(def TableDefinition) (string, error) {
	qualified, err := sanitize.Qualified(def.Schema, def.Name)
	if err != nil {
		return "", err
	}
	if len(def.Columns) == 0 {
		return "", errors.Errorf("table %s has no columns", def.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", qualified)

	for i, col := range def.Columns {
		name, err := sanitize.Identifier(col.Name)
		if err != nil {
			return "", err
		}
		typ, err := col.SQLType()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "  %s %s", name, typ)

		switch {
		case col.Identity:
			b.WriteString(" GENERATED BY DEFAULT AS IDENTITY")
		case col.Default != nil:
			b.WriteString(" DEFAULT " + *col.Default)
		}
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(def.Columns)-1 || def.PrimaryKey != "" || len(def.Constraints) > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}

	if def.PrimaryKey != "" {
		pk, err := sanitize.Identifier(def.PrimaryKey)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "  PRIMARY KEY (%s)", pk)
		if len(def.Constraints) > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}

	// Constraint and index names are left to the engine. Retired shadows keep
	// theirs in the target schema, so reusing the source names would collide.
	for i, c := range def.Constraints {
		fmt.Fprintf(&b, "  %s", c.Definition)
		if i < len(def.Constraints)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}

	b.WriteString(")")
	return b.String(), nil
}

// BuildMetadataTables returns the DDL for the table/column registry pair in
// schema, matching the registry's own layout.
func BuildMetadataTables(schema string) ([]string, error) {
	s, err := sanitize.Identifier(schema)
	if err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.table_metadata (
  id TEXT PRIMARY KEY,
  label TEXT NOT NULL,
  physical_table TEXT NOT NULL,
  physical_schema TEXT NOT NULL,
  version INTEGER NOT NULL DEFAULT 1,
  created_by TEXT,
  updated_by TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.column_metadata (
  id TEXT PRIMARY KEY,
  table_id TEXT NOT NULL REFERENCES %s.table_metadata (id) ON DELETE CASCADE,
  label TEXT NOT NULL,
  physical_column TEXT NOT NULL,
  logical_type TEXT NOT NULL,
  created_by TEXT,
  updated_by TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (table_id, physical_column)
)`, s, s),
	}, nil
}
