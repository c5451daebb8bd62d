// Package catalog inspects and shapes physical storage: schemas, table
// structure, metadata mirror tables and constraint upgrades. The migration
// pipeline depends only on the Catalog interface; Postgres is the one engine
// implemented.
package catalog

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Column is one physical column as reported by the engine.
type Column struct {
	Name             string
	DataType         string // information_schema data_type
	UDTName          string // base type name, e.g. int4, varchar
	FormatType       string // full type, e.g. character varying(255)
	CharMaxLength    *int
	NumericPrecision *int
	NumericScale     *int
	Nullable         bool
	Default          *string
	Identity         bool
	Generated        bool
	Ordinal          int
}

// TableDefinition is enough structure to reproduce a table elsewhere.
type TableDefinition struct {
	Schema      string
	Name        string
	Columns     []Column
	PrimaryKey  string // empty unless the key is a single column
	Constraints []Constraint
}

// Constraint is a UNIQUE or CHECK constraint carried over to shadows.
type Constraint struct {
	Name       string
	Definition string
}

// Column returns the column with the given name.
func (d TableDefinition) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns column names in ordinal order.
func (d TableDefinition) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// SameShape reports whether both tables have the same column names and types
// in the same order.
func (d TableDefinition) SameShape(other TableDefinition) bool {
	if len(d.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range d.Columns {
		o := other.Columns[i]
		if c.Name != o.Name || c.FormatType != o.FormatType || c.Nullable != o.Nullable {
			return false
		}
	}
	return d.PrimaryKey == other.PrimaryKey
}

type Catalog interface {
	EnsureSchema(ctx context.Context, schema string) error
	SchemaExists(ctx context.Context, schema string) (bool, error)

	// TableExists looks the table up in every user schema and returns the
	// first schema (by name) that holds it.
	TableExists(ctx context.Context, table string) (schema string, found bool, err error)
	TableExistsInSchema(ctx context.Context, table, schema string) (bool, error)

	// ColumnTypes maps column name to physical type. An empty schema resolves
	// the table via TableExists.
	ColumnTypes(ctx context.Context, table, schema string) (map[string]string, error)
	TableDefinition(ctx context.Context, table, schema string) (TableDefinition, error)

	CreateTable(ctx context.Context, def TableDefinition) error
	CreateMetadataTables(ctx context.Context, schema string) error
	// UpgradeForeignKeys rewrites column_metadata -> table_metadata foreign
	// keys in schema to ON DELETE CASCADE and returns how many it changed.
	UpgradeForeignKeys(ctx context.Context, schema string) (int, error)

	DropTable(ctx context.Context, table, schema string) error
	RenameTable(ctx context.Context, table, schema, newName string) error

	// CommentOnTable and TableComment tag tables with their owner.
	CommentOnTable(ctx context.Context, table, schema, comment string) error
	TableComment(ctx context.Context, table, schema string) (string, error)

	RowCount(ctx context.Context, table, schema string) (int64, error)
	// Checksum is the md5 of every row's md5, ordered by key.
	Checksum(ctx context.Context, table, schema, key string, columns []string) (string, error)

	// WithTx returns a Catalog bound to tx.
	WithTx(tx pgx.Tx) Catalog
}
