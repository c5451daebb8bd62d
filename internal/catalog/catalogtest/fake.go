// Package catalogtest provides an in-memory catalog.Catalog for unit tests.
package catalogtest

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

type Fake struct {
	mu        sync.Mutex
	Schemas   map[string]bool
	Tables    map[string]catalog.TableDefinition
	Comments  map[string]string
	Rows      map[string]int64
	Checksums map[string]string
	Metadata  map[string]bool
	FKUpgrade map[string]int

	// Calls records mutating calls in order, e.g. "CreateTable dmgr.orders".
	Calls []string
	// Err, when set, is returned by the named method.
	Err map[string]error
}

func New() *Fake {
	return &Fake{
		Schemas:   map[string]bool{},
		Tables:    map[string]catalog.TableDefinition{},
		Comments:  map[string]string{},
		Rows:      map[string]int64{},
		Checksums: map[string]string{},
		Metadata:  map[string]bool{},
		FKUpgrade: map[string]int{},
		Err:       map[string]error{},
	}
}

func key(schema, table string) string { return schema + "." + table }

// AddTable registers def and its schema.
func (f *Fake) AddTable(def catalog.TableDefinition, rows int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Schemas[def.Schema] = true
	f.Tables[key(def.Schema, def.Name)] = def
	f.Rows[key(def.Schema, def.Name)] = rows
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) WithTx(pgx.Tx) catalog.Catalog { return f }

func (f *Fake) EnsureSchema(_ context.Context, schema string) error {
	if err := sanitize.Check(schema); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["EnsureSchema"]; err != nil {
		return err
	}
	f.Schemas[schema] = true
	f.record("EnsureSchema " + schema)
	return nil
}

func (f *Fake) SchemaExists(_ context.Context, schema string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Schemas[schema], nil
}

func (f *Fake) TableExists(_ context.Context, table string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var schemas []string
	for _, def := range f.Tables {
		if def.Name == table {
			schemas = append(schemas, def.Schema)
		}
	}
	if len(schemas) == 0 {
		return "", false, nil
	}
	sort.Strings(schemas)
	return schemas[0], true, nil
}

func (f *Fake) TableExistsInSchema(_ context.Context, table, schema string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Tables[key(schema, table)]
	return ok, nil
}

func (f *Fake) ColumnTypes(ctx context.Context, table, schema string) (map[string]string, error) {
	def, err := f.TableDefinition(ctx, table, schema)
	if err != nil {
		return nil, err
	}
	types := map[string]string{}
	for _, c := range def.Columns {
		types[c.Name] = c.FormatType
	}
	return types, nil
}

func (f *Fake) TableDefinition(ctx context.Context, table, schema string) (catalog.TableDefinition, error) {
	if schema == "" {
		s, ok, _ := f.TableExists(ctx, table)
		if !ok {
			return catalog.TableDefinition{}, errors.Wrap(models.ErrTableNotFound, table)
		}
		schema = s
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.Tables[key(schema, table)]
	if !ok {
		return catalog.TableDefinition{}, errors.Wrap(models.ErrTableNotFound, key(schema, table))
	}
	return def, nil
}

func (f *Fake) CreateTable(_ context.Context, def catalog.TableDefinition) error {
	if _, err := catalog.BuildCreateTable(def); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["CreateTable"]; err != nil {
		return err
	}
	if _, ok := f.Tables[key(def.Schema, def.Name)]; !ok {
		f.Tables[key(def.Schema, def.Name)] = def
	}
	f.record("CreateTable " + key(def.Schema, def.Name))
	return nil
}

func (f *Fake) CreateMetadataTables(_ context.Context, schema string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Metadata[schema] = true
	f.record("CreateMetadataTables " + schema)
	return nil
}

func (f *Fake) UpgradeForeignKeys(_ context.Context, schema string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.FKUpgrade[schema]
	f.FKUpgrade[schema] = 0
	f.record("UpgradeForeignKeys " + schema)
	return n, nil
}

func (f *Fake) DropTable(_ context.Context, table, schema string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["DropTable"]; err != nil {
		return err
	}
	delete(f.Tables, key(schema, table))
	f.record("DropTable " + key(schema, table))
	return nil
}

func (f *Fake) RenameTable(_ context.Context, table, schema, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if def, ok := f.Tables[key(schema, table)]; ok {
		delete(f.Tables, key(schema, table))
		def.Name = newName
		f.Tables[key(schema, newName)] = def
		f.Rows[key(schema, newName)] = f.Rows[key(schema, table)]
		if c, ok := f.Comments[key(schema, table)]; ok {
			delete(f.Comments, key(schema, table))
			f.Comments[key(schema, newName)] = c
		}
	}
	f.record("RenameTable " + key(schema, table) + " " + newName)
	return nil
}

func (f *Fake) CommentOnTable(_ context.Context, table, schema, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments[key(schema, table)] = comment
	return nil
}

func (f *Fake) TableComment(_ context.Context, table, schema string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Comments[key(schema, table)], nil
}

func (f *Fake) RowCount(_ context.Context, table, schema string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err["RowCount"]; err != nil {
		return 0, err
	}
	return f.Rows[key(schema, table)], nil
}

func (f *Fake) Checksum(_ context.Context, table, schema, _ string, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Checksums[key(schema, table)], nil
}

var _ catalog.Catalog = (*Fake)(nil)
