package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/models"
)

// MetadataRepository reads and writes table_metadata / column_metadata in one
// schema. The registry schema holds the authoritative rows; a target schema
// holds the mirror rows written during provisioning and cutover.
type MetadataRepository interface {
	GetTable(ctx context.Context, id string) (models.TableMetadata, error)
	ListColumns(ctx context.Context, tableID string) ([]models.ColumnMetadata, error)
	UpsertTable(ctx context.Context, t models.TableMetadata) error
	UpsertColumns(ctx context.Context, cols []models.ColumnMetadata) error

	// UpdatePointer repoints a table from (fromSchema, fromTable) to
	// (toSchema, toTable) and bumps its version. It fails when the pointer no
	// longer matches the expected source.
	UpdatePointer(ctx context.Context, id, fromSchema, fromTable, toSchema, toTable string) (models.TableMetadata, error)

	WithTx(tx pgx.Tx) MetadataRepository
}

type metadataRepository struct {
	db      DBTX
	schema  string
	tables  string
	columns string
}

func NewMetadataRepository(db DBTX, schema string) MetadataRepository {
	return &metadataRepository{
		db:      db,
		schema:  schema,
		tables:  table(schema, "table_metadata"),
		columns: table(schema, "column_metadata"),
	}
}

func (r *metadataRepository) WithTx(tx pgx.Tx) MetadataRepository {
	return &metadataRepository{db: tx, schema: r.schema, tables: r.tables, columns: r.columns}
}

const tableColumns = `id, label, physical_table, physical_schema, version, created_by, updated_by, created_at, updated_at`

func (r *metadataRepository) GetTable(ctx context.Context, id string) (models.TableMetadata, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, tableColumns, r.tables)
	t, err := scanTable(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TableMetadata{}, models.ErrTableNotFound
		}
		return models.TableMetadata{}, errors.Wrapf(err, "get table metadata %s", id)
	}
	return t, nil
}

func (r *metadataRepository) ListColumns(ctx context.Context, tableID string) ([]models.ColumnMetadata, error) {
	query := fmt.Sprintf(`
		SELECT id, table_id, label, physical_column, logical_type, created_by, updated_by, created_at, updated_at
		FROM %s
		WHERE table_id = $1
		ORDER BY created_at, id
	`, r.columns)

	rows, err := r.db.Query(ctx, query, tableID)
	if err != nil {
		return nil, errors.Wrapf(err, "list columns of %s", tableID)
	}
	defer rows.Close()

	var cols []models.ColumnMetadata
	for rows.Next() {
		var c models.ColumnMetadata
		if err := rows.Scan(
			&c.ID, &c.TableID, &c.Label, &c.PhysicalColumn, &c.LogicalType,
			&c.CreatedBy, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (r *metadataRepository) UpsertTable(ctx context.Context, t models.TableMetadata) error {
	if t.Version == 0 {
		t.Version = 1
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, label, physical_table, physical_schema, version, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			physical_table = EXCLUDED.physical_table,
			physical_schema = EXCLUDED.physical_schema,
			version = EXCLUDED.version,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
	`, r.tables)
	_, err := r.db.Exec(ctx, query, t.ID, t.Label, t.PhysicalTable, t.PhysicalSchema, t.Version, t.CreatedBy, t.UpdatedBy)
	return errors.Wrapf(err, "upsert table metadata %s", t.ID)
}

func (r *metadataRepository) UpsertColumns(ctx context.Context, cols []models.ColumnMetadata) error {
	if len(cols) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, table_id, label, physical_column, logical_type, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			physical_column = EXCLUDED.physical_column,
			logical_type = EXCLUDED.logical_type,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
	`, r.columns)

	batch := &pgx.Batch{}
	for _, c := range cols {
		batch.Queue(query, c.ID, c.TableID, c.Label, c.PhysicalColumn, c.LogicalType, c.CreatedBy, c.UpdatedBy)
	}
	results := r.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return errors.Wrap(err, "upsert column metadata")
		}
	}
	return results.Close()
}

func (r *metadataRepository) UpdatePointer(ctx context.Context, id, fromSchema, fromTable, toSchema, toTable string) (models.TableMetadata, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET physical_schema = $4, physical_table = $5, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND physical_schema = $2 AND physical_table = $3
		RETURNING %s
	`, r.tables, tableColumns)

	t, err := scanTable(r.db.QueryRow(ctx, query, id, fromSchema, fromTable, toSchema, toTable))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TableMetadata{}, errors.Errorf("table %s no longer points at %s.%s", id, fromSchema, fromTable)
		}
		return models.TableMetadata{}, errors.Wrapf(err, "update pointer of %s", id)
	}
	return t, nil
}

func scanTable(row scanner) (models.TableMetadata, error) {
	var t models.TableMetadata
	err := row.Scan(
		&t.ID, &t.Label, &t.PhysicalTable, &t.PhysicalSchema, &t.Version,
		&t.CreatedBy, &t.UpdatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}
