package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx. Begin on a pgx.Tx opens
// a savepoint.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ Catalog = (*Postgres)(nil)

type Postgres struct {
	db     Querier
	logger zerolog.Logger
}

func NewPostgres(db Querier, logger zerolog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

func (p *Postgres) WithTx(tx pgx.Tx) Catalog {
	return &Postgres{db: tx, logger: p.logger}
}

func (p *Postgres) EnsureSchema(ctx context.Context, schema string) error {
	s, err := sanitize.Identifier(schema)
	if err != nil {
		return err
	}
	if _, err := p.db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+s); err != nil {
		return errors.Wrapf(err, "create schema %s", schema)
	}
	return nil
}

func (p *Postgres) SchemaExists(ctx context.Context, schema string) (bool, error) {
	if err := sanitize.Check(schema); err != nil {
		return false, err
	}
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_namespace WHERE nspname = $1)`, schema,
	).Scan(&exists)
	return exists, errors.Wrapf(err, "check schema %s", schema)
}

func (p *Postgres) TableExists(ctx context.Context, table string) (string, bool, error) {
	if err := sanitize.Check(table); err != nil {
		return "", false, err
	}
	var schema string
	err := p.db.QueryRow(ctx, `
		SELECT table_schema::text FROM information_schema.tables
		WHERE table_name = $1
		  AND table_type = 'BASE TABLE'
		  AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema
		LIMIT 1
	`, table).Scan(&schema)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "look up table %s", table)
	}
	return schema, true, nil
}

func (p *Postgres) TableExistsInSchema(ctx context.Context, table, schema string) (bool, error) {
	if err := sanitize.CheckAll(schema, table); err != nil {
		return false, err
	}
	var exists bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2 AND table_type = 'BASE TABLE'
		)
	`, schema, table).Scan(&exists)
	return exists, errors.Wrapf(err, "check table %s.%s", schema, table)
}

func (p *Postgres) ColumnTypes(ctx context.Context, table, schema string) (map[string]string, error) {
	def, err := p.TableDefinition(ctx, table, schema)
	if err != nil {
		return nil, err
	}
	types := make(map[string]string, len(def.Columns))
	for _, c := range def.Columns {
		types[c.Name] = c.FormatType
	}
	return types, nil
}

const columnsQuery = `
	SELECT c.column_name::text, c.data_type::text, c.udt_name::text, format_type(a.atttypid, a.atttypmod),
	       c.character_maximum_length::int, c.numeric_precision::int, c.numeric_scale::int,
	       c.is_nullable = 'YES', pg_get_expr(ad.adbin, ad.adrelid),
	       a.attidentity <> '', a.attgenerated <> '', c.ordinal_position::int
	FROM information_schema.columns c
	JOIN pg_catalog.pg_attribute a
	  ON a.attrelid = $3::text::regclass AND a.attname = c.column_name
	LEFT JOIN pg_catalog.pg_attrdef ad
	  ON ad.adrelid = a.attrelid AND ad.adnum = a.attnum
	WHERE c.table_schema = $1 AND c.table_name = $2
	ORDER BY c.ordinal_position
`

const primaryKeyQuery = `
	SELECT a.attname::text
	FROM pg_catalog.pg_index i
	JOIN pg_catalog.pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
	WHERE i.indrelid = $1::text::regclass AND i.indisprimary
`

const constraintsQuery = `
	SELECT conname::text, pg_get_constraintdef(oid)
	FROM pg_catalog.pg_constraint
	WHERE conrelid = $1::text::regclass AND contype IN ('u', 'c')
	ORDER BY conname
`

func (p *Postgres) TableDefinition(ctx context.Context, table, schema string) (TableDefinition, error) {
	if schema == "" {
		found, ok, err := p.TableExists(ctx, table)
		if err != nil {
			return TableDefinition{}, err
		}
		if !ok {
			return TableDefinition{}, errors.Wrapf(models.ErrTableNotFound, "table %s", table)
		}
		schema = found
	}
	qualified, err := sanitize.Qualified(schema, table)
	if err != nil {
		return TableDefinition{}, err
	}

	// With search_path = pg_catalog every expression comes back fully
	// qualified, so defaults stay valid in another schema. The transaction is
	// always rolled back.
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return TableDefinition{}, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO pg_catalog"); err != nil {
		return TableDefinition{}, errors.Wrap(err, "set search_path")
	}

	def := TableDefinition{Schema: schema, Name: table}

	rows, err := tx.Query(ctx, columnsQuery, schema, table, qualified)
	if err != nil {
		return TableDefinition{}, errors.Wrapf(err, "read columns of %s.%s", schema, table)
	}
	for rows.Next() {
		var c Column
		if err := rows.Scan(
			&c.Name, &c.DataType, &c.UDTName, &c.FormatType,
			&c.CharMaxLength, &c.NumericPrecision, &c.NumericScale,
			&c.Nullable, &c.Default, &c.Identity, &c.Generated, &c.Ordinal,
		); err != nil {
			rows.Close()
			return TableDefinition{}, err
		}
		def.Columns = append(def.Columns, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return TableDefinition{}, errors.Wrapf(err, "read columns of %s.%s", schema, table)
	}
	if len(def.Columns) == 0 {
		return TableDefinition{}, errors.Wrapf(models.ErrTableNotFound, "table %s.%s", schema, table)
	}

	keys, err := collectStrings(ctx, tx, primaryKeyQuery, qualified)
	if err != nil {
		return TableDefinition{}, errors.Wrap(err, "read primary key")
	}
	if len(keys) == 1 {
		def.PrimaryKey = keys[0]
	}

	rows, err = tx.Query(ctx, constraintsQuery, qualified)
	if err != nil {
		return TableDefinition{}, errors.Wrap(err, "read constraints")
	}
	defer rows.Close()
	for rows.Next() {
		var c Constraint
		if err := rows.Scan(&c.Name, &c.Definition); err != nil {
			return TableDefinition{}, err
		}
		def.Constraints = append(def.Constraints, c)
	}
	return def, rows.Err()
}

func (p *Postgres) CreateTable(ctx context.Context, def TableDefinition) error {
	ddl, err := BuildCreateTable(def)
	if err != nil {
		return err
	}
	p.logger.Debug().Str("schema", def.Schema).Str("table", def.Name).Msg("creating table")
	if _, err := p.db.Exec(ctx, ddl); err != nil {
		return errors.Wrapf(err, "create table %s.%s", def.Schema, def.Name)
	}
	return nil
}

func (p *Postgres) CreateMetadataTables(ctx context.Context, schema string) error {
	stmts, err := BuildMetadataTables(schema)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return errors.Wrapf(err, "create metadata tables in %s", schema)
			}
		}
		return nil
	})
}

const legacyForeignKeysQuery = `
	SELECT con.conname::text
	FROM pg_catalog.pg_constraint con
	WHERE con.contype = 'f'
	  AND con.conrelid = $1::text::regclass
	  AND con.confrelid = $2::text::regclass
	  AND con.confdeltype <> 'c'
	ORDER BY con.conname
`

func (p *Postgres) UpgradeForeignKeys(ctx context.Context, schema string) (int, error) {
	s, err := sanitize.Identifier(schema)
	if err != nil {
		return 0, err
	}
	columns := s + ".column_metadata"
	tables := s + ".table_metadata"

	upgraded := 0
	err = p.inTx(ctx, func(tx pgx.Tx) error {
		names, err := collectStrings(ctx, tx, legacyForeignKeysQuery, columns, tables)
		if err != nil {
			return errors.Wrap(err, "find legacy foreign keys")
		}
		for _, name := range names {
			con, err := sanitize.Identifier(name)
			if err != nil {
				// Engine generated names are plain identifiers; anything else
				// is left for an operator.
				p.logger.Warn().Str("constraint", name).Msg("skipping foreign key with unsafe name")
				continue
			}
			stmt := fmt.Sprintf(
				"ALTER TABLE %s DROP CONSTRAINT %s, ADD CONSTRAINT %s FOREIGN KEY (table_id) REFERENCES %s (id) ON DELETE CASCADE",
				columns, con, con, tables,
			)
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return errors.Wrapf(err, "upgrade foreign key %s", name)
			}
			upgraded++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if upgraded > 0 {
		p.logger.Info().Str("schema", schema).Int("constraints", upgraded).Msg("upgraded foreign keys to cascade")
	}
	return upgraded, nil
}

func (p *Postgres) DropTable(ctx context.Context, table, schema string) error {
	q, err := sanitize.Qualified(schema, table)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, "DROP TABLE IF EXISTS "+q)
	return errors.Wrapf(err, "drop table %s.%s", schema, table)
}

func (p *Postgres) RenameTable(ctx context.Context, table, schema, newName string) error {
	q, err := sanitize.Qualified(schema, table)
	if err != nil {
		return err
	}
	n, err := sanitize.Identifier(newName)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, fmt.Sprintf("ALTER TABLE IF EXISTS %s RENAME TO %s", q, n))
	return errors.Wrapf(err, "rename table %s.%s", schema, table)
}

func (p *Postgres) CommentOnTable(ctx context.Context, table, schema, comment string) error {
	q, err := sanitize.Qualified(schema, table)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, fmt.Sprintf("COMMENT ON TABLE %s IS %s", q, sanitize.Literal(comment)))
	return errors.Wrapf(err, "comment on %s.%s", schema, table)
}

func (p *Postgres) TableComment(ctx context.Context, table, schema string) (string, error) {
	q, err := sanitize.Qualified(schema, table)
	if err != nil {
		return "", err
	}
	var comment *string
	err = p.db.QueryRow(ctx, `SELECT obj_description($1::text::regclass, 'pg_class')`, q).Scan(&comment)
	if err != nil {
		return "", errors.Wrapf(err, "read comment of %s.%s", schema, table)
	}
	if comment == nil {
		return "", nil
	}
	return *comment, nil
}

func (p *Postgres) RowCount(ctx context.Context, table, schema string) (int64, error) {
	q, err := sanitize.Qualified(schema, table)
	if err != nil {
		return 0, err
	}
	var n int64
	err = p.db.QueryRow(ctx, "SELECT count(*) FROM "+q).Scan(&n)
	return n, errors.Wrapf(err, "count rows of %s.%s", schema, table)
}

func (p *Postgres) Checksum(ctx context.Context, table, schema, key string, columns []string) (string, error) {
	query, err := BuildChecksumQuery(table, schema, key, columns)
	if err != nil {
		return "", err
	}
	var sum *string
	if err := p.db.QueryRow(ctx, query).Scan(&sum); err != nil {
		return "", errors.Wrapf(err, "checksum %s.%s", schema, table)
	}
	if sum == nil {
		// Empty table.
		return "", nil
	}
	return *sum, nil
}

// BuildChecksumQuery hashes the listed columns of every row, in key order.
func BuildChecksumQuery(table, schema, key string, columns []string) (string, error) {
	q, err := sanitize.Qualified(schema, table)
	if err != nil {
		return "", err
	}
	k, err := sanitize.Identifier(key)
	if err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", errors.New("checksum needs at least one column")
	}
	cols := make([]string, len(columns))
	for i, c := range columns {
		if cols[i], err = sanitize.Identifier(c); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf(
		"SELECT md5(string_agg(md5(ROW(%s)::text), '' ORDER BY %s)) FROM %s",
		strings.Join(cols, ", "), k, q,
	), nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func collectStrings(ctx context.Context, db Querier, query string, args ...any) ([]string, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
