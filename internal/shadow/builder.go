// Package shadow provisions the target-schema copy of a table before it is
// synced and backfilled.
package shadow

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/repository"
)

// MirrorFactory returns the metadata repository for the mirror tables of a
// schema, or nil when the schema must not get mirror rows (the registry itself).
type MirrorFactory func(schema string) repository.MetadataRepository

// Plan describes one shadow to provision.
type Plan struct {
	JobID        int64
	Table        models.TableMetadata
	Columns      []models.ColumnMetadata
	TargetSchema string
	ShadowTable  string
}

type Builder struct {
	catalog catalog.Catalog
	mirrors MirrorFactory
	logger  zerolog.Logger
}

func NewBuilder(cat catalog.Catalog, mirrors MirrorFactory, logger zerolog.Logger) *Builder {
	return &Builder{
		catalog: cat,
		mirrors: mirrors,
		logger:  logger.With().Str("component", "shadow").Logger(),
	}
}

// OwnerComment is the table comment marking a shadow as created for a job.
func OwnerComment(jobID int64) string {
	return fmt.Sprintf("stratum-relocator job %d", jobID)
}

// Provision ensures the target schema, its metadata mirror tables, the shadow
// table and the mirror rows. Every part is idempotent, so a crashed job can
// call it again.
func (b *Builder) Provision(ctx context.Context, plan Plan) (catalog.TableDefinition, error) {
	log := b.logger.With().Int64("job_id", plan.JobID).Str("target_schema", plan.TargetSchema).Logger()

	if err := b.catalog.EnsureSchema(ctx, plan.TargetSchema); err != nil {
		return catalog.TableDefinition{}, err
	}
	if err := b.CreateMetadataTablesInSchema(ctx, plan.TargetSchema); err != nil {
		return catalog.TableDefinition{}, err
	}

	def, created, err := b.createShadow(ctx, plan)
	if err != nil {
		return catalog.TableDefinition{}, err
	}
	if created {
		log.Info().Str("shadow", plan.ShadowTable).Msg("shadow table created")
	} else {
		log.Info().Str("shadow", plan.ShadowTable).Msg("shadow table already present")
	}

	if err := b.writeMirror(ctx, plan); err != nil {
		return catalog.TableDefinition{}, err
	}
	return def, nil
}

// CreateTableInSchema reproduces tableName, located in whichever schema holds
// it, as a table of the same name in schemaName.
func (b *Builder) CreateTableInSchema(ctx context.Context, tableName, schemaName string) (catalog.TableDefinition, error) {
	def, _, err := b.createShadow(ctx, Plan{
		Table:        models.TableMetadata{PhysicalTable: tableName},
		TargetSchema: schemaName,
		ShadowTable:  tableName,
	})
	return def, err
}

// CreateMetadataTablesInSchema creates the table/column registry pair in
// schema and upgrades legacy foreign keys on it.
func (b *Builder) CreateMetadataTablesInSchema(ctx context.Context, schema string) error {
	if err := b.catalog.CreateMetadataTables(ctx, schema); err != nil {
		return err
	}
	_, err := b.catalog.UpgradeForeignKeys(ctx, schema)
	return err
}

// Definition derives the shadow definition from the source table.
func (b *Builder) Definition(ctx context.Context, plan Plan) (catalog.TableDefinition, error) {
	src, err := b.catalog.TableDefinition(ctx, plan.Table.PhysicalTable, plan.Table.PhysicalSchema)
	if err != nil {
		return catalog.TableDefinition{}, err
	}
	return DeriveShadow(src, plan.Columns, plan.TargetSchema, plan.ShadowTable)
}

func (b *Builder) createShadow(ctx context.Context, plan Plan) (catalog.TableDefinition, bool, error) {
	want, err := b.Definition(ctx, plan)
	if err != nil {
		return catalog.TableDefinition{}, false, err
	}

	exists, err := b.catalog.TableExistsInSchema(ctx, plan.ShadowTable, plan.TargetSchema)
	if err != nil {
		return catalog.TableDefinition{}, false, err
	}
	if exists {
		if plan.JobID != 0 {
			owner, err := b.catalog.TableComment(ctx, plan.ShadowTable, plan.TargetSchema)
			if err != nil {
				return catalog.TableDefinition{}, false, err
			}
			if owner != OwnerComment(plan.JobID) {
				return catalog.TableDefinition{}, false, errors.Wrapf(models.ErrTargetOccupied,
					"%s.%s", plan.TargetSchema, plan.ShadowTable)
			}
		}
		have, err := b.catalog.TableDefinition(ctx, plan.ShadowTable, plan.TargetSchema)
		if err != nil {
			return catalog.TableDefinition{}, false, err
		}
		if !have.SameShape(want) {
			return catalog.TableDefinition{}, false, errors.Wrapf(models.ErrShapeMismatch,
				"%s.%s", plan.TargetSchema, plan.ShadowTable)
		}
		return have, false, nil
	}

	if err := b.catalog.CreateTable(ctx, want); err != nil {
		return catalog.TableDefinition{}, false, err
	}
	if plan.JobID != 0 {
		if err := b.catalog.CommentOnTable(ctx, plan.ShadowTable, plan.TargetSchema, OwnerComment(plan.JobID)); err != nil {
			return catalog.TableDefinition{}, false, err
		}
	}
	return want, true, nil
}

func (b *Builder) writeMirror(ctx context.Context, plan Plan) error {
	if plan.Table.ID == "" {
		return nil
	}
	mirror := b.mirrors(plan.TargetSchema)
	if mirror == nil {
		return nil
	}
	t := plan.Table
	t.PhysicalSchema = plan.TargetSchema
	t.PhysicalTable = plan.ShadowTable
	if err := mirror.UpsertTable(ctx, t); err != nil {
		return err
	}
	return mirror.UpsertColumns(ctx, plan.Columns)
}

// DeriveShadow maps the source structure onto the shadow name. Columns whose
// type cannot be reproduced fall back to the declared logical type of the
// matching column metadata; without one the column is unsupported.
func DeriveShadow(src catalog.TableDefinition, columns []models.ColumnMetadata, schema, table string) (catalog.TableDefinition, error) {
	if src.PrimaryKey == "" {
		return catalog.TableDefinition{}, errors.Wrapf(models.ErrNoStableKey, "%s.%s", src.Schema, src.Name)
	}

	logical := make(map[string]string, len(columns))
	for _, c := range columns {
		logical[c.PhysicalColumn] = c.LogicalType
	}

	def := catalog.TableDefinition{
		Schema:      schema,
		Name:        table,
		PrimaryKey:  src.PrimaryKey,
		Constraints: src.Constraints,
		Columns:     make([]catalog.Column, 0, len(src.Columns)),
	}
	for _, col := range src.Columns {
		if _, err := col.SQLType(); err != nil {
			lt, ok := logical[col.Name]
			if !ok || col.Generated {
				return catalog.TableDefinition{}, err
			}
			if col, err = col.WithLogicalType(lt); err != nil {
				return catalog.TableDefinition{}, err
			}
		}
		if isSerial(col) {
			// The shadow owns its key generator instead of sharing the source's
			// sequence; cutover moves it past the copied keys.
			col.Default = nil
			col.Identity = true
		}
		def.Columns = append(def.Columns, col)
	}
	return def, nil
}

func isSerial(col catalog.Column) bool {
	if col.Identity || col.Default == nil || !strings.HasPrefix(*col.Default, "nextval(") {
		return false
	}
	switch col.UDTName {
	case "int2", "int4", "int8":
		return true
	}
	return false
}
