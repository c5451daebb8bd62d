// Package transfer moves table data using the columnar codec: keyset-paged
// backfill from a source table into its shadow, and Arrow IPC export.
package transfer

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/columnar"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

const defaultBatchSize = 5000

// Checkpoint is reported after every page, inside the page's transaction.
type Checkpoint struct {
	LastKey  string
	Rows     int64 // rows read from the source, including earlier runs
	Inserted int64 // rows this run added to the target
	Pages    int
}

// CheckpointFunc persists progress. It runs in the page transaction, so a
// returned error rolls the page back.
type CheckpointFunc func(ctx context.Context, tx pgx.Tx, cp Checkpoint) error

type Options struct {
	BatchSize int
	// ResumeAfter continues after this key (as text) instead of from the start.
	ResumeAfter *string
	// RowsBefore seeds Checkpoint.Rows when resuming.
	RowsBefore   int64
	OnCheckpoint CheckpointFunc
}

type Result struct {
	Rows     int64
	Inserted int64
	Pages    int
	LastKey  *string
}

type Engine struct {
	db      catalog.Querier
	catalog catalog.Catalog
	mem     memory.Allocator
	logger  zerolog.Logger
}

func NewEngine(db catalog.Querier, cat catalog.Catalog, logger zerolog.Logger) *Engine {
	return &Engine{
		db:      db,
		catalog: cat,
		mem:     memory.NewGoAllocator(),
		logger:  logger.With().Str("component", "transfer").Logger(),
	}
}

// BulkCopyTableData copies every row of the source into the target, one page
// per transaction. Source rows of a page are held FOR SHARE until the page
// commits, so concurrent writes are either seen by the page or mirrored by
// the sync triggers afterwards. Rows already present in the target are left
// alone, which makes re-running the copy safe.
func (e *Engine) BulkCopyTableData(ctx context.Context, sourceTable, sourceSchema, targetTable, targetSchema string, opts Options) (Result, error) {
	src, err := e.catalog.TableDefinition(ctx, sourceTable, sourceSchema)
	if err != nil {
		return Result{}, err
	}
	dst, err := e.catalog.TableDefinition(ctx, targetTable, targetSchema)
	if err != nil {
		return Result{}, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	plan, err := buildCopyPlan(src, dst, opts.BatchSize)
	if err != nil {
		return Result{}, err
	}
	schema, err := columnar.NewSchema(plan.fields)
	if err != nil {
		return Result{}, err
	}

	log := e.logger.With().
		Str("source", sourceSchema+"."+sourceTable).
		Str("target", targetSchema+"."+targetTable).
		Logger()

	res := Result{Rows: opts.RowsBefore, LastKey: opts.ResumeAfter}
	if res.LastKey != nil {
		log.Info().Str("after", *res.LastKey).Int64("rows", res.Rows).Msg("resuming backfill")
	}

	builder := columnar.NewBatchBuilder(e.mem, schema)
	defer builder.Release()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := e.copyPage(ctx, plan, builder, &res, opts.OnCheckpoint)
		if err != nil {
			return res, err
		}
		if n == 0 {
			break
		}
		log.Debug().Int("page", res.Pages).Int("rows", n).Int64("total", res.Rows).Msg("page copied")
		if n < opts.BatchSize {
			break
		}
	}

	log.Info().Int64("rows", res.Rows).Int64("inserted", res.Inserted).Int("pages", res.Pages).Msg("backfill complete")
	return res, nil
}

func (e *Engine) copyPage(ctx context.Context, plan copyPlan, builder *columnar.BatchBuilder, res *Result, onCheckpoint CheckpointFunc) (int, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin page")
	}
	defer tx.Rollback(ctx)

	var rows pgx.Rows
	if res.LastKey == nil {
		rows, err = tx.Query(ctx, plan.firstPage)
	} else {
		rows, err = tx.Query(ctx, plan.nextPage, *res.LastKey)
	}
	if err != nil {
		return 0, errors.Wrap(err, "read page")
	}

	width := len(plan.fields)
	var lastKey string
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "decode row")
		}
		if err := builder.Append(vals[:width]); err != nil {
			rows.Close()
			return 0, err
		}
		lastKey, _ = vals[width].(string)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "read page")
	}

	rec := builder.NewRecord()
	defer rec.Release()
	n := int(rec.NumRows())
	if n == 0 {
		return 0, tx.Commit(ctx)
	}

	stage := "stratum_stage_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	stageName := sanitize.MustIdentifier(stage)
	if _, err := tx.Exec(ctx, fmt.Sprintf(plan.stageDDL, stageName)); err != nil {
		return 0, errors.Wrap(err, "create staging table")
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, plan.columns, newRecordSource(rec)); err != nil {
		return 0, errors.Wrap(err, "copy page into staging")
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(plan.insert, stageName))
	if err != nil {
		return 0, errors.Wrap(err, "merge page into target")
	}

	next := *res
	next.Rows += int64(n)
	next.Inserted += tag.RowsAffected()
	next.Pages++
	next.LastKey = &lastKey

	if onCheckpoint != nil {
		cp := Checkpoint{LastKey: lastKey, Rows: next.Rows, Inserted: next.Inserted, Pages: next.Pages}
		if err := onCheckpoint(ctx, tx, cp); err != nil {
			return 0, errors.Wrap(err, "persist checkpoint")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit page")
	}
	*res = next
	return n, nil
}

// Export streams a table as Arrow IPC, batchSize rows per record.
func (e *Engine) Export(ctx context.Context, table, schema string, batchSize int, w io.Writer) (int64, error) {
	def, err := e.catalog.TableDefinition(ctx, table, schema)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	qualified, err := sanitize.Qualified(def.Schema, def.Name)
	if err != nil {
		return 0, err
	}

	fields := make([]columnar.Field, len(def.Columns))
	selects := make([]string, len(def.Columns))
	for i, col := range def.Columns {
		name, err := sanitize.Identifier(col.Name)
		if err != nil {
			return 0, err
		}
		if selects[i], err = columnar.SelectExpr(name, col.UDTName); err != nil {
			return 0, errors.Wrapf(err, "column %q", col.Name)
		}
		fields[i] = columnar.Field{Name: col.Name, SQLType: col.UDTName, Nullable: col.Nullable}
	}
	arrowSchema, err := columnar.NewSchema(fields)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), qualified)
	if def.PrimaryKey != "" {
		query += " ORDER BY " + sanitize.MustIdentifier(def.PrimaryKey)
	}

	rows, err := e.db.Query(ctx, query)
	if err != nil {
		return 0, errors.Wrapf(err, "export %s.%s", def.Schema, def.Name)
	}
	defer rows.Close()

	builder := columnar.NewBatchBuilder(e.mem, arrowSchema)
	defer builder.Release()
	sw := columnar.NewStreamWriter(w, arrowSchema, e.mem)

	flush := func() error {
		rec := builder.NewRecord()
		defer rec.Release()
		return sw.Write(rec)
	}

	var total int64
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return total, errors.Wrap(err, "decode row")
		}
		if err := builder.Append(vals); err != nil {
			return total, err
		}
		total++
		if builder.Len() >= batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return total, errors.Wrap(err, "export rows")
	}
	if builder.Len() > 0 {
		if err := flush(); err != nil {
			return total, err
		}
	}
	return total, sw.Close()
}
