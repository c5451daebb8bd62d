package transfer

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/columnar"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

// copyPlan holds the statements for one source/target pair.
type copyPlan struct {
	fields     []columnar.Field
	columns    []string
	firstPage  string
	nextPage   string
	stageDDL   string // format verb for the staging table name
	insert     string // format verb for the staging table name
	keyColumn  string
	sourceName string
	targetName string
}

// buildCopyPlan pairs source and target columns by name. Values are read in
// the target's types so a column mapped through a logical type still fits.
func buildCopyPlan(src, dst catalog.TableDefinition, batchSize int) (copyPlan, error) {
	var p copyPlan
	var err error
	if dst.PrimaryKey == "" {
		return p, errors.Wrapf(models.ErrNoStableKey, "%s.%s", dst.Schema, dst.Name)
	}
	if p.sourceName, err = sanitize.Qualified(src.Schema, src.Name); err != nil {
		return p, err
	}
	if p.targetName, err = sanitize.Qualified(dst.Schema, dst.Name); err != nil {
		return p, err
	}
	if p.keyColumn, err = sanitize.Identifier(dst.PrimaryKey); err != nil {
		return p, err
	}
	srcKey, ok := src.Column(dst.PrimaryKey)
	if !ok {
		return p, errors.Errorf("source has no key column %q", dst.PrimaryKey)
	}

	var (
		selects []string
		staging []string
		casts   []string
	)
	for _, col := range dst.Columns {
		name, err := sanitize.Identifier(col.Name)
		if err != nil {
			return p, err
		}
		sc, ok := src.Column(col.Name)
		if !ok {
			return p, errors.Errorf("source has no column %q", col.Name)
		}
		targetType, err := col.SQLType()
		if err != nil {
			return p, err
		}
		expr := name
		if sc.FormatType != col.FormatType {
			expr = fmt.Sprintf("(%s::%s)", name, targetType)
		}
		if expr, err = columnar.SelectExpr(expr, col.UDTName); err != nil {
			return p, errors.Wrapf(err, "column %q", col.Name)
		}
		stageType, err := columnar.StagingType(col.UDTName)
		if err != nil {
			return p, err
		}

		selects = append(selects, expr)
		staging = append(staging, fmt.Sprintf("%s %s", name, stageType))
		casts = append(casts, fmt.Sprintf("%s::%s", name, targetType))
		p.columns = append(p.columns, col.Name)
		p.fields = append(p.fields, columnar.Field{Name: col.Name, SQLType: col.UDTName, Nullable: col.Nullable})
	}

	// The key is read as text as the last column for the checkpoint.
	selectList := strings.Join(selects, ", ") + ", " + p.keyColumn + "::text"
	p.firstPage = fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d FOR SHARE",
		selectList, p.sourceName, p.keyColumn, batchSize)
	p.nextPage = fmt.Sprintf("SELECT %s FROM %s WHERE %s > $1::%s ORDER BY %s LIMIT %d FOR SHARE",
		selectList, p.sourceName, p.keyColumn, srcKey.FormatType, p.keyColumn, batchSize)

	quotedCols := make([]string, len(p.columns))
	for i, c := range p.columns {
		quotedCols[i] = sanitize.MustIdentifier(c)
	}
	p.stageDDL = "CREATE TEMP TABLE %s (" + strings.Join(staging, ", ") + ") ON COMMIT DROP"
	p.insert = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %%s ON CONFLICT (%s) DO NOTHING",
		p.targetName, strings.Join(quotedCols, ", "), strings.Join(casts, ", "), p.keyColumn)
	return p, nil
}
