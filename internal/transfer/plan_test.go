package transfer

import (
	"fmt"
	"testing"

	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/columnar"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableDef(schema string) catalog.TableDefinition {
	return catalog.TableDefinition{
		Schema: schema,
		Name:   "orders",
		Columns: []catalog.Column{
			{Name: "id", UDTName: "int8", FormatType: "bigint"},
			{Name: "customer", UDTName: "varchar", FormatType: "character varying(255)", Nullable: true},
			{Name: "total", UDTName: "numeric", FormatType: "numeric(12,2)"},
		},
		PrimaryKey: "id",
	}
}

func TestBuildCopyPlan(t *testing.T) {
	p, err := buildCopyPlan(tableDef("public"), tableDef("dmgr"), 100)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "id", "customer", "total"::text, "id"::text FROM "public"."orders" ORDER BY "id" LIMIT 100 FOR SHARE`,
		p.firstPage)
	assert.Equal(t,
		`SELECT "id", "customer", "total"::text, "id"::text FROM "public"."orders" WHERE "id" > $1::bigint ORDER BY "id" LIMIT 100 FOR SHARE`,
		p.nextPage)
	assert.Equal(t,
		`CREATE TEMP TABLE "stage" ("id" int8, "customer" text, "total" text) ON COMMIT DROP`,
		fmt.Sprintf(p.stageDDL, `"stage"`))
	assert.Equal(t,
		`INSERT INTO "dmgr"."orders" ("id", "customer", "total") SELECT "id"::bigint, "customer"::character varying(255), "total"::numeric(12,2) FROM "stage" ON CONFLICT ("id") DO NOTHING`,
		fmt.Sprintf(p.insert, `"stage"`))
	assert.Equal(t, []string{"id", "customer", "total"}, p.columns)
}

func TestBuildCopyPlanCastsRemappedColumns(t *testing.T) {
	src := tableDef("public")
	src.Columns[2] = catalog.Column{Name: "total", UDTName: "money", FormatType: "money"}

	p, err := buildCopyPlan(src, tableDef("dmgr"), 10)
	require.NoError(t, err)
	assert.Contains(t, p.firstPage, `("total"::numeric(12,2))::text`)
}

func TestBuildCopyPlanErrors(t *testing.T) {
	dst := tableDef("dmgr")
	dst.PrimaryKey = ""
	_, err := buildCopyPlan(tableDef("public"), dst, 10)
	assert.ErrorIs(t, err, models.ErrNoStableKey)

	src := tableDef("public")
	src.Columns = src.Columns[:2]
	_, err = buildCopyPlan(src, tableDef("dmgr"), 10)
	assert.ErrorContains(t, err, `source has no column "total"`)

	_, err = buildCopyPlan(tableDef("public"), tableDef("evil; DROP TABLE x"), 10)
	assert.ErrorIs(t, err, models.ErrInvalidIdentifier)
}

func TestRecordSource(t *testing.T) {
	schema, err := columnar.NewSchema([]columnar.Field{
		{Name: "id", SQLType: "int8"},
		{Name: "total", SQLType: "numeric", Nullable: true},
	})
	require.NoError(t, err)

	bb := columnar.NewBatchBuilder(nil, schema)
	defer bb.Release()
	require.NoError(t, bb.Append([]any{int64(1), "9.99"}))
	require.NoError(t, bb.Append([]any{int64(2), nil}))
	rec := bb.NewRecord()
	defer rec.Release()

	src := newRecordSource(rec)
	var got [][]any
	for src.Next() {
		vals, err := src.Values()
		require.NoError(t, err)
		got = append(got, vals)
	}
	require.NoError(t, src.Err())
	assert.Equal(t, [][]any{{int64(1), "9.99"}, {int64(2), nil}}, got)

}
