package cdc

import (
	"testing"

	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersBinding() Binding {
	return Binding{
		SourceSchema: "public",
		SourceTable:  "orders",
		TargetSchema: "dmgr",
		TargetTable:  "orders",
		Key:          "id",
		Columns: []catalog.Column{
			{Name: "id", UDTName: "int8", FormatType: "bigint"},
			{Name: "total", UDTName: "numeric", FormatType: "numeric(12,2)"},
		},
	}
}

func TestTriggerName(t *testing.T) {
	assert.Equal(t, "stratum_sync_42_insert", TriggerName(42, OpInsert))
	assert.Equal(t, "stratum_sync_42_update", TriggerName(42, OpUpdate))
	assert.Equal(t, "stratum_sync_42_delete", TriggerName(42, OpDelete))
}

func TestBuildFunctionInsert(t *testing.T) {
	fn, err := BuildFunction("stratum_sync_42_insert", ordersBinding(), OpInsert)
	require.NoError(t, err)

	assert.Contains(t, fn, `CREATE OR REPLACE FUNCTION "dmgr"."stratum_sync_42_insert"() RETURNS trigger`)
	assert.Contains(t, fn, `INSERT INTO "dmgr"."orders" ("id", "total")`)
	assert.Contains(t, fn, `VALUES (NEW."id"::bigint, NEW."total"::numeric(12,2))`)
	assert.Contains(t, fn, `ON CONFLICT ("id") DO UPDATE SET "total" = EXCLUDED."total";`)
	assert.Contains(t, fn, "RETURN NULL;")
	assert.NotContains(t, fn, "DELETE")
}

func TestBuildFunctionUpdateHandlesKeyChange(t *testing.T) {
	fn, err := BuildFunction("stratum_sync_42_update", ordersBinding(), OpUpdate)
	require.NoError(t, err)

	assert.Contains(t, fn, `IF NEW."id" IS DISTINCT FROM OLD."id" THEN`)
	assert.Contains(t, fn, `DELETE FROM "dmgr"."orders" WHERE "id" = OLD."id"::bigint;`)
	assert.Contains(t, fn, "END IF;")
	assert.Contains(t, fn, `ON CONFLICT ("id") DO UPDATE SET`)
}

func TestBuildFunctionDelete(t *testing.T) {
	fn, err := BuildFunction("stratum_sync_42_delete", ordersBinding(), OpDelete)
	require.NoError(t, err)
	assert.Contains(t, fn, `DELETE FROM "dmgr"."orders" WHERE "id" = OLD."id"::bigint;`)
	assert.NotContains(t, fn, "INSERT")
}

func TestBuildFunctionKeyOnlyTable(t *testing.T) {
	b := ordersBinding()
	b.Columns = b.Columns[:1]
	fn, err := BuildFunction("stratum_sync_1_insert", b, OpInsert)
	require.NoError(t, err)
	assert.Contains(t, fn, `ON CONFLICT ("id") DO NOTHING;`)
}

func TestBuildTrigger(t *testing.T) {
	stmt, err := BuildTrigger("stratum_sync_42_update", ordersBinding(), OpUpdate)
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE TRIGGER "stratum_sync_42_update" AFTER UPDATE ON "public"."orders" FOR EACH ROW EXECUTE FUNCTION "dmgr"."stratum_sync_42_update"()`,
		stmt)

	_, err = BuildTrigger("x", ordersBinding(), Op("TRUNCATE"))
	assert.Error(t, err)
}

func TestBuildRejectsUnsafeIdentifiers(t *testing.T) {
	b := ordersBinding()
	b.TargetSchema = "evil; DROP TABLE x"
	_, err := BuildFunction("stratum_sync_1_insert", b, OpInsert)
	assert.ErrorIs(t, err, models.ErrInvalidIdentifier)

	b = ordersBinding()
	b.Columns[1].Name = "total) --"
	_, err = BuildFunction("stratum_sync_1_insert", b, OpInsert)
	assert.ErrorIs(t, err, models.ErrInvalidIdentifier)
}

func TestBuildRequiresKeyColumn(t *testing.T) {
	b := ordersBinding()
	b.Key = "missing"
	_, err := BuildFunction("stratum_sync_1_delete", b, OpDelete)
	assert.Error(t, err)
}

func TestDropTriggerSQL(t *testing.T) {
	stmt, err := dropTriggerSQL("stratum_sync_42_insert", "orders", "public")
	require.NoError(t, err)
	assert.Equal(t, `DROP TRIGGER IF EXISTS "stratum_sync_42_insert" ON "public"."orders"`, stmt)
}
