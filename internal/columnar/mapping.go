// Package columnar is the binary columnar codec shared by the migration
// backfill and the bulk read API. The SQL type to Arrow type table below is a
// versioned contract: changing an entry requires bumping MappingVersion.
package columnar

import (
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/models"
)

// MappingVersion identifies the type table. It is written into every schema's
// metadata under MetaMappingVersion.
const MappingVersion = 2

const (
	MetaMappingVersion = "stratum.mapping_version"
	MetaSQLType        = "stratum.sql_type"
)

// timestamp without time zone travels as its wall clock read as UTC. Since
// version 2, infinite values use the extremes of the Arrow type.
var timestampUTC = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

type mapping struct {
	arrow   arrow.DataType
	staging string
	// asText selects the column cast to text; the value travels as a string.
	asText bool
}

var mappings = map[string]mapping{
	"int2":        {arrow.PrimitiveTypes.Int16, "int2", false},
	"int4":        {arrow.PrimitiveTypes.Int32, "int4", false},
	"int8":        {arrow.PrimitiveTypes.Int64, "int8", false},
	"float4":      {arrow.PrimitiveTypes.Float32, "float4", false},
	"float8":      {arrow.PrimitiveTypes.Float64, "float8", false},
	"numeric":     {arrow.BinaryTypes.String, "text", true},
	"bool":        {arrow.FixedWidthTypes.Boolean, "bool", false},
	"bpchar":      {arrow.BinaryTypes.String, "text", true},
	"varchar":     {arrow.BinaryTypes.String, "text", false},
	"text":        {arrow.BinaryTypes.String, "text", false},
	"uuid":        {arrow.BinaryTypes.String, "text", true},
	"json":        {arrow.BinaryTypes.String, "text", true},
	"jsonb":       {arrow.BinaryTypes.String, "text", true},
	"date":        {arrow.FixedWidthTypes.Date32, "date", false},
	"timestamp":   {timestampUTC, "timestamp", false},
	"timestamptz": {timestampUTC, "timestamptz", false},
	"bytea":       {arrow.BinaryTypes.Binary, "bytea", false},
}

func lookup(udt string) (mapping, error) {
	m, ok := mappings[udt]
	if !ok {
		return mapping{}, errors.Wrapf(models.ErrUnsupportedType, "no columnar mapping for %s", udt)
	}
	return m, nil
}

// ArrowType returns the Arrow type a SQL base type travels as.
func ArrowType(udt string) (arrow.DataType, error) {
	m, err := lookup(udt)
	return m.arrow, err
}

// StagingType is the SQL type of the staging column a value is loaded into.
func StagingType(udt string) (string, error) {
	m, err := lookup(udt)
	return m.staging, err
}

// SelectExpr returns the select-list expression for an already quoted column.
func SelectExpr(quotedColumn, udt string) (string, error) {
	m, err := lookup(udt)
	if err != nil {
		return "", err
	}
	if m.asText {
		return quotedColumn + "::text", nil
	}
	return quotedColumn, nil
}

// Field is one column of a batch.
type Field struct {
	Name     string
	SQLType  string // base type name, e.g. int4
	Nullable bool
}

// NewSchema builds the Arrow schema for fields, tagged with the mapping version.
func NewSchema(fields []Field) (*arrow.Schema, error) {
	out := make([]arrow.Field, len(fields))
	for i, f := range fields {
		dt, err := ArrowType(f.SQLType)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", f.Name)
		}
		out[i] = arrow.Field{
			Name:     f.Name,
			Type:     dt,
			Nullable: f.Nullable,
			Metadata: arrow.NewMetadata([]string{MetaSQLType}, []string{f.SQLType}),
		}
	}
	md := arrow.NewMetadata([]string{MetaMappingVersion}, []string{strconv.Itoa(MappingVersion)})
	return arrow.NewSchema(out, &md), nil
}

// SchemaVersion reads the mapping version from a schema produced by NewSchema.
func SchemaVersion(schema *arrow.Schema) (int, error) {
	md := schema.Metadata()
	idx := md.FindKey(MetaMappingVersion)
	if idx < 0 {
		return 0, errors.New("schema carries no mapping version")
	}
	return strconv.Atoi(md.Values()[idx])
}
