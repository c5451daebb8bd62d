package catalog

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/models"
)

// reproducible lists base types a shadow can be created with verbatim and the
// columnar codec can carry.
var reproducible = map[string]bool{
	"int2": true, "int4": true, "int8": true,
	"float4": true, "float8": true, "numeric": true,
	"bool":   true,
	"bpchar": true, "varchar": true, "text": true,
	"uuid": true, "json": true, "jsonb": true,
	"date": true, "timestamp": true, "timestamptz": true,
	"bytea": true,
}

const maxVarcharLength = 255

type physicalType struct {
	sql string
	udt string
}

// logicalTypes maps declared column label types to storage. Types are spelled
// the way format_type reports them so a re-read shadow compares equal.
var logicalTypes = map[string]physicalType{
	"text":      {"character varying(255)", "varchar"},
	"string":    {"character varying(255)", "varchar"},
	"varchar":   {"character varying(255)", "varchar"},
	"longtext":  {"text", "text"},
	"number":    {"bigint", "int8"},
	"integer":   {"bigint", "int8"},
	"int":       {"bigint", "int8"},
	"bigint":    {"bigint", "int8"},
	"smallint":  {"smallint", "int2"},
	"decimal":   {"numeric", "numeric"},
	"numeric":   {"numeric", "numeric"},
	"float":     {"double precision", "float8"},
	"double":    {"double precision", "float8"},
	"boolean":   {"boolean", "bool"},
	"bool":      {"boolean", "bool"},
	"date":      {"date", "date"},
	"datetime":  {"timestamp with time zone", "timestamptz"},
	"timestamp": {"timestamp with time zone", "timestamptz"},
	"uuid":      {"uuid", "uuid"},
	"json":      {"jsonb", "jsonb"},
}

var decimalPattern = regexp.MustCompile(`^(decimal|numeric)\s*\(\s*(\d{1,4})\s*(?:,\s*(\d{1,4})\s*)?\)$`)

// PhysicalType maps a logical column type to the SQL type used to store it.
// decimal accepts an optional (precision, scale) suffix.
func PhysicalType(logical string) (string, error) {
	pt, err := lookupLogical(logical)
	return pt.sql, err
}

func lookupLogical(logical string) (physicalType, error) {
	l := strings.ToLower(strings.TrimSpace(logical))
	if m := decimalPattern.FindStringSubmatch(l); m != nil {
		if m[3] == "" {
			return physicalType{"numeric(" + m[2] + ")", "numeric"}, nil
		}
		return physicalType{"numeric(" + m[2] + "," + m[3] + ")", "numeric"}, nil
	}
	if pt, ok := logicalTypes[l]; ok {
		return pt, nil
	}
	return physicalType{}, errors.Wrapf(models.ErrUnsupportedType, "logical type %q", logical)
}

// SQLType returns the type a shadow column is created with.
func (c Column) SQLType() (string, error) {
	if c.Generated {
		return "", errors.Wrapf(models.ErrUnsupportedType, "generated column %q", c.Name)
	}
	if !reproducible[c.UDTName] {
		return "", errors.Wrapf(models.ErrUnsupportedType, "column %q of type %s", c.Name, c.FormatType)
	}
	return c.FormatType, nil
}

// WithLogicalType replaces the column's type with the storage for a logical
// type, keeping name, nullability and position. Defaults are dropped since
// they were written for the original type.
func (c Column) WithLogicalType(logical string) (Column, error) {
	pt, err := lookupLogical(logical)
	if err != nil {
		return Column{}, errors.Wrapf(err, "column %q", c.Name)
	}
	// Only values known to fit stay varchar(255); the cast would truncate others.
	if pt.udt == "varchar" && (c.CharMaxLength == nil || *c.CharMaxLength <= 0 || *c.CharMaxLength > maxVarcharLength) {
		pt = physicalType{"text", "text"}
	}
	c.FormatType = pt.sql
	c.UDTName = pt.udt
	c.DataType = pt.sql
	c.Default = nil
	c.Identity = false
	c.Generated = false
	return c, nil
}
