package columnar

import (
	"fmt"
	"math"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"
)

// Infinite dates and timestamps travel as the extremes of their Arrow type.
const (
	dateInfinity              = arrow.Date32(math.MaxInt32)
	dateNegativeInfinity      = arrow.Date32(math.MinInt32)
	timestampInfinity         = arrow.Timestamp(math.MaxInt64)
	timestampNegativeInfinity = arrow.Timestamp(math.MinInt64)
)

// BatchBuilder accumulates rows into one Arrow record. NULLs only ever live in
// the validity bitmap.
type BatchBuilder struct {
	schema *arrow.Schema
	b      *array.RecordBuilder
	rows   int
}

func NewBatchBuilder(mem memory.Allocator, schema *arrow.Schema) *BatchBuilder {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &BatchBuilder{schema: schema, b: array.NewRecordBuilder(mem, schema)}
}

func (bb *BatchBuilder) Schema() *arrow.Schema { return bb.schema }

// Len is the number of rows appended since the last NewRecord.
func (bb *BatchBuilder) Len() int { return bb.rows }

// Append adds one row. values must be in schema order.
func (bb *BatchBuilder) Append(values []any) error {
	if len(values) != len(bb.schema.Fields()) {
		return errors.Errorf("row has %d values, schema has %d fields", len(values), len(bb.schema.Fields()))
	}
	for i, v := range values {
		if err := appendValue(bb.b.Field(i), v); err != nil {
			return errors.Wrapf(err, "column %q", bb.schema.Field(i).Name)
		}
	}
	bb.rows++
	return nil
}

// NewRecord returns the accumulated rows and resets the builder. The caller
// owns the record and must Release it.
func (bb *BatchBuilder) NewRecord() arrow.Record {
	bb.rows = 0
	return bb.b.NewRecord()
}

func (bb *BatchBuilder) Release() { bb.b.Release() }

func appendValue(fb array.Builder, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	switch b := fb.(type) {
	case *array.Int16Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(int16(n))
	case *array.Int32Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(int32(n))
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float32Builder:
		switch x := v.(type) {
		case float32:
			b.Append(x)
		case float64:
			b.Append(float32(x))
		default:
			return unexpected(v, "float32")
		}
	case *array.Float64Builder:
		switch x := v.(type) {
		case float64:
			b.Append(x)
		case float32:
			b.Append(float64(x))
		default:
			return unexpected(v, "float64")
		}
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return unexpected(v, "bool")
		}
		b.Append(x)
	case *array.StringBuilder:
		switch x := v.(type) {
		case string:
			b.Append(x)
		case []byte:
			b.Append(string(x))
		case fmt.Stringer:
			b.Append(x.String())
		default:
			return unexpected(v, "string")
		}
	case *array.BinaryBuilder:
		switch x := v.(type) {
		case []byte:
			b.Append(x)
		case string:
			b.AppendString(x)
		default:
			return unexpected(v, "[]byte")
		}
	case *array.Date32Builder:
		switch x := v.(type) {
		case time.Time:
			b.Append(arrow.Date32FromTime(x))
		case pgtype.InfinityModifier:
			if x == pgtype.Finite {
				return unexpected(v, "time.Time")
			}
			b.Append(pick(x, dateInfinity, dateNegativeInfinity))
		default:
			return unexpected(v, "time.Time")
		}
	case *array.TimestampBuilder:
		switch x := v.(type) {
		case time.Time:
			b.Append(arrow.Timestamp(x.UnixMicro()))
		case pgtype.InfinityModifier:
			if x == pgtype.Finite {
				return unexpected(v, "time.Time")
			}
			b.Append(pick(x, timestampInfinity, timestampNegativeInfinity))
		default:
			return unexpected(v, "time.Time")
		}
	default:
		return errors.Errorf("unsupported builder %T", fb)
	}
	return nil
}

func pick[T any](m pgtype.InfinityModifier, pos, neg T) T {
	if m == pgtype.Infinity {
		return pos
	}
	return neg
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	default:
		return 0, unexpected(v, "integer")
	}
}

func unexpected(v any, want string) error {
	return errors.Errorf("got %T, want %s", v, want)
}

// Value returns the Go value at (col, row): nil for NULL, otherwise int16,
// int32, int64, float32, float64, bool, string, []byte or time.Time.
// Infinite dates and timestamps come back as pgtype.Date, pgtype.Timestamp or
// pgtype.Timestamptz so they can be written back unchanged.
func Value(rec arrow.Record, col, row int) (any, error) {
	arr := rec.Column(col)
	if arr.IsNull(row) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Int16:
		return a.Value(row), nil
	case *array.Int32:
		return a.Value(row), nil
	case *array.Int64:
		return a.Value(row), nil
	case *array.Float32:
		return a.Value(row), nil
	case *array.Float64:
		return a.Value(row), nil
	case *array.Boolean:
		return a.Value(row), nil
	case *array.String:
		return a.Value(row), nil
	case *array.Binary:
		// Copy: the backing buffer is released with the record.
		return append([]byte(nil), a.Value(row)...), nil
	case *array.Date32:
		switch d := a.Value(row); d {
		case dateInfinity:
			return pgtype.Date{InfinityModifier: pgtype.Infinity, Valid: true}, nil
		case dateNegativeInfinity:
			return pgtype.Date{InfinityModifier: pgtype.NegativeInfinity, Valid: true}, nil
		default:
			return d.ToTime(), nil
		}
	case *array.Timestamp:
		switch ts := a.Value(row); ts {
		case timestampInfinity:
			return infiniteTimestamp(rec, col, pgtype.Infinity), nil
		case timestampNegativeInfinity:
			return infiniteTimestamp(rec, col, pgtype.NegativeInfinity), nil
		default:
			return ts.ToTime(a.DataType().(*arrow.TimestampType).Unit), nil
		}
	default:
		return nil, errors.Errorf("unsupported array %T", arr)
	}
}

// infiniteTimestamp picks the pgtype matching the column's SQL type, which both
// timestamp flavours share an Arrow type with.
func infiniteTimestamp(rec arrow.Record, col int, m pgtype.InfinityModifier) any {
	md := rec.Schema().Field(col).Metadata
	if i := md.FindKey(MetaSQLType); i >= 0 && md.Values()[i] == "timestamp" {
		return pgtype.Timestamp{InfinityModifier: m, Valid: true}
	}
	return pgtype.Timestamptz{InfinityModifier: m, Valid: true}
}

// Row returns every value of one row in schema order.
func Row(rec arrow.Record, row int) ([]any, error) {
	out := make([]any, rec.NumCols())
	for c := range out {
		v, err := Value(rec, c, row)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", rec.ColumnName(c))
		}
		out[c] = v
	}
	return out, nil
}
