package transfer

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jackc/pgx/v5"
	"github.com/stanstork/stratum-relocator/internal/columnar"
)

// recordSource feeds an Arrow record to pgx.CopyFrom row by row.
type recordSource struct {
	rec arrow.Record
	row int
	err error
}

var _ pgx.CopyFromSource = (*recordSource)(nil)

func newRecordSource(rec arrow.Record) *recordSource {
	return &recordSource{rec: rec, row: -1}
}

func (s *recordSource) Next() bool {
	if s.err != nil {
		return false
	}
	s.row++
	return s.row < int(s.rec.NumRows())
}

func (s *recordSource) Values() ([]any, error) {
	vals, err := columnar.Row(s.rec, s.row)
	if err != nil {
		s.err = err
	}
	return vals, err
}

func (s *recordSource) Err() error { return s.err }
