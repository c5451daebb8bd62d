package cdc

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

// Op is the row operation a sync trigger fires on.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Ops is every operation a migration installs a trigger for.
var Ops = []Op{OpInsert, OpUpdate, OpDelete}

// Binding ties a source table to the shadow it is mirrored into.
type Binding struct {
	SourceSchema string
	SourceTable  string
	TargetSchema string
	TargetTable  string
	Key          string
	// Columns are the shadow's columns; source values are cast to their types.
	Columns []catalog.Column
}

// TriggerName is the trigger (and function) name for one job and operation.
func TriggerName(jobID int64, op Op) string {
	return fmt.Sprintf("stratum_sync_%d_%s", jobID, strings.ToLower(string(op)))
}

type quoted struct {
	source string
	target string
	key    string
	keyTyp string
	cols   []string
	types  []string
}

func quote(b Binding) (quoted, error) {
	var q quoted
	var err error
	if q.source, err = sanitize.Qualified(b.SourceSchema, b.SourceTable); err != nil {
		return q, err
	}
	if q.target, err = sanitize.Qualified(b.TargetSchema, b.TargetTable); err != nil {
		return q, err
	}
	if q.key, err = sanitize.Identifier(b.Key); err != nil {
		return q, err
	}
	if len(b.Columns) == 0 {
		return q, errors.New("binding has no columns")
	}
	for _, c := range b.Columns {
		name, err := sanitize.Identifier(c.Name)
		if err != nil {
			return q, err
		}
		typ, err := c.SQLType()
		if err != nil {
			return q, err
		}
		q.cols = append(q.cols, name)
		q.types = append(q.types, typ)
		if c.Name == b.Key {
			q.keyTyp = typ
		}
	}
	if q.keyTyp == "" {
		return q, errors.Errorf("key column %q is not in the binding", b.Key)
	}
	return q, nil
}

func (q quoted) upsert() string {
	values := make([]string, len(q.cols))
	var sets []string
	for i, c := range q.cols {
		values[i] = fmt.Sprintf("NEW.%s::%s", c, q.types[i])
		if c != q.key {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	conflict := "DO NOTHING"
	if len(sets) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("  INSERT INTO %s (%s)\n  VALUES (%s)\n  ON CONFLICT (%s) %s;\n",
		q.target, strings.Join(q.cols, ", "), strings.Join(values, ", "), q.key, conflict)
}

func (q quoted) deleteOld() string {
	return fmt.Sprintf("  DELETE FROM %s WHERE %s = OLD.%s::%s;\n", q.target, q.key, q.key, q.keyTyp)
}

// BuildFunction returns the CREATE OR REPLACE FUNCTION statement for one
// operation. The function lives in the target schema.
func BuildFunction(name string, b Binding, op Op) (string, error) {
	fn, err := sanitize.Qualified(b.TargetSchema, name)
	if err != nil {
		return "", err
	}
	q, err := quote(b)
	if err != nil {
		return "", err
	}

	var body strings.Builder
	switch op {
	case OpInsert:
		body.WriteString(q.upsert())
	case OpUpdate:
		fmt.Fprintf(&body, "  IF NEW.%s IS DISTINCT FROM OLD.%s THEN\n  ", q.key, q.key)
		body.WriteString(q.deleteOld())
		body.WriteString("  END IF;\n")
		body.WriteString(q.upsert())
	case OpDelete:
		body.WriteString(q.deleteOld())
	default:
		return "", errors.Errorf("unknown trigger operation %q", op)
	}

	return fmt.Sprintf("CREATE OR REPLACE FUNCTION %s() RETURNS trigger\nLANGUAGE plpgsql AS $fn$\nBEGIN\n%s  RETURN NULL;\nEND;\n$fn$",
		fn, body.String()), nil
}

// BuildTrigger returns the CREATE TRIGGER statement binding fn to the source.
func BuildTrigger(name string, b Binding, op Op) (string, error) {
	trg, err := sanitize.Identifier(name)
	if err != nil {
		return "", err
	}
	src, err := sanitize.Qualified(b.SourceSchema, b.SourceTable)
	if err != nil {
		return "", err
	}
	fn, err := sanitize.Qualified(b.TargetSchema, name)
	if err != nil {
		return "", err
	}
	switch op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return "", errors.Errorf("unknown trigger operation %q", op)
	}
	return fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE FUNCTION %s()", trg, op, src, fn), nil
}
