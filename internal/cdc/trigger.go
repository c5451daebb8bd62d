// Package cdc installs and removes the row-level triggers that mirror writes
// on a source table into its shadow while a migration is in flight.
package cdc

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

// ErrTriggerInactive is returned when an installed trigger is not observable
// as enabled in the catalog.
var ErrTriggerInactive = errors.New("sync trigger is not active")

type Manager struct {
	db          catalog.Querier
	lockTimeout time.Duration
	logger      zerolog.Logger
}

func NewManager(db catalog.Querier, lockTimeout time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		db:          db,
		lockTimeout: lockTimeout,
		logger:      logger.With().Str("component", "cdc").Logger(),
	}
}

// WithTx returns a Manager whose statements join tx.
func (m *Manager) WithTx(tx pgx.Tx) *Manager {
	return &Manager{db: tx, lockTimeout: m.lockTimeout, logger: m.logger}
}

// CreateTrigger installs the function and trigger for one operation. An
// existing trigger of the same name is replaced.
func (m *Manager) CreateTrigger(ctx context.Context, name string, b Binding, op Op) error {
	fn, err := BuildFunction(name, b, op)
	if err != nil {
		return err
	}
	trg, err := BuildTrigger(name, b, op)
	if err != nil {
		return err
	}
	drop, err := dropTriggerSQL(name, b.SourceTable, b.SourceSchema)
	if err != nil {
		return err
	}

	return m.inTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{fn, drop, trg} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return errors.Wrapf(err, "install trigger %s", name)
			}
		}
		return nil
	})
}

// DropTrigger removes a trigger from table and its function from the
// function schema. Missing objects are ignored.
func (m *Manager) DropTrigger(ctx context.Context, name, table, schema, functionSchema string) error {
	drop, err := dropTriggerSQL(name, table, schema)
	if err != nil {
		return err
	}
	fn, err := sanitize.Qualified(functionSchema, name)
	if err != nil {
		return err
	}
	return m.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, drop); err != nil {
			return errors.Wrapf(err, "drop trigger %s", name)
		}
		if _, err := tx.Exec(ctx, "DROP FUNCTION IF EXISTS "+fn+"()"); err != nil {
			return errors.Wrapf(err, "drop function %s", name)
		}
		return nil
	})
}

// TriggerExists reports whether a user trigger named name is enabled on table.
func (m *Manager) TriggerExists(ctx context.Context, name, table, schema string) (bool, error) {
	q, err := sanitize.Qualified(schema, table)
	if err != nil {
		return false, err
	}
	var exists bool
	err = m.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_catalog.pg_trigger
			WHERE tgrelid = to_regclass($1) AND tgname = $2
			  AND NOT tgisinternal AND tgenabled <> 'D'
		)
	`, q, name).Scan(&exists)
	return exists, errors.Wrapf(err, "check trigger %s", name)
}

// InstallAll installs one trigger per operation for the job and verifies all
// of them are live before returning.
func (m *Manager) InstallAll(ctx context.Context, jobID int64, b Binding) error {
	for _, op := range Ops {
		name := TriggerName(jobID, op)
		if err := m.CreateTrigger(ctx, name, b, op); err != nil {
			return err
		}
	}
	for _, op := range Ops {
		name := TriggerName(jobID, op)
		ok, err := m.TriggerExists(ctx, name, b.SourceTable, b.SourceSchema)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrTriggerInactive, "%s on %s.%s", name, b.SourceSchema, b.SourceTable)
		}
	}
	m.logger.Info().Int64("job_id", jobID).
		Str("source", b.SourceSchema+"."+b.SourceTable).
		Str("target", b.TargetSchema+"."+b.TargetTable).
		Msg("sync triggers installed")
	return nil
}

// DropAll removes every trigger and function of the job.
func (m *Manager) DropAll(ctx context.Context, jobID int64, table, schema, functionSchema string) error {
	for _, op := range Ops {
		if err := m.DropTrigger(ctx, TriggerName(jobID, op), table, schema, functionSchema); err != nil {
			return err
		}
	}
	m.logger.Info().Int64("job_id", jobID).Str("source", schema+"."+table).Msg("sync triggers dropped")
	return nil
}

// Remaining lists the job's triggers still present on table.
func (m *Manager) Remaining(ctx context.Context, jobID int64, table, schema string) ([]string, error) {
	var left []string
	for _, op := range Ops {
		name := TriggerName(jobID, op)
		ok, err := m.TriggerExists(ctx, name, table, schema)
		if err != nil {
			return nil, err
		}
		if ok {
			left = append(left, name)
		}
	}
	return left, nil
}

func (m *Manager) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)
	if m.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", m.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "set lock_timeout")
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func dropTriggerSQL(name, table, schema string) (string, error) {
	trg, err := sanitize.Identifier(name)
	if err != nil {
		return "", err
	}
	src, err := sanitize.Qualified(schema, table)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trg, src), nil
}
