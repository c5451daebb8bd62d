package models

import "errors"

var (
	// ErrTableNotFound is returned when no table metadata exists for an id.
	ErrTableNotFound = errors.New("table not found")

	// ErrJobNotFound is returned when a migration job id is unknown.
	ErrJobNotFound = errors.New("migration job not found")

	// ErrInvalidIdentifier is returned for schema, table or column names outside [A-Za-z0-9_].
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrSchemaNotAllowed is returned when the target schema is not in the allow-list.
	ErrSchemaNotAllowed = errors.New("target schema not allowed")

	// ErrSameSchema is returned when a table is asked to move to the schema it already lives in.
	ErrSameSchema = errors.New("table already lives in target schema")

	// ErrDuplicateMigration is returned when a table already has an active migration job.
	ErrDuplicateMigration = errors.New("migration already active for table")

	// ErrIllegalTransition is returned when a status update would regress or leave a terminal state.
	ErrIllegalTransition = errors.New("illegal job status transition")

	// ErrJobNotActive is returned when a step runs against a job that is no longer PROCESSING.
	ErrJobNotActive = errors.New("job is not processing")

	// ErrConvergence is returned when the shadow table does not match the source at cutover.
	ErrConvergence = errors.New("shadow table did not converge with source")

	// ErrUnsupportedType is returned when a column type has no physical or columnar mapping.
	ErrUnsupportedType = errors.New("unsupported column type")

	// ErrNoStableKey is returned when a table has no single-column primary key to sync by.
	ErrNoStableKey = errors.New("table has no single-column primary key")

	// ErrTargetOccupied is returned when the target schema already has an unrelated table of that name.
	ErrTargetOccupied = errors.New("target schema already has a table with that name")

	// ErrShapeMismatch is returned when an existing shadow table differs from the source.
	ErrShapeMismatch = errors.New("existing table has a different shape")
)
