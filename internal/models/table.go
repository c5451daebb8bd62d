package models

import "time"

// TableMetadata is the logical description of a user table. PhysicalSchema and
// PhysicalTable always point at a fully synced physical table.
type TableMetadata struct {
	ID             string    `json:"id" db:"id"`
	Label          string    `json:"label" db:"label"`
	PhysicalTable  string    `json:"physical_table" db:"physical_table"`
	PhysicalSchema string    `json:"physical_schema" db:"physical_schema"`
	Version        int       `json:"version" db:"version"`
	CreatedBy      *string   `json:"created_by,omitempty" db:"created_by"`
	UpdatedBy      *string   `json:"updated_by,omitempty" db:"updated_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ColumnMetadata describes one column of a logical table.
type ColumnMetadata struct {
	ID             string    `json:"id" db:"id"`
	TableID        string    `json:"table_id" db:"table_id"`
	Label          string    `json:"label" db:"label"`
	PhysicalColumn string    `json:"physical_column" db:"physical_column"`
	LogicalType    string    `json:"logical_type" db:"logical_type"`
	CreatedBy      *string   `json:"created_by,omitempty" db:"created_by"`
	UpdatedBy      *string   `json:"updated_by,omitempty" db:"updated_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
