package dbmigrate

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGooseAdapterPrintf(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewGooseAdapter(zerolog.New(&buf))

	adapter.Printf("OK   %s (%d ms)\n", "00001_create_registry.sql", 12)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "goose", entry["component"])
	assert.Equal(t, "OK   00001_create_registry.sql (12 ms)", entry["message"])
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := embeddedMigrations.ReadDir("migrations")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "00001_create_registry.sql", entries[0].Name())
	assert.Equal(t, "00003_create_migration_events.sql", entries[2].Name())
}
