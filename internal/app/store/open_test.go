package store

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemoryStore(t *testing.T) {
	st, closeStore, err := Open(context.Background(), OpenConfig{Driver: " Memory ", AllowMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &MemoryStore{}, st)
	assert.NoError(t, st.Ping(context.Background()))
}

func TestOpenRejectsUnsharedMemoryStore(t *testing.T) {
	_, _, err := Open(context.Background(), OpenConfig{Driver: "memory"}, zerolog.Nop())
	assert.ErrorContains(t, err, "cannot be shared")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), OpenConfig{Driver: "sqlite", AllowMemory: true}, zerolog.Nop())
	assert.ErrorContains(t, err, `unknown STORE_DRIVER "sqlite"`)
}

func TestOpenConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("DB_NAME", "planner")
	cfg := OpenConfigFromEnv(false)
	assert.Equal(t, "mongo", cfg.Driver)
	assert.Equal(t, "planner", cfg.MongoDB)
	assert.False(t, cfg.AllowMemory)
}
