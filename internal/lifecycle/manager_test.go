package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/engram/internal/testutil"
)

func TestNewManager_RegistersEnabledJobs(t *testing.T) {
	engine := testutil.NewTestEngine(t)

	m, err := NewManager(engine, Intervals{
		Consolidation: time.Hour,
		Archival:      24 * time.Hour,
		Cleanup:       time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Entries())
}

func TestNewManager_SkipsDisabledJobs(t *testing.T) {
	engine := testutil.NewTestEngine(t)

	m, err := NewManager(engine, Intervals{Consolidation: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Entries())
}

func TestManager_StartStop(t *testing.T) {
	engine := testutil.NewTestEngine(t)

	m, err := NewManager(engine, Intervals{Cleanup: time.Hour})
	require.NoError(t, err)

	m.Start()
	m.Stop()
}

func TestManager_Health(t *testing.T) {
	engine := testutil.NewTestEngine(t)

	m, err := NewManager(engine, Intervals{})
	require.NoError(t, err)
	assert.NoError(t, m.Health(context.Background()))

	require.NoError(t, engine.Close())
	assert.Error(t, m.Health(context.Background()))
}
