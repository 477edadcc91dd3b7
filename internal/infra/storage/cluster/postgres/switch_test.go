package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-delegation/internal/domain/shared"
	"github.com/ahrav/scan-delegation/internal/infra/storage"
)

func TestSwitch_Lifecycle(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	dispatch := NewSwitch(shared.SwitchDispatch, db, storage.NoOpTracer())
	claims := NewSwitch(shared.SwitchClaims, db, storage.NoOpTracer())

	enabled, err := dispatch.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled, "an unwritten switch is enabled")

	require.NoError(t, dispatch.SetEnabled(ctx, false))
	enabled, err = dispatch.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = claims.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled, "switches are independent")

	require.NoError(t, dispatch.Seed(ctx, true))
	enabled, err = dispatch.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled, "seeding never overrides a stored value")

	require.NoError(t, claims.Seed(ctx, false))
	enabled, err = claims.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}
