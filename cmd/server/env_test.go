package main

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"monconnect/internal/escrow"
)

func TestSetupDevModeSeedsBothViews(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MONCONNECT_CONFIG", "")
	t.Setenv("DEPLOYMENTS_PATH", "")
	t.Setenv("CHAIN_PRIVATE_KEY", "")
	t.Setenv("CHAIN_CLEF_URL", "")
	t.Setenv("DEV_ACCOUNT", "0x3000000000000000000000000000000000000003")
	t.Setenv("STORE_DRIVER", "memory")

	ctx := context.Background()
	env, err := setup(ctx, "", newLogger(io.Discard, "error"))
	require.NoError(t, err)
	defer env.Close()

	require.Equal(t, "0x3000000000000000000000000000000000000003", env.self.Hex())
	require.NotNil(t, env.gate)

	views := env.newViews()
	org, err := views[escrow.RoleOrganizer].Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, org.All, 2)
	require.Len(t, org.Active(), 1)
	require.Len(t, org.History(), 1)

	vendor, err := views[escrow.RoleVendor].Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, vendor.All, 1)
	require.Equal(t, escrow.StatusInProgress, vendor.All[0].Job.Status)

	bal, err := env.session.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, "100.0", escrow.FormatEther(bal))
}

func TestSetupRejectsBadDevAccount(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MONCONNECT_CONFIG", "")
	t.Setenv("DEPLOYMENTS_PATH", "")
	t.Setenv("CHAIN_PRIVATE_KEY", "")
	t.Setenv("CHAIN_CLEF_URL", "")
	t.Setenv("DEV_ACCOUNT", "not-an-address")
	t.Setenv("STORE_DRIVER", "memory")

	_, err := setup(context.Background(), "", newLogger(io.Discard, "error"))
	require.ErrorIs(t, err, escrow.ErrInvalidInput)
}
