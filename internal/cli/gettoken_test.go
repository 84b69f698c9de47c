package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"project-magpie/internal/storage"
)

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		flagWorkDir = ""
		flagDevMode = false
		flagLogFile = false
		flagLogNone = false
	})
}

func TestGetTokenPrintsAdminToken(t *testing.T) {
	resetFlags(t)
	workDir := t.TempDir()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"get-token", "--workdir", workDir, "--dev-mode"})
	require.NoError(t, rootCmd.Execute())

	token := strings.TrimSpace(out.String())
	require.Len(t, token, 32)

	// The command provisioned the dev-mode database on first use.
	store, err := storage.Open(filepath.Join(workDir, "debug", "db", "state.db"))
	require.NoError(t, err)
	defer store.Close()

	admin, err := store.GetUserByName(storage.AdminUserName)
	require.NoError(t, err)
	require.Equal(t, admin.APIToken, token)
}

func TestLogFlagsAreMutuallyExclusive(t *testing.T) {
	resetFlags(t)

	rootCmd.SetOut(new(bytes.Buffer))
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs([]string{"get-token", "--log-file", "--log-none"})
	require.Error(t, rootCmd.Execute())
}
