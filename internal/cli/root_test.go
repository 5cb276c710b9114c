package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "fieldsync", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"capture", "sync", "run", "status", "retry", "discard", "resolve", "purge", "serve", "token"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestCaptureCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	captureCmd, _, err := cmd.Find([]string{"capture"})
	require.NoError(t, err)

	for _, name := range []string{"kind", "body", "target", "base-version", "ref", "lat", "lng", "accuracy", "user", "device"} {
		assert.NotNil(t, captureCmd.Flags().Lookup(name), "flag %s", name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "status", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(WrapExitError(ExitFailure, "cycle", assert.AnError)))
	assert.Equal(t, ExitCommandError, GetExitCode(apperrors.New(apperrors.ErrConfig, "no url")))
	assert.Equal(t, ExitCommandError, GetExitCode(apperrors.New(apperrors.ErrInvalid, "bad kind")))
	assert.Equal(t, ExitFailure, GetExitCode(apperrors.New(apperrors.ErrNotFound, "gone")))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
}
