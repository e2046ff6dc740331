package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionFlag(t *testing.T) {
	root := NewRoot("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "sketchd 1.2.3\n", out.String())
}

func TestConfigValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("leases:\n  cap: 5\n"), 0o600))

	root := NewRoot("dev")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "config", "validate"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "config OK")
}

func TestConfigValidateRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("leases:\n  ttl: never\n"), 0o600))

	root := NewRoot("dev")
	root.SetArgs([]string{"--config", path, "config", "validate"})
	assert.Error(t, root.Execute())
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("generation:\n  api_key: super-secret\n"), 0o600))

	root := NewRoot("dev")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "config", "show"})

	require.NoError(t, root.Execute())
	assert.NotContains(t, out.String(), "super-secret")
	assert.Contains(t, out.String(), "<redacted>")
}
