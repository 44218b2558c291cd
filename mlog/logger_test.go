package mlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "no-such-level"})
	require.Error(t, err)

	f := filepath.Join(t.TempDir(), "hyperdns.log")
	lg, err := NewLogger(&LogConfig{Level: "debug", File: f, Production: true})
	require.NoError(t, err)
	lg.Info("hello")
	require.NoError(t, lg.Sync())

	b, err := os.ReadFile(f)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"hello"`)
}
