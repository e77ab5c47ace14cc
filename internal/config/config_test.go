package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nullbound/holdd/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := Default()
	c.ListenPort = 0
	err := Validate(c)
	require.Error(t, err)
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 111, ee.Code)
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	c := Default()
	err := LoadFile(&c, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holdd.yaml")
	contents := "wal_dir: /var/lib/holdd\nlisten_port: 12300\nmax_job_size: 65536\nprealloc_native: true\nverbose: true\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	c := Default()
	require.NoError(t, LoadFile(&c, path))

	assert.Equal(t, "/var/lib/holdd", c.WALDir)
	assert.Equal(t, 12300, c.ListenPort)
	assert.Equal(t, 65536, c.MaxJobSize)
	assert.Equal(t, wal.PreallocNative, c.PreallocMode)
	assert.True(t, c.Verbose)
}

func TestAddrFormatsHostPort(t *testing.T) {
	c := Default()
	c.ListenAddr = "0.0.0.0"
	c.ListenPort = 11300
	assert.Equal(t, "0.0.0.0:11300", c.Addr())
}
