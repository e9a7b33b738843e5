package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp(&out)
	err := app.Run(append([]string{"vblank"}, args...))
	return out.String(), err
}

func TestQueryInProcess(t *testing.T) {
	out, err := run(t, "--compositor", "none", "--refresh-hz", "500", "query", "--in-process", "--display", "3", "--count", "3")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.Contains(t, line, "display 3")
		assert.Contains(t, line, "source=kernel")
	}
}

func TestQueryModeZero(t *testing.T) {
	out, err := run(t, "--mode", "0", "query", "--in-process", "--count", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "timestamp=-1.000000 source=none")
}

func TestConfigFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vblank.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timestamping_mode: 0\ncompositor: none\n"), 0o644))

	out, err := run(t, "--config", path, "query", "--in-process", "--count", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "source=none")

	out, err = run(t, "--config", path, "--mode", "1", "query", "--in-process", "--count", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "source=kernel")
}

func TestInvalidConfigRejected(t *testing.T) {
	_, err := run(t, "--compositor", "metal", "query")
	assert.Error(t, err)

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "query")
	assert.Error(t, err)
}

func TestCalibrateInProcess(t *testing.T) {
	out, err := run(t, "--compositor", "none", "--refresh-hz", "500", "calibrate", "--in-process", "--samples", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "source=kernel samples=5")
	assert.Contains(t, out, "refresh=")
}

func TestMonitorHeadless(t *testing.T) {
	_, err := run(t, "--compositor", "none", "--refresh-hz", "500", "monitor", "--in-process", "--headless", "--frames", "10")
	require.NoError(t, err)
}

func TestSimulateSharedMemory(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "--shm-dir", dir, "simulate", "--display", "2", "--hz", "200", "--duration", "50ms")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "vblank-2.shm"))
	assert.True(t, os.IsNotExist(err), "page removed after the run")
}
