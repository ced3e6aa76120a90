package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func installVersion(t *testing.T, base, version string, executable bool) string {
	t.Helper()
	dir := filepath.Join(base, version)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, "arduino-cli")
	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
	return path
}

// TestResolveToolchain_ExplicitPathWins tests that an explicit path bypasses discovery.
func TestResolveToolchain_ExplicitPathWins(t *testing.T) {
	base := t.TempDir()
	installVersion(t, base, "9.9.9", true)
	explicit := installVersion(t, base, "0.1.0", true)

	path, err := resolveToolchain(explicit, base, "arduino-cli", "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, explicit, path)
}

// TestResolveToolchain_ExplicitPathMissing tests failure for a bad explicit path.
func TestResolveToolchain_ExplicitPathMissing(t *testing.T) {
	_, err := resolveToolchain(filepath.Join(t.TempDir(), "nope"), "", "arduino-cli", "", zerolog.Nop())
	assert.Error(t, err)
}

// TestNewestInstalledVersion_PicksHighest tests semver-descending selection.
func TestNewestInstalledVersion_PicksHighest(t *testing.T) {
	base := t.TempDir()
	installVersion(t, base, "0.9.0", true)
	want := installVersion(t, base, "1.2.3", true)
	installVersion(t, base, "1.0.0", true)

	assert.Equal(t, want, newestInstalledVersion(base, "arduino-cli", "", zerolog.Nop()))
}

// TestNewestInstalledVersion_Constraint tests the version constraint filter.
func TestNewestInstalledVersion_Constraint(t *testing.T) {
	base := t.TempDir()
	want := installVersion(t, base, "0.9.0", true)
	installVersion(t, base, "1.2.3", true)

	assert.Equal(t, want, newestInstalledVersion(base, "arduino-cli", "< 1.0.0", zerolog.Nop()))
}

// TestNewestInstalledVersion_SkipsNonExecutable tests falling back past a
// broken install.
func TestNewestInstalledVersion_SkipsNonExecutable(t *testing.T) {
	base := t.TempDir()
	want := installVersion(t, base, "1.0.0", true)
	installVersion(t, base, "2.0.0", false)

	assert.Equal(t, want, newestInstalledVersion(base, "arduino-cli", "", zerolog.Nop()))
}

// TestNewestInstalledVersion_IgnoresJunk tests that non-semver directories
// and files are skipped.
func TestNewestInstalledVersion_IgnoresJunk(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "latest"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "README"), []byte("x"), 0644))

	assert.Empty(t, newestInstalledVersion(base, "arduino-cli", "", zerolog.Nop()))
}
