package builder

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// resolveToolchain locates the toolchain executable. An explicit path wins,
// then the newest semver-versioned install under the base directory that
// satisfies the configured constraint, then a plain PATH lookup.
func resolveToolchain(explicitPath, basePath, executable, constraint string, logger zerolog.Logger) (string, error) {
	if explicitPath != "" {
		if err := checkExecutable(explicitPath); err != nil {
			return "", err
		}
		return explicitPath, nil
	}

	if basePath != "" {
		if path := newestInstalledVersion(basePath, executable, constraint, logger); path != "" {
			return path, nil
		}
	}

	return exec.LookPath(executable)
}

// newestInstalledVersion scans basePath for directories named after semantic
// versions and returns the executable from the highest version satisfying
// constraint, or "" when none qualifies.
func newestInstalledVersion(basePath, executable, constraint string, logger zerolog.Logger) string {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return ""
	}

	var check *semver.Constraints
	if constraint != "" {
		check, err = semver.NewConstraint(constraint)
		if err != nil {
			logger.Warn().Str("constraint", constraint).Msg("Invalid toolchain version constraint, ignoring")
			check = nil
		}
	}

	var versions semver.Collection
	byVersion := map[string]string{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := semver.NewVersion(entry.Name())
		if err != nil {
			continue
		}
		if check != nil && !check.Check(v) {
			continue
		}
		versions = append(versions, v)
		byVersion[v.String()] = entry.Name()
	}
	if len(versions) == 0 {
		return ""
	}

	sort.Sort(sort.Reverse(versions))
	for _, v := range versions {
		candidate := filepath.Join(basePath, byVersion[v.String()], executable)
		if err := checkExecutable(candidate); err == nil {
			logger.Debug().Str("version", v.String()).Str("path", candidate).Msg("Selected installed toolchain")
			return candidate
		}
	}
	return ""
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return os.ErrPermission
	}
	return nil
}
