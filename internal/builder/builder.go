package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/edgeforge/flashpipe/internal/models"
	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/edgeforge/flashpipe/internal/utils"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/disk"
)

// Builder drives the external compiler toolchain against a rendered source
// tree. The toolchain runs as a child process bound to the source directory;
// its combined output is captured because compiler errors are the primary
// diagnosable failure class.
type Builder struct {
	toolchainPath     string
	toolchainBase     string
	toolchainExe      string
	versionConstraint string
	minFreeDiskMB     uint64
	processors        map[string]utils.ProcessorProfile
	logger            zerolog.Logger
}

// NewBuilder creates a Builder from the loaded configuration.
func NewBuilder(config *utils.Config, logger zerolog.Logger) *Builder {
	return &Builder{
		toolchainPath:     config.Toolchain.Path,
		toolchainBase:     config.Toolchain.BasePath,
		toolchainExe:      config.Toolchain.Executable,
		versionConstraint: config.Toolchain.VersionConstraint,
		minFreeDiskMB:     config.Toolchain.MinFreeDiskMB,
		processors:        config.Processors,
		logger:            logger,
	}
}

// Build compiles the rendered source for the given processor tag within the
// wall-clock timeout. On expiry or cancellation the whole child process tree
// is killed; no orphans are left behind.
func (b *Builder) Build(ctx context.Context, source models.RenderedSource, processor string, timeout time.Duration) (models.BuildArtifact, error) {
	profile, ok := b.processors[processor]
	if !ok {
		return models.BuildArtifact{}, pipeline.NewError(pipeline.StageBuild, pipeline.KindConfigInvalid,
			fmt.Sprintf("no processor profile for %q", processor))
	}

	toolchain, err := resolveToolchain(b.toolchainPath, b.toolchainBase, b.toolchainExe, b.versionConstraint, b.logger)
	if err != nil {
		return models.BuildArtifact{}, pipeline.WrapError(pipeline.StageBuild, pipeline.KindToolchainMissing, err)
	}

	b.preflight(source.Dir)

	// The artifact must outlive the rendered source tree, which is removed
	// as soon as the build stage is left. Build output gets its own
	// directory and is handed to the caller by path.
	buildPath, err := os.MkdirTemp("", "flashpipe-build-")
	if err != nil {
		return models.BuildArtifact{}, pipeline.WrapError(pipeline.StageBuild, pipeline.KindCompileError, err)
	}

	args := []string{"compile", "--fqbn", profile.FQBN, "--build-path", buildPath, "--no-color", source.SketchDir}

	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var diagnostics bytes.Buffer
	cmd := exec.CommandContext(buildCtx, toolchain, args...)
	cmd.Dir = source.Dir
	cmd.Stdout = &diagnostics
	cmd.Stderr = &diagnostics
	// Toolchains fork compilers and flashers; kill the whole process group
	// on cancellation, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	b.logger.Info().
		Str("toolchain", toolchain).
		Str("fqbn", profile.FQBN).
		Str("sketch", source.SketchDir).
		Dur("timeout", timeout).
		Msg("Starting toolchain build")

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		os.RemoveAll(buildPath)
		return models.BuildArtifact{}, b.classify(ctx, buildCtx, err, diagnostics.String(), elapsed)
	}

	artifact, err := b.verifyArtifact(source, buildPath, diagnostics.String())
	if err != nil {
		os.RemoveAll(buildPath)
		return models.BuildArtifact{}, err
	}

	b.logger.Info().
		Str("binary", artifact.BinaryPath).
		Int64("size", artifact.Size).
		Dur("elapsed", elapsed).
		Msg("Build succeeded")
	return artifact, nil
}

// classify maps a toolchain failure to its error kind. Only compile errors
// carry the diagnostics text back to the caller.
func (b *Builder) classify(ctx, buildCtx context.Context, err error, diagnostics string, elapsed time.Duration) error {
	if ctx.Err() == context.Canceled {
		b.logger.Warn().Dur("elapsed", elapsed).Msg("Build cancelled")
		return pipeline.WrapError(pipeline.StageBuild, pipeline.KindCancelled, ctx.Err())
	}
	if buildCtx.Err() == context.DeadlineExceeded {
		b.logger.Error().Dur("elapsed", elapsed).Msg("Build timed out, child process tree killed")
		return pipeline.WrapError(pipeline.StageBuild, pipeline.KindBuildTimeout, buildCtx.Err())
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return pipeline.WrapError(pipeline.StageBuild, pipeline.KindToolchainMissing, err)
	}

	b.logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Toolchain exited with error")
	return &pipeline.Error{
		Stage:       pipeline.StageBuild,
		Kind:        pipeline.KindCompileError,
		Message:     err.Error(),
		Diagnostics: diagnostics,
		Cause:       err,
	}
}

// verifyArtifact confirms the binary exists with non-zero size. A zero exit
// code without a usable artifact is still a compile failure.
func (b *Builder) verifyArtifact(source models.RenderedSource, buildPath, diagnostics string) (models.BuildArtifact, error) {
	binaryPath := filepath.Join(buildPath, filepath.Base(source.SketchFile)+".bin")
	info, err := os.Stat(binaryPath)
	if err != nil || info.Size() == 0 {
		b.logger.Error().Str("binary", binaryPath).Msg("Toolchain reported success but produced no usable artifact")
		return models.BuildArtifact{}, &pipeline.Error{
			Stage:       pipeline.StageBuild,
			Kind:        pipeline.KindCompileError,
			Message:     fmt.Sprintf("toolchain produced no usable artifact at %s", binaryPath),
			Diagnostics: diagnostics,
		}
	}

	return models.BuildArtifact{
		BinaryPath:  binaryPath,
		Size:        info.Size(),
		Diagnostics: diagnostics,
	}, nil
}

// preflight warns when the build directory's filesystem is low on space.
// Builds are allowed to proceed; the toolchain gives the authoritative error.
func (b *Builder) preflight(dir string) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return
	}
	if usage.Free < b.minFreeDiskMB*1024*1024 {
		b.logger.Warn().
			Uint64("free_mb", usage.Free/(1024*1024)).
			Uint64("floor_mb", b.minFreeDiskMB).
			Msg("Low disk space under build directory")
	}
}
