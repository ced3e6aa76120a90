package orchestrator

import (
	"context"
	"os"
	"time"

	"github.com/edgeforge/flashpipe/internal/models"
	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Renderer produces a firmware source tree from a device configuration.
type Renderer interface {
	Render(config models.DeviceConfig, templateID string) (models.RenderedSource, error)
}

// Builder compiles a rendered source tree into a binary artifact.
type Builder interface {
	Build(ctx context.Context, source models.RenderedSource, processor string, timeout time.Duration) (models.BuildArtifact, error)
}

// PortResolver discovers the single serial port of the target hardware.
type PortResolver interface {
	Resolve(ctx context.Context, timeout, retryInterval time.Duration) (models.PortCandidate, error)
}

// Uploader delivers an artifact onto the resolved port.
type Uploader interface {
	Upload(ctx context.Context, artifact models.BuildArtifact, port models.PortCandidate,
		processor string, progress chan<- int64) (models.UploadResult, error)
}

// EventSink receives stage transitions as they happen. Sinks must not block;
// the pipeline does not wait on them.
type EventSink interface {
	StageChanged(runID, serialNumber string, stage pipeline.Stage, err error)
}

// validTransitions pins down the legal state machine: strictly sequential,
// no backtracking, any stage may fail or be cancelled.
var validTransitions = map[pipeline.Stage][]pipeline.Stage{
	pipeline.StageRender:      {pipeline.StageBuild, pipeline.StageFailed, pipeline.StageCancelled},
	pipeline.StageBuild:       {pipeline.StageResolvePort, pipeline.StageFailed, pipeline.StageCancelled},
	pipeline.StageResolvePort: {pipeline.StageUpload, pipeline.StageFailed, pipeline.StageCancelled},
	pipeline.StageUpload:      {pipeline.StageDone, pipeline.StageFailed, pipeline.StageCancelled},
}

// Options carries the per-run tuning knobs.
type Options struct {
	BuildTimeout      time.Duration
	PortTimeout       time.Duration
	PortRetryInterval time.Duration
	Progress          chan<- int64 // optional cumulative-bytes sink for the upload stage
}

// Orchestrator sequences render, build, port resolution and upload into one
// consolidated PipelineResult. No stage is retried automatically except the
// bounded poll inside port resolution; a stage failure never triggers
// cross-stage compensation.
type Orchestrator struct {
	renderer Renderer
	builder  Builder
	resolver PortResolver
	uploader Uploader
	sinks    []EventSink
	logger   zerolog.Logger
}

// NewOrchestrator wires the four stage implementations together.
func NewOrchestrator(renderer Renderer, builder Builder, resolver PortResolver, uploader Uploader,
	logger zerolog.Logger, sinks ...EventSink) *Orchestrator {
	return &Orchestrator{
		renderer: renderer,
		builder:  builder,
		resolver: resolver,
		uploader: uploader,
		sinks:    sinks,
		logger:   logger,
	}
}

// Run executes one provisioning pipeline for the given device. The returned
// result is final and immutable; its Stage is done, failed or cancelled.
// The rendered source directory is guaranteed to be gone when Run returns,
// whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, config models.DeviceConfig, templateID string, opts Options) models.PipelineResult {
	runID := uuid.New().String()
	logger := o.logger.With().Str("run_id", runID).Str("serial_number", config.SerialNumber).Logger()

	logger.Info().Str("template", templateID).Str("processor", config.Processor).Msg("Starting provisioning run")

	current := pipeline.StageRender
	o.emit(runID, config.SerialNumber, current, nil)

	source, err := o.renderer.Render(config, templateID)
	if err != nil {
		return o.finalize(logger, runID, config.SerialNumber, current, nil, nil, err)
	}
	// The run owns the rendered tree. It is removed when the build stage is
	// left, and this backstop keeps the guarantee on every other exit path.
	defer os.RemoveAll(source.Dir)

	current, err = o.transition(logger, runID, config.SerialNumber, current, pipeline.StageBuild)
	if err != nil {
		return o.finalize(logger, runID, config.SerialNumber, current, nil, nil, err)
	}

	artifact, buildErr := o.builder.Build(ctx, source, config.Processor, opts.BuildTimeout)
	// Leaving the build stage: the source tree is no longer needed, success
	// or failure, independent of later stage outcomes.
	os.RemoveAll(source.Dir)
	if buildErr != nil {
		return o.finalize(logger, runID, config.SerialNumber, current, nil, nil, buildErr)
	}

	current, err = o.transition(logger, runID, config.SerialNumber, current, pipeline.StageResolvePort)
	if err != nil {
		return o.finalize(logger, runID, config.SerialNumber, current, &artifact, nil, err)
	}

	port, err := o.resolver.Resolve(ctx, opts.PortTimeout, opts.PortRetryInterval)
	if err != nil {
		return o.finalize(logger, runID, config.SerialNumber, current, &artifact, nil, err)
	}

	current, err = o.transition(logger, runID, config.SerialNumber, current, pipeline.StageUpload)
	if err != nil {
		return o.finalize(logger, runID, config.SerialNumber, current, &artifact, nil, err)
	}

	upload, err := o.uploader.Upload(ctx, artifact, port, config.Processor, opts.Progress)
	if err != nil {
		return o.finalize(logger, runID, config.SerialNumber, current, &artifact, nil, err)
	}

	return o.finalize(logger, runID, config.SerialNumber, current, &artifact, &upload, nil)
}

// transition moves the machine to next, enforcing the legal transition table.
func (o *Orchestrator) transition(logger zerolog.Logger, runID, serial string, from, next pipeline.Stage) (pipeline.Stage, error) {
	for _, allowed := range validTransitions[from] {
		if allowed == next {
			logger.Debug().Str("from", string(from)).Str("to", string(next)).Msg("Stage transition")
			o.emit(runID, serial, next, nil)
			return next, nil
		}
	}
	logger.Error().Str("from", string(from)).Str("to", string(next)).Msg("Illegal stage transition")
	return from, pipeline.NewError(from, pipeline.KindConfigInvalid, "illegal stage transition")
}

// finalize produces the immutable terminal result and emits the terminal
// stage. Cancellation is a distinct outcome, not a failure.
func (o *Orchestrator) finalize(logger zerolog.Logger, runID, serial string, failedAt pipeline.Stage,
	artifact *models.BuildArtifact, upload *models.UploadResult, err error) models.PipelineResult {

	terminal := pipeline.StageDone
	if err != nil {
		if pipeline.KindOf(err) == pipeline.KindCancelled {
			terminal = pipeline.StageCancelled
		} else {
			terminal = pipeline.StageFailed
		}
	}

	o.emit(runID, serial, terminal, err)

	switch terminal {
	case pipeline.StageDone:
		logger.Info().Str("binary", artifact.BinaryPath).Int64("bytes", upload.BytesTransferred).
			Msg("Provisioning run complete")
	case pipeline.StageCancelled:
		logger.Warn().Str("stage", string(failedAt)).Msg("Provisioning run cancelled")
	default:
		logger.Error().Err(err).Str("stage", string(failedAt)).Str("kind", string(pipeline.KindOf(err))).
			Msg("Provisioning run failed")
	}

	return models.PipelineResult{
		RunID:        runID,
		SerialNumber: serial,
		Stage:        string(terminal),
		Err:          err,
		Artifact:     artifact,
		Upload:       upload,
	}
}

func (o *Orchestrator) emit(runID, serial string, stage pipeline.Stage, err error) {
	for _, sink := range o.sinks {
		sink.StageChanged(runID, serial, stage, err)
	}
}
