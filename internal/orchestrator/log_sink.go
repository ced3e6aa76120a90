package orchestrator

import (
	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/rs/zerolog"
)

// LogSink writes stage transitions to the structured log. It is always
// attached so every run leaves a trace even with the MQTT reporter disabled.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink on the given logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// StageChanged implements EventSink.
func (s *LogSink) StageChanged(runID, serialNumber string, stage pipeline.Stage, err error) {
	event := s.logger.Info()
	if err != nil {
		event = s.logger.Error().Err(err).Str("kind", string(pipeline.KindOf(err)))
	}
	event.
		Str("run_id", runID).
		Str("serial_number", serialNumber).
		Str("stage", string(stage)).
		Msg("Pipeline stage")
}
