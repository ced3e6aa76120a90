package reporter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/edgeforge/flashpipe/pkg/mqtt"
	"github.com/rs/zerolog"
)

// StageEvent is the wire payload published for every stage transition, so
// the device-management side can watch provisioning progress live.
type StageEvent struct {
	RunID        string `json:"run_id"`
	SerialNumber string `json:"serial_number"`
	Stage        string `json:"stage"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Error        string `json:"error,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// MQTTReporter publishes pipeline stage transitions to
// <prefix>/<serial>/provision. Publishes are fire-and-forget: the pipeline
// never waits on the broker.
type MQTTReporter struct {
	mqttClient  mqtt.MQTTClient
	topicPrefix string
	qos         int
	logger      zerolog.Logger
}

// NewMQTTReporter creates a reporter publishing under the given topic prefix.
func NewMQTTReporter(mqttClient mqtt.MQTTClient, topicPrefix string, qos int, logger zerolog.Logger) *MQTTReporter {
	return &MQTTReporter{
		mqttClient:  mqttClient,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}
}

// StageChanged implements the orchestrator event sink.
func (r *MQTTReporter) StageChanged(runID, serialNumber string, stage pipeline.Stage, err error) {
	event := StageEvent{
		RunID:        runID,
		SerialNumber: serialNumber,
		Stage:        string(stage),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		event.ErrorKind = string(pipeline.KindOf(err))
		event.Error = err.Error()
	}

	payload, jsonErr := json.Marshal(event)
	if jsonErr != nil {
		r.logger.Error().Err(jsonErr).Msg("Failed to encode stage event")
		return
	}

	topic := fmt.Sprintf("%s/%s/provision", r.topicPrefix, serialNumber)
	r.mqttClient.Publish(topic, byte(r.qos), false, payload)
	r.logger.Debug().Str("topic", topic).Str("stage", string(stage)).Msg("Published stage event")
}
