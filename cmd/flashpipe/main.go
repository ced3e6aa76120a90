package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeforge/flashpipe/internal/builder"
	"github.com/edgeforge/flashpipe/internal/discovery"
	"github.com/edgeforge/flashpipe/internal/models"
	"github.com/edgeforge/flashpipe/internal/orchestrator"
	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/edgeforge/flashpipe/internal/renderer"
	"github.com/edgeforge/flashpipe/internal/reporter"
	"github.com/edgeforge/flashpipe/internal/transport"
	"github.com/edgeforge/flashpipe/internal/utils"
	"github.com/edgeforge/flashpipe/pkg/file"
	"github.com/edgeforge/flashpipe/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/host"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run carries the whole program so deferred cleanup, the MQTT disconnect
// flush included, executes before the process exits. os.Exit in main would
// skip the defers and drop the terminal stage event still queued in the
// paho client.
func run(args []string) int {
	flags := flag.NewFlagSet("flashpipe", flag.ExitOnError)
	configPath := flags.String("config", "configs/config.yaml", "Path to the pipeline configuration file")
	devicePath := flags.String("device", "", "Path to the resolved device configuration (YAML)")
	templateID := flags.String("template", "arduino-esp32", "Firmware template to render")
	buildTimeout := flags.Duration("build-timeout", 0, "Override the configured build timeout")
	portTimeout := flags.Duration("port-timeout", 0, "Override the configured port discovery timeout")
	retryInterval := flags.Duration("retry-interval", 0, "Override the configured port discovery retry interval")
	flags.Parse(args)

	// Structured logging with JSON output on stderr; stdout carries the
	// machine-readable result.
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if *devicePath == "" {
		log.Fatal().Msg("-device is required")
	}

	fileClient := file.NewFileService()

	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	var deviceConfig models.DeviceConfig
	if err := fileClient.ReadYamlFile(*devicePath, &deviceConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to load device configuration")
	}

	if info, err := host.Info(); err == nil {
		log.Info().Str("platform", info.Platform).Str("os", info.OS).Str("kernel", info.KernelVersion).
			Msg("Host platform")
	}

	sinks := []orchestrator.EventSink{orchestrator.NewLogSink(log)}

	var mqttClient *mqtt.MqttService
	if config.MQTT.Enabled {
		clientID := config.MQTT.ClientID + "-" + uuid.New().String()
		mqttClient = mqtt.NewMqttService(fileClient)
		if err := mqttClient.Initialize(config.MQTT.Broker, clientID, config.MQTT.CACertificate); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize MQTT connection")
		}
		defer mqttClient.Disconnect(250)
		sinks = append(sinks, reporter.NewMQTTReporter(mqttClient, config.MQTT.TopicPrefix, config.MQTT.QOS, log))
		log.Info().Str("client_id", clientID).Msg("Provisioning status reporter enabled")
	}

	flash := orchestrator.NewOrchestrator(
		renderer.NewRenderer(fileClient, log),
		builder.NewBuilder(config, log),
		discovery.NewResolver(discovery.NewUSBEnumerator(), config.Hardware.Signatures, config.Hardware.ProbeLiveness, log),
		transport.NewSerialUploader(config, log),
		log,
		sinks...,
	)

	opts := orchestrator.Options{
		BuildTimeout:      pick(*buildTimeout, config.Defaults.BuildTimeout.Std()),
		PortTimeout:       pick(*portTimeout, config.Defaults.PortTimeout.Std()),
		PortRetryInterval: pick(*retryInterval, config.Defaults.PortRetryInterval.Std()),
	}

	// Ctrl-C cancels the run; the pipeline reports Cancelled, not Failed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result := flash.Run(ctx, deviceConfig, *templateID, opts)

	out := map[string]any{
		"run_id":        result.RunID,
		"serial_number": result.SerialNumber,
		"stage":         result.Stage,
	}
	if result.Err != nil {
		out["error_kind"] = string(pipeline.KindOf(result.Err))
		out["error"] = result.Err.Error()
		if diag := diagnosticsOf(result.Err); diag != "" {
			out["diagnostics"] = diag
		}
	}
	if result.Artifact != nil {
		out["artifact"] = result.Artifact.BinaryPath
	}
	if result.Upload != nil {
		out["bytes_transferred"] = result.Upload.BytesTransferred
		out["verified"] = result.Upload.Verified
	}
	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	return pipeline.ExitCode(result.Err)
}

func pick(override, fallback time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return fallback
}

func diagnosticsOf(err error) string {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return pe.Diagnostics
	}
	return ""
}
