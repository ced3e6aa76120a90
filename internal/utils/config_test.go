package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeforge/flashpipe/pkg/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig_AppliesDefaults tests that an empty file still yields the
// original M5Stack tooling defaults.
func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0600))

	config, err := LoadConfig(path, file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, "arduino-cli", config.Toolchain.Executable)
	assert.Len(t, config.Hardware.Signatures, 2)
	assert.Equal(t, "1a86", config.Hardware.Signatures[0].VendorID)

	esp32, ok := config.Processors["esp32"]
	require.True(t, ok)
	assert.Equal(t, "esp32:esp32:m5stack-core2", esp32.FQBN)
	assert.Equal(t, 921600, esp32.BaudRate)

	assert.Equal(t, 5*time.Minute, config.Defaults.BuildTimeout.Std())
	assert.Equal(t, 30*time.Second, config.Defaults.PortTimeout.Std())
	assert.Equal(t, time.Second, config.Defaults.PortRetryInterval.Std())
	assert.Equal(t, "provision", config.MQTT.TopicPrefix)
}

// TestLoadConfig_ExplicitValues tests that configured values win over defaults.
func TestLoadConfig_ExplicitValues(t *testing.T) {
	yaml := `
toolchain:
  executable: my-cli
  version_constraint: ">= 0.30"
hardware:
  probe_liveness: true
  signatures:
    - vendor_id: "0403"
      product_id: "6001"
      name: "FTDI"
processors:
  esp8266:
    fqbn: esp8266:esp8266:nodemcuv2
    baud_rate: 460800
    chunk_size: 1024
defaults:
  build_timeout: 90s
  port_timeout: 5s
  port_retry_interval: 250ms
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	config, err := LoadConfig(path, file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, "my-cli", config.Toolchain.Executable)
	assert.True(t, config.Hardware.ProbeLiveness)
	require.Len(t, config.Hardware.Signatures, 1)
	assert.Equal(t, "0403", config.Hardware.Signatures[0].VendorID)

	assert.Equal(t, 460800, config.Processors["esp8266"].BaudRate)
	// The esp32 profile is still filled in so the default template works.
	assert.Contains(t, config.Processors, "esp32")

	assert.Equal(t, 90*time.Second, config.Defaults.BuildTimeout.Std())
	assert.Equal(t, 250*time.Millisecond, config.Defaults.PortRetryInterval.Std())
}

// TestLoadConfig_MissingFile tests the error path.
func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), file.NewFileService())
	assert.Error(t, err)
}
