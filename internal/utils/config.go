package utils

import (
	"fmt"
	"time"

	"github.com/edgeforge/flashpipe/pkg/file"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like "500ms"
// or "5m", or from a plain integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the structure of the configuration file.
type Config struct {
	Toolchain struct {
		Executable        string `yaml:"executable"`         // Toolchain binary name, e.g. arduino-cli
		Path              string `yaml:"path"`               // Explicit path to the toolchain binary; overrides discovery
		BasePath          string `yaml:"base_path"`          // Base directory holding versioned toolchain installs
		VersionConstraint string `yaml:"version_constraint"` // Semver constraint for picking an installed version
		MinFreeDiskMB     uint64 `yaml:"min_free_disk_mb"`   // Free-space floor for the build directory (warning only)
	} `yaml:"toolchain"`

	Hardware struct {
		Signatures    []Signature `yaml:"signatures"`     // Vendor/product allow-list for supported hardware
		ProbeLiveness bool        `yaml:"probe_liveness"` // Open/close each candidate to set its liveness flag
	} `yaml:"hardware"`

	Processors map[string]ProcessorProfile `yaml:"processors"` // Keyed by processor tag, e.g. esp32

	Defaults struct {
		BuildTimeout      Duration `yaml:"build_timeout"`       // Wall-clock limit for one toolchain invocation
		PortTimeout       Duration `yaml:"port_timeout"`        // Total time to wait for a device to appear
		PortRetryInterval Duration `yaml:"port_retry_interval"` // Delay between discovery attempts
	} `yaml:"defaults"`

	MQTT struct {
		Enabled       bool   `yaml:"enabled"`        // Enable/disable the provisioning status reporter
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate
		TopicPrefix   string `yaml:"topic_prefix"`   // Prefix for provisioning status topics
		QOS           int    `yaml:"qos"`            // MQTT QoS level for status messages
	} `yaml:"mqtt"`
}

// Signature is one vendor/product pair recognized as supported hardware.
// New hardware is added here, not in code.
type Signature struct {
	VendorID  string `yaml:"vendor_id"`  // USB vendor ID as lowercase hex, e.g. "10c4"
	ProductID string `yaml:"product_id"` // USB product ID as lowercase hex, e.g. "ea60"
	Name      string `yaml:"name"`       // Human-readable adapter name
}

// ProcessorProfile carries the upload parameters for one processor family.
type ProcessorProfile struct {
	FQBN          string   `yaml:"fqbn"`           // Fully qualified board name passed to the toolchain
	BaudRate      int      `yaml:"baud_rate"`      // Serial speed for the upload protocol
	ChunkSize     int      `yaml:"chunk_size"`     // Transfer chunk size in bytes
	SyncRetries   int      `yaml:"sync_retries"`   // Bootloader sync attempts before giving up
	SyncTimeout   Duration `yaml:"sync_timeout"`   // Per-attempt wait for the sync acknowledgment
	VerifySupport bool     `yaml:"verify_support"` // Whether the protocol acknowledges a completed transfer
}

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	config.applyDefaults()
	return &config, nil
}

// applyDefaults fills unset fields with the values the original M5Stack
// tooling shipped with.
func (c *Config) applyDefaults() {
	if c.Toolchain.Executable == "" {
		c.Toolchain.Executable = "arduino-cli"
	}
	if c.Toolchain.MinFreeDiskMB == 0 {
		c.Toolchain.MinFreeDiskMB = 512
	}
	if len(c.Hardware.Signatures) == 0 {
		c.Hardware.Signatures = []Signature{
			{VendorID: "1a86", ProductID: "55d4", Name: "M5Stack Core2 (CH9102)"},
			{VendorID: "10c4", ProductID: "ea60", Name: "CP210x UART Bridge"},
		}
	}
	if c.Processors == nil {
		c.Processors = map[string]ProcessorProfile{}
	}
	if _, ok := c.Processors["esp32"]; !ok {
		c.Processors["esp32"] = ProcessorProfile{
			FQBN:          "esp32:esp32:m5stack-core2",
			BaudRate:      921600,
			ChunkSize:     4096,
			SyncRetries:   5,
			SyncTimeout:   Duration(500 * time.Millisecond),
			VerifySupport: true,
		}
	}
	if c.Defaults.BuildTimeout == 0 {
		c.Defaults.BuildTimeout = Duration(5 * time.Minute)
	}
	if c.Defaults.PortTimeout == 0 {
		c.Defaults.PortTimeout = Duration(30 * time.Second)
	}
	if c.Defaults.PortRetryInterval == 0 {
		c.Defaults.PortRetryInterval = Duration(time.Second)
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "provision"
	}
}
