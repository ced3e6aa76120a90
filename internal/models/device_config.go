package models

// Direction describes which way a data type flows between the device and the cloud.
type Direction string

const (
	DirectionDeviceToCloud Direction = "device_to_cloud"
	DirectionCloudToDevice Direction = "cloud_to_device"
	DirectionBidirectional Direction = "bidirectional"
)

// DataType describes one named value the firmware exchanges with the cloud.
type DataType struct {
	Name      string    `yaml:"name" json:"name"`
	Kind      string    `yaml:"kind" json:"kind"` // primitive kind: int, float, string, bool
	Direction Direction `yaml:"direction" json:"direction"`
}

// CredentialBundle holds the per-device credentials embedded into the
// rendered firmware. The blobs are opaque PEM data; they are never logged
// and never passed outside the rendered source tree.
type CredentialBundle struct {
	CertificatePEM string `yaml:"certificate_pem" json:"-"`
	PrivateKeyPEM  string `yaml:"private_key_pem" json:"-"`
	RootCAPEM      string `yaml:"root_ca_pem" json:"-"`
}

// DeviceConfig is the resolved provisioning input for one physical device,
// supplied by the device-management side. It is treated as immutable: a new
// provisioning run always starts from a freshly loaded value.
type DeviceConfig struct {
	SerialNumber string           `yaml:"serial_number" json:"serial_number"`
	Processor    string           `yaml:"processor" json:"processor"`
	OS           string           `yaml:"os" json:"os"`
	Manufacturer string           `yaml:"manufacturer" json:"manufacturer"`
	Credentials  CredentialBundle `yaml:"credentials" json:"-"`
	DataTypes    []DataType       `yaml:"data_types" json:"data_types"`
}
