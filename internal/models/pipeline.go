package models

import "time"

// RenderedSource is the firmware source tree produced for one pipeline run.
// The run that created it owns the directory and removes it when the build
// stage is left, success or failure.
type RenderedSource struct {
	Dir        string   `json:"dir"`         // root temporary directory
	SketchDir  string   `json:"sketch_dir"`  // directory holding the sketch entry point
	SketchFile string   `json:"sketch_file"` // path to the .ino entry point
	Files      []string `json:"files"`       // manifest of every written file, relative to Dir
}

// BuildArtifact is the compiled binary plus the captured toolchain output.
// It is handed by reference to the upload stage and never mutated afterward.
type BuildArtifact struct {
	BinaryPath  string `json:"binary_path"`
	Size        int64  `json:"size"`
	Diagnostics string `json:"-"`
}

// PortCandidate is one discovered serial interface. Candidates are
// rediscovered fresh on every resolution; they are never cached across runs
// because devices may be unplugged between steps.
type PortCandidate struct {
	Device    string `json:"device"` // OS port path, e.g. /dev/ttyUSB0
	Name      string `json:"name"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	Serial    string `json:"serial,omitempty"`
	Live      bool   `json:"live"`
}

// UploadResult reports a completed transfer.
type UploadResult struct {
	Port             string        `json:"port"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Verified         bool          `json:"verified"` // false means best-effort completion only
	Duration         time.Duration `json:"duration"`
}

// PipelineResult is the consolidated outcome of one pipeline run, immutable
// once the orchestrator finalizes it.
type PipelineResult struct {
	RunID        string         `json:"run_id"`
	SerialNumber string         `json:"serial_number"`
	Stage        string         `json:"stage"` // terminal stage: done, failed or cancelled
	Err          error          `json:"-"`
	Artifact     *BuildArtifact `json:"artifact,omitempty"`
	Upload       *UploadResult  `json:"upload,omitempty"`
}
