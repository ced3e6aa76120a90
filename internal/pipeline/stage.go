package pipeline

// Stage identifies one phase of the flash pipeline state machine.
type Stage string

const (
	StageRender      Stage = "render"
	StageBuild       Stage = "build"
	StageResolvePort Stage = "resolve_port"
	StageUpload      Stage = "upload"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
	StageCancelled   Stage = "cancelled"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageDone, StageFailed, StageCancelled:
		return true
	}
	return false
}
