package sandbox

import "fmt"

// Stage names a step of a validation run
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageBuild   Stage = "build"
	StageStart   Stage = "start"
	StageHealth  Stage = "health"
	StageTest    Stage = "test"
	StageCleanup Stage = "cleanup"
)

// SandboxError describes the stage a validation run failed at. It is written
// into the transcript, never returned to callers of Validate.
type SandboxError struct {
	Stage  Stage
	Output string
	Err    error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error
func (e *SandboxError) Unwrap() error {
	return e.Err
}
