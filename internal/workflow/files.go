package workflow

import (
	"fmt"
	"path/filepath"
)

// Fixed session-level filenames.
const (
	StateFileName     = "state.json"
	StandardsFileName = "standards-bundle.md"
	PlanFileName      = "plan.md"
	GuardFileName     = "guard.json"
	// CodeDirName holds generated code files inside an iteration directory.
	CodeDirName = "code"
)

// stageFiles is the locked filename contract per (phase, stage).
var stageFiles = map[Phase]map[Stage]string{
	PhasePlan: {
		StagePrompt:   "planning-prompt.md",
		StageResponse: "planning-response.md",
	},
	PhaseGenerate: {
		StagePrompt:   "generation-prompt.md",
		StageResponse: "generation-response.md",
	},
	PhaseReview: {
		StagePrompt:   "review-prompt.md",
		StageResponse: "review-response.md",
	},
	PhaseRevise: {
		StagePrompt:   "revision-prompt.md",
		StageResponse: "revision-response.md",
	},
}

// StageFileName returns the canonical filename for a (phase, stage) pair.
func StageFileName(phase Phase, stage Stage) (string, error) {
	files, ok := stageFiles[phase]
	if !ok {
		return "", fmt.Errorf("phase %s has no stage files", phase)
	}
	name, ok := files[stage]
	if !ok {
		return "", fmt.Errorf("phase %s has no %s file", phase, stage)
	}
	return name, nil
}

// IterationDir returns the relative directory for an iteration (iteration-N).
func IterationDir(n int) string {
	return fmt.Sprintf("iteration-%d", n)
}

// StagePath returns the session-relative path of the canonical file for a
// (phase, stage) pair within iteration n.
func StagePath(phase Phase, stage Stage, n int) (string, error) {
	name, err := StageFileName(phase, stage)
	if err != nil {
		return "", err
	}
	return filepath.Join(IterationDir(n), name), nil
}

// CodePath returns the session-relative path for a generated code file
// within iteration n.
func CodePath(n int, rel string) string {
	return filepath.Join(IterationDir(n), CodeDirName, rel)
}
