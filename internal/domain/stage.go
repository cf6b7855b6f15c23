package domain

import "strings"

// Stage is one node of the run pipeline. Stages form a fixed linear
// sequence; waiting stages suspend the run until a decision arrives.
type Stage string

const (
	StageInitialized          Stage = "initialized"
	StageResearch             Stage = "research"
	StageEpics                Stage = "epics"
	StageWaitingEpicApproval  Stage = "waiting_epic_approval"
	StageStories              Stage = "stories"
	StageWaitingStoryApproval Stage = "waiting_story_approval"
	StageSpecs                Stage = "specs"
	StageWaitingSpecApproval  Stage = "waiting_spec_approval"
	StageCode                 Stage = "code"
	StageValidation           Stage = "validation"
	StageComplete             Stage = "complete"
)

var stageOrder = []Stage{
	StageInitialized,
	StageResearch,
	StageEpics,
	StageWaitingEpicApproval,
	StageStories,
	StageWaitingStoryApproval,
	StageSpecs,
	StageWaitingSpecApproval,
	StageCode,
	StageValidation,
	StageComplete,
}

// NormalizeStage maps a free-form tag to its canonical stage, or ""
// when the tag is not part of the pipeline.
func NormalizeStage(value string) Stage {
	tag := Stage(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range stageOrder {
		if s == tag {
			return s
		}
	}
	return ""
}

// Next returns the successor stage. The terminal stage is its own
// successor so callers never walk off the end of the pipeline.
func (s Stage) Next() Stage {
	for i, stage := range stageOrder {
		if stage == s {
			if i+1 < len(stageOrder) {
				return stageOrder[i+1]
			}
			return StageComplete
		}
	}
	return ""
}

// IsWaiting reports whether the stage is an approval suspend point.
func (s Stage) IsWaiting() bool {
	return strings.HasPrefix(string(s), "waiting_")
}

// IsWork reports whether the stage produces an artifact.
func (s Stage) IsWork() bool {
	return s.ArtifactType() != ""
}

// ArtifactType returns the artifact type a work stage produces, or ""
// for stages that produce nothing.
func (s Stage) ArtifactType() ArtifactType {
	switch s {
	case StageResearch:
		return ArtifactResearch
	case StageEpics:
		return ArtifactEpics
	case StageStories:
		return ArtifactStories
	case StageSpecs:
		return ArtifactSpecs
	case StageCode:
		return ArtifactCode
	case StageValidation:
		return ArtifactValidation
	default:
		return ""
	}
}

// GateFor returns the waiting stage that follows a gated work stage,
// or "" when the stage is not gated.
func (s Stage) GateFor() Stage {
	switch s {
	case StageEpics:
		return StageWaitingEpicApproval
	case StageStories:
		return StageWaitingStoryApproval
	case StageSpecs:
		return StageWaitingSpecApproval
	default:
		return ""
	}
}

// GatedStage returns the work stage a waiting stage is parked on,
// or "" when the stage is not a suspend point.
func (s Stage) GatedStage() Stage {
	switch s {
	case StageWaitingEpicApproval:
		return StageEpics
	case StageWaitingStoryApproval:
		return StageStories
	case StageWaitingSpecApproval:
		return StageSpecs
	default:
		return ""
	}
}

// Before reports whether s precedes other in the pipeline order.
func (s Stage) Before(other Stage) bool {
	return stageIndex(s) < stageIndex(other)
}

func stageIndex(s Stage) int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}
