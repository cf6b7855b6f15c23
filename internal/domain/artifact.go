package domain

import (
	"errors"
	"strings"
	"time"
)

// ArtifactType identifies which pipeline stage produced an artifact.
type ArtifactType string

const (
	ArtifactResearch   ArtifactType = "research"
	ArtifactEpics      ArtifactType = "epics"
	ArtifactStories    ArtifactType = "stories"
	ArtifactSpecs      ArtifactType = "specs"
	ArtifactCode       ArtifactType = "code"
	ArtifactValidation ArtifactType = "validation"
)

// NormalizeArtifactType maps a free-form value to a canonical type.
func NormalizeArtifactType(value string) ArtifactType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ArtifactResearch):
		return ArtifactResearch
	case string(ArtifactEpics):
		return ArtifactEpics
	case string(ArtifactStories):
		return ArtifactStories
	case string(ArtifactSpecs):
		return ArtifactSpecs
	case string(ArtifactCode):
		return ArtifactCode
	case string(ArtifactValidation):
		return ArtifactValidation
	default:
		return ""
	}
}

// MetadataKeyFallback marks fallback artifacts in metadata in addition
// to the IsFallback flag, so exported bundles carry the marker too.
const MetadataKeyFallback = "is_fallback"

// Artifact is one durable stage output. Regeneration appends a new
// artifact for the same type; the latest one is current, older rows
// are retained for audit.
type Artifact struct {
	ID         string
	RunID      string
	Type       ArtifactType
	Name       string
	Content    string
	Metadata   Metadata
	IsFallback bool
	CreatedAt  time.Time
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if NormalizeArtifactType(string(a.Type)) == "" {
		return errors.New("artifact type is invalid")
	}
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("artifact name is required")
	}
	return nil
}
