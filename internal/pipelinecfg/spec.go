// Package pipelinecfg parses the optional YAML tuning spec for the
// run pipeline. The stage graph itself is fixed; the spec only tunes
// timeouts, the regeneration cap, and per-stage generation
// instructions.
package pipelinecfg

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "draftline.pipeline.v1"

const (
	DefaultStageTimeout        = 2 * time.Minute
	DefaultRegenerationLimit   = 3
	DefaultFallbackContextSize = 2000
)

type Spec struct {
	Schema               string               `yaml:"schema"`
	StageTimeout         string               `yaml:"stage_timeout,omitempty"`
	RegenerationLimit    *int                 `yaml:"regeneration_limit,omitempty"`
	FallbackContextChars int                  `yaml:"fallback_context_chars,omitempty"`
	Stages               map[string]StageSpec `yaml:"stages,omitempty"`
}

type StageSpec struct {
	Instructions string `yaml:"instructions,omitempty"`
}

// Default is the spec used when no tuning file is configured.
func Default() Spec {
	return Spec{Schema: SpecSchemaV1}
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func LoadFile(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read spec: %w", err)
	}
	return ParseSpec(raw)
}

func (s Spec) Validate() error {
	if s.Schema != SpecSchemaV1 {
		return fmt.Errorf("unsupported schema %q (want %s)", s.Schema, SpecSchemaV1)
	}
	if s.StageTimeout != "" {
		d, err := time.ParseDuration(s.StageTimeout)
		if err != nil {
			return fmt.Errorf("stage_timeout: %w", err)
		}
		if d <= 0 {
			return errors.New("stage_timeout must be positive")
		}
	}
	if s.RegenerationLimit != nil && *s.RegenerationLimit < 0 {
		return errors.New("regeneration_limit must be >= 0")
	}
	if s.FallbackContextChars < 0 {
		return errors.New("fallback_context_chars must be >= 0")
	}
	for name := range s.Stages {
		stage := domain.NormalizeStage(name)
		if stage == "" || !stage.IsWork() {
			return fmt.Errorf("stage %q does not produce artifacts", name)
		}
	}
	return nil
}

// Timeout returns the configured stage timeout or the default.
func (s Spec) Timeout() time.Duration {
	if s.StageTimeout == "" {
		return DefaultStageTimeout
	}
	d, err := time.ParseDuration(s.StageTimeout)
	if err != nil || d <= 0 {
		return DefaultStageTimeout
	}
	return d
}

// RegenLimit returns the configured cap; 0 disables the cap.
func (s Spec) RegenLimit() int {
	if s.RegenerationLimit == nil {
		return DefaultRegenerationLimit
	}
	return *s.RegenerationLimit
}

// FallbackContextLimit is how many characters of input context a
// fallback artifact retains.
func (s Spec) FallbackContextLimit() int {
	if s.FallbackContextChars == 0 {
		return DefaultFallbackContextSize
	}
	return s.FallbackContextChars
}

// Instructions returns the tuning instructions for a stage, if any.
func (s Spec) Instructions(stage domain.Stage) string {
	if spec, ok := s.Stages[string(stage)]; ok {
		return spec.Instructions
	}
	return ""
}
