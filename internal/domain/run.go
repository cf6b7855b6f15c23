package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the lifecycle status of a run record.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// NormalizeRunStatus maps free-form status values to canonical ones.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunPending):
		return RunPending
	case string(RunRunning):
		return RunRunning
	case string(RunPaused):
		return RunPaused
	case string(RunCompleted):
		return RunCompleted
	case string(RunFailed):
		return RunFailed
	default:
		return ""
	}
}

// TokenUsage tracks cumulative token consumption for a run. Counters
// only ever grow.
type TokenUsage struct {
	Prompt     int64
	Completion int64
	Total      int64
}

func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Prompt:     u.Prompt + other.Prompt,
		Completion: u.Completion + other.Completion,
		Total:      u.Total + other.Total,
	}
}

// Run is the durable record of one workflow execution. It is the
// single source of truth for where a run is; all transitions are made
// by the engine driver.
type Run struct {
	ID           string
	ProjectID    string
	Status       RunStatus
	CurrentStage Stage
	ErrorMessage string
	Tokens       TokenUsage
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("run status is invalid")
	}
	if NormalizeStage(string(r.CurrentStage)) == "" {
		return errors.New("current stage is invalid")
	}
	if r.Status == RunPaused && r.CurrentStage == StageComplete {
		return errors.New("paused run cannot be at the complete stage")
	}
	if r.Status == RunCompleted && r.CurrentStage != StageComplete {
		return errors.New("completed run must be at the complete stage")
	}
	if r.Status == RunFailed && strings.TrimSpace(r.ErrorMessage) == "" {
		return errors.New("failed run requires an error message")
	}
	return nil
}

// Project owns runs and carries the product request the pipeline
// turns into artifacts.
type Project struct {
	ID             string
	Name           string
	Description    string
	ProductRequest string
	OwnerSubject   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (p Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("project name is required")
	}
	if strings.TrimSpace(p.ProductRequest) == "" {
		return errors.New("product request is required")
	}
	if strings.TrimSpace(p.OwnerSubject) == "" {
		return errors.New("owner subject is required")
	}
	return nil
}
