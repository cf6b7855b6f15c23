package domain

import (
	"errors"
	"strings"
	"time"
)

// ProgressEvent is one append-only transition notification. Seq is
// assigned by the store and increases monotonically per run.
type ProgressEvent struct {
	RunID     string
	Seq       int64
	Stage     Stage
	Message   string
	CreatedAt time.Time
}

func (e ProgressEvent) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(string(e.Stage)) == "" {
		return errors.New("stage is required")
	}
	if strings.TrimSpace(e.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}
