package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

const (
	streamHeartbeatInterval = 15 * time.Second
	streamReplayBatch       = 500
)

type progressEventPayload struct {
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func toProgressPayload(e domain.ProgressEvent) progressEventPayload {
	return progressEventPayload{
		RunID:     e.RunID,
		Seq:       e.Seq,
		Stage:     string(e.Stage),
		Message:   e.Message,
		CreatedAt: e.CreatedAt,
	}
}

// handleProgressStream serves the per-run event stream over SSE.
// Stored events after ?after_seq are replayed first, then live events
// follow until the run reaches a terminal status.
func (api *orchestratorAPI) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.internalError(w, r, "get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	afterSeq, err := parseAfterSeq(r.URL.Query().Get("after_seq"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_after_seq")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replay so nothing published in between is lost;
	// duplicates are filtered by sequence number.
	sub := api.bus.Subscribe(runID)
	defer sub.Cancel()

	writeSSE(w, "connected", map[string]any{
		"run_id":        run.ID,
		"status":        string(run.Status),
		"current_stage": string(run.CurrentStage),
	})
	flusher.Flush()

	lastSeq := afterSeq
	for {
		events, err := api.bus.Replay(r.Context(), runID, lastSeq, streamReplayBatch)
		if err != nil {
			api.logger.Error("progress replay failed", "run_id", runID, "error", err)
			return
		}
		for _, e := range events {
			writeSSE(w, "progress", toProgressPayload(e))
			lastSeq = e.Seq
		}
		flusher.Flush()
		if len(events) < streamReplayBatch {
			break
		}
	}

	if run.Status == domain.RunCompleted || run.Status == domain.RunFailed {
		writeSSE(w, "end", map[string]any{"run_id": runID, "status": string(run.Status)})
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, open := <-sub.C:
			if !open {
				// Bus closed the run: terminal event already delivered.
				current, err := api.runs.GetRun(r.Context(), runID)
				status := ""
				if err == nil {
					status = string(current.Status)
				}
				writeSSE(w, "end", map[string]any{"run_id": runID, "status": status})
				flusher.Flush()
				return
			}
			if event.Seq <= lastSeq {
				continue
			}
			writeSSE(w, "progress", toProgressPayload(event))
			lastSeq = event.Seq
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, encoded)
}

func parseAfterSeq(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid after_seq %q", raw)
	}
	return seq, nil
}
