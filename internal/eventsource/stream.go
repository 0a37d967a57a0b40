package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/stream"
	"github.com/bidopsai/bidops-go/internal/temporal/querier"
)

// StateSource reads the authoritative pipeline snapshot.
type StateSource interface {
	GetPipelineState(ctx context.Context, workflowID string) (*domain.Snapshot, error)
}

// StreamConfig controls SSE stream behavior.
type StreamConfig struct {
	PollInterval time.Duration
	MaxDuration  time.Duration
	// RetryHint is sent as the SSE retry field on the first frame, in ms.
	RetryHint int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() StreamConfig {
	return StreamConfig{
		PollInterval: 2 * time.Second,
		MaxDuration:  30 * time.Minute,
		RetryHint:    1000,
	}
}

// StreamHandler serves GET .../projects/{project}/workflows/{id}/stream.
// The stream ends after WORKFLOW_COMPLETED, on a query error, or after
// MaxDuration; clients reconnect with Last-Event-ID to continue the
// sequence.
func StreamHandler(src StateSource, limiter *ratelimit.OperationLimiter, cfg StreamConfig, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	poll := func(ctx context.Context, id string) (*domain.Snapshot, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx, ratelimit.OpSnapshot); err != nil {
				return nil, err
			}
		}
		return src.GetPipelineState(ctx, id)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		wfID := r.PathValue("id")
		projectID := r.PathValue("project")
		if wfID == "" || projectID == "" {
			http.Error(w, "project and workflow id required", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.MaxDuration)
		defer cancel()

		snap, err := poll(ctx, wfID)
		if errors.Is(err, querier.ErrNotFound) {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("initial pipeline state query failed", "workflow_id", wfID, "error", err)
			http.Error(w, "pipeline state unavailable", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		lastSeq, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
		d := newDiffer(wfID, projectID, lastSeq)
		retry := cfg.RetryHint
		emit := func(snap *domain.Snapshot) (done bool, err error) {
			for _, ev := range d.next(*snap) {
				if err := writeEvent(w, ev, retry); err != nil {
					return false, err
				}
				retry = 0
				if ev.Type.IsWorkflowCompletion() {
					done = true
				}
			}
			flusher.Flush()
			return done, nil
		}

		logger.Info("event stream opened", "workflow_id", wfID, "project_id", projectID, "last_event_id", lastSeq)
		defer logger.Info("event stream closed", "workflow_id", wfID, "seq", d.seq)

		if done, err := emit(snap); done || err != nil {
			return
		}

		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := poll(ctx, wfID)
				if err != nil {
					if ctx.Err() == nil {
						logger.Warn("pipeline state query failed, closing stream", "workflow_id", wfID, "error", err)
					}
					return
				}
				if done, err := emit(snap); done || err != nil {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev domain.Event, retry int) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return stream.WriteFrame(w, stream.Frame{
		Event: string(ev.Type),
		Data:  string(data),
		ID:    ev.ID,
		Retry: retry,
	})
}
