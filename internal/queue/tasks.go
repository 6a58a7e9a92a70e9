package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeComposite    = "upscale:composite"
	TypeReconcile    = "upscale:reconcile"
	TypeTileJob      = "upscale:tile_job"
	TypeAnalyzeTile  = "upscale:tile_analyze"
	TypeGenerateTile = "upscale:tile_generate"
)

// CompositePayload asks for one compositor batch. LeaseOwner is set on a
// continuation so the next invocation inherits the renewed lease.
type CompositePayload struct {
	JobID       string    `json:"job_id"`
	LeaseOwner  string    `json:"lease_owner,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

type ReconcilePayload struct {
	RequestedAt time.Time `json:"requested_at"`
}

type TileJobPayload struct {
	JobID string `json:"job_id"`
}

type TilePayload struct {
	JobID  string `json:"job_id"`
	TileID string `json:"tile_id"`
}

func NewTask(taskType string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, body), nil
}

func ParseCompositePayload(task *asynq.Task) (CompositePayload, error) {
	var payload CompositePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CompositePayload{}, fmt.Errorf("unmarshal composite payload: %w", err)
	}
	if payload.JobID == "" {
		return CompositePayload{}, fmt.Errorf("composite payload missing job_id")
	}
	return payload, nil
}
