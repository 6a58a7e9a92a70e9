package webhook

import (
	"context"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

type JobEvent struct {
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	FinalURL     string    `json:"final_url,omitempty"`
	Error        string    `json:"error,omitempty"`
	CanvasWidth  int       `json:"canvas_width"`
	CanvasHeight int       `json:"canvas_height"`
	FinishedAt   time.Time `json:"finished_at"`
}

type sender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// JobNotifier delivers terminal job states to the webhook URL stored on the
// job.
type JobNotifier struct {
	client sender
}

func NewJobNotifier(client *Client) *JobNotifier {
	return &JobNotifier{client: client}
}

func (n *JobNotifier) JobFinished(ctx context.Context, job domain.Job) error {
	event := EventJobCompleted
	if job.Status == domain.JobStatusFailed {
		event = EventJobFailed
	}
	return n.client.Send(ctx, job.WebhookURL, event, JobEvent{
		JobID:        job.ID,
		Status:       string(job.Status),
		FinalURL:     job.FinalURL,
		Error:        job.Error,
		CanvasWidth:  job.CanvasWidth,
		CanvasHeight: job.CanvasHeight,
		FinishedAt:   job.UpdatedAt,
	})
}
