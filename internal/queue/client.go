package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Invocation is a fire-and-forget request to run a named task.
type Invocation struct {
	Type    string
	Payload any
	// Delay postpones processing; used for compositor continuations.
	Delay time.Duration
	// DedupeKey collapses repeated invocations while one is still queued.
	DedupeKey string
}

type Routes struct {
	Compositor string
	Tiles      string
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type Client struct {
	client enqueuer
	routes Routes
}

func NewClient(redisOpt asynq.RedisClientOpt, routes Routes) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		routes: routes,
	}
}

func (c *Client) Invoke(ctx context.Context, inv Invocation) error {
	task, err := NewTask(inv.Type, inv.Payload)
	if err != nil {
		return err
	}

	opts := c.options(inv)
	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", inv.Type, err)
	}
	return nil
}

func (c *Client) options(inv Invocation) []asynq.Option {
	var opts []asynq.Option
	switch inv.Type {
	case TypeComposite:
		opts = append(opts, asynq.Queue(c.routes.Compositor), asynq.MaxRetry(2), asynq.Timeout(3*time.Minute))
	case TypeReconcile:
		opts = append(opts, asynq.Queue(c.routes.Compositor), asynq.MaxRetry(0), asynq.Timeout(2*time.Minute))
	default:
		opts = append(opts, asynq.Queue(c.routes.Tiles), asynq.MaxRetry(3), asynq.Timeout(5*time.Minute))
	}
	if inv.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(inv.Delay))
	}
	if inv.DedupeKey != "" {
		opts = append(opts, asynq.TaskID(inv.DedupeKey))
	}
	return opts
}

func (c *Client) Close() error {
	return c.client.Close()
}
