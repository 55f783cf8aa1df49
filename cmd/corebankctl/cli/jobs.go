package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/corebank/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	if redisAddr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerParams scopes an on-demand run.
type TriggerParams struct {
	Branch    string
	Date      string
	OlderThan time.Duration
	Limit     int
}

// BuildTask maps a task name to a prepared task.
func BuildTask(name string, p TriggerParams) (*asynq.Task, error) {
	if p.Date != "" {
		if _, err := time.Parse("2006-01-02", p.Date); err != nil {
			return nil, fmt.Errorf("jobs cli: invalid date %q (expected YYYY-MM-DD)", p.Date)
		}
	}
	switch name {
	case jobs.TaskLedgerIntegrity:
		return jobs.NewLedgerIntegrityTask(p.Date)
	case jobs.TaskCustodyReconcile:
		return jobs.NewCustodyReconcileTask(p.Branch, p.Date)
	case jobs.TaskSerialSweep:
		olderThan := p.OlderThan
		if olderThan <= 0 {
			olderThan = 2 * time.Hour
		}
		limit := p.Limit
		if limit <= 0 {
			limit = 500
		}
		return jobs.NewSerialSweepTask(olderThan, limit)
	case jobs.TaskIdempotencyCleanup:
		return jobs.NewIdempotencyCleanupTask(p.OlderThan)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, p TriggerParams) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := BuildTask(name, p)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueue reports the queue metrics for queue.
func (c *JobsCLI) InspectQueue(queue string) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(queue)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: queue}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

func newJobsCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}

	withCLI := func(fn func(*JobsCLI) error) error {
		cfg, err := a.config()
		if err != nil {
			return err
		}
		c, err := NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		return fn(c)
	}

	var params TriggerParams
	trigger := &cobra.Command{
		Use:   "trigger <task>",
		Short: "Enqueue a job now",
		Long: fmt.Sprintf("Enqueue one of %s, %s, %s or %s.",
			jobs.TaskLedgerIntegrity, jobs.TaskCustodyReconcile, jobs.TaskSerialSweep, jobs.TaskIdempotencyCleanup),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := BuildTask(args[0], params); err != nil {
				return err
			}
			return withCLI(func(c *JobsCLI) error {
				info, err := c.Trigger(cmd.Context(), args[0], params)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
				return nil
			})
		},
	}
	trigger.Flags().StringVar(&params.Branch, "branch", "", "branch code (reconcile only, empty for all)")
	trigger.Flags().StringVar(&params.Date, "date", "", "business date YYYY-MM-DD (empty for the previous day)")
	trigger.Flags().DurationVar(&params.OlderThan, "older-than", 0, "age threshold for sweep and cleanup")
	trigger.Flags().IntVar(&params.Limit, "limit", 0, "maximum codes swept in one run")
	cmd.AddCommand(trigger)

	var queue string
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCLI(func(c *JobsCLI) error {
				stats, err := c.InspectQueue(queue)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
					stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
				return nil
			})
		},
	}
	inspect.Flags().StringVar(&queue, "queue", jobs.QueueCritical, "queue name")
	cmd.AddCommand(inspect)
	return cmd
}
