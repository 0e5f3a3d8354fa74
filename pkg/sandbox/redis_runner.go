package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bcai-network/bcai-go/pkg/logging"
	"github.com/bcai-network/bcai-go/pkg/models"
)

const (
	taskQueuePrefix = "bcai:tasks:"
	resultKeyPrefix = "bcai:results:"
	resultTTL       = time.Hour
	pollInterval    = 200 * time.Millisecond
)

// TaskQueueKey is the Redis list a worker consumes its tasks from
func TaskQueueKey(workerID string) string {
	return taskQueuePrefix + workerID
}

// ResultKey is the Redis key one task's WorkerUpdate is published under
func ResultKey(jobID string, round int, workerID string) string {
	return fmt.Sprintf("%s%s:%d:%s", resultKeyPrefix, jobID, round, workerID)
}

// RedisRunner dispatches sandbox tasks to remote worker processes over
// Redis: the task is pushed onto the worker's queue and the update is
// collected from a per-task result key. The scheduler's round deadline
// arrives here as ctx cancellation.
type RedisRunner struct {
	redis *redis.Client
}

// NewRedisRunner connects to Redis at the given address
func NewRedisRunner(redisAddr string) (*RedisRunner, error) {
	opt, err := redis.ParseURL(fmt.Sprintf("redis://%s", redisAddr))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisRunner{redis: client}, nil
}

// Close releases the Redis connection
func (r *RedisRunner) Close() error {
	return r.redis.Close()
}

// Run enqueues the task for its worker and polls for the result until
// ctx is cancelled. A late result left behind after cancellation
// expires with the result TTL and is never read.
func (r *RedisRunner) Run(ctx context.Context, task Task) (*models.WorkerUpdate, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := r.redis.RPush(ctx, TaskQueueKey(task.WorkerID), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	key := ResultKey(task.JobID, task.Round, task.WorkerID)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			raw, err := r.redis.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to fetch result: %w", err)
			}
			var update models.WorkerUpdate
			if err := json.Unmarshal([]byte(raw), &update); err != nil {
				return nil, fmt.Errorf("failed to unmarshal result: %w", err)
			}
			r.redis.Del(ctx, key)
			return &update, nil
		}
	}
}

// ServeWorker consumes tasks for one worker and executes them with the
// given runner until ctx is cancelled. Used by the worker process.
func ServeWorker(ctx context.Context, client *redis.Client, workerID string, exec Runner, log *logging.Logger) error {
	queue := TaskQueueKey(workerID)
	for {
		res, err := client.BLPop(ctx, 5*time.Second, queue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("failed to pop task", map[string]any{"error": err.Error()})
			time.Sleep(time.Second)
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			log.Error("dropping malformed task", map[string]any{"error": err.Error()})
			continue
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if task.Constraints.MaxWallSeconds > 0 {
			runCtx, cancel = context.WithTimeout(ctx, time.Duration(task.Constraints.MaxWallSeconds)*time.Second)
		}
		update, err := exec.Run(runCtx, task)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			update = &models.WorkerUpdate{
				WorkerID: task.WorkerID,
				Round:    task.Round,
				Status:   models.UpdateStatusFailed,
				Reason:   err.Error(),
			}
		}

		data, err := json.Marshal(update)
		if err != nil {
			log.Error("failed to marshal update", map[string]any{"error": err.Error()})
			continue
		}
		key := ResultKey(task.JobID, task.Round, task.WorkerID)
		if err := client.Set(ctx, key, data, resultTTL).Err(); err != nil {
			log.Error("failed to publish update", map[string]any{"error": err.Error()})
			continue
		}
		log.Info("task executed", map[string]any{
			"job":    task.JobID,
			"round":  task.Round,
			"status": string(update.Status),
		})
	}
}
