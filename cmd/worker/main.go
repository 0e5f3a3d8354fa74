// Worker process: registers with the coordinator, heartbeats, and
// executes sandbox tasks from its Redis queue.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bcai-network/bcai-go/pkg/logging"
	"github.com/bcai-network/bcai-go/pkg/models"
	"github.com/bcai-network/bcai-go/pkg/sandbox"
)

const heartbeatInterval = 10 * time.Second

// Worker is one training worker process
type Worker struct {
	id             string
	coordinatorURL string
	token          string
	redis          *redis.Client
	capability     models.ResourceEnvelope
	sampleCount    int
	logger         *logging.Logger
}

// NewWorker connects to Redis and builds the worker identity
func NewWorker(redisAddr, coordinatorURL string) (*Worker, error) {
	opt, err := redis.ParseURL(fmt.Sprintf("redis://%s", redisAddr))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	hostname, _ := os.Hostname()
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())
	}

	return &Worker{
		id:             workerID,
		coordinatorURL: coordinatorURL,
		token:          os.Getenv("WORKER_TOKEN"),
		redis:          client,
		capability: models.ResourceEnvelope{
			MilliCPU:       envInt64("WORKER_MILLI_CPU", 4000),
			MemoryBytes:    uint64(envInt64("WORKER_MEMORY_BYTES", 8<<30)),
			GPUMemoryBytes: uint64(envInt64("WORKER_GPU_MEMORY_BYTES", 0)),
		},
		sampleCount: int(envInt64("WORKER_SAMPLE_COUNT", 1)),
		logger:      logging.Default().WithComponent("worker"),
	}, nil
}

// register announces the worker to the coordinator
func (w *Worker) register(ctx context.Context) error {
	info := models.WorkerInfo{
		ID:          w.id,
		Capability:  w.capability,
		SampleCount: w.sampleCount,
	}
	return w.post(ctx, "/api/v1/workers", info)
}

// heartbeatLoop keeps the registration alive until ctx is cancelled
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			path := fmt.Sprintf("/api/v1/workers/%s/heartbeat", w.id)
			if err := w.post(ctx, path, nil); err != nil {
				w.logger.Warn("heartbeat failed", map[string]any{"error": err.Error()})
				// a coordinator restart loses the registration
				if err := w.register(ctx); err != nil {
					w.logger.Warn("re-registration failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}
}

func (w *Worker) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.coordinatorURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator returned status %d for %s", resp.StatusCode, path)
	}
	return nil
}

func envInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	coordinatorURL := os.Getenv("COORDINATOR_URL")
	if coordinatorURL == "" {
		coordinatorURL = "http://localhost:8080"
	}

	worker, err := NewWorker(redisAddr, coordinatorURL)
	if err != nil {
		log.Fatalf("Failed to create worker: %v", err)
	}
	log.Printf("Worker %s connected to Redis at %s", worker.id, redisAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.register(ctx); err != nil {
		log.Fatalf("Failed to register with coordinator: %v", err)
	}
	log.Printf("Registered with coordinator at %s", coordinatorURL)

	go worker.heartbeatLoop(ctx)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down worker...")
		cancel()
	}()

	err = sandbox.ServeWorker(ctx, worker.redis, worker.id, sandbox.NewVMRunner(), worker.logger)
	if err != nil && err != context.Canceled {
		log.Fatalf("Worker loop failed: %v", err)
	}
	log.Println("Worker exited")
}
