// Command-line client for the bcai coordinator
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bcai-network/bcai-go/pkg/models"
)

const cliVersion = "v0.1.0"

// JobManifest is the YAML manifest accepted by `bcai submit`
type JobManifest struct {
	Name         string   `yaml:"name"`
	Owner        string   `yaml:"owner"`
	Source       string   `yaml:"source"`
	SourceFile   string   `yaml:"source_file"`
	Requirements []string `yaml:"requirements"`
	RewardBudget uint64   `yaml:"reward_budget"`
	Schedule     string   `yaml:"schedule"`
	Envelope     struct {
		MilliCPU         int64  `yaml:"milli_cpu"`
		MemoryBytes      uint64 `yaml:"memory_bytes"`
		GPUMemoryBytes   uint64 `yaml:"gpu_memory_bytes"`
		WallClockSeconds int64  `yaml:"wall_clock_seconds"`
		GasBudget        uint64 `yaml:"gas_budget"`
	} `yaml:"envelope"`
	Rounds struct {
		Rounds         int `yaml:"rounds"`
		LocalEpochs    int `yaml:"local_epochs"`
		MinWorkers     int `yaml:"min_workers"`
		TargetWorkers  int `yaml:"target_workers"`
		RetryBudget    int `yaml:"retry_budget"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"rounds"`
}

type client struct {
	baseURL string
	token   string
}

func newClient() *client {
	baseURL := os.Getenv("BCAI_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &client{baseURL: baseURL, token: os.Getenv("BCAI_TOKEN")}
}

func (c *client) do(method, path string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func (c *client) submit(manifestPath string) error {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest JobManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if manifest.SourceFile != "" {
		src, err := os.ReadFile(manifest.SourceFile)
		if err != nil {
			return fmt.Errorf("failed to read source file: %w", err)
		}
		manifest.Source = string(src)
	}

	req := models.JobSubmissionRequest{
		Name:         manifest.Name,
		Owner:        manifest.Owner,
		Source:       manifest.Source,
		Requirements: manifest.Requirements,
		RewardBudget: manifest.RewardBudget,
		Schedule:     manifest.Schedule,
		Envelope: models.ResourceEnvelope{
			MilliCPU:         manifest.Envelope.MilliCPU,
			MemoryBytes:      manifest.Envelope.MemoryBytes,
			GPUMemoryBytes:   manifest.Envelope.GPUMemoryBytes,
			WallClockSeconds: manifest.Envelope.WallClockSeconds,
			GasBudget:        manifest.Envelope.GasBudget,
		},
		Rounds: models.RoundConfig{
			Rounds:         manifest.Rounds.Rounds,
			LocalEpochs:    manifest.Rounds.LocalEpochs,
			MinWorkers:     manifest.Rounds.MinWorkers,
			TargetWorkers:  manifest.Rounds.TargetWorkers,
			RetryBudget:    manifest.Rounds.RetryBudget,
			TimeoutSeconds: manifest.Rounds.TimeoutSeconds,
		},
	}

	data, status, err := c.do(http.MethodPost, "/api/v1/jobs", req)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("submission rejected (%d): %s", status, data)
	}
	var job models.TrainingJob
	if err := json.Unmarshal(data, &job); err != nil {
		return err
	}
	fmt.Printf("Submitted job %s (%s)\n", job.ID, job.Name)
	return nil
}

func (c *client) result(jobID string, wait bool) error {
	for {
		data, status, err := c.do(http.MethodGet, "/api/v1/jobs/"+jobID+"/result", nil)
		if err != nil {
			return err
		}
		if status == http.StatusOK {
			return printJSON(data)
		}
		if status != http.StatusNotFound || !wait {
			return fmt.Errorf("no result yet (%d): %s", status, data)
		}
		time.Sleep(time.Second)
	}
}

func (c *client) get(path string) error {
	data, status, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("request failed (%d): %s", status, data)
	}
	return printJSON(data)
}

func (c *client) cancel(jobID string) error {
	data, status, err := c.do(http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("cancel failed (%d): %s", status, data)
	}
	fmt.Printf("Cancelling job %s\n", jobID)
	return nil
}

func printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func printHelp() {
	fmt.Println("Usage:")
	fmt.Println("  bcai submit <manifest.yaml>        Submit a training job")
	fmt.Println("  bcai status <job-id>               Show a job")
	fmt.Println("  bcai result <job-id> [--wait]      Fetch (or wait for) the job result")
	fmt.Println("  bcai rounds <job-id>               Show the per-round audit log")
	fmt.Println("  bcai cancel <job-id>               Cancel a running job")
	fmt.Println("  bcai jobs                          List jobs")
	fmt.Println("  bcai workers                       List workers")
	fmt.Println("  bcai balance <account>             Show an account's token balances")
	fmt.Println("  -v, --version                      Show version")
	fmt.Println()
	fmt.Println("Environment: BCAI_URL (default http://localhost:8080), BCAI_TOKEN")
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	c := newClient()
	var err error
	switch args[0] {
	case "-h", "--help", "help":
		printHelp()
		return
	case "-v", "--version":
		fmt.Println("bcai version:", cliVersion)
		return
	case "submit":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: submit requires a manifest path")
			os.Exit(1)
		}
		err = c.submit(args[1])
	case "status":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: status requires a job id")
			os.Exit(1)
		}
		err = c.get("/api/v1/jobs/" + args[1])
	case "result":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: result requires a job id")
			os.Exit(1)
		}
		wait := len(args) > 2 && args[2] == "--wait"
		err = c.result(args[1], wait)
	case "rounds":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: rounds requires a job id")
			os.Exit(1)
		}
		err = c.get("/api/v1/jobs/" + args[1] + "/rounds")
	case "cancel":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: cancel requires a job id")
			os.Exit(1)
		}
		err = c.cancel(args[1])
	case "jobs":
		err = c.get("/api/v1/jobs")
	case "workers":
		err = c.get("/api/v1/workers")
	case "balance":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: balance requires an account")
			os.Exit(1)
		}
		err = c.get("/api/v1/ledger/" + args[1])
	default:
		fmt.Fprintln(os.Stderr, "Unknown command. Use --help for usage.")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
