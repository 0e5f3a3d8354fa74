package models

import "time"

// WorkerState is the registry's view of a worker's health
type WorkerState string

const (
	WorkerReady   WorkerState = "ready"
	WorkerOffline WorkerState = "offline"
)

// WorkerInfo describes one member of the worker pool
type WorkerInfo struct {
	ID            string           `json:"worker_id"`
	Address       string           `json:"address,omitempty"`
	Capability    ResourceEnvelope `json:"capability"`
	SampleCount   int              `json:"sample_count"`
	State         WorkerState      `json:"state"`
	InFlight      int              `json:"in_flight"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
}
