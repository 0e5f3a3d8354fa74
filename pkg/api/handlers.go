package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bcai-network/bcai-go/pkg/compiler"
	"github.com/bcai-network/bcai-go/pkg/ledger"
	"github.com/bcai-network/bcai-go/pkg/models"
	"github.com/bcai-network/bcai-go/pkg/registry"
	"github.com/bcai-network/bcai-go/pkg/store"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleReady reports whether the coordinator can dispatch work
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.registry.Ready()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"ready":         len(ready) > 0,
		"workers_ready": len(ready),
	})
}

// handleSubmitJob handles new training job submissions
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequestResponse(w, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.Owner == "" {
		writeBadRequestResponse(w, "owner is required")
		return
	}

	job, err := s.svc.Submit(&req)
	if err != nil {
		var compileErr *compiler.CompileError
		switch {
		case errors.As(err, &compileErr):
			writeJSONResponse(w, http.StatusBadRequest, map[string]any{
				"error":  "compile rejected",
				"reason": compileErr.Reason,
				"detail": compileErr.Detail,
			})
		case errors.Is(err, ledger.ErrInsufficientBalance):
			writeErrorResponse(w, http.StatusPaymentRequired, err.Error())
		default:
			writeBadRequestResponse(w, err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusAccepted, job)
}

// handleListJobs lists all submitted jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.Jobs()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// handleGetJob returns one job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Job(mux.Vars(r)["id"])
	if err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, job)
}

// handleCancelJob requests termination of a running job
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.Cancel(id); err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, map[string]any{"job_id": id, "cancelling": true})
}

// handleGetResult returns a job's terminal result. 404 until the job
// terminates; clients poll.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Result(mux.Vars(r)["id"])
	if err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// handleGetRounds returns a job's per-round audit log
func (s *Server) handleGetRounds(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.Rounds(mux.Vars(r)["id"])
	if err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"rounds": records, "count": len(records)})
}

// handleRegisterWorker registers or refreshes a worker
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var info models.WorkerInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeBadRequestResponse(w, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := s.registry.Register(&info); err != nil {
		writeBadRequestResponse(w, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"worker_id": info.ID, "registered": true})
}

// handleListWorkers lists the worker pool
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.registry.List()
	writeJSONResponse(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

// handleWorkerHeartbeat refreshes a worker's liveness
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Heartbeat(id); err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"worker_id": id, "alive": true})
}

// handleRemoveWorker removes a worker from the pool
func (s *Server) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.registry.Remove(id)
	writeJSONResponse(w, http.StatusOK, map[string]any{"worker_id": id, "removed": true})
}

// handleGetBalance returns an account's token balances
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"account": account,
		"balance": s.ledger.Balance(account),
		"staked":  s.ledger.Staked(account),
	})
}

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeErrorResponse writes a JSON error response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, map[string]any{"error": message})
}

// writeBadRequestResponse writes a 400 error response
func writeBadRequestResponse(w http.ResponseWriter, message string) {
	writeErrorResponse(w, http.StatusBadRequest, message)
}

// writeNotFoundOrError maps missing-entity errors to 404
func writeNotFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, registry.ErrUnknownWorker) {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeErrorResponse(w, http.StatusInternalServerError, err.Error())
}
