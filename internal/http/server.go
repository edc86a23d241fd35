package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nstojkov/flowline/internal/log"
	"github.com/nstojkov/flowline/pkg/engine"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/nstojkov/flowline/pkg/queue"
	"github.com/nstojkov/flowline/pkg/scheduler"
	"github.com/pkg/errors"
)

// Server exposes workflow, job, and schedule inspection plus the mutating
// operations over plain HTTP.
type Server struct {
	engine    *engine.Engine
	queue     *queue.JobQueue
	scheduler *scheduler.Scheduler
}

func NewServer(eng *engine.Engine, q *queue.JobQueue, sched *scheduler.Scheduler) *Server {
	return &Server{engine: eng, queue: q, scheduler: sched}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/workflows", s.workflowsHandler)
	mux.HandleFunc("/workflows/run", s.runWorkflowHandler)
	mux.HandleFunc("/jobs", s.jobsHandler)
	mux.HandleFunc("/jobs/retry", s.retryJobHandler)
	mux.HandleFunc("/schedules", s.schedulesHandler)
	return mux
}

func (s *Server) Start(port string) error {
	log.GetLogger().Infof("Starting flowline server on :%s", port)
	return http.ListenAndServe(":"+port, s.Handler())
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "flowline server is running")
}

type createWorkflowRequest struct {
	Steps   []models.WorkflowStep  `json:"steps"`
	Context models.WorkflowContext `json:"context"`
	UserID  string                 `json:"user_id"`
}

func (s *Server) workflowsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workflows, err := s.engine.ListWorkflows()
		if err != nil {
			log.GetLogger().Errorf("Failed to list workflows: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list workflows: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	case http.MethodPost:
		var req createWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		wf, err := s.engine.CreateWorkflow(req.Steps, req.Context, req.UserID)
		if err != nil {
			log.GetLogger().Errorf("Failed to create workflow: %v", err)
			http.Error(w, fmt.Sprintf("Failed to create workflow: %v", err), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, wf)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// runWorkflowHandler enqueues a run rather than executing inline, so HTTP
// triggers share the queue's retry and crash-recovery guarantees.
func (s *Server) runWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.FormValue("id")
	if id == "" {
		http.Error(w, "Missing 'id' parameter", http.StatusBadRequest)
		return
	}
	if _, err := s.engine.GetWorkflow(id); err != nil {
		http.Error(w, fmt.Sprintf("Workflow not found: %v", err), http.StatusNotFound)
		return
	}
	jobID, err := s.queue.Enqueue(r.Context(), id, 0)
	if err != nil {
		log.GetLogger().Errorf("Failed to enqueue workflow %s: %v", id, err)
		http.Error(w, fmt.Sprintf("Failed to enqueue workflow: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if id := r.FormValue("id"); id != "" {
		job, err := s.queue.GetJob(id)
		if err != nil {
			http.Error(w, fmt.Sprintf("Job not found: %v", err), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}
	jobs, err := s.queue.ListJobs()
	if err != nil {
		log.GetLogger().Errorf("Failed to list jobs: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list jobs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) retryJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.FormValue("id")
	if id == "" {
		http.Error(w, "Missing 'id' parameter", http.StatusBadRequest)
		return
	}
	if err := s.queue.RetryJob(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrJobNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, queue.ErrInvalidJobState) {
			status = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("Failed to retry job: %v", err), status)
		return
	}
	fmt.Fprintf(w, "Job %s resubmitted\n", id)
}

type createScheduleRequest struct {
	WorkflowID string `json:"workflow_id"`
	Cron       string `json:"cron"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) schedulesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		schedules, err := s.scheduler.ListSchedules()
		if err != nil {
			log.GetLogger().Errorf("Failed to list schedules: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list schedules: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, schedules)
	case http.MethodPost:
		var req createScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		sched, err := s.scheduler.CreateSchedule(r.Context(), req.WorkflowID, req.Cron, req.Enabled)
		if err != nil {
			// Invalid cron or missing workflow surfaces synchronously.
			http.Error(w, fmt.Sprintf("Failed to create schedule: %v", err), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, sched)
	case http.MethodDelete:
		id := r.FormValue("id")
		if id == "" {
			http.Error(w, "Missing 'id' parameter", http.StatusBadRequest)
			return
		}
		if err := s.scheduler.DeleteSchedule(id); err != nil {
			http.Error(w, fmt.Sprintf("Failed to delete schedule: %v", err), http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, "Deleted schedule %s\n", id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
