package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/bank-sync/internal/api/middleware"
	"github.com/dvloznov/bank-sync/internal/jobs"
	"github.com/dvloznov/bank-sync/internal/mfa"
)

// CodeInbox is the part of *mfa.Inbox the HTTP surface needs.
type CodeInbox interface {
	Submit(institutionID, code string)
	Pending() []mfa.Challenge
}

var _ CodeInbox = (*mfa.Inbox)(nil)

// MFAHandler accepts out-of-band codes for waiting sessions.
type MFAHandler struct {
	inbox CodeInbox
	known func(institutionID string) bool
	log   zerolog.Logger
}

// NewMFAHandler creates a new MFA handler. known may be nil, in which case
// codes are accepted for any institution id.
func NewMFAHandler(inbox CodeInbox, known func(string) bool, log zerolog.Logger) *MFAHandler {
	return &MFAHandler{
		inbox: inbox,
		known: known,
		log:   log,
	}
}

// SubmitCode handles POST /api/mfa/{institution}
func (h *MFAHandler) SubmitCode(w http.ResponseWriter, r *http.Request, institutionID string) {
	institutionID = strings.ToLower(strings.TrimSpace(institutionID))
	if institutionID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Institution is required")
		return
	}
	if h.known != nil && !h.known(institutionID) {
		middleware.WriteError(w, http.StatusNotFound, "Unknown institution")
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	code := mfa.Clean(req.Code)
	if code == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Code is required")
		return
	}

	h.inbox.Submit(institutionID, code)
	h.log.Info().Str("institution_id", institutionID).Msg("MFA code submitted")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"institution_id": institutionID,
		"status":         "accepted",
	})
}

// ListPending handles GET /api/mfa/pending
func (h *MFAHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending := h.inbox.Pending()
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"challenges": pending,
		"count":      len(pending),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		h.log.Debug().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	filter := jobs.JobFilter{
		RunID:         query.Get("run_id"),
		InstitutionID: query.Get("institution_id"),
		Status:        jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
