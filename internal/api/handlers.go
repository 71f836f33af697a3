package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/pipeline"
	"github.com/BTreeMap/SyncPipe/internal/retry"
	"github.com/BTreeMap/SyncPipe/internal/store"
	"github.com/BTreeMap/SyncPipe/internal/util"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// maxBodyBytes caps the size of a submitted form.
const maxBodyBytes = 1 << 20

type fieldRequest struct {
	Name  string `json:"name" validate:"required,max=100"`
	Value any    `json:"value"`
}

type submissionRequest struct {
	ID           string         `json:"id" validate:"omitempty,max=64"`
	FormName     string         `json:"form_name" validate:"required,max=100"`
	TargetModule string         `json:"target_module" validate:"required,max=100"`
	Fields       []fieldRequest `json:"fields" validate:"required,min=1,max=200,dive"`
}

type submissionResponse struct {
	ID         string            `json:"id"`
	SyncStatus models.SyncStatus `json:"sync_status"`
	Result     pipeline.Result   `json:"result"`
}

type retriesResponse struct {
	Pending []retry.PendingInfo          `json:"pending"`
	Queues  map[models.ErrorCategory]int `json:"queues"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"service": "syncpipe"}
	for name, check := range s.checks {
		health[name] = check()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(health))
}

func (s *Server) createSubmissionHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	slog.Debug("Server.createSubmissionHandler: processing submission", "path", r.URL.Path)

	var req submissionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.createSubmissionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		slog.Warn("Server.createSubmissionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(validationMessage(err)))
		return
	}

	sub := &models.Submission{
		ID:           req.ID,
		FormName:     req.FormName,
		TargetModule: req.TargetModule,
		Payload:      make(models.Payload, len(req.Fields)),
	}
	if sub.ID == "" {
		sub.ID = util.GenerateSubmissionID()
	}
	for i, f := range req.Fields {
		sub.Payload[i] = models.Field{Name: f.Name, Value: f.Value}
	}

	res, err := s.submitter.Submit(r.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateSubmission):
			writeJSONResponse(w, http.StatusConflict, models.Error("Submission already exists"))
		case isValidationError(err):
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("Server.createSubmissionHandler: submit failed", "submissionID", sub.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to accept submission"))
		}
		return
	}

	body := submissionResponse{ID: sub.ID, Result: res}
	switch {
	case res.Synced:
		body.SyncStatus = models.SyncStatusSynced
		writeJSONResponse(w, http.StatusCreated, models.Success(body))
	case res.ShouldRetry:
		body.SyncStatus = models.SyncStatusPending
		writeJSONResponse(w, http.StatusAccepted, models.Accepted("Submission stored, CRM sync will be retried", body))
	default:
		// stored but failed permanently; the form itself was accepted
		body.SyncStatus = models.SyncStatusFailed
		writeJSONResponse(w, http.StatusAccepted, models.Accepted("Submission stored, CRM sync failed", body))
	}
}

func (s *Server) getSubmissionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.repo.FindSubmission(r.Context(), id)
	if err != nil {
		slog.Error("Server.getSubmissionHandler: lookup failed", "submissionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load submission"))
		return
	}
	if sub == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Submission not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sub))
}

func (s *Server) submissionAuditHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.repo.FindSubmission(r.Context(), id)
	if err != nil {
		slog.Error("Server.submissionAuditHandler: lookup failed", "submissionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load submission"))
		return
	}
	if sub == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Submission not found"))
		return
	}
	entries, err := s.auditLog.History(r.Context(), id)
	if err != nil {
		slog.Error("Server.submissionAuditHandler: history failed", "submissionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load audit trail"))
		return
	}
	if entries == nil {
		entries = []models.AuditLogEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.stats.Compute(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: compute failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute statistics"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

func (s *Server) retriesHandler(w http.ResponseWriter, r *http.Request) {
	resp := retriesResponse{Pending: []retry.PendingInfo{}, Queues: map[models.ErrorCategory]int{}}
	if s.retries != nil {
		resp.Pending = s.retries.ListPending()
		resp.Queues = s.retries.QueueSizes()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func isValidationError(err error) bool {
	return errors.Is(err, models.ErrEmptySubmissionID) ||
		errors.Is(err, models.ErrEmptyFormName) ||
		errors.Is(err, models.ErrEmptyTargetModule) ||
		errors.Is(err, models.ErrEmptyPayload)
}

// validationMessage names the first offending field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "Invalid field " + fe.Namespace() + ": failed " + fe.Tag()
	}
	return "Invalid submission"
}
