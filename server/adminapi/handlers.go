package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/migadu/rondo/bulkops"
	"github.com/migadu/rondo/db"
	"github.com/migadu/rondo/directory"
	"github.com/migadu/rondo/logger"
	rondosync "github.com/migadu/rondo/sync"
)

// Response types

type accountResponse struct {
	DirectoryID  string            `json:"directory_id"`
	Email        string            `json:"email"`
	DisplayName  string            `json:"display_name,omitempty"`
	Status       string            `json:"status"`
	Attributes   map[string]string `json:"attributes"`
	LocalVersion int64             `json:"local_version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastSyncedAt *time.Time        `json:"last_synced_at,omitempty"`
}

type syncRunResponse struct {
	ID           string     `json:"id"`
	Trigger      string     `json:"trigger"`
	State        string     `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	TotalRemote  int        `json:"total_remote"`
	Created      int        `json:"created"`
	Updated      int        `json:"updated"`
	Unchanged    int        `json:"unchanged"`
	Closed       int        `json:"closed"`
	Errors       int        `json:"errors"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type bulkOperationResponse struct {
	ID          string             `json:"id"`
	Action      string             `json:"action"`
	State       string             `json:"state"`
	SubmittedBy string             `json:"submitted_by"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
	TotalItems  int                `json:"total_items"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	Items       []bulkItemResponse `json:"items,omitempty"`
}

type bulkItemResponse struct {
	Position     int            `json:"position"`
	Email        string         `json:"email"`
	Payload      map[string]any `json:"payload,omitempty"`
	State        string         `json:"state"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

type purgeEntryResponse struct {
	ID         int64      `json:"id"`
	AccountID  string     `json:"account_id"`
	Email      string     `json:"email"`
	State      string     `json:"state"`
	NotBefore  time.Time  `json:"not_before"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type scheduleResponse struct {
	Enabled       bool       `json:"enabled"`
	IntervalHours int        `json:"interval_hours"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type auditEntryResponse struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	AccountID string         `json:"account_id,omitempty"`
	Email     string         `json:"email,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func toAccountResponse(a *db.Account) accountResponse {
	return accountResponse{
		DirectoryID:  a.DirectoryID,
		Email:        a.Email,
		DisplayName:  a.DisplayName,
		Status:       string(a.Status),
		Attributes:   a.Attributes,
		LocalVersion: a.LocalVersion,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
		LastSyncedAt: a.LastSyncedAt,
	}
}

func toSyncRunResponse(run *db.SyncRun) syncRunResponse {
	return syncRunResponse{
		ID:           run.ID.String(),
		Trigger:      run.Trigger,
		State:        run.State,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		TotalRemote:  run.TotalRemote,
		Created:      run.Created,
		Updated:      run.Updated,
		Unchanged:    run.Unchanged,
		Closed:       run.Closed,
		Errors:       run.Errors,
		ErrorMessage: run.ErrorMessage,
	}
}

func toBulkOperationResponse(op *db.BulkOperation, items []db.BulkItem) bulkOperationResponse {
	resp := bulkOperationResponse{
		ID:          op.ID.String(),
		Action:      op.Action,
		State:       op.State,
		SubmittedBy: op.SubmittedBy,
		CreatedAt:   op.CreatedAt,
		StartedAt:   op.StartedAt,
		FinishedAt:  op.FinishedAt,
		TotalItems:  op.TotalItems,
		Succeeded:   op.Succeeded,
		Failed:      op.Failed,
	}
	for _, item := range items {
		resp.Items = append(resp.Items, bulkItemResponse{
			Position:     item.Position,
			Email:        item.Email,
			Payload:      item.Payload,
			State:        item.State,
			ErrorMessage: item.ErrorMessage,
		})
	}
	return resp
}

func toPurgeEntryResponse(e *db.PurgeEntry) purgeEntryResponse {
	return purgeEntryResponse{
		ID:         e.ID,
		AccountID:  e.AccountID,
		Email:      e.Email,
		State:      e.State,
		NotBefore:  e.NotBefore,
		Attempts:   e.Attempts,
		LastError:  e.LastError,
		EnqueuedAt: e.EnqueuedAt,
		UpdatedAt:  e.UpdatedAt,
		FinishedAt: e.FinishedAt,
	}
}

func toScheduleResponse(cfg *db.ScheduleConfig) scheduleResponse {
	return scheduleResponse{
		Enabled:       cfg.Enabled(),
		IntervalHours: cfg.IntervalHours,
		NextRunAt:     cfg.NextRunAt,
		UpdatedAt:     cfg.UpdatedAt,
	}
}

// parsePagination reads limit/offset query parameters with sane defaults.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// Sync handlers

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Run(r.Context(), db.SyncTriggerManual)
	if err != nil {
		if errors.Is(err, rondosync.ErrSyncInProgress) {
			s.writeError(w, http.StatusConflict, "A sync run is already in progress")
			return
		}
		logger.Warn("Admin API: Sync run failed", "error", err)
		if run != nil {
			// The run was recorded as failed; report it with its outcome.
			s.writeJSON(w, http.StatusOK, toSyncRunResponse(run))
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Sync run failed")
		return
	}
	s.writeJSON(w, http.StatusOK, toSyncRunResponse(run))
}

func (s *Server) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	runs, err := s.store.ListSyncRuns(r.Context(), limit, offset)
	if err != nil {
		logger.Warn("Admin API: Error listing sync runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list sync runs")
		return
	}

	resp := make([]syncRunResponse, 0, len(runs))
	for i := range runs {
		resp = append(resp, toSyncRunResponse(&runs[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": resp, "count": len(resp)})
}

func (s *Server) handleGetSyncRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid sync run ID")
		return
	}

	run, err := s.store.GetSyncRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrSyncRunNotFound) {
			s.writeError(w, http.StatusNotFound, "Sync run not found")
			return
		}
		logger.Warn("Admin API: Error fetching sync run", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch sync run")
		return
	}
	s.writeJSON(w, http.StatusOK, toSyncRunResponse(run))
}

// Account handlers

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	var status directory.Status
	if v := r.URL.Query().Get("status"); v != "" {
		status = directory.Status(v)
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
	}

	limit, offset := parsePagination(r)
	accounts, err := s.store.ListAccounts(r.Context(), status, limit, offset)
	if err != nil {
		logger.Warn("Admin API: Error listing accounts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for i := range accounts {
		resp = append(resp, toAccountResponse(&accounts[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": resp, "count": len(resp)})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Warn("Admin API: Error fetching account", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch account")
		return
	}
	s.writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// Bulk operation handlers

type submitBulkRequest struct {
	Action string `json:"action"`
	Items  []struct {
		Email  string `json:"email"`
		Status string `json:"status,omitempty"`
	} `json:"items"`
}

func (s *Server) handleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	var req submitBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	items := make([]bulkops.SubmitItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, bulkops.SubmitItem{
			Email:  item.Email,
			Status: directory.Status(item.Status),
		})
	}

	op, err := s.bulk.Submit(r.Context(), req.Action, actorFromRequest(r), items)
	if err != nil {
		if errors.Is(err, bulkops.ErrInvalidSubmission) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Warn("Admin API: Error submitting bulk operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to submit bulk operation")
		return
	}
	s.writeJSON(w, http.StatusAccepted, toBulkOperationResponse(op, nil))
}

func (s *Server) handleListBulk(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	ops, err := s.store.ListBulkOperations(r.Context(), limit, offset)
	if err != nil {
		logger.Warn("Admin API: Error listing bulk operations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list bulk operations")
		return
	}

	resp := make([]bulkOperationResponse, 0, len(ops))
	for i := range ops {
		resp = append(resp, toBulkOperationResponse(&ops[i], nil))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"operations": resp, "count": len(resp)})
}

func (s *Server) handleGetBulk(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid bulk operation ID")
		return
	}

	op, err := s.store.GetBulkOperation(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrBulkOperationNotFound) {
			s.writeError(w, http.StatusNotFound, "Bulk operation not found")
			return
		}
		logger.Warn("Admin API: Error fetching bulk operation", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch bulk operation")
		return
	}

	items, err := s.store.ListBulkItems(r.Context(), id)
	if err != nil {
		logger.Warn("Admin API: Error fetching bulk items", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch bulk operation items")
		return
	}
	s.writeJSON(w, http.StatusOK, toBulkOperationResponse(op, items))
}

// Purge queue handlers

func (s *Server) handleListPurge(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	limit, offset := parsePagination(r)
	entries, err := s.store.ListPurgeEntries(r.Context(), state, limit, offset)
	if err != nil {
		logger.Warn("Admin API: Error listing purge entries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list purge entries")
		return
	}

	resp := make([]purgeEntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, toPurgeEntryResponse(&entries[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": resp, "count": len(resp)})
}

func (s *Server) handleCancelPurge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid purge entry ID")
		return
	}

	if err := s.purge.Cancel(r.Context(), id, actorFromRequest(r)); err != nil {
		switch {
		case errors.Is(err, db.ErrPurgeEntryNotFound):
			s.writeError(w, http.StatusNotFound, "Purge entry not found")
		case errors.Is(err, db.ErrPurgeEntryNotCancellable):
			s.writeError(w, http.StatusConflict, "Purge entry is no longer cancellable")
		default:
			logger.Warn("Admin API: Error cancelling purge entry", "id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to cancel purge entry")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Schedule handlers

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.schedule.Config(r.Context())
	if err != nil {
		logger.Warn("Admin API: Error fetching schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch schedule")
		return
	}
	s.writeJSON(w, http.StatusOK, toScheduleResponse(cfg))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalHours int `json:"interval_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	cfg, err := s.schedule.Reconfigure(r.Context(), req.IntervalHours, actorFromRequest(r))
	if err != nil {
		if errors.Is(err, db.ErrInvalidInterval) {
			s.writeError(w, http.StatusBadRequest, "Interval must be one of 0, 1, 2, 4, 8, 12 or 24 hours")
			return
		}
		logger.Warn("Admin API: Error updating schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update schedule")
		return
	}
	s.writeJSON(w, http.StatusOK, toScheduleResponse(cfg))
}

// Audit handlers

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.AuditFilter{
		Action:    q.Get("action"),
		AccountID: q.Get("account_id"),
		Email:     q.Get("email"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid 'since' timestamp, expected RFC3339")
			return
		}
		filter.Since = since
	}
	filter.Limit, filter.Offset = parsePagination(r)

	entries, err := s.store.ListAuditEntries(r.Context(), filter)
	if err != nil {
		logger.Warn("Admin API: Error listing audit entries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list audit entries")
		return
	}

	resp := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, auditEntryResponse{
			ID:        e.ID,
			Action:    e.Action,
			Actor:     e.Actor,
			AccountID: e.AccountID,
			Email:     e.Email,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": resp, "count": len(resp)})
}

// Health handler

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":       "ok",
		"sync_running": s.runner.Running(),
		"time":         time.Now().UTC(),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}
