package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/coderun/internal/execution"
	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/storage"
	"github.com/michaelbrown/coderun/internal/worker"
)

// Request bodies above this size are rejected.
const maxBodyBytes = 1 << 20

// defaultSubmitLanguage is used by /api/submit when no language is given.
const defaultSubmitLanguage = "javascript"

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// errorStatus maps coordinator errors to HTTP status codes. Zero means the
// client is gone and nothing should be written.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, execution.ErrInvalidRequest), errors.Is(err, execution.ErrUnsupportedLanguage),
		errors.Is(err, storage.ErrAmbiguous):
		return http.StatusBadRequest
	case errors.Is(err, execution.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, execution.ErrQueueTimeout), errors.Is(err, worker.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, execution.ErrCancelled):
		return 0
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrNoStore):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// --- Wire types ---

type executeRequest struct {
	ID        string `json:"id,omitempty"`
	Language  string `json:"language"`
	Code      string `json:"code"`
	Stdin     string `json:"stdin,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

func (e executeRequest) toRequest(caller string) execution.Request {
	return execution.Request{
		ID:       e.ID,
		Language: e.Language,
		Code:     e.Code,
		Caller:   caller,
		Stdin:    e.Stdin,
		Timeout:  time.Duration(e.TimeoutMs) * time.Millisecond,
	}
}

type exitStatusJSON struct {
	Kind   sandbox.StatusKind `json:"kind"`
	Code   *int               `json:"code,omitempty"`
	Signal *int               `json:"signal,omitempty"`
}

func toExitStatus(s sandbox.ExitStatus) exitStatusJSON {
	out := exitStatusJSON{Kind: s.Kind}
	switch s.Kind {
	case sandbox.StatusExited:
		code := s.Code
		out.Code = &code
	case sandbox.StatusSignal:
		sig := s.Signal
		out.Signal = &sig
	}
	return out
}

type resultJSON struct {
	Stdout          string         `json:"stdout"`
	Stderr          string         `json:"stderr"`
	StdoutTruncated bool           `json:"stdout_truncated"`
	StderrTruncated bool           `json:"stderr_truncated"`
	ExitStatus      exitStatusJSON `json:"exit_status"`
	DurationMs      int64          `json:"duration_ms"`
	Message         string         `json:"message,omitempty"`
}

func toResult(r sandbox.Result) resultJSON {
	return resultJSON{
		Stdout:          r.Stdout,
		Stderr:          r.Stderr,
		StdoutTruncated: r.StdoutTruncated,
		StderrTruncated: r.StderrTruncated,
		ExitStatus:      toExitStatus(r.Status),
		DurationMs:      r.Duration.Milliseconds(),
		Message:         r.Message,
	}
}

type executeResponse struct {
	ID           string `json:"id"`
	SubmissionID string `json:"submission_id"`
	Language     string `json:"language"`
	resultJSON
}

func toResponse(resp *execution.Response) executeResponse {
	return executeResponse{
		ID:           resp.RequestID,
		SubmissionID: resp.SubmissionID,
		Language:     resp.Language,
		resultJSON:   toResult(resp.Result),
	}
}

type submissionJSON struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Language  string    `json:"language"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	resultJSON
}

func toSubmission(r *storage.Record) submissionJSON {
	return submissionJSON{
		ID:         r.ID,
		RequestID:  r.RequestID,
		Language:   r.Language,
		Code:       r.Code,
		CreatedAt:  r.CreatedAt,
		resultJSON: toResult(r.Result),
	}
}

// --- Execution handlers ---

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, "")
}

// handleSubmit accepts the same body as /execute but defaults the language.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, defaultSubmitLanguage)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, defaultLanguage string) {
	var body executeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Language == "" {
		body.Language = defaultLanguage
	}

	resp, err := s.svc.Execute(r.Context(), body.toRequest(callerFrom(r.Context())))
	if err != nil {
		status := errorStatus(err)
		if status == 0 {
			s.logger.Debug("client went away", "request_id", body.ID, "err", err)
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toResponse(resp))
}

// --- Retrieval handlers ---

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n > 0 {
			opts.Offset = n
		}
	}

	records, err := s.svc.Submissions(r.Context(), callerFrom(r.Context()), opts)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	out := make([]submissionJSON, 0, len(records))
	for i := range records {
		out = append(out, toSubmission(&records[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.svc.Submission(r.Context(), callerFrom(r.Context()), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSubmission(rec))
}

// --- Metadata handlers ---

type languageInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	langs := s.svc.Languages()
	out := make([]languageInfo, 0, len(langs))
	for _, l := range langs {
		out = append(out, languageInfo{ID: l.ID, Name: l.Name, Aliases: l.Aliases})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.svc.PoolStats()
	status, code := "ok", http.StatusOK
	if stats.Live == 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "pool": stats})
}
