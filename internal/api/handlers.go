package api

import (
	"dft-job-queue/internal/admission"
	"dft-job-queue/internal/auth"
	"dft-job-queue/internal/events"
	"dft-job-queue/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// multipart overhead allowed on top of the structure file itself
const formOverhead = 1 << 20

var errRateLimited = errors.New("rate limit exceeded")

type loginRequest struct {
	Username string `json:"username"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Login issues an identity token for username and sets it as a cookie
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, models.Invalid("username", "request body must be JSON"))
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		writeError(w, r, models.Invalid("username", "missing"))
		return
	}

	token, err := s.issuer.Issue(username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.db.EnsureUser(r.Context(), username); err != nil {
		writeError(w, r, fmt.Errorf("save user: %w", err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.issuer.TTL() / time.Second),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	log.Printf("[LOGIN] UserID=%s", username)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"token":   token,
		"user":    userResponse{ID: username, Username: username},
	})
}

// Verify reports whether the caller holds a valid token
func (s *Server) Verify(w http.ResponseWriter, r *http.Request) {
	userID, err := s.issuer.Identify(tokenFrom(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"user":          userResponse{ID: userID, Username: userID},
	})
}

// SubmitJob handles job submission
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, models.Invalid("sdfFile", fmt.Sprintf("file must be at most %d bytes", s.maxUploadBytes)))
			return
		}
		writeError(w, r, models.Invalid("form", "expected multipart/form-data"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var up admission.Upload
	if file, header, err := r.FormFile("sdfFile"); err == nil {
		data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
		file.Close()
		if err != nil {
			writeError(w, r, fmt.Errorf("read upload: %w", err))
			return
		}
		up = admission.Upload{Filename: header.Filename, Data: data}
	}

	raw := admission.RawParameters{
		Dielectric: strings.TrimSpace(r.FormValue("dielectric")),
		Functional: strings.TrimSpace(r.FormValue("functional")),
		Basis:      strings.TrimSpace(r.FormValue("basis")),
		Charge:     strings.TrimSpace(r.FormValue("charge")),
	}

	// Malformed forms are rejected before they can use up the user's rate.
	if err := admission.ValidateUpload(up, s.maxUploadBytes); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := admission.ValidateParameters(raw); err != nil {
		writeError(w, r, err)
		return
	}

	allowed, err := s.rateLimiter.Allow(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !allowed {
		log.Printf("[RATE_LIMIT] User %s exceeded submission rate", userID)
		writeError(w, r, errRateLimited)
		return
	}

	job, err := s.admission.Submit(r.Context(), userID, up, raw)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.events.Publish(r.Context(), events.New(events.JobSubmitted, job)); err != nil {
		log.Printf("[ERROR] Failed to publish submission of JobID=%d: %v", job.ID, err)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"jobId":   job.ID,
		"status":  job.Status,
	})
}

// GetJobStatus returns one of the caller's jobs
func (s *Server) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// ListJobs returns the caller's jobs, newest first
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !models.ValidStatus(status) {
		writeError(w, r, models.Invalid("status", "must be one of pending, running, completed, failed"))
		return
	}

	jobs, err := s.db.ListJobsByUser(r.Context(), userFrom(r.Context()), status, 0)
	if err != nil {
		writeError(w, r, fmt.Errorf("list jobs: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// DownloadResult streams the optimized geometry of a completed job
func (s *Server) DownloadResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusCompleted || job.ResultFilePath == "" {
		writeError(w, r, models.Invalid("jobId", "job is not completed yet, cannot download results"))
		return
	}

	data, err := s.blobs.Read(job.ResultFilePath)
	if err != nil {
		log.Printf("[ERROR] Result file %s of JobID=%d unreadable: %v", job.ResultFilePath, job.ID, err)
		writeError(w, r, fmt.Errorf("result file: %w", models.ErrNotFound))
		return
	}

	w.Header().Set("Content-Type", "chemical/x-xyz")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(job.ResultFilePath)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetMetrics returns system metrics
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.db.GetMetrics(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("metrics: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// HandleWebSocket upgrades the connection and subscribes it to the caller's jobs
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ERROR] WebSocket upgrade failed: %v", err)
		return
	}

	s.wsManager.AddClient(conn, userFrom(r.Context()))
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || jobID <= 0 {
		writeError(w, r, models.Invalid("jobId", "must be a positive integer"))
		return nil, false
	}
	job, err := s.db.GetJob(r.Context(), jobID, userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code. Server errors are logged and
// answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + ve.Field, "details": ve.Reason})
	case errors.Is(err, models.ErrInvalidFormat):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid SDF file", "details": "The uploaded file is not a valid SDF format"})
	case errors.Is(err, auth.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Job not found or you do not have access to it"})
	case errors.Is(err, models.ErrQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "You have reached the maximum number of pending jobs"})
	case errors.Is(err, errRateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
	default:
		log.Printf("[ERROR] RequestID=%s %s %s: %v", middleware.GetReqID(r.Context()), r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
}
