package api

import (
	"context"
	"dft-job-queue/internal/admission"
	"dft-job-queue/internal/auth"
	"dft-job-queue/internal/blob"
	"dft-job-queue/internal/events"
	"dft-job-queue/internal/models"
	"dft-job-queue/internal/ratelimit"
	"dft-job-queue/internal/websocket"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	ws "github.com/gorilla/websocket"
)

// JobStore is the read side of the job store the API serves from
type JobStore interface {
	EnsureUser(ctx context.Context, userID string) error
	GetJob(ctx context.Context, jobID int64, userID string) (*models.Job, error)
	ListJobsByUser(ctx context.Context, userID, status string, limit int) ([]models.Job, error)
	GetMetrics(ctx context.Context) (*models.Metrics, error)
}

// Submitter admits new jobs
type Submitter interface {
	Submit(ctx context.Context, userID string, up admission.Upload, raw admission.RawParameters) (*models.Job, error)
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	db             JobStore
	admission      Submitter
	blobs          blob.Store
	issuer         *auth.Issuer
	rateLimiter    ratelimit.Limiter
	wsManager      *websocket.Manager
	events         events.Publisher
	maxUploadBytes int64
	secureCookies  bool
	upgrader       ws.Upgrader
}

// Options wires the server's collaborators
type Options struct {
	DB             JobStore
	Admission      Submitter
	Blobs          blob.Store
	Issuer         *auth.Issuer
	RateLimiter    ratelimit.Limiter
	WSManager      *websocket.Manager
	Events         events.Publisher
	MaxUploadBytes int64
	SecureCookies  bool
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.RateLimiter == nil {
		opts.RateLimiter = ratelimit.NewMemory(10)
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = admission.DefaultMaxUploadBytes
	}
	return &Server{
		db:             opts.DB,
		admission:      opts.Admission,
		blobs:          opts.Blobs,
		issuer:         opts.Issuer,
		rateLimiter:    opts.RateLimiter,
		wsManager:      opts.WSManager,
		events:         opts.Events,
		maxUploadBytes: opts.MaxUploadBytes,
		secureCookies:  opts.SecureCookies,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router sets up all HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.Login)
		r.Get("/auth/verify", s.Verify)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/jobs", s.SubmitJob)
			r.Get("/jobs", s.ListJobs)
			r.Get("/jobs/{jobID}", s.GetJobStatus)
			r.Get("/jobs/{jobID}/download", s.DownloadResult)
			r.Get("/metrics", s.GetMetrics)
		})
	})

	r.With(s.requireUser).Get("/ws", s.HandleWebSocket)

	return r
}

type ctxKey struct{}

// requireUser resolves the caller from the auth cookie or a bearer token
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.issuer.Identify(tokenFrom(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func tokenFrom(r *http.Request) string {
	if c, err := r.Cookie(auth.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
